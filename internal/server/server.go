package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/errs"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/plan"
	"planline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_argument"`
	Message string         `json:"message" example:"invalid milestone state \"archived\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the planline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(accessLog(logging.OrNop(cfg.Log)))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerPlans(group, cfg.Engine)
	registerDates(group, cfg.Engine)
	registerConfiguration(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerCommunications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	switch code := errs.CodeOf(err); code {
	case errs.CodeInvalidArgument:
		return newAPIError(http.StatusBadRequest, string(code), err.Error(), nil)
	case errs.CodeNotFound:
		return newAPIError(http.StatusNotFound, string(code), err.Error(), nil)
	case errs.CodeConflict:
		return newAPIError(http.StatusConflict, string(code), err.Error(), nil)
	case errs.CodeConfiguration:
		return newAPIError(http.StatusUnprocessableEntity, string(code), err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerMetrics(r chi.Router, m *metrics.Metrics) {
	if m == nil {
		return
	}
	r.Handle("/metrics", m.Handler())
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		// Routes are all registered before the first request.
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>planline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      When the server has a JWT secret, authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type planPath struct {
	PlanID string `path:"plan_id"`
}

type outcomeOutput struct {
	Body OutcomeResponse `json:"body"`
}

func outcome(out plan.Outcome, err error) (*outcomeOutput, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return &outcomeOutput{Body: outcomeResponse(out)}, nil
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Plan state with current milestone and progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		s, err := e.State(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-plan",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/reset",
		Summary:     "Re-seed the plan fixture at today's date",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*outcomeOutput, error) {
		return outcome(e.Reset(ctx, input.PlanID, actorFromContext(ctx)))
	})
}

func registerDates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-date",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/date",
		Summary:     "Set the simulated date",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID string         `path:"plan_id"`
		Body   SetDateRequest `json:"body"`
	}) (*outcomeOutput, error) {
		date, err := domain.ParseDate(input.Body.Date)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(errs.CodeInvalidArgument), err.Error(), map[string]any{"date": input.Body.Date})
		}
		return outcome(e.SetDate(ctx, input.PlanID, date, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-date",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/date/advance",
		Summary:     "Advance the simulated date one day at a time",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID string          `path:"plan_id"`
		Body   *AdvanceRequest `json:"body,omitempty" required:"false"`
	}) (*outcomeOutput, error) {
		days := 1
		if input.Body != nil && input.Body.Days != 0 {
			days = input.Body.Days
		}
		return outcome(e.Advance(ctx, input.PlanID, days, actorFromContext(ctx)))
	})
}

func registerConfiguration(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-strategy",
		Method:      http.MethodPut,
		Path:        "/plans/{plan_id}/strategy",
		Summary:     "Change the unlock strategy",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID string             `path:"plan_id"`
		Body   SetStrategyRequest `json:"body"`
	}) (*outcomeOutput, error) {
		strategy, err := domain.ParseStrategy(input.Body.Strategy)
		if err != nil {
			return nil, handleError(errs.Wrap(errs.CodeInvalidArgument, err, err.Error()))
		}
		return outcome(e.SetStrategy(ctx, input.PlanID, strategy, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rules",
		Method:      http.MethodPut,
		Path:        "/plans/{plan_id}/rules",
		Summary:     "Replace the communication rules",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID string       `path:"plan_id"`
		Body   domain.Rules `json:"body"`
	}) (*outcomeOutput, error) {
		return outcome(e.SetRules(ctx, input.PlanID, input.Body, actorFromContext(ctx)))
	})
}

type milestonePath struct {
	PlanID      string `path:"plan_id"`
	MilestoneID int64  `path:"milestone_id"`
}

func optionalDate(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	t, err := domain.ParseDate(*raw)
	if err != nil {
		return nil, errs.InvalidArgument("%s", err.Error())
	}
	return &t, nil
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-milestone",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/milestones",
		Summary:     "Append a milestone",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID string                 `path:"plan_id"`
		Body   CreateMilestoneRequest `json:"body"`
	}) (*struct {
		Body MilestoneOutcomeResponse `json:"body"`
	}, error) {
		start, err := optionalDate(input.Body.StartDate)
		if err != nil {
			return nil, handleError(err)
		}
		end, err := optionalDate(input.Body.EndDate)
		if err != nil {
			return nil, handleError(err)
		}
		out, m, err := e.AddMilestone(ctx, input.PlanID, plan.NewMilestone{
			Name:      input.Body.Name,
			Kind:      domain.Kind(input.Body.Kind),
			Optional:  input.Body.Optional,
			StartDate: start,
			EndDate:   end,
			Position:  input.Body.Position,
		}, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneOutcomeResponse `json:"body"`
		}{Body: MilestoneOutcomeResponse{Milestone: m, OutcomeResponse: outcomeResponse(out)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-milestone",
		Method:      http.MethodPatch,
		Path:        "/plans/{plan_id}/milestones/{milestone_id}",
		Summary:     "Edit name, kind, optional flag, dates or position",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID      string                 `path:"plan_id"`
		MilestoneID int64                  `path:"milestone_id"`
		Body        UpdateMilestoneRequest `json:"body"`
	}) (*outcomeOutput, error) {
		start, err := optionalDate(input.Body.StartDate)
		if err != nil {
			return nil, handleError(err)
		}
		end, err := optionalDate(input.Body.EndDate)
		if err != nil {
			return nil, handleError(err)
		}
		patch := plan.MilestonePatch{
			Name:           input.Body.Name,
			Optional:       input.Body.Optional,
			StartDate:      start,
			EndDate:        end,
			ClearStartDate: input.Body.ClearStartDate,
			ClearEndDate:   input.Body.ClearEndDate,
			Position:       input.Body.Position,
		}
		if input.Body.Kind != nil {
			kind := domain.Kind(*input.Body.Kind)
			patch.Kind = &kind
		}
		return outcome(e.UpdateMilestone(ctx, input.PlanID, input.MilestoneID, patch, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-milestone",
		Method:      http.MethodDelete,
		Path:        "/plans/{plan_id}/milestones/{milestone_id}",
		Summary:     "Remove a milestone",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *milestonePath) (*outcomeOutput, error) {
		return outcome(e.RemoveMilestone(ctx, input.PlanID, input.MilestoneID, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-milestone-state",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/milestones/{milestone_id}/state",
		Summary:     "Manually override a milestone state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID      string          `path:"plan_id"`
		MilestoneID int64           `path:"milestone_id"`
		Body        SetStateRequest `json:"body"`
	}) (*outcomeOutput, error) {
		state := domain.State(strings.ToLower(strings.TrimSpace(input.Body.State)))
		return outcome(e.Override(ctx, input.PlanID, input.MilestoneID, state, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "chain-milestone-dates",
		Method:      http.MethodPost,
		Path:        "/plans/{plan_id}/milestones/chain",
		Summary:     "Lay milestones out in consecutive seven-day windows",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		PlanID string             `path:"plan_id"`
		Body   *ChainDatesRequest `json:"body,omitempty" required:"false"`
	}) (*outcomeOutput, error) {
		var from time.Time
		if input.Body != nil && strings.TrimSpace(input.Body.From) != "" {
			parsed, err := domain.ParseDate(input.Body.From)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, string(errs.CodeInvalidArgument), err.Error(), nil)
			}
			from = parsed
		} else {
			s, err := e.State(ctx, input.PlanID)
			if err != nil {
				return nil, handleError(err)
			}
			from = s.Plan.CurrentDate
		}
		return outcome(e.ChainDates(ctx, input.PlanID, from, actorFromContext(ctx)))
	})
}

func registerCommunications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-communications",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/communications",
		Summary:     "Delivered log and pending queue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *planPath) (*struct {
		Body CommunicationsResponse `json:"body"`
	}, error) {
		s, err := e.State(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CommunicationsResponse `json:"body"`
		}{Body: CommunicationsResponse{Delivered: nonNil(s.Delivered), Pending: nonNil(s.Pending)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, input.PlanID, limit+1, cursorID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.enabled() {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login requires a JWT secret", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, authCfg.clock()())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
