package planlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal planline HTTP API client.
type Client struct {
	BaseURL     string
	PlanID      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, planID string) *Client {
	return &Client{
		BaseURL: baseURL,
		PlanID:  planID,
		Timeout: 10 * time.Second,
	}
}

// Milestone represents the API milestone model.
type Milestone struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind,omitempty"`
	Optional  bool    `json:"optional"`
	State     string  `json:"state,omitempty"`
	StartDate *string `json:"start_date,omitempty"`
	EndDate   *string `json:"end_date,omitempty"`
	Position  *int64  `json:"position,omitempty"`
}

type Transition struct {
	Milestone Milestone `json:"milestone"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

// Scheduled is a pending communication.
type Scheduled struct {
	Rule          string `json:"rule"`
	MilestoneID   int64  `json:"milestone_id"`
	MilestoneName string `json:"milestone_name"`
	DaysOffset    int    `json:"days_offset"`
	ScheduledDate string `json:"scheduled_date"`
}

// Delivered is an entry of the communication log.
type Delivered struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	Date      string     `json:"date"`
	Milestone *Milestone `json:"milestone,omitempty"`
}

type Current struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
	Complete   bool    `json:"complete"`
}

type Plan struct {
	ID          string         `json:"id"`
	Strategy    string         `json:"strategy"`
	Rules       map[string]any `json:"rules"`
	StartDate   string         `json:"start_date"`
	CurrentDate string         `json:"current_date"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// PlanState is the full plan view returned by the API.
type PlanState struct {
	Plan       Plan        `json:"plan"`
	Milestones []Milestone `json:"milestones"`
	Pending    []Scheduled `json:"pending"`
	Delivered  []Delivered `json:"delivered"`
	Current    *Current    `json:"current,omitempty"`
	Progress   Progress    `json:"progress"`
}

// Outcome is returned by every command.
type Outcome struct {
	State       PlanState    `json:"state"`
	Transitions []Transition `json:"transitions"`
	Scheduled   []Scheduled  `json:"scheduled"`
	Delivered   []Delivered  `json:"delivered"`
	Dropped     []Scheduled  `json:"dropped"`
}

type MilestoneOutcome struct {
	Milestone Milestone `json:"milestone"`
	Outcome
}

type Communications struct {
	Delivered []Delivered `json:"delivered"`
	Pending   []Scheduled `json:"pending"`
}

// NewMilestone is the body of AddMilestone. Dates are YYYY-MM-DD.
type NewMilestone struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind,omitempty"`
	Optional  bool    `json:"optional,omitempty"`
	StartDate *string `json:"start_date,omitempty"`
	EndDate   *string `json:"end_date,omitempty"`
	Position  *int64  `json:"position,omitempty"`
}

// MilestonePatch edits a milestone; nil fields are left alone.
type MilestonePatch struct {
	Name           *string `json:"name,omitempty"`
	Kind           *string `json:"kind,omitempty"`
	Optional       *bool   `json:"optional,omitempty"`
	StartDate      *string `json:"start_date,omitempty"`
	EndDate        *string `json:"end_date,omitempty"`
	ClearStartDate bool    `json:"clear_start_date,omitempty"`
	ClearEndDate   bool    `json:"clear_end_date,omitempty"`
	Position       *int64  `json:"position,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	PlanID     string         `json:"plan_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code returns the error code of the response envelope, if any.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Plan fetches the plan state.
func (c *Client) Plan(ctx context.Context) (PlanState, error) {
	var resp PlanState
	err := c.do(ctx, http.MethodGet, c.planPath(""), nil, &resp)
	return resp, err
}

func (c *Client) SetDate(ctx context.Context, date string) (Outcome, error) {
	return c.command(ctx, http.MethodPost, "date", map[string]any{"date": date})
}

// Advance moves the simulated date forward by days, one day at a time.
func (c *Client) Advance(ctx context.Context, days int) (Outcome, error) {
	return c.command(ctx, http.MethodPost, "date/advance", map[string]any{"days": days})
}

func (c *Client) SetStrategy(ctx context.Context, strategy string) (Outcome, error) {
	return c.command(ctx, http.MethodPut, "strategy", map[string]any{"strategy": strategy})
}

// SetRules replaces the communication rules. rules is encoded as JSON.
func (c *Client) SetRules(ctx context.Context, rules any) (Outcome, error) {
	return c.command(ctx, http.MethodPut, "rules", rules)
}

func (c *Client) AddMilestone(ctx context.Context, in NewMilestone) (MilestoneOutcome, error) {
	var resp MilestoneOutcome
	err := c.do(ctx, http.MethodPost, c.planPath("milestones"), in, &resp)
	return resp, err
}

func (c *Client) UpdateMilestone(ctx context.Context, id int64, patch MilestonePatch) (Outcome, error) {
	return c.command(ctx, http.MethodPatch, fmt.Sprintf("milestones/%d", id), patch)
}

func (c *Client) RemoveMilestone(ctx context.Context, id int64) (Outcome, error) {
	return c.command(ctx, http.MethodDelete, fmt.Sprintf("milestones/%d", id), nil)
}

// SetState overrides the state of a milestone.
func (c *Client) SetState(ctx context.Context, id int64, state string) (Outcome, error) {
	return c.command(ctx, http.MethodPost, fmt.Sprintf("milestones/%d/state", id), map[string]any{"state": state})
}

// ChainDates lays milestones out in consecutive windows starting at from, or
// at the plan's current date when from is empty.
func (c *Client) ChainDates(ctx context.Context, from string) (Outcome, error) {
	return c.command(ctx, http.MethodPost, "milestones/chain", map[string]any{"from": from})
}

func (c *Client) Reset(ctx context.Context) (Outcome, error) {
	return c.command(ctx, http.MethodPost, "reset", nil)
}

func (c *Client) Communications(ctx context.Context) (Communications, error) {
	var resp Communications
	err := c.do(ctx, http.MethodGet, c.planPath("communications"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.planPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DevLogin mints a development token and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID string, roles ...string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]any{"actor_id": actorID, "roles": roles}
	if err := c.do(ctx, http.MethodPost, "v0/auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) command(ctx context.Context, method, p string, body any) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, method, c.planPath(p), body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) planPath(p string) string {
	plan := url.PathEscape(c.PlanID)
	if p == "" {
		return fmt.Sprintf("v0/plans/%s", plan)
	}
	return fmt.Sprintf("v0/plans/%s/%s", plan, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
