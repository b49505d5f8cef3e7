package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/errs"
	"planline/internal/logging"
	"planline/internal/metrics"
	"planline/internal/plan"
	"planline/internal/relay"
	"planline/internal/repo"
	"planline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "planline CLI",
	Long: `planline simulates a learning plan day by day.
- Plan: an ordered list of milestones, a simulated date, an unlock strategy and communication rules.
- Milestones: locked, unlocked or completed. The strategy decides what unlocks, by completion of the previous milestone, by start date, or both.
- Communications: Plan Started and Plan Completed, unlocked follow-ups a few days after a milestone opens, session reminders before a session starts.
- Date: move it with 'pl date next' or 'pl date advance 3'; every day in between is dispatched.
- Event log: every command is recorded, view with 'pl events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalidArgument:
		return 2
	case errs.CodeNotFound:
		return 3
	case errs.CodeConfiguration:
		return 4
	case errs.CodeConflict:
		return 5
	}
	return 1
}

func initConfig() {
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("plan", "", "plan id (overrides config default)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level for diagnostics on stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("plan", rootCmd.PersistentFlags().Lookup("plan"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(milestonesCmd())
	rootCmd.AddCommand(currentCmd())
	rootCmd.AddCommand(dateCmd())
	rootCmd.AddCommand(strategyCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(commsCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write planline.yml and seed the plan",
		Long:  "Creates planline.yml when missing and seeds the configured plan with the five-milestone fixture starting today.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			planID := strings.TrimSpace(viper.GetString("plan"))
			existing, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if existing == nil {
				if planID == "" {
					planID = "default"
				}
				if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(planID)), 0o644); err != nil {
					return err
				}
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, e engine.Engine) error {
				out, err := e.InitPlan(ctx, ws.Config.Plan.ID, actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Initialized plan %s in %s\n", ws.Config.Plan.ID, db.Path(workspace))
				printOutcome(out)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show plan date, strategy, current milestone and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) error {
				s, err := e.State(ctx, planID)
				if err != nil {
					return err
				}
				current := plan.Current(s)
				progress := plan.ProgressOf(s.Milestones)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"plan":     s.Plan,
						"current":  current,
						"progress": progress,
						"pending":  len(s.Pending),
					})
				}
				fmt.Printf("Plan: %s\n", s.Plan.ID)
				fmt.Printf("Date: %s (started %s)\n", domain.FormatDate(s.Plan.CurrentDate), domain.FormatDate(s.Plan.StartDate))
				fmt.Printf("Strategy: %s\n", s.Plan.Strategy)
				printCurrent(current)
				fmt.Printf("Progress: %d/%d (%.0f%%)", progress.Completed, progress.Total, progress.Percentage)
				if progress.Complete {
					fmt.Print(" complete")
				}
				fmt.Println()
				fmt.Printf("Pending communications: %d\n", len(s.Pending))
				return nil
			})
		},
	}
	return cmd
}

func milestonesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "milestones",
		Short: "List milestones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) error {
				s, err := e.State(ctx, planID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Milestones)
				}
				printMilestones(s.Milestones)
				return nil
			})
		},
	}
	return cmd
}

func currentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current",
		Short: "Show the milestone a learner is redirected to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) error {
				current, err := e.Current(ctx, planID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(current)
				}
				printCurrent(current)
				return nil
			})
		},
	}
	return cmd
}

func dateCmd() *cobra.Command {
	date := &cobra.Command{Use: "date", Short: "Move the simulated date"}
	date.AddCommand(dateSetCmd())
	date.AddCommand(dateNextCmd())
	date.AddCommand(dateAdvanceCmd())
	return date
}

func dateSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <YYYY-MM-DD>",
		Short: "Jump to a date, forward or backward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := domain.ParseDate(args[0])
			if err != nil {
				return errs.InvalidArgument("%s", err.Error())
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.SetDate(ctx, planID, d, actor())
			})
		},
	}
	return cmd
}

func dateNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Advance one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.NextDay(ctx, planID, actor())
			})
		},
	}
	return cmd
}

func dateAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <days>",
		Short: "Advance N days, dispatching every day in between",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var days int
			if _, err := fmt.Sscanf(args[0], "%d", &days); err != nil {
				return errs.InvalidArgument("days must be a number, got %q", args[0])
			}
			if days < 1 || days > plan.MaxAdvanceDays {
				return errs.InvalidArgument("days must be between 1 and %d, got %d", plan.MaxAdvanceDays, days)
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.Advance(ctx, planID, days, actor())
			})
		},
	}
	return cmd
}

func strategyCmd() *cobra.Command {
	s := &cobra.Command{Use: "strategy", Short: "Unlock strategy"}
	s.AddCommand(&cobra.Command{
		Use:   "set <strategy>",
		Short: "Change the unlock strategy and re-evaluate",
		Long: fmt.Sprintf("Strategies: %s, %s, %s, %s.",
			domain.StrategyByCompletionOnly, domain.StrategyByStartDateOnly,
			domain.StrategyByStartDateOrCompletion, domain.StrategyByStartDateAndCompletion),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := domain.ParseStrategy(args[0])
			if err != nil {
				return errs.Wrap(errs.CodeInvalidArgument, err, err.Error())
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.SetStrategy(ctx, planID, strategy, actor())
			})
		},
	})
	return s
}

func rulesCmd() *cobra.Command {
	r := &cobra.Command{Use: "rules", Short: "Communication rules"}
	r.AddCommand(rulesShowCmd())
	r.AddCommand(rulesSetCmd())
	r.AddCommand(rulesImportCmd())
	return r
}

func rulesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the plan's rules as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) error {
				s, err := e.State(ctx, planID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Plan.Rules)
				}
				data, err := config.RulesYAML(s.Plan.Rules)
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func rulesSetCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the rules from a YAML rules document",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			rules, err := config.RulesFromYAML(data)
			if err != nil {
				return errs.Wrap(errs.CodeInvalidArgument, err, err.Error())
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.SetRules(ctx, planID, rules, actor())
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to a YAML rules document")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func rulesImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy the rules section of a planline.yml into the plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.SetRules(ctx, planID, cfg.Rules, actor())
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to planline.yml (workspace config by default)")
	return cmd
}

func milestoneCmd() *cobra.Command {
	m := &cobra.Command{Use: "milestone", Short: "Edit milestones"}
	m.AddCommand(milestoneAddCmd())
	m.AddCommand(milestoneRemoveCmd())
	m.AddCommand(milestoneEditCmd())
	m.AddCommand(milestoneStateCmd())
	m.AddCommand(milestoneChainCmd())
	return m
}

func milestoneAddCmd() *cobra.Command {
	var name, kind, start, end string
	var optional bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			startDate, err := optionalDate(start)
			if err != nil {
				return err
			}
			endDate, err := optionalDate(end)
			if err != nil {
				return err
			}
			in := plan.NewMilestone{
				Name:      name,
				Kind:      domain.Kind(kind),
				Optional:  optional,
				StartDate: startDate,
				EndDate:   endDate,
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				out, m, err := e.AddMilestone(ctx, planID, in, actor())
				if err == nil && !viper.GetBool("json") {
					fmt.Printf("Added milestone %d (%s)\n", m.ID, m.Name)
				}
				return out, err
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "milestone name")
	cmd.Flags().StringVar(&kind, "kind", "", "chapter or session")
	cmd.Flags().BoolVar(&optional, "optional", false, "optional milestones never block unlocking")
	cmd.Flags().StringVar(&start, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "end date YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func milestoneRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := milestoneID(args[0])
			if err != nil {
				return err
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.RemoveMilestone(ctx, planID, id, actor())
			})
		},
	}
	return cmd
}

func milestoneEditCmd() *cobra.Command {
	var name, kind, start, end string
	var optional, clearStart, clearEnd bool
	var position int64
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Rename, change kind, toggle optional or move dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := milestoneID(args[0])
			if err != nil {
				return err
			}
			var patch plan.MilestonePatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("kind") {
				k := domain.Kind(kind)
				patch.Kind = &k
			}
			if flags.Changed("optional") {
				patch.Optional = &optional
			}
			if flags.Changed("position") {
				patch.Position = &position
			}
			if patch.StartDate, err = optionalDate(start); err != nil {
				return err
			}
			if patch.EndDate, err = optionalDate(end); err != nil {
				return err
			}
			patch.ClearStartDate = clearStart
			patch.ClearEndDate = clearEnd
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.UpdateMilestone(ctx, planID, id, patch, actor())
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&kind, "kind", "", "chapter or session")
	cmd.Flags().BoolVar(&optional, "optional", false, "optional flag")
	cmd.Flags().StringVar(&start, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&end, "end", "", "end date YYYY-MM-DD")
	cmd.Flags().BoolVar(&clearStart, "clear-start", false, "remove the start date")
	cmd.Flags().BoolVar(&clearEnd, "clear-end", false, "remove the end date")
	cmd.Flags().Int64Var(&position, "position", 0, "explicit ordering position")
	return cmd
}

func milestoneStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <id> <locked|unlocked|completed>",
		Short: "Manually override a milestone state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := milestoneID(args[0])
			if err != nil {
				return err
			}
			state := domain.State(strings.ToLower(args[1]))
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.Override(ctx, planID, id, state, actor())
			})
		},
	}
	return cmd
}

func milestoneChainCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Lay milestones out in consecutive seven-day windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := optionalDate(from)
			if err != nil {
				return err
			}
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				if start == nil {
					s, err := e.State(ctx, planID)
					if err != nil {
						return plan.Outcome{}, err
					}
					start = &s.Plan.CurrentDate
				}
				return e.ChainDates(ctx, planID, *start, actor())
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first start date, the plan's current date by default")
	return cmd
}

func commsCmd() *cobra.Command {
	c := &cobra.Command{Use: "comms", Short: "Communications"}
	c.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Delivered communications, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) error {
				s, err := e.State(ctx, planID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Delivered)
				}
				printDelivered(s.Delivered)
				return nil
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "Scheduled communications not yet due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) error {
				s, err := e.State(ctx, planID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s.Pending)
				}
				printPending(s.Pending)
				return nil
			})
		},
	})
	return c
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPlan(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) error {
				items, err := e.ListEvents(ctx, planID, n, 0, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					entity := evt.EntityKind
					if evt.EntityID != "" {
						entity += ":" + evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Re-seed the plan fixture at today's date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd.Context(), func(ctx context.Context, e engine.Engine, planID string) (plan.Outcome, error) {
				return e.Reset(ctx, planID, actor())
			})
		},
	}
	return cmd
}

func plansCmd() *cobra.Command {
	p := &cobra.Command{Use: "plans", Short: "Plans stored in the workspace"}
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlans(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Strategy", "Start", "Date", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Strategy, domain.FormatDate(p.StartDate), domain.FormatDate(p.CurrentDate), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plan with its milestones, queue and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, e engine.Engine) error {
				if err := e.DeletePlan(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted plan %s\n", args[0])
				return nil
			})
		},
	})
	return p
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var replay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadEnv()
			if err != nil {
				return err
			}
			log, err := logging.New(env.LogLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("plan"), log)
			if err != nil {
				return err
			}
			defer ws.Close()
			_, m := metrics.NewRegistry()
			e := ws.Engine(m)
			if err := ws.EnsurePlan(ctx, e, actor()); err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: env.JWTSecret},
				Metrics:  m,
				Log:      log,
			})
			if err != nil {
				return err
			}
			handler = cors.New(cors.Options{
				AllowedOrigins: env.CORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				MaxAge:         300,
			}).Handler(handler)

			rl, closeRelay, err := buildRelay(ws, env, m, log)
			if err != nil {
				return err
			}
			defer closeRelay()
			if rl != nil {
				if replay {
					rl.WithReplay()
				}
				go rl.Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving planline API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("plan_id", ws.Config.Plan.ID),
				zap.Bool("auth", env.JWTSecret != ""),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&replay, "replay", false, "relay the whole event log instead of starting at the newest event")
	return cmd
}

// buildRelay wires webhook sinks from planline.yml plus AMQP and Redis when
// configured. It returns a nil relay when there is nowhere to send events.
func buildRelay(ws *app.Workspace, env config.Env, m *metrics.Metrics, log *zap.Logger) (*relay.Relay, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	sinks := relay.WebhookSinks(ws.Config.Webhooks)
	if env.AMQPURL != "" {
		sink, err := relay.DialAMQP(env.AMQPURL, env.AMQPExchange)
		if err != nil {
			return nil, closeAll, fmt.Errorf("amqp: %w", err)
		}
		closers = append(closers, func() { sink.Close() })
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	rl := relay.New(repo.Repo{DB: ws.DB}, ws.Config.Plan.ID, sinks, log).
		WithMetrics(m).
		WithInterval(env.RelayInterval).
		WithBatchSize(env.RelayBatch)
	if env.RedisAddr != "" {
		rdb := relay.NewRedisClient(env.RedisAddr, env.RedisPassword, env.RedisDB)
		closers = append(closers, func() { rdb.Close() })
		rl.WithDeduper(relay.NewRedisDeduper(rdb, env.DedupTTL, log))
	}
	return rl, closeAll, nil
}

// --- helpers ---

func actor() string {
	if id := strings.TrimSpace(viper.GetString("actor-id")); id != "" {
		return id
	}
	return "local-user"
}

func cliLogger() *zap.Logger {
	log, err := logging.New(viper.GetString("log-level"))
	if err != nil {
		return logging.Nop()
	}
	return log
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace, engine.Engine) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("plan"), cliLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws, ws.Engine(nil))
}

// withPlan opens the workspace and seeds the configured plan on first use.
func withPlan(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace, e engine.Engine) error {
		if err := ws.EnsurePlan(ctx, e, actor()); err != nil {
			return err
		}
		return fn(ctx, e, ws.Config.Plan.ID)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ws, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("plan"), cliLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, repo.Repo{DB: ws.DB})
}

func runCommand(ctx context.Context, op func(context.Context, engine.Engine, string) (plan.Outcome, error)) error {
	return withPlan(ctx, func(ctx context.Context, e engine.Engine, planID string) error {
		out, err := op(ctx, e, planID)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(out)
		}
		printOutcome(out)
		return nil
	})
}

func milestoneID(raw string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, errs.InvalidArgument("milestone id must be a number, got %q", raw)
	}
	return id, nil
}

func optionalDate(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	d, err := domain.ParseDate(raw)
	if err != nil {
		return nil, errs.InvalidArgument("%s", err.Error())
	}
	return &d, nil
}

func printOutcome(out plan.Outcome) {
	fmt.Printf("Date: %s\n", domain.FormatDate(out.State.Plan.CurrentDate))
	for _, t := range out.Transitions {
		fmt.Printf("  %s: %s -> %s\n", t.Milestone.Name, t.From, t.To)
	}
	for _, s := range out.Scheduled {
		fmt.Printf("  scheduled %s for %s\n", domain.UnlockedFollowUpType(s.MilestoneName), domain.FormatDate(s.ScheduledDate))
	}
	for _, d := range out.Delivered {
		fmt.Printf("  delivered %s on %s\n", d.Type, domain.FormatDate(d.Date))
	}
	for _, s := range out.Dropped {
		fmt.Printf("  dropped follow-up for removed milestone %d\n", s.MilestoneID)
	}
	printCurrent(out.Current)
}

func printCurrent(c *domain.CurrentMilestone) {
	if c == nil {
		fmt.Println("Current: none")
		return
	}
	fmt.Printf("Current: %d %s (%s)\n", c.ID, c.Name, c.Reason)
}

func printMilestones(list []domain.Milestone) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Kind", "Optional", "State", "Start", "End"})
	for _, m := range list {
		tw.AppendRow(table.Row{m.ID, m.Name, m.EffectiveKind(), m.Optional, m.EffectiveState(), formatOptionalDate(m.StartDate), formatOptionalDate(m.EndDate)})
	}
	tw.Render()
}

func printDelivered(list []domain.DeliveredCommunication) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Date", "Type", "Milestone"})
	for _, d := range list {
		milestone := ""
		if d.Milestone != nil {
			milestone = fmt.Sprintf("%d %s", d.Milestone.ID, d.Milestone.Name)
		}
		tw.AppendRow(table.Row{domain.FormatDate(d.Date), d.Type, milestone})
	}
	tw.Render()
}

func printPending(list []domain.ScheduledCommunication) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Due", "Rule", "Milestone", "Offset"})
	for _, s := range list {
		tw.AppendRow(table.Row{domain.FormatDate(s.ScheduledDate), s.Rule, fmt.Sprintf("%d %s", s.MilestoneID, s.MilestoneName), s.DaysOffset})
	}
	tw.Render()
}

func formatOptionalDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return domain.FormatDate(*t)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
