package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httphandler "github.com/ericfisherdev/plughub/internal/adapter/driving/http"
	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// withApp loads configuration, wires the app and runs fn under a
// signal-cancelled context.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop and the ops HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return serve(ctx, a, !noScheduler)
			})
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the ops API without running the scheduler loop")
	return cmd
}

func serve(ctx context.Context, a *app, runScheduler bool) error {
	if runScheduler {
		go a.scheduler.Start(ctx)
	}

	apiHandler := httphandler.NewHandler(a.catalog, a.scheduler, a.broker, a.runner, slog.Default())
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("plughub started",
		"listen_addr", a.cfg.ListenAddr,
		"tick_interval", a.cfg.TickInterval,
		"workers", a.cfg.Workers,
		"scheduler", runScheduler,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Graceful shutdown with 10s timeout for in-flight requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func enqueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue",
		Short: "Turn every due schedule into a pending execution, once",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				stats, err := a.scheduler.EnqueueDueSchedules(ctx)
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
}

func runPendingCmd() *cobra.Command {
	var (
		limit       int
		scheduleID  string
		executionID string
	)

	cmd := &cobra.Command{
		Use:   "run-pending",
		Short: "Claim and run pending executions, once",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				stats, err := a.scheduler.RunPending(ctx, limit, model.ExecutionFilter{
					ScheduleID:  scheduleID,
					ExecutionID: executionID,
				})
				if err != nil {
					return err
				}
				return printJSON(stats)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", application.DefaultBatchSize, "maximum executions to claim")
	cmd.Flags().StringVar(&scheduleID, "schedule", "", "only run executions of this schedule")
	cmd.Flags().StringVar(&executionID, "execution", "", "only run this execution")
	return cmd
}

func executeCmd() *cobra.Command {
	var (
		params  string
		userID  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "execute <plugin> <operation>",
		Short: "Run one plugin operation as an operator",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if params != "" && !json.Valid([]byte(params)) {
				return errors.New("--params must be valid JSON")
			}
			return withApp(func(ctx context.Context, a *app) error {
				res, err := a.runner.Execute(ctx, application.ExecuteRequest{
					Plugin:      args[0],
					Operation:   args[1],
					Params:      json.RawMessage(params),
					UserID:      userID,
					OperatorKey: "cli",
					Context:     model.CallInteractive,
					Timeout:     timeout,
				})
				if res != nil {
					if perr := printJSON(res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "operation params as JSON")
	cmd.Flags().StringVar(&userID, "user", "", "user the operation runs for")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "tighten the operation timeout")
	return cmd
}

func delegationCheckCmd() *cobra.Command {
	var (
		scopes  string
		subject string
	)

	cmd := &cobra.Command{
		Use:   "delegation-check <provider>",
		Short: "Mint a fresh service identity token and report the outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				var list []string
				for _, s := range strings.Split(scopes, ",") {
					if s = strings.TrimSpace(s); s != "" {
						list = append(list, s)
					}
				}
				status := a.broker.DelegationCheck(ctx, args[0], list, subject)
				if err := printJSON(status); err != nil {
					return err
				}
				if !status.Ready {
					return fmt.Errorf("delegation %s", status.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scopes, "scopes", "", "comma-separated scopes to request")
	cmd.Flags().StringVar(&subject, "subject", "", "user to impersonate (domain-wide delegation)")
	return cmd
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List installed plugins and whether each operation has a handler",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				manifests, err := a.catalog.List(ctx)
				if err != nil {
					return err
				}
				handlers := make(map[string]bool)
				for _, name := range a.plugins.Operations() {
					handlers[name] = true
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "PLUGIN\tVERSION\tENABLED\tOPERATION\tHANDLER\n")
				for _, m := range manifests {
					for _, name := range slices.Sorted(maps.Keys(m.Operations)) {
						_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%t\n",
							m.Name, m.Version, m.Enabled, name, handlers[m.Name+"."+name])
					}
				}
				return w.Flush()
			})
		},
	}
}
