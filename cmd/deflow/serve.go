package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/rendis/deflow/internal/logging"
	"github.com/rendis/deflow/internal/webhook"
	deflowmcp "github.com/rendis/deflow/pkg/mcp"
)

// pruneInterval is how often expired executions are dropped from memory.
const pruneInterval = time.Minute

func newServeCmd(c *cli) *cobra.Command {
	var (
		workflows []string
		userID    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server and the workflow scheduler",
		Long: `serve exposes the deflow tools over MCP. It uses stdio by default and
streamable HTTP on /mcp when --http-addr (or mcp.http_addr) is set. Over
HTTP, webhook_trigger nodes are also served under /hooks: a request to
/hooks<path> with the node's method runs the workflow with the body as
its trigger payload.

Workflow files passed with --workflow are defined at startup and their
schedule and webhook triggers are armed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			hooks := webhook.NewRouter(a.engine, webhook.Config{Logger: a.logger})
			srv := deflowmcp.NewDeflowServer(deflowmcp.ServerDeps{
				Engine:    a.engine,
				Schedules: a.scheduler,
				Webhooks:  hooks,
				Hub:       a.hub,
				Logger:    a.logger,
			})

			for _, path := range workflows {
				wf, err := loadWorkflow(path)
				if err != nil {
					return err
				}
				if verr := a.engine.ValidateWorkflow(wf).ToError(); verr != nil {
					return verr
				}
				routes, err := hooks.Register(wf, userID)
				if err != nil {
					return err
				}
				n, err := a.scheduler.Register(wf, userID)
				if err != nil {
					return err
				}
				srv.Workflows().Put(wf)
				a.logger.Info("workflow defined",
					slog.String("workflow_id", wf.ID), slog.Int("schedules", n), slog.Int("webhooks", routes))
			}

			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}
			go a.pruneLoop(ctx)
			c.watchConfig(a)

			if addr := c.cfg.MCP.HTTPAddr; addr != "" {
				a.logger.Info("serving MCP over HTTP", slog.String("addr", addr))
				return srv.ServeHTTP(ctx, addr)
			}
			if len(hooks.Routes()) > 0 {
				a.logger.Warn("webhook triggers need --http-addr; they are not served over stdio")
			}
			a.logger.Info("serving MCP over stdio")
			if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("http-addr", "", "serve streamable HTTP on this address instead of stdio")
	cmd.Flags().StringArrayVarP(&workflows, "workflow", "w", nil, "workflow file to define at startup (repeatable)")
	cmd.Flags().StringVar(&userID, "user", "", "owner of scheduled and webhook runs for --workflow files")
	return cmd
}

// pruneLoop drops executions past the retention TTL until ctx is done.
func (a *app) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.engine.PruneExecutions(ctx)
			if err != nil {
				a.logger.Warn("prune executions", slog.Any("error", err))
				continue
			}
			if n > 0 {
				a.logger.Debug("pruned executions", slog.Int("count", n))
			}
		}
	}
}

// watchConfig applies log level changes from the settings file live and
// warns about keys that need a restart. No-op without a config file.
func (c *cli) watchConfig(a *app) {
	path := c.v.ConfigFileUsed()
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	current := c.cfg
	c.v.OnConfigChange(func(ev fsnotify.Event) {
		next, err := decodeConfig(c.v)
		if err != nil {
			a.logger.Warn("ignoring config change", slog.String("file", ev.Name), slog.Any("error", err))
			return
		}
		diff := diffConfigs(current, next)
		if diff.LogLevelChanged {
			a.level.Set(logging.ParseLevel(next.LogLevel))
			a.logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(diff.RestartNeeded) > 0 {
			a.logger.Warn("config change needs a restart", slog.Any("keys", diff.RestartNeeded))
		}
		current = next
	})
	c.v.WatchConfig()
}
