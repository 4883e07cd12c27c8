package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dagline/internal/app"
	"dagline/internal/mcp"
	"dagline/internal/schedule"
	"dagline/internal/server"
)

const version = "0.1.0"

func serveCmd() *cobra.Command {
	var addr, basePath string
	var drainTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, websocket stream, webhooks and cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Repo:     a.Repo,
					Hub:      a.Hub,
					Logger:   a.Logger,
					BasePath: basePath,
				})
				if err != nil {
					return err
				}
				hooks := server.StartWebhooks(a.Hub, a.Config.Webhooks, a.Logger)
				defer hooks.Stop()

				sched := schedule.New(schedule.ForEngine(a.Engine), a.Logger, time.Local)
				if err := sched.Load(a.Config.Schedules); err != nil {
					return err
				}
				sched.Start(ctx)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				errCh := make(chan error, 1)
				go func() {
					errCh <- srv.ListenAndServe()
				}()
				a.Logger.Info("serving dagline API", "addr", addr, "base_path", basePath, "schedules", len(a.Config.Schedules), "webhooks", len(a.Config.Webhooks))
				fmt.Printf("Serving dagline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, websocket at /ws/workspace/{key})\n", addr, basePath, basePath)

				select {
				case err := <-errCh:
					<-sched.Stop().Done()
					if err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				case <-ctx.Done():
				}
				a.Logger.Info("shutting down")
				<-sched.Stop().Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					a.Logger.Warn("http shutdown", "err", err)
				}
				if err := a.Engine.Shutdown(shutdownCtx, 10*time.Second); err != nil {
					a.Logger.Warn("runs still active at exit; affected tasks stay running until reset --force", "err", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for active runs on shutdown")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve workspace tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := appOptions()
			if viper.GetString("log-level") == "" {
				opts.LogLevel = "warn"
			}
			a, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()
			err = mcp.New(a.Repo, a.Engine, a.Logger, version).Run()
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if serr := a.Engine.Shutdown(drainCtx, 10*time.Second); serr != nil {
				a.Logger.Warn("runs still active at exit", "err", serr)
			}
			return err
		},
	}
}
