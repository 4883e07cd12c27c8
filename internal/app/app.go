package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"dagline/internal/config"
	"dagline/internal/db"
	"dagline/internal/engine"
	"dagline/internal/executor"
	"dagline/internal/fanout"
	"dagline/internal/logging"
	"dagline/internal/migrate"
	"dagline/internal/repo"
	"dagline/internal/retry"
)

type Options struct {
	DataDir    string
	ConfigFile string
	LogLevel   string
	LogFormat  string
	LogOutput  io.Writer
	// Executor overrides the configured executor.
	Executor executor.Executor
}

// App bundles the process-wide collaborators: one database, one fanout hub
// and one engine shared by every surface.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *sql.DB
	Repo   repo.Repo
	Hub    *fanout.Hub
	Engine *engine.Engine
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	format := cfg.Log.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger := logging.New(level, format, opts.LogOutput)

	conn, err := db.Open(db.Config{DataDir: opts.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	exec := opts.Executor
	if exec == nil {
		if exec, err = executor.FromConfig(cfg.Executor); err != nil {
			conn.Close()
			return nil, err
		}
	}
	r := repo.New(conn)
	hub := fanout.NewHub(logger, cfg.Fanout.Buffer)
	policy := retry.Policy{MaxRetries: cfg.Retry.MaxRetries, Base: cfg.Retry.BackoffBase, Max: cfg.Retry.BackoffMax}
	eng := engine.New(r, hub, exec, engine.WithPolicy(policy), engine.WithLogger(logger))
	return &App{Config: cfg, Logger: logger, DB: conn, Repo: r, Hub: hub, Engine: eng}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.FromFile(opts.ConfigFile)
	}
	return config.LoadOptional(opts.DataDir)
}

// closeGrace bounds how long Close waits for cancelled attempts to record
// their outcome.
const closeGrace = 10 * time.Second

// Close cancels runs still in progress, waits for their tasks to settle and
// then closes the database. Callers that want runs to finish must Drain first.
func (a *App) Close() error {
	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Engine.Shutdown(expired, closeGrace); err != nil {
		a.Logger.Warn("closing with runs still active; affected tasks stay running until reset --force", "err", err)
	}
	return a.DB.Close()
}
