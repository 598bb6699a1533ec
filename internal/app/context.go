package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orbita/internal/config"
	"orbita/internal/db"
	"orbita/internal/engine"
	"orbita/internal/migrate"
	"orbita/internal/observability"
	"orbita/internal/platform/logger"
)

// Options select the workspace and logging for a Runtime.
type Options struct {
	Workspace string
	LogMode   string
	// Ephemeral skips the database even when persistence is enabled.
	Ephemeral bool
}

// Runtime is a wired engine plus the resources it owns.
type Runtime struct {
	Config  *config.Config
	Engine  engine.Engine
	DB      *sql.DB
	Metrics *observability.Metrics
	Log     *logger.Logger

	stop context.CancelFunc
	done chan error
}

// Bootstrap loads the workspace config, opens and migrates the database when
// persistence is on, and builds the engine.
func Bootstrap(ctx context.Context, opts Options) (*Runtime, error) {
	log, err := logger.New(opts.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt := &Runtime{Config: cfg, Metrics: observability.New(), Log: log}
	if cfg.PersistenceEnabled() && !opts.Ephemeral {
		conn, err := OpenDB(ctx, opts.Workspace)
		if err != nil {
			return nil, err
		}
		rt.DB = conn
	}
	rt.Engine = engine.New(engine.Options{
		DB:      rt.DB,
		Config:  cfg,
		Metrics: rt.Metrics,
		Log:     log,
	})
	log.Debug("runtime ready", "workspace", opts.Workspace, "persistence", rt.Engine.Persistent())
	return rt, nil
}

// OpenDB opens the workspace database and applies pending migrations.
func OpenDB(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// Start runs the engine's background workers until Close.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.stop = context.WithCancel(ctx)
	r.done = make(chan error, 1)
	go func() { r.done <- r.Engine.Run(ctx) }()
}

// Close stops the workers, which drain pending records, and releases the
// database.
func (r *Runtime) Close() error {
	var errs []error
	if r.stop != nil {
		r.stop()
		if err := <-r.done; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
		r.stop = nil
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.Log.Sync()
	return errors.Join(errs...)
}
