// Package app wires the catalog, preflight, executors and log store for one workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"capline/internal/automation"
	"capline/internal/catalog"
	"capline/internal/config"
	"capline/internal/db"
	"capline/internal/engine"
	"capline/internal/executor"
	"capline/internal/logstore"
	"capline/internal/migrate"
	"capline/internal/preflight"
)

type Options struct {
	Workspace string
	Config    *config.Config
	// CatalogPath overrides catalog.path from the config.
	CatalogPath string
	Logger      *slog.Logger
	// Channel and Elevator default to osascript and sudo.
	Channel  automation.Channel
	Elevator executor.Elevator
	Now      func() time.Time
}

type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Catalog   *catalog.Store
	Logs      *logstore.Store
	Engine    engine.Engine
	Logger    *slog.Logger
}

// Open migrates the workspace database, loads the catalog and builds the engine.
// A catalog that fails to load leaves the runtime usable for log access; callers
// that execute capabilities should check Catalog.LoadError.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "path", db.Path(opts.Workspace), "schema_version", version)

	catalogPath := opts.CatalogPath
	if catalogPath == "" {
		catalogPath = cfg.CatalogPath(opts.Workspace)
	}
	cat := catalog.NewStore(catalog.FileSource{Path: catalogPath},
		catalog.WithStrict(cfg.Catalog.Strict), catalog.WithLogger(logger))
	if err := cat.Load(ctx); err != nil {
		logger.Warn("catalog not loaded; no capability is allowed", "path", catalogPath, "err", err)
	}

	logs := logstore.New(conn, logstore.Config{
		DataDir:         db.DataDir(opts.Workspace),
		OutputDir:       config.Resolve(opts.Workspace, cfg.Logs.OutputDir),
		ExportDir:       config.Resolve(opts.Workspace, cfg.Logs.ExportDir),
		InlineThreshold: cfg.Logs.InlineThreshold,
	}, logger)
	logs.Now = now
	logs.Events.Now = now

	if cutoff := cfg.RetentionCutoff(now()); !cutoff.IsZero() {
		res, err := logs.Prune(ctx, cutoff)
		if err != nil {
			logger.Warn("retention prune failed", "err", err)
		} else if res.Pruned > 0 {
			logger.Info("pruned expired run records", "count", res.Pruned, "before", cutoff.Format(time.RFC3339))
		}
	}

	channel := opts.Channel
	if channel == nil {
		channel = automation.NewOSAScript(logger)
	}
	appDirs := cfg.Preflight.AppDirs
	if len(appDirs) == 0 {
		appDirs = preflight.DefaultAppDirs()
	}
	pre := preflight.New(preflight.NewHost(appDirs), channel, logger)
	pre.OptimisticNotRunning = cfg.Preflight.OptimisticNotRunning

	execOpts := executor.Options{
		Shell:           cfg.Execution.Shell,
		WorkDir:         config.Resolve(opts.Workspace, cfg.Execution.WorkDir),
		DefaultTimeout:  cfg.Execution.DefaultTimeout,
		KillGrace:       cfg.Execution.KillGrace,
		PartialOnStderr: cfg.Execution.PartialOnStderr,
		PreviewLength:   cfg.Execution.PreviewLength,
		Tail:            logs,
		Logger:          logger,
		Now:             now,
	}
	set := executor.Set{
		Process:    executor.NewProcess(execOpts),
		Automation: executor.NewAutomation(execOpts, channel),
	}
	switch {
	case opts.Elevator != nil:
		set.Privileged = executor.NewPrivileged(execOpts, opts.Elevator)
	case cfg.Execution.Elevation == "sudo":
		set.Privileged = executor.NewPrivileged(execOpts, executor.Sudo{})
	}

	eng := engine.New(cat, pre, set, logs, logger)
	eng.Now = now

	return &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Catalog:   cat,
		Logs:      logs,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
