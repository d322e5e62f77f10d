// Package app wires configuration, storage, realms and the engine into one
// runtime shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"intentline/internal/artifacts"
	"intentline/internal/blob"
	"intentline/internal/config"
	"intentline/internal/db"
	"intentline/internal/engine"
	"intentline/internal/index"
	"intentline/internal/migrate"
	"intentline/internal/pending"
	"intentline/internal/realm"
	"intentline/internal/realms/content"
	"intentline/internal/telemetry"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/intentline.yml.
	ConfigPath string
	// DBPath overrides <workspace>/.intentline/intentline.db.
	DBPath string
	Logger *slog.Logger
	// Register adds realms beyond the built-in ones.
	Register func(*realm.Registry) error
}

type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Blobs     blob.Store
	Realms    *realm.Registry
	Artifacts *artifacts.Registry
	Pending   *pending.Registry
	Index     *index.Index
	Engine    *engine.Engine
	Telemetry *telemetry.Provider

	logger *slog.Logger
	cancel context.CancelFunc
}

// LoadEnv loads <workspace>/.env into the process environment when present.
// Variables already set win.
func LoadEnv(workspace string) error {
	path := filepath.Join(workspaceOrDot(workspace), ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func workspaceOrDot(ws string) string {
	if ws == "" {
		return "."
	}
	return ws
}

// LoadConfig reads the explicit config path, or the workspace config falling
// back to defaults when the file is absent.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// OpenDB opens and migrates the workspace database.
func OpenDB(ctx context.Context, workspace, path string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace, Path: path})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// NewBlobStore builds the configured materialization store. Relative fs roots
// resolve against the workspace.
func NewBlobStore(workspace string, cfg config.Storage) (blob.Store, error) {
	switch cfg.Kind {
	case config.StorageS3:
		return blob.NewS3Store(blob.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
		})
	case config.StorageFS, "":
		root := cfg.FS.Root
		if root == "" {
			root = filepath.Join(".intentline", "blobs")
		}
		if !filepath.IsAbs(root) {
			root = filepath.Join(workspaceOrDot(workspace), root)
		}
		return blob.NewFSStore(root)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Kind)
	}
}

// Open builds a runtime without starting any background work.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	conn, err := OpenDB(ctx, opts.Workspace, opts.DBPath)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg, DB: conn, logger: logger}
	if err := rt.wire(ctx, opts); err != nil {
		conn.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) wire(ctx context.Context, opts Options) error {
	cfg := rt.Config
	blobs, err := NewBlobStore(opts.Workspace, cfg.Storage)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	rt.Blobs = blobs

	realms, err := realm.NewRegistry()
	if err != nil {
		return err
	}
	if err := content.Register(realms, content.Options{Blobs: blobs}); err != nil {
		return err
	}
	if opts.Register != nil {
		if err := opts.Register(realms); err != nil {
			return fmt.Errorf("register realms: %w", err)
		}
	}
	rt.Realms = realms

	rt.Index = index.New(rt.DB, index.Options{
		QueueSize:       cfg.Index.QueueSize,
		RefreshInterval: cfg.Index.RefreshInterval,
		Eligibility:     realms,
		Logger:          rt.logger,
	})
	rt.Artifacts, err = artifacts.New(rt.DB, artifacts.Options{
		CacheSize: cfg.Cache.ArtifactEntries,
		Projector: rt.Index,
		Promoters: realms,
		Logger:    rt.logger,
	})
	if err != nil {
		return err
	}
	rt.Pending = pending.New(rt.DB, rt.Artifacts)
	rt.Index.Wire(rt.Artifacts, rt.Pending)

	rt.Telemetry, err = telemetry.New(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	rt.Engine, err = engine.New(rt.DB, cfg, engine.Options{
		Realms:    realms,
		Artifacts: rt.Artifacts,
		Pending:   rt.Pending,
		Blobs:     blobs,
		Telemetry: rt.Telemetry,
		Logger:    rt.logger,
	})
	return err
}

// Start rebuilds the index, then runs the index projector and the engine
// workers until Close.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Index.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	go rt.Index.Run(runCtx)
	rt.Engine.Start(runCtx)
	rt.logger.Info("runtime started", "workers", rt.Config.Runtime.Workers, "intents", rt.Realms.IntentTypes())
	return nil
}

// Close stops background work, waits for in-flight executions to settle and
// releases the database and telemetry exporters.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt.cancel != nil {
		rt.cancel()
		rt.Engine.Wait()
	}
	var errs []error
	if rt.Index != nil {
		errs = append(errs, rt.Index.Flush(ctx))
	}
	if rt.Telemetry != nil {
		errs = append(errs, rt.Telemetry.Shutdown(ctx))
	}
	errs = append(errs, rt.DB.Close())
	return errors.Join(errs...)
}
