// Package engine wires the stores, indexes, router and ledger from a
// resolved configuration and exposes the operations the command surface
// calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"engram/internal/config"
	"engram/internal/datadir"
	"engram/internal/embedding"
	"engram/internal/index"
	"engram/internal/ledger"
	"engram/internal/maintenance"
	"engram/internal/memory"
	"engram/internal/migration"
	"engram/internal/policy"
	"engram/internal/router"
	"engram/internal/segment"
	"engram/internal/semantic"
	"engram/internal/version"
)

// closeTimeout bounds the flush performed by Close.
const closeTimeout = 30 * time.Second

// Engine owns every component of one data directory.
type Engine struct {
	cfg    *config.Config
	dirs   *datadir.DataDir
	logger zerolog.Logger

	store    *segment.SQLite
	embedder embedding.Embedder
	indexes  []*index.Progressive

	memory    *memory.Store
	policies  *policy.Cache
	ledger    *ledger.Ledger
	router    *router.Router
	migrator  *migration.Migrator
	scheduler *maintenance.Scheduler

	closeOnce sync.Once
	closeErr  error
}

// Open builds the engine: it opens the store (pinning the embedding
// dimension), restores every index from its checkpoint, re-enqueues
// anything the checkpoints missed and, when enabled, runs the first-run
// migration. Configuration problems are returned here.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid configuration: %w", err)
	}

	dirs, err := datadir.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := dirs.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		dirs:   dirs,
		logger: logger.With().Str("component", "engine").Logger(),
	}

	e.embedder, err = embedding.New(cfg.EmbeddingOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if err := embedding.CheckDimensions(e.embedder, cfg.Embedding.Dimensions); err != nil {
		e.closeEmbedder()
		return nil, fmt.Errorf("engine: %w", err)
	}

	dbPath := e.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		e.closeEmbedder()
		return nil, fmt.Errorf("engine: create database directory: %w", err)
	}
	e.store, err = segment.NewSQLite(ctx, dbPath, cfg.Embedding.Dimensions, logger)
	if err != nil {
		e.closeEmbedder()
		return nil, fmt.Errorf("engine: %w", err)
	}

	if err := e.build(ctx, logger); err != nil {
		e.closeEmbedder()
		e.store.Close()
		return nil, err
	}

	if cfg.Migration.Enabled {
		if _, err := e.Migrate(ctx); err != nil {
			// no marker was written, so the next start retries
			e.logger.Warn().Err(err).Msg("first-run migration failed")
		}
	}

	e.logger.Info().
		Str("database", dbPath).
		Str("embedder", e.embedder.Name()).
		Int("dimensions", e.embedder.Dimensions()).
		Msg("engine opened")
	return e, nil
}

func (e *Engine) build(ctx context.Context, logger zerolog.Logger) error {
	cfg := e.cfg
	memIdx := index.NewProgressive(e.store, cfg.IndexOptions(segment.NamespaceMemory), logger)
	sessIdx := index.NewProgressive(e.store, cfg.IndexOptions(segment.NamespaceSession), logger)
	polIdx := index.NewProgressive(e.store, cfg.IndexOptions(segment.NamespacePolicy), logger)
	e.indexes = []*index.Progressive{memIdx, sessIdx, polIdx}

	for _, idx := range e.indexes {
		if err := idx.Restore(ctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		if _, err := idx.Reconcile(ctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}

	e.memory = memory.New(
		semantic.New(e.store, e.embedder, memIdx, logger),
		semantic.New(e.store, e.embedder, sessIdx, logger),
		logger,
	)
	e.policies = policy.New(semantic.New(e.store, e.embedder, polIdx, logger), logger)
	e.ledger = ledger.New(e.store, cfg.PricingTable(), logger)

	var err error
	e.router, err = router.New(cfg.RouterOptions(), e.policies, e.ledger, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.migrator = migration.New(e.memory, e.store, cfg.Migration.BatchSize, logger)

	e.scheduler, err = maintenance.NewScheduler(cfg.Maintenance, logger)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	upkeep := make([]maintenance.Index, len(e.indexes))
	for i, idx := range e.indexes {
		upkeep[i] = idx
	}
	for _, task := range []maintenance.Task{
		maintenance.NewReconcileTask(upkeep...),
		maintenance.NewCheckpointTask(upkeep...),
		maintenance.NewOptimizeTask(e.store),
	} {
		if err := e.scheduler.RegisterTask(task); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}
	return nil
}

// Run runs one maintenance loop per index plus the maintenance scheduler
// until ctx is cancelled. Each index writes a final checkpoint on the way
// out.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range e.indexes {
		g.Go(func() error { return idx.Run(gctx) })
	}
	g.Go(func() error { return e.scheduler.Run(gctx) })

	e.logger.Info().Int("indexes", len(e.indexes)).Msg("background maintenance running")
	return g.Wait()
}

// Close drains and checkpoints every index, then releases the embedder
// cache and the store. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		var errs []error
		for _, idx := range e.indexes {
			if err := idx.Flush(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeEmbedder()
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: close store: %w", err))
		}
		e.closeErr = errors.Join(errs...)
		e.logger.Debug().Err(e.closeErr).Msg("engine closed")
	})
	return e.closeErr
}

func (e *Engine) closeEmbedder() {
	if c, ok := e.embedder.(interface{ Close() }); ok {
		c.Close()
	}
}

// DatabasePath returns the SQLite file the engine uses.
func (e *Engine) DatabasePath() string {
	if e.cfg.Database.Path != "" {
		return e.cfg.Database.Path
	}
	return e.dirs.DatabasePath()
}

// DataDir returns the resolved data directory.
func (e *Engine) DataDir() *datadir.DataDir { return e.dirs }

// Logger returns the engine's logger.
func (e *Engine) Logger() zerolog.Logger { return e.logger }

// Indexes returns the memory, session and policy indexes in that order.
func (e *Engine) Indexes() []*index.Progressive { return e.indexes }

// Maintenance returns the maintenance scheduler.
func (e *Engine) Maintenance() *maintenance.Scheduler { return e.scheduler }

// AddMemory stores a note and returns its id.
func (e *Engine) AddMemory(ctx context.Context, text string, tags []string) (string, error) {
	return e.memory.Add(ctx, text, tags)
}

// GetMemory returns the note with id.
func (e *Engine) GetMemory(ctx context.Context, id string) (memory.Note, error) {
	return e.memory.Get(ctx, id)
}

// Search returns the topK notes closest in meaning to query.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]memory.NoteMatch, error) {
	return e.memory.Search(ctx, query, topK)
}

// AppendTurn adds a turn to a session.
func (e *Engine) AppendTurn(ctx context.Context, sessionID, role, content string) (memory.Turn, error) {
	return e.memory.AppendTurn(ctx, sessionID, role, content)
}

// History returns a session's most recent turns in order.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	return e.memory.History(ctx, sessionID, limit)
}

// SearchSession searches the turns of one session.
func (e *Engine) SearchSession(ctx context.Context, sessionID, query string, topK int) ([]memory.TurnMatch, error) {
	return e.memory.SearchSession(ctx, sessionID, query, topK)
}

// RouteRequest picks the tier for prompt.
func (e *Engine) RouteRequest(ctx context.Context, prompt string, rc router.Context) (router.Decision, error) {
	return e.router.Route(ctx, prompt, rc)
}

// UpdatePolicy feeds back the outcome of serving pattern at tier. The bool
// result reports whether a new policy entry was created.
func (e *Engine) UpdatePolicy(ctx context.Context, pattern string, tier router.Tier, success bool) (policy.Entry, bool, error) {
	return e.router.UpdatePolicy(ctx, pattern, tier, success)
}

// RecordCost appends a usage record for model.
func (e *Engine) RecordCost(ctx context.Context, model string, u ledger.Usage) (ledger.Record, error) {
	return e.router.RecordCost(ctx, model, u)
}

// CostStats aggregates usage for model (all when empty) over window (all
// time when zero).
func (e *Engine) CostStats(ctx context.Context, model string, window time.Duration) (ledger.Stats, error) {
	return e.ledger.Stats(ctx, model, window)
}

// Migrate runs the configured first-run migration from the configured
// source, {data_dir}/MEMORY.md by default.
func (e *Engine) Migrate(ctx context.Context) (migration.Result, error) {
	source := e.cfg.Migration.Source
	if source == "" {
		source = e.dirs.NotesPath()
	}
	return e.MigrateFrom(ctx, e.cfg.Migration.Name, source)
}

// MigrateFrom runs migration name from source.
func (e *Engine) MigrateFrom(ctx context.Context, name, source string) (migration.Result, error) {
	return e.migrator.Run(ctx, name, source)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Version    string           `json:"version"`
	DataDir    string           `json:"data_dir"`
	Database   string           `json:"database"`
	Embedder   string           `json:"embedder"`
	Dimensions int              `json:"dimensions"`
	Segments   map[string]int   `json:"segments"`
	Indexes    []index.Stats    `json:"indexes"`
	Migration  *MigrationStatus `json:"migration,omitempty"`
}

// MigrationStatus reports whether the configured migration has run.
type MigrationStatus struct {
	Name string `json:"name"`
	Done bool   `json:"done"`
}

// Status reports per-namespace segment counts and per-index state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{
		Version:    version.Full(),
		DataDir:    e.dirs.Root(),
		Database:   e.DatabasePath(),
		Embedder:   e.embedder.Name(),
		Dimensions: e.embedder.Dimensions(),
		Segments:   make(map[string]int),
	}
	for _, ns := range []string{
		segment.NamespaceMemory,
		segment.NamespaceSession,
		segment.NamespacePolicy,
		segment.NamespaceCost,
		segment.NamespaceMeta,
	} {
		n, err := e.store.Count(ctx, ns)
		if err != nil {
			return st, fmt.Errorf("engine: status: %w", err)
		}
		st.Segments[ns] = n
	}
	for _, idx := range e.indexes {
		st.Indexes = append(st.Indexes, idx.Stats())
	}
	if name := e.cfg.Migration.Name; name != "" {
		done, err := e.migrator.Done(ctx, name)
		if err != nil {
			return st, fmt.Errorf("engine: status: %w", err)
		}
		st.Migration = &MigrationStatus{Name: name, Done: done}
	}
	return st, nil
}
