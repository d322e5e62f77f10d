// Package index maintains the denormalized discovery projection of the
// artifact registry.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/realm"
	"intentline/internal/repo"
)

const (
	DefaultLimit     = 100
	MaxLimit         = 1000
	defaultQueueSize = 1024
)

type EligibilitySource interface {
	Eligibility(intentType string) (*realm.Eligibility, bool)
}

type PendingLookup interface {
	TargetsWithStatus(ctx context.Context, tenantID, intentType string, statuses []domain.PendingStatus) ([]string, error)
}

// Source is the authoritative store the index is rebuilt from.
type Source interface {
	Scan(ctx context.Context, pageSize int, fn func(domain.Artifact) error) error
}

type Options struct {
	QueueSize       int
	RefreshInterval time.Duration
	Eligibility     EligibilitySource
	Pending         PendingLookup
	Source          Source
	Logger          *slog.Logger
}

type Index struct {
	DB   *sql.DB
	Repo repo.Repo

	eligibility EligibilitySource
	pending     PendingLookup
	source      Source
	refresh     time.Duration
	logger      *slog.Logger

	queue  chan domain.ArtifactSummary
	notify chan struct{}
	dirty  atomic.Bool
	// applyMu serializes draining so projections are applied in queue order.
	applyMu sync.Mutex
}

func New(db *sql.DB, opts Options) *Index {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		eligibility: opts.Eligibility,
		pending:     opts.Pending,
		source:      opts.Source,
		refresh:     opts.RefreshInterval,
		logger:      logger.With("component", "index"),
		queue:       make(chan domain.ArtifactSummary, size),
		notify:      make(chan struct{}, 1),
	}
}

// Wire sets the registry and pending lookups after construction, since the
// registry needs the index as its projector. Call it before Run.
func (ix *Index) Wire(source Source, pending PendingLookup) {
	ix.source = source
	ix.pending = pending
}

// Project enqueues the artifact's summary without blocking. When the queue
// is full the index is marked dirty and the next drain rebuilds it.
func (ix *Index) Project(a domain.Artifact) {
	select {
	case ix.queue <- a.Summary():
	default:
		ix.dirty.Store(true)
		ix.logger.Warn("projection queue full, scheduling rebuild", "artifact_id", a.ID)
	}
	select {
	case ix.notify <- struct{}{}:
	default:
	}
}

// Dirty reports whether a rebuild is pending.
func (ix *Index) Dirty() bool {
	return ix.dirty.Load()
}

// Run applies projections until ctx is done.
func (ix *Index) Run(ctx context.Context) {
	var tick <-chan time.Time
	if ix.refresh > 0 {
		t := time.NewTicker(ix.refresh)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ix.notify:
		case <-tick:
		}
		if err := ix.Flush(ctx); err != nil && ctx.Err() == nil {
			ix.logger.Error("index flush failed", "err", err)
		}
	}
}

// Flush synchronously applies everything queued so far, rebuilding first if
// projections were dropped.
func (ix *Index) Flush(ctx context.Context) error {
	ix.applyMu.Lock()
	defer ix.applyMu.Unlock()
	if ix.dirty.Load() {
		if err := ix.rebuildLocked(ctx); err != nil {
			return err
		}
	}
	for {
		select {
		case s := <-ix.queue:
			if err := ix.Repo.UpsertIndexRow(ctx, ix.DB, s); err != nil {
				ix.dirty.Store(true)
				return fmt.Errorf("project %s: %w", s.ID, err)
			}
		default:
			return nil
		}
	}
}

// Rebuild recomputes the whole projection from the registry.
func (ix *Index) Rebuild(ctx context.Context) error {
	ix.applyMu.Lock()
	defer ix.applyMu.Unlock()
	return ix.rebuildLocked(ctx)
}

func (ix *Index) rebuildLocked(ctx context.Context) error {
	if ix.source == nil {
		return fmt.Errorf("index has no source to rebuild from")
	}
	ix.dirty.Store(false)
	// Queued summaries are superseded by the scan below.
	for drained := false; !drained; {
		select {
		case <-ix.queue:
		default:
			drained = true
		}
	}
	var rows []domain.ArtifactSummary
	if err := ix.source.Scan(ctx, 500, func(a domain.Artifact) error {
		rows = append(rows, a.Summary())
		return nil
	}); err != nil {
		ix.dirty.Store(true)
		return fmt.Errorf("scan registry: %w", err)
	}
	tx, err := ix.DB.BeginTx(ctx, nil)
	if err != nil {
		ix.dirty.Store(true)
		return err
	}
	defer tx.Rollback()
	if err := ix.Repo.ClearIndex(ctx, tx); err != nil {
		ix.dirty.Store(true)
		return err
	}
	for _, s := range rows {
		if err := ix.Repo.UpsertIndexRow(ctx, tx, s); err != nil {
			ix.dirty.Store(true)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		ix.dirty.Store(true)
		return err
	}
	ix.logger.Info("index rebuilt", "artifacts", len(rows))
	return nil
}

type Query struct {
	TenantID       string
	ArtifactType   string
	LifecycleState domain.LifecycleState
	EligibleFor    string
	Limit          int
	Offset         int
}

type Page struct {
	Items  []domain.ArtifactSummary `json:"items"`
	Total  int                      `json:"total"`
	Limit  int                      `json:"limit"`
	Offset int                      `json:"offset"`
}

// List returns the matching summaries of one tenant in registry order.
func (ix *Index) List(ctx context.Context, q Query) (Page, error) {
	if q.TenantID == "" {
		return Page{}, apperr.New(apperr.CodeMissingContext, "tenant_id is required")
	}
	if q.Limit < 0 || q.Offset < 0 {
		return Page{}, apperr.New(apperr.CodeInvalidParameters, "limit and offset must not be negative")
	}
	if q.Limit == 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.LifecycleState != "" && !q.LifecycleState.Valid() {
		return Page{}, apperr.New(apperr.CodeInvalidParameters, "unknown lifecycle_state %q", q.LifecycleState)
	}
	page := Page{Items: []domain.ArtifactSummary{}, Limit: q.Limit, Offset: q.Offset}
	f := repo.IndexFilters{TenantID: q.TenantID, ArtifactType: q.ArtifactType, Limit: q.Limit, Offset: q.Offset}
	if q.LifecycleState != "" {
		f.States = []domain.LifecycleState{q.LifecycleState}
	}

	var elig *realm.Eligibility
	if q.EligibleFor != "" {
		var ok bool
		if ix.eligibility != nil {
			elig, ok = ix.eligibility.Eligibility(q.EligibleFor)
		}
		if !ok {
			return Page{}, apperr.New(apperr.CodeInvalidParameters, "intent type %s declares no eligibility", q.EligibleFor).
				WithDetail("eligible_for", q.EligibleFor)
		}
		if elig.ArtifactType != "" {
			if f.ArtifactType != "" && f.ArtifactType != elig.ArtifactType {
				return page, nil
			}
			f.ArtifactType = elig.ArtifactType
		}
		if len(elig.States) > 0 {
			if len(f.States) == 0 {
				f.States = slices.Clone(elig.States)
			} else if !slices.Contains(elig.States, q.LifecycleState) {
				return page, nil
			}
		}
		if len(elig.ExcludePending) > 0 && ix.pending != nil {
			excluded, err := ix.pending.TargetsWithStatus(ctx, q.TenantID, q.EligibleFor, elig.ExcludePending)
			if err != nil {
				return Page{}, fmt.Errorf("eligibility exclusions: %w", err)
			}
			f.ExcludeIDs = excluded
		}
	}

	if elig == nil || !elig.Filtered() {
		items, total, err := ix.Repo.QueryIndex(ctx, ix.DB, f)
		if err != nil {
			return Page{}, err
		}
		page.Items, page.Total = items, total
		return page, nil
	}

	f.Limit, f.Offset = 0, 0
	all, _, err := ix.Repo.QueryIndex(ctx, ix.DB, f)
	if err != nil {
		return Page{}, err
	}
	matched := all[:0]
	for _, s := range all {
		ok, err := elig.Match(s)
		if err != nil {
			return Page{}, apperr.Wrap(apperr.CodeInvalidParameters, err, "eligibility for %s failed", q.EligibleFor)
		}
		if ok {
			matched = append(matched, s)
		}
	}
	page.Total = len(matched)
	if q.Offset < len(matched) {
		end := min(q.Offset+q.Limit, len(matched))
		page.Items = matched[q.Offset:end]
	}
	return page, nil
}
