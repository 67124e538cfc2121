// Package syncer orchestrates fetch, parse and store across all sources
// under bounded concurrency, isolating per-source failures.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oaeen/rssr/internal/enrich"
	"github.com/oaeen/rssr/internal/fetcher"
	"github.com/oaeen/rssr/internal/model"
	"github.com/oaeen/rssr/internal/parser"
	"github.com/oaeen/rssr/internal/storage"
)

// Settings keys for the sync tunables. Values are opaque strings holding
// integers (seconds for durations).
const (
	SettingInterval       = "sync_interval_secs"
	SettingMaxConcurrency = "sync_max_concurrency"
	SettingBatchLimit     = "sync_batch_limit"
	SettingTimeout        = "sync_timeout_secs"
	SettingMaxRetries     = "sync_max_retries"
)

const enrichBatchSize = 20

// SourceResult is the outcome of syncing a single source on demand.
type SourceResult struct {
	SourceID  int64
	Unchanged bool
	Entries   int
}

// Syncer drives periodic and on-demand sync passes. At most one batch pass
// runs at a time; overlapping triggers observe the in-flight run's snapshot
// instead of starting a new one.
type Syncer struct {
	store         storage.Storage
	enricher      *enrich.Enricher
	log           *slog.Logger
	clientFactory func(timeout time.Duration) fetcher.HTTPClient
	retryDelay    time.Duration

	running atomic.Bool

	mu   sync.Mutex
	last model.SyncStatus
}

// New creates a Syncer. The enricher may be nil to disable the post-sync
// title-translation job.
func New(store storage.Storage, enricher *enrich.Enricher, log *slog.Logger) *Syncer {
	return &Syncer{
		store:    store,
		enricher: enricher,
		log:      log,
		clientFactory: func(timeout time.Duration) fetcher.HTTPClient {
			return &http.Client{Timeout: timeout}
		},
		retryDelay: 500 * time.Millisecond,
		last:       model.SyncStatus{State: model.StateIdle},
	}
}

// SetClientFactory overrides how per-run HTTP clients are built (useful for
// testing).
func (s *Syncer) SetClientFactory(factory func(timeout time.Duration) fetcher.HTTPClient) {
	s.clientFactory = factory
}

// SetRetryDelay overrides the base delay between fetch retries (useful for
// testing).
func (s *Syncer) SetRetryDelay(d time.Duration) {
	s.retryDelay = d
}

// Status returns a snapshot of the most recent batch run without blocking.
func (s *Syncer) Status() model.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Syncer) setStatus(status model.SyncStatus) {
	s.mu.Lock()
	s.last = status
	s.mu.Unlock()
}

// SyncAll runs one batch pass over the active sources. When a pass is
// already in flight the call is a no-op returning the current snapshot.
// Per-source fetch and parse failures are counted, never propagated; an
// error reaching the caller means the pass itself could not run.
func (s *Syncer) SyncAll(ctx context.Context) (model.SyncStatus, error) {
	if !s.running.CompareAndSwap(false, true) {
		return s.Status(), nil
	}
	defer s.running.Store(false)

	started := time.Now().UTC()
	status := model.SyncStatus{State: model.StateRunning, StartedAt: &started}
	s.setStatus(status)

	finish := func(err error) model.SyncStatus {
		finished := time.Now().UTC()
		status.State = model.StateIdle
		status.FinishedAt = &finished
		if err != nil {
			status.Err = err.Error()
		}
		s.setStatus(status)
		return status
	}

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return finish(err), err
	}

	sources, err := s.store.ListSyncCandidates(ctx, cfg.BatchLimit)
	if err != nil {
		err = fmt.Errorf("list sync candidates: %w", err)
		return finish(err), err
	}

	f := fetcher.New(s.clientFactory(cfg.Timeout))
	f.SetBaseDelay(s.retryDelay)

	type sourceOutcome struct {
		ok      bool
		entries int
	}

	results := make(chan sourceOutcome, len(sources))
	var group errgroup.Group
	group.SetLimit(cfg.MaxConcurrency)
	for _, src := range sources {
		src := src
		group.Go(func() error {
			entries, err := s.syncSource(ctx, f, cfg, src)
			if err != nil {
				s.log.Error("sync source failed", "source_id", src.ID, "url", src.FeedURL, "error", err)
				results <- sourceOutcome{}
				return nil
			}
			results <- sourceOutcome{ok: true, entries: max(entries, 0)}
			return nil
		})
	}
	_ = group.Wait()
	close(results)

	for outcome := range results {
		if outcome.ok {
			status.SyncedSources++
			status.TotalEntries += outcome.entries
		} else {
			status.FailedSources++
		}
	}

	final := finish(nil)
	s.log.Info("batch sync completed",
		"synced", final.SyncedSources,
		"failed", final.FailedSources,
		"entries", final.TotalEntries,
		"duration", time.Since(started),
	)

	if final.FailedSources == 0 && s.enricher != nil {
		go s.runEnrichment()
	}

	return final, nil
}

// SyncOne syncs a single source on demand. Unlike the batch pass, every
// error surfaces directly to the caller; a fetch or parse failure still
// increments the source's failure counter first.
func (s *Syncer) SyncOne(ctx context.Context, sourceID int64) (SourceResult, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return SourceResult{}, fmt.Errorf("load source: %w", err)
	}
	if src == nil {
		return SourceResult{}, fmt.Errorf("source %d not found", sourceID)
	}

	cfg, err := s.loadConfig(ctx)
	if err != nil {
		return SourceResult{}, err
	}

	f := fetcher.New(s.clientFactory(cfg.Timeout))
	f.SetBaseDelay(s.retryDelay)

	entries, err := s.syncSource(ctx, f, cfg, *src)
	if err != nil {
		return SourceResult{}, err
	}
	return SourceResult{SourceID: src.ID, Unchanged: entries < 0, Entries: max(entries, 0)}, nil
}

// syncSource performs the fetch→parse→store sequence for one source and
// records the outcome against it. Returns -1 for an unchanged feed, else
// the number of entries processed.
func (s *Syncer) syncSource(ctx context.Context, f *fetcher.Fetcher, cfg model.SyncConfig, src model.Source) (int, error) {
	res, err := f.FetchWithRetry(ctx, src.FeedURL, src.ETag, src.LastModified, cfg.MaxRetries)
	if err != nil {
		s.recordFailure(ctx, src.ID)
		return 0, fmt.Errorf("fetch: %w", err)
	}

	if res.Unchanged {
		if err := s.store.RecordSyncSuccess(ctx, src.ID, src.ETag, src.LastModified); err != nil {
			return 0, fmt.Errorf("record success: %w", err)
		}
		return -1, nil
	}

	feed, err := parser.Parse(res.Payload.Body)
	if err != nil {
		s.recordFailure(ctx, src.ID)
		return 0, fmt.Errorf("parse: %w", err)
	}

	count, err := s.store.UpsertEntries(ctx, src.ID, feed.Entries)
	if err != nil {
		return count, fmt.Errorf("upsert entries: %w", err)
	}
	if err := s.store.RecordSyncSuccess(ctx, src.ID, res.Payload.ETag, res.Payload.LastModified); err != nil {
		return count, fmt.Errorf("record success: %w", err)
	}
	return count, nil
}

func (s *Syncer) recordFailure(ctx context.Context, sourceID int64) {
	if err := s.store.RecordSyncFailure(ctx, sourceID); err != nil {
		s.log.Error("record sync failure", "source_id", sourceID, "error", err)
	}
}

// runEnrichment kicks off the title-translation job after a clean pass.
// It is best-effort: failures are logged and never affect the sync status.
func (s *Syncer) runEnrichment() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stats, err := s.enricher.TranslateTitles(ctx, enrichBatchSize)
	if err != nil {
		s.log.Warn("title translation job", "error", err)
		return
	}
	if stats.Translated > 0 || stats.Cached > 0 {
		s.log.Info("title translation job completed",
			"translated", stats.Translated,
			"cached", stats.Cached,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
	}
}

// Run starts the periodic driver loop, blocking until ctx is cancelled. The
// interval is re-read from settings before every wait so operators can
// change it without a restart.
func (s *Syncer) Run(ctx context.Context) {
	for {
		if _, err := s.SyncAll(ctx); err != nil {
			s.log.Error("batch sync", "error", err)
		}

		cfg, err := s.loadConfig(ctx)
		if err != nil {
			s.log.Error("load sync config", "error", err)
			cfg = model.DefaultSyncConfig()
			cfg.Clamp()
		}

		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// loadConfig reads the sync tunables from settings, falling back to defaults
// for absent or malformed values, and clamps them into their safe ranges.
func (s *Syncer) loadConfig(ctx context.Context) (model.SyncConfig, error) {
	cfg := model.DefaultSyncConfig()

	read := func(key string) (*int, error) {
		raw, err := s.store.GetSetting(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load setting %q: %w", key, err)
		}
		if raw == nil {
			return nil, nil
		}
		v, err := strconv.Atoi(*raw)
		if err != nil {
			s.log.Warn("ignoring malformed sync setting", "key", key, "value", *raw)
			return nil, nil
		}
		return &v, nil
	}

	assign := []struct {
		key string
		set func(int)
	}{
		{SettingInterval, func(v int) { cfg.Interval = time.Duration(v) * time.Second }},
		{SettingMaxConcurrency, func(v int) { cfg.MaxConcurrency = v }},
		{SettingBatchLimit, func(v int) { cfg.BatchLimit = v }},
		{SettingTimeout, func(v int) { cfg.Timeout = time.Duration(v) * time.Second }},
		{SettingMaxRetries, func(v int) { cfg.MaxRetries = v }},
	}
	for _, a := range assign {
		v, err := read(a.key)
		if err != nil {
			return cfg, err
		}
		if v != nil {
			a.set(*v)
		}
	}

	cfg.Clamp()
	return cfg, nil
}
