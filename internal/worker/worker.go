// Package worker runs polling cycles: every active saved search is executed
// on its owner's behalf, new listings are tracked and then every tracked item
// is re-priced.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pricewatch/internal/marketplace"
	"github.com/kalambet/pricewatch/internal/match"
	"github.com/kalambet/pricewatch/internal/monitor"
	"github.com/kalambet/pricewatch/internal/remote"
	"github.com/kalambet/pricewatch/internal/storage"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is running.
var ErrCycleInProgress = errors.New("cycle already in progress")

const (
	DefaultConcurrency = 3
	DefaultGroupDelay  = time.Second
	DefaultPageSize    = 50
	DefaultMaxPages    = 1
)

// Store defines the storage operations the Worker needs.
// Implemented by storage.Store.
type Store interface {
	Ping(ctx context.Context) error
	GetCredential(ctx context.Context, ownerID string) (storage.Credential, error)
	ListActiveQueries(ctx context.Context, limit int) ([]storage.TrackedQuery, error)
	TouchQuery(ctx context.Context, id string, at time.Time) error
	TrackedRemoteIDs(ctx context.Context, ownerID string) (map[string]struct{}, error)
	UpsertTrackedItem(ctx context.Context, it storage.TrackedItem) (storage.TrackedItem, bool, error)
	ListActiveItems(ctx context.Context) ([]storage.TrackedItem, error)
	PruneSamples(ctx context.Context, cutoff time.Time) (int64, error)
	SaveCycleRun(ctx context.Context, r storage.CycleRun) error
}

// Searcher runs one page of a keyword search.
type Searcher interface {
	Search(ctx context.Context, accessToken string, req marketplace.SearchRequest) (marketplace.SearchResult, error)
}

// PriceChecker re-prices a set of items belonging to one owner.
type PriceChecker interface {
	CheckItems(ctx context.Context, s *remote.Session, items []storage.TrackedItem) []monitor.Result
}

type Config struct {
	MaxQueriesPerRun int           // <= 0 means no cap
	Concurrency      int           // queries processed at once
	GroupDelay       time.Duration // pause between query groups
	PageSize         int
	MaxPages         int
	CycleTimeout     time.Duration // <= 0 means no deadline
	SampleRetention  time.Duration // <= 0 keeps every sample
}

// Stats summarises one cycle.
type Stats struct {
	Total             int       `json:"total"`
	Completed         int       `json:"completed"`
	Failed            int       `json:"failed"`
	NewItemsFound     int       `json:"new_items_found"`
	ItemsProcessed    int       `json:"items_processed"`
	PriceChecksFailed int       `json:"price_checks_failed"`
	AlertsEmitted     int       `json:"alerts_emitted"`
	RateLimitHits     int64     `json:"rate_limit_hits"`
	SamplesPruned     int64     `json:"samples_pruned"`
	DurationMs        int64     `json:"duration_ms"`
	StartedAt         time.Time `json:"started_at"`
}

// Worker executes cycles. At most one cycle runs at a time.
type Worker struct {
	store   Store
	search  Searcher
	client  *remote.Client
	monitor PriceChecker
	cfg     Config
	logger  *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	running atomic.Bool
}

// New creates a Worker. monitor may be nil to skip the re-pricing pass.
func New(store Store, search Searcher, client *remote.Client, monitor PriceChecker, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.GroupDelay < 0 {
		cfg.GroupDelay = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	return &Worker{
		store:   store,
		search:  search,
		client:  client,
		monitor: monitor,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Running reports whether a cycle is in flight.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// RunCycle executes one full cycle. Per-query and per-item failures are
// counted in Stats; an error is returned only when the cycle could not run
// to completion, in which case the partial Stats are still returned.
func (w *Worker) RunCycle(ctx context.Context) (Stats, error) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Info("cycle trigger ignored: a cycle is already running")
		return Stats{}, ErrCycleInProgress
	}
	defer w.running.Store(false)

	if w.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.CycleTimeout)
		defer cancel()
	}

	c := &cycle{
		w:        w,
		sessions: make(map[string]*remote.Session),
		reauth:   make(map[string]bool),
	}
	c.stats.StartedAt = w.now()
	hitsBefore := w.client.RateLimitHits()
	w.logger.Info("cycle started")

	err := c.run(ctx)

	c.stats.RateLimitHits = w.client.RateLimitHits() - hitsBefore
	c.stats.DurationMs = w.now().Sub(c.stats.StartedAt).Milliseconds()
	w.record(ctx, c.stats, err)

	if err != nil {
		w.logger.Error("cycle aborted", "error", err, "completed", c.stats.Completed, "failed", c.stats.Failed)
		return c.stats, err
	}
	w.logger.Info("cycle finished",
		"queries", c.stats.Total,
		"completed", c.stats.Completed,
		"failed", c.stats.Failed,
		"new_items", c.stats.NewItemsFound,
		"items_checked", c.stats.ItemsProcessed,
		"alerts", c.stats.AlertsEmitted,
		"duration_ms", c.stats.DurationMs,
	)
	return c.stats, nil
}

func (w *Worker) record(ctx context.Context, stats Stats, cycleErr error) {
	raw, _ := json.Marshal(stats)
	run := storage.CycleRun{
		ID:         uuid.New().String(),
		StartedAt:  stats.StartedAt,
		FinishedAt: w.now(),
		StatsJSON:  string(raw),
	}
	if cycleErr != nil {
		run.Error = cycleErr.Error()
	}
	// The cycle context may already be past its deadline.
	if err := w.store.SaveCycleRun(context.WithoutCancel(ctx), run); err != nil {
		w.logger.Error("failed to record cycle run", "error", err)
	}
}

// cycle holds the state of one RunCycle call.
type cycle struct {
	w *Worker

	mu       sync.Mutex
	stats    Stats
	sessions map[string]*remote.Session
	reauth   map[string]bool
}

func (c *cycle) run(ctx context.Context) error {
	w := c.w
	queries, err := w.store.ListActiveQueries(ctx, w.cfg.MaxQueriesPerRun)
	if err != nil {
		return fmt.Errorf("loading active queries: %w", err)
	}
	c.stats.Total = len(queries)

	for start := 0; start < len(queries); start += w.cfg.Concurrency {
		if start > 0 && w.cfg.GroupDelay > 0 {
			if err := w.sleep(ctx, w.cfg.GroupDelay); err != nil {
				return fmt.Errorf("cycle interrupted: %w", err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle interrupted: %w", err)
		}

		end := min(start+w.cfg.Concurrency, len(queries))
		g, gctx := errgroup.WithContext(ctx)
		for _, q := range queries[start:end] {
			g.Go(func() error {
				return c.runQuery(gctx, q)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if err := c.checkPrices(ctx); err != nil {
		return err
	}
	return c.prune(ctx)
}

// runQuery executes one saved search. It returns an error only for systemic
// failures; anything else is counted against the query.
func (c *cycle) runQuery(ctx context.Context, q storage.TrackedQuery) error {
	log := c.w.logger.With("query_id", q.ID, "owner_id", q.OwnerID)

	found, err := c.executeQuery(ctx, q)
	if err == nil {
		c.mu.Lock()
		c.stats.Completed++
		c.stats.NewItemsFound += found
		c.mu.Unlock()
		log.Debug("query completed", "new_items", found)
		return nil
	}

	c.mu.Lock()
	c.stats.Failed++
	c.mu.Unlock()

	if errors.Is(err, remote.ErrReauthRequired) {
		c.markReauth(q.OwnerID)
		log.Warn("reauthorization required", "error", err)
		return nil
	}
	log.Error("query failed", "error", err)

	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("cycle interrupted: %w", cerr)
	}
	if perr := c.w.store.Ping(ctx); perr != nil {
		return fmt.Errorf("catalog store unavailable: %w", perr)
	}
	return nil
}

func (c *cycle) executeQuery(ctx context.Context, q storage.TrackedQuery) (int, error) {
	bounds := match.Bounds{Min: q.MinPrice, Max: q.MaxPrice}
	if err := bounds.Validate(); err != nil {
		return 0, err
	}
	s, err := c.session(ctx, q.OwnerID)
	if err != nil {
		return 0, err
	}

	listings, err := c.searchAll(ctx, s, q)
	if err != nil {
		return 0, err
	}

	existing, err := c.w.store.TrackedRemoteIDs(ctx, q.OwnerID)
	if err != nil {
		return 0, fmt.Errorf("loading tracked ids: %w", err)
	}

	found := 0
	for _, l := range match.FindNew(existing, listings, bounds) {
		_, inserted, err := c.w.store.UpsertTrackedItem(ctx, storage.TrackedItem{
			ID:           uuid.New().String(),
			OwnerID:      q.OwnerID,
			RemoteID:     l.ID,
			QueryID:      q.ID,
			Title:        l.Title,
			URL:          l.URL,
			Currency:     l.Currency,
			CurrentPrice: l.Price,
			Active:       true,
		})
		if err != nil {
			return found, fmt.Errorf("tracking listing %s: %w", l.ID, err)
		}
		if inserted {
			found++
		}
	}

	if err := c.w.store.TouchQuery(ctx, q.ID, c.w.now()); err != nil {
		return found, fmt.Errorf("stamping last run: %w", err)
	}
	return found, nil
}

func (c *cycle) searchAll(ctx context.Context, s *remote.Session, q storage.TrackedQuery) ([]marketplace.Listing, error) {
	req := marketplace.SearchRequest{
		Keywords:     q.Keywords,
		MinPrice:     q.MinPrice,
		MaxPrice:     q.MaxPrice,
		Condition:    q.Condition,
		BuyingFormat: q.BuyingFormat,
		Limit:        c.w.cfg.PageSize,
	}

	var all []marketplace.Listing
	for page := 0; page < c.w.cfg.MaxPages; page++ {
		res, err := remote.Call(ctx, s, func(ctx context.Context, token string) (marketplace.SearchResult, error) {
			return c.w.search.Search(ctx, token, req)
		})
		if err != nil {
			return nil, fmt.Errorf("search page %d: %w", page+1, err)
		}
		all = append(all, res.Items...)
		if res.NextOffset <= req.Offset || len(res.Items) == 0 {
			break
		}
		req.Offset = res.NextOffset
	}
	return all, nil
}

// session returns the owner's session for this cycle, loading the stored
// credential on first use.
func (c *cycle) session(ctx context.Context, ownerID string) (*remote.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reauth[ownerID] {
		return nil, fmt.Errorf("owner %s: %w", ownerID, remote.ErrReauthRequired)
	}
	if s, ok := c.sessions[ownerID]; ok {
		return s, nil
	}
	cred, err := c.w.store.GetCredential(ctx, ownerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("owner %s has no linked credential: %w", ownerID, remote.ErrReauthRequired)
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential: %w", err)
	}
	s := c.w.client.Session(cred)
	c.sessions[ownerID] = s
	return s, nil
}

func (c *cycle) markReauth(ownerID string) {
	c.mu.Lock()
	c.reauth[ownerID] = true
	c.mu.Unlock()
}

// checkPrices runs the price monitor over every active item, one owner at a
// time.
func (c *cycle) checkPrices(ctx context.Context) error {
	if c.w.monitor == nil {
		return nil
	}
	items, err := c.w.store.ListActiveItems(ctx)
	if err != nil {
		return fmt.Errorf("loading tracked items: %w", err)
	}

	var owners []string
	byOwner := make(map[string][]storage.TrackedItem)
	for _, it := range items {
		if _, ok := byOwner[it.OwnerID]; !ok {
			owners = append(owners, it.OwnerID)
		}
		byOwner[it.OwnerID] = append(byOwner[it.OwnerID], it)
	}

	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle interrupted: %w", err)
		}
		owned := byOwner[owner]
		c.stats.ItemsProcessed += len(owned)

		s, err := c.session(ctx, owner)
		if err != nil {
			c.stats.PriceChecksFailed += len(owned)
			if errors.Is(err, remote.ErrReauthRequired) {
				c.w.logger.Warn("reauthorization required, skipping price checks", "owner_id", owner, "items", len(owned))
				continue
			}
			c.w.logger.Error("price checks skipped", "owner_id", owner, "error", err)
			continue
		}

		var storeErr error
		for _, r := range c.w.monitor.CheckItems(ctx, s, owned) {
			if r.Err != nil && !r.Deactivated {
				c.stats.PriceChecksFailed++
			}
			if r.Alerted {
				c.stats.AlertsEmitted++
			}
			if errors.Is(r.Err, remote.ErrReauthRequired) {
				c.markReauth(owner)
			}
			if r.StoreFailed && storeErr == nil {
				storeErr = r.Err
			}
		}
		if storeErr != nil {
			if cerr := ctx.Err(); cerr != nil {
				return fmt.Errorf("cycle interrupted: %w", cerr)
			}
			if perr := c.w.store.Ping(ctx); perr != nil {
				return fmt.Errorf("catalog store unavailable: %w", perr)
			}
			c.w.logger.Warn("price check write failed, store still reachable", "owner_id", owner, "error", storeErr)
		}
	}
	return nil
}

func (c *cycle) prune(ctx context.Context) error {
	if c.w.cfg.SampleRetention <= 0 {
		return nil
	}
	cutoff := c.w.now().Add(-c.w.cfg.SampleRetention)
	n, err := c.w.store.PruneSamples(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning samples: %w", err)
	}
	c.stats.SamplesPruned = n
	if n > 0 {
		c.w.logger.Info("pruned price samples", "count", n, "before", cutoff)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
