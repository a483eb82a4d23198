// Package monitor re-checks tracked items, records price history and raises
// alerts when a price falls below its target.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pricewatch/internal/marketplace"
	"github.com/kalambet/pricewatch/internal/notify"
	"github.com/kalambet/pricewatch/internal/remote"
	"github.com/kalambet/pricewatch/internal/storage"
)

const (
	DefaultBatchSize    = 5
	DefaultBatchDelay   = time.Second
	DefaultBaseCurrency = "USD"
)

var changeEpsilon = decimal.RequireFromString("0.01")

// ErrStoreFailed marks items left unchecked because the store failed
// earlier in the pass.
var ErrStoreFailed = errors.New("price check aborted: store failure")

// Store defines the storage operations the Monitor needs.
// Implemented by storage.Store.
type Store interface {
	RecordPriceCheck(ctx context.Context, pc storage.PriceCheck, sampleID string) error
	DeactivateItem(ctx context.Context, id string) error
}

// ItemFetcher fetches a listing's current state.
type ItemFetcher interface {
	GetItem(ctx context.Context, accessToken, id string) (marketplace.Listing, error)
}

// Converter normalizes amounts between currencies.
type Converter interface {
	Convert(ctx context.Context, amount float64, from, to string) (float64, error)
}

// AlertEmitter receives eligible price-drop alerts.
type AlertEmitter interface {
	Emit(ctx context.Context, a notify.Alert) (notify.Report, error)
}

type Config struct {
	BatchSize    int
	BatchDelay   time.Duration
	BaseCurrency string
}

// Comparison is the outcome of comparing an old and a new price.
type Comparison struct {
	Changed     bool    `json:"changed"`
	Dropped     bool    `json:"dropped"`
	DropAmount  float64 `json:"drop_amount"`
	DropPercent float64 `json:"drop_percent"`
}

// Result describes what happened to one item.
type Result struct {
	ItemID          string
	Comparison      Comparison
	NewPrice        float64
	Alerted         bool
	Deactivated     bool
	ConversionError bool
	StoreFailed     bool // Err came from the Catalog Store, not the marketplace
	Err             error
}

// Monitor checks tracked items against the marketplace.
type Monitor struct {
	store     Store
	fetcher   ItemFetcher
	converter Converter
	alerts    AlertEmitter
	cfg       Config
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Monitor. alerts may be nil, in which case eligible drops are
// only logged.
func New(store Store, fetcher ItemFetcher, converter Converter, alerts AlertEmitter, cfg Config) *Monitor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = DefaultBaseCurrency
	}
	return &Monitor{
		store:     store,
		fetcher:   fetcher,
		converter: converter,
		alerts:    alerts,
		cfg:       cfg,
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Compare reports whether the price changed by more than a cent and, for any
// drop, its amount and percentage of old. A drop of a cent or less is still a
// drop even though it is not a change. The percentage is 0 when old <= 0 and
// is not rounded, so threshold checks see the exact value.
func Compare(oldPrice, newPrice float64) Comparison {
	o := decimal.NewFromFloat(oldPrice)
	n := decimal.NewFromFloat(newPrice)

	var c Comparison
	c.Changed = n.Sub(o).Abs().GreaterThan(changeEpsilon)
	if !n.LessThan(o) {
		return c
	}
	c.Dropped = true
	drop := o.Sub(n)
	c.DropAmount = drop.Round(2).InexactFloat64()
	if o.IsPositive() {
		c.DropPercent = drop.Div(o).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return c
}

// AlertEligible reports whether a comparison on item warrants an alert:
// the price dropped, a target is set and the new price is below it.
func AlertEligible(c Comparison, target *float64, newPrice float64) bool {
	return c.Dropped && target != nil && newPrice < *target
}

// CheckItems checks items in groups of BatchSize, pausing BatchDelay between
// groups. Per-item problems are reported in the returned Results, which are
// in the same order as items. A store failure stops the pass after the
// current group; the unchecked items carry ErrStoreFailed.
func (m *Monitor) CheckItems(ctx context.Context, s *remote.Session, items []storage.TrackedItem) []Result {
	results := make([]Result, len(items))
	for i := range items {
		results[i].ItemID = items[i].ID
	}

	for start := 0; start < len(items); start += m.cfg.BatchSize {
		if start > 0 && m.cfg.BatchDelay > 0 {
			if err := m.sleep(ctx, m.cfg.BatchDelay); err != nil {
				markRemaining(results[start:], err)
				return results
			}
		}
		if err := ctx.Err(); err != nil {
			markRemaining(results[start:], err)
			return results
		}

		end := min(start+m.cfg.BatchSize, len(items))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = m.checkItem(ctx, s, items[i])
				return nil
			})
		}
		g.Wait()

		for _, r := range results[start:end] {
			if r.StoreFailed {
				markRemaining(results[end:], fmt.Errorf("%w: %w", ErrStoreFailed, r.Err))
				for i := end; i < len(results); i++ {
					results[i].StoreFailed = true
				}
				return results
			}
		}
	}
	return results
}

func markRemaining(results []Result, err error) {
	for i := range results {
		results[i].Err = err
	}
}

func (m *Monitor) checkItem(ctx context.Context, s *remote.Session, item storage.TrackedItem) Result {
	res := Result{ItemID: item.ID}
	log := m.logger.With("item_id", item.ID, "owner_id", item.OwnerID)

	listing, err := remote.Call(ctx, s, func(ctx context.Context, token string) (marketplace.Listing, error) {
		return m.fetcher.GetItem(ctx, token, item.RemoteID)
	})
	if err != nil {
		res.Err = err
		var se *marketplace.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			if derr := m.store.DeactivateItem(ctx, item.ID); derr != nil {
				res.Err = derr
				res.StoreFailed = true
				log.Error("failed to deactivate missing item", "error", derr)
			} else {
				res.Deactivated = true
				log.Info("item no longer listed, deactivated")
			}
			return res
		}
		log.Warn("price check failed", "error", err)
		return res
	}

	base := m.cfg.BaseCurrency
	oldPrice, newPrice, currency := item.CurrentPrice, listing.Price, base
	if m.converter != nil {
		o, oerr := m.converter.Convert(ctx, item.CurrentPrice, orDefault(item.Currency, base), base)
		n, nerr := m.converter.Convert(ctx, listing.Price, orDefault(listing.Currency, base), base)
		if oerr != nil || nerr != nil {
			res.ConversionError = true
			currency = orDefault(listing.Currency, item.Currency)
			log.Warn("currency conversion failed, comparing raw prices",
				"from", listing.Currency, "to", base, "error", errors.Join(oerr, nerr))
		} else {
			oldPrice, newPrice = o, n
		}
	} else {
		currency = orDefault(listing.Currency, item.Currency)
	}

	cmp := Compare(oldPrice, newPrice)
	res.Comparison = cmp
	res.NewPrice = newPrice

	now := m.now()
	pc := storage.PriceCheck{
		ItemID:     item.ID,
		Changed:    cmp.Changed,
		Price:      newPrice,
		Currency:   currency,
		IsDrop:     cmp.Dropped,
		DropAmount: cmp.DropAmount,
		CheckedAt:  now,
	}
	if err := m.store.RecordPriceCheck(ctx, pc, uuid.New().String()); err != nil {
		res.Err = err
		res.StoreFailed = true
		log.Error("failed to record price check", "error", err)
		return res
	}

	if !AlertEligible(cmp, item.TargetPrice, newPrice) {
		return res
	}

	log.Info("price dropped below target",
		"old_price", oldPrice, "new_price", newPrice, "target", *item.TargetPrice,
		"drop_pct", math.Round(cmp.DropPercent*100)/100)
	if m.alerts == nil {
		return res
	}
	rep, err := m.alerts.Emit(ctx, notify.Alert{
		OwnerID:     item.OwnerID,
		ItemID:      item.ID,
		Title:       orDefault(listing.Title, item.Title),
		URL:         orDefault(listing.URL, item.URL),
		Currency:    currency,
		OldPrice:    oldPrice,
		NewPrice:    newPrice,
		TargetPrice: *item.TargetPrice,
		DropAmount:  cmp.DropAmount,
		DropPercent: cmp.DropPercent,
		DetectedAt:  now,
	})
	if err != nil {
		log.Error("failed to emit alert", "error", err)
		return res
	}
	res.Alerted = true
	if rep.Dropped {
		log.Debug("alert not delivered", "reason", rep.Reason)
	}
	return res
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
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
