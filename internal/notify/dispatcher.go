// Package notify turns price-drop alerts into deliveries on each owner's
// enabled channels, honoring thresholds and quiet hours.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"

	"github.com/kalambet/pricewatch/internal/storage"
)

const (
	// DefaultDropThresholdPct applies to owners whose preference leaves the
	// threshold unset.
	DefaultDropThresholdPct = 5.0

	// JobTypeRedeliver is the job queue type for failed deliveries.
	JobTypeRedeliver = "alert_redeliver"

	statusSent   = "sent"
	statusQueued = "queued"
	statusFailed = "failed"
)

// Alert describes one detected price drop below an item's target.
type Alert struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ItemID      string    `json:"item_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	Currency    string    `json:"currency"`
	OldPrice    float64   `json:"old_price"`
	NewPrice    float64   `json:"new_price"`
	TargetPrice float64   `json:"target_price"`
	DropAmount  float64   `json:"drop_amount"`
	DropPercent float64   `json:"drop_percent"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Channel delivers an alert over one medium.
type Channel interface {
	Deliver(ctx context.Context, a Alert, cfg storage.ChannelConfig) error
}

// Store is the persistence the Dispatcher needs. Implemented by storage.Store.
type Store interface {
	GetPreference(ctx context.Context, ownerID string) (storage.NotificationPreference, error)
	SaveAlertRecord(ctx context.Context, r storage.AlertRecord) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Report summarises what Emit did with an alert.
type Report struct {
	Dropped   bool     `json:"dropped"`
	Reason    string   `json:"reason,omitempty"`
	Delivered []string `json:"delivered,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// RedeliverPayload is the job payload for a failed delivery.
type RedeliverPayload struct {
	RecordID string                `json:"record_id"`
	Channel  storage.ChannelConfig `json:"channel"`
	Alert    Alert                 `json:"alert"`
}

// Dispatcher routes alerts to channels.
type Dispatcher struct {
	store    Store
	channels map[string]Channel
	now      func() time.Time
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher with the given channel registry keyed
// by channel type.
func NewDispatcher(store Store, channels map[string]Channel) *Dispatcher {
	return &Dispatcher{
		store:    store,
		channels: channels,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// Emit applies the owner's preference to a and delivers it on every enabled
// channel. Channel failures are logged and queued for redelivery; only
// preference lookup failures are returned as errors.
func (d *Dispatcher) Emit(ctx context.Context, a Alert) (Report, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = d.now()
	}

	pref, err := d.store.GetPreference(ctx, a.OwnerID)
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Debug("alert dropped: no notification preference", "owner_id", a.OwnerID, "item_id", a.ItemID)
		return Report{Dropped: true, Reason: "no_preference"}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("loading preference for %s: %w", a.OwnerID, err)
	}

	if InQuietHours(d.now(), pref) {
		d.logger.Info("alert dropped: quiet hours", "owner_id", a.OwnerID, "item_id", a.ItemID)
		return Report{Dropped: true, Reason: "quiet_hours"}, nil
	}

	threshold := pref.DropThresholdPct
	if threshold <= 0 {
		threshold = DefaultDropThresholdPct
	}
	if a.DropPercent < threshold {
		d.logger.Debug("alert dropped: below threshold",
			"owner_id", a.OwnerID, "item_id", a.ItemID, "drop_pct", a.DropPercent, "threshold", threshold)
		return Report{Dropped: true, Reason: "below_threshold"}, nil
	}

	var report Report
	for _, cfg := range pref.Channels {
		if !cfg.Enabled {
			continue
		}
		if err := d.deliverAndLog(ctx, a, cfg); err != nil {
			report.Failed = append(report.Failed, cfg.Type)
			continue
		}
		report.Delivered = append(report.Delivered, cfg.Type)
	}
	if len(report.Delivered) == 0 && len(report.Failed) == 0 {
		report.Dropped = true
		report.Reason = "no_enabled_channels"
	}
	return report, nil
}

func (d *Dispatcher) deliverAndLog(ctx context.Context, a Alert, cfg storage.ChannelConfig) error {
	payload, _ := json.Marshal(a)
	rec := storage.AlertRecord{
		ID:          uuid.New().String(),
		OwnerID:     a.OwnerID,
		ItemID:      a.ItemID,
		Channel:     cfg.Type,
		DropPercent: a.DropPercent,
		Status:      statusSent,
		PayloadJSON: string(payload),
		CreatedAt:   d.now(),
	}

	deliverErr := d.Deliver(ctx, a, cfg)
	if deliverErr != nil {
		rec.Status = statusFailed
		rec.Error = deliverErr.Error()
		d.logger.Warn("alert delivery failed",
			"owner_id", a.OwnerID, "item_id", a.ItemID, "channel", cfg.Type, "error", deliverErr)

		if d.enqueueRedelivery(ctx, rec.ID, a, cfg) {
			rec.Status = statusQueued
		}
	}

	if err := d.store.SaveAlertRecord(ctx, rec); err != nil {
		d.logger.Error("failed to write alert log", "owner_id", a.OwnerID, "channel", cfg.Type, "error", err)
	}
	return deliverErr
}

func (d *Dispatcher) enqueueRedelivery(ctx context.Context, recordID string, a Alert, cfg storage.ChannelConfig) bool {
	if _, ok := d.channels[cfg.Type]; !ok {
		return false
	}
	payload, err := json.Marshal(RedeliverPayload{RecordID: recordID, Channel: cfg, Alert: a})
	if err != nil {
		return false
	}
	if err := d.store.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeRedeliver,
		PayloadJSON: string(payload),
		MaxAttempts: 5,
	}); err != nil {
		d.logger.Error("failed to queue redelivery", "owner_id", a.OwnerID, "channel", cfg.Type, "error", err)
		return false
	}
	return true
}

// Deliver sends a over the channel registered for cfg.Type.
func (d *Dispatcher) Deliver(ctx context.Context, a Alert, cfg storage.ChannelConfig) error {
	ch, ok := d.channels[cfg.Type]
	if !ok {
		d.logger.Warn("unknown notification channel", "channel", cfg.Type, "owner_id", a.OwnerID)
		return fmt.Errorf("unknown channel %q", cfg.Type)
	}
	return ch.Deliver(ctx, a, cfg)
}

// InQuietHours reports whether now falls inside the preference's quiet
// window, evaluated in its timezone. The window may wrap past midnight;
// start == end means no window.
func InQuietHours(now time.Time, pref storage.NotificationPreference) bool {
	if !pref.QuietHoursEnabled || pref.QuietStart == pref.QuietEnd {
		return false
	}
	loc := time.UTC
	if pref.Timezone != "" {
		if l, err := time.LoadLocation(pref.Timezone); err == nil {
			loc = l
		}
	}
	h := now.In(loc).Hour()
	if pref.QuietStart < pref.QuietEnd {
		return h >= pref.QuietStart && h < pref.QuietEnd
	}
	return h >= pref.QuietStart || h < pref.QuietEnd
}
