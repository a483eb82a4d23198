package storage

import (
	"errors"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// expirySkew treats a token as expired slightly before its real deadline so a
// request is not sent with a credential that lapses in flight.
const expirySkew = 30 * time.Second

// Credential is an owner's bearer credential for the marketplace API.
type Credential struct {
	OwnerID      string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time // zero means unknown
	UpdatedAt    time.Time
}

// Expired reports whether the credential is known to be expired at now.
func (c Credential) Expired(now time.Time) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return !now.Before(c.Expiry.Add(-expirySkew))
}

// LogValue keeps tokens out of log output.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("owner_id", c.OwnerID),
		slog.Bool("has_refresh_token", c.RefreshToken != ""),
		slog.Time("expiry", c.Expiry),
	)
}

type TrackedQuery struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Keywords     string    `json:"keywords"`
	MinPrice     *float64  `json:"min_price,omitempty"`
	MaxPrice     *float64  `json:"max_price,omitempty"`
	Condition    string    `json:"condition,omitempty"`     // e.g. "new", "used"
	BuyingFormat string    `json:"buying_format,omitempty"` // e.g. "auction", "fixed_price"
	LastRunAt    time.Time `json:"last_run_at"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type TrackedItem struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	RemoteID      string    `json:"remote_id"`
	QueryID       string    `json:"query_id,omitempty"`
	Title         string    `json:"title"`
	URL           string    `json:"url,omitempty"`
	Currency      string    `json:"currency"`
	CurrentPrice  float64   `json:"current_price"`
	TargetPrice   *float64  `json:"target_price,omitempty"`
	LowestPrice   float64   `json:"lowest_price"`
	HighestPrice  float64   `json:"highest_price"`
	Active        bool      `json:"active"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// PriceSample is one immutable price observation of a TrackedItem.
type PriceSample struct {
	ID         string    `json:"id"`
	ItemID     string    `json:"item_id"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	IsDrop     bool      `json:"is_drop"`
	DropAmount float64   `json:"drop_amount"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PriceCheck is the outcome of one monitoring pass over an item, applied
// atomically by RecordPriceCheck.
type PriceCheck struct {
	ItemID     string
	Changed    bool
	Price      float64
	Currency   string
	IsDrop     bool
	DropAmount float64
	CheckedAt  time.Time
}

// ChannelConfig enables one delivery channel for an owner.
type ChannelConfig struct {
	Type     string            `json:"type"` // "email", "telegram", "webhook", "push", "sms"
	Enabled  bool              `json:"enabled"`
	Settings map[string]string `json:"settings,omitempty"`
}

type NotificationPreference struct {
	OwnerID           string          `json:"owner_id"`
	DropThresholdPct  float64         `json:"drop_threshold_pct"`
	QuietHoursEnabled bool            `json:"quiet_hours_enabled"`
	QuietStart        int             `json:"quiet_start"` // hour 0-23
	QuietEnd          int             `json:"quiet_end"`   // hour 0-23, exclusive
	Timezone          string          `json:"timezone"`
	Channels          []ChannelConfig `json:"channels"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// AlertRecord logs one delivery attempt of an alert over one channel.
type AlertRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ItemID      string    `json:"item_id"`
	Channel     string    `json:"channel"`
	DropPercent float64   `json:"drop_percent"`
	Status      string    `json:"status"` // "sent", "failed", "queued"
	Error       string    `json:"error,omitempty"`
	PayloadJSON string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type CycleRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	StatsJSON  string
	Error      string
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
