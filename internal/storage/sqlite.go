package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the Catalog Store: tracked queries, tracked items, price history,
// credentials, notification preferences and the job queue, all in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pricewatch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection: writes are serialised and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- helpers ---

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Credentials ---

func (s *Store) SaveCredential(ctx context.Context, c Credential) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (owner_id, access_token, refresh_token, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN credentials.refresh_token ELSE excluded.refresh_token END,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		c.OwnerID, c.AccessToken, c.RefreshToken, formatTime(c.Expiry), formatTime(updated),
	)
	return err
}

func (s *Store) GetCredential(ctx context.Context, ownerID string) (Credential, error) {
	var c Credential
	var expires, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, access_token, refresh_token, expires_at, updated_at
		FROM credentials WHERE owner_id = ?`, ownerID,
	).Scan(&c.OwnerID, &c.AccessToken, &c.RefreshToken, &expires, &updated)
	if err == sql.ErrNoRows {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	if c.Expiry, err = parseTime(expires); err != nil {
		return Credential{}, fmt.Errorf("parsing expires_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return Credential{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCredential(ctx context.Context, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE owner_id = ?`, ownerID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// DeactivateOwner soft-deactivates every query and item belonging to ownerID.
func (s *Store) DeactivateOwner(ctx context.Context, ownerID string) (queries, items int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning deactivate transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tracked_queries SET active = 0 WHERE owner_id = ? AND active = 1`, ownerID)
	if err != nil {
		return 0, 0, err
	}
	if queries, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	res, err = tx.ExecContext(ctx, `UPDATE tracked_items SET active = 0 WHERE owner_id = ? AND active = 1`, ownerID)
	if err != nil {
		return 0, 0, err
	}
	if items, err = res.RowsAffected(); err != nil {
		return 0, 0, err
	}
	return queries, items, tx.Commit()
}

// --- Tracked queries ---

const queryColumns = `id, owner_id, keywords, min_price, max_price, condition, buying_format, last_run_at, active, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuery(row scanner) (TrackedQuery, error) {
	var q TrackedQuery
	var minP, maxP sql.NullFloat64
	var lastRun, created string
	var active int
	if err := row.Scan(&q.ID, &q.OwnerID, &q.Keywords, &minP, &maxP, &q.Condition, &q.BuyingFormat, &lastRun, &active, &created); err != nil {
		return TrackedQuery{}, err
	}
	q.MinPrice = floatPtr(minP)
	q.MaxPrice = floatPtr(maxP)
	q.Active = active == 1
	var err error
	if q.LastRunAt, err = parseTime(lastRun); err != nil {
		return TrackedQuery{}, fmt.Errorf("parsing last_run_at: %w", err)
	}
	if q.CreatedAt, err = parseTime(created); err != nil {
		return TrackedQuery{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return q, nil
}

func (s *Store) CreateQuery(ctx context.Context, q TrackedQuery) error {
	created := q.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_queries (`+queryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.OwnerID, q.Keywords, nullFloat(q.MinPrice), nullFloat(q.MaxPrice),
		q.Condition, q.BuyingFormat, formatTime(q.LastRunAt), boolInt(q.Active), formatTime(created),
	)
	return err
}

func (s *Store) GetQuery(ctx context.Context, id string) (TrackedQuery, error) {
	q, err := scanQuery(s.db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM tracked_queries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return TrackedQuery{}, ErrNotFound
	}
	return q, err
}

// ListActiveQueries returns active queries, least recently run first.
// limit <= 0 means no limit.
func (s *Store) ListActiveQueries(ctx context.Context, limit int) ([]TrackedQuery, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.listQueries(ctx, `SELECT `+queryColumns+` FROM tracked_queries
		WHERE active = 1 ORDER BY last_run_at ASC, created_at ASC LIMIT ?`, limit)
}

// ListQueries returns every query of ownerID, active or not.
func (s *Store) ListQueries(ctx context.Context, ownerID string) ([]TrackedQuery, error) {
	return s.listQueries(ctx, `SELECT `+queryColumns+` FROM tracked_queries
		WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
}

func (s *Store) listQueries(ctx context.Context, query string, args ...any) ([]TrackedQuery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrackedQuery
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

func (s *Store) TouchQuery(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tracked_queries SET last_run_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeactivateQuery(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tracked_queries SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Tracked items ---

const itemColumns = `id, owner_id, remote_id, query_id, title, url, currency, current_price, target_price,
	lowest_price, highest_price, active, last_checked_at, created_at`

func scanItem(row scanner) (TrackedItem, error) {
	var it TrackedItem
	var target sql.NullFloat64
	var active int
	var checked, created string
	if err := row.Scan(&it.ID, &it.OwnerID, &it.RemoteID, &it.QueryID, &it.Title, &it.URL, &it.Currency,
		&it.CurrentPrice, &target, &it.LowestPrice, &it.HighestPrice, &active, &checked, &created); err != nil {
		return TrackedItem{}, err
	}
	it.TargetPrice = floatPtr(target)
	it.Active = active == 1
	var err error
	if it.LastCheckedAt, err = parseTime(checked); err != nil {
		return TrackedItem{}, fmt.Errorf("parsing last_checked_at: %w", err)
	}
	if it.CreatedAt, err = parseTime(created); err != nil {
		return TrackedItem{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return it, nil
}

// UpsertTrackedItem inserts it unless a row for (OwnerID, RemoteID) already
// exists. It returns the stored row and whether this call created it.
func (s *Store) UpsertTrackedItem(ctx context.Context, it TrackedItem) (TrackedItem, bool, error) {
	created := it.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	lowest, highest := it.LowestPrice, it.HighestPrice
	if lowest == 0 {
		lowest = it.CurrentPrice
	}
	if highest == 0 {
		highest = it.CurrentPrice
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, remote_id) DO NOTHING`,
		it.ID, it.OwnerID, it.RemoteID, it.QueryID, it.Title, it.URL, it.Currency,
		it.CurrentPrice, nullFloat(it.TargetPrice), lowest, highest, boolInt(it.Active),
		formatTime(it.LastCheckedAt), formatTime(created),
	)
	if err != nil {
		return TrackedItem{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TrackedItem{}, false, err
	}

	stored, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM tracked_items WHERE owner_id = ? AND remote_id = ?`, it.OwnerID, it.RemoteID))
	if err != nil {
		return TrackedItem{}, false, fmt.Errorf("reading upserted item: %w", err)
	}
	return stored, n == 1, nil
}

func (s *Store) GetTrackedItem(ctx context.Context, id string) (TrackedItem, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM tracked_items WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return TrackedItem{}, ErrNotFound
	}
	return it, err
}

// ListActiveItems returns all active items ordered by owner so callers can
// group them per credential.
func (s *Store) ListActiveItems(ctx context.Context) ([]TrackedItem, error) {
	return s.listItems(ctx, `SELECT `+itemColumns+` FROM tracked_items
		WHERE active = 1 ORDER BY owner_id ASC, last_checked_at ASC`)
}

func (s *Store) ListItems(ctx context.Context, ownerID string) ([]TrackedItem, error) {
	return s.listItems(ctx, `SELECT `+itemColumns+` FROM tracked_items
		WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
}

func (s *Store) listItems(ctx context.Context, query string, args ...any) ([]TrackedItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TrackedItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

// TrackedRemoteIDs returns the remote ids already tracked by ownerID,
// including deactivated ones so they are not rediscovered.
func (s *Store) TrackedRemoteIDs(ctx context.Context, ownerID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_id FROM tracked_items WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *Store) SetTargetPrice(ctx context.Context, id string, target *float64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tracked_items SET target_price = ? WHERE id = ?`, nullFloat(target), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeactivateItem(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tracked_items SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// RecordPriceCheck applies a monitoring result: when the price changed the
// item's current/lowest/highest prices move, the check time is always
// stamped, and one PriceSample is appended.
func (s *Store) RecordPriceCheck(ctx context.Context, pc PriceCheck, sampleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning price check transaction: %w", err)
	}
	defer tx.Rollback()

	checked := formatTime(pc.CheckedAt)
	var res sql.Result
	if pc.Changed {
		res, err = tx.ExecContext(ctx, `
			UPDATE tracked_items SET
				current_price = ?,
				currency = ?,
				lowest_price = CASE WHEN lowest_price <= 0 OR ? < lowest_price THEN ? ELSE lowest_price END,
				highest_price = CASE WHEN ? > highest_price THEN ? ELSE highest_price END,
				last_checked_at = ?
			WHERE id = ?`,
			pc.Price, pc.Currency, pc.Price, pc.Price, pc.Price, pc.Price, checked, pc.ItemID,
		)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE tracked_items SET last_checked_at = ? WHERE id = ?`, checked, pc.ItemID)
	}
	if err != nil {
		return fmt.Errorf("updating item %s: %w", pc.ItemID, err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO price_samples (id, item_id, price, currency, is_drop, drop_amount, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sampleID, pc.ItemID, pc.Price, pc.Currency, boolInt(pc.IsDrop), pc.DropAmount, checked,
	); err != nil {
		return fmt.Errorf("appending price sample: %w", err)
	}

	return tx.Commit()
}

// ListSamples returns the newest samples of an item, newest first.
func (s *Store) ListSamples(ctx context.Context, itemID string, limit int) ([]PriceSample, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, price, currency, is_drop, drop_amount, recorded_at
		FROM price_samples WHERE item_id = ?
		ORDER BY recorded_at DESC, rowid DESC LIMIT ?`, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PriceSample
	for rows.Next() {
		var ps PriceSample
		var isDrop int
		var recorded string
		if err := rows.Scan(&ps.ID, &ps.ItemID, &ps.Price, &ps.Currency, &isDrop, &ps.DropAmount, &recorded); err != nil {
			return nil, err
		}
		ps.IsDrop = isDrop == 1
		if ps.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		results = append(results, ps)
	}
	return results, rows.Err()
}

// PruneSamples deletes samples recorded before cutoff.
func (s *Store) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_samples WHERE recorded_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Notification preferences ---

func (s *Store) SavePreference(ctx context.Context, p NotificationPreference) error {
	channels := p.Channels
	if channels == nil {
		channels = []ChannelConfig{}
	}
	channelsJSON, err := json.Marshal(channels)
	if err != nil {
		return fmt.Errorf("encoding channels: %w", err)
	}
	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_preferences
			(owner_id, drop_threshold_pct, quiet_hours_enabled, quiet_start, quiet_end, timezone, channels, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			drop_threshold_pct = excluded.drop_threshold_pct,
			quiet_hours_enabled = excluded.quiet_hours_enabled,
			quiet_start = excluded.quiet_start,
			quiet_end = excluded.quiet_end,
			timezone = excluded.timezone,
			channels = excluded.channels,
			updated_at = excluded.updated_at`,
		p.OwnerID, p.DropThresholdPct, boolInt(p.QuietHoursEnabled), p.QuietStart, p.QuietEnd,
		tz, string(channelsJSON), formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetPreference(ctx context.Context, ownerID string) (NotificationPreference, error) {
	var p NotificationPreference
	var quiet int
	var channelsJSON, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, drop_threshold_pct, quiet_hours_enabled, quiet_start, quiet_end, timezone, channels, updated_at
		FROM notification_preferences WHERE owner_id = ?`, ownerID,
	).Scan(&p.OwnerID, &p.DropThresholdPct, &quiet, &p.QuietStart, &p.QuietEnd, &p.Timezone, &channelsJSON, &updated)
	if err == sql.ErrNoRows {
		return NotificationPreference{}, ErrNotFound
	}
	if err != nil {
		return NotificationPreference{}, err
	}
	p.QuietHoursEnabled = quiet == 1
	if err := json.Unmarshal([]byte(channelsJSON), &p.Channels); err != nil {
		return NotificationPreference{}, fmt.Errorf("decoding channels for %s: %w", ownerID, err)
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return NotificationPreference{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// --- Alert log ---

func (s *Store) SaveAlertRecord(ctx context.Context, r AlertRecord) error {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	payload := r.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_log (id, owner_id, item_id, channel, drop_percent, status, error, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.ItemID, r.Channel, r.DropPercent, r.Status, r.Error, payload, formatTime(created),
	)
	return err
}

func (s *Store) UpdateAlertStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alert_log SET status = ?, error = ? WHERE id = ?`, status, errMsg, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

const alertColumns = `id, owner_id, item_id, channel, drop_percent, status, error, payload_json, created_at`

func scanAlert(row scanner) (AlertRecord, error) {
	var r AlertRecord
	var created string
	if err := row.Scan(&r.ID, &r.OwnerID, &r.ItemID, &r.Channel, &r.DropPercent, &r.Status, &r.Error, &r.PayloadJSON, &created); err != nil {
		return AlertRecord{}, err
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return AlertRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return r, nil
}

func (s *Store) GetAlertRecord(ctx context.Context, id string) (AlertRecord, error) {
	r, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alert_log WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return AlertRecord{}, ErrNotFound
	}
	return r, err
}

// ListAlertRecords returns the newest alert log entries of ownerID.
func (s *Store) ListAlertRecords(ctx context.Context, ownerID string, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alert_log
		WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []AlertRecord
	for rows.Next() {
		r, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Cycle runs ---

func (s *Store) SaveCycleRun(ctx context.Context, r CycleRun) error {
	stats := r.StatsJSON
	if stats == "" {
		stats = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycle_runs (id, started_at, finished_at, stats_json, error)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, formatTime(r.StartedAt), formatTime(r.FinishedAt), stats, r.Error,
	)
	return err
}

func (s *Store) LatestCycleRun(ctx context.Context) (CycleRun, error) {
	var r CycleRun
	var started, finished string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, stats_json, error
		FROM cycle_runs ORDER BY started_at DESC LIMIT 1`,
	).Scan(&r.ID, &started, &finished, &r.StatsJSON, &r.Error)
	if err == sql.ErrNoRows {
		return CycleRun{}, ErrNotFound
	}
	if err != nil {
		return CycleRun{}, err
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return CycleRun{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return CycleRun{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

// --- Job queue ---

func (s *Store) EnqueueJob(ctx context.Context, job Job) error {
	now := formatTime(time.Now())
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = formatTime(job.RunAfter)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob marks the oldest runnable job of one of types as running and
// returns it. It returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now()
	nowStr := formatTime(now)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, nowStr)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var j Job
	var runAfter, createdAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, nowStr, j.ID)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	j.UpdatedAt = now
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// FailJob records a failed attempt. The job returns to pending with a
// 2^attempts second delay, or becomes failed once max_attempts is reached.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, formatTime(now.Add(backoff)), formatTime(now), id)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetJob is used by tests and the status command.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, err
	}
	return j, nil
}
