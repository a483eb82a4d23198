package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/mail.v2"

	"github.com/kalambet/pricewatch/internal/storage"
)

type fakeStore struct {
	mu      sync.Mutex
	prefs   map[string]storage.NotificationPreference
	prefErr error
	records []storage.AlertRecord
	jobs    []storage.Job
}

func (f *fakeStore) GetPreference(ctx context.Context, ownerID string) (storage.NotificationPreference, error) {
	if f.prefErr != nil {
		return storage.NotificationPreference{}, f.prefErr
	}
	p, ok := f.prefs[ownerID]
	if !ok {
		return storage.NotificationPreference{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) SaveAlertRecord(ctx context.Context, r storage.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
	return nil
}

func (f *fakeStore) EnqueueJob(ctx context.Context, job storage.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

type mockChannel struct {
	err   error
	mu    sync.Mutex
	calls []Alert
}

func (m *mockChannel) Deliver(ctx context.Context, a Alert, cfg storage.ChannelConfig) error {
	m.mu.Lock()
	m.calls = append(m.calls, a)
	m.mu.Unlock()
	return m.err
}

func noon() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }

func newTestDispatcher(store *fakeStore, channels map[string]Channel) *Dispatcher {
	d := NewDispatcher(store, channels)
	d.now = noon
	return d
}

func sampleAlert() Alert {
	return Alert{OwnerID: "u1", ItemID: "i1", Title: "Lens", Currency: "USD", OldPrice: 100, NewPrice: 80, TargetPrice: 90, DropAmount: 20, DropPercent: 20}
}

func TestEmit_NoPreferenceDropped(t *testing.T) {
	email := &mockChannel{}
	d := newTestDispatcher(&fakeStore{}, map[string]Channel{"email": email})

	rep, err := d.Emit(context.Background(), sampleAlert())
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !rep.Dropped || rep.Reason != "no_preference" {
		t.Errorf("report = %+v", rep)
	}
	if len(email.calls) != 0 {
		t.Error("channel called without preference")
	}
}

func TestEmit_PreferenceError(t *testing.T) {
	d := newTestDispatcher(&fakeStore{prefErr: errors.New("db gone")}, nil)
	if _, err := d.Emit(context.Background(), sampleAlert()); err == nil {
		t.Fatal("expected error")
	}
}

func TestEmit_BelowThreshold(t *testing.T) {
	store := &fakeStore{prefs: map[string]storage.NotificationPreference{
		"u1": {OwnerID: "u1", DropThresholdPct: 25, Channels: []storage.ChannelConfig{{Type: "email", Enabled: true}}},
	}}
	email := &mockChannel{}
	d := newTestDispatcher(store, map[string]Channel{"email": email})

	rep, _ := d.Emit(context.Background(), sampleAlert())
	if !rep.Dropped || rep.Reason != "below_threshold" {
		t.Errorf("report = %+v", rep)
	}
}

func TestEmit_DefaultThreshold(t *testing.T) {
	store := &fakeStore{prefs: map[string]storage.NotificationPreference{
		"u1": {OwnerID: "u1", Channels: []storage.ChannelConfig{{Type: "email", Enabled: true}}},
	}}
	d := newTestDispatcher(store, map[string]Channel{"email": &mockChannel{}})

	a := sampleAlert()
	a.DropPercent = 4.9
	rep, _ := d.Emit(context.Background(), a)
	if !rep.Dropped {
		t.Errorf("4.9%% drop should be below the 5%% default: %+v", rep)
	}
	a.DropPercent = 4.995
	rep, _ = d.Emit(context.Background(), a)
	if !rep.Dropped || rep.Reason != "below_threshold" {
		t.Errorf("4.995%% drop should stay below the 5%% default: %+v", rep)
	}
	a.DropPercent = 5
	rep, _ = d.Emit(context.Background(), a)
	if rep.Dropped {
		t.Errorf("5%% drop should pass the default: %+v", rep)
	}
}

func TestEmit_QuietHoursDropped(t *testing.T) {
	store := &fakeStore{prefs: map[string]storage.NotificationPreference{
		"u1": {OwnerID: "u1", DropThresholdPct: 5, QuietHoursEnabled: true, QuietStart: 11, QuietEnd: 13,
			Channels: []storage.ChannelConfig{{Type: "email", Enabled: true}}},
	}}
	email := &mockChannel{}
	d := newTestDispatcher(store, map[string]Channel{"email": email})

	rep, _ := d.Emit(context.Background(), sampleAlert())
	if !rep.Dropped || rep.Reason != "quiet_hours" {
		t.Errorf("report = %+v", rep)
	}
	if len(email.calls) != 0 {
		t.Error("delivered during quiet hours")
	}
}

func TestEmit_ChannelsIndependent(t *testing.T) {
	store := &fakeStore{prefs: map[string]storage.NotificationPreference{
		"u1": {OwnerID: "u1", DropThresholdPct: 5, Channels: []storage.ChannelConfig{
			{Type: "email", Enabled: true},
			{Type: "webhook", Enabled: true},
			{Type: "telegram", Enabled: false},
		}},
	}}
	email := &mockChannel{err: errors.New("smtp down")}
	webhook := &mockChannel{}
	telegram := &mockChannel{}
	d := newTestDispatcher(store, map[string]Channel{"email": email, "webhook": webhook, "telegram": telegram})

	rep, err := d.Emit(context.Background(), sampleAlert())
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(rep.Delivered) != 1 || rep.Delivered[0] != "webhook" {
		t.Errorf("delivered = %v", rep.Delivered)
	}
	if len(rep.Failed) != 1 || rep.Failed[0] != "email" {
		t.Errorf("failed = %v", rep.Failed)
	}
	if len(telegram.calls) != 0 {
		t.Error("disabled channel was called")
	}

	if len(store.records) != 2 {
		t.Fatalf("alert log entries = %d, want 2", len(store.records))
	}
	statuses := map[string]string{}
	for _, r := range store.records {
		statuses[r.Channel] = r.Status
	}
	if statuses["email"] != "queued" || statuses["webhook"] != "sent" {
		t.Errorf("statuses = %v", statuses)
	}

	if len(store.jobs) != 1 || store.jobs[0].Type != JobTypeRedeliver {
		t.Fatalf("jobs = %+v", store.jobs)
	}
	var payload RedeliverPayload
	if err := json.Unmarshal([]byte(store.jobs[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Channel.Type != "email" || payload.Alert.ItemID != "i1" || payload.RecordID == "" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestEmit_UnknownChannelNotQueued(t *testing.T) {
	store := &fakeStore{prefs: map[string]storage.NotificationPreference{
		"u1": {OwnerID: "u1", DropThresholdPct: 5, Channels: []storage.ChannelConfig{{Type: "pager", Enabled: true}}},
	}}
	d := newTestDispatcher(store, map[string]Channel{})

	rep, _ := d.Emit(context.Background(), sampleAlert())
	if len(rep.Failed) != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(store.jobs) != 0 {
		t.Error("unknown channel should not be queued for redelivery")
	}
	if store.records[0].Status != "failed" {
		t.Errorf("status = %q, want failed", store.records[0].Status)
	}
}

func TestInQuietHours(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 1, 1, h, 30, 0, 0, time.UTC) }
	wrap := storage.NotificationPreference{QuietHoursEnabled: true, QuietStart: 22, QuietEnd: 6, Timezone: "UTC"}
	day := storage.NotificationPreference{QuietHoursEnabled: true, QuietStart: 9, QuietEnd: 17}

	cases := []struct {
		name string
		pref storage.NotificationPreference
		hour int
		want bool
	}{
		{"wrap late evening", wrap, 23, true},
		{"wrap at start", wrap, 22, true},
		{"wrap early morning", wrap, 3, true},
		{"wrap at end", wrap, 6, false},
		{"wrap midday", wrap, 12, false},
		{"day inside", day, 10, true},
		{"day before", day, 8, false},
		{"day at end", day, 17, false},
		{"disabled", storage.NotificationPreference{QuietStart: 0, QuietEnd: 23}, 12, false},
		{"empty window", storage.NotificationPreference{QuietHoursEnabled: true, QuietStart: 5, QuietEnd: 5}, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := InQuietHours(at(tc.hour), tc.pref); got != tc.want {
				t.Errorf("InQuietHours(%02d:30) = %v, want %v", tc.hour, got, tc.want)
			}
		})
	}
}

func TestInQuietHours_Timezone(t *testing.T) {
	// 12:00 UTC is 21:00 in Tokyo.
	pref := storage.NotificationPreference{QuietHoursEnabled: true, QuietStart: 20, QuietEnd: 7, Timezone: "Asia/Tokyo"}
	if !InQuietHours(noon(), pref) {
		t.Error("expected quiet hours in Asia/Tokyo")
	}
	pref.Timezone = "Not/AZone"
	if InQuietHours(noon(), pref) {
		t.Error("invalid timezone should fall back to UTC")
	}
}

func TestWebhookChannel(t *testing.T) {
	var got Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.Client())
	cfg := storage.ChannelConfig{Type: "webhook", Enabled: true, Settings: map[string]string{"url": srv.URL}}
	if err := ch.Deliver(context.Background(), sampleAlert(), cfg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got.ItemID != "i1" || got.NewPrice != 80 {
		t.Errorf("received %+v", got)
	}

	if err := ch.Deliver(context.Background(), sampleAlert(), storage.ChannelConfig{Type: "webhook"}); !errors.Is(err, ErrMissingSetting) {
		t.Errorf("expected ErrMissingSetting, got %v", err)
	}
}

func TestTelegramChannel(t *testing.T) {
	var path string
	var req sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&req)
	}))
	defer srv.Close()

	ch := NewTelegramChannel("bot-token", srv.Client())
	ch.baseURL = srv.URL
	cfg := storage.ChannelConfig{Type: "telegram", Settings: map[string]string{"chat_id": "42"}}
	if err := ch.Deliver(context.Background(), sampleAlert(), cfg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if path != "/botbot-token/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if req.ChatID != "42" || !strings.Contains(req.Text, "Lens") {
		t.Errorf("request = %+v", req)
	}
}

func TestTelegramChannel_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ch := NewTelegramChannel("t", srv.Client())
	ch.baseURL = srv.URL
	cfg := storage.ChannelConfig{Type: "telegram", Settings: map[string]string{"chat_id": "42"}}
	if err := ch.Deliver(context.Background(), sampleAlert(), cfg); err == nil {
		t.Error("expected error for 403")
	}
}

func TestEmailChannel(t *testing.T) {
	ch := NewEmailChannel(SMTPConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"})
	var sent *mail.Message
	ch.send = func(m *mail.Message) error {
		sent = m
		return nil
	}

	cfg := storage.ChannelConfig{Type: "email", Settings: map[string]string{"to": "buyer@example.com"}}
	if err := ch.Deliver(context.Background(), sampleAlert(), cfg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sent == nil {
		t.Fatal("no message sent")
	}
	if to := sent.GetHeader("To"); len(to) != 1 || to[0] != "buyer@example.com" {
		t.Errorf("To = %v", to)
	}
	if subj := sent.GetHeader("Subject"); len(subj) != 1 || subj[0] != "Price drop: Lens" {
		t.Errorf("Subject = %v", subj)
	}

	var buf strings.Builder
	if _, err := sent.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if !strings.Contains(buf.String(), "dropped 20.0%") {
		t.Errorf("body missing drop: %s", buf.String())
	}
}

func TestEmailChannel_NotConfigured(t *testing.T) {
	ch := NewEmailChannel(SMTPConfig{})
	ch.send = func(m *mail.Message) error {
		t.Error("send called without host")
		return nil
	}
	cfg := storage.ChannelConfig{Type: "email", Settings: map[string]string{"to": "x@example.com"}}
	if err := ch.Deliver(context.Background(), sampleAlert(), cfg); err == nil {
		t.Error("expected error without smtp host")
	}
}

func TestLogChannel(t *testing.T) {
	if err := NewLogChannel("push").Deliver(context.Background(), sampleAlert(), storage.ChannelConfig{Type: "push"}); err != nil {
		t.Errorf("Deliver: %v", err)
	}
}
