package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/pricewatch/internal/config"
	"github.com/kalambet/pricewatch/internal/notify"
	"github.com/kalambet/pricewatch/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type cannedResponse struct {
	status int
	body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		if resp, ok := responses[r.Method+" "+r.URL.Path]; ok {
			w.Header().Set("Content-Type", "application/json")
			status := resp.status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestTriggerCycle(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /trigger": {status: http.StatusAccepted, body: `{"status":"started"}`},
	})

	if err := triggerCycle(ctx, ts.client()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/trigger" {
		t.Errorf("request = %s %s, want POST /trigger", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
}

func TestTriggerCycle_AlreadyRunning(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /trigger": {status: http.StatusConflict, body: `{"status":"already_running"}`},
	})

	if err := triggerCycle(ctx, ts.client()); err != nil {
		t.Fatalf("a busy server is not an error, got %v", err)
	}
}

func TestShowStatus(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /status": {body: `{
			"running": false,
			"interval": "5m0s",
			"interval_seconds": 300,
			"last_run_at": "2026-01-02T03:04:05Z",
			"last_duration_ms": 1200,
			"last_stats": {"total": 10, "completed": 9, "failed": 1, "new_items_found": 4},
			"next_run_at": "2026-01-02T03:09:05Z"
		}`},
	})

	if err := showStatus(ctx, ts.client()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.server.Close()

	_, err := ts.client().get(ctx, "/status")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestQueryAddRequestBody(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /queries": {status: http.StatusCreated, body: `{"id":"q-123","owner_id":"alice","keywords":"lamp","active":true}`},
	})
	client := ts.client()

	body := map[string]any{"owner_id": "alice", "keywords": "lamp", "max_price": 50.0}
	resp, err := client.post(ctx, "/queries", body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var q storage.TrackedQuery
	if err := decodeJSON(resp, &q); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if q.ID != "q-123" {
		t.Errorf("id = %q, want q-123", q.ID)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent["max_price"] != 50.0 {
		t.Errorf("max_price = %v, want 50", sent["max_price"])
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestFormatQuery(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	maxPrice := 120.0
	got := formatQuery(storage.TrackedQuery{
		ID:        "0123456789abcdef",
		Keywords:  "mechanical keyboard",
		MaxPrice:  &maxPrice,
		Condition: "used",
		Active:    true,
	})
	want := `01234567  "mechanical keyboard"  [*..120.00]  used`
	if got != want {
		t.Errorf("formatQuery = %q, want %q", got, want)
	}
}

func TestFormatItem(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	target := 80.0
	got := formatItem(storage.TrackedItem{
		ID:           "abc",
		Title:        "Lamp",
		Currency:     "USD",
		CurrentPrice: 99.5,
		TargetPrice:  &target,
		LowestPrice:  90,
	})
	want := "abc  99.50 USD  Lamp  target 80.00  low 90.00"
	if got != want {
		t.Errorf("formatItem = %q, want %q", got, want)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid api token","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/status")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	err = decodeJSON(resp, nil)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "invalid api token") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestBuildChannels(t *testing.T) {
	channels := buildChannels(config.NotifyConfig{})
	for _, name := range []string{"email", "telegram", "webhook", "push", "sms"} {
		if channels[name] == nil {
			t.Errorf("channel %q not registered", name)
		}
	}
	if _, ok := channels["email"].(*notify.LogChannel); !ok {
		t.Errorf("email without smtp host = %T, want *notify.LogChannel", channels["email"])
	}

	channels = buildChannels(config.NotifyConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, TelegramToken: "tok"})
	if _, ok := channels["email"].(*notify.EmailChannel); !ok {
		t.Errorf("email = %T, want *notify.EmailChannel", channels["email"])
	}
	if _, ok := channels["telegram"].(*notify.TelegramChannel); !ok {
		t.Errorf("telegram = %T, want *notify.TelegramChannel", channels["telegram"])
	}
}

func TestBuildApp(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = t.TempDir()
	cfg.Marketplace.BaseURL = "http://127.0.0.1:1"
	cfg.Marketplace.Timeout = time.Second
	cfg.Currency.Base = "USD"
	cfg.Currency.CacheTTL = time.Minute
	cfg.Scheduler.Interval = time.Minute
	cfg.Notify.OutboxPoll = time.Second

	a, err := buildApp(cfg)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.close()

	if a.identity != nil || a.codeExchanger() != nil {
		t.Error("identity provider should be nil without a client id")
	}

	// No queries and no items: the cycle completes without touching the network.
	stats, err := a.worker.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Total != 0 || stats.ItemsProcessed != 0 {
		t.Errorf("stats = %+v, want empty cycle", stats)
	}
	if _, err := a.store.LatestCycleRun(ctx); err != nil {
		t.Errorf("cycle run not recorded: %v", err)
	}
}
