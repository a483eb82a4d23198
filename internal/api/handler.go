// Package api exposes the control and management HTTP API and the MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/pricewatch/internal/match"
	"github.com/kalambet/pricewatch/internal/scheduler"
	"github.com/kalambet/pricewatch/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Scheduler is the cycle control surface. Implemented by scheduler.Scheduler.
type Scheduler interface {
	Trigger() bool
	Status() scheduler.Status
	SetInterval(d time.Duration) error
}

// CodeExchanger turns an authorization code into a credential.
// Implemented by identity.Provider.
type CodeExchanger interface {
	ExchangeAuthCode(ctx context.Context, code string) (storage.Credential, error)
}

type Deps struct {
	Store     *storage.Store
	Scheduler Scheduler
	Identity  CodeExchanger // optional; credential linking is unavailable when nil
	Token     string
}

// QueryRequest is the body of POST /queries and the track_query tool.
type QueryRequest struct {
	OwnerID      string   `json:"owner_id"`
	Keywords     string   `json:"keywords"`
	MinPrice     *float64 `json:"min_price,omitempty"`
	MaxPrice     *float64 `json:"max_price,omitempty"`
	Condition    string   `json:"condition,omitempty"`
	BuyingFormat string   `json:"buying_format,omitempty"`
}

// ItemRequest is the body of POST /items.
type ItemRequest struct {
	OwnerID     string   `json:"owner_id"`
	RemoteID    string   `json:"remote_id"`
	Title       string   `json:"title"`
	URL         string   `json:"url,omitempty"`
	Price       float64  `json:"price"`
	Currency    string   `json:"currency"`
	TargetPrice *float64 `json:"target_price,omitempty"`
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/trigger", handleTrigger(deps))
		r.Get("/status", handleStatus(deps))
		r.Put("/schedule", handleSchedule(deps))

		r.Post("/queries", handleCreateQuery(deps))
		r.Get("/queries", handleListQueries(deps))
		r.Delete("/queries/{id}", handleDeactivateQuery(deps))

		r.Post("/items", handleTrackItem(deps))
		r.Get("/items", handleListItems(deps))
		r.Get("/items/{id}/history", handleItemHistory(deps))
		r.Put("/items/{id}/target", handleSetTarget(deps))
		r.Delete("/items/{id}", handleDeactivateItem(deps))

		r.Get("/preferences/{owner}", handleGetPreference(deps))
		r.Put("/preferences/{owner}", handlePutPreference(deps))

		r.Get("/owners/{owner}/alerts", handleListAlerts(deps))
		r.Post("/owners/{owner}/credentials", handleLinkCredential(deps))
		r.Delete("/owners/{owner}/credentials", handleUnlinkCredential(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleTrigger(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Scheduler.Trigger() {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Scheduler.Status())
	}
}

func handleSchedule(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Interval string `json:"interval"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid interval %q: %v", req.Interval, err)
			return
		}
		if err := deps.Scheduler.SetInterval(d); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, deps.Scheduler.Status())
	}
}

// newQuery validates req and builds the query to store.
func newQuery(req QueryRequest) (storage.TrackedQuery, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.Keywords = strings.TrimSpace(req.Keywords)
	if req.OwnerID == "" {
		return storage.TrackedQuery{}, errors.New("owner_id is required")
	}
	if req.Keywords == "" {
		return storage.TrackedQuery{}, errors.New("keywords is required")
	}
	if err := (match.Bounds{Min: req.MinPrice, Max: req.MaxPrice}).Validate(); err != nil {
		return storage.TrackedQuery{}, err
	}
	return storage.TrackedQuery{
		ID:           uuid.New().String(),
		OwnerID:      req.OwnerID,
		Keywords:     req.Keywords,
		MinPrice:     req.MinPrice,
		MaxPrice:     req.MaxPrice,
		Condition:    req.Condition,
		BuyingFormat: req.BuyingFormat,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func handleCreateQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if !decodeBody(w, r, &req) {
			return
		}
		q, err := newQuery(req)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Store.CreateQuery(r.Context(), q); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save query: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, q)
	}
}

func handleListQueries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := requireOwner(w, r)
		if !ok {
			return
		}
		queries, err := deps.Store.ListQueries(r.Context(), owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list queries: %v", err)
			return
		}
		if queries == nil {
			queries = []storage.TrackedQuery{}
		}
		writeJSON(w, http.StatusOK, queries)
	}
}

func handleDeactivateQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeactivateQuery(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "query not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to deactivate query: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	}
}

func handleTrackItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ItemRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID == "" || req.RemoteID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "owner_id and remote_id are required")
			return
		}
		if req.Price < 0 || (req.TargetPrice != nil && *req.TargetPrice < 0) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prices must not be negative")
			return
		}

		ctx := r.Context()
		item, inserted, err := deps.Store.UpsertTrackedItem(ctx, storage.TrackedItem{
			ID:           uuid.New().String(),
			OwnerID:      req.OwnerID,
			RemoteID:     req.RemoteID,
			Title:        req.Title,
			URL:          req.URL,
			Currency:     strings.ToUpper(req.Currency),
			CurrentPrice: req.Price,
			TargetPrice:  req.TargetPrice,
			Active:       true,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to track item: %v", err)
			return
		}
		if !inserted && req.TargetPrice != nil {
			if err := deps.Store.SetTargetPrice(ctx, item.ID, req.TargetPrice); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to update target price: %v", err)
				return
			}
			item.TargetPrice = req.TargetPrice
		}

		code := http.StatusOK
		if inserted {
			code = http.StatusCreated
		}
		writeJSON(w, code, item)
	}
}

func handleListItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := requireOwner(w, r)
		if !ok {
			return
		}
		items, err := deps.Store.ListItems(r.Context(), owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list items: %v", err)
			return
		}
		if items == nil {
			items = []storage.TrackedItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleItemHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		item, err := deps.Store.GetTrackedItem(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get item: %v", err)
			return
		}

		samples, err := deps.Store.ListSamples(r.Context(), id, parseIntParam(r, "limit", 100, 1000))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list samples: %v", err)
			return
		}
		if samples == nil {
			samples = []storage.PriceSample{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item, "samples": samples})
	}
}

func handleSetTarget(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TargetPrice *float64 `json:"target_price"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.TargetPrice != nil && *req.TargetPrice < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "target_price must not be negative")
			return
		}
		err := deps.Store.SetTargetPrice(r.Context(), chi.URLParam(r, "id"), req.TargetPrice)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set target price: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

func handleDeactivateItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeactivateItem(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to deactivate item: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	}
}

func handleGetPreference(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pref, err := deps.Store.GetPreference(r.Context(), chi.URLParam(r, "owner"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no notification preference for owner")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get preference: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, pref)
	}
}

func handlePutPreference(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pref storage.NotificationPreference
		if !decodeBody(w, r, &pref) {
			return
		}
		pref.OwnerID = chi.URLParam(r, "owner")
		if err := validatePreference(pref); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		ctx := r.Context()
		if err := deps.Store.SavePreference(ctx, pref); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save preference: %v", err)
			return
		}
		saved, err := deps.Store.GetPreference(ctx, pref.OwnerID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload preference: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

var knownChannels = map[string]bool{"email": true, "telegram": true, "webhook": true, "push": true, "sms": true}

func validatePreference(p storage.NotificationPreference) error {
	if p.DropThresholdPct < 0 || p.DropThresholdPct > 100 {
		return fmt.Errorf("drop_threshold_pct must be within 0-100, got %v", p.DropThresholdPct)
	}
	if p.QuietStart < 0 || p.QuietStart > 23 || p.QuietEnd < 0 || p.QuietEnd > 23 {
		return errors.New("quiet_start and quiet_end must be hours 0-23")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", p.Timezone)
		}
	}
	for _, ch := range p.Channels {
		if !knownChannels[ch.Type] {
			return fmt.Errorf("unknown channel type %q", ch.Type)
		}
	}
	return nil
}

func handleListAlerts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := deps.Store.ListAlertRecords(r.Context(), chi.URLParam(r, "owner"), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list alerts: %v", err)
			return
		}
		if records == nil {
			records = []storage.AlertRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleLinkCredential(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Identity == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "identity provider is not configured")
			return
		}
		var req struct {
			Code string `json:"code"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Code == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "code is required")
			return
		}

		ctx := r.Context()
		cred, err := deps.Identity.ExchangeAuthCode(ctx, req.Code)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "authorization code exchange failed: %v", err)
			return
		}
		cred.OwnerID = chi.URLParam(r, "owner")
		if err := deps.Store.SaveCredential(ctx, cred); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save credential: %v", err)
			return
		}

		resp := map[string]any{"status": "linked", "owner_id": cred.OwnerID}
		if !cred.Expiry.IsZero() {
			resp["expiry"] = cred.Expiry
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

func handleUnlinkCredential(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		owner := chi.URLParam(r, "owner")
		if err := deps.Store.DeleteCredential(ctx, owner); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete credential: %v", err)
			return
		}
		queries, items, err := deps.Store.DeactivateOwner(ctx, owner)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to deactivate owner data: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":              "unlinked",
			"queries_deactivated": queries,
			"items_deactivated":   items,
		})
	}
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "owner query parameter is required")
		return "", false
	}
	return owner, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
