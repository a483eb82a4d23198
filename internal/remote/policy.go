package remote

import (
	"math"
	"net/http"
	"slices"
	"time"
)

// Policy controls how failed remote calls are retried.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Base            float64
	RetryableStatus []int
}

// DefaultPolicy returns 4 attempts with 1s, 2s, 4s waits capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Base:         2,
		RetryableStatus: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Backoff returns the wait before retry n (0-based):
// min(MaxDelay, InitialDelay * Base^n).
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Base, float64(n))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return p.MaxDelay
	}
	// Without a cap the product can exceed what a Duration holds.
	if math.IsNaN(d) || d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (p Policy) isRetryableStatus(code int) bool {
	return slices.Contains(p.RetryableStatus, code)
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Base < 1 {
		p.Base = def.Base
	}
	if p.RetryableStatus == nil {
		p.RetryableStatus = def.RetryableStatus
	}
	return p
}
