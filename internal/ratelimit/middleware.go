package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
)

// ErrRateLimited marks a call rejected by a Guard.
var ErrRateLimited = errors.New("rate limited")

// Rule names a protected operation and its per-caller budget.
type Rule struct {
	Key              string
	PermitsPerSecond float64
	Tolerance        time.Duration
}

// CompositeKey scopes the rule to a single caller.
func (r Rule) CompositeKey(callerID string) string {
	return r.Key + "_" + callerID
}

// RejectedError carries the data a caller needs to report a rejection.
type RejectedError struct {
	Key        string
	Limit      float64
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q (limit %s/s, retry after %s)",
		e.Key, formatRate(e.Limit), e.RetryAfter)
}

// Unwrap lets errors.Is match ErrRateLimited.
func (e *RejectedError) Unwrap() error {
	return ErrRateLimited
}

// Guard returns a check for in-process call sites that hit a shared external
// collaborator. The returned func yields a *RejectedError on rejection.
func Guard(limiter *GCRA, rule Rule) func(callerID string) error {
	return func(callerID string) error {
		key := rule.CompositeKey(callerID)
		allowed, cfg, err := check(limiter, rule, key)
		if err != nil {
			return err
		}
		if !allowed {
			return &RejectedError{Key: key, Limit: cfg.PermitsPerSecond, RetryAfter: cfg.RetryAfter()}
		}
		return nil
	}
}

// IdentifyFunc resolves the caller identity for a request.
type IdentifyFunc func(*http.Request) string

// Middleware enforces rule per caller. Rejected requests receive 429 with the
// configured rate and a Retry-After derived from the emission interval.
func Middleware(limiter *GCRA, rule Rule, identify IdentifyFunc, logger *zap.Logger) func(http.Handler) http.Handler {
	if identify == nil {
		identify = CallerID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rule.CompositeKey(identify(r))
			allowed, cfg, err := check(limiter, rule, key)
			if err != nil {
				logger.Error("rate limit check failed", zap.String("key", key), zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "rate limiter misconfigured"})
				return
			}
			w.Header().Set("X-RateLimit-Limit", formatRate(cfg.PermitsPerSecond))
			if !allowed {
				retryAfter := cfg.RetryAfter()
				w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "Too many requests. Please try again later.",
					"code":  "RATE_LIMIT_EXCEEDED",
				})
				logger.Warn("rate limit exceeded",
					zap.String("key", key),
					zap.Float64("limit", cfg.PermitsPerSecond),
					zap.Duration("retry_after", retryAfter),
				)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerID prefers the X-User-ID header set by the auth layer and falls back
// to the client IP.
func CallerID(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-User-ID")); user != "" {
		return "user:" + user
	}
	return "ip:" + clientIP(r)
}

func check(limiter *GCRA, rule Rule, key string) (bool, Config, error) {
	want, err := NewConfig(rule.PermitsPerSecond, rule.Tolerance)
	if err != nil {
		return false, Config{}, fmt.Errorf("configure %q: %w", key, err)
	}
	// Only a new caller or a changed rule takes the configure lock.
	if cfg, ok := limiter.ConfigFor(key); !ok || cfg != want {
		if err := limiter.Configure(key, rule.PermitsPerSecond, rule.Tolerance); err != nil {
			return false, Config{}, err
		}
	}
	allowed, err := limiter.Allow(key)
	if err != nil {
		return false, want, err
	}
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	telemetry.ObserveRateLimitDecision(rule.Key, result)
	return allowed, want, nil
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func formatRate(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
