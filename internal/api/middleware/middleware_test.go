package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dvloznov/txsync/internal/logger"
	"github.com/rs/zerolog"
)

func testChain(next http.Handler) http.Handler {
	return Chain(zerolog.Nop(), next)
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	h := testChain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The context logger must be the one carrying the request ID.
		log := logger.FromContext(r.Context())
		log.Info().Msg("handled")
		seen = w.Header().Get("X-Request-ID")
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response should carry a generated X-Request-ID")
	}
	if seen == "" {
		t.Error("request ID should be set before the handler runs")
	}
}

func TestRequestIDPreserved(t *testing.T) {
	h := testChain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "caller-chosen")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "caller-chosen" {
		t.Errorf("X-Request-ID = %q, want caller-chosen", got)
	}
}

func TestRecoveryConvertsPanic(t *testing.T) {
	h := testChain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := testChain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run for preflight")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/x", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS headers")
	}
}
