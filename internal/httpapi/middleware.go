package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/xregistry/ociwrap/core"
)

const allowedMethods = "GET, OPTIONS"

// corsHeaders answers preflight requests and stamps the CORS policy on
// every response. The surface is read-only and world-readable.
func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := w.Header()
		hdr.Set("Access-Control-Allow-Origin", "*")
		hdr.Set("Access-Control-Allow-Methods", allowedMethods)
		hdr.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match")
		hdr.Set("Access-Control-Expose-Headers",
			"Link, ETag, X-Registry-Spec-Version, X-Registry-Schema, X-Registry-Epoch, X-Registry-Details")
		if r.Method == http.MethodOptions {
			hdr.Set("Allow", allowedMethods)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// stripDetails removes a trailing $details marker before routing and flags
// the response.
func stripDetails(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := chi.RouteContext(r.Context())
		path := r.URL.Path
		if rctx != nil && rctx.RoutePath != "" {
			path = rctx.RoutePath
		}
		if strings.HasSuffix(path, "$details") {
			trimmed := strings.TrimSuffix(path, "$details")
			if rctx != nil {
				rctx.RoutePath = trimmed
			} else {
				r.URL.Path = trimmed
			}
			w.Header().Set("X-Registry-Details", "true")
		}
		next.ServeHTTP(w, r)
	})
}

// logRequests writes one access log line per request.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}

// observe records the request metrics against the matched route pattern.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		h.metrics.TrackInFlight(1)
		defer h.metrics.TrackInFlight(-1)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		h.metrics.ObserveHTTP(route, ww.Status())
	})
}

// recoverPanics converts handler panics into internal_error problems.
func (h *Handler) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("panic serving request",
				"panic", rec,
				"path", r.URL.Path,
				"stack", string(debug.Stack()))
			h.fail(w, r, fmt.Errorf("panic: %v", rec))
		}()
		next.ServeHTTP(w, r)
	})
}

// requireKey gates every request behind the configured bearer keys. The
// liveness endpoint stays open for probes.
func (h *Handler) requireKey(next http.Handler) http.Handler {
	if len(h.apiKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !h.keyValid(token) {
			h.fail(w, r, fmt.Errorf("missing or invalid api key: %w", core.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) keyValid(token string) bool {
	valid := false
	for _, key := range h.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}
