// comfyfleet schedules image-generation workflows across a fleet of ComfyUI servers.
// Copyright (C) 2025 comfyfleet contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package httpmw holds the small set of HTTP middleware comfyfleet-demo
// wraps its mux in: baseline security headers and access logging that never
// prints a caller's operator token.
package httpmw

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"comfyfleet/internal/ctxkeys"
	"comfyfleet/pkg/crypto"
)

// SecurityHeadersConfig holds configuration for the security headers
// middleware.
type SecurityHeadersConfig struct {
	// EnableHSTS enables Strict-Transport-Security (only meaningful behind TLS).
	EnableHSTS bool
	// HSTSMaxAge is the max-age value for HSTS, in seconds.
	HSTSMaxAge int
}

// DefaultSecurityHeadersConfig leaves HSTS off, since the demo listens
// plaintext by default.
func DefaultSecurityHeadersConfig() SecurityHeadersConfig {
	return SecurityHeadersConfig{
		EnableHSTS: false,
		HSTSMaxAge: 31536000,
	}
}

// SecurityHeaders adds baseline response headers: no MIME sniffing, no
// framing, no referrer leakage, and optionally HSTS.
func SecurityHeaders(cfg SecurityHeadersConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			if cfg.EnableHSTS {
				w.Header().Set("Strict-Transport-Security", "max-age="+strconv.Itoa(cfg.HSTSMaxAge))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the response status for access logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request at Info level, with the Authorization
// header redacted rather than omitted — an operator debugging a 401 still
// needs to see which scheme was used.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, correlationID := ctxkeys.EnsureCorrelationID(r.Context())
			r = r.WithContext(ctx)
			w.Header().Set("X-Correlation-ID", correlationID)

			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sr.status,
				"duration", time.Since(start),
				"correlation_id", correlationID,
				"authorization", crypto.RedactAuthHeader(r.Header.Get("Authorization")),
			)
		})
	}
}

// Chain applies middleware in the given order, outermost first.
func Chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
