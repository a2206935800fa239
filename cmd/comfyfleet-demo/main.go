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

// Command comfyfleet-demo wires a Session per configured ComfyUI server into
// a fleet.Manager and a pool.Pool, and exposes them over a small HTTP API:
// enough to enqueue a workflow, poll its status, cancel it, and inspect
// fleet/queue health. It is a demo harness, not a production deployment.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"comfyfleet/internal/fleet/credstore"
	"comfyfleet/internal/httpmw"
	"comfyfleet/internal/logging"
	"comfyfleet/internal/metrics"
	"comfyfleet/pkg/failover"
	"comfyfleet/pkg/fleet"
	"comfyfleet/pkg/pool"
	"comfyfleet/pkg/serverclient"
	"comfyfleet/pkg/session"
	"comfyfleet/queueadapter/sqlite"
)

func main() {
	var (
		addr          = flag.String("addr", ":8188", "HTTP API listen address")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		servers       = flag.String("servers", "", "Comma-separated ComfyUI base URLs, e.g. http://10.0.0.11:8188,http://10.0.0.12:8188")
		queueDBPath   = flag.String("queue-db", "", "Optional SQLite path for durable queue journaling; empty uses the in-memory queue")
		operatorToken = flag.String("operator-token", "", "Token required on mutating routes (uses COMFYFLEET_OPERATOR_TOKEN env var if not set)")
	)
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if *operatorToken == "" {
		*operatorToken = os.Getenv("COMFYFLEET_OPERATOR_TOKEN")
	}
	creds := credstore.New()
	if *operatorToken != "" {
		if err := creds.SetToken(*operatorToken); err != nil {
			slog.Error("failed to configure operator token", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("no operator token configured; mutating routes (/jobs, /jobs/{id}/cancel) are open to any caller. Set --operator-token or COMFYFLEET_OPERATOR_TOKEN.")
	}

	strategy := failover.NewSmart(failover.DefaultConfig(), nil)
	manager := fleet.New(fleet.DefaultConfig(), strategy)
	defer manager.Destroy()

	ctx := context.Background()
	if err := addServers(ctx, manager, *servers); err != nil {
		slog.Error("failed to add ComfyUI servers", "error", err)
		os.Exit(1)
	}

	var queue pool.QueueAdapter
	if *queueDBPath != "" {
		adapter, err := sqlite.Open(*queueDBPath)
		if err != nil {
			slog.Error("failed to open queue database", "error", err, "path", *queueDBPath)
			os.Exit(1)
		}
		defer func() { _ = adapter.Close() }()
		queue = adapter
		if rows, err := adapter.Recover(); err == nil && len(rows) > 0 {
			slog.Info("recovered queue journal entries from a previous run", "count", len(rows))
		}
	}

	p := pool.New(manager, queue, pool.DefaultConfig())
	defer p.Shutdown()

	mux := http.NewServeMux()
	registerRoutes(mux, p, manager, creds)
	handler := httpmw.Chain(mux, httpmw.SecurityHeaders(httpmw.DefaultSecurityHeadersConfig()), httpmw.AccessLog(logger))

	server := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting comfyfleet-demo API", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server exited")
}

// addServers constructs one serverclient.HTTPClient + session.Session per
// entry in a comma-separated base-URL list and registers each with manager.
func addServers(ctx context.Context, manager *fleet.Manager, serverList string) error {
	for _, raw := range strings.Split(serverList, ",") {
		baseURL := strings.TrimSpace(raw)
		if baseURL == "" {
			continue
		}
		cfg := serverclient.DefaultConfig()
		cfg.BaseURL = baseURL
		client, err := serverclient.New(cfg, baseURL)
		if err != nil {
			return fmt.Errorf("server %s: %w", baseURL, err)
		}
		sess := session.New(baseURL, client, session.DefaultConfig().LoadFromEnv())
		if err := manager.Add(ctx, sessionID(baseURL), sess); err != nil {
			slog.Warn("session failed initial reachability probe; it will keep retrying in the background", "server", baseURL, "error", err)
		}
	}
	return nil
}

func sessionID(baseURL string) string {
	return strings.NewReplacer("http://", "", "https://", "", "/", "-", ":", "-").Replace(baseURL)
}

func registerRoutes(mux *http.ServeMux, p *pool.Pool, manager *fleet.Manager, creds *credstore.Store) {
	mux.HandleFunc("POST /jobs", requireOperator(creds, handleEnqueue(p)))
	mux.HandleFunc("GET /jobs/{id}", handleGetJob(p))
	mux.HandleFunc("POST /jobs/{id}/cancel", requireOperator(creds, handleCancel(p)))
	mux.HandleFunc("GET /queue/stats", handleQueueStats(p))
	mux.HandleFunc("GET /fleet", handleFleet(manager))
	mux.Handle("GET /metrics", metrics.Handler())
}

// requireOperator gates a mutating handler behind the configured operator
// token. If no token was ever configured, the route is left open (matching
// the startup warning) so the demo works out of the box.
func requireOperator(creds *credstore.Store, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !creds.Configured() {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if err := creds.Verify(token); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type enqueueRequest struct {
	Workflow json.RawMessage `json:"workflow"`
	Options  pool.Options    `json:"options"`
}

func handleEnqueue(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		id, err := p.Enqueue([]byte(req.Workflow), req.Options)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
	}
}

func handleGetJob(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, ok := p.GetJob(r.PathValue("id"))
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleCancel(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !p.Cancel(r.PathValue("id")) {
			http.Error(w, "job not found or already finished", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleQueueStats(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.GetQueueStats())
	}
}

type fleetSessionView struct {
	ID string `json:"id"`
}

func handleFleet(manager *fleet.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := manager.List()
		views := make([]fleetSessionView, len(ids))
		for i, id := range ids {
			views[i] = fleetSessionView{ID: id}
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
