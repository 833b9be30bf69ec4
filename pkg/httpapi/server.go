// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi implements C8, the HTTP frontend (spec.md §4.8): it
// wires C4's ingest endpoint, C7's WebSocket hub, and C6's snapshot
// view behind one mux, with health/ready probes in the style of the
// teacher's cmd/frontend and cmd/fake-metric-service probe handlers.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/rs/cors"
)

// WSHandler is satisfied by *broadcast.Hub.ServeWS bound to a snapshot
// closure; kept as a function type so httpapi does not import broadcast
// and create a dependency cycle with C9's wiring of both.
type WSHandler func(w http.ResponseWriter, r *http.Request)

// Config wires the handlers this package composes into one mux.
type Config struct {
	Logger logr.Logger

	// IngestHandler serves POST /api/metrics (C4).
	IngestHandler http.Handler
	// WS serves GET /ws (C7).
	WS WSHandler
	// Snapshot produces the current aggregate view for GET /api/snapshot (C6).
	Snapshot func() interface{}
	// Ready reports whether the control plane has finished startup
	// (spec.md §4.8 GET /api/ready).
	Ready func() bool
	// StaticDir, if non-empty, is served at / (spec.md §4.8 "optional
	// static dashboard asset server").
	StaticDir string
	// AllowedOrigins configures CORS for the dashboard-facing endpoints
	// (spec.md §6 CORS_ALLOWED_ORIGINS).
	AllowedOrigins []string
}

// NewHandler builds the composed mux described in spec.md §4.8.
func NewHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/metrics", cfg.IngestHandler)
	mux.HandleFunc("/ws", cfg.WS)

	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil && !cfg.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Snapshot == nil {
			http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(cfg.Snapshot()); err != nil {
			cfg.Logger.Error(err, "encoding snapshot response")
		}
	})

	if cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	c := cors.New(cors.Options{
		AllowedOrigins: originsOrWildcard(cfg.AllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(mux)
}

func originsOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
