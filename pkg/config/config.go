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

// Package config centralizes the environment/flag surface shared by
// cmd/admission-controller and cmd/control-plane (spec.md §6), in the
// same kingpin.Application style the teacher's cmd/rule-evaluator uses
// for its flag set.
package config

import (
	"strings"

	"github.com/alecthomas/kingpin/v2"
)

// AdmissionConfig is cmd/admission-controller's flag/env surface
// (spec.md §6).
type AdmissionConfig struct {
	ListenAddress  string
	MetricsAddress string
	TLSCertPath    string
	TLSKeyPath     string
	AgentImage     string
	LogLevel       string
	Namespace      string
	ServiceName    string
}

// RegisterAdmissionFlags binds AdmissionConfig fields onto a.
func RegisterAdmissionFlags(a *kingpin.Application) *AdmissionConfig {
	cfg := &AdmissionConfig{}
	a.Flag("listen-address", "Address the admission webhook HTTPS server binds (ADMISSION_LISTEN).").
		Default(":8443").Envar("ADMISSION_LISTEN").StringVar(&cfg.ListenAddress)
	a.Flag("metrics-address", "Address the Prometheus metrics server binds.").
		Default(":9090").Envar("ADMISSION_METRICS_LISTEN").StringVar(&cfg.MetricsAddress)
	a.Flag("tls-cert-path", "Path to the webhook serving certificate (TLS_CERT_PATH).").
		Envar("TLS_CERT_PATH").StringVar(&cfg.TLSCertPath)
	a.Flag("tls-key-path", "Path to the webhook serving key (TLS_KEY_PATH).").
		Envar("TLS_KEY_PATH").StringVar(&cfg.TLSKeyPath)
	a.Flag("agent-image", "Container image for the injected monitoring agent (AGENT_IMAGE).").
		Envar("AGENT_IMAGE").Required().StringVar(&cfg.AgentImage)
	a.Flag("log.level", "Logging verbosity: debug, info, warn, error (LOG_LEVEL).").
		Default("info").Envar("LOG_LEVEL").EnumVar(&cfg.LogLevel, "debug", "info", "warn", "error")
	a.Flag("namespace", "Namespace the admission controller runs in, used to locate its own Service.").
		Default("kubedb-monitor").Envar("POD_NAMESPACE").StringVar(&cfg.Namespace)
	a.Flag("service-name", "Service name fronting the admission webhook, used in the CSR's SAN.").
		Default("kubedb-monitor-admission").Envar("ADMISSION_SERVICE_NAME").StringVar(&cfg.ServiceName)
	return cfg
}

// ControlPlaneConfig is cmd/control-plane's flag/env surface (spec.md §6).
type ControlPlaneConfig struct {
	ListenAddress        string
	MetricsAddress       string
	LogLevel             string
	RollingWindowSeconds int
	LongTxThresholdMs    int64
	IngestBufferSize     int
	SubscriberQueueSize  int
	StaticDir            string
	CORSAllowedOrigins   []string
}

// RegisterControlPlaneFlags binds ControlPlaneConfig fields onto a.
func RegisterControlPlaneFlags(a *kingpin.Application) *ControlPlaneConfig {
	cfg := &ControlPlaneConfig{}
	var origins string

	a.Flag("listen-address", "Address the HTTP frontend binds (CONTROL_PLANE_LISTEN).").
		Default(":8080").Envar("CONTROL_PLANE_LISTEN").StringVar(&cfg.ListenAddress)
	a.Flag("metrics-address", "Address the Prometheus metrics server binds.").
		Default(":9090").Envar("CONTROL_PLANE_METRICS_LISTEN").StringVar(&cfg.MetricsAddress)
	a.Flag("log.level", "Logging verbosity: debug, info, warn, error (LOG_LEVEL).").
		Default("info").Envar("LOG_LEVEL").EnumVar(&cfg.LogLevel, "debug", "info", "warn", "error")
	a.Flag("rolling-window-seconds", "Width of the rolling aggregation window (ROLLING_WINDOW_SECONDS).").
		Default("60").Envar("ROLLING_WINDOW_SECONDS").IntVar(&cfg.RollingWindowSeconds)
	a.Flag("long-tx-threshold-ms", "Elapsed time after which an active transaction is considered long-running (LONG_TX_THRESHOLD_MS).").
		Default("5000").Envar("LONG_TX_THRESHOLD_MS").Int64Var(&cfg.LongTxThresholdMs)
	a.Flag("ingest-buffer-size", "Depth of the drop-oldest ingest queue (INGEST_BUFFER_SIZE).").
		Default("16384").Envar("INGEST_BUFFER_SIZE").IntVar(&cfg.IngestBufferSize)
	a.Flag("subscriber-queue-size", "Depth of each WebSocket subscriber's outbound queue (SUBSCRIBER_QUEUE_SIZE).").
		Default("256").Envar("SUBSCRIBER_QUEUE_SIZE").IntVar(&cfg.SubscriberQueueSize)
	a.Flag("static-dir", "Optional directory of dashboard static assets to serve at /.").
		Envar("STATIC_DIR").StringVar(&cfg.StaticDir)
	a.Flag("cors-allowed-origins", "Comma-separated list of allowed CORS origins (CORS_ALLOWED_ORIGINS).").
		Envar("CORS_ALLOWED_ORIGINS").StringVar(&origins)

	a.Action(func(*kingpin.ParseContext) error {
		if origins != "" {
			cfg.CORSAllowedOrigins = splitAndTrim(origins)
		}
		return nil
	})
	return cfg
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
