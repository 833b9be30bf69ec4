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

// Command control-plane runs C4 through C9: metric ingest, the
// transaction tracker, the rolling-window aggregator, the live
// broadcast hub, and the HTTP frontend that fronts them all, wired
// together and supervised by an oklog/run.Group (spec.md §4.4-§4.9).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubedb-monitor/control-plane/pkg/aggregate"
	"github.com/kubedb-monitor/control-plane/pkg/broadcast"
	"github.com/kubedb-monitor/control-plane/pkg/config"
	"github.com/kubedb-monitor/control-plane/pkg/httpapi"
	"github.com/kubedb-monitor/control-plane/pkg/ingest"
	"github.com/kubedb-monitor/control-plane/pkg/supervisor"
	"github.com/kubedb-monitor/control-plane/pkg/txn"
	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

func main() {
	a := kingpin.New("control-plane", "kubedb-monitor telemetry control plane")
	a.HelpFlag.Short('h')
	cfg := config.RegisterControlPlaneFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "parsing flags: %s\n", err)
		os.Exit(supervisor.ExitConfigError)
	}

	logger := setupLogger(cfg.LogLevel)
	zapLogger, _ := zap.NewProduction()
	logrLogger := zapr.NewLogger(zapLogger)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	ingestMetrics := ingest.NewMetrics(metrics)
	broadcastMetrics := broadcast.NewMetrics(metrics)

	tracker := txn.New(cfg.IngestBufferSize,
		txn.WithLogging(logrLogger),
		txn.WithLongRunningThreshold(time.Duration(cfg.LongTxThresholdMs)*time.Millisecond),
	)
	hub := broadcast.New(logrLogger, broadcastMetrics, cfg.SubscriberQueueSize)

	// endpoint is assigned below; agg only calls ingestDropped after
	// startup, once endpoint is live, so the closure over the variable is
	// safe despite the construction order (agg.New needs a dropped-count
	// accessor, endpoint.New needs agg's event channel).
	var endpoint *ingest.Endpoint
	agg := aggregate.New(logrLogger, cfg.RollingWindowSeconds, cfg.IngestBufferSize, func() uint64 {
		return endpoint.Dropped()
	})
	// C4 fans each accepted event out to both C5 (transaction lifecycle)
	// and C6 (rolling-window aggregates), per spec.md §2's dataflow
	// "Interceptor → C4 → C5/C6 → C7".
	endpoint = ingest.New(logrLogger, cfg.IngestBufferSize, ingestMetrics, tracker.Events(), agg.Events())

	var ready atomic.Bool

	handler := httpapi.NewHandler(httpapi.Config{
		Logger:        logrLogger,
		IngestHandler: endpoint,
		WS: func(w http.ResponseWriter, r *http.Request) {
			hub.ServeWS(w, r, func() interface{} { return agg.Snapshot() })
		},
		Snapshot:       func() interface{} { return agg.Snapshot() },
		Ready:          ready.Load,
		StaticDir:      cfg.StaticDir,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	grp := supervisor.New(logger)

	// Metrics server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		grp.Add(func() error {
			return metricsServer.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = metricsServer.Shutdown(ctx)
		})
	}

	// Transaction tracker.
	{
		ctx, cancel := context.WithCancel(context.Background())
		grp.Add(func() error {
			return tracker.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Aggregator.
	{
		ctx, cancel := context.WithCancel(context.Background())
		grp.Add(func() error {
			return agg.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Fan-out of C5's derived events to C6 (aggregate) and C7 (broadcast).
	{
		stop := make(chan struct{})
		grp.Add(func() error {
			fanOutDerived(tracker.Derived(), agg, hub, stop)
			return nil
		}, func(error) {
			close(stop)
		})
	}

	// Aggregator broadcast tick: rebroadcasts the recomputed snapshot as a
	// delta frame once per second so a subscriber's live QPS/latency/
	// error-rate view keeps moving between deadlock/long-running alerts
	// (spec.md §4.6 "recomputed each broadcast tick, default 1 s",
	// §4.7(2) "on each subsequent event or aggregator tick, a delta frame").
	{
		ctx, cancel := context.WithCancel(context.Background())
		grp.Add(func() error {
			broadcastTick(ctx, agg, hub)
			return nil
		}, func(error) {
			cancel()
		})
	}

	// HTTP frontend.
	{
		httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: handler}
		grp.Add(func() error {
			ready.Store(true)
			return httpServer.ListenAndServe()
		}, func(error) {
			// Stop accepting new ingest/WS requests first, then drain the
			// ingest queue for up to 15s, then farewell subscribers
			// (spec.md §4.9 "stop accepting new ... drain ... broadcast a
			// farewell frame").
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			supervisor.Drain(endpoint.Empty)
			hub.Shutdown()
		})
	}

	if err := grp.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(supervisor.ExitListenerBind)
	}
}

// broadcastTickInterval is the default aggregator broadcast cadence
// (spec.md §4.6 "recomputed each broadcast tick, default 1 s").
const broadcastTickInterval = time.Second

// broadcastTick rebroadcasts agg's current snapshot as a delta frame to
// every subscriber once per broadcastTickInterval, until ctx is
// cancelled (spec.md §4.7(2) "on each subsequent event or aggregator
// tick, a delta frame").
func broadcastTick(ctx context.Context, agg *aggregate.Aggregator, hub *broadcast.Hub) {
	ticker := time.NewTicker(broadcastTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Broadcast(wire.FrameDelta, agg.Snapshot())
		}
	}
}

// fanOutDerived relays every value off derived to both agg and hub
// until stop closes, implementing the dataflow spec.md §2 draws as
// `C5 -> C6, C7`.
func fanOutDerived(derived <-chan interface{}, agg *aggregate.Aggregator, hub *broadcast.Hub, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case d := <-derived:
			agg.Derived() <- d
			broadcastDerived(hub, d)
		}
	}
}

// broadcastDerived relays deadlock/long-running/completion alerts to
// live subscribers as delta frames (spec.md §4.7).
func broadcastDerived(hub *broadcast.Hub, d interface{}) {
	switch d.(type) {
	case wire.DeadlockDetected, wire.LongRunningTransaction, wire.TransactionCompleted:
		hub.Broadcast(wire.FrameDelta, d)
	}
}

func setupLogger(lvl string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	switch strings.ToLower(lvl) {
	case "debug":
		logger = level.NewFilter(logger, level.AllowDebug())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger
}
