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

// Package ingest implements C4, the metric ingest HTTP endpoint
// (spec.md §4.4): it decodes one MetricEvent or a JSON array of them,
// validates each, and pushes accepted events onto a bounded channel
// under a drop-oldest backpressure policy (spec.md §5 "Ingest handlers
// never block on shared state").
package ingest

import (
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

// maxBodyBytes bounds a single ingest request body. The wire format is
// small per-event JSON; this is generous headroom for large batches.
const maxBodyBytes = 8 << 20 // 8 MiB

// ItemError reports a single bad event within an otherwise-accepted
// batch (spec.md §6 "partial-batch errors are enumerated...but do not
// change the status code").
type ItemError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// response is the JSON body of a 202 reply; a request rejected outright
// gets a plain-text error instead.
type response struct {
	Status  string      `json:"status"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// Endpoint serves POST /api/metrics. It owns no mutable transaction or
// aggregate state itself — just the bounded drop-oldest queue and its
// counters — so it can be safely exercised by many concurrent
// goroutines.
type Endpoint struct {
	logger logr.Logger
	queue  chan *wire.MetricEvent

	accepted prometheus.Counter
	dropped  prometheus.Counter
	rejected prometheus.Counter
	skipped  prometheus.Counter

	droppedTotal uint64
}

// Metrics are the counters C9's registry exposes for C4 (spec.md §4.10).
type Metrics struct {
	Accepted prometheus.Counter
	Dropped  prometheus.Counter
	Rejected prometheus.Counter
	Skipped  prometheus.Counter
}

// NewMetrics builds the counter set and registers it.
func NewMetrics(reg prometheus.Registerer) Metrics {
	m := Metrics{
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubedb_monitor_ingest_events_accepted_total",
			Help: "Metric events accepted onto the ingest queue.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubedb_monitor_ingest_events_dropped_total",
			Help: "Metric events dropped because the ingest queue was full (spec.md IngestOverflow).",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubedb_monitor_ingest_requests_rejected_total",
			Help: "Ingest requests rejected for malformed envelopes (400).",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubedb_monitor_ingest_events_skipped_total",
			Help: "Individual events within an otherwise-valid batch skipped for failing validation.",
		}),
	}
	reg.MustRegister(m.Accepted, m.Dropped, m.Rejected, m.Skipped)
	return m
}

// New builds an Endpoint whose queue has the given capacity (spec.md §6
// INGEST_BUFFER_SIZE, default 16k) and whose accepted events are
// forwarded onto every channel in outs (spec.md §2's dataflow fans one
// ingested event out to both C5, the transaction tracker, and C6, the
// aggregator: "Interceptor → C4 → C5/C6 → C7").
func New(logger logr.Logger, bufferSize int, metrics Metrics, outs ...chan<- *wire.MetricEvent) *Endpoint {
	e := &Endpoint{
		logger:   logger.WithValues("package", "ingest"),
		queue:    make(chan *wire.MetricEvent, bufferSize),
		accepted: metrics.Accepted,
		dropped:  metrics.Dropped,
		rejected: metrics.Rejected,
		skipped:  metrics.Skipped,
	}
	go e.forward(outs)
	return e
}

// forward drains the internal queue onto every out channel. It exists
// so the HTTP handler's push (below) never blocks on a downstream
// consumer that is itself momentarily busy; the drop-oldest policy is
// enforced at push time, not here.
func (e *Endpoint) forward(outs []chan<- *wire.MetricEvent) {
	for ev := range e.queue {
		for _, out := range outs {
			out <- ev
		}
	}
}

// Len reports the number of events currently queued but not yet
// forwarded, used by C9's graceful-shutdown drain (spec.md §4.9).
func (e *Endpoint) Len() int {
	return len(e.queue)
}

// Empty reports whether the ingest queue has fully drained, the
// predicate supervisor.Drain polls during graceful shutdown (spec.md §9
// "drain the metric ingest channel for up to 15 s").
func (e *Endpoint) Empty() bool {
	return e.Len() == 0
}

// ServeHTTP implements POST /api/metrics (spec.md §4.4/§6).
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		e.rejected.Inc()
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	events, err := decodeBatch(body)
	if err != nil {
		e.rejected.Inc()
		http.Error(w, "malformed metric envelope: "+err.Error(), http.StatusBadRequest)
		return
	}

	receivedAt := time.Now().UTC()
	var itemErrors []ItemError
	for i, ev := range events {
		if verr := ev.Validate(); verr != nil {
			itemErrors = append(itemErrors, ItemError{Index: i, Reason: verr.Error()})
			e.skipped.Inc()
			continue
		}
		ev.ReceivedAt = receivedAt
		e.push(ev)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(response{Status: "accepted", Errors: itemErrors})
}

// push enqueues ev, dropping the oldest queued event rather than
// blocking when the queue is full (spec.md §4.4 "Backpressure policy").
func (e *Endpoint) push(ev *wire.MetricEvent) {
	select {
	case e.queue <- ev:
		e.accepted.Inc()
		return
	default:
	}

	select {
	case <-e.queue:
		e.dropped.Inc()
		atomic.AddUint64(&e.droppedTotal, 1)
	default:
	}
	select {
	case e.queue <- ev:
		e.accepted.Inc()
	default:
		e.dropped.Inc()
		atomic.AddUint64(&e.droppedTotal, 1)
	}
}

// Dropped reports the cumulative count of events dropped by the
// drop-oldest backpressure policy, sampled into C6's snapshot as
// IngestOverflow (spec.md §7).
func (e *Endpoint) Dropped() uint64 {
	return atomic.LoadUint64(&e.droppedTotal)
}

// decodeBatch accepts either a single MetricEvent JSON object or a JSON
// array of them (spec.md §6).
func decodeBatch(body []byte) ([]*wire.MetricEvent, error) {
	trimmed := trimLeadingSpace(body)
	if len(trimmed) == 0 {
		return nil, errEmptyBody{}
	}
	if trimmed[0] == '[' {
		var events []*wire.MetricEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	var single wire.MetricEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []*wire.MetricEvent{&single}, nil
}

type errEmptyBody struct{}

func (errEmptyBody) Error() string { return "empty request body" }

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
