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

// Package aggregate implements C6, the rolling-window aggregator
// (spec.md §4.6): per-second buckets of QPS/latency/error-rate,
// per-pod and per-node breakdowns, and the most recent system gauge
// sample per pod. Exclusively owned by one worker goroutine, exactly
// as pkg/txn's Tracker owns its live map (spec.md §5).
package aggregate

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

const (
	reservoirCapacity = 512
	bucketGranularity = time.Second
)

// bucket is one 1-second slice of the rolling window (spec.md §3
// "RollingWindow").
type bucket struct {
	start        time.Time
	totalEvents  int
	queryCount   int
	errorCount   int
	sumExecMs    int64
	reservoir    []float64
	reservoirSeen int

	perPod  map[string]*breakdown
	perNode map[string]*breakdown
}

// breakdown carries the same counters as bucket, scoped to one pod or
// node (spec.md §4.6 "A per-pod and per-node sub-table with the same
// fields").
type breakdown struct {
	queryCount int
	errorCount int
	sumExecMs  int64
	reservoir  []float64
	reservoirSeen int
}

func newBucket(start time.Time) *bucket {
	return &bucket{start: start, perPod: map[string]*breakdown{}, perNode: map[string]*breakdown{}}
}

func (b *bucket) breakdownFor(m map[string]*breakdown, key string) *breakdown {
	bd, ok := m[key]
	if !ok {
		bd = &breakdown{}
		m[key] = bd
	}
	return bd
}

func sampleInto(reservoir *[]float64, seen *int, v float64) {
	*seen++
	if len(*reservoir) < reservoirCapacity {
		*reservoir = append(*reservoir, v)
		return
	}
	// Reservoir sampling keeps the estimate representative once the
	// bucket sees more than reservoirCapacity observations.
	j := rand.Intn(*seen)
	if j < reservoirCapacity {
		(*reservoir)[j] = v
	}
}

// Snapshot is the read-only view C7 broadcasts and C8 serves from
// /api/snapshot (spec.md §4.6 "Derived metrics").
type Snapshot struct {
	WindowSeconds int                  `json:"windowSeconds"`
	QPS           float64              `json:"qps"`
	AvgLatencyMs  float64              `json:"avgLatencyMs"`
	ErrorRate     float64              `json:"errorRate"`
	P50Ms         float64              `json:"p50Ms"`
	P95Ms         float64              `json:"p95Ms"`
	P99Ms         float64              `json:"p99Ms"`
	QueryCount    int                  `json:"queryCount"`
	ErrorCount    int                  `json:"errorCount"`
	PerPod        map[string]PodStats  `json:"perPod,omitempty"`
	PerNode       map[string]PodStats  `json:"perNode,omitempty"`
	IngestDropped uint64               `json:"ingestDropped"`
	ActiveAlerts  []Alert              `json:"activeAlerts,omitempty"`
}

// PodStats is the per-pod/per-node slice of a Snapshot.
type PodStats struct {
	QueryCount   int            `json:"queryCount"`
	ErrorCount   int            `json:"errorCount"`
	AvgLatencyMs float64        `json:"avgLatencyMs"`
	System       *wire.System   `json:"system,omitempty"`
}

// Alert is a still-open deadlock or long-running-transaction warning,
// retained so a newly-connected subscriber's snapshot frame carries
// the "current active alerts" set (spec.md §4.7).
type Alert struct {
	Kind       string    `json:"kind"`
	PodName    string    `json:"podName,omitempty"`
	Detail     interface{} `json:"detail"`
	ObservedAt time.Time `json:"observedAt"`
}

// Aggregator drains MetricEvents and derived txn events, maintaining
// the rolling window described in spec.md §3/§4.6.
type Aggregator struct {
	logger logr.Logger

	events  chan *wire.MetricEvent
	derived chan interface{}
	queries chan func()

	windowSeconds int

	buckets    []*bucket // ordered oldest-first
	systemByPod map[string]wire.System
	alerts      map[string]Alert // keyed by a stable alert identity

	ingestDropped func() uint64
}

// New builds an Aggregator over a windowSeconds-wide rolling window
// (default 60, spec.md §3 "RollingWindow"). ingestDropped, if non-nil,
// is sampled into each Snapshot so /api/snapshot exposes the
// IngestOverflow counter (spec.md §7).
func New(logger logr.Logger, windowSeconds int, bufferSize int, ingestDropped func() uint64) *Aggregator {
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &Aggregator{
		logger:        logger.WithValues("package", "aggregate"),
		events:        make(chan *wire.MetricEvent, bufferSize),
		derived:       make(chan interface{}, 1024),
		queries:       make(chan func()),
		windowSeconds: windowSeconds,
		systemByPod:   map[string]wire.System{},
		alerts:        map[string]Alert{},
		ingestDropped: ingestDropped,
	}
}

// Events returns the channel fed by C4 (typically a fan-out alongside
// pkg/txn.Tracker.Events()).
func (a *Aggregator) Events() chan<- *wire.MetricEvent { return a.events }

// Derived returns the channel fed by pkg/txn.Tracker.Derived(): deadlock
// and long-running alerts update the active-alert set,
// TransactionCompleted removes the alerts naming its transaction, and
// LongRunningTransaction samples are folded into the latency reservoir
// (spec.md §4.6 "synthetic observation").
func (a *Aggregator) Derived() chan<- interface{} { return a.derived }

// Run drains events until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(bucketGranularity)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.events:
			a.record(ev)
		case d := <-a.derived:
			a.recordDerived(d)
		case fn := <-a.queries:
			fn()
		case now := <-ticker.C:
			a.evict(now)
		}
	}
}

func (a *Aggregator) currentBucket(now time.Time) *bucket {
	start := now.Truncate(bucketGranularity)
	if n := len(a.buckets); n > 0 && a.buckets[n-1].start.Equal(start) {
		return a.buckets[n-1]
	}
	b := newBucket(start)
	a.buckets = append(a.buckets, b)
	return b
}

func (a *Aggregator) record(ev *wire.MetricEvent) {
	now := ev.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	b := a.currentBucket(now)
	b.totalEvents++

	if ev.System != nil {
		a.systemByPod[ev.PodName] = *ev.System
	}

	if ev.Query == nil {
		return
	}
	b.queryCount++
	b.sumExecMs += int64(ev.Query.ExecutionMs)
	sampleInto(&b.reservoir, &b.reservoirSeen, float64(ev.Query.ExecutionMs))
	if ev.Query.Status == wire.StatusError {
		b.errorCount++
	}

	podBD := b.breakdownFor(b.perPod, ev.PodName)
	podBD.queryCount++
	podBD.sumExecMs += int64(ev.Query.ExecutionMs)
	sampleInto(&podBD.reservoir, &podBD.reservoirSeen, float64(ev.Query.ExecutionMs))
	if ev.Query.Status == wire.StatusError {
		podBD.errorCount++
	}

	if ev.NodeName != "" {
		nodeBD := b.breakdownFor(b.perNode, ev.NodeName)
		nodeBD.queryCount++
		nodeBD.sumExecMs += int64(ev.Query.ExecutionMs)
		sampleInto(&nodeBD.reservoir, &nodeBD.reservoirSeen, float64(ev.Query.ExecutionMs))
		if ev.Query.Status == wire.StatusError {
			nodeBD.errorCount++
		}
	}
}

func (a *Aggregator) recordDerived(d interface{}) {
	now := time.Now()
	switch v := d.(type) {
	case wire.DeadlockDetected:
		key := "deadlock:" + joinParticipants(v.Participants)
		a.alerts[key] = Alert{Kind: "deadlock", Detail: v, ObservedAt: now}
	case wire.LongRunningTransaction:
		key := "long-running:" + v.PodName + ":" + v.ConnectionID + ":" + v.TransactionID
		a.alerts[key] = Alert{Kind: "longRunningTransaction", PodName: v.PodName, Detail: v, ObservedAt: now}
		// A still-active long-running transaction's running elapsed is
		// folded into the current tick's reservoir so percentiles stay
		// sensitive to in-flight outliers (spec.md §4.6).
		b := a.currentBucket(now)
		sampleInto(&b.reservoir, &b.reservoirSeen, float64(v.ElapsedMs))
	case wire.TransactionCompleted:
		key := "long-running:" + v.PodName + ":" + v.ConnectionID + ":" + v.TransactionID
		delete(a.alerts, key)
		// A deadlock is resolved once any of its participants completes.
		for k, alert := range a.alerts {
			dl, ok := alert.Detail.(wire.DeadlockDetected)
			if !ok {
				continue
			}
			for _, p := range dl.Participants {
				if p == v.TransactionID {
					delete(a.alerts, k)
					break
				}
			}
		}
	}
}

func joinParticipants(parts []string) string {
	sorted := append([]string(nil), parts...)
	sort.Strings(sorted)
	out := ""
	for i, p := range sorted {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// evict drops any bucket whose upper bound has slipped past
// now-windowSize (spec.md §3 "RollingWindow" invariant). Alerts are
// cleared by recordDerived, not here.
func (a *Aggregator) evict(now time.Time) {
	horizon := now.Add(-time.Duration(a.windowSeconds) * time.Second)
	i := 0
	for i < len(a.buckets) && a.buckets[i].start.Add(bucketGranularity).Before(horizon) {
		i++
	}
	if i > 0 {
		a.buckets = a.buckets[i:]
	}
}

// Snapshot computes the current derived metrics (spec.md §4.6), served
// by the broadcast tick and by /api/snapshot.
func (a *Aggregator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	a.queries <- func() { reply <- a.computeSnapshot() }
	return <-reply
}

func (a *Aggregator) computeSnapshot() Snapshot {
	var totalQuery, totalError int
	var sumExec int64
	var merged []float64
	perPod := map[string]*breakdown{}
	perNode := map[string]*breakdown{}

	for _, b := range a.buckets {
		totalQuery += b.queryCount
		totalError += b.errorCount
		sumExec += b.sumExecMs
		merged = append(merged, b.reservoir...)
		for pod, bd := range b.perPod {
			dst := perPod[pod]
			if dst == nil {
				dst = &breakdown{}
				perPod[pod] = dst
			}
			dst.queryCount += bd.queryCount
			dst.errorCount += bd.errorCount
			dst.sumExecMs += bd.sumExecMs
			dst.reservoir = append(dst.reservoir, bd.reservoir...)
		}
		for node, bd := range b.perNode {
			dst := perNode[node]
			if dst == nil {
				dst = &breakdown{}
				perNode[node] = dst
			}
			dst.queryCount += bd.queryCount
			dst.errorCount += bd.errorCount
			dst.sumExecMs += bd.sumExecMs
			dst.reservoir = append(dst.reservoir, bd.reservoir...)
		}
	}

	snap := Snapshot{
		WindowSeconds: a.windowSeconds,
		QPS:           float64(totalQuery) / float64(a.windowSeconds),
		QueryCount:    totalQuery,
		ErrorCount:    totalError,
	}
	if totalQuery > 0 {
		snap.AvgLatencyMs = float64(sumExec) / float64(totalQuery)
		snap.ErrorRate = float64(totalError) / float64(totalQuery)
	}
	sort.Float64s(merged)
	snap.P50Ms = percentile(merged, 0.50)
	snap.P95Ms = percentile(merged, 0.95)
	snap.P99Ms = percentile(merged, 0.99)

	if len(perPod) > 0 {
		snap.PerPod = map[string]PodStats{}
		for pod, bd := range perPod {
			sort.Float64s(bd.reservoir)
			stats := PodStats{QueryCount: bd.queryCount, ErrorCount: bd.errorCount}
			if bd.queryCount > 0 {
				stats.AvgLatencyMs = float64(bd.sumExecMs) / float64(bd.queryCount)
			}
			if sys, ok := a.systemByPod[pod]; ok {
				sysCopy := sys
				stats.System = &sysCopy
			}
			snap.PerPod[pod] = stats
		}
	}
	if len(perNode) > 0 {
		snap.PerNode = map[string]PodStats{}
		for node, bd := range perNode {
			stats := PodStats{QueryCount: bd.queryCount, ErrorCount: bd.errorCount}
			if bd.queryCount > 0 {
				stats.AvgLatencyMs = float64(bd.sumExecMs) / float64(bd.queryCount)
			}
			snap.PerNode[node] = stats
		}
	}

	if a.ingestDropped != nil {
		snap.IngestDropped = a.ingestDropped()
	}
	for _, alert := range a.alerts {
		snap.ActiveAlerts = append(snap.ActiveAlerts, alert)
	}
	return snap
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
