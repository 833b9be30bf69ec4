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

// Package txn implements C5, the transaction tracker: a single-writer
// state machine over per-connection transaction lifecycles, deadlock
// detection via a wait-for graph, and long-running/stale-transaction
// alerts (spec.md §4.5). Modeled on the teacher's workqueue/informer
// discipline in pkg/operator/operator.go — one channel, one draining
// goroutine, external callers never touch the live map directly.
package txn

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

const (
	querySampleCapacity    = 16
	deadlockSweepInterval  = 500 * time.Millisecond
	longRunningInterval    = 1 * time.Second
	longRunningAlertPeriod = 5 * time.Second
	staleAfter             = 10 * time.Minute
	staleSweepInterval     = 30 * time.Second
)

// Phase is the lifecycle stage of a TransactionState (spec.md §3).
type Phase string

const (
	PhaseActive     Phase = "Active"
	PhaseCommitting Phase = "Committing"
	PhaseRolledBack Phase = "RolledBack"
	PhaseCompleted  Phase = "Completed"
)

func (p Phase) terminal() bool {
	return p == PhaseRolledBack || p == PhaseCompleted
}

// TransactionState is C5's exclusively-owned per-connection record
// (spec.md §3). Snapshot returns copies; callers never get a
// pointer into the live map.
type TransactionState struct {
	PodName       string
	ConnectionID  string
	TransactionID string
	StartedAt     time.Time
	LastActivityAt time.Time
	QueryCount    int
	HeldResources []string
	WaitedResource string
	Phase         Phase
	QuerySamples  []wire.Query

	lastLongRunningAlertAt time.Time
}

func (s *TransactionState) key() connKey {
	return connKey{pod: s.PodName, conn: s.ConnectionID}
}

type connKey struct {
	pod  string
	conn string
}

// Tracker owns the live transaction index and wait-for graph. All
// mutation happens inside Run's single goroutine; Snapshot and
// LiveCount are the only cross-goroutine reads, each served by a
// round-trip through the same loop so there is never a second writer
// (spec.md §5 "Shared-resource policy").
type Tracker struct {
	logger  logr.Logger
	events  chan *wire.MetricEvent
	queries chan func()
	derived chan interface{}

	longRunningThreshold time.Duration

	live  map[connKey]*TransactionState
	graph map[string]*waitForGraph // per pod
	// txnIndex maps a bare transactionID to its connKey, so a Txn block
	// that omits ConnectionID (e.g. a deadlock event naming only
	// participant transaction IDs) can still be resolved.
	txnIndex map[string]connKey
	// alertedCycles tracks cycle signatures already reported, cleared
	// when any of its participants reach a terminal phase (spec.md
	// §4.5 "Deadlock detection" / §8 "no further ... until a new cycle
	// forms").
	alertedCycles map[string]struct{}
}

// Option configures a new Tracker.
type Option func(*Tracker)

// WithLogging attaches a logger.
func WithLogging(l logr.Logger) Option {
	return func(t *Tracker) { t.logger = l.WithValues("package", "txn") }
}

// WithLongRunningThreshold overrides the default 5s long-running
// transaction threshold (spec.md §4.5, ROLLING_WINDOW-adjacent
// LONG_TX_THRESHOLD_MS env var).
func WithLongRunningThreshold(d time.Duration) Option {
	return func(t *Tracker) { t.longRunningThreshold = d }
}

// New builds a Tracker. bufferSize sizes the ingest channel; callers
// typically feed it from C4's drop-oldest dispatcher rather than
// blocking on it directly.
func New(bufferSize int, opts ...Option) *Tracker {
	t := &Tracker{
		logger:               logr.Discard(),
		events:               make(chan *wire.MetricEvent, bufferSize),
		queries:               make(chan func()),
		derived:               make(chan interface{}, 1024),
		longRunningThreshold: 5 * time.Second,
		live:                 map[connKey]*TransactionState{},
		graph:                map[string]*waitForGraph{},
		txnIndex:             map[string]connKey{},
		alertedCycles:        map[string]struct{}{},
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Events returns the channel C4 pushes MetricEvents onto.
func (t *Tracker) Events() chan<- *wire.MetricEvent { return t.events }

// Derived returns the channel carrying TransactionCompleted,
// DeadlockDetected and LongRunningTransaction events for C6/C7 to
// consume.
func (t *Tracker) Derived() <-chan interface{} { return t.derived }

// Run drains events until ctx is cancelled. It is the single writer to
// every field above.
func (t *Tracker) Run(ctx context.Context) error {
	deadlockTicker := time.NewTicker(deadlockSweepInterval)
	defer deadlockTicker.Stop()
	longRunningTicker := time.NewTicker(longRunningInterval)
	defer longRunningTicker.Stop()
	staleTicker := time.NewTicker(staleSweepInterval)
	defer staleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			t.handle(ev)
		case fn := <-t.queries:
			fn()
		case <-deadlockTicker.C:
			t.sweepDeadlocks(time.Now())
		case <-longRunningTicker.C:
			t.sweepLongRunning(time.Now())
		case <-staleTicker.C:
			t.sweepStale(time.Now())
		}
	}
}

// Snapshot returns a point-in-time copy of every live TransactionState,
// computed inside the worker goroutine.
func (t *Tracker) Snapshot() []TransactionState {
	reply := make(chan []TransactionState, 1)
	t.queries <- func() {
		out := make([]TransactionState, 0, len(t.live))
		for _, s := range t.live {
			out = append(out, *s)
		}
		reply <- out
	}
	return <-reply
}

// LiveCount returns the number of currently-live transactions.
func (t *Tracker) LiveCount() int {
	reply := make(chan int, 1)
	t.queries <- func() { reply <- len(t.live) }
	return <-reply
}

func (t *Tracker) handle(ev *wire.MetricEvent) {
	switch ev.EventType {
	case wire.EventTransactionBegin:
		t.begin(ev)
	case wire.EventQueryExecution, wire.EventQueryError:
		t.query(ev)
	case wire.EventTransactionCommit:
		t.terminal(ev, PhaseCompleted)
		// The transaction has left the live index; its Txn block must not
		// re-create it below.
		return
	case wire.EventTransactionRollback:
		t.terminal(ev, PhaseRolledBack)
		return
	case wire.EventDeadlock:
		t.explicitDeadlock(ev)
	default:
		// tpsEvent, longRunningTransaction (pass-through from the
		// interceptor): not tracker state. C6 receives them directly
		// through C4's fan-out (spec.md §9 Open Question).
	}

	if ev.Txn != nil {
		t.applyResources(ev)
	}
}

func (t *Tracker) graphFor(pod string) *waitForGraph {
	g := t.graph[pod]
	if g == nil {
		g = newWaitForGraph()
		t.graph[pod] = g
	}
	return g
}

func (t *Tracker) begin(ev *wire.MetricEvent) {
	connID := ""
	txnID := ""
	if ev.Txn != nil {
		connID = ev.Txn.ConnectionID
		txnID = ev.Txn.TransactionID
	}
	key := connKey{pod: ev.PodName, conn: connID}

	if existing, ok := t.live[key]; ok && existing.TransactionID != txnID {
		// Colliding transactionId on the same connection: the prior
		// one is forcibly terminated with a warning (spec.md §4.5).
		t.completeLocked(existing, ev.ReceivedAt, "superseded by new transactionBegin on same connection")
	}

	state := &TransactionState{
		PodName:       ev.PodName,
		ConnectionID:  connID,
		TransactionID: txnID,
		StartedAt:     ev.ReceivedAt,
		LastActivityAt: ev.ReceivedAt,
		Phase:         PhaseActive,
	}
	t.live[key] = state
	if txnID != "" {
		t.txnIndex[txnID] = key
	}
}

// query records a queryExecution/queryError against its connection's
// transaction, and also handles the "first query after autocommit=false"
// path: a queryExecution may be the first sign of a transaction that
// never got an explicit transactionBegin (spec.md §4.5).
func (t *Tracker) query(ev *wire.MetricEvent) {
	connID := ""
	if ev.Query != nil {
		connID = ev.Query.ConnectionID
	} else if ev.Txn != nil {
		connID = ev.Txn.ConnectionID
	}
	key := connKey{pod: ev.PodName, conn: connID}

	state, ok := t.live[key]
	if !ok {
		txnID := ""
		if ev.Txn != nil {
			txnID = ev.Txn.TransactionID
		}
		state = &TransactionState{
			PodName:        ev.PodName,
			ConnectionID:   connID,
			TransactionID:  txnID,
			StartedAt:      ev.ReceivedAt,
			LastActivityAt: ev.ReceivedAt,
			Phase:          PhaseActive,
		}
		t.live[key] = state
		if txnID != "" {
			t.txnIndex[txnID] = key
		}
	}

	state.LastActivityAt = ev.ReceivedAt
	state.QueryCount++

	if ev.Query != nil {
		state.QuerySamples = append(state.QuerySamples, *ev.Query)
		if len(state.QuerySamples) > querySampleCapacity {
			state.QuerySamples = state.QuerySamples[len(state.QuerySamples)-querySampleCapacity:]
		}

		if table := writtenTable(ev.Query); table != "" {
			state.HeldResources = appendUnique(state.HeldResources, table)
			t.graphFor(state.PodName).addHeld(state.TransactionID, table)
		}

		if ev.Query.Status == wire.StatusError &&
			(ev.Query.ErrorKind == wire.ErrorKindLockTimeout || ev.Query.ErrorKind == wire.ErrorKindDeadlock) {
			// Run a deadlock check now rather than waiting for the next
			// 500ms sweep (spec.md §4.5). Resources carried in this
			// event's own Txn block are applied after this call and are
			// picked up by that sweep.
			t.sweepDeadlocks(time.Now())
		}
	}
}

// writtenTable reports the table a query should be considered to hold
// a lock on: an explicit SELECT ... FOR UPDATE, or any write statement
// against an identifiable table (spec.md §4.5).
func writtenTable(q *wire.Query) string {
	isWrite := q.SQLKind == wire.SQLInsert || q.SQLKind == wire.SQLUpdate || q.SQLKind == wire.SQLDelete || q.SQLKind == wire.SQLDdl
	isSelectForUpdate := q.SQLKind == wire.SQLSelect && containsForUpdate(q.SQLPattern)
	if !isWrite && !isSelectForUpdate {
		return ""
	}
	if len(q.Tables) == 0 {
		return ""
	}
	return q.Tables[0]
}

func containsForUpdate(pattern string) bool {
	lower := make([]byte, len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	return indexOf(string(lower), "for update") >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func appendUnique(set []string, v string) []string {
	for _, e := range set {
		if e == v {
			return set
		}
	}
	return append(set, v)
}

// applyResources merges a Txn block's ResourcesHeld/ResourcesWaited
// into live state and the wait-for graph, regardless of eventType
// (spec.md §4.5 "Lock request vs. lock acquired").
func (t *Tracker) applyResources(ev *wire.MetricEvent) {
	txnID := ev.Txn.TransactionID
	key, ok := t.txnIndex[txnID]
	if !ok {
		key = connKey{pod: ev.PodName, conn: ev.Txn.ConnectionID}
		if _, exists := t.live[key]; !exists {
			t.live[key] = &TransactionState{
				PodName:        ev.PodName,
				ConnectionID:   ev.Txn.ConnectionID,
				TransactionID:  txnID,
				StartedAt:      ev.ReceivedAt,
				LastActivityAt: ev.ReceivedAt,
				Phase:          PhaseActive,
			}
		}
		t.txnIndex[txnID] = key
	}
	state := t.live[key]
	if state == nil {
		return
	}
	state.LastActivityAt = ev.ReceivedAt

	g := t.graphFor(state.PodName)
	for _, r := range ev.Txn.ResourcesHeld {
		state.HeldResources = appendUnique(state.HeldResources, r)
		g.addHeld(txnID, r)
	}
	for _, r := range ev.Txn.ResourcesWaited {
		state.WaitedResource = r
		g.addWait(txnID, r)
	}
}

func (t *Tracker) terminal(ev *wire.MetricEvent, phase Phase) {
	connID := ""
	if ev.Txn != nil {
		connID = ev.Txn.ConnectionID
	}
	key := connKey{pod: ev.PodName, conn: connID}
	state, ok := t.live[key]
	if !ok {
		return
	}
	t.completeLocked(state, ev.ReceivedAt, "")
	state.Phase = phase
}

// completeLocked finalizes state: emits TransactionCompleted, drops it
// from the live index, and prunes the wait-for graph (spec.md §4.5,
// §3 "WaitForGraph" invariant).
func (t *Tracker) completeLocked(state *TransactionState, completedAt time.Time, warning string) {
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	state.Phase = PhaseCompleted

	t.derived <- wire.TransactionCompleted{
		PodName:       state.PodName,
		ConnectionID:  state.ConnectionID,
		TransactionID: state.TransactionID,
		QueryCount:    state.QueryCount,
		ElapsedMs:     completedAt.Sub(state.StartedAt).Milliseconds(),
		StartedAt:     state.StartedAt,
		CompletedAt:   completedAt,
		Warning:       warning,
	}

	delete(t.live, state.key())
	delete(t.txnIndex, state.TransactionID)
	t.graphFor(state.PodName).removeNode(state.TransactionID)
	t.clearAlertsFor(state.TransactionID)
}

// clearAlertsFor drops any alerted-cycle signature mentioning txnID so
// a fresh cycle involving the remaining participants can re-alert
// (spec.md §8).
func (t *Tracker) clearAlertsFor(txnID string) {
	for sig := range t.alertedCycles {
		for _, part := range splitSig(sig) {
			if part == txnID {
				delete(t.alertedCycles, sig)
				break
			}
		}
	}
}

func splitSig(sig string) []string {
	var out []string
	start := 0
	for i := 0; i < len(sig); i++ {
		if sig[i] == 0 {
			out = append(out, sig[start:i])
			start = i + 1
		}
	}
	out = append(out, sig[start:])
	return out
}

// explicitDeadlock relays an authoritative DB-emitted deadlock event
// verbatim: it is always emitted upstream and takes precedence over
// the periodic sweep (spec.md §4.5).
func (t *Tracker) explicitDeadlock(ev *wire.MetricEvent) {
	var participants []string
	if ev.Txn != nil {
		if ev.Txn.TransactionID != "" {
			participants = append(participants, ev.Txn.TransactionID)
		}
		participants = append(participants, ev.Txn.ParticipantConnectionIDs...)
	}
	resources := []string{}
	if ev.Query != nil {
		resources = ev.Query.Tables
	}
	t.derived <- wire.DeadlockDetected{
		Participants: participants,
		Resources:    resources,
		DetectedAt:   ev.ReceivedAt,
	}
}

func (t *Tracker) sweepDeadlocks(now time.Time) {
	pods := make([]string, 0, len(t.graph))
	for pod := range t.graph {
		pods = append(pods, pod)
	}
	sort.Strings(pods)

	for _, pod := range pods {
		for _, c := range t.graphFor(pod).findCycles() {
			key := sortedJoin(sortedCopy(c.Participants))
			if _, already := t.alertedCycles[key]; already {
				continue
			}
			t.alertedCycles[key] = struct{}{}
			t.derived <- wire.DeadlockDetected{
				Participants: c.Participants,
				Resources:    c.Resources,
				DetectedAt:   now,
			}
		}
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func (t *Tracker) sweepLongRunning(now time.Time) {
	for _, state := range t.live {
		if state.Phase != PhaseActive {
			continue
		}
		if now.Sub(state.StartedAt) <= t.longRunningThreshold {
			continue
		}
		if !state.lastLongRunningAlertAt.IsZero() && now.Sub(state.lastLongRunningAlertAt) < longRunningAlertPeriod {
			continue
		}
		state.lastLongRunningAlertAt = now

		var last *wire.Query
		if n := len(state.QuerySamples); n > 0 {
			sample := state.QuerySamples[n-1]
			last = &sample
		}
		t.derived <- wire.LongRunningTransaction{
			PodName:       state.PodName,
			ConnectionID:  state.ConnectionID,
			TransactionID: state.TransactionID,
			ElapsedMs:     now.Sub(state.StartedAt).Milliseconds(),
			QueryCount:    state.QueryCount,
			LastSample:    last,
			ObservedAt:    now,
		}
	}
}

// sweepStale forcibly completes any transaction whose connection has
// gone silent for 10 minutes, protecting against senders that never
// emit a terminal event (spec.md §4.5 "Staleness cleanup").
func (t *Tracker) sweepStale(now time.Time) {
	var stale []*TransactionState
	for _, state := range t.live {
		if now.Sub(state.LastActivityAt) > staleAfter {
			stale = append(stale, state)
		}
	}
	for _, state := range stale {
		t.completeLocked(state, now, "forced completion: no activity for 10 minutes")
	}
}
