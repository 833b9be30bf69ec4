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

package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

func send(t *testing.T, tr *Tracker, ev *wire.MetricEvent) {
	t.Helper()
	select {
	case tr.Events() <- ev:
	case <-time.After(time.Second):
		t.Fatal("tracker did not accept event")
	}
}

func drainUntil(t *testing.T, tr *Tracker, want func(interface{}) bool, timeout time.Duration) interface{} {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case d := <-tr.Derived():
			if want(d) {
				return d
			}
		case <-deadline:
			t.Fatal("timed out waiting for derived event")
		}
	}
}

func TestTracker_TransactionLifecycle(t *testing.T) {
	tr := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	t0 := time.Now()
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventTransactionBegin, PodName: "p", ReceivedAt: t0,
		Txn: &wire.Txn{TransactionID: "T", ConnectionID: "C"},
	})
	for _, ms := range []uint32{5, 7, 9} {
		send(t, tr, &wire.MetricEvent{
			EventType: wire.EventQueryExecution, PodName: "p", ReceivedAt: t0,
			Query: &wire.Query{ConnectionID: "C", ExecutionMs: ms, Status: wire.StatusSuccess},
		})
	}
	tCommit := t0.Add(50 * time.Millisecond)
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventTransactionCommit, PodName: "p", ReceivedAt: tCommit,
		Txn: &wire.Txn{TransactionID: "T", ConnectionID: "C"},
	})

	evt := drainUntil(t, tr, func(d interface{}) bool {
		_, ok := d.(wire.TransactionCompleted)
		return ok
	}, 2*time.Second)

	completed := evt.(wire.TransactionCompleted)
	assert.Equal(t, 3, completed.QueryCount)
	assert.Equal(t, "T", completed.TransactionID)

	assert.Equal(t, 0, tr.LiveCount())
}

func TestTracker_DeadlockDetection(t *testing.T) {
	tr := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	now := time.Now()
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventTransactionBegin, PodName: "p", ReceivedAt: now,
		Txn: &wire.Txn{TransactionID: "A", ConnectionID: "ca"},
	})
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventTransactionBegin, PodName: "p", ReceivedAt: now,
		Txn: &wire.Txn{TransactionID: "B", ConnectionID: "cb"},
	})
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventQueryExecution, PodName: "p", ReceivedAt: now,
		Txn: &wire.Txn{TransactionID: "A", ConnectionID: "ca", ResourcesHeld: []string{"users"}},
	})
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventQueryExecution, PodName: "p", ReceivedAt: now,
		Txn: &wire.Txn{TransactionID: "B", ConnectionID: "cb", ResourcesHeld: []string{"orders"}},
	})
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventQueryExecution, PodName: "p", ReceivedAt: now,
		Txn: &wire.Txn{TransactionID: "A", ConnectionID: "ca", ResourcesWaited: []string{"orders"}},
	})
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventQueryExecution, PodName: "p", ReceivedAt: now,
		Txn: &wire.Txn{TransactionID: "B", ConnectionID: "cb", ResourcesWaited: []string{"users"}},
	})

	evt := drainUntil(t, tr, func(d interface{}) bool {
		_, ok := d.(wire.DeadlockDetected)
		return ok
	}, 2*time.Second)

	dl := evt.(wire.DeadlockDetected)
	assert.ElementsMatch(t, []string{"A", "B"}, dl.Participants)
	assert.ElementsMatch(t, []string{"orders", "users"}, dl.Resources)
}

func TestTracker_LongRunningAlertOncePerPeriod(t *testing.T) {
	tr := New(16, WithLongRunningThreshold(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventTransactionBegin, PodName: "p", ReceivedAt: time.Now(),
		Txn: &wire.Txn{TransactionID: "T", ConnectionID: "c"},
	})

	evt := drainUntil(t, tr, func(d interface{}) bool {
		_, ok := d.(wire.LongRunningTransaction)
		return ok
	}, 2*time.Second)
	require.IsType(t, wire.LongRunningTransaction{}, evt)

	select {
	case d := <-tr.Derived():
		if _, ok := d.(wire.LongRunningTransaction); ok {
			t.Fatal("second long-running alert arrived before the 5s suppression window elapsed")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTracker_ColliddingTransactionIDForceCompletesPrior(t *testing.T) {
	tr := New(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	now := time.Now()
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventTransactionBegin, PodName: "p", ReceivedAt: now,
		Txn: &wire.Txn{TransactionID: "T1", ConnectionID: "c"},
	})
	send(t, tr, &wire.MetricEvent{
		EventType: wire.EventTransactionBegin, PodName: "p", ReceivedAt: now.Add(time.Millisecond),
		Txn: &wire.Txn{TransactionID: "T2", ConnectionID: "c"},
	})

	evt := drainUntil(t, tr, func(d interface{}) bool {
		c, ok := d.(wire.TransactionCompleted)
		return ok && c.TransactionID == "T1"
	}, 2*time.Second)
	completed := evt.(wire.TransactionCompleted)
	assert.NotEmpty(t, completed.Warning)
	assert.Equal(t, 1, tr.LiveCount())
}
