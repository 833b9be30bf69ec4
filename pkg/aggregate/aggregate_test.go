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

package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

func TestAggregator_QueryCountAndLatencySum(t *testing.T) {
	agg := New(logr.Discard(), 60, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	before := agg.Snapshot()
	now := time.Now()
	agg.Events() <- &wire.MetricEvent{
		EventType: wire.EventQueryExecution, PodName: "p", ReceivedAt: now,
		Query: &wire.Query{ExecutionMs: 42, Status: wire.StatusSuccess},
	}

	var after Snapshot
	assert.Eventually(t, func() bool {
		after = agg.Snapshot()
		return after.QueryCount == before.QueryCount+1
	}, time.Second, 10*time.Millisecond)

	assert.InDelta(t, 42, after.AvgLatencyMs*float64(after.QueryCount), 0.001)
}

func TestAggregator_ErrorRate(t *testing.T) {
	agg := New(logr.Discard(), 60, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	now := time.Now()
	agg.Events() <- &wire.MetricEvent{EventType: wire.EventQueryExecution, PodName: "p", ReceivedAt: now,
		Query: &wire.Query{ExecutionMs: 1, Status: wire.StatusSuccess}}
	agg.Events() <- &wire.MetricEvent{EventType: wire.EventQueryError, PodName: "p", ReceivedAt: now,
		Query: &wire.Query{ExecutionMs: 1, Status: wire.StatusError, ErrorKind: wire.ErrorKindOther}}

	var snap Snapshot
	assert.Eventually(t, func() bool {
		snap = agg.Snapshot()
		return snap.QueryCount == 2
	}, time.Second, 10*time.Millisecond)
	assert.InDelta(t, 0.5, snap.ErrorRate, 0.001)
}

func TestAggregator_DeadlockAlertTracked(t *testing.T) {
	agg := New(logr.Discard(), 60, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	agg.Derived() <- wire.DeadlockDetected{Participants: []string{"A", "B"}, Resources: []string{"users"}}

	assert.Eventually(t, func() bool {
		return len(agg.Snapshot().ActiveAlerts) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.InDelta(t, 5, percentile(sorted, 0.5), 1)
	assert.Equal(t, 10.0, percentile(sorted, 1.0))
	assert.Equal(t, 0.0, percentile(nil, 0.5))
}
