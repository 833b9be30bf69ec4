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

package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

func newEndpoint(t *testing.T, bufferSize int) (*Endpoint, chan *wire.MetricEvent) {
	t.Helper()
	out := make(chan *wire.MetricEvent, bufferSize)
	reg := prometheus.NewRegistry()
	return New(logr.Discard(), bufferSize, NewMetrics(reg), out), out
}

func TestServeHTTP_SingleObjectAccepted(t *testing.T) {
	e, out := newEndpoint(t, 8)
	ev := wire.MetricEvent{EventType: wire.EventQueryExecution, Timestamp: time.Now(), PodName: "p"}
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case got := <-out:
		assert.Equal(t, "p", got.PodName)
		assert.False(t, got.ReceivedAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never reached downstream channel")
	}
}

func TestServeHTTP_ArrayAccepted(t *testing.T) {
	e, out := newEndpoint(t, 8)
	events := []wire.MetricEvent{
		{EventType: wire.EventQueryExecution, Timestamp: time.Now(), PodName: "p1"},
		{EventType: wire.EventQueryExecution, Timestamp: time.Now(), PodName: "p2"},
	}
	body, err := json.Marshal(events)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	for i := 0; i < 2; i++ {
		select {
		case <-out:
		case <-time.After(time.Second):
			t.Fatal("expected two events downstream")
		}
	}
}

func TestServeHTTP_MalformedJSONReturns400(t *testing.T) {
	e, _ := newEndpoint(t, 8)
	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeHTTP_BadItemSkippedButBatchAccepted(t *testing.T) {
	e, out := newEndpoint(t, 8)
	events := []map[string]interface{}{
		{"eventType": "queryExecution", "timestamp": time.Now(), "podName": "ok"},
		{"eventType": "", "timestamp": time.Now(), "podName": "bad"},
	}
	body, err := json.Marshal(events)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, 1, resp.Errors[0].Index)

	select {
	case got := <-out:
		assert.Equal(t, "ok", got.PodName)
	case <-time.After(time.Second):
		t.Fatal("valid event never reached downstream channel")
	}
}

func TestPush_DropsOldestWhenFull(t *testing.T) {
	e, _ := newEndpoint(t, 1)
	// Nobody reads the downstream channel, so at most three events are in
	// flight: one in it, one held by a blocked forward(), one in the
	// queue. A fourth push must drop the oldest queued event, not block.
	e.push(&wire.MetricEvent{PodName: "first"})
	e.push(&wire.MetricEvent{PodName: "second"})
	e.push(&wire.MetricEvent{PodName: "third"})
	e.push(&wire.MetricEvent{PodName: "fourth"})
	assert.GreaterOrEqual(t, e.Dropped(), uint64(1))
}

func TestServeHTTP_FansOutToEveryDownstreamChannel(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := make(chan *wire.MetricEvent, 4)
	second := make(chan *wire.MetricEvent, 4)
	e := New(logr.Discard(), 8, NewMetrics(reg), first, second)

	ev := wire.MetricEvent{EventType: wire.EventQueryExecution, Timestamp: time.Now(), PodName: "p"}
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/metrics", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	for _, ch := range []chan *wire.MetricEvent{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, "p", got.PodName)
		case <-time.After(time.Second):
			t.Fatal("event never reached every downstream channel")
		}
	}
}

func TestEmpty_ReflectsQueueDepth(t *testing.T) {
	e, out := newEndpoint(t, 4)
	assert.True(t, e.Empty())
	assert.Equal(t, 0, e.Len())

	e.push(&wire.MetricEvent{PodName: "p"})
	require.Eventually(t, func() bool { return e.Len() == 0 }, time.Second, time.Millisecond, "forward should drain the queue")
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("pushed event never reached downstream channel")
	}
	assert.True(t, e.Empty())
}
