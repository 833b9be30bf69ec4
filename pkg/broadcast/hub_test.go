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

package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

func newHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	hub := New(logr.Discard(), NewMetrics(reg), QueueCapacity)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, func() interface{} { return "snapshot-payload" })
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHub_SnapshotOnConnect(t *testing.T) {
	hub, srv := newHub(t)
	conn := dial(t, srv)
	defer conn.Close()

	var frame wire.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, wire.FrameSnapshot, frame.Type)
	assert.Equal(t, "snapshot-payload", frame.Payload)

	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHub_BroadcastDeliversDelta(t *testing.T) {
	hub, srv := newHub(t)
	conn := dial(t, srv)
	defer conn.Close()

	var snapshot wire.Frame
	require.NoError(t, conn.ReadJSON(&snapshot))

	hub.Broadcast(wire.FrameDelta, map[string]int{"qps": 10})

	var delta wire.Frame
	require.NoError(t, conn.ReadJSON(&delta))
	assert.Equal(t, wire.FrameDelta, delta.Type)
}

func TestHub_DisconnectRemovesSubscriber(t *testing.T) {
	hub, srv := newHub(t)
	conn := dial(t, srv)

	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_QueueOverflowDropsOldestAndMarksResync(t *testing.T) {
	reg := prometheus.NewRegistry()
	hub := New(logr.Discard(), NewMetrics(reg), QueueCapacity)

	// Exercise enqueue directly against a standalone subscriber with no
	// writer goroutine draining it, so the queue saturates deterministically.
	sub := &subscriber{id: "s1", outbound: make(chan wire.Frame, QueueCapacity), done: make(chan struct{})}
	for i := 0; i < QueueCapacity+5; i++ {
		hub.enqueue(sub, wire.Frame{Type: wire.FrameDelta, Sequence: uint64(i)})
	}
	assert.LessOrEqual(t, len(sub.outbound), QueueCapacity)

	var sawResync bool
	for len(sub.outbound) > 0 {
		f := <-sub.outbound
		if f.Type == wire.FrameResyncRecommended {
			sawResync = true
		}
	}
	assert.True(t, sawResync)
}
