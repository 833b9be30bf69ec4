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

// Package broadcast implements C7, the live broadcast hub (spec.md
// §4.7): WebSocket subscribers with bounded per-subscriber queues and
// oldest-drop backpressure. Grounded in the original kube-db-monitor
// control plane's Hub/Client/writePump/readPump (other_examples), with
// its single global unbounded broadcast channel and bare
// map[*Client]bool replaced by the spec's bounded-queue-per-subscriber
// design and an RWMutex-protected subscriber table, since the
// original's close-and-delete-inside-the-fan-out-loop pattern races
// against readPump's own unregister (spec.md §4.7/§5).
package broadcast

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kubedb-monitor/control-plane/pkg/wire"
)

const (
	// QueueCapacity is the bounded per-subscriber outbound queue size
	// (spec.md §3 "Subscriber", §6 SUBSCRIBER_QUEUE_SIZE default).
	QueueCapacity = 256

	pingInterval = 15 * time.Second
	pongTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
	readLimit    = 512
	flushOnClose = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is a live WebSocket-connected client (spec.md §3).
type subscriber struct {
	id       string
	conn     *websocket.Conn
	outbound chan wire.Frame
	sequence uint64

	missedPongs int32
	closeOnce   sync.Once
	done        chan struct{}
}

func (s *subscriber) nextSequence() uint64 {
	return atomic.AddUint64(&s.sequence, 1)
}

// Hub owns the subscriber table exclusively; add/remove takes a write
// lock held only for the map mutation, fan-out holds a read lock while
// it enqueues into each subscriber's own channel (spec.md §4.7/§5).
type Hub struct {
	logger logr.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber

	queueCapacity   int
	queueDrops      prometheus.Counter
	subscriberGauge prometheus.Gauge
}

// Metrics are the counters C9's registry exposes for C7 (spec.md §4.10).
type Metrics struct {
	QueueDrops      prometheus.Counter
	SubscriberCount prometheus.Gauge
}

// NewMetrics builds and registers the Hub's counter set.
func NewMetrics(reg prometheus.Registerer) Metrics {
	m := Metrics{
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubedb_monitor_broadcast_queue_drops_total",
			Help: "Frames dropped because a subscriber's outbound queue was full.",
		}),
		SubscriberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubedb_monitor_broadcast_subscribers",
			Help: "Currently connected WebSocket subscribers.",
		}),
	}
	reg.MustRegister(m.QueueDrops, m.SubscriberCount)
	return m
}

// New builds a Hub whose per-subscriber outbound queues hold queueCapacity
// frames (spec.md §6 SUBSCRIBER_QUEUE_SIZE); queueCapacity <= 0 falls back
// to QueueCapacity.
func New(logger logr.Logger, metrics Metrics, queueCapacity int) *Hub {
	if queueCapacity <= 0 {
		queueCapacity = QueueCapacity
	}
	return &Hub{
		logger:          logger.WithValues("package", "broadcast"),
		subscribers:     map[string]*subscriber{},
		queueCapacity:   queueCapacity,
		queueDrops:      metrics.QueueDrops,
		subscriberGauge: metrics.SubscriberCount,
	}
}

// SnapshotFunc produces the payload for a newly-connected subscriber's
// initial frame (spec.md §4.7 "on connect, a single snapshot frame").
type SnapshotFunc func() interface{}

// ServeWS upgrades an HTTP request to a WebSocket and registers the new
// subscriber, sending it an initial snapshot frame (spec.md §4.8 GET /ws).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, snapshot SnapshotFunc) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(err, "websocket upgrade failed")
		return
	}

	sub := &subscriber{
		id:       uuid.NewString(),
		conn:     conn,
		outbound: make(chan wire.Frame, h.queueCapacity),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	h.mu.Unlock()
	h.subscriberGauge.Inc()

	sub.outbound <- wire.Frame{Type: wire.FrameSnapshot, Sequence: sub.nextSequence(), Payload: snapshot()}

	go h.writePump(sub)
	go h.readPump(sub)
}

// readPump only drains control frames (pings/pongs/close); the live
// dashboard never sends application data (spec.md §4.7).
func (h *Hub) readPump(sub *subscriber) {
	defer h.unregister(sub)

	sub.conn.SetReadLimit(readLimit)
	sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	sub.conn.SetPongHandler(func(string) error {
		atomic.StoreInt32(&sub.missedPongs, 0)
		sub.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the single writer for this subscriber's connection
// (spec.md §4.7 "single-writer-per-subscriber"). It pulls queued
// frames and, independently, sends pings; two consecutive unanswered
// pings over 30s disconnect the subscriber (spec.md §8).
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.unregister(sub)
	}()

	for {
		select {
		case frame, ok := <-sub.outbound:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			if atomic.AddInt32(&sub.missedPongs, 1) > 2 {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.done:
			return
		}
	}
}

func (h *Hub) unregister(sub *subscriber) {
	sub.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.subscribers, sub.id)
		h.mu.Unlock()
		h.subscriberGauge.Dec()
		close(sub.done)
		sub.conn.Close()
	})
}

// Broadcast fans a frame out to every subscriber. Per spec.md §4.7, a
// full subscriber queue drops its oldest pending frames (two, to make
// room for the new frame and the marker) and the subscriber is told a
// resync is recommended, rather than blocking the producer.
func (h *Hub) Broadcast(frameType wire.FrameType, payload interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		h.enqueue(sub, wire.Frame{Type: frameType, Sequence: sub.nextSequence(), Payload: payload})
	}
}

func (h *Hub) enqueue(sub *subscriber, frame wire.Frame) {
	select {
	case sub.outbound <- frame:
		return
	default:
	}

	// Queue full: drop the oldest pending frames and tell the client to
	// resync rather than block the broadcast producer. Two slots are
	// freed so both the new frame and the resync marker fit.
	for i := 0; i < 2; i++ {
		select {
		case <-sub.outbound:
			h.queueDrops.Inc()
		default:
		}
	}
	select {
	case sub.outbound <- frame:
	default:
	}
	select {
	case sub.outbound <- wire.Frame{Type: wire.FrameResyncRecommended, Sequence: sub.nextSequence()}:
	default:
	}
}

// SubscriberCount reports the number of currently connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Shutdown sends a farewell frame to every subscriber and closes their
// connections, giving each flushOnClose to drain (spec.md §4.9).
func (h *Hub) Shutdown() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.enqueue(sub, wire.Frame{Type: wire.FrameAlert, Sequence: sub.nextSequence(), Payload: "control plane shutting down"})
	}
	time.Sleep(flushOnClose)
	for _, sub := range subs {
		h.unregister(sub)
	}
}
