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

// Package wire holds the JSON documents exchanged with interceptor
// instances and browser subscribers. Nothing here owns mutable state;
// it is the vocabulary shared between pkg/ingest, pkg/txn, pkg/aggregate
// and pkg/broadcast.
package wire

import (
	"fmt"
	"time"
)

// EventType enumerates the kinds of MetricEvent the interceptor emits.
type EventType string

const (
	EventQueryExecution      EventType = "queryExecution"
	EventQueryError          EventType = "queryError"
	EventTransactionBegin    EventType = "transactionBegin"
	EventTransactionCommit   EventType = "transactionCommit"
	EventTransactionRollback EventType = "transactionRollback"
	EventTPS                 EventType = "tpsEvent"
	EventLongRunningTxn      EventType = "longRunningTransaction"
	EventDeadlock            EventType = "deadlock"
)

// SQLKind classifies the statement a query event carries.
type SQLKind string

const (
	SQLSelect SQLKind = "Select"
	SQLInsert SQLKind = "Insert"
	SQLUpdate SQLKind = "Update"
	SQLDelete SQLKind = "Delete"
	SQLDdl    SQLKind = "Ddl"
	SQLOther  SQLKind = "Other"
)

// QueryStatus is the outcome of a single query execution.
type QueryStatus string

const (
	StatusSuccess QueryStatus = "Success"
	StatusError   QueryStatus = "Error"
)

// ErrorKind classifies a queryError event; LockTimeout and Deadlock are
// the two kinds that queue a deadlock-detection check (spec.md §4.5).
type ErrorKind string

const (
	ErrorKindLockTimeout ErrorKind = "LockTimeout"
	ErrorKindDeadlock    ErrorKind = "Deadlock"
	ErrorKindOther       ErrorKind = "Other"
)

// CollectorKind is the downstream sink the interceptor reports to. Only
// used on the admission side (pkg/injection) but declared here so both
// the annotation parser and the wire docs agree on its string values.
type CollectorKind string

const (
	CollectorLogging   CollectorKind = "logging"
	CollectorMemory    CollectorKind = "memory"
	CollectorJmx       CollectorKind = "jmx"
	CollectorHTTP      CollectorKind = "http"
	CollectorComposite CollectorKind = "composite"
)

// Query carries the per-statement detail of a queryExecution/queryError
// event.
type Query struct {
	QueryID         string   `json:"queryId,omitempty"`
	SQLHash         string   `json:"sqlHash,omitempty"`
	SQLPattern      string   `json:"sqlPattern,omitempty"`
	SQLKind         SQLKind  `json:"sqlKind,omitempty"`
	Tables          []string `json:"tables,omitempty"`
	ExecutionMs     uint32   `json:"executionMs"`
	RowsAffected    int64    `json:"rowsAffected,omitempty"`
	Status          QueryStatus `json:"status"`
	ErrorKind       ErrorKind   `json:"errorKind,omitempty"`
	ErrorMessage    string      `json:"errorMessage,omitempty"`
	ConnectionID    string      `json:"connectionId,omitempty"`
	ThreadLabel     string      `json:"threadLabel,omitempty"`
	ComplexityScore int         `json:"complexityScore,omitempty"`
	CacheHitRatio   float64     `json:"cacheHitRatio,omitempty"`
}

// Txn carries transaction-lifecycle detail.
type Txn struct {
	TransactionID           string   `json:"transactionId"`
	ConnectionID            string   `json:"connectionId"`
	ElapsedMs               uint64   `json:"elapsedMs,omitempty"`
	ParticipantConnectionIDs []string `json:"participantConnectionIds,omitempty"`
	ResourcesHeld           []string `json:"resourcesHeld,omitempty"`
	ResourcesWaited         []string `json:"resourcesWaited,omitempty"`
}

// System carries a point-in-time sample of pool/heap/gc gauges.
type System struct {
	PoolActive int     `json:"poolActive,omitempty"`
	PoolIdle   int     `json:"poolIdle,omitempty"`
	PoolMax    int     `json:"poolMax,omitempty"`
	HeapUsedMb int64   `json:"heapUsedMb,omitempty"`
	HeapMaxMb  int64   `json:"heapMaxMb,omitempty"`
	CPURatio   float64 `json:"cpuRatio,omitempty"`
	GCCount    int64   `json:"gcCount,omitempty"`
	GCMs       int64   `json:"gcMs,omitempty"`
}

// MetricEvent is the wire document described in spec.md §3/§6. One HTTP
// POST to /api/metrics carries either a single MetricEvent or a JSON
// array of them.
type MetricEvent struct {
	EventType EventType `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	PodName   string    `json:"podName"`
	Namespace string    `json:"namespace"`
	NodeName  string    `json:"nodeName,omitempty"`

	Query *Query  `json:"query,omitempty"`
	Txn   *Txn    `json:"txn,omitempty"`
	System *System `json:"system,omitempty"`

	// ReceivedAt is stamped by C4 on arrival. All SLO computations in C5/C6
	// use ReceivedAt rather than Timestamp to defend against clock skew
	// between sender pods (spec.md §4.5 "Numeric semantics").
	ReceivedAt time.Time `json:"-"`
}

// maxReasonableExecutionMs bounds executionMs per spec.md §4.4 ("reject
// executionMs > 24h").
const maxReasonableExecutionMs = uint32(24 * time.Hour / time.Millisecond)

// Validate checks the invariants spec.md §3 requires of a single event.
// It does not mutate e.
func (e *MetricEvent) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("missing eventType")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if e.PodName == "" {
		return fmt.Errorf("missing podName")
	}
	if e.Query != nil {
		if e.Query.ExecutionMs > maxReasonableExecutionMs {
			return fmt.Errorf("executionMs %d exceeds 24h bound", e.Query.ExecutionMs)
		}
		if e.Query.Status == StatusError && e.Query.ErrorKind == "" {
			return fmt.Errorf("status=Error requires errorKind")
		}
	}
	if e.System != nil && e.System.PoolMax > 0 {
		if e.System.PoolActive+e.System.PoolIdle > e.System.PoolMax {
			return fmt.Errorf("poolActive+poolIdle exceeds poolMax")
		}
	}
	return nil
}
