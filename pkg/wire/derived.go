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

package wire

import "time"

// TransactionCompleted is emitted by C5 when a transaction reaches a
// terminal phase (commit, rollback, forced-complete).
type TransactionCompleted struct {
	PodName       string    `json:"podName"`
	ConnectionID  string    `json:"connectionId"`
	TransactionID string    `json:"transactionId"`
	QueryCount    int       `json:"queryCount"`
	ElapsedMs     int64     `json:"elapsedMs"`
	StartedAt     time.Time `json:"startedAt"`
	CompletedAt   time.Time `json:"completedAt"`
	Warning       string    `json:"warning,omitempty"`
}

// DeadlockDetected is emitted by C5 when a cycle is found in the
// wait-for graph, or relayed verbatim from an authoritative DB-emitted
// deadlock event.
type DeadlockDetected struct {
	Participants []string  `json:"participants"`
	Resources    []string  `json:"resources"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// LongRunningTransaction is emitted by C5 at most once per 5s per
// transaction while it remains active past the configured threshold.
type LongRunningTransaction struct {
	PodName       string    `json:"podName"`
	ConnectionID  string    `json:"connectionId"`
	TransactionID string    `json:"transactionId"`
	ElapsedMs     int64     `json:"elapsedMs"`
	QueryCount    int       `json:"queryCount"`
	LastSample    *Query    `json:"lastSample,omitempty"`
	ObservedAt    time.Time `json:"observedAt"`
}
