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

// FrameType enumerates the WebSocket frame kinds described in spec.md §6.
type FrameType string

const (
	FrameSnapshot          FrameType = "snapshot"
	FrameDelta             FrameType = "delta"
	FrameAlert             FrameType = "alert"
	FrameResyncRecommended FrameType = "resyncRecommended"
	FramePong              FrameType = "pong"
)

// Frame is the envelope written to every subscriber. Sequence is
// monotonically increasing per subscriber; a gap implies the client
// should re-request a snapshot.
type Frame struct {
	Type     FrameType   `json:"type"`
	Sequence uint64      `json:"sequence"`
	Payload  interface{} `json:"payload,omitempty"`
}
