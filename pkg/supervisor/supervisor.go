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

// Package supervisor implements C9, the process supervisor (spec.md
// §4.9): a process Group with a SIGINT/SIGTERM handler, the exit codes,
// and Drain for the ingest queue. Config loading, listener startup and
// the graceful shutdown order are assembled by each cmd/* binary from
// these pieces. Built on oklog/run.Group exactly as the teacher's
// cmd/rule-evaluator/main.go and cmd/operator/main.go assemble their
// process groups.
package supervisor

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
)

// Exit codes (spec.md §6/§7).
const (
	ExitClean           = 0
	ExitConfigError     = 1
	ExitListenerBind    = 2
	ExitCertLoadFailure = 3
)

// DrainTimeout bounds how long graceful shutdown waits for the ingest
// queue to empty before giving up (spec.md §9).
const DrainTimeout = 15 * time.Second

// Group wraps run.Group with the termination handler every cmd/*
// binary in this repo installs first (spec.md §4.9).
type Group struct {
	logger log.Logger
	g      run.Group
}

// New builds a Group and registers its SIGINT/SIGTERM handler.
func New(logger log.Logger) *Group {
	grp := &Group{logger: logger}

	term := make(chan os.Signal, 1)
	cancel := make(chan struct{})
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)
	grp.g.Add(
		func() error {
			select {
			case <-term:
				_ = level.Info(logger).Log("msg", "received termination signal, shutting down gracefully")
			case <-cancel:
			}
			return nil
		},
		func(error) {
			close(cancel)
		},
	)
	return grp
}

// Add registers an execute/interrupt pair, in the run.Group idiom.
func (g *Group) Add(execute func() error, interrupt func(error)) {
	g.g.Add(execute, interrupt)
}

// Run blocks until the first member returns, then runs every interrupt
// function, waits for all members to return, and returns the first
// member's error.
func (g *Group) Run() error {
	return g.g.Run()
}

// Drain blocks until fn reports the queue is empty, up to DrainTimeout,
// used by cmd/control-plane's shutdown path for the ingest channel
// (spec.md §9 "drain the metric ingest channel for up to 15 s").
func Drain(empty func() bool) {
	deadline := time.Now().Add(DrainTimeout)
	for time.Now().Before(deadline) {
		if empty() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
