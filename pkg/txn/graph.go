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

import "sort"

// waitForGraph is the directed graph described in spec.md §3: an edge
// A -> B means transaction A is waiting on a resource B currently
// holds. It is exclusively mutated by the Tracker's single worker
// goroutine (spec.md §5), so it carries no locking of its own.
//
// Edges are stored alongside the resource that produced them so a
// cycle can report the full resource set, not just the participants.
type waitForGraph struct {
	// edges[from][to] = resource.
	edges map[string]map[string]string
	// heldBy[resource] = set of transaction IDs currently holding it.
	heldBy map[string]map[string]struct{}
}

func newWaitForGraph() *waitForGraph {
	return &waitForGraph{
		edges:  map[string]map[string]string{},
		heldBy: map[string]map[string]struct{}{},
	}
}

// addHeld records txnID as a holder of resource.
func (g *waitForGraph) addHeld(txnID, resource string) {
	if resource == "" {
		return
	}
	if g.heldBy[resource] == nil {
		g.heldBy[resource] = map[string]struct{}{}
	}
	g.heldBy[resource][txnID] = struct{}{}
	// A transaction that now holds a resource is no longer waiting for it.
	if out, ok := g.edges[txnID]; ok {
		for to, res := range out {
			if res == resource {
				delete(out, to)
			}
		}
	}
}

// addWait records txnID as waiting on resource, creating an edge to
// every other live transaction that currently holds it.
func (g *waitForGraph) addWait(txnID, resource string) {
	if resource == "" {
		return
	}
	holders := g.heldBy[resource]
	if len(holders) == 0 {
		return
	}
	if g.edges[txnID] == nil {
		g.edges[txnID] = map[string]string{}
	}
	for holder := range holders {
		if holder == txnID {
			continue
		}
		g.edges[txnID][holder] = resource
	}
}

// removeNode prunes every edge referencing txnID — both outgoing waits
// and its standing as a resource holder — the instant it reaches a
// terminal phase (spec.md §3 "WaitForGraph" invariant).
func (g *waitForGraph) removeNode(txnID string) {
	delete(g.edges, txnID)
	for from, out := range g.edges {
		delete(out, txnID)
		if len(out) == 0 {
			delete(g.edges, from)
		}
	}
	for resource, holders := range g.heldBy {
		delete(holders, txnID)
		if len(holders) == 0 {
			delete(g.heldBy, resource)
		}
	}
}

// cycle is one detected wait-for cycle: the transactions involved, in
// traversal order, and the distinct resources along its edges.
type cycle struct {
	Participants []string
	Resources    []string
}

// findCycles runs a DFS from every node and returns every distinct
// cycle found, each reported once regardless of which node started the
// search. Small graphs are expected (tens of live transactions per
// pod), so this is O(V+E) per sweep without needing Tarjan's SCC.
func (g *waitForGraph) findCycles() []cycle {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var path []string
	var found []cycle
	reported := map[string]bool{}

	var visit func(node string)
	visit = func(node string) {
		state[node] = visiting
		path = append(path, node)

		for to := range g.edges[node] {
			switch state[to] {
			case unvisited:
				visit(to)
			case visiting:
				found = append(found, extractCycle(g, path, to, reported)...)
			}
		}

		path = path[:len(path)-1]
		state[node] = done
	}

	nodes := make([]string, 0, len(g.edges))
	for n := range g.edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if state[n] == unvisited {
			visit(n)
		}
	}
	return found
}

func extractCycle(g *waitForGraph, path []string, start string, reported map[string]bool) []cycle {
	idx := -1
	for i, n := range path {
		if n == start {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	participants := append([]string(nil), path[idx:]...)

	key := make([]string, len(participants))
	copy(key, participants)
	sort.Strings(key)
	sig := sortedJoin(key)
	if reported[sig] {
		return nil
	}
	reported[sig] = true

	resourceSet := map[string]struct{}{}
	for i, p := range participants {
		next := participants[(i+1)%len(participants)]
		if res, ok := g.edges[p][next]; ok {
			resourceSet[res] = struct{}{}
		}
	}
	resources := make([]string, 0, len(resourceSet))
	for r := range resourceSet {
		resources = append(resources, r)
	}
	sort.Strings(resources)

	return []cycle{{Participants: participants, Resources: resources}}
}

func sortedJoin(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}
