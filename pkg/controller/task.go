// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package controller

import (
	"sync"
	"time"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/task"
)

// taskState is the controller's bookkeeping for one standing task. Its
// per-task lock serializes eligibility claims and response tallies.
type taskState struct {
	t *task.Task

	mu       sync.Mutex
	eligible map[string]bool                 // clients currently allowed to pull
	assigned map[string]time.Time            // at most one assignment per client
	results  map[string]*shareable.Shareable // at most one result per client
	okCount  int                             // results whose return code is OK
	status   task.CompletionStatus           // empty while the task is standing
	change   chan struct{}                   // closed and replaced on every mutation
	done     chan struct{}                   // closed on termination
}

func newTaskState(t *task.Task) *taskState {
	return &taskState{
		t:        t,
		eligible: make(map[string]bool),
		assigned: make(map[string]time.Time),
		results:  make(map[string]*shareable.Shareable),
		change:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// notify wakes every waiter observing the current change channel.
// Callers must hold mu.
func (ts *taskState) notify() {
	close(ts.change)
	ts.change = make(chan struct{})
}

// changed returns a channel closed on the next state mutation.
func (ts *taskState) changed() <-chan struct{} {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.change
}

// setEligible replaces the eligibility set with the given clients.
func (ts *taskState) setEligible(clients ...string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.eligible = make(map[string]bool, len(clients))
	for _, c := range clients {
		ts.eligible[c] = true
	}
	ts.notify()
}

// addEligible extends the eligibility set.
func (ts *taskState) addEligible(clients ...string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range clients {
		ts.eligible[c] = true
	}
	ts.notify()
}

// eligibleFor atomically claims an assignment for client: the claim
// succeeds if the task is standing, client is eligible, and client has
// neither an assignment nor a result for this task id.
func (ts *taskState) eligibleFor(client string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.status != "" || !ts.eligible[client] {
		return false
	}
	if _, dup := ts.assigned[client]; dup {
		return false
	}
	if _, dup := ts.results[client]; dup {
		return false
	}
	ts.assigned[client] = time.Now()
	ts.notify()
	return true
}

// unassign reverts a claim, e.g. after a data filter failure, so the
// client may pull the task again.
func (ts *taskState) unassign(client string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.assigned, client)
	ts.notify()
}

// submit records one result. Late submissions (task already terminal) and
// duplicates are dropped with a logged warning and leave state unchanged.
func (ts *taskState) submit(client string, result *shareable.Shareable, log *clog.CLogger) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.status != "" {
		log.Warnf("Dropping late result for task %s from %s (completed with %s)", ts.t.ID, client, ts.status)
		return
	}
	if _, dup := ts.results[client]; dup {
		log.Warnf("Dropping duplicate result for task %s from %s", ts.t.ID, client)
		return
	}
	ts.results[client] = result
	if result.ReturnCode() == shareable.OK {
		ts.okCount++
	}
	ts.notify()
}

// terminate moves the task to a terminal completion status. Idempotent.
func (ts *taskState) terminate(status task.CompletionStatus) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.status != "" {
		return
	}
	ts.status = status
	close(ts.done)
	ts.notify()
}

func (ts *taskState) terminated() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.status != ""
}

// tally is a consistent snapshot of the response bookkeeping.
type tally struct {
	results   map[string]*shareable.Shareable
	okCount   int
	errCount  int
	assigned  map[string]bool
	status    task.CompletionStatus
}

func (ts *taskState) snapshot() tally {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	t := tally{
		results:  make(map[string]*shareable.Shareable, len(ts.results)),
		okCount:  ts.okCount,
		assigned: make(map[string]bool, len(ts.assigned)),
		status:   ts.status,
	}
	for c, r := range ts.results {
		t.results[c] = r
		if r.ReturnCode() != shareable.OK {
			t.errCount++
		}
	}
	for c := range ts.assigned {
		t.assigned[c] = true
	}
	return t
}
