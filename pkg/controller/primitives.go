// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/task"
)

var (
	// ErrMinResponsesUnreachable is surfaced as a job-level error when so
	// many targets have answered with errors that min_responses can no
	// longer be met; the remaining targets are cancelled with TIMEOUT.
	ErrMinResponsesUnreachable = errors.New("controller: min_responses unreachable")

	// ErrTaskTimeout is returned when a task's overall timeout expires
	// before completion.
	ErrTaskTimeout = errors.New("controller: task timed out")

	// ErrAborted is returned when the run-level abort signal fires while a
	// primitive is waiting.
	ErrAborted = errors.New("controller: run aborted")

	// ErrNoTaker is returned by Send/Relay when no target acknowledged the
	// assignment within task_assignment_timeout.
	ErrNoTaker = errors.New("controller: no target acknowledged assignment")
)

// timerChan returns a ticking channel for d, or nil (which blocks forever
// in a select) when d is not positive.
func timerChan(d time.Duration) (<-chan time.Time, *time.Timer) {
	if d <= 0 {
		return nil, nil
	}
	t := time.NewTimer(d)
	return t.C, t
}

// Broadcast sends t to all targets in parallel. The task completes when at
// least t.MinResponses OK results have arrived or the overall t.Timeout
// expires; once the minimum is reached the controller keeps collecting
// stragglers for up to t.WaitAfterMinReceived before delivering. The
// returned map holds every recorded result keyed by client name.
func (c *Controller) Broadcast(ctx context.Context, t *task.Task) (map[string]*shareable.Shareable, error) {
	targets := t.Targets
	if len(targets) == 0 {
		targets = c.clients
		t.Targets = targets
	}

	ts := c.newTask(t)
	ts.setEligible(targets...)
	c.log.Printf("Broadcast task %s (%s) to %d targets, min_responses=%d", t.ID, t.Name, len(targets), t.MinResponses)

	overallC, overall := timerChan(t.Timeout)
	if overall != nil {
		defer overall.Stop()
	}
	var stragglerC <-chan time.Time
	var straggler *time.Timer
	defer func() {
		if straggler != nil {
			straggler.Stop()
		}
	}()

	minResponses := t.MinResponses
	if minResponses <= 0 {
		minResponses = len(targets)
	}

	for {
		changed := ts.changed()
		snap := ts.snapshot()

		if snap.status != "" {
			if snap.status == task.CompletionAborted {
				results, _ := c.deliver(ts, snap)
				return results, ErrAborted
			}
			return c.deliver(ts, snap)
		}

		if len(snap.results) == len(targets) {
			c.finishTask(ts, task.CompletionNormal)
			continue
		}

		// Explicit error results never count toward min_responses; when
		// enough have piled up the minimum is unreachable.
		if len(targets)-snap.errCount < minResponses {
			c.finishTask(ts, task.CompletionTimeout)
			c.log.Errorf("Task %s: min_responses=%d unreachable with %d error replies", t.ID, minResponses, snap.errCount)
			results, _ := c.deliver(ts, ts.snapshot())
			return results, ErrMinResponsesUnreachable
		}

		if snap.okCount >= minResponses && stragglerC == nil {
			if t.WaitAfterMinReceived <= 0 {
				c.finishTask(ts, task.CompletionNormal)
				continue
			}
			stragglerC, straggler = timerChan(t.WaitAfterMinReceived)
		}

		select {
		case <-changed:
		case <-overallC:
			snap := ts.snapshot()
			if snap.okCount >= minResponses {
				c.finishTask(ts, task.CompletionNormal)
				continue
			}
			c.finishTask(ts, task.CompletionTimeout)
			results, _ := c.deliver(ts, ts.snapshot())
			return results, ErrTaskTimeout
		case <-stragglerC:
			c.finishTask(ts, task.CompletionNormal)
		case <-c.abort.Done():
			c.finishTask(ts, task.CompletionAborted)
			results, _ := c.deliver(ts, ts.snapshot())
			return results, ErrAborted
		case <-ctx.Done():
			c.finishTask(ts, task.CompletionCancelled)
			return nil, ctx.Err()
		}
	}
}

// deliver returns the recorded results for a completed task.
func (c *Controller) deliver(ts *taskState, snap tally) (map[string]*shareable.Shareable, error) {
	c.log.Printf("Task %s completed with %s: %d results (%d OK)", ts.t.ID, snap.status, len(snap.results), snap.okCount)
	return snap.results, nil
}

// Send assigns t to exactly one target. With Sequential order targets are
// offered the task one at a time; a target that does not pull within
// t.AssignmentTimeout forfeits its turn. With Any order the first target
// to pull claims the task. The reply is the claiming client's result.
func (c *Controller) Send(ctx context.Context, t *task.Task, order task.SendOrder) (string, *shareable.Shareable, error) {
	targets := t.Targets
	if len(targets) == 0 {
		targets = c.clients
		t.Targets = targets
	}

	ts := c.newTask(t)
	c.log.Printf("Send task %s (%s) to %d targets, order=%v", t.ID, t.Name, len(targets), order)

	switch order {
	case task.Any:
		ts.setEligible(targets...)
		client, err := c.awaitAssignment(ctx, ts, t.AssignmentTimeout)
		if err != nil {
			c.finishTask(ts, task.CompletionTimeout)
			return "", nil, err
		}
		ts.setEligible() // claimed; nobody else may pull
		return c.awaitSingleResult(ctx, ts, client, t.Timeout)

	default: // Sequential
		for _, target := range targets {
			ts.setEligible(target)
			client, err := c.awaitAssignment(ctx, ts, t.AssignmentTimeout)
			if errors.Is(err, ErrNoTaker) {
				c.log.Printf("Task %s: %s did not pull within %s, moving on", t.ID, target, t.AssignmentTimeout)
				ts.setEligible()
				continue
			}
			if err != nil {
				c.finishTask(ts, task.CompletionTimeout)
				return "", nil, err
			}
			ts.setEligible()
			return c.awaitSingleResult(ctx, ts, client, t.Timeout)
		}
		c.finishTask(ts, task.CompletionTimeout)
		return "", nil, ErrNoTaker
	}
}

// awaitAssignment waits until any eligible client claims the task, or
// assignmentTimeout elapses.
func (c *Controller) awaitAssignment(ctx context.Context, ts *taskState, assignmentTimeout time.Duration) (string, error) {
	timeoutC, timer := timerChan(assignmentTimeout)
	if timer != nil {
		defer timer.Stop()
	}

	for {
		changed := ts.changed()
		snap := ts.snapshot()
		if snap.status != "" {
			return "", fmt.Errorf("controller: task %s terminated with %s while awaiting assignment", ts.t.ID, snap.status)
		}
		for client := range snap.assigned {
			return client, nil
		}

		select {
		case <-changed:
		case <-timeoutC:
			return "", ErrNoTaker
		case <-c.abort.Done():
			return "", ErrAborted
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// awaitSingleResult waits for client's result, bounded by resultTimeout.
func (c *Controller) awaitSingleResult(ctx context.Context, ts *taskState, client string, resultTimeout time.Duration) (string, *shareable.Shareable, error) {
	timeoutC, timer := timerChan(resultTimeout)
	if timer != nil {
		defer timer.Stop()
	}

	for {
		changed := ts.changed()
		snap := ts.snapshot()
		if res, ok := snap.results[client]; ok {
			c.finishTask(ts, task.CompletionNormal)
			return client, res, nil
		}
		if snap.status != "" {
			return client, nil, fmt.Errorf("controller: task %s terminated with %s while awaiting result", ts.t.ID, snap.status)
		}

		select {
		case <-changed:
		case <-timeoutC:
			c.finishTask(ts, task.CompletionTimeout)
			return client, nil, ErrTaskTimeout
		case <-c.abort.Done():
			c.finishTask(ts, task.CompletionAborted)
			return client, nil, ErrAborted
		case <-ctx.Done():
			c.finishTask(ts, task.CompletionCancelled)
			return client, nil, ctx.Err()
		}
	}
}

// Relay passes t serially through targets: each hop receives the previous
// hop's result as its task data. With dynamic targets, clients that join
// the run after the relay starts are appended to the pass. Each hop is
// bounded by assignment and result timeouts; a hop that fails to pull is
// skipped.
func (c *Controller) Relay(ctx context.Context, t *task.Task, order task.SendOrder, resultTimeout time.Duration, dynamicTargets bool) (*shareable.Shareable, error) {
	targets := append([]string(nil), t.Targets...)
	if len(targets) == 0 {
		targets = append(targets, c.clients...)
	}

	input := t.Data
	if input == nil {
		input = shareable.New(nil)
	}

	visited := make(map[string]bool)
	round := 0
	for i := 0; i < len(targets); i++ {
		target := targets[i]
		if visited[target] {
			continue
		}
		visited[target] = true

		hop := &task.Task{
			Name:              t.Name,
			Data:              input,
			Targets:           []string{target},
			Timeout:           resultTimeout,
			AssignmentTimeout: t.AssignmentTimeout,
			MinResponses:      1,
		}
		hop.Data.Set(shareable.HeaderCurrentRound, round)

		_, res, err := c.Send(ctx, hop, order)
		if errors.Is(err, ErrNoTaker) {
			c.log.Printf("Relay task %s: hop to %s skipped (no pull)", t.Name, target)
			continue
		}
		if err != nil {
			return input, err
		}
		if res.ReturnCode() == shareable.OK {
			input = res
			round++
		} else {
			c.log.Warnf("Relay task %s: hop to %s returned %s, carrying previous result forward", t.Name, target, res.ReturnCode())
		}

		if dynamicTargets {
			for _, client := range c.clients {
				if !visited[client] && !contains(targets, client) {
					targets = append(targets, client)
				}
			}
		}
	}
	return input, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
