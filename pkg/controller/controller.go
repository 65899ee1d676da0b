// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package controller implements the server-side driver of a single running
// job. It owns task bookkeeping for the pull-based dispatch protocol:
// clients poll for assignments, the controller hands out the next eligible
// task or a TRY_AGAIN/END_RUN sentinel, and results are tallied per task
// until completion.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/metrics"
	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/signal"
	"github.com/openfedcore/fedcore/pkg/task"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// Options configures a Controller for one job run.
type Options struct {
	JobID         string
	Clients       []string      // resolved participating client set
	Abort         *signal.Signal
	FetchInterval time.Duration // suggested wait returned with TRY_AGAIN
	DataFilters   *filter.Set   // applied to outgoing task data
	ResultFilters *filter.Set   // applied to incoming task results
}

// A Controller drives the task-level request/response lifecycle of one
// running job. The server side is a passive dispatcher: it never pushes
// tasks, it answers polls.
type Controller struct {
	jobID         string
	cell          transport.Cell
	clients       []string
	abort         *signal.Signal
	fetchInterval time.Duration
	dataFilters   *filter.Set
	resultFilters *filter.Set
	log           *clog.CLogger

	mu       sync.Mutex // guards tasks, order, draining, standing count
	tasks    map[string]*taskState
	order    []string // task ids in creation order, oldest first
	draining bool     // once true, polls are answered with END_RUN
}

// New returns a Controller ready for Start.
func New(cell transport.Cell, opts Options) *Controller {
	fetch := opts.FetchInterval
	if fetch <= 0 {
		fetch = 500 * time.Millisecond
	}
	dataFilters := opts.DataFilters
	if dataFilters == nil {
		dataFilters = filter.NewSet(nil, nil)
	}
	resultFilters := opts.ResultFilters
	if resultFilters == nil {
		resultFilters = filter.NewSet(nil, nil)
	}
	abort := opts.Abort
	if abort == nil {
		abort = signal.New()
	}
	return &Controller{
		jobID:         opts.JobID,
		cell:          cell,
		clients:       append([]string(nil), opts.Clients...),
		abort:         abort,
		fetchInterval: fetch,
		dataFilters:   dataFilters,
		resultFilters: resultFilters,
		log:           clog.New("controller[%s] ", opts.JobID),
		tasks:         make(map[string]*taskState),
	}
}

// Start subscribes the controller to its job's task-pull and task-result
// actions. It returns immediately; dispatch runs until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	pulls, err := c.cell.SubscribeAction(ctx, transport.SubscriptionFilter{
		Type: transport.ForJob(transport.ActionTaskAssignment, c.jobID),
	})
	if err != nil {
		return err
	}
	results, err := c.cell.SubscribeAction(ctx, transport.SubscriptionFilter{
		Type: transport.ForJob(transport.ActionTaskResult, c.jobID),
	})
	if err != nil {
		return err
	}

	go func() {
		for req := range pulls {
			c.handlePull(req)
		}
	}()
	go func() {
		for req := range results {
			c.handleResult(req)
		}
	}()
	go func() {
		select {
		case <-c.abort.Done():
			c.CancelAllTasks(task.CompletionAborted)
			c.Drain()
		case <-ctx.Done():
		}
	}()
	return nil
}

// Abort returns the run-level abort signal shared with the job runner.
func (c *Controller) Abort() *signal.Signal {
	return c.abort
}

// Clients returns the resolved participating client set.
func (c *Controller) Clients() []string {
	return append([]string(nil), c.clients...)
}

// JobID returns the id of the job this controller drives.
func (c *Controller) JobID() string {
	return c.jobID
}

// Drain switches the controller into shutdown mode: every subsequent poll
// is answered with END_RUN.
func (c *Controller) Drain() {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()
}

// StandingTasks returns the number of non-terminated tasks, exposed for
// diagnostics.
func (c *Controller) StandingTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ts := range c.tasks {
		if !ts.terminated() {
			n++
		}
	}
	return n
}

// handlePull answers one get_task_assignment poll.
func (c *Controller) handlePull(req transport.ActionRequest) {
	var pull protocol.TaskPull
	if err := protocol.Unmarshal(req.Params, &pull); err != nil {
		c.log.Errorf("Dropping malformed task pull: %v", err)
		return
	}

	reply := c.nextAssignment(pull.ClientName, pull.JobID)
	data, err := protocol.Marshal(reply)
	if err != nil {
		c.log.Errorf("Failed encoding pull reply for %s: %v", pull.ClientName, err)
		return
	}
	if err := req.Reply(transport.ActionResult{Context: transport.ServerParticipant, Data: data}); err != nil {
		c.log.Errorf("Failed replying to pull from %s: %v", pull.ClientName, err)
	}
}

// nextAssignment picks the oldest eligible task for client, or a sentinel.
func (c *Controller) nextAssignment(client, jobID string) protocol.TaskPullReply {
	if jobID != c.jobID {
		// A poll for a different run reaching this controller means stale
		// routing on the client side; end its loop.
		return protocol.TaskPullReply{Kind: protocol.PullKindEndRun}
	}

	c.mu.Lock()
	if c.draining || c.abort.Triggered() {
		c.mu.Unlock()
		return protocol.TaskPullReply{Kind: protocol.PullKindEndRun}
	}
	var picked *taskState
	for _, id := range c.order {
		ts := c.tasks[id]
		if ts.eligibleFor(client) {
			picked = ts
			break
		}
	}
	c.mu.Unlock()

	if picked == nil {
		return protocol.TaskPullReply{
			Kind:         protocol.PullKindTryAgain,
			RetryAfterMs: c.fetchInterval.Milliseconds(),
		}
	}

	data := picked.t.Data
	if data == nil {
		data = shareable.New(nil)
	}
	out := data.Clone()
	out.Set(shareable.HeaderJobID, c.jobID)
	out.Set(shareable.HeaderTaskID, picked.t.ID)
	out.Set(shareable.HeaderTaskName, picked.t.Name)
	out.Set(shareable.HeaderAuditEventID, uuid.NewString())

	rctx := shareable.RunContext{JobID: c.jobID, TaskID: picked.t.ID, ClientName: client}
	filtered, err := c.dataFilters.Apply(out, picked.t.Name, rctx)
	if err != nil {
		c.log.Errorf("Task data filter failed for task %s to %s: %v", picked.t.ID, client, err)
		picked.unassign(client)
		return protocol.TaskPullReply{
			Kind:         protocol.PullKindTryAgain,
			RetryAfterMs: c.fetchInterval.Milliseconds(),
		}
	}

	encoded, err := shareable.Encode(filtered)
	if err != nil {
		c.log.Errorf("Failed encoding task %s for %s: %v", picked.t.ID, client, err)
		picked.unassign(client)
		return protocol.TaskPullReply{
			Kind:         protocol.PullKindTryAgain,
			RetryAfterMs: c.fetchInterval.Milliseconds(),
		}
	}

	c.log.Printf("Assigned task %s (%s) to %s", picked.t.ID, picked.t.Name, client)
	return protocol.TaskPullReply{
		Kind:     protocol.PullKindAssignment,
		TaskID:   picked.t.ID,
		TaskName: picked.t.Name,
		Data:     encoded,
	}
}

// handleResult records one submit_task_result call.
func (c *Controller) handleResult(req transport.ActionRequest) {
	var sub protocol.TaskResult
	ack := protocol.Ack{OK: true}
	if err := protocol.Unmarshal(req.Params, &sub); err != nil {
		c.log.Errorf("Dropping malformed task result: %v", err)
		ack = protocol.Ack{OK: false, Error: err.Error()}
	} else {
		c.recordResult(sub)
	}

	data, err := protocol.Marshal(ack)
	if err != nil {
		return
	}
	if err := req.Reply(transport.ActionResult{Context: transport.ServerParticipant, Data: data}); err != nil {
		c.log.Errorf("Failed acking result for task %s from %s: %v", sub.TaskID, sub.ClientName, err)
	}
}

// recordResult matches a submission by task id, runs result filters, and
// triggers completion logic. Duplicate and late submissions are dropped
// with a logged warning and leave controller state unchanged.
func (c *Controller) recordResult(sub protocol.TaskResult) {
	c.mu.Lock()
	ts, ok := c.tasks[sub.TaskID]
	c.mu.Unlock()
	if !ok {
		c.log.Warnf("Dropping result for unknown task %s from %s", sub.TaskID, sub.ClientName)
		return
	}

	sh, err := shareable.Decode(sub.Data)
	if err != nil {
		c.log.Errorf("Undecodable result for task %s from %s: %v", sub.TaskID, sub.ClientName, err)
		sh = shareable.New(nil)
		sh.SetReturnCode(shareable.BadTaskData)
	}

	rctx := shareable.RunContext{JobID: c.jobID, TaskID: sub.TaskID, ClientName: sub.ClientName,
		Peer: shareable.PeerProps{Name: sub.ClientName}}
	filtered, err := c.resultFilters.Apply(sh, ts.t.Name, rctx)
	if err != nil {
		c.log.Errorf("Result filter failed for task %s from %s: %v", sub.TaskID, sub.ClientName, err)
		filtered = shareable.New(nil)
		filtered.SetReturnCode(shareable.TaskResultFilterError)
	}

	if filtered.ReturnCode() == shareable.UnsafeJob {
		c.log.Errorf("Task %s result from %s declared the job unsafe; aborting run", sub.TaskID, sub.ClientName)
		c.abort.Trigger()
		return
	}

	ts.submit(sub.ClientName, filtered, c.log)
}

// newTask registers a task under a fresh server-generated id and returns
// its state. The caller configures eligibility afterwards.
func (c *Controller) newTask(t *task.Task) *taskState {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	ts := newTaskState(t)

	c.mu.Lock()
	c.tasks[t.ID] = ts
	c.order = append(c.order, t.ID)
	c.mu.Unlock()

	metrics.StandingTasks.WithLabelValues(c.jobID).Set(float64(c.StandingTasks()))
	return ts
}

// finishTask marks a task terminal and updates the standing-tasks gauge.
func (c *Controller) finishTask(ts *taskState, status task.CompletionStatus) {
	ts.terminate(status)
	metrics.StandingTasks.WithLabelValues(c.jobID).Set(float64(c.StandingTasks()))
}

// CancelTask terminates one task with the given completion status. All
// waiters are signalled; further assignments and submissions for the task
// are refused.
func (c *Controller) CancelTask(taskID string, status task.CompletionStatus) {
	c.mu.Lock()
	ts, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.finishTask(ts, status)
	c.log.Printf("Task %s cancelled with status %s", taskID, status)
}

// CancelAllTasks terminates every non-terminated task with the given
// completion status.
func (c *Controller) CancelAllTasks(status task.CompletionStatus) {
	c.mu.Lock()
	states := make([]*taskState, 0, len(c.tasks))
	for _, ts := range c.tasks {
		states = append(states, ts)
	}
	c.mu.Unlock()

	for _, ts := range states {
		if !ts.terminated() {
			c.finishTask(ts, status)
		}
	}
}
