// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/signal"
	"github.com/openfedcore/fedcore/pkg/task"
	"github.com/openfedcore/fedcore/pkg/transport"
)

// RunOptions configures one client-side job run.
type RunOptions struct {
	JobID         string
	ClientName    string
	Token         string
	Executors     map[string]Executor // task name (or CatchAllTask) -> executor
	DataFilters   *filter.Set
	ResultFilters *filter.Set
	Abort         *signal.Signal
	PollTimeout   time.Duration // per-pull RPC timeout
	FetchInterval time.Duration // wait between polls when no task is available
}

// A Run is the single cooperative worker executing one job on a client.
type Run struct {
	jobID         string
	clientName    string
	token         string
	cell          transport.Cell
	executors     map[string]Executor
	dataFilters   *filter.Set
	resultFilters *filter.Set
	abort         *signal.Signal
	pollTimeout   time.Duration
	fetchInterval time.Duration
	log           *clog.CLogger

	abortMu    sync.Mutex
	taskAborts *signal.Signal // parent of per-task child signals
}

// NewRun returns a Run ready for Loop.
func NewRun(cell transport.Cell, opts RunOptions) *Run {
	abort := opts.Abort
	if abort == nil {
		abort = signal.New()
	}
	dataFilters := opts.DataFilters
	if dataFilters == nil {
		dataFilters = filter.NewSet(nil, nil)
	}
	resultFilters := opts.ResultFilters
	if resultFilters == nil {
		resultFilters = filter.NewSet(nil, nil)
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	fetchInterval := opts.FetchInterval
	if fetchInterval <= 0 {
		fetchInterval = 500 * time.Millisecond
	}
	return &Run{
		jobID:         opts.JobID,
		clientName:    opts.ClientName,
		token:         opts.Token,
		cell:          cell,
		executors:     opts.Executors,
		dataFilters:   dataFilters,
		resultFilters: resultFilters,
		abort:         abort,
		pollTimeout:   pollTimeout,
		fetchInterval: fetchInterval,
		log:           clog.New("executor[%s/%s] ", opts.ClientName, opts.JobID),
		taskAborts:    abort.Child(),
	}
}

// Abort returns the run-level abort signal.
func (r *Run) Abort() *signal.Signal {
	return r.abort
}

// AbortTask triggers the child signals of currently executing tasks
// without tearing down the whole run.
func (r *Run) AbortTask() {
	r.abortMu.Lock()
	old := r.taskAborts
	r.taskAborts = r.abort.Child()
	r.abortMu.Unlock()
	old.Trigger()
}

// taskAbortParent returns the current parent for per-task child signals.
func (r *Run) taskAbortParent() *signal.Signal {
	r.abortMu.Lock()
	defer r.abortMu.Unlock()
	return r.taskAborts
}

// Loop pulls assignments until the server ends the run or the run-level
// abort signal fires. Communication errors back off exponentially and are
// retried; the loop itself never fails on them.
func (r *Run) Loop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until END_RUN or abort

	for {
		select {
		case <-r.abort.Done():
			r.log.Printf("Run aborted, leaving pull loop")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reply, err := r.pull(ctx)
		if err != nil {
			wait := bo.NextBackOff()
			r.log.Warnf("Pull failed (%v), retrying in %s", err, wait)
			if !r.sleep(ctx, wait) {
				return nil
			}
			continue
		}
		bo.Reset()

		switch reply.Kind {
		case protocol.PullKindEndRun:
			r.log.Printf("Server ended the run")
			return nil
		case protocol.PullKindTryAgain:
			wait := time.Duration(reply.RetryAfterMs) * time.Millisecond
			if wait <= 0 {
				wait = r.fetchInterval
			}
			if !r.sleep(ctx, wait) {
				return nil
			}
		case protocol.PullKindAssignment:
			r.handleAssignment(ctx, reply)
		}
	}
}

// sleep waits for d, returning false if the run aborted or ctx expired.
func (r *Run) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.abort.Done():
		return false
	case <-ctx.Done():
		return false
	}
}

// pull performs one get_task_assignment round trip.
func (r *Run) pull(ctx context.Context) (protocol.TaskPullReply, error) {
	params, err := protocol.Marshal(protocol.TaskPull{
		JobID:      r.jobID,
		ClientName: r.clientName,
		Token:      r.token,
	})
	if err != nil {
		return protocol.TaskPullReply{}, err
	}

	results, err := r.cell.PublishAction(ctx, transport.Action{
		Type:   transport.ForJob(transport.ActionTaskAssignment, r.jobID),
		ID:     uuid.NewString(),
		Source: r.clientName,
		Params: params,
	}, r.pollTimeout)
	if err != nil {
		return protocol.TaskPullReply{}, err
	}

	res, ok := <-results
	if !ok {
		return protocol.TaskPullReply{}, fmt.Errorf("executor: no pull reply within %s", r.pollTimeout)
	}
	var reply protocol.TaskPullReply
	if err := protocol.Unmarshal(res.Data, &reply); err != nil {
		return protocol.TaskPullReply{}, err
	}
	return reply, nil
}

// handleAssignment validates, filters, executes, and replies to one task
// assignment. Every outcome is posted back as a return code; nothing is
// thrown across the wire.
func (r *Run) handleAssignment(ctx context.Context, pulled protocol.TaskPullReply) {
	data, err := shareable.Decode(pulled.Data)
	if err != nil {
		r.log.Errorf("Undecodable task data for task %s: %v", pulled.TaskID, err)
		r.reply(ctx, pulled, r.errorReply(shareable.BadTaskData))
		return
	}

	assignment := &task.Assignment{TaskID: pulled.TaskID, Name: pulled.TaskName, Data: data}
	rctx := shareable.RunContext{
		JobID:      r.jobID,
		TaskID:     pulled.TaskID,
		ClientName: r.clientName,
		Peer:       shareable.PeerProps{Name: transport.ServerParticipant},
	}

	// Peer context validation: the assignment must originate from the run
	// this worker belongs to and agree with its own headers.
	peerJob := data.GetString(shareable.HeaderJobID)
	peerTask := data.GetString(shareable.HeaderTaskID)
	switch {
	case peerJob == "":
		r.reply(ctx, pulled, r.errorReply(shareable.MissingPeerContext))
		return
	case peerJob != r.jobID:
		r.log.Errorf("Task %s carries job %s, expected %s", pulled.TaskID, peerJob, r.jobID)
		r.reply(ctx, pulled, r.errorReply(shareable.RunMismatch))
		return
	case peerTask != "" && peerTask != pulled.TaskID:
		r.log.Errorf("Assignment %s carries conflicting task id %s", pulled.TaskID, peerTask)
		r.reply(ctx, pulled, r.errorReply(shareable.BadPeerContext))
		return
	}

	result := r.execute(assignment, rctx)

	// Preserve the cookie jar and attach task metadata to the reply.
	if jar, ok := data.Get(shareable.HeaderCookieJar); ok {
		result.Set(shareable.HeaderCookieJar, jar)
	}
	if audit, ok := data.Get(shareable.HeaderAuditEventID); ok {
		result.Set(shareable.HeaderAuditEventID, audit)
	}
	result.Set(shareable.HeaderJobID, r.jobID)
	result.Set(shareable.HeaderTaskID, pulled.TaskID)
	result.Set(shareable.HeaderTaskName, pulled.TaskName)

	r.reply(ctx, pulled, result)

	if result.ReturnCode() == shareable.UnsafeJob {
		r.log.Errorf("Task %s poisoned the job, aborting run", pulled.TaskID)
		r.abort.Trigger()
	}
}

// execute runs the data filters, the bound executor, and the result
// filters for one assignment, mapping every failure to its return code.
func (r *Run) execute(assignment *task.Assignment, rctx shareable.RunContext) *shareable.Shareable {
	filtered, err := r.dataFilters.Apply(assignment.Data, assignment.Name, rctx)
	if err != nil {
		if errors.Is(err, filter.ErrUnsafeJob) {
			r.log.Errorf("Data filter declared task %s unsafe: %v", assignment.TaskID, err)
			return r.errorReply(shareable.UnsafeJob)
		}
		r.log.Errorf("Data filter failed for task %s: %v", assignment.TaskID, err)
		return r.errorReply(shareable.TaskDataFilterError)
	}
	assignment.Data = filtered

	exec, ok := r.executors[assignment.Name]
	if !ok {
		exec, ok = r.executors[CatchAllTask]
	}
	if !ok {
		r.log.Errorf("No executor bound for task %s (%s)", assignment.TaskID, assignment.Name)
		return r.errorReply(shareable.TaskUnknown)
	}

	child := r.taskAbortParent().Child()
	result, err := r.invoke(exec, rctx, assignment, child)

	// A triggered signal overrides whatever the executor produced.
	if child.Triggered() || r.abort.Triggered() {
		return r.errorReply(shareable.TaskAborted)
	}
	if err != nil {
		if errors.Is(err, filter.ErrUnsafeJob) {
			r.log.Errorf("Executor declared task %s unsafe: %v", assignment.TaskID, err)
			return r.errorReply(shareable.UnsafeJob)
		}
		r.log.Errorf("Executor failed on task %s: %v", assignment.TaskID, err)
		return r.errorReply(shareable.ExecutionException)
	}
	if result == nil {
		r.log.Errorf("Executor returned no result for task %s", assignment.TaskID)
		return r.errorReply(shareable.ExecutionResultError)
	}

	filteredResult, err := r.resultFilters.Apply(result, assignment.Name, rctx)
	if err != nil {
		if errors.Is(err, filter.ErrUnsafeJob) {
			r.log.Errorf("Result filter declared task %s unsafe: %v", assignment.TaskID, err)
			return r.errorReply(shareable.UnsafeJob)
		}
		r.log.Errorf("Result filter failed for task %s: %v", assignment.TaskID, err)
		return r.errorReply(shareable.TaskResultFilterError)
	}
	return filteredResult
}

// invoke calls the executor, converting a panic into an error so a broken
// plugin cannot take down the whole run.
func (r *Run) invoke(exec Executor, rctx shareable.RunContext, assignment *task.Assignment, abort *signal.Signal) (result *shareable.Shareable, err error) {
	defer func() {
		if p := recover(); p != nil {
			result, err = nil, fmt.Errorf("executor: panic in executor for task %s: %v", assignment.Name, p)
		}
	}()
	return exec.Execute(rctx, assignment, abort)
}

// errorReply builds an empty result carrying the given return code.
func (r *Run) errorReply(rc shareable.ReturnCode) *shareable.Shareable {
	s := shareable.New(nil)
	s.SetReturnCode(rc)
	return s
}

// reply posts the result for one assignment back to the controller,
// retrying transient communication failures with exponential backoff.
func (r *Run) reply(ctx context.Context, pulled protocol.TaskPullReply, result *shareable.Shareable) {
	encoded, err := shareable.Encode(result)
	if err != nil {
		r.log.Errorf("Failed encoding result for task %s: %v", pulled.TaskID, err)
		return
	}
	params, err := protocol.Marshal(protocol.TaskResult{
		JobID:      r.jobID,
		ClientName: r.clientName,
		TaskID:     pulled.TaskID,
		Data:       encoded,
	})
	if err != nil {
		r.log.Errorf("Failed encoding result submission for task %s: %v", pulled.TaskID, err)
		return
	}

	submit := func() error {
		results, err := r.cell.PublishAction(ctx, transport.Action{
			Type:   transport.ForJob(transport.ActionTaskResult, r.jobID),
			ID:     uuid.NewString(),
			Source: r.clientName,
			Params: params,
		}, r.pollTimeout)
		if err != nil {
			return err
		}
		if _, ok := <-results; !ok {
			return fmt.Errorf("executor: result submission for task %s not acked", pulled.TaskID)
		}
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	if err := backoff.Retry(submit, backoff.WithContext(bo, ctx)); err != nil {
		r.log.Errorf("Giving up submitting result for task %s: %v", pulled.TaskID, err)
	}
}
