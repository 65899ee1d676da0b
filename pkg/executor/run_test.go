// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfedcore/fedcore/pkg/filter"
	"github.com/openfedcore/fedcore/pkg/protocol"
	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/signal"
	"github.com/openfedcore/fedcore/pkg/task"
	"github.com/openfedcore/fedcore/pkg/transport"
)

const testJob = "job-1"

// fakeServer hands out one scripted assignment per pull, then END_RUN, and
// collects result submissions.
type fakeServer struct {
	mu          sync.Mutex
	assignments []protocol.TaskPullReply
	results     chan protocol.TaskResult
}

func newFakeServer(t *testing.T, cell transport.Cell, assignments ...protocol.TaskPullReply) *fakeServer {
	t.Helper()
	fs := &fakeServer{assignments: assignments, results: make(chan protocol.TaskResult, 16)}
	ctx := context.Background()

	pulls, err := cell.SubscribeAction(ctx, transport.SubscriptionFilter{
		Type: transport.ForJob(transport.ActionTaskAssignment, testJob),
	})
	require.NoError(t, err)
	go func() {
		for req := range pulls {
			fs.mu.Lock()
			var reply protocol.TaskPullReply
			if len(fs.assignments) == 0 {
				reply = protocol.TaskPullReply{Kind: protocol.PullKindEndRun}
			} else {
				reply = fs.assignments[0]
				fs.assignments = fs.assignments[1:]
			}
			fs.mu.Unlock()
			data, _ := protocol.Marshal(reply)
			_ = req.Reply(transport.ActionResult{Context: transport.ServerParticipant, Data: data})
		}
	}()

	subs, err := cell.SubscribeAction(ctx, transport.SubscriptionFilter{
		Type: transport.ForJob(transport.ActionTaskResult, testJob),
	})
	require.NoError(t, err)
	go func() {
		for req := range subs {
			var sub protocol.TaskResult
			_ = protocol.Unmarshal(req.Params, &sub)
			fs.results <- sub
			ack, _ := protocol.Marshal(protocol.Ack{OK: true})
			_ = req.Reply(transport.ActionResult{Context: transport.ServerParticipant, Data: ack})
		}
	}()
	return fs
}

// assignment builds a scripted assignment reply carrying a well-formed
// task Shareable for the given job id.
func assignment(t *testing.T, taskID, name, jobID string) protocol.TaskPullReply {
	t.Helper()
	data := shareable.New("input")
	if jobID != "" {
		data.Set(shareable.HeaderJobID, jobID)
	}
	data.Set(shareable.HeaderTaskID, taskID)
	data.Set(shareable.HeaderTaskName, name)
	data.Set(shareable.HeaderCookieJar, map[string]any{"hop": "1"})
	encoded, err := shareable.Encode(data)
	require.NoError(t, err)
	return protocol.TaskPullReply{
		Kind:     protocol.PullKindAssignment,
		TaskID:   taskID,
		TaskName: name,
		Data:     encoded,
	}
}

func awaitResult(t *testing.T, fs *fakeServer) protocol.TaskResult {
	t.Helper()
	select {
	case res := <-fs.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("no result submitted")
		return protocol.TaskResult{}
	}
}

func decodeResult(t *testing.T, sub protocol.TaskResult) *shareable.Shareable {
	t.Helper()
	sh, err := shareable.Decode(sub.Data)
	require.NoError(t, err)
	return sh
}

type staticExecutor struct {
	result *shareable.Shareable
	err    error
}

func (e *staticExecutor) Execute(rctx shareable.RunContext, a *task.Assignment, abort *signal.Signal) (*shareable.Shareable, error) {
	return e.result, e.err
}

func runWith(t *testing.T, cell transport.Cell, execs map[string]Executor, opts ...func(*RunOptions)) *Run {
	t.Helper()
	o := RunOptions{
		JobID:         testJob,
		ClientName:    "site-a",
		Executors:     execs,
		FetchInterval: 10 * time.Millisecond,
		PollTimeout:   time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	run := NewRun(cell, o)
	go func() { _ = run.Loop(context.Background()) }()
	return run
}

func TestResultCarriesCookieJarAndMetadata(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", testJob))

	runWith(t, cell, map[string]Executor{"train": &staticExecutor{result: shareable.New("out")}})

	sub := awaitResult(t, fs)
	assert.Equal(t, "t1", sub.TaskID)
	assert.Equal(t, "site-a", sub.ClientName)

	sh := decodeResult(t, sub)
	assert.Equal(t, shareable.OK, sh.ReturnCode())
	assert.Equal(t, "t1", sh.GetString(shareable.HeaderTaskID))
	assert.Equal(t, "train", sh.GetString(shareable.HeaderTaskName))
	jar, ok := sh.Get(shareable.HeaderCookieJar)
	require.True(t, ok, "cookie jar must be preserved in the reply")
	assert.NotNil(t, jar)
}

func TestUnknownTaskRepliesTaskUnknown(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "mystery", testJob))

	runWith(t, cell, map[string]Executor{"train": &staticExecutor{result: shareable.New(nil)}})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.TaskUnknown, sh.ReturnCode())
}

func TestCatchAllExecutorHandlesAnyTask(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "mystery", testJob))

	runWith(t, cell, map[string]Executor{CatchAllTask: &staticExecutor{result: shareable.New("any")}})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.OK, sh.ReturnCode())
}

func TestJobMismatchRepliesRunMismatch(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", "other-job"))

	runWith(t, cell, map[string]Executor{"train": &staticExecutor{result: shareable.New(nil)}})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.RunMismatch, sh.ReturnCode())
}

func TestMissingPeerContextReplied(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", ""))

	runWith(t, cell, map[string]Executor{"train": &staticExecutor{result: shareable.New(nil)}})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.MissingPeerContext, sh.ReturnCode())
}

func TestExecutorErrorRepliesExecutionException(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", testJob))

	runWith(t, cell, map[string]Executor{"train": &staticExecutor{err: fmt.Errorf("model exploded")}})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.ExecutionException, sh.ReturnCode())
}

func TestNilResultRepliesExecutionResultError(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", testJob))

	runWith(t, cell, map[string]Executor{"train": &staticExecutor{}})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.ExecutionResultError, sh.ReturnCode())
}

func TestUnsafeJobAbortsRun(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", testJob))

	run := runWith(t, cell, map[string]Executor{
		"train": &staticExecutor{err: fmt.Errorf("poisoned: %w", filter.ErrUnsafeJob)},
	})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.UnsafeJob, sh.ReturnCode())

	assert.Eventually(t, func() bool { return run.Abort().Triggered() },
		2*time.Second, 10*time.Millisecond, "an unsafe job must abort the run")
}

// unsafeFilter poisons the job from the data path.
type unsafeFilter struct{}

func (f *unsafeFilter) Name() string { return "unsafe" }
func (f *unsafeFilter) Process(s *shareable.Shareable, ctx shareable.RunContext) (*shareable.Shareable, error) {
	return nil, filter.ErrUnsafeJob
}

func TestDataFilterUnsafeAbortsRun(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", testJob))

	run := runWith(t, cell, map[string]Executor{"train": &staticExecutor{result: shareable.New(nil)}},
		func(o *RunOptions) {
			o.DataFilters = filter.NewSet(filter.NewChain(&unsafeFilter{}), nil)
		})

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.UnsafeJob, sh.ReturnCode())
	assert.Eventually(t, func() bool { return run.Abort().Triggered() },
		2*time.Second, 10*time.Millisecond)
}

func TestAbortTaskOverridesExecutorOutput(t *testing.T) {
	cell := transport.NewFakeCell()
	fs := newFakeServer(t, cell, assignment(t, "t1", "train", testJob))

	started := make(chan struct{}, 1)
	blocking := executorFunc(func(rctx shareable.RunContext, a *task.Assignment, abort *signal.Signal) (*shareable.Shareable, error) {
		started <- struct{}{}
		<-abort.Done()
		return shareable.New("ignored"), nil
	})
	run := runWith(t, cell, map[string]Executor{"train": blocking})

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("executor never started")
	}
	run.AbortTask()

	sh := decodeResult(t, awaitResult(t, fs))
	assert.Equal(t, shareable.TaskAborted, sh.ReturnCode())
	assert.False(t, run.Abort().Triggered(), "a task-level abort must not tear down the run")
}

// executorFunc adapts a function to the Executor interface.
type executorFunc func(shareable.RunContext, *task.Assignment, *signal.Signal) (*shareable.Shareable, error)

func (f executorFunc) Execute(rctx shareable.RunContext, a *task.Assignment, abort *signal.Signal) (*shareable.Shareable, error) {
	return f(rctx, a, abort)
}
