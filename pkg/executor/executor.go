// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package executor implements the client-side runtime of a running job: a
// single cooperative worker that pulls task assignments from the server,
// runs the locally registered executor for each task name through the
// filter chains, and posts results back.
package executor

import (
	"fmt"
	"sync"

	"github.com/openfedcore/fedcore/pkg/shareable"
	"github.com/openfedcore/fedcore/pkg/signal"
	"github.com/openfedcore/fedcore/pkg/task"
)

// CatchAllTask is the registry key matching any task name without a
// dedicated executor.
const CatchAllTask = "*"

// An Executor handles one named task on a client. Implementations may fan
// out internally but must observe abort at their own suspension points and
// return promptly once it triggers.
type Executor interface {
	// Execute performs the task and returns the result Shareable. A nil
	// result with a nil error is reported to the server as an execution
	// result error. Returning an error wrapping filter.ErrUnsafeJob poisons
	// the whole job.
	Execute(rctx shareable.RunContext, assignment *task.Assignment, abort *signal.Signal) (*shareable.Shareable, error)
}

// Builder constructs an Executor from freeform configuration arguments.
type Builder func(args map[string]any) (Executor, error)

// Registry maps executor names to builders, populated at startup. Task
// dispatch itself never consults the builder registry; a Run is handed a
// fixed task-name binding built from the job's client configuration.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns an empty executor Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register the given builder under name, replacing any previous entry.
func (r *Registry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// Build constructs the executor registered under name with args.
func (r *Registry) Build(name string, args map[string]any) (Executor, error) {
	r.mu.RLock()
	b, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: %s is not defined", name)
	}
	return b(args)
}
