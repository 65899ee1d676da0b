// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package filter provides ordered transformation chains applied to every
// task data message on its way out to a client and to every task result on
// its way back. Scope-level filters (e.g. privacy policies configured at
// site load) run before task-level filters, in the same order on both the
// data and the result path.
package filter

import (
	"errors"
	"fmt"

	"github.com/openfedcore/fedcore/pkg/shareable"
)

// ErrUnsafeJob is the distinguished error a filter (or executor) returns to
// poison the whole job. It always propagates to a job abort, unlike an
// ordinary filter error which fails only the single message it was applied
// to.
var ErrUnsafeJob = errors.New("filter: job declared unsafe")

// A Filter transforms one Shareable into another. A filter may not reorder
// or duplicate messages; it observes exactly one message per Process call
// and returns exactly one.
type Filter interface {
	// Name uniquely identifies the filter for registry lookup and logging.
	Name() string

	// Process transforms s, given the run context of the message. Returning
	// an error fails the message; returning an error wrapping ErrUnsafeJob
	// aborts the job.
	Process(s *shareable.Shareable, ctx shareable.RunContext) (*shareable.Shareable, error)
}

// Builder constructs a Filter from freeform configuration arguments. The
// registry of builders is populated at startup; no reflective class
// discovery happens at dispatch time.
type Builder func(args map[string]any) (Filter, error)

// Registry maps filter names to builders.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry returns an empty filter Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register the given builder under name, replacing any previous entry.
func (r *Registry) Register(name string, b Builder) {
	r.builders[name] = b
}

// Build constructs the filter registered under name with args.
func (r *Registry) Build(name string, args map[string]any) (Filter, error) {
	b, ok := r.builders[name]
	if !ok {
		return nil, fmt.Errorf("filter: %s is not defined", name)
	}
	return b(args)
}
