// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package filter

import (
	"errors"
	"fmt"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/shareable"
)

// A Chain is an ordered list of filters applied left-to-right. The zero
// value is a valid empty chain.
type Chain struct {
	filters []Filter
}

// NewChain returns a Chain over the given filters, applied in argument
// order.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Append adds filters to the end of the chain.
func (c *Chain) Append(filters ...Filter) {
	c.filters = append(c.filters, filters...)
}

// Len returns the number of filters in the chain.
func (c *Chain) Len() int {
	return len(c.filters)
}

// Filters returns the chain's filters in application order.
func (c *Chain) Filters() []Filter {
	return c.filters
}

// Process runs s through every filter in order. The first failing filter
// stops the chain; its error is returned with the filter name attached.
func (c *Chain) Process(s *shareable.Shareable, ctx shareable.RunContext) (*shareable.Shareable, error) {
	for _, f := range c.filters {
		out, err := f.Process(s, ctx)
		if err != nil {
			if errors.Is(err, ErrUnsafeJob) {
				return nil, fmt.Errorf("filter %s: %w", f.Name(), ErrUnsafeJob)
			}
			return nil, fmt.Errorf("filter %s: %w", f.Name(), err)
		}
		s = out
	}
	return s, nil
}

// A Set holds the scope-level and task-level chains for one direction of
// traffic (data or result) and applies them in that fixed order.
type Set struct {
	scope *Chain // site/scope-level filters, always first
	task  map[string]*Chain
	log   *clog.CLogger
}

// NewSet returns a Set with the given scope chain and per-task-name chains.
// Nil chains are treated as empty.
func NewSet(scope *Chain, perTask map[string]*Chain) *Set {
	if scope == nil {
		scope = NewChain()
	}
	if perTask == nil {
		perTask = make(map[string]*Chain)
	}
	return &Set{scope: scope, task: perTask, log: clog.New("filter ")}
}

// Apply runs s through the scope chain, then through the chain registered
// for taskName (if any), both left-to-right.
func (s *Set) Apply(sh *shareable.Shareable, taskName string, ctx shareable.RunContext) (*shareable.Shareable, error) {
	out, err := s.scope.Process(sh, ctx)
	if err != nil {
		return nil, err
	}
	if tc, ok := s.task[taskName]; ok {
		return tc.Process(out, ctx)
	}
	return out, nil
}
