// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package controller

import (
	"context"
	"fmt"
	"sync"
)

// Logic is the pluggable server-side driver of a job's rounds: it issues
// broadcasts, sends, and relays through the Controller handle it is given
// and returns when the job's work is done. A returned error marks the job
// as failed with an execution exception.
type Logic interface {
	// Name uniquely identifies the logic for registry lookup.
	Name() string

	// Run drives the job until completion or abort. Implementations must
	// observe ctrl.Abort() at their own suspension points.
	Run(ctx context.Context, ctrl *Controller) error
}

// Builder constructs a Logic from freeform configuration arguments.
type Builder func(args map[string]any) (Logic, error)

// LogicRegistry maps logic names to builders, populated at startup.
type LogicRegistry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewLogicRegistry returns an empty LogicRegistry.
func NewLogicRegistry() *LogicRegistry {
	return &LogicRegistry{builders: make(map[string]Builder)}
}

// Register the given builder under name, replacing any previous entry.
func (r *LogicRegistry) Register(name string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = b
}

// Build constructs the logic registered under name with args.
func (r *LogicRegistry) Build(name string, args map[string]any) (Logic, error) {
	r.mu.RLock()
	b, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("controller: logic %s is not defined", name)
	}
	return b(args)
}
