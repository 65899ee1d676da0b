// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package task defines the Task and TaskAssignment types shared by the
// Controller Runtime (C7) and Executor Runtime (C8)
package task

import (
	"time"

	"github.com/openfedcore/fedcore/pkg/shareable"
)

// SendOrder selects how a Controller's send/relay primitive walks targets,
//
type SendOrder int

const (
	Sequential SendOrder = iota
	Any
)

// CompletionStatus records why a task reached a terminal state.
type CompletionStatus string

const (
	CompletionNormal    CompletionStatus = "NORMAL"
	CompletionTimeout   CompletionStatus = "TIMEOUT"
	CompletionCancelled CompletionStatus = "CANCELLED"
	CompletionAborted   CompletionStatus = "ABORTED"
)

// Task is created by the controller and destroyed after all targets respond
// or the task is cancelled
type Task struct {
	ID                   string
	Name                 string
	Data                 *shareable.Shareable
	Targets              []string
	Timeout              time.Duration
	MinResponses         int
	WaitAfterMinReceived time.Duration

	// AssignmentTimeout bounds how long a target has to pull the assignment
	// before a send/relay primitive moves on to the next target.
	AssignmentTimeout time.Duration
}

// Assignment is what a client sees when it calls get_task_assignment.
type Assignment struct {
	TaskID string
	Name   string
	Data   *shareable.Shareable
}
