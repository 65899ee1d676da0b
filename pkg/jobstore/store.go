// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package jobstore implements the durable repository of job definitions,
// metadata, status, and data blobs. It is the authoritative source of job
// state across server restarts.
package jobstore

import (
	"context"

	"github.com/openfedcore/fedcore/pkg/job"
)

// ListFilter narrows a list_jobs query admin surface.
type ListFilter struct {
	Status      job.Status
	SubmitterID string
}

// Store is the backend-agnostic Job Store contract. SetStatus and
// SetProperty are revision-guarded: they only apply if the caller's view of
// the job is not stale (optimistic concurrency).
type Store interface {
	// Create persists a new job at revision 1. Returns job.ErrNotFound's
	// sibling condition never applies here; a duplicate id is a backend
	// error.
	Create(ctx context.Context, j *job.Job) error

	// Get returns the job's current metadata and revision. Returns
	// job.ErrNotFound if job_id is unknown.
	Get(ctx context.Context, jobID string) (*job.Job, error)

	// List returns jobs matching filter, ordered by submit_time, oldest
	// first, so callers iterating candidates observe FIFO order.
	List(ctx context.Context, filter ListFilter) ([]*job.Job, error)

	// PutContent stores the job's app payload blob.
	PutContent(ctx context.Context, jobID string, blob []byte) error

	// GetContent returns the job's app payload blob. Returns
	// job.ErrNotFound if no blob has been stored for job_id.
	GetContent(ctx context.Context, jobID string) ([]byte, error)

	// PutWorkspace stores the job's workspace output blob, produced when a
	// run finishes.
	PutWorkspace(ctx context.Context, jobID string, blob []byte) error

	// GetWorkspace returns the job's workspace output blob, or
	// job.ErrNotFound if the run has not produced one.
	GetWorkspace(ctx context.Context, jobID string) ([]byte, error)

	// SetStatus moves a job to newStatus iff the stored revision still
	// matches expectedRevision and the move is a legal lifecycle edge.
	// Returns job.ErrRevisionConflict on a stale caller view,
	// job.ErrInvalidTransition on an illegal edge.
	SetStatus(ctx context.Context, jobID string, expectedRevision int64, newStatus job.Status) error

	// SetProperty updates a single mutable field (currently start_time or
	// duration) under the same revision guard as SetStatus.
	SetProperty(ctx context.Context, jobID string, expectedRevision int64, set func(*job.Job)) error

	// Delete removes a job's record. Returns job.ErrNotDeletable if the
	// job is DISPATCHED or RUNNING.
	Delete(ctx context.Context, jobID string) error
}
