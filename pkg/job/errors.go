// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package job

import "errors"

var (
	// ErrNotFound is returned by a Store when a referenced job_id does not
	// exist
	ErrNotFound = errors.New("job: not found")

	// ErrInvalidTransition is returned by a Store's set_status when the
	// requested move is not an edge of the lifecycle DAG
	// The store's state is left unmutated.
	ErrInvalidTransition = errors.New("job: invalid status transition")

	// ErrRevisionConflict is returned when a set_status/set_property call
	// races another writer for the same job (optimistic concurrency).
	ErrRevisionConflict = errors.New("job: revision conflict, retry")

	ErrRequiredSitesNotInDeployMap = errors.New("job: required_sites is not a subset of deploy_map client sites")
	ErrMinSitesUnreachable         = errors.New("job: min_sites exceeds number of client sites in deploy_map")

	// ErrNotDeletable is returned by delete_job when status is DISPATCHED or
	// RUNNING
	ErrNotDeletable = errors.New("job: cannot delete job in DISPATCHED or RUNNING status")
)
