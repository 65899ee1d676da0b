// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package job defines the Job data model and its lifecycle
package job

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is a job's position in the lifecycle DAG
type Status string

const (
	Submitted                 Status = "SUBMITTED"
	Dispatched                Status = "DISPATCHED"
	Running                   Status = "RUNNING"
	FinishedCompleted         Status = "FINISHED_COMPLETED"
	FinishedAborted           Status = "FINISHED_ABORTED"
	FinishedExecutionException Status = "FINISHED_EXECUTION_EXCEPTION"
	FinishedCantSchedule      Status = "FINISHED_CANT_SCHEDULE"
)

// Terminal reports whether s is one of the FINISHED_* terminal states.
func (s Status) Terminal() bool {
	switch s {
	case FinishedCompleted, FinishedAborted, FinishedExecutionException, FinishedCantSchedule:
		return true
	default:
		return false
	}
}

// transitions enumerates the legal lifecycle DAG edges
var transitions = map[Status][]Status{
	Submitted:  {Dispatched, FinishedCantSchedule},
	Dispatched: {Running, FinishedCantSchedule, FinishedAborted},
	Running:    {FinishedCompleted, FinishedAborted, FinishedExecutionException, FinishedCantSchedule},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// in the lifecycle DAG.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReservedSite is the deploy_map site name reserved for the server-side
// controller; it is never checked for resources and never appears in
// required_sites/dispatch results
const ReservedSite = "server"

// ResourceAmount is a sum type over a divisible integer count (e.g. cpu) and
// an indivisible id set (e.g. gpu ids)
type ResourceAmount struct {
	// Count is the requested quantity for a divisible resource. Zero means
	// "not a divisible request" when IDs is non-nil.
	Count int `json:"count,omitempty"`
	// IDs lists the element ids of an indivisible resource: a site's
	// declared capacity names its ids here, and the Resource Manager fills
	// in the ids it picked on a successful reservation (see pkg/resource).
	// A request asks for Count elements of an indivisible kind.
	IDs []string `json:"ids,omitempty"`
}

// Divisible reports whether this amount represents a divisible (count-based)
// resource request rather than an indivisible (id-set) one.
func (r ResourceAmount) Divisible() bool {
	return r.IDs == nil
}

// ResourceRequest maps resource-kind (e.g. "cpu", "gpu") to the amount
// requested, compared against a site's declared capacity by a site-local
// policy
type ResourceRequest map[string]ResourceAmount

// Job is the complete specification of a federated computation: app
// payload identity, deploy map, and resource needs.
type Job struct {
	ID           string                     `db:"id" json:"job_id" validate:"required"`
	Name         string                     `db:"name" json:"name" validate:"required"`
	DeployMap    map[string][]string        `db:"-" json:"deploy_map" validate:"required"`
	ResourceSpec map[string]ResourceRequest `db:"-" json:"resource_spec"`
	MinSites     int                        `db:"min_sites" json:"min_sites" validate:"min=1"`
	RequiredSites []string                  `db:"-" json:"required_sites,omitempty"`
	Meta         map[string]any             `db:"-" json:"meta,omitempty"`
	Status       Status                     `db:"status" json:"status"`
	SubmitterID  string                     `db:"submitter_id" json:"submitter_id"`
	SubmitTime   time.Time                  `db:"submit_time" json:"submit_time"`
	StartTime    *time.Time                 `db:"start_time" json:"start_time,omitempty"`
	Duration     time.Duration              `db:"duration_ns" json:"duration"`
	Revision     int64                      `db:"revision" json:"-"`
}

// ClientSites returns the deploy_map sites excluding the reserved "server"
// site, i.e. the sites requiring a resource reservation
func (j *Job) ClientSites() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sites := range j.DeployMap {
		for _, s := range sites {
			if s == ReservedSite {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// RequiredSitesValid reports whether
// required_sites ⊆ deploy_map \ {server}.
func (j *Job) RequiredSitesValid() bool {
	clientSet := make(map[string]struct{})
	for _, s := range j.ClientSites() {
		clientSet[s] = struct{}{}
	}
	for _, s := range j.RequiredSites {
		if _, ok := clientSet[s]; !ok {
			return false
		}
	}
	return true
}

var validate = validator.New()

// Validate checks structural invariants beyond what struct tags express:
// required_sites must be a subset of the client sites in deploy_map, and
// min_sites must not exceed the number of client sites in deploy_map.
func (j *Job) Validate() error {
	if err := validate.Struct(j); err != nil {
		return err
	}
	if !j.RequiredSitesValid() {
		return ErrRequiredSitesNotInDeployMap
	}
	if j.MinSites > len(j.ClientSites()) {
		return ErrMinSitesUnreachable
	}
	return nil
}
