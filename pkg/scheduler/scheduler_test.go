// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/protocol"
)

// fakeResources records reservation traffic per site and can be programmed
// to refuse or ignore specific sites.
type fakeResources struct {
	mu        sync.Mutex
	refuse    map[string]bool // site replies ok=false
	silent    map[string]bool // site never replies (simulated timeout)
	nextToken int
	reserved  map[string]string // token -> site, outstanding reservations
	cancelled []string          // tokens cancelled
}

func newFakeResources() *fakeResources {
	return &fakeResources{
		refuse:   make(map[string]bool),
		silent:   make(map[string]bool),
		reserved: make(map[string]string),
	}
}

func (f *fakeResources) CheckResources(ctx context.Context, site, jobID string, req job.ResourceRequest, timeout time.Duration) (protocol.CheckResourcesReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.silent[site] {
		return protocol.CheckResourcesReply{}, fmt.Errorf("timeout on %s", site)
	}
	if f.refuse[site] {
		return protocol.CheckResourcesReply{OK: false}, nil
	}
	f.nextToken++
	token := fmt.Sprintf("tok-%d", f.nextToken)
	f.reserved[token] = site
	return protocol.CheckResourcesReply{OK: true, Token: token, Resolved: req}, nil
}

func (f *fakeResources) CancelResources(ctx context.Context, site, jobID, token string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, token)
	f.cancelled = append(f.cancelled, token)
	return nil
}

func (f *fakeResources) outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reserved)
}

type fakeLive []string

func (f fakeLive) Live() []string { return f }

func threeSiteJob(id string, minSites int, required ...string) *job.Job {
	spec := make(map[string]job.ResourceRequest)
	deploy := map[string][]string{"app": {}}
	for _, site := range []string{"site-a", "site-b", "site-c"} {
		spec[site] = job.ResourceRequest{"cpu": {Count: 1}}
		deploy["app"] = append(deploy["app"], site)
	}
	return &job.Job{
		ID:            id,
		Name:          id,
		DeployMap:     deploy,
		ResourceSpec:  spec,
		MinSites:      minSites,
		RequiredSites: required,
		Status:        job.Submitted,
	}
}

func TestPickReservesAllSites(t *testing.T) {
	res := newFakeResources()
	s := New(res, fakeLive{"site-a", "site-b", "site-c"}, 2, time.Second)

	j := threeSiteJob("j1", 3, "site-a", "site-b", "site-c")
	picked, info := s.Pick(context.Background(), []*job.Job{j})

	require.NotNil(t, picked)
	assert.Equal(t, "j1", picked.ID)
	assert.Len(t, info, 3)
	for _, site := range []string{"site-a", "site-b", "site-c"} {
		assert.NotEmpty(t, info[site].Token)
	}
	assert.Equal(t, 1, s.ActiveCount())
}

func TestPickRollsBackWhenRequiredSiteDead(t *testing.T) {
	res := newFakeResources()
	// site-b is not live: its reservation can never succeed.
	s := New(res, fakeLive{"site-a", "site-c"}, 2, time.Second)

	j := threeSiteJob("j1", 3, "site-a", "site-b", "site-c")
	picked, info := s.Pick(context.Background(), []*job.Job{j})

	assert.Nil(t, picked)
	assert.Nil(t, info)
	assert.Equal(t, 0, res.outstanding(), "no reservation may leak after a failed attempt")
	assert.Equal(t, 0, s.ActiveCount())
}

func TestPickRollsBackOnInsufficientSites(t *testing.T) {
	res := newFakeResources()
	res.refuse["site-b"] = true
	res.refuse["site-c"] = true
	s := New(res, fakeLive{"site-a", "site-b", "site-c"}, 2, time.Second)

	j := threeSiteJob("j1", 2)
	picked, _ := s.Pick(context.Background(), []*job.Job{j})

	assert.Nil(t, picked)
	assert.Equal(t, 0, res.outstanding())
	assert.NotEmpty(t, res.cancelled, "the successful site-a reservation must be cancelled")
}

func TestPickSkipsToNextCandidate(t *testing.T) {
	res := newFakeResources()
	s := New(res, fakeLive{"site-a", "site-b", "site-c"}, 2, time.Second)

	blocked := threeSiteJob("j1", 3, "site-a", "site-b", "site-c")
	res.silent["site-b"] = true // j1's required site times out

	runnable := threeSiteJob("j2", 2, "site-a")
	picked, info := s.Pick(context.Background(), []*job.Job{blocked, runnable})

	require.NotNil(t, picked)
	assert.Equal(t, "j2", picked.ID)
	assert.Len(t, info, 2) // site-a and site-c reserved; site-b silent
	assert.Equal(t, 2, res.outstanding())
}

func TestPickHonorsMaxConcurrentJobs(t *testing.T) {
	res := newFakeResources()
	s := New(res, fakeLive{"site-a", "site-b", "site-c"}, 1, time.Second)

	j1 := threeSiteJob("j1", 1)
	j2 := threeSiteJob("j2", 1)

	picked, _ := s.Pick(context.Background(), []*job.Job{j1, j2})
	require.NotNil(t, picked)

	picked2, _ := s.Pick(context.Background(), []*job.Job{j2})
	assert.Nil(t, picked2, "max_concurrent_jobs must never be exceeded")

	s.Release(picked.ID)
	picked2, _ = s.Pick(context.Background(), []*job.Job{j2})
	require.NotNil(t, picked2)
	assert.Equal(t, "j2", picked2.ID)
}

func TestPickNeverReschedulesActiveJob(t *testing.T) {
	res := newFakeResources()
	s := New(res, fakeLive{"site-a", "site-b", "site-c"}, 5, time.Second)

	j1 := threeSiteJob("j1", 1)
	picked, _ := s.Pick(context.Background(), []*job.Job{j1})
	require.NotNil(t, picked)

	picked2, _ := s.Pick(context.Background(), []*job.Job{j1})
	assert.Nil(t, picked2)
	assert.Equal(t, 1, s.ActiveCount())
}
