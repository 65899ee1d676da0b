// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package admin

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/jobstore"
	"github.com/openfedcore/fedcore/pkg/shareable"
)

var alice = shareable.Submitter{Identity: "alice", Org: "org-a"}

func testMeta() *Meta {
	return &Meta{
		Name:       "train-mnist",
		DeployMap:  map[string][]string{"app": {job.ReservedSite, "site-a", "site-b"}},
		MinClients: 1,
		ResourceSpec: map[string]job.ResourceRequest{
			"site-a": {"cpu": {Count: 1}},
			"site-b": {"cpu": {Count: 1}},
		},
	}
}

func newTestService(store jobstore.Store) *Service {
	return NewService(Options{
		Store:               store,
		Signer:              NewURLSigner([]byte("test-key"), time.Minute),
		InlineDownloadLimit: 64,
	})
}

func TestSubmitAndDownloadInline(t *testing.T) {
	store := jobstore.NewMemStore()
	s := newTestService(store)
	ctx := context.Background()

	id, err := s.Submit(ctx, alice, testMeta(), []byte("small-blob"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	j, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", j.SubmitterID)
	assert.Equal(t, job.Submitted, j.Status)

	dl, err := s.DownloadJob(ctx, alice, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("small-blob"), dl.Blob)
	assert.Empty(t, dl.Token)
}

func TestDownloadLargeBlobReturnsToken(t *testing.T) {
	store := jobstore.NewMemStore()
	s := newTestService(store)
	ctx := context.Background()

	big := bytes.Repeat([]byte("x"), 1024)
	id, err := s.Submit(ctx, alice, testMeta(), big)
	require.NoError(t, err)

	dl, err := s.DownloadJob(ctx, alice, id)
	require.NoError(t, err)
	assert.Nil(t, dl.Blob)
	require.NotEmpty(t, dl.Token)

	blob, err := s.ResolveDownload(ctx, id, dl.Token)
	require.NoError(t, err)
	assert.Equal(t, big, blob)

	_, err = s.ResolveDownload(ctx, id, "1.tampered")
	assert.ErrorIs(t, err, ErrBadDownloadToken)
	_, err = s.ResolveDownload(ctx, "other-job", dl.Token)
	assert.ErrorIs(t, err, ErrBadDownloadToken)
}

func TestSubmitRejectsInvalidMeta(t *testing.T) {
	s := newTestService(jobstore.NewMemStore())

	bad := testMeta()
	bad.RequiredSites = []string{"site-nope"}
	_, err := s.Submit(context.Background(), alice, bad, []byte("blob"))
	require.ErrorIs(t, err, job.ErrRequiredSitesNotInDeployMap)
}

func TestCloneCopiesContentUnderNewIdentity(t *testing.T) {
	store := jobstore.NewMemStore()
	s := newTestService(store)
	ctx := context.Background()

	id, err := s.Submit(ctx, alice, testMeta(), []byte("blob"))
	require.NoError(t, err)

	bob := shareable.Submitter{Identity: "bob"}
	cloneID, err := s.Clone(ctx, bob, id)
	require.NoError(t, err)
	require.NotEqual(t, id, cloneID)

	clone, err := store.Get(ctx, cloneID)
	require.NoError(t, err)
	assert.Equal(t, "bob", clone.SubmitterID)
	assert.Equal(t, job.Submitted, clone.Status)

	blob, err := store.GetContent(ctx, cloneID)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), blob)
}

func TestDeleteBlocksScheduledJobs(t *testing.T) {
	store := jobstore.NewMemStore()
	s := newTestService(store)
	ctx := context.Background()

	id, err := s.Submit(ctx, alice, testMeta(), []byte("blob"))
	require.NoError(t, err)
	require.NoError(t, store.SetStatus(ctx, id, 1, job.Dispatched))

	err = s.Delete(ctx, alice, id)
	require.ErrorIs(t, err, job.ErrNotDeletable)
}

func TestListFiltersByPrefix(t *testing.T) {
	store := jobstore.NewMemStore()
	s := newTestService(store)
	ctx := context.Background()

	m1 := testMeta()
	m1.Name = "train-mnist"
	id1, err := s.Submit(ctx, alice, m1, []byte("b"))
	require.NoError(t, err)

	m2 := testMeta()
	m2.Name = "validate-mnist"
	_, err = s.Submit(ctx, alice, m2, []byte("b"))
	require.NoError(t, err)

	jobs, err := s.List(ctx, alice, ListOptions{NamePrefix: "train"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, id1, jobs[0].ID)

	jobs, err = s.List(ctx, alice, ListOptions{IDPrefix: id1[:8]})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
}

// denyHook rejects everything for a named identity.
type denyHook struct{ deny string }

func (h denyHook) Authorize(sub shareable.Submitter, command, jobID string) error {
	if sub.Identity == h.deny {
		return errors.New("blocked by policy")
	}
	return nil
}

func TestAuthorizationHookIsEnforced(t *testing.T) {
	store := jobstore.NewMemStore()
	s := NewService(Options{Store: store, Authz: denyHook{deny: "mallory"}})

	_, err := s.Submit(context.Background(), shareable.Submitter{Identity: "mallory"}, testMeta(), []byte("b"))
	require.ErrorIs(t, err, ErrNotAuthorized)

	_, err = s.Submit(context.Background(), alice, testMeta(), []byte("b"))
	require.NoError(t, err)
}

func TestSubmitArchiveParsesMeta(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("train-mnist/" + MetaFile)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(w).Encode(testMeta()))
	require.NoError(t, zw.Close())

	store := jobstore.NewMemStore()
	s := newTestService(store)
	id, err := s.SubmitArchive(context.Background(), alice, buf.Bytes())
	require.NoError(t, err)

	j, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "train-mnist", j.Name)
}
