// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openfedcore/fedcore/pkg/clog"
	"github.com/openfedcore/fedcore/pkg/job"
)

func toDuration(ns int64) time.Duration { return time.Duration(ns) }

// SqlStore is the durable Store backend: jobs persist in a `jobs` table
// behind jmoiron/sqlx, with the pgx/v5 stdlib driver registered under the
// "pgx" name. Columns that aren't flat scalars (deploy_map,
// resource_spec, required_sites, meta) are stored as JSONB and
// marshaled/unmarshaled at the boundary, since job.Job tags those fields
// `db:"-"` for direct sqlx scanning.
type SqlStore struct {
	db  *sqlx.DB
	log *clog.CLogger
}

// NewSqlStore wraps an already-opened *sqlx.DB. Callers are responsible
// for running migrations (see migrations.go) before first use.
func NewSqlStore(db *sqlx.DB) *SqlStore {
	return &SqlStore{db: db, log: clog.New("jobstore ")}
}

// jobRow is the flat, sqlx-scannable shape of the jobs table.
type jobRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	DeployMap     []byte         `db:"deploy_map"`
	ResourceSpec  []byte         `db:"resource_spec"`
	MinSites      int            `db:"min_sites"`
	RequiredSites []byte         `db:"required_sites"`
	Meta          []byte         `db:"meta"`
	Status        string         `db:"status"`
	SubmitterID   string         `db:"submitter_id"`
	SubmitTime    sql.NullTime   `db:"submit_time"`
	StartTime     sql.NullTime   `db:"start_time"`
	DurationNs    int64          `db:"duration_ns"`
	Revision      int64          `db:"revision"`
}

func toRow(j *job.Job) (*jobRow, error) {
	deployMap, err := json.Marshal(j.DeployMap)
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshal deploy_map: %w", err)
	}
	resourceSpec, err := json.Marshal(j.ResourceSpec)
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshal resource_spec: %w", err)
	}
	requiredSites, err := json.Marshal(j.RequiredSites)
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshal required_sites: %w", err)
	}
	meta, err := json.Marshal(j.Meta)
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshal meta: %w", err)
	}
	r := &jobRow{
		ID:            j.ID,
		Name:          j.Name,
		DeployMap:     deployMap,
		ResourceSpec:  resourceSpec,
		MinSites:      j.MinSites,
		RequiredSites: requiredSites,
		Meta:          meta,
		Status:        string(j.Status),
		SubmitterID:   j.SubmitterID,
		SubmitTime:    sql.NullTime{Time: j.SubmitTime, Valid: !j.SubmitTime.IsZero()},
		DurationNs:    int64(j.Duration),
		Revision:      j.Revision,
	}
	if j.StartTime != nil {
		r.StartTime = sql.NullTime{Time: *j.StartTime, Valid: true}
	}
	return r, nil
}

func fromRow(r *jobRow) (*job.Job, error) {
	j := &job.Job{
		ID:          r.ID,
		Name:        r.Name,
		MinSites:    r.MinSites,
		Status:      job.Status(r.Status),
		SubmitterID: r.SubmitterID,
		SubmitTime:  r.SubmitTime.Time,
		Duration:    toDuration(r.DurationNs),
		Revision:    r.Revision,
	}
	if r.StartTime.Valid {
		t := r.StartTime.Time
		j.StartTime = &t
	}
	if err := json.Unmarshal(r.DeployMap, &j.DeployMap); err != nil {
		return nil, fmt.Errorf("jobstore: unmarshal deploy_map: %w", err)
	}
	if len(r.ResourceSpec) > 0 {
		if err := json.Unmarshal(r.ResourceSpec, &j.ResourceSpec); err != nil {
			return nil, fmt.Errorf("jobstore: unmarshal resource_spec: %w", err)
		}
	}
	if len(r.RequiredSites) > 0 {
		if err := json.Unmarshal(r.RequiredSites, &j.RequiredSites); err != nil {
			return nil, fmt.Errorf("jobstore: unmarshal required_sites: %w", err)
		}
	}
	if len(r.Meta) > 0 {
		if err := json.Unmarshal(r.Meta, &j.Meta); err != nil {
			return nil, fmt.Errorf("jobstore: unmarshal meta: %w", err)
		}
	}
	return j, nil
}

func (s *SqlStore) Create(ctx context.Context, j *job.Job) error {
	j.Revision = 1
	row, err := toRow(j)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, name, deploy_map, resource_spec, min_sites, required_sites,
		                   meta, status, submitter_id, submit_time, start_time, duration_ns, revision)
		VALUES (:id, :name, :deploy_map, :resource_spec, :min_sites, :required_sites,
		        :meta, :status, :submitter_id, :submit_time, :start_time, :duration_ns, :revision)
	`, row)
	if err != nil {
		return fmt.Errorf("jobstore: create %s: %w", j.ID, err)
	}
	return nil
}

func (s *SqlStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, jobID)
	if err == sql.ErrNoRows {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get %s: %w", jobID, err)
	}
	return fromRow(&row)
}

func (s *SqlStore) List(ctx context.Context, filter ListFilter) ([]*job.Job, error) {
	query := `SELECT * FROM jobs WHERE 1=1`
	args := make(map[string]any)
	if filter.Status != "" {
		query += ` AND status = :status`
		args["status"] = string(filter.Status)
	}
	if filter.SubmitterID != "" {
		query += ` AND submitter_id = :submitter_id`
		args["submitter_id"] = filter.SubmitterID
	}
	query += ` ORDER BY submit_time ASC`

	rows, err := s.db.NamedQueryContext(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("jobstore: list: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		var row jobRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("jobstore: list scan: %w", err)
		}
		j, err := fromRow(&row)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SqlStore) SetStatus(ctx context.Context, jobID string, expectedRevision int64, newStatus job.Status) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Revision != expectedRevision {
		return job.ErrRevisionConflict
	}
	if !job.CanTransition(current.Status, newStatus) {
		return job.ErrInvalidTransition
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, revision = revision + 1
		WHERE id = $2 AND revision = $3
	`, string(newStatus), jobID, expectedRevision)
	if err != nil {
		return fmt.Errorf("jobstore: set_status %s: %w", jobID, err)
	}
	return checkOneRowUpdated(res, jobID)
}

func (s *SqlStore) SetProperty(ctx context.Context, jobID string, expectedRevision int64, set func(*job.Job)) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Revision != expectedRevision {
		return job.ErrRevisionConflict
	}
	set(current)
	row, err := toRow(current)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET start_time = $1, duration_ns = $2, revision = revision + 1
		WHERE id = $3 AND revision = $4
	`, row.StartTime, row.DurationNs, jobID, expectedRevision)
	if err != nil {
		return fmt.Errorf("jobstore: set_property %s: %w", jobID, err)
	}
	return checkOneRowUpdated(res, jobID)
}

// Blob kinds in the job_blobs table.
const (
	blobKindContent   = "content"
	blobKindWorkspace = "workspace"
)

func (s *SqlStore) putBlob(ctx context.Context, jobID, kind string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_blobs (job_id, kind, blob) VALUES ($1, $2, $3)
		ON CONFLICT (job_id, kind) DO UPDATE SET blob = EXCLUDED.blob
	`, jobID, kind, blob)
	if err != nil {
		return fmt.Errorf("jobstore: put %s blob %s: %w", kind, jobID, err)
	}
	return nil
}

func (s *SqlStore) getBlob(ctx context.Context, jobID, kind string) ([]byte, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob, `SELECT blob FROM job_blobs WHERE job_id = $1 AND kind = $2`, jobID, kind)
	if err == sql.ErrNoRows {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: get %s blob %s: %w", kind, jobID, err)
	}
	return blob, nil
}

func (s *SqlStore) PutContent(ctx context.Context, jobID string, blob []byte) error {
	return s.putBlob(ctx, jobID, blobKindContent, blob)
}

func (s *SqlStore) GetContent(ctx context.Context, jobID string) ([]byte, error) {
	return s.getBlob(ctx, jobID, blobKindContent)
}

func (s *SqlStore) PutWorkspace(ctx context.Context, jobID string, blob []byte) error {
	return s.putBlob(ctx, jobID, blobKindWorkspace, blob)
}

func (s *SqlStore) GetWorkspace(ctx context.Context, jobID string) ([]byte, error) {
	return s.getBlob(ctx, jobID, blobKindWorkspace)
}

func (s *SqlStore) Delete(ctx context.Context, jobID string) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status == job.Dispatched || current.Status == job.Running {
		return job.ErrNotDeletable
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_blobs WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("jobstore: delete blobs %s: %w", jobID, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("jobstore: delete %s: %w", jobID, err)
	}
	return nil
}

func checkOneRowUpdated(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobstore: rows affected %s: %w", jobID, err)
	}
	if n == 0 {
		return job.ErrRevisionConflict
	}
	return nil
}
