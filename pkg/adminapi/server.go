// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package adminapi exposes the admin command surface as a JSON HTTP API
// for the dashboard and other tooling. It is a thin routing layer: every
// endpoint calls the same admin.Service methods as the CLI, so
// authorization and auditing behave identically.
package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfedcore/fedcore/pkg/admin"
	"github.com/openfedcore/fedcore/pkg/job"
	"github.com/openfedcore/fedcore/pkg/shareable"
)

// Submitter identity headers. The authentication layer in front of this
// API is an external collaborator; it injects the verified identity here.
const (
	HeaderUser = "X-Fedcore-User"
	HeaderOrg  = "X-Fedcore-Org"
)

// Server routes the admin HTTP API.
type Server struct {
	svc *admin.Service
}

// NewServer returns a Server over svc.
func NewServer(svc *admin.Service) *Server {
	return &Server{svc: svc}
}

// Handler builds the chi router for the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderUser, HeaderOrg},
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.submitJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Delete("/", s.deleteJob)
			r.Post("/abort", s.abortJob)
			r.Post("/abort_task", s.abortTask)
			r.Post("/clone", s.cloneJob)
			r.Get("/download", s.downloadJob)
			r.Get("/blob", s.resolveDownload)
		})
	})
	return r
}

func submitter(r *http.Request) shareable.Submitter {
	return shareable.Submitter{
		Identity: r.Header.Get(HeaderUser),
		Org:      r.Header.Get(HeaderOrg),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, admin.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, job.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, job.ErrNotDeletable), errors.Is(err, job.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, admin.ErrBadDownloadToken):
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	blob, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.svc.SubmitArchive(r.Context(), submitter(r), blob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.List(r.Context(), submitter(r), admin.ListOptions{
		NamePrefix: r.URL.Query().Get("name_prefix"),
		IDPrefix:   r.URL.Query().Get("id_prefix"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("detailed") == "true" {
		writeJSON(w, http.StatusOK, jobs)
		return
	}

	type row struct {
		JobID      string `json:"job_id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		SubmitTime string `json:"submit_time"`
		Duration   string `json:"duration"`
	}
	out := make([]row, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, row{
			JobID:      j.ID,
			Name:       j.Name,
			Status:     string(j.Status),
			SubmitTime: j.SubmitTime.Format(time.RFC3339),
			Duration:   j.Duration.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.List(r.Context(), submitter(r), admin.ListOptions{IDPrefix: chi.URLParam(r, "jobID")})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(jobs) == 0 {
		writeError(w, job.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, jobs[0])
}

func (s *Server) abortJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Abort(r.Context(), submitter(r), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

func (s *Server) abortTask(w http.ResponseWriter, r *http.Request) {
	client := r.URL.Query().Get("client")
	if client == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing client parameter"})
		return
	}
	if err := s.svc.AbortTask(r.Context(), submitter(r), chi.URLParam(r, "jobID"), client); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), submitter(r), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) cloneJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Clone(r.Context(), submitter(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
}

func (s *Server) downloadJob(w http.ResponseWriter, r *http.Request) {
	dl, err := s.svc.DownloadJob(r.Context(), submitter(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if dl.Token != "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id":       dl.JobID,
			"download_url": "/api/v1/jobs/" + dl.JobID + "/blob?token=" + dl.Token,
		})
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(dl.Blob)
}

func (s *Server) resolveDownload(w http.ResponseWriter, r *http.Request) {
	blob, err := s.svc.ResolveDownload(r.Context(), chi.URLParam(r, "jobID"), r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	_, _ = w.Write(blob)
}
