package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SirClappington/mktops/internal/domain"
	"github.com/SirClappington/mktops/internal/jobs"
)

type enqueueRequest struct {
	JobType      domain.JobType  `json:"job_type"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Priority     *int            `json:"priority,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
	RunAt        *time.Time      `json:"run_at,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

func (s Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	var opts []jobs.Option
	if req.Priority != nil {
		opts = append(opts, jobs.WithPriority(*req.Priority))
	}
	if req.MaxRetries != nil {
		opts = append(opts, jobs.WithMaxRetries(*req.MaxRetries))
	}
	if req.RunAt != nil {
		opts = append(opts, jobs.WithRunAt(*req.RunAt))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, jobs.WithMetadata(req.Metadata))
	}

	id, err := s.Jobs.Enqueue(r.Context(), req.JobType, req.ResourceType, req.ResourceID, opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type statusResponse struct {
	Counts domain.StatusCounts `json:"counts"`
	Total  int64               `json:"total"`
}

func (s Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Jobs.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Counts: counts, Total: counts.Total()})
}

func (s Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.Jobs.History(r.Context(), chi.URLParam(r, "resourceType"), chi.URLParam(r, "resourceID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if hist == nil {
		hist = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": hist})
}

// handleProcess kicks off a drain and answers before it finishes.
func (s Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	started := s.Processor.Trigger(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{"started": started})
}
