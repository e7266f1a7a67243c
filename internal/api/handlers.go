package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bobarin/reelsmith/internal/db"
	"github.com/bobarin/reelsmith/internal/models"
	"github.com/bobarin/reelsmith/internal/storage"
)

const downloadURLTTL = time.Hour

// JobStore is the persisted job state the API reads and, for webhooks,
// settles.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) (bool, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, limit int) ([]models.Job, error)
	CompleteJob(ctx context.Context, id, videoURL string) (bool, error)
	FailJob(ctx context.Context, id, message string) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) (bool, error)
}

// ObjectStore is the slice of durable storage the API touches.
type ObjectStore interface {
	KeyFromURL(url string) (string, bool)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	StreamFromURL(ctx context.Context, srcURL, key, contentType string) (*storage.UploadResult, error)
}

type Handler struct {
	store         JobStore
	queue         Enqueuer
	objects       ObjectStore
	webhookSecret string
	logger        zerolog.Logger
}

func NewHandler(store JobStore, q Enqueuer, objects ObjectStore, webhookSecret string, logger zerolog.Logger) *Handler {
	return &Handler{
		store:         store,
		queue:         q,
		objects:       objects,
		webhookSecret: webhookSecret,
		logger:        logger.With().Str("component", "api").Logger(),
	}
}

// CreateJob handles POST /v1/jobs. Resubmitting a job id returns the existing
// job instead of starting another pipeline.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validateCreateJob(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	job := &models.Job{ID: jobID, Status: models.JobStatusPending, ProductData: req.Product}
	if req.ProductReference != "" {
		ref := req.ProductReference
		job.ProductRef = &ref
	}

	created, err := h.store.CreateJob(r.Context(), job)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("create job failed")
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	// Enqueue is idempotent, so a duplicate submission also repairs a job
	// whose first enqueue failed.
	if _, err := h.queue.Enqueue(r.Context(), jobID); err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID).Msg("enqueue failed")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	status := http.StatusAccepted
	if !created {
		existing, err := h.store.GetJob(r.Context(), jobID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to load job")
			return
		}
		job = existing
		status = http.StatusOK
	}

	respondJSON(w, status, models.CreateJobResponse{JobID: job.ID, Status: job.Status})
}

func validateCreateJob(req *models.CreateJobRequest) string {
	hasRef := strings.TrimSpace(req.ProductReference) != ""
	switch {
	case hasRef && req.Product != nil:
		return "Provide either product_reference or product, not both"
	case !hasRef && req.Product == nil:
		return "product_reference or product is required"
	}
	if req.JobID != "" && !models.ValidJobID(req.JobID) {
		return "job_id must be at most 128 characters without spaces or slashes"
	}
	if p := req.Product; p != nil {
		switch {
		case strings.TrimSpace(p.Title) == "":
			return "product.title is required"
		case len(p.Images) == 0:
			return "product.images must not be empty"
		case p.Price < 0:
			return "product.price must not be negative"
		}
		p.Cutouts = nil
		p.BackgroundURL = ""
		p.AvatarURL = ""
	}
	return ""
}

// ListJobs handles GET /v1/jobs?limit=n (default 20, max 100).
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	jobs, err := h.store.ListJobs(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	out := make([]models.JobStatusResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, jobs[i].StatusResponse())
	}
	respondJSON(w, http.StatusOK, out)
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, job.StatusResponse())
}

// GetJobDownload handles GET /v1/jobs/{id}/download by redirecting to a
// short-lived signed URL for the final video.
func (h *Handler) GetJobDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.JobStatusCompleted || job.VideoURL == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	key, inBucket := h.objects.KeyFromURL(*job.VideoURL)
	if !inBucket {
		http.Redirect(w, r, *job.VideoURL, http.StatusFound)
		return
	}
	signed, err := h.objects.SignedURL(r.Context(), key, downloadURLTTL)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", job.ID).Msg("sign download failed")
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}
	http.Redirect(w, r, signed, http.StatusFound)
}

func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*models.Job, bool) {
	id := chi.URLParam(r, "id")
	if !models.ValidJobID(id) {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return nil, false
	}
	job, err := h.store.GetJob(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return nil, false
	}
	return job, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
