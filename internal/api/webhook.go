package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/bobarin/reelsmith/internal/db"
	"github.com/bobarin/reelsmith/internal/errs"
	"github.com/bobarin/reelsmith/internal/models"
	"github.com/bobarin/reelsmith/internal/storage"
)

const (
	signatureHeader = "X-Webhook-Signature"
	signaturePrefix = "sha256="
	maxWebhookBody  = 1 << 20
)

// webhookPayload is what pushing providers post back.
type webhookPayload struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error,omitempty"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// verifySignature checks the header against the raw body. With no secret
// configured every payload is accepted.
func verifySignature(secret, header string, body []byte) error {
	if secret == "" {
		return nil
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return errs.Signature("webhook", "missing signature")
	}
	if !hmac.Equal([]byte(Sign(secret, body)), []byte(header)) {
		return errs.Signature("webhook", "signature mismatch")
	}
	return nil
}

// Webhook handles POST /v1/webhooks/{provider}. The body is authenticated
// before any field in it is trusted; a rejected payload touches neither
// storage nor the job.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	logger := h.logger.With().Str("provider", provider).Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}
	if err := verifySignature(h.webhookSecret, r.Header.Get(signatureHeader), body); err != nil {
		logger.Warn().Err(err).Msg("webhook rejected")
		respondError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}
	if h.webhookSecret == "" {
		logger.Warn().Msg("webhook accepted without signature, WEBHOOK_SECRET is not set")
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil || !models.ValidJobID(p.JobID) {
		respondError(w, http.StatusBadRequest, "Invalid payload")
		return
	}
	logger = logger.With().Str("job_id", p.JobID).Str("status", p.Status).Logger()

	job, err := h.store.GetJob(r.Context(), p.JobID)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	if job.Status.IsTerminal() {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	switch strings.ToUpper(p.Status) {
	case "COMPLETED":
		if p.OutputURL == "" {
			respondError(w, http.StatusBadRequest, "output_url is required")
			return
		}
		res, err := h.objects.StreamFromURL(r.Context(), p.OutputURL, storage.JobPath(p.JobID, "final.mp4"), "video/mp4")
		if err != nil {
			logger.Error().Err(err).Msg("webhook asset not persisted")
			respondError(w, http.StatusBadGateway, "Failed to persist asset")
			return
		}
		if _, err := h.store.CompleteJob(r.Context(), p.JobID, res.URL); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update job")
			return
		}
		logger.Info().Int64("bytes", res.Size).Msg("webhook asset persisted")
		respondJSON(w, http.StatusOK, map[string]string{"status": "completed"})

	case "FAILED":
		msg := errs.Public(errs.AtStage(provider, errs.Capability("webhook", errors.New(p.Error))))
		if _, err := h.store.FailJob(r.Context(), p.JobID, msg); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update job")
			return
		}
		logger.Warn().Str("reason", p.Error).Msg("provider reported failure")
		respondJSON(w, http.StatusOK, map[string]string{"status": "failed"})

	default:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	}
}
