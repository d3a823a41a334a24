package api

import (
	"jobfiles/internal/apperrors"
	"jobfiles/internal/token"
	"log/slog"
	"net/http"
)

type keyResponse struct {
	JobID  string `json:"job_id"`
	JobKey string `json:"job_key"`
}

// MintKey handles POST /api/jobs/{jobId}/keys. It returns a job files
// token for an existing job to a scheduler that does not hold the secret.
func (h *Handler) MintKey(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if _, err := h.jobs.GetJob(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	key, err := h.tokens.Encode(jobID, token.KindJobFiles)
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.mintKey", err))
		return
	}

	slog.InfoContext(r.Context(), "Job key minted", "jobId", jobID)
	h.writeJSON(w, http.StatusOK, keyResponse{JobID: jobID, JobKey: key})
}
