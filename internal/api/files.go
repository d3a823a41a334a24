package api

import (
	"errors"
	"fmt"
	"io"
	"jobfiles/internal/apperrors"
	"jobfiles/internal/audit"
	"jobfiles/internal/authz"
	"jobfiles/internal/canonical"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// maxFieldBytes bounds each multipart form field read before the file part.
const maxFieldBytes = 64 << 10

type uploadResponse struct {
	Message string `json:"message"`
	Bytes   int64  `json:"bytes"`
}

// DownloadFile handles GET /api/jobs/{jobId}/files?path=...&job_key=...
func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	query := r.URL.Query()
	rawPath := query.Get("path")

	decision := h.authorize(r, jobID, query.Get("job_key"), rawPath, authz.OpRead)
	if !decision.Allowed {
		h.handleError(w, r, decision.Err())
		return
	}
	target, err := confirmPath(decision.Path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	f, err := os.Open(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			h.handleError(w, r, apperrors.NotFound("file", rawPath))
			return
		}
		h.handleError(w, r, apperrors.Internal("api.download", err))
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.download", err))
		return
	}
	if info.IsDir() {
		h.handleError(w, r, apperrors.Validation("path", "path is a directory"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filepath.Base(target)}))
	w.Header().Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	h.recordTransfer(r, authz.OpRead, n, err == nil)
	if err != nil {
		slog.WarnContext(r.Context(), "Download interrupted", "jobId", jobID, "path", target, "bytes", n, "error", err)
		return
	}
	slog.InfoContext(r.Context(), "File downloaded", "jobId", jobID, "path", target, "bytes", n)
}

// UploadFile handles POST /api/jobs/{jobId}/files.
//
// A multipart/form-data body carries path and job_key as form fields
// followed by the content in the "file" part. The fields are read and the
// request authorized before any of the file part is consumed. Any other body
// is the content itself, with path and job_key in the query string.
func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	src, err := uploadSource(r)
	if err != nil {
		h.uploadError(w, r, err)
		return
	}

	decision := h.authorize(r, jobID, src.key, src.path, authz.OpWrite)
	if !decision.Allowed {
		h.handleError(w, r, decision.Err())
		return
	}
	target, err := confirmPath(decision.Path)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	n, err := writeFile(decision.Root, target, src.body)
	h.recordTransfer(r, authz.OpWrite, n, err == nil)
	if err != nil {
		h.uploadError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "File uploaded", "jobId", jobID, "path", target, "bytes", n)
	h.writeJSON(w, http.StatusOK, uploadResponse{Message: "ok", Bytes: n})
}

// upload is the content and parameters of a write request.
type upload struct {
	path string
	key  string
	body io.Reader
}

func uploadSource(r *http.Request) (*upload, error) {
	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, apperrors.Validation("Content-Type", "malformed Content-Type")
		}
		mediaType = mt
	}

	if mediaType != "multipart/form-data" {
		query := r.URL.Query()
		return &upload{
			path: query.Get("path"),
			key:  query.Get("job_key"),
			body: r.Body,
		}, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperrors.Validation("body", "malformed multipart body")
	}
	src := &upload{}
	var sawPath, sawKey bool
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperrors.Validation("file", "file part is required")
		}
		if err != nil {
			return nil, multipartError(err)
		}
		switch part.FormName() {
		case "file":
			if !sawPath || !sawKey {
				return nil, apperrors.Validation("file", "path and job_key must precede the file part")
			}
			src.body = part
			return src, nil
		case "path":
			src.path, err = readField(part)
			sawPath = true
		case "job_key":
			src.key, err = readField(part)
			sawKey = true
		default:
			_, err = readField(part)
		}
		if err != nil {
			return nil, err
		}
	}
}

func readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", multipartError(err)
	}
	if len(data) > maxFieldBytes {
		return "", apperrors.Validation(part.FormName(), "form field too large")
	}
	return string(data), nil
}

func multipartError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return apperrors.Validation("body", "malformed multipart body")
}

func (h *Handler) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		err = apperrors.TooLarge(maxErr.Limit)
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		err = apperrors.Internal("api.upload", err)
	}
	h.handleError(w, r, err)
}

// authorize runs the authorizer and reports the decision to metrics, logs
// and the audit sink.
func (h *Handler) authorize(r *http.Request, jobID, key, rawPath string, op authz.Operation) authz.Decision {
	ctx := r.Context()
	start := time.Now()
	decision := h.authz.Authorize(ctx, authz.Request{
		JobID:     jobID,
		Token:     key,
		Path:      rawPath,
		Operation: op,
	})
	if h.metrics != nil {
		h.metrics.RecordDecision(ctx, string(op), decision.Allowed, decision.Reason.String(), time.Since(start).Seconds())
	}

	rec := audit.Record{
		JobID:      jobID,
		Operation:  string(op),
		Path:       rawPath,
		Allowed:    decision.Allowed,
		RemoteAddr: r.RemoteAddr,
		Time:       time.Now().UTC(),
	}
	if !decision.Path.IsZero() {
		rec.Path = decision.Path.String()
	}
	if !decision.Allowed {
		rec.Reason = decision.Reason.String()
		rec.Code = decision.Reason.Code()
		rec.Detail = decision.Detail
		slog.WarnContext(ctx, "Access denied",
			"jobId", jobID,
			"operation", op,
			"path", rawPath,
			"reason", decision.Reason.String(),
			"err_code", decision.Reason.Code(),
			"detail", decision.Detail,
		)
	}
	if err := h.audit.Record(rec); err != nil {
		slog.WarnContext(ctx, "Audit record dropped", "jobId", jobID, "error", err)
	}
	return decision
}

func (h *Handler) recordTransfer(r *http.Request, op authz.Operation, n int64, success bool) {
	if h.metrics != nil {
		h.metrics.RecordTransfer(r.Context(), string(op), n, success)
	}
}

// confirmPath canonicalizes an allowed path once more right before I/O and
// refuses it if a symlink changed underneath since the decision.
func confirmPath(allowed canonical.Path) (string, error) {
	again, err := canonical.Canonicalize(allowed.String())
	if err != nil || !again.Equal(allowed) {
		slog.Warn("Path changed after authorization", "path", allowed.String(), "now", again.String(), "error", err)
		return "", apperrors.Forbidden(authz.ReasonInvalidPath.Code())
	}
	return again.String(), nil
}

// writeFile stores the content of src at target through a temp file in the
// same directory, so readers never see a partial file. Every operation goes
// through an os.Root opened at root (the target's directory when root is
// zero), so a directory replaced by a symlink after authorization cannot
// redirect the write outside it.
func writeFile(root canonical.Path, target string, src io.Reader) (int64, error) {
	base := filepath.Dir(target)
	if !root.IsZero() {
		base = root.String()
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return 0, fmt.Errorf("locating %s under %s: %w", target, base, err)
	}
	fsys, err := os.OpenRoot(base)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", base, err)
	}
	defer fsys.Close()

	if info, err := fsys.Stat(rel); err == nil && info.IsDir() {
		return 0, apperrors.Validation("path", "path is a directory")
	}
	dir := filepath.Dir(rel)
	if dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	tmpName := filepath.Join(dir, ".upload-"+uuid.NewString())
	tmp, err := fsys.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("creating temp file in %s: %w", filepath.Join(base, dir), err)
	}
	fail := func(n int64, err error) (int64, error) {
		tmp.Close()
		fsys.Remove(tmpName)
		return n, err
	}

	n, err := io.Copy(tmp, src)
	if err != nil {
		return fail(n, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fail(n, err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(n, err)
	}
	if err := tmp.Close(); err != nil {
		fsys.Remove(tmpName)
		return n, err
	}
	if err := fsys.Rename(tmpName, rel); err != nil {
		fsys.Remove(tmpName)
		return n, fmt.Errorf("renaming into %s: %w", target, err)
	}
	return n, nil
}
