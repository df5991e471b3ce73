package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/wolfeidau/img2url"
	"github.com/wolfeidau/img2url/expiry"
	"github.com/wolfeidau/img2url/ingest"
	"github.com/wolfeidau/img2url/stats"
	"github.com/wolfeidau/img2url/telemetry"
)

var errMissingFile = apiError{http.StatusBadRequest, CodeMissingFile, "No file provided"}

// handleUpload accepts a multipart form with a "file" part and optional
// "expiration" (days, 0 keeps the image forever) and "turnstile" fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "upload")

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, apiError{http.StatusBadRequest, CodeFileTooLarge, "File size exceeds 10MB limit"})
			return
		}
		writeError(w, r, errMissingFile)
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, errMissingFile)
		return
	}
	defer file.Close() //nolint:errcheck

	data, err := io.ReadAll(file)
	if err != nil {
		s.logger.Warn("reading upload failed", "error", err)
		writeError(w, r, errUploadFailed)
		return
	}

	ip := clientIP(r)
	res, err := s.pipeline.Ingest(r.Context(), &ingest.Request{
		Data:         data,
		DeclaredType: header.Header.Get("Content-Type"),
		Size:         header.Size,
		ExpiryDays:   parseExpiration(r.FormValue("expiration")),
		CaptchaToken: r.FormValue("turnstile"),
		ClientIP:     ip,
		UserAgent:    r.UserAgent(),
		BaseURL:      requestBaseURL(r),
	})
	if err != nil {
		e := uploadError(err)
		if e.Status >= http.StatusInternalServerError {
			s.logger.Error("upload failed", "ip", ip, "error", err)
		} else {
			s.logger.Debug("upload rejected", "ip", ip, "code", e.Code, "error", err)
		}
		writeError(w, r, e)
		return
	}

	if res.Duplicate {
		telemetry.SetResult(r, telemetry.ResultDuplicate)
	} else {
		telemetry.SetResult(r, telemetry.ResultStored)
	}
	writeSuccess(w, res)
}

// parseExpiration reads the expiration field. Anything that is not a
// positive integer means the image never expires.
func parseExpiration(v string) int {
	days, err := strconv.Atoi(v)
	if err != nil || days < 0 {
		return 0
	}
	return days
}

// handleImage serves a stored image by its file name. Any of the accepted
// extensions resolves to the same object.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "image")

	code, _, err := img2url.ParseObjectKey(r.PathValue("file"))
	if err != nil {
		telemetry.SetResult(r, telemetry.ResultMissing)
		http.NotFound(w, r)
		return
	}

	d, err := s.expiryMgr.Fetch(r.Context(), code, clientIP(r))
	switch {
	case err == nil:
	case errors.Is(err, expiry.ErrRateLimited):
		telemetry.SetResult(r, telemetry.ResultRejected)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	case errors.Is(err, expiry.ErrNotFound):
		telemetry.SetResult(r, telemetry.ResultMissing)
		http.Error(w, "Image not found", http.StatusNotFound)
		return
	case errors.Is(err, expiry.ErrGone):
		telemetry.SetResult(r, telemetry.ResultGone)
		http.Error(w, "Image has expired", http.StatusGone)
		return
	default:
		s.logger.Error("serving image failed", "code", code, "error", err)
		http.Error(w, "Failed to retrieve image", http.StatusInternalServerError)
		return
	}
	defer d.Body.Close() //nolint:errcheck

	telemetry.SetResult(r, telemetry.ResultServed)

	h := w.Header()
	h.Set("ETag", d.ETag)
	h.Set("Cache-Control", d.CacheControl)
	if r.Header.Get("If-None-Match") == d.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", d.ContentType)
	h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, d.Body); err != nil {
		s.logger.Debug("image write interrupted", "code", code, "error", err)
	}
}

type statsBody struct {
	Success bool            `json:"success"`
	Data    *stats.Snapshot `json:"data"`
	Cached  bool            `json:"cached"`
}

// handleStats reports usage. It never fails: when the figures cannot be
// computed a zero report is returned.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "stats")

	rep, err := s.stats.GetStats(r.Context())
	if err != nil {
		s.logger.Warn("computing stats failed", "error", err)
		writeJSON(w, http.StatusOK, statsBody{Success: true, Data: s.stats.Zero()})
		return
	}
	writeJSON(w, http.StatusOK, statsBody{Success: true, Data: rep.Snapshot, Cached: rep.Cached})
}

type syncResult struct {
	SyncedImages        int64  `json:"syncedImages"`
	SyncedSize          int64  `json:"syncedSize"`
	SyncedSizeFormatted string `json:"syncedSizeFormatted"`
	Message             string `json:"message"`
}

// handleSyncStats rebuilds the storage totals from a full listing.
func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "sync_stats")

	totals, err := s.stats.Reconcile(r.Context())
	if err != nil {
		s.logger.Error("stats sync failed", "error", err)
		writeError(w, r, apiError{http.StatusInternalServerError, CodeSyncFailed, "Sync failed"})
		return
	}
	writeSuccess(w, syncResult{
		SyncedImages:        totals.Count,
		SyncedSize:          totals.TotalSize,
		SyncedSizeFormatted: stats.FormatSize(totals.TotalSize),
		Message:             "Stats synchronized",
	})
}

type cleanupResult struct {
	DeletedCount int `json:"deletedCount"`
}

// handleCleanup runs one expiry sweep.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetRoute(r, "cleanup")

	res := s.expiryMgr.RunOnce(r.Context())
	if res.Err != nil {
		writeError(w, r, apiError{http.StatusInternalServerError, CodeCleanupFailed, "Cleanup failed"})
		return
	}
	writeSuccess(w, cleanupResult{DeletedCount: res.Expired})
}
