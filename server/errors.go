package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfeidau/img2url/abuse"
	"github.com/wolfeidau/img2url/ingest"
	"github.com/wolfeidau/img2url/telemetry"
)

// Error codes returned in failure bodies.
const (
	CodeMissingFile       = "MISSING_FILE"
	CodeInvalidFileType   = "INVALID_FILE_TYPE"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeCaptchaRequired   = "CAPTCHA_REQUIRED"
	CodeCaptchaUsed       = "CAPTCHA_USED"
	CodeCaptchaFailed     = "CAPTCHA_FAILED"
	CodeConfigError       = "CONFIG_ERROR"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeStorageFull       = "STORAGE_FULL"
	CodeUploadFailed      = "UPLOAD_FAILED"
	CodeSyncFailed        = "SYNC_FAILED"
	CodeCleanupFailed     = "CLEANUP_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// apiError is a failure the client sees.
type apiError struct {
	Status  int
	Code    string
	Message string
}

// uploadErrors maps pipeline sentinels to responses, checked in order.
var uploadErrors = []struct {
	err error
	api apiError
}{
	{ingest.ErrInvalidType, apiError{http.StatusBadRequest, CodeInvalidFileType, "Only image files are allowed"}},
	{ingest.ErrTooLarge, apiError{http.StatusBadRequest, CodeFileTooLarge, "File size exceeds 10MB limit"}},
	{abuse.ErrCaptchaRequired, apiError{http.StatusForbidden, CodeCaptchaRequired, "Captcha verification is required for high-volume uploads"}},
	{abuse.ErrCaptchaUsed, apiError{http.StatusForbidden, CodeCaptchaUsed, "This verification token has already been used"}},
	{abuse.ErrCaptchaFailed, apiError{http.StatusForbidden, CodeCaptchaFailed, "Captcha verification failed"}},
	{abuse.ErrCaptchaNotConfigured, apiError{http.StatusInternalServerError, CodeConfigError, "Captcha verification is not configured"}},
	{abuse.ErrDailyLimit, apiError{http.StatusTooManyRequests, CodeRateLimitExceeded, "Daily upload limit exceeded, try again tomorrow"}},
	{abuse.ErrBurstLimit, apiError{http.StatusTooManyRequests, CodeRateLimitExceeded, "Too many uploads, slow down"}},
	{ingest.ErrStorageFull, apiError{http.StatusInsufficientStorage, CodeStorageFull, "Storage is nearly full, uploads are paused"}},
}

var errUploadFailed = apiError{http.StatusInternalServerError, CodeUploadFailed, "Upload failed"}

// uploadError classifies an error returned by the upload pipeline.
// Anything unrecognised is an internal upload failure.
func uploadError(err error) apiError {
	for _, e := range uploadErrors {
		if errors.Is(err, e.err) {
			return e.api
		}
	}
	return errUploadFailed
}

type errorBody struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type successBody struct {
	Success bool `json:"success"`
	Code    int  `json:"code"`
	Data    any  `json:"data"`
}

func writeError(w http.ResponseWriter, r *http.Request, e apiError) {
	telemetry.SetErrorCode(r, e.Code)
	writeJSON(w, e.Status, errorBody{
		Success: false,
		Code:    e.Status,
		Error:   e.Code,
		Message: e.Message,
	})
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successBody{Success: true, Code: http.StatusOK, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
