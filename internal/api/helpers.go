package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/log"
	"github.com/vdavid/mailgate/internal/mailerr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(kind mailerr.Kind) int {
	switch kind {
	case mailerr.Unauthorized:
		return http.StatusForbidden
	case mailerr.InvalidInput:
		return http.StatusBadRequest
	case mailerr.FolderNotFound, mailerr.DraftNotFound:
		return http.StatusNotFound
	case mailerr.ConnectionLost:
		return http.StatusServiceUnavailable
	case mailerr.Timeout:
		return http.StatusGatewayTimeout
	case mailerr.ReconciliationPartialFailure:
		return http.StatusInternalServerError
	case mailerr.Canceled:
		return http.StatusRequestTimeout
	case mailerr.RateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

// publicMessage is the text shown to clients. Only validation messages are
// passed through; everything else gets a fixed sentence so transport details
// never reach the caller.
func publicMessage(err error, fallback string) string {
	kind := mailerr.KindOf(err)
	switch kind {
	case mailerr.InvalidInput:
		var e *mailerr.Error
		if errors.As(err, &e) && e.Err != nil {
			return capitalize(e.Err.Error()) + "."
		}
		return "Invalid request."
	case mailerr.Unauthorized:
		return "Unauthorized sender."
	case mailerr.FolderNotFound:
		return "Folder not found."
	case mailerr.DraftNotFound:
		return "Draft not found."
	case mailerr.ConnectionLost:
		return "Connection to the mail server was lost. Please try again."
	case mailerr.Timeout:
		return "The mail server did not respond in time. Please try again."
	case mailerr.ReconciliationPartialFailure:
		return "The old draft was deleted but the updated draft could not be saved."
	case mailerr.Canceled:
		return "Request canceled."
	case mailerr.RateLimited:
		return "Too many requests, please try again later."
	}
	return fallback
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// WriteError logs err and writes the JSON error body with the status derived
// from its kind. fallback is the message used for upstream failures.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	kind := mailerr.KindOf(err)
	status := StatusFor(kind)

	entry := log.Logger(log.API).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Errorf("Request failed: %v", err)
	} else {
		entry.Infof("Request rejected: %v", err)
	}

	writeJSON(w, status, ErrorResponse{Error: publicMessage(err, fallback), Kind: kind.String()})
}

// WriteJSONResponse encodes v as a 200 JSON response. It buffers the encoding
// so a failure never leaves a partial body. Returns false if writing failed.
func WriteJSONResponse(w http.ResponseWriter, v any) bool {
	return writeJSON(w, http.StatusOK, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) bool {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Logger(log.API).Errorf("Failed to encode JSON response: %v", err)
		http.Error(w, `{"error":"Internal server error","kind":"upstream_failure"}`, http.StatusInternalServerError)
		return false
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Logger(log.API).Warnf("Failed to write JSON response: %v", err)
		return false
	}
	return true
}

// ParseLimit reads the "limit" query parameter. A missing value yields def;
// anything that is not a positive integer is an InvalidInput error.
func ParseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, mailerr.Errorf(mailerr.InvalidInput, "api.ParseLimit", "limit must be a positive integer")
	}
	return n, nil
}
