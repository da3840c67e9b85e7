package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"siderec/internal/capture"
	"siderec/internal/presence"
	"siderec/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// writeDomainError maps service errors onto HTTP statuses. Anything it does
// not recognise is logged and hidden behind a generic 500.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var mergeErr *capture.MergeError
	switch {
	case errors.As(err, &mergeErr):
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "merge failed",
			"stage": string(mergeErr.Stage),
		})
	case errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, capture.ErrInvalidIdentifier),
		errors.Is(err, capture.ErrInvalidIndex),
		errors.Is(err, capture.ErrNotEnoughChunks),
		errors.Is(err, presence.ErrInvalidJoin):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, capture.ErrArtifactMissing),
		errors.Is(err, presence.ErrMeetingNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func decodeJSONAllowUnknown(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return err
	}
	return nil
}
