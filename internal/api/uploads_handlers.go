package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"siderec/internal/models"
	"siderec/internal/observability/metrics"
)

// multipartMemory is the part of a chunk kept in memory before spilling to
// a temporary file.
const multipartMemory = 8 << 20

type uploadChunkResponse struct {
	Message    string `json:"message"`
	MeetingID  string `json:"meetingId"`
	UserID     string `json:"userId"`
	ChunkIndex int    `json:"chunkIndex"`
	SizeBytes  int64  `json:"sizeBytes"`
}

type chunkListResponse struct {
	MeetingID string         `json:"meetingId"`
	UserID    string         `json:"userId"`
	Chunks    []models.Chunk `json:"chunks"`
}

// UploadChunk stores one multipart "chunk" file for (meetingId, userId,
// chunkIndex). Chunks may arrive in any order and a repeated index replaces
// the earlier file.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkBytes())
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("chunk exceeds %d bytes", tooLarge.Limit))
			return
		}
		WriteError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	meetingRef := strings.TrimSpace(r.FormValue("meetingId"))
	userID := strings.TrimSpace(r.FormValue("userId"))
	rawIndex := strings.TrimSpace(r.FormValue("chunkIndex"))
	file, _, err := r.FormFile("chunk")
	if err != nil || meetingRef == "" || userID == "" || rawIndex == "" {
		if file != nil {
			file.Close()
		}
		WriteError(w, http.StatusBadRequest, errors.New("missing required data"))
		return
	}
	defer file.Close()

	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		WriteError(w, http.StatusBadRequest, errors.New("invalid chunk index"))
		return
	}

	meetingID, err := h.canonicalMeetingID(r.Context(), meetingRef)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	chunk, err := h.Chunks.Write(r.Context(), meetingID, userID, index, file)
	if err != nil {
		metrics.ChunkFailed()
		h.logger(r).Warn("chunk write failed", "meeting_id", meetingID, "user_id", userID, "index", index, "error", err)
		writeDomainError(w, h.logger(r), err)
		return
	}
	metrics.ChunkStored(chunk.SizeBytes)
	h.logger(r).Debug("chunk stored", "meeting_id", meetingID, "user_id", userID, "index", index, "bytes", chunk.SizeBytes)
	writeJSON(w, http.StatusOK, uploadChunkResponse{
		Message:    "Chunk uploaded successfully",
		MeetingID:  meetingID,
		UserID:     userID,
		ChunkIndex: index,
		SizeBytes:  chunk.SizeBytes,
	})
}

func (h *Handler) ListChunks(w http.ResponseWriter, r *http.Request) {
	meetingID, err := h.canonicalMeetingID(r.Context(), chi.URLParam(r, "meetingId"))
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	userID := chi.URLParam(r, "userId")
	chunks, err := h.Chunks.List(r.Context(), meetingID, userID)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	writeJSON(w, http.StatusOK, chunkListResponse{MeetingID: meetingID, UserID: userID, Chunks: chunks})
}
