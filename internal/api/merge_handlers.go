package api

import (
	"errors"
	"net/http"
	"strings"

	"siderec/internal/models"
)

type mergeUserRequest struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
}

type sideBySideRequest struct {
	MeetingID string `json:"meetingId"`
	UserA     string `json:"userA"`
	UserB     string `json:"userB"`
}

type mergeResponse struct {
	Message  string                `json:"message"`
	Artifact models.MergedArtifact `json:"artifact"`
}

func (h *Handler) MergeUser(w http.ResponseWriter, r *http.Request) {
	var req mergeUserRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.MeetingID) == "" || strings.TrimSpace(req.UserID) == "" {
		WriteError(w, http.StatusBadRequest, errors.New("meetingId and userId are required"))
		return
	}
	meetingID, err := h.canonicalMeetingID(r.Context(), req.MeetingID)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	artifact, err := h.Merges.MergeUser(r.Context(), meetingID, strings.TrimSpace(req.UserID))
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, mergeResponse{Message: "Chunks merged successfully", Artifact: artifact})
}

func (h *Handler) MergeSideBySide(w http.ResponseWriter, r *http.Request) {
	var req sideBySideRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.MeetingID) == "" || strings.TrimSpace(req.UserA) == "" || strings.TrimSpace(req.UserB) == "" {
		WriteError(w, http.StatusBadRequest, errors.New("meetingId, userA and userB are required"))
		return
	}
	meetingID, err := h.canonicalMeetingID(r.Context(), req.MeetingID)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	artifact, err := h.Merges.MergeSideBySide(r.Context(), meetingID, strings.TrimSpace(req.UserA), strings.TrimSpace(req.UserB))
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, mergeResponse{Message: "Final side-by-side merge completed", Artifact: artifact})
}
