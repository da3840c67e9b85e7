package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"siderec/internal/models"
	"siderec/internal/storage"
)

type createMeetingRequest struct {
	Title       string `json:"title"`
	HostID      string `json:"hostId"`
	Description string `json:"description"`
}

type joinMeetingRequest struct {
	MeetingID string `json:"meetingId"`
	Code      string `json:"code"`
	UserID    string `json:"userId"`
}

type meetingResponse struct {
	Message string         `json:"message,omitempty"`
	Meeting models.Meeting `json:"meeting"`
}

type meetingDetailsResponse struct {
	Meeting models.MeetingDetails `json:"meeting"`
}

type meetingHistoryResponse struct {
	Meetings []models.MeetingDetails `json:"meetings"`
}

func (h *Handler) CreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req createMeetingRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.HostID) == "" {
		WriteError(w, http.StatusBadRequest, errors.New("title and hostId are required"))
		return
	}
	meeting, err := h.Store.CreateMeeting(r.Context(), storage.CreateMeetingParams{
		HostID:      req.HostID,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	h.logger(r).Info("meeting created", "meeting_id", meeting.ID, "host_id", meeting.HostID)
	writeJSON(w, http.StatusCreated, meetingResponse{Message: "Meeting created", Meeting: meeting})
}

// JoinMeeting records a user as a participant without marking them present;
// presence starts when the realtime channel joins.
func (h *Handler) JoinMeeting(w http.ResponseWriter, r *http.Request) {
	var req joinMeetingRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	ref := strings.TrimSpace(req.MeetingID)
	if ref == "" {
		ref = strings.TrimSpace(req.Code)
	}
	if ref == "" || strings.TrimSpace(req.UserID) == "" {
		WriteError(w, http.StatusBadRequest, errors.New("meetingId (or code) and userId are required"))
		return
	}
	meeting, err := h.Store.ResolveMeeting(r.Context(), ref)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	if _, err := h.Store.AddParticipant(r.Context(), meeting.ID, req.UserID); err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, meetingResponse{Message: "User added to meeting", Meeting: meeting})
}

func (h *Handler) MeetingDetails(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meeting, err := h.Store.ResolveMeeting(ctx, chi.URLParam(r, "meetingId"))
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	joinedOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("joined")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, errors.New("joined must be a boolean"))
			return
		}
		joinedOnly = parsed
	}
	participants, err := h.Store.ListParticipants(ctx, meeting.ID, joinedOnly)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	writeJSON(w, http.StatusOK, meetingDetailsResponse{
		Meeting: models.MeetingDetails{Meeting: meeting, Participants: participants},
	})
}

func (h *Handler) MeetingHistory(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		WriteError(w, http.StatusBadRequest, errors.New("userId is required"))
		return
	}
	meetings, err := h.Store.ListMeetingsForUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	if meetings == nil {
		meetings = []models.MeetingDetails{}
	}
	writeJSON(w, http.StatusOK, meetingHistoryResponse{Meetings: meetings})
}
