package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"siderec/internal/capture"
	"siderec/internal/observability/logging"
	"siderec/internal/session"
	"siderec/internal/storage"
)

const defaultMaxChunkBytes = 64 << 20

type Handler struct {
	Store    storage.Repository
	Sessions session.Registry
	Chunks   *capture.ChunkStore
	Merges   *capture.Engine
	Logger   *slog.Logger
	// MaxChunkBytes caps a single upload request. Defaults to 64 MiB.
	MaxChunkBytes int64
}

func NewHandler(store storage.Repository, sessions session.Registry, merges *capture.Engine) *Handler {
	h := &Handler{Store: store, Sessions: sessions, Merges: merges}
	if merges != nil {
		h.Chunks = merges.Store()
	}
	return h
}

// Routes registers the REST endpoints under /api. uploadLimits wrap the
// chunk upload route only.
func (h *Handler) Routes(r chi.Router, uploadLimits ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/meetings", func(r chi.Router) {
			r.Post("/", h.CreateMeeting)
			r.Post("/join", h.JoinMeeting)
			r.Get("/history/{userId}", h.MeetingHistory)
			r.Get("/{meetingId}", h.MeetingDetails)
		})
		r.With(uploadLimits...).Post("/upload", h.UploadChunk)
		r.Get("/chunks/{meetingId}/{userId}", h.ListChunks)
		r.Post("/merge", h.MergeUser)
		r.Post("/merge/side-by-side", h.MergeSideBySide)
		r.Get("/recordings/{meetingId}", h.Recording)
	})
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(r.Context(), logging.WithComponent(logger, "http"))
}

func (h *Handler) maxChunkBytes() int64 {
	if h.MaxChunkBytes > 0 {
		return h.MaxChunkBytes
	}
	return defaultMaxChunkBytes
}

// canonicalMeetingID resolves an id or public code to the stored meeting id.
// Without a store the reference is used as given.
func (h *Handler) canonicalMeetingID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if h.Store == nil {
		return ref, nil
	}
	meeting, err := h.Store.ResolveMeeting(ctx, ref)
	if err != nil {
		return "", err
	}
	return meeting.ID, nil
}
