package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Recording streams the composed recording of a meeting with range support.
func (h *Handler) Recording(w http.ResponseWriter, r *http.Request) {
	meetingID, err := h.canonicalMeetingID(r.Context(), chi.URLParam(r, "meetingId"))
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	file, info, err := h.Merges.OpenFinal(meetingID)
	if err != nil {
		writeDomainError(w, h.logger(r), err)
		return
	}
	defer file.Close()
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
	w.Header().Set("Cache-Control", "private, max-age=300")
	http.ServeContent(w, r, info.Name(), info.ModTime(), file)
}
