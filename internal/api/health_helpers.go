package api

import (
	"context"
	"net/http"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string            `json:"status"`
	Components   []componentStatus `json:"components"`
	LiveSessions int               `json:"liveSessions"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, int, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, recordComponent("datastore", h.Store.Ping(ctx)))
	}

	live := 0
	if h.Sessions != nil {
		count, err := h.Sessions.Count(ctx)
		live = count
		components = append(components, recordComponent("sessions", err))
	}

	return components, live, overallStatus, statusCode
}

// Health reports datastore and session registry availability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, live, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, healthResponse{Status: status, Components: components, LiveSessions: live})
}
