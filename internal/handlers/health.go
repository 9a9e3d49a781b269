package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"claudegate/internal/auth"
)

// tokenWarnWindow: a token this close to expiry still serves traffic but the
// health report flags it, since refresh should have happened already.
const tokenWarnWindow = 5 * time.Minute

// HealthHandler serves GET /healthz with credential state.
type HealthHandler struct {
	Auth *auth.Manager
}

func NewHealthHandler(m *auth.Manager) *HealthHandler {
	return &HealthHandler{Auth: m}
}

type healthResponse struct {
	Status    string      `json:"status"` // healthy, degraded, unhealthy
	ProjectID string      `json:"project_id,omitempty"`
	Token     tokenHealth `json:"token"`
}

type tokenHealth struct {
	Status    string `json:"status"` // ok, warning, expired
	ExpiresIn int64  `json:"expires_in_seconds"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	info := h.Auth.TokenInfo()

	resp := healthResponse{
		Status:    "healthy",
		ProjectID: info.ProjectID,
		Token: tokenHealth{
			Status:    "ok",
			ExpiresIn: int64(info.ExpiresIn.Seconds()),
		},
	}
	status := http.StatusOK

	switch {
	case info.ExpiresIn <= 0:
		resp.Status = "unhealthy"
		resp.Token.Status = "expired"
		status = http.StatusServiceUnavailable
	case info.ExpiresIn < tokenWarnWindow:
		resp.Status = "degraded"
		resp.Token.Status = "warning"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
