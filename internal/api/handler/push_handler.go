package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/notifyhub/delivery-pipeline/internal/dispatch/push"
)

// PushHandler upgrades push subscribers to a websocket.
type PushHandler struct {
	endpoint *push.Endpoint
}

func NewPushHandler(endpoint *push.Endpoint) *PushHandler {
	return &PushHandler{endpoint: endpoint}
}

// Connect handles GET /ws/push/{recipient_id}
func (h *PushHandler) Connect(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "recipient_id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "recipient_id is required")
		return
	}
	h.endpoint.Serve(w, r, id)
}
