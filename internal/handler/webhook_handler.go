// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailleopard-backend/internal/service"
)

const maxWebhookBody = 10 << 20

type EventIngester interface {
	Ingest(ctx context.Context, records []json.RawMessage) (service.IngestResult, error)
}

// WebhookHandler receives provider delivery callbacks.
type WebhookHandler struct {
	Reconciler EventIngester
	Log        zerolog.Logger
}

// SendGrid accepts the JSON array SendGrid posts to its event webhook.
func (h *WebhookHandler) SendGrid(w http.ResponseWriter, r *http.Request) {
	var records []json.RawMessage
	body := http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := json.NewDecoder(body).Decode(&records); err != nil {
		http.Error(w, "invalid request body: expected a JSON array of events", http.StatusBadRequest)
		return
	}

	res, err := h.Reconciler.Ingest(r.Context(), records)
	if err != nil {
		h.Log.Error().Err(err).Int("records", len(records)).Msg("webhook batch rejected")
		http.Error(w, "failed to record events", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
