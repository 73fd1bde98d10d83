package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

type inboundEnvelope struct {
	Type string `json:"type"`
}

// ingestWebhook verifies and enqueues a CRM webhook. Processing happens
// in the queue, so the sender only waits for persistence.
func (s *Server) ingestWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if s.cfg.WebhookSecret != "" && !VerifySignature([]byte(s.cfg.WebhookSecret), body, r.Header.Get(SignatureHeader)) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var env inboundEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		writeError(w, http.StatusBadRequest, "missing event type")
		return
	}

	ev, err := s.deps.Queue.AddEvent(r.Context(), env.Type, body, 0)
	if err != nil {
		s.log.Error().Err(err).Str("type", env.Type).Msg("webhook enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"eventId": ev.ID})
}
