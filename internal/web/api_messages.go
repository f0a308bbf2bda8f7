package web

import (
	"net/http"
	"strconv"

	"fcmrelay/internal/model"
)

const defaultPageSize = 50

func (s *Server) apiListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	credentialID := q.Get("credential_id")
	limit := queryInt(q.Get("limit"), defaultPageSize)
	offset := queryInt(q.Get("offset"), 0)

	logs, err := s.deps.Store.ListMessages(r.Context(), credentialID, limit, offset)
	if err != nil {
		s.storeError(w, "list messages", err)
		return
	}
	total, err := s.deps.Store.CountMessages(r.Context(), credentialID)
	if err != nil {
		s.storeError(w, "count messages", err)
		return
	}
	if logs == nil {
		logs = []model.MessageLog{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"messages": logs,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) apiGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Store.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// apiRetryWebhook replays a stored payload against the owning credential's
// current webhook settings and returns the refreshed log row.
func (s *Server) apiRetryWebhook(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	msg, err := s.deps.Store.GetMessage(r.Context(), id)
	if err != nil {
		s.storeError(w, "get message", err)
		return
	}
	cred, err := s.deps.Store.GetCredential(r.Context(), msg.CredentialID)
	if err != nil {
		s.storeError(w, "get credential", err)
		return
	}

	s.deps.Sender.RetryMessage(r.Context(), msg, cred.WebhookURL, cred.WebhookHeaders, s.deps.Store)

	updated, err := s.deps.Store.GetMessage(r.Context(), id)
	if err != nil {
		s.storeError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
