package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fcmrelay/internal/model"
	"fcmrelay/internal/worker"
)

// credentialResponse is the API view of a credential. Key material beyond
// the FCM token stays server-side.
type credentialResponse struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	APIKey         string            `json:"api_key"`
	AppID          string            `json:"app_id"`
	ProjectID      string            `json:"project_id"`
	FCMToken       string            `json:"fcm_token,omitempty"`
	AndroidID      uint64            `json:"android_id,omitempty"`
	WebhookURL     string            `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty"`
	Topics         []string          `json:"topics"`
	IsActive       bool              `json:"is_active"`
	IsSuspended    bool              `json:"is_suspended"`
	IsListening    bool              `json:"is_listening"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (s *Server) credentialResponse(r *http.Request, c *model.Credential) credentialResponse {
	topics, err := s.deps.Store.GetTopics(r.Context(), c.ID)
	if err != nil {
		s.deps.Log.Warn("failed to load topics", "credential", c.ID, "error", err)
	}
	if topics == nil {
		topics = []string{}
	}
	return credentialResponse{
		ID:             c.ID,
		Name:           c.Name,
		APIKey:         c.APIKey,
		AppID:          c.AppID,
		ProjectID:      c.ProjectID,
		FCMToken:       c.FCMToken,
		AndroidID:      c.AndroidID,
		WebhookURL:     c.WebhookURL,
		WebhookHeaders: c.WebhookHeaders,
		Topics:         topics,
		IsActive:       c.IsActive,
		IsSuspended:    c.IsSuspended,
		IsListening:    s.deps.Pool.IsRunning(c.ID),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func (s *Server) apiListCredentials(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	creds, err := s.deps.Store.ListCredentials(r.Context(), activeOnly)
	if err != nil {
		s.storeError(w, "list credentials", err)
		return
	}

	result := make([]credentialResponse, 0, len(creds))
	for i := range creds {
		result = append(result, s.credentialResponse(r, &creds[i]))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) apiCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	cred := model.NewCredential(req)
	if err := s.deps.Store.CreateCredential(r.Context(), &cred); err != nil {
		s.storeError(w, "create credential", err)
		return
	}
	if len(req.Topics) > 0 {
		if err := s.deps.Store.SetTopics(r.Context(), cred.ID, req.Topics); err != nil {
			s.storeError(w, "set topics", err)
			return
		}
	}

	// New credentials are active; start their listener right away.
	if err := s.deps.Pool.StartWorker(&cred); err != nil {
		s.deps.Log.Error("failed to start worker for new credential",
			"credential", cred.ID, "error", err)
	}

	writeJSON(w, http.StatusCreated, s.credentialResponse(r, &cred))
}

func (s *Server) apiGetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := s.deps.Store.GetCredential(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get credential", err)
		return
	}
	writeJSON(w, http.StatusOK, s.credentialResponse(r, cred))
}

func (s *Server) apiUpdateCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req model.UpdateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	cred, err := s.deps.Store.UpdateCredential(r.Context(), id, req)
	if err != nil {
		s.storeError(w, "update credential", err)
		return
	}
	if req.Topics != nil {
		if err := s.deps.Store.SetTopics(r.Context(), id, *req.Topics); err != nil {
			s.storeError(w, "set topics", err)
			return
		}
	}

	// A running worker keeps its spawn-time snapshot; restart it so the
	// edits take effect.
	if s.deps.Pool.IsRunning(id) {
		if err := s.deps.Pool.RestartWorker(cred); err != nil {
			s.deps.Log.Error("failed to restart worker after update",
				"credential", id, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, s.credentialResponse(r, cred))
}

func (s *Server) apiDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Stop the worker first so nothing writes logs for a vanished credential.
	if err := s.deps.Pool.StopWorker(id); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		s.deps.Log.Warn("failed to stop worker before delete", "credential", id, "error", err)
	}

	if err := s.deps.Store.DeleteCredential(r.Context(), id); err != nil {
		s.storeError(w, "delete credential", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "credential deleted"})
}

func (s *Server) apiStartListener(w http.ResponseWriter, r *http.Request) {
	cred, err := s.deps.Store.GetCredential(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get credential", err)
		return
	}
	if !cred.CanStart() {
		writeError(w, http.StatusBadRequest, "bad_request",
			"credential is inactive or suspended")
		return
	}

	if err := s.deps.Pool.StartWorker(cred); err != nil {
		if errors.Is(err, worker.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "worker_already_running", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "listener started"})
}

func (s *Server) apiStopListener(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pool.StopWorker(r.PathValue("id")); err != nil {
		if errors.Is(err, worker.ErrNotRunning) {
			writeError(w, http.StatusBadRequest, "worker_not_running", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "listener stopped"})
}

func (s *Server) apiRestartListener(w http.ResponseWriter, r *http.Request) {
	cred, err := s.deps.Store.GetCredential(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get credential", err)
		return
	}
	if !cred.CanStart() {
		writeError(w, http.StatusBadRequest, "bad_request",
			"credential is inactive or suspended")
		return
	}

	if err := s.deps.Pool.RestartWorker(cred); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "listener restarted"})
}

func (s *Server) apiSuspendCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.SetSuspended(r.Context(), id, true); err != nil {
		s.storeError(w, "suspend credential", err)
		return
	}
	if err := s.deps.Pool.StopWorker(id); err != nil && !errors.Is(err, worker.ErrNotRunning) {
		s.deps.Log.Warn("failed to stop worker on suspend", "credential", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "credential suspended"})
}

func (s *Server) apiUnsuspendCredential(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Store.SetSuspended(r.Context(), id, false); err != nil {
		s.storeError(w, "unsuspend credential", err)
		return
	}
	// The worker is not auto-started; use /start or a reboot's
	// start-all-runnable pass.
	writeJSON(w, http.StatusOK, map[string]string{"message": "credential unsuspended"})
}

func (s *Server) apiClearMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Store.GetCredential(r.Context(), id); err != nil {
		s.storeError(w, "get credential", err)
		return
	}
	n, err := s.deps.Store.ClearMessages(r.Context(), id)
	if err != nil {
		s.storeError(w, "clear messages", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}
