package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/DecentraLabsCom/marketplace-intent/internal/auth"
	"github.com/DecentraLabsCom/marketplace-intent/internal/credstore"
	"github.com/DecentraLabsCom/marketplace-intent/internal/flow"
	"github.com/DecentraLabsCom/marketplace-intent/internal/intent"
	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
	"github.com/DecentraLabsCom/marketplace-intent/internal/poller"
)

type Server struct {
	flow *flow.Service
	auth *auth.Service
}

func NewServer(flowService *flow.Service, authService *auth.Service) *Server {
	return &Server{
		flow: flowService,
		auth: authService,
	}
}

func (s *Server) RegisterBeginHandler(w http.ResponseWriter, r *http.Request) {
	puc := r.URL.Query().Get("puc")
	if puc == "" {
		writeError(w, http.StatusBadRequest, flow.CodeMissingPUCForWebAuthn, "puc required")
		return
	}

	options, err := s.auth.BeginRegistration(r.Context(), puc)
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialExists) {
			writeError(w, http.StatusConflict, flow.CodeIntentPrepareFailed, "active credential already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, flow.CodeIntentPrepareFailed, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, options)
}

func (s *Server) RegisterFinishHandler(w http.ResponseWriter, r *http.Request) {
	puc := r.URL.Query().Get("puc")
	if puc == "" {
		writeError(w, http.StatusBadRequest, flow.CodeMissingPUCForWebAuthn, "puc required")
		return
	}

	rec, err := s.auth.FinishRegistration(r.Context(), puc, r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, flow.CodeWebAuthnRequired, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "registered",
		"credentialId": rec.CredentialID,
	})
}

func (s *Server) RevokeCredentialHandler(w http.ResponseWriter, r *http.Request) {
	puc := r.URL.Query().Get("puc")
	if puc == "" {
		writeError(w, http.StatusBadRequest, flow.CodeMissingPUCForWebAuthn, "puc required")
		return
	}

	if err := s.auth.RevokeCredential(r.Context(), puc); err != nil {
		if errors.Is(err, auth.ErrCredentialNotRegistered) {
			writeError(w, http.StatusNotFound, flow.CodeWebAuthnCredentialNotRegistered, "no active credential")
			return
		}
		writeError(w, http.StatusInternalServerError, flow.CodeIntentPrepareFailed, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type intentRequest struct {
	Session    models.FederatedSession `json:"session"`
	Action     models.Action           `json:"action"`
	Fields     intent.ActionFields     `json:"fields"`
	TTLSeconds int64                   `json:"ttlSeconds"`
	ReturnURL  string                  `json:"returnUrl,omitempty"`
}

func (s *Server) PrepareIntentHandler(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, flow.CodeIntentPrepareFailed, "invalid request body")
		return
	}

	prepared, err := s.flow.PrepareIntent(r.Context(), req.Session, req.Action, req.Fields, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, prepared)
}

func (s *Server) CompleteIntentHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := models.ParseHash32(r.PathValue("requestId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, flow.CodeIntentPrepareFailed, "invalid requestId")
		return
	}

	ack, err := s.flow.CompleteIntent(r.Context(), requestID, r.Body)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) AuthorizeIntentHandler(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, flow.CodeIntentPrepareFailed, "invalid request body")
		return
	}

	session, meta, err := s.flow.AuthorizeRemote(r.Context(), req.Session, req.Action, req.Fields, time.Duration(req.TTLSeconds)*time.Second, req.ReturnURL)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"authorization": session,
		"meta":          meta,
	})
}

func (s *Server) IntentStatusHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := models.ParseHash32(r.PathValue("requestId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, flow.CodeIntentPrepareFailed, "invalid requestId")
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		snap, err := s.flow.AwaitExecution(r.Context(), requestID, poller.Options{})
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": snap.Status})
		return
	}

	snap, err := s.flow.Status(r.Context(), requestID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": snap.Status})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

func writeFlowError(w http.ResponseWriter, err error) {
	code := flow.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case flow.CodeMissingPUCForWebAuthn, flow.CodeIntentPrepareFailed:
		status = http.StatusBadRequest
	case flow.CodeWebAuthnRequired, flow.CodeWebAuthnCredentialNotRegistered:
		status = http.StatusUnauthorized
	case flow.CodeIntentAuthCancelled:
		status = http.StatusRequestTimeout
	case flow.CodeIntentAuthTimeout:
		status = http.StatusGatewayTimeout
	case flow.CodeIntentAuthSessionUnavailable, flow.CodeBackendUnavailable:
		status = http.StatusBadGateway
	}

	writeError(w, status, code, err.Error())
}
