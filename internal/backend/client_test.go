package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", WithAPIKey("test-key")), srv
}

func TestRequestAuthorizationSessionNormalizes(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/intents/authorize" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"session_id": "session-1",
				"expires_at": "2026-02-20T10:00:00Z",
			},
		})
	})

	session, err := client.RequestAuthorizationSession(context.Background(), AuthorizationRequest{})
	if err != nil {
		t.Fatalf("RequestAuthorizationSession error: %v", err)
	}
	if session.SessionID != "session-1" {
		t.Errorf("SessionID = %q", session.SessionID)
	}
	// A bare session id gets a ceremony URL reconstructed by convention.
	want := client.BaseURL() + "/intents/authorize/ceremony/session-1"
	if session.CeremonyURL != want {
		t.Errorf("CeremonyURL = %q, want %q", session.CeremonyURL, want)
	}
	if session.ExpiresAt != "2026-02-20T10:00:00Z" {
		t.Errorf("ExpiresAt = %q", session.ExpiresAt)
	}
}

func TestRequestAuthorizationSessionRewritesForeignHost(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"sessionId":   "session-2",
			"ceremonyUrl": "http://internal.backend.local:9000/intents/authorize/ceremony/session-2",
		})
	})

	session, err := client.RequestAuthorizationSession(context.Background(), AuthorizationRequest{})
	if err != nil {
		t.Fatalf("RequestAuthorizationSession error: %v", err)
	}
	want := client.BaseURL() + "/intents/authorize/ceremony/session-2"
	if session.CeremonyURL != want {
		t.Errorf("CeremonyURL = %q, want %q", session.CeremonyURL, want)
	}
}

func TestRequestAuthorizationSessionUnavailable(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "accepted"})
	})

	_, err := client.RequestAuthorizationSession(context.Background(), AuthorizationRequest{})
	if !errors.Is(err, ErrSessionUnavailable) {
		t.Fatalf("got %v, want ErrSessionUnavailable", err)
	}
}

func TestRequestAuthorizationSessionErrorCodeMapped(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    "webauthn_credential_not_registered",
				"message": "no credential on file",
			},
		})
	})

	_, err := client.RequestAuthorizationSession(context.Background(), AuthorizationRequest{})
	var berr *Error
	if !errors.As(err, &berr) {
		t.Fatalf("got %v, want *backend.Error", err)
	}
	if berr.Code != CodeWebAuthnCredentialNotRegistered {
		t.Errorf("Code = %q, want %q", berr.Code, CodeWebAuthnCredentialNotRegistered)
	}
	if berr.Message != "no credential on file" {
		t.Errorf("Message = %q", berr.Message)
	}
	if berr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d", berr.StatusCode)
	}
}

func TestSubmitExecutionDefaultsToPending(t *testing.T) {
	var gotBody ExecutionRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/intents" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"request_id": "0xabc"})
	})

	ack, err := client.SubmitExecution(context.Background(), ExecutionRequest{
		WebauthnCredentialID: "cred-1",
	})
	if err != nil {
		t.Fatalf("SubmitExecution error: %v", err)
	}
	if ack.RequestID != "0xabc" {
		t.Errorf("RequestID = %q", ack.RequestID)
	}
	if ack.Status != StatusPending {
		t.Errorf("Status = %q, want pending", ack.Status)
	}
	if gotBody.WebauthnCredentialID != "cred-1" {
		t.Errorf("request WebauthnCredentialID = %q", gotBody.WebauthnCredentialID)
	}
}

func TestGetStatus(t *testing.T) {
	var requestID models.Hash32
	requestID[31] = 0x2a

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		want := "/intents/" + requestID.Hex()
		if r.URL.Path != want {
			t.Errorf("path = %q, want %q", r.URL.Path, want)
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "executed", "txHash": "0xdead"})
	})

	snap, err := client.GetStatus(context.Background(), requestID)
	if err != nil {
		t.Fatalf("GetStatus error: %v", err)
	}
	if snap.Status != StatusExecuted {
		t.Errorf("Status = %q", snap.Status)
	}
	if !snap.Terminal() {
		t.Error("executed must be terminal")
	}
	if snap.Raw["txHash"] != "0xdead" {
		t.Errorf("Raw[txHash] = %v", snap.Raw["txHash"])
	}
}

func TestStatusTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		StatusPending:  false,
		StatusExecuted: true,
		StatusFailed:   true,
		StatusRejected: true,
		"":             false,
	} {
		snap := &StatusSnapshot{Status: status}
		if snap.Terminal() != terminal {
			t.Errorf("Terminal(%q) = %v, want %v", status, snap.Terminal(), terminal)
		}
	}
}

func TestParseErrorPlainText(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream timed out"))
	})

	_, err := client.GetStatus(context.Background(), models.Hash32{})
	var berr *Error
	if !errors.As(err, &berr) {
		t.Fatalf("got %v, want *backend.Error", err)
	}
	if berr.Code != "" {
		t.Errorf("Code = %q, want empty", berr.Code)
	}
	if berr.Message != "upstream timed out" {
		t.Errorf("Message = %q", berr.Message)
	}
}
