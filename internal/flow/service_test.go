package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/DecentraLabsCom/marketplace-intent/internal/auth"
	"github.com/DecentraLabsCom/marketplace-intent/internal/backend"
	"github.com/DecentraLabsCom/marketplace-intent/internal/credstore"
	"github.com/DecentraLabsCom/marketplace-intent/internal/executor"
	"github.com/DecentraLabsCom/marketplace-intent/internal/intent"
	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
	"github.com/DecentraLabsCom/marketplace-intent/internal/nonce"
	"github.com/DecentraLabsCom/marketplace-intent/internal/poller"
	"github.com/DecentraLabsCom/marketplace-intent/internal/signer"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func pollerOptions(maxDuration time.Duration) poller.Options {
	return poller.Options{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Factor:       1.5,
		MaxDuration:  maxDuration,
	}
}

type fixture struct {
	service    *Service
	store      *credstore.MemoryStore
	webauthn   *webauthn.WebAuthn
	authSvc    *auth.Service
	backendURL string
}

func testSession() models.FederatedSession {
	return models.FederatedSession{
		PUC:                   "alice@uni.example.org",
		SchacHomeOrganization: "uni.example.org",
		Role:                  "user",
		Assertion:             "saml-assertion-blob",
	}
}

func newFixture(t *testing.T, handler http.Handler) *fixture {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	w, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Test Marketplace",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost"},
	})
	if err != nil {
		t.Fatalf("webauthn.New error: %v", err)
	}

	store := credstore.NewMemoryStore()
	authSvc := auth.NewService(w, store, store)

	contract, err := models.ParseAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")
	if err != nil {
		t.Fatalf("ParseAddress error: %v", err)
	}
	domain := intent.Domain{
		Name:              "DecentraLabs Marketplace",
		Version:           "1",
		ChainID:           1,
		VerifyingContract: contract,
	}

	adminSigner, err := signer.NewFromHex(testKeyHex, domain)
	if err != nil {
		t.Fatalf("NewFromHex error: %v", err)
	}

	fallback, err := models.ParseAddress("0x9999999999999999999999999999999999999999")
	if err != nil {
		t.Fatalf("ParseAddress error: %v", err)
	}
	resolver := executor.NewResolver(nil, fallback)

	backendClient := backend.NewClient(srv.URL, "token")

	svc := NewService(nonce.NewMemoryAllocator(), domain, adminSigner, resolver, authSvc, backendClient, store)
	return &fixture{
		service:    svc,
		store:      store,
		webauthn:   w,
		authSvc:    authSvc,
		backendURL: srv.URL,
	}
}

func registerCredential(t *testing.T, f *fixture, puc string) *models.CredentialRecord {
	t.Helper()
	now := time.Now()
	rec := &models.CredentialRecord{
		PUC:          puc,
		CredentialID: "dGVzdC1jcmVkZW50aWFs",
		SignCount:    10,
		Status:       models.CredentialActive,
		RPID:         "localhost",
		CreatedAt:    now,
		UpdatedAt:    now,
		Credential: webauthn.Credential{
			ID: []byte("test-credential"),
		},
	}
	if err := f.store.SaveCredential(context.Background(), rec); err != nil {
		t.Fatalf("SaveCredential error: %v", err)
	}
	return rec
}

func TestPrepareIntentBindsChallengeSession(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	registerCredential(t, f, testSession().PUC)

	prepared, err := f.service.PrepareIntent(context.Background(), testSession(), models.ActionRequestBooking, intent.ActionFields{
		LabID: 7,
		Start: time.Now().Unix() + 3600,
		End:   time.Now().Unix() + 7200,
	}, 900*time.Second)
	if err != nil {
		t.Fatalf("PrepareIntent error: %v", err)
	}

	if prepared.Meta.ExpiresAt-prepared.Meta.RequestedAt != 900 {
		t.Errorf("validity window = %d, want 900",
			prepared.Meta.ExpiresAt-prepared.Meta.RequestedAt)
	}
	if prepared.RequestID.IsZero() {
		t.Error("request id must be set")
	}
	if prepared.AssertionOptions == nil {
		t.Fatal("assertion options missing")
	}
	if len(prepared.AssertionOptions.Response.Challenge) == 0 {
		t.Error("assertion challenge must be intent-bound, not empty")
	}

	sess, err := f.store.ConsumeAssertionChallenge(context.Background(), prepared.RequestID)
	if err != nil {
		t.Fatalf("challenge session not stored: %v", err)
	}
	if sess.PUC != testSession().PUC {
		t.Errorf("session PUC = %q", sess.PUC)
	}
	if sess.Kind != models.ChallengeKindReservation {
		t.Errorf("session Kind = %q, want reservation", sess.Kind)
	}
	if sess.IdentityAssertion != "saml-assertion-blob" {
		t.Errorf("session IdentityAssertion = %q", sess.IdentityAssertion)
	}
	if len(sess.AdminSignature) != 65 {
		t.Errorf("admin signature length = %d, want 65", len(sess.AdminSignature))
	}

	// Consumed once; a second completion attempt must find nothing.
	if _, err := f.store.ConsumeAssertionChallenge(context.Background(), prepared.RequestID); !errors.Is(err, credstore.ErrChallengeNotFound) {
		t.Errorf("second consume: got %v, want ErrChallengeNotFound", err)
	}
}

func TestPrepareIntentDefaultTTL(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())
	registerCredential(t, f, testSession().PUC)

	prepared, err := f.service.PrepareIntent(context.Background(), testSession(), models.ActionRequestBooking, intent.ActionFields{
		LabID: 1,
		Start: time.Now().Unix() + 100,
		End:   time.Now().Unix() + 200,
	}, 0)
	if err != nil {
		t.Fatalf("PrepareIntent error: %v", err)
	}
	want := int64(DefaultReservationTTL / time.Second)
	if got := prepared.Meta.ExpiresAt - prepared.Meta.RequestedAt; got != want {
		t.Errorf("default validity window = %d, want %d", got, want)
	}
}

func TestPrepareIntentRequiresPUC(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())

	sess := testSession()
	sess.PUC = ""
	_, err := f.service.PrepareIntent(context.Background(), sess, models.ActionRequestBooking, intent.ActionFields{
		LabID: 1, Start: 1, End: 2,
	}, 0)
	if CodeOf(err) != CodeMissingPUCForWebAuthn {
		t.Fatalf("code = %q, want %q (err=%v)", CodeOf(err), CodeMissingPUCForWebAuthn, err)
	}
}

func TestPrepareIntentRequiresRegisteredCredential(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())

	_, err := f.service.PrepareIntent(context.Background(), testSession(), models.ActionRequestBooking, intent.ActionFields{
		LabID: 1, Start: 1, End: 2,
	}, 0)
	if CodeOf(err) != CodeWebAuthnCredentialNotRegistered {
		t.Fatalf("code = %q, want %q (err=%v)", CodeOf(err), CodeWebAuthnCredentialNotRegistered, err)
	}
}

func TestAuthorizeRemote(t *testing.T) {
	var gotReq backend.AuthorizationRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /intents/authorize", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"session_id": "session-1",
				"expires_at": "2026-02-20T10:00:00Z",
			},
		})
	})

	f := newFixture(t, mux)

	authz, meta, err := f.service.AuthorizeRemote(context.Background(), testSession(), models.ActionRequestBooking, intent.ActionFields{
		LabID: 3,
		Start: time.Now().Unix() + 100,
		End:   time.Now().Unix() + 200,
	}, 900*time.Second, "https://marketplace.example/return")
	if err != nil {
		t.Fatalf("AuthorizeRemote error: %v", err)
	}

	if authz.SessionID != "session-1" {
		t.Errorf("SessionID = %q", authz.SessionID)
	}
	wantURL := f.backendURL + "/intents/authorize/ceremony/session-1"
	if authz.CeremonyURL != wantURL {
		t.Errorf("CeremonyURL = %q, want %q", authz.CeremonyURL, wantURL)
	}
	if meta == nil || meta.Nonce == 0 {
		t.Fatalf("meta = %+v, want co-signed meta with allocated nonce", meta)
	}
	if gotReq.ReturnURL != "https://marketplace.example/return" {
		t.Errorf("request ReturnURL = %q", gotReq.ReturnURL)
	}
	if gotReq.IdentityAssertion != "saml-assertion-blob" {
		t.Errorf("request IdentityAssertion = %q", gotReq.IdentityAssertion)
	}
	if len(gotReq.Signature) != 65 {
		t.Errorf("request Signature length = %d, want 65", len(gotReq.Signature))
	}
}

func TestAuthorizeRemoteSessionUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /intents/authorize", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "accepted"})
	})

	f := newFixture(t, mux)

	_, _, err := f.service.AuthorizeRemote(context.Background(), testSession(), models.ActionRequestBooking, intent.ActionFields{
		LabID: 1, Start: time.Now().Unix() + 100, End: time.Now().Unix() + 200,
	}, 0, "")
	if CodeOf(err) != CodeIntentAuthSessionUnavailable {
		t.Fatalf("code = %q, want %q (err=%v)", CodeOf(err), CodeIntentAuthSessionUnavailable, err)
	}
}

func TestAuthorizeRemoteBackendErrorCodeSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /intents/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "missing_puc_for_webauthn", "message": "no puc"},
		})
	})

	f := newFixture(t, mux)

	_, _, err := f.service.AuthorizeRemote(context.Background(), testSession(), models.ActionRequestBooking, intent.ActionFields{
		LabID: 1, Start: time.Now().Unix() + 100, End: time.Now().Unix() + 200,
	}, 0, "")
	if CodeOf(err) != CodeMissingPUCForWebAuthn {
		t.Fatalf("code = %q, want %q (err=%v)", CodeOf(err), CodeMissingPUCForWebAuthn, err)
	}
}

func TestCompleteIntentWithoutChallengeSession(t *testing.T) {
	f := newFixture(t, http.NotFoundHandler())

	var requestID models.Hash32
	requestID[0] = 0x01
	_, err := f.service.CompleteIntent(context.Background(), requestID, bytes.NewReader([]byte(`{}`)))
	if CodeOf(err) != CodeWebAuthnRequired {
		t.Fatalf("code = %q, want %q (err=%v)", CodeOf(err), CodeWebAuthnRequired, err)
	}
}

func TestAwaitExecutionTimeoutCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /intents/{requestId}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "pending"})
	})

	f := newFixture(t, mux)

	_, err := f.service.AwaitExecution(context.Background(), models.Hash32{}, pollerOptions(30*time.Millisecond))
	if CodeOf(err) != CodeIntentAuthTimeout {
		t.Fatalf("code = %q, want %q (err=%v)", CodeOf(err), CodeIntentAuthTimeout, err)
	}
}

func TestAwaitExecutionTerminal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /intents/{requestId}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "executed"})
	})

	f := newFixture(t, mux)

	snap, err := f.service.AwaitExecution(context.Background(), models.Hash32{}, pollerOptions(time.Second))
	if err != nil {
		t.Fatalf("AwaitExecution error: %v", err)
	}
	if snap.Status != backend.StatusExecuted {
		t.Errorf("Status = %q, want executed", snap.Status)
	}
}
