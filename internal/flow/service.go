// Package flow wires the intent pipeline end to end: build, co-sign, bind
// the user-presence challenge, transport the bundle, and track execution.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/DecentraLabsCom/marketplace-intent/internal/auth"
	"github.com/DecentraLabsCom/marketplace-intent/internal/backend"
	"github.com/DecentraLabsCom/marketplace-intent/internal/challenge"
	"github.com/DecentraLabsCom/marketplace-intent/internal/credstore"
	"github.com/DecentraLabsCom/marketplace-intent/internal/executor"
	"github.com/DecentraLabsCom/marketplace-intent/internal/intent"
	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
	"github.com/DecentraLabsCom/marketplace-intent/internal/nonce"
	"github.com/DecentraLabsCom/marketplace-intent/internal/poller"
	"github.com/DecentraLabsCom/marketplace-intent/internal/signer"
)

const (
	// DefaultReservationTTL is the validity window of a reservation intent.
	DefaultReservationTTL = 15 * time.Minute

	// challengeSessionTTL bounds how long a bound ceremony may stay open
	// independent of the intent's own expiry.
	challengeSessionTTL = 10 * time.Minute
)

type Service struct {
	builder  *intent.Builder
	signer   *signer.AdminSigner
	resolver *executor.Resolver
	auth     *auth.Service
	backend  *backend.Client
	poller   *poller.Poller

	challenges credstore.ChallengeStore
}

func NewService(
	nonces nonce.Allocator,
	domain intent.Domain,
	adminSigner *signer.AdminSigner,
	resolver *executor.Resolver,
	authService *auth.Service,
	backendClient *backend.Client,
	challenges credstore.ChallengeStore,
) *Service {
	return &Service{
		builder:    intent.NewBuilder(nonces, domain),
		signer:     adminSigner,
		resolver:   resolver,
		auth:       authService,
		backend:    backendClient,
		poller:     poller.New(backendClient),
		challenges: challenges,
	}
}

// PreparedIntent is everything the caller needs to run the local ceremony.
type PreparedIntent struct {
	RequestID        models.Hash32                 `json:"requestId"`
	Meta             models.IntentMeta             `json:"meta"`
	PayloadHash      models.Hash32                 `json:"payloadHash"`
	ExpiresAt        int64                         `json:"expiresAt"`
	AssertionOptions *protocol.CredentialAssertion `json:"assertionOptions"`
}

// PrepareIntent runs the server half of a local-ceremony authorization:
// resolve the executor, build and co-sign the intent, derive the bound
// challenge, and persist the single-use challenge session. No partial state
// survives a failure beyond one consumed nonce.
func (s *Service) PrepareIntent(ctx context.Context, session models.FederatedSession, action models.Action, fields intent.ActionFields, ttl time.Duration) (*PreparedIntent, error) {
	if session.PUC == "" {
		return nil, coded(CodeMissingPUCForWebAuthn, errors.New("federated session carries no puc"))
	}

	rec, err := s.auth.ActiveCredential(ctx, session.PUC)
	if err != nil {
		if errors.Is(err, auth.ErrCredentialNotRegistered) {
			return nil, coded(CodeWebAuthnCredentialNotRegistered, err)
		}
		return nil, coded(CodeIntentPrepareFailed, err)
	}

	built, sig, err := s.buildAndSign(ctx, session, action, fields, ttl)
	if err != nil {
		return nil, err
	}

	_, bound := challenge.Bind(session.PUC, built.Meta, built.PayloadHash)

	sessionExpiry := time.Now().Add(challengeSessionTTL)
	options, sessionData := s.auth.AssertionOptions(rec, bound, sessionExpiry)

	kind := models.ChallengeKindAction
	if action.IsReservation() {
		kind = models.ChallengeKindReservation
	}
	challengeSession := &models.AssertionChallengeSession{
		RequestID:         built.Meta.RequestID,
		ExpectedChallenge: bound,
		CredentialID:      rec.CredentialID,
		PUC:               session.PUC,
		Kind:              kind,
		Meta:              built.Meta,
		Payload:           built.Payload,
		PayloadHash:       built.PayloadHash,
		AdminSignature:    sig,
		IdentityAssertion: session.Assertion,
		BackendURL:        s.backend.BaseURL(),
		SessionData:       sessionData,
		CreatedAt:         time.Now(),
		ExpiresAt:         sessionExpiry,
	}
	if err := s.challenges.SetAssertionChallenge(ctx, challengeSession); err != nil {
		return nil, coded(CodeIntentPrepareFailed, fmt.Errorf("failed to store challenge session: %w", err))
	}

	return &PreparedIntent{
		RequestID:        built.Meta.RequestID,
		Meta:             built.Meta,
		PayloadHash:      built.PayloadHash,
		ExpiresAt:        built.Meta.ExpiresAt,
		AssertionOptions: options,
	}, nil
}

// CompleteIntent verifies the ceremony result for requestID and submits the
// full authorization bundle. Submission is never retried: a rejected bundle
// is abandoned and a fresh intent must be prepared.
func (s *Service) CompleteIntent(ctx context.Context, requestID models.Hash32, assertionBody io.Reader) (*backend.ExecutionAck, error) {
	raw, err := io.ReadAll(assertionBody)
	if err != nil {
		return nil, coded(CodeIntentPrepareFailed, fmt.Errorf("failed to read assertion: %w", err))
	}

	sess, err := s.auth.VerifyIntentAssertion(ctx, requestID, bytes.NewReader(raw))
	if err != nil {
		switch {
		case errors.Is(err, credstore.ErrChallengeNotFound), errors.Is(err, credstore.ErrChallengeExpired):
			return nil, coded(CodeWebAuthnRequired, err)
		case errors.Is(err, credstore.ErrCounterRegression):
			return nil, coded(CodeWebAuthnRequired, err)
		case errors.Is(err, auth.ErrCredentialNotRegistered):
			return nil, coded(CodeWebAuthnCredentialNotRegistered, err)
		default:
			return nil, coded(CodeWebAuthnRequired, err)
		}
	}

	var wire assertionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, coded(CodeIntentPrepareFailed, fmt.Errorf("failed to decode assertion fields: %w", err))
	}

	ack, err := s.backend.SubmitExecution(ctx, backend.ExecutionRequest{
		Meta:                      sess.Meta,
		Payload:                   sess.Payload,
		Signature:                 sess.AdminSignature,
		IdentityAssertion:         sess.IdentityAssertion,
		WebauthnCredentialID:      wire.RawID,
		WebauthnClientDataJSON:    wire.Response.ClientDataJSON,
		WebauthnAuthenticatorData: wire.Response.AuthenticatorData,
		WebauthnSignature:         wire.Response.Signature,
	})
	if err != nil {
		return nil, backendError(err)
	}
	return ack, nil
}

// AuthorizeRemote runs the server-redirect path: the backend drives the
// ceremony and returns a hosted authorization URL.
func (s *Service) AuthorizeRemote(ctx context.Context, session models.FederatedSession, action models.Action, fields intent.ActionFields, ttl time.Duration, returnURL string) (*models.AuthorizationSession, *models.IntentMeta, error) {
	built, sig, err := s.buildAndSign(ctx, session, action, fields, ttl)
	if err != nil {
		return nil, nil, err
	}

	authz, err := s.backend.RequestAuthorizationSession(ctx, backend.AuthorizationRequest{
		Meta:              built.Meta,
		Payload:           built.Payload,
		Signature:         sig,
		IdentityAssertion: session.Assertion,
		ReturnURL:         returnURL,
	})
	if err != nil {
		if errors.Is(err, backend.ErrSessionUnavailable) {
			return nil, nil, coded(CodeIntentAuthSessionUnavailable, err)
		}
		return nil, nil, backendError(err)
	}
	return authz, &built.Meta, nil
}

// AwaitExecution polls until the intent reaches a terminal state, the
// deadline lapses, or ctx is cancelled.
func (s *Service) AwaitExecution(ctx context.Context, requestID models.Hash32, opts poller.Options) (*backend.StatusSnapshot, error) {
	snap, err := s.poller.Poll(ctx, requestID, opts)
	if err != nil {
		switch {
		case errors.Is(err, poller.ErrTimeout):
			return nil, coded(CodeIntentAuthTimeout, err)
		case errors.Is(err, poller.ErrCancelled):
			return nil, coded(CodeIntentAuthCancelled, err)
		default:
			return nil, coded(CodeBackendUnavailable, err)
		}
	}
	return snap, nil
}

// Status fetches a single status snapshot without entering the poll loop.
func (s *Service) Status(ctx context.Context, requestID models.Hash32) (*backend.StatusSnapshot, error) {
	snap, err := s.backend.GetStatus(ctx, requestID)
	if err != nil {
		return nil, backendError(err)
	}
	return snap, nil
}

func (s *Service) buildAndSign(ctx context.Context, session models.FederatedSession, action models.Action, fields intent.ActionFields, ttl time.Duration) (*intent.BuiltIntent, []byte, error) {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}

	exec, err := s.resolver.Resolve(ctx, session.SchacHomeOrganization)
	if err != nil {
		return nil, nil, coded(CodeIntentPrepareFailed, err)
	}

	built, err := s.builder.Build(ctx, intent.BuildRequest{
		Action:        action,
		Executor:      exec,
		Signer:        s.signer.Address(),
		InstitutionID: session.SchacHomeOrganization,
		PUC:           session.PUC,
		Assertion:     session.Assertion,
		Fields:        fields,
		TTLSeconds:    int64(ttl / time.Second),
	})
	if err != nil {
		return nil, nil, coded(CodeIntentPrepareFailed, err)
	}

	sig, err := s.signer.Sign(built.Meta)
	if err != nil {
		return nil, nil, coded(CodeIntentPrepareFailed, err)
	}

	slog.Debug("intent co-signed",
		"requestId", built.Meta.RequestID.Hex(),
		"action", action.String(),
		"nonce", built.Meta.Nonce,
		"executor", built.Meta.Executor.Hex(),
	)
	return built, sig, nil
}

func backendError(err error) error {
	var be *backend.Error
	if errors.As(err, &be) && be.Code != "" {
		return coded(be.Code, err)
	}
	return coded(CodeBackendUnavailable, err)
}

// assertionWire is the slice of the WebAuthn assertion wire format the
// backend needs, with binary fields as padding-free base64url strings.
type assertionWire struct {
	RawID    string `json:"rawId"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AuthenticatorData string `json:"authenticatorData"`
		Signature         string `json:"signature"`
	} `json:"response"`
}
