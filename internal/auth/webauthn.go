// Package auth runs the WebAuthn ceremonies: credential registration for an
// institutional identity and the per-intent assertion that proves user
// presence for one exact action.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/DecentraLabsCom/marketplace-intent/internal/credstore"
	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

var (
	ErrCredentialNotRegistered = errors.New("auth: no active credential registered for identity")
	ErrAssertionMismatch       = errors.New("auth: assertion does not match bound challenge")
)

const registrationChallengeTTL = 5 * time.Minute

type Service struct {
	webauthn    *webauthn.WebAuthn
	credentials credstore.CredentialStore
	challenges  credstore.ChallengeStore
}

func NewService(w *webauthn.WebAuthn, credentials credstore.CredentialStore, challenges credstore.ChallengeStore) *Service {
	return &Service{
		webauthn:    w,
		credentials: credentials,
		challenges:  challenges,
	}
}

// BeginRegistration starts a registration ceremony for puc and stores the
// time-boxed challenge. An existing active credential must be revoked
// before a new one can be registered.
func (s *Service) BeginRegistration(ctx context.Context, puc string) (*protocol.CredentialCreation, error) {
	existing, err := s.credentials.GetCredential(ctx, puc)
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
	if existing != nil && existing.Status == models.CredentialActive {
		return nil, credstore.ErrCredentialExists
	}

	user := newCeremonyUser(puc, nil)
	options, sessionData, err := s.webauthn.BeginRegistration(
		user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementRequired,
			UserVerification: protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	ch := &models.RegistrationChallenge{
		PUC:       puc,
		Data:      sessionData,
		ExpiresAt: time.Now().Add(registrationChallengeTTL),
	}
	if err := s.challenges.SetRegistrationChallenge(ctx, puc, ch); err != nil {
		return nil, fmt.Errorf("failed to save registration challenge: %w", err)
	}

	return options, nil
}

// FinishRegistration consumes the registration challenge (single-use),
// verifies the attestation, and persists the credential record.
func (s *Service) FinishRegistration(ctx context.Context, puc string, body io.Reader) (*models.CredentialRecord, error) {
	ch, err := s.challenges.ConsumeRegistrationChallenge(ctx, puc)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation response: %w", err)
	}

	user := newCeremonyUser(puc, nil)
	credential, err := s.webauthn.CreateCredential(user, *ch.Data, parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to verify attestation: %w", err)
	}

	spki, err := spkiFromCOSE(credential.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive SPKI key form: %w", err)
	}

	now := time.Now()
	rec := &models.CredentialRecord{
		PUC:           puc,
		CredentialID:  base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKeyCOSE: credential.PublicKey,
		PublicKeySPKI: spki,
		SignCount:     credential.Authenticator.SignCount,
		AAGUID:        credential.Authenticator.AAGUID,
		Status:        models.CredentialActive,
		RPID:          s.webauthn.Config.RPID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Credential:    *credential,
	}
	if err := s.credentials.SaveCredential(ctx, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// ActiveCredential returns the active credential record for puc, or
// ErrCredentialNotRegistered.
func (s *Service) ActiveCredential(ctx context.Context, puc string) (*models.CredentialRecord, error) {
	rec, err := s.credentials.GetCredential(ctx, puc)
	if err != nil {
		return nil, fmt.Errorf("failed to look up credential: %w", err)
	}
	if rec == nil || rec.Status != models.CredentialActive {
		return nil, ErrCredentialNotRegistered
	}
	return rec, nil
}

// RevokeCredential transitions the stored credential for puc to revoked so
// a replacement can be registered.
func (s *Service) RevokeCredential(ctx context.Context, puc string) error {
	rec, err := s.ActiveCredential(ctx, puc)
	if err != nil {
		return err
	}
	rec.Status = models.CredentialRevoked
	rec.UpdatedAt = time.Now()
	return s.credentials.SaveCredential(ctx, rec)
}

// AssertionOptions builds the ceremony request for an intent-bound
// challenge. The challenge is the binder's output, not a random value, so
// the authenticator's signature over it commits the user to the exact
// intent.
func (s *Service) AssertionOptions(rec *models.CredentialRecord, boundChallenge string, expires time.Time) (*protocol.CredentialAssertion, *webauthn.SessionData) {
	options := &protocol.CredentialAssertion{
		Response: protocol.PublicKeyCredentialRequestOptions{
			Challenge:        protocol.URLEncodedBase64(decodeChallenge(boundChallenge)),
			RelyingPartyID:   s.webauthn.Config.RPID,
			UserVerification: protocol.VerificationRequired,
			AllowedCredentials: []protocol.CredentialDescriptor{
				{
					Type:         protocol.PublicKeyCredentialType,
					CredentialID: rec.Credential.ID,
				},
			},
		},
	}

	session := &webauthn.SessionData{
		Challenge:            boundChallenge,
		UserID:               []byte(rec.PUC),
		AllowedCredentialIDs: [][]byte{rec.Credential.ID},
		Expires:              expires,
		UserVerification:     protocol.VerificationRequired,
	}
	return options, session
}

// VerifyIntentAssertion atomically consumes the challenge session for
// requestID and validates the assertion against the stored credential. A
// sign count that fails to advance is a hard failure; a verified assertion
// bumps the stored counter.
func (s *Service) VerifyIntentAssertion(ctx context.Context, requestID models.Hash32, body io.Reader) (*models.AssertionChallengeSession, error) {
	sess, err := s.challenges.ConsumeAssertionChallenge(ctx, requestID)
	if err != nil {
		return nil, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse assertion response: %w", err)
	}

	rec, err := s.ActiveCredential(ctx, sess.PUC)
	if err != nil {
		return nil, err
	}
	if rec.CredentialID != sess.CredentialID {
		return nil, ErrAssertionMismatch
	}

	user := newCeremonyUser(sess.PUC, rec)
	sessionData := sess.SessionData
	if sessionData == nil {
		sessionData = &webauthn.SessionData{
			Challenge:            sess.ExpectedChallenge,
			UserID:               []byte(sess.PUC),
			AllowedCredentialIDs: [][]byte{rec.Credential.ID},
			Expires:              sess.ExpiresAt,
			UserVerification:     protocol.VerificationRequired,
		}
	}

	credential, err := s.webauthn.ValidateLogin(user, *sessionData, parsed)
	if err != nil {
		return nil, fmt.Errorf("assertion verification failed: %w", err)
	}
	if credential.Authenticator.CloneWarning {
		return nil, credstore.ErrCounterRegression
	}

	rec.SignCount = credential.Authenticator.SignCount
	rec.Credential.Authenticator.SignCount = credential.Authenticator.SignCount
	rec.UpdatedAt = time.Now()
	if err := s.credentials.SaveCredential(ctx, rec); err != nil {
		return nil, err
	}

	return sess, nil
}

func decodeChallenge(boundChallenge string) []byte {
	b, err := base64.RawURLEncoding.DecodeString(boundChallenge)
	if err != nil {
		// The binder produced this value; it is always valid base64url.
		return []byte(boundChallenge)
	}
	return b
}

// ceremonyUser adapts a credential record to the webauthn.User interface.
type ceremonyUser struct {
	puc string
	rec *models.CredentialRecord
}

func newCeremonyUser(puc string, rec *models.CredentialRecord) ceremonyUser {
	return ceremonyUser{puc: puc, rec: rec}
}

func (u ceremonyUser) WebAuthnID() []byte          { return []byte(u.puc) }
func (u ceremonyUser) WebAuthnName() string        { return u.puc }
func (u ceremonyUser) WebAuthnDisplayName() string { return u.puc }
func (u ceremonyUser) WebAuthnIcon() string        { return "" }

func (u ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	if u.rec == nil {
		return nil
	}
	return []webauthn.Credential{u.rec.Credential}
}
