// Package credstore persists WebAuthn credential records and time-boxed
// challenge sessions. It is the single source of truth for credential
// validity; callers must never bypass it with a cached copy.
package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

var (
	// ErrCounterRegression means a verified assertion reported a sign count
	// not strictly greater than the stored one, indicating a possibly
	// cloned authenticator. Hard authentication failure.
	ErrCounterRegression = errors.New("credstore: sign count did not advance")

	// ErrCredentialExists means an active credential would be silently
	// overwritten. Replacing a credential requires a status transition.
	ErrCredentialExists = errors.New("credstore: active credential already registered")

	ErrChallengeNotFound = errors.New("credstore: challenge not found or already consumed")
	ErrChallengeExpired  = errors.New("credstore: challenge expired")
)

// CredentialStore holds durable credential records, keyed by PUC.
type CredentialStore interface {
	// GetCredential returns the record for puc, or (nil, nil) when absent.
	GetCredential(ctx context.Context, puc string) (*models.CredentialRecord, error)
	// SaveCredential creates or updates the record for rec.PUC, enforcing
	// the sign-count and replacement invariants.
	SaveCredential(ctx context.Context, rec *models.CredentialRecord) error
}

// ChallengeStore holds ephemeral ceremony state. Consuming a challenge is a
// destructive read: two concurrent verification attempts for the same key
// must not both succeed.
type ChallengeStore interface {
	SetRegistrationChallenge(ctx context.Context, puc string, ch *models.RegistrationChallenge) error
	ConsumeRegistrationChallenge(ctx context.Context, puc string) (*models.RegistrationChallenge, error)

	SetAssertionChallenge(ctx context.Context, sess *models.AssertionChallengeSession) error
	ConsumeAssertionChallenge(ctx context.Context, requestID models.Hash32) (*models.AssertionChallengeSession, error)
	ClearAssertionChallenge(ctx context.Context, requestID models.Hash32) error
}

// checkReplace enforces the credential replacement rules shared by every
// backend: a same-credential update must advance the counter (or be a
// status transition), and a different credential may only replace a revoked
// one.
func checkReplace(existing, incoming *models.CredentialRecord) error {
	if existing == nil {
		return nil
	}
	if existing.CredentialID == incoming.CredentialID {
		if incoming.Status != existing.Status {
			return nil
		}
		if incoming.SignCount <= existing.SignCount {
			return ErrCounterRegression
		}
		return nil
	}
	if existing.Status != models.CredentialRevoked {
		return ErrCredentialExists
	}
	return nil
}

// checkChallengeExpiry rejects expired entries regardless of consumption
// order.
func checkChallengeExpiry(expiresAt time.Time) error {
	if time.Now().After(expiresAt) {
		return ErrChallengeExpired
	}
	return nil
}
