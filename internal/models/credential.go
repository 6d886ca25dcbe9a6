package models

import (
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
)

type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
)

// CredentialRecord is the stored WebAuthn credential for one institutional
// identity, keyed by PUC rather than email so identity-provider attribute
// changes don't orphan it. SignCount must strictly increase on every
// verified assertion; a regression means a possibly cloned authenticator.
type CredentialRecord struct {
	PUC           string           `json:"puc"`
	CredentialID  string           `json:"credentialId"`
	PublicKeyCOSE []byte           `json:"publicKeyCose"`
	PublicKeySPKI []byte           `json:"publicKeySpki"`
	SignCount     uint32           `json:"signCount"`
	AAGUID        []byte           `json:"aaguid"`
	Status        CredentialStatus `json:"status"`
	RPID          string           `json:"rpId"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`

	// Credential is the full library-level credential needed to validate
	// assertions. PublicKeyCOSE/SignCount above mirror its fields in a
	// portable shape.
	Credential webauthn.Credential `json:"credential"`
}

// RegistrationChallenge is the time-boxed state of one registration
// ceremony, keyed by PUC. Consumed exactly once.
type RegistrationChallenge struct {
	PUC       string                `json:"puc"`
	Data      *webauthn.SessionData `json:"data"`
	ExpiresAt time.Time             `json:"expiresAt"`
}

type ChallengeKind string

const (
	ChallengeKindAction      ChallengeKind = "action"
	ChallengeKindReservation ChallengeKind = "reservation"
)

// AssertionChallengeSession binds one intent to one pending user-presence
// ceremony, keyed by requestId. Single-use: reading it for verification
// deletes it, and it self-expires independent of consumption.
type AssertionChallengeSession struct {
	RequestID         Hash32                `json:"requestId"`
	ExpectedChallenge string                `json:"expectedChallenge"`
	CredentialID      string                `json:"credentialId"`
	PUC               string                `json:"puc"`
	Kind              ChallengeKind         `json:"kind"`
	Meta              IntentMeta            `json:"meta"`
	Payload           IntentPayload         `json:"payload"`
	PayloadHash       Hash32                `json:"payloadHash"`
	AdminSignature    []byte                `json:"adminSignature"`
	IdentityAssertion string                `json:"identityAssertion,omitempty"`
	BackendURL        string                `json:"backendUrl"`
	SessionData       *webauthn.SessionData `json:"sessionData"`
	CreatedAt         time.Time             `json:"createdAt"`
	ExpiresAt         time.Time             `json:"expiresAt"`
}

// AuthorizationSession is the backend-issued handle for a server-driven
// ceremony. Transient; nothing beyond the polling loop holds it.
type AuthorizationSession struct {
	SessionID        string `json:"sessionId"`
	CeremonyURL      string `json:"ceremonyUrl"`
	AuthorizationURL string `json:"authorizationUrl"`
	ExpiresAt        string `json:"expiresAt"`
}

// Usable reports whether the backend returned enough to continue the
// ceremony. Absence of all three handles is a hard failure, distinct from
// "pending".
func (s *AuthorizationSession) Usable() bool {
	if s == nil {
		return false
	}
	return s.SessionID != "" || s.CeremonyURL != "" || s.AuthorizationURL != ""
}
