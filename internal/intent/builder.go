// Package intent assembles the canonical (meta, payload) pair for one
// privileged action and the struct hash that binds every downstream
// signature to it.
package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
	"github.com/DecentraLabsCom/marketplace-intent/internal/nonce"
)

var (
	ErrMissingExecutor = errors.New("intent: executor address required")
	ErrMissingSigner   = errors.New("intent: signer address required")
	ErrInvalidAction   = errors.New("intent: unknown action code")
	ErrInvalidTTL      = errors.New("intent: ttl must be positive")
	ErrInvalidWindow   = errors.New("intent: reservation window start must precede end")
)

// ActionFields carries the caller-supplied, action-specific inputs.
type ActionFields struct {
	LabID          uint64
	Start          int64
	End            int64
	Price          uint64
	ReservationKey models.Hash32

	URI       string
	Auth      string
	AccessURI string
	AccessKey string
	TokenURI  string
	MaxBatch  uint64
}

type BuildRequest struct {
	Action        models.Action
	Executor      models.Address
	Signer        models.Address
	InstitutionID string
	PUC           string
	// Assertion is the raw federated-identity assertion, empty when the
	// session carried none.
	Assertion  string
	Fields     ActionFields
	TTLSeconds int64
}

type BuiltIntent struct {
	Meta        models.IntentMeta
	Payload     models.IntentPayload
	PayloadHash models.Hash32
	Descriptor  TypedDataDescriptor
}

type Builder struct {
	nonces nonce.Allocator
	domain Domain
	now    func() time.Time
}

func NewBuilder(nonces nonce.Allocator, domain Domain) *Builder {
	return &Builder{
		nonces: nonces,
		domain: domain,
		now:    time.Now,
	}
}

// WithClock overrides the builder's clock. Used by tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build validates the request, allocates a fresh requestId and nonce, and
// returns the hashed intent. The nonce allocation is the only side effect
// and is irreversible; all validation happens before it.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuiltIntent, error) {
	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAction, req.Action)
	}
	if req.Executor.IsZero() {
		return nil, ErrMissingExecutor
	}
	if req.Signer.IsZero() {
		return nil, ErrMissingSigner
	}
	if req.TTLSeconds <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTTL, req.TTLSeconds)
	}
	if req.Action.IsReservation() && req.Fields.Start >= req.Fields.End {
		return nil, ErrInvalidWindow
	}

	// assertionHash is a defined zero value when no assertion is present,
	// never null, so the schema stays hash-stable.
	var assertionHash models.Hash32
	if req.Assertion != "" {
		assertionHash = Keccak256([]byte(req.Assertion))
	}

	payload := models.IntentPayload{
		Action:                req.Action,
		Executor:              req.Executor,
		SchacHomeOrganization: req.InstitutionID,
		PUC:                   req.PUC,
		AssertionHash:         assertionHash,
		LabID:                 req.Fields.LabID,
	}
	if req.Action.IsReservation() {
		payload.Start = req.Fields.Start
		payload.End = req.Fields.End
		payload.Price = req.Fields.Price
		payload.ReservationKey = req.Fields.ReservationKey
	} else {
		payload.Price = req.Fields.Price
		payload.URI = req.Fields.URI
		payload.Auth = req.Fields.Auth
		payload.AccessURI = req.Fields.AccessURI
		payload.AccessKey = req.Fields.AccessKey
		payload.TokenURI = req.Fields.TokenURI
		payload.MaxBatch = req.Fields.MaxBatch
	}

	payloadHash := HashPayload(payload)

	n, err := b.nonces.Next(ctx, req.Signer)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate nonce: %w", err)
	}

	now := b.now().Unix()
	meta := models.IntentMeta{
		RequestID:   newRequestID(),
		Signer:      req.Signer,
		Executor:    req.Executor,
		Action:      req.Action,
		PayloadHash: payloadHash,
		Nonce:       n,
		RequestedAt: now,
		ExpiresAt:   now + req.TTLSeconds,
	}

	return &BuiltIntent{
		Meta:        meta,
		Payload:     payload,
		PayloadHash: payloadHash,
		Descriptor:  Descriptor(b.domain),
	}, nil
}

// newRequestID derives a bytes32 identifier from a fresh random UUID.
// Hashing gives a uniform 32-byte value regardless of the UUID layout.
func newRequestID() models.Hash32 {
	id := uuid.New()
	return Keccak256(id[:])
}
