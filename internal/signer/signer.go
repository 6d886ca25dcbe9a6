// Package signer produces the marketplace's co-signature over intent
// metadata. The signature attests that the accompanying payload came out of
// the legitimate intent-building pipeline; it does not prove end-user
// consent, which the WebAuthn ceremony supplies separately.
package signer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/DecentraLabsCom/marketplace-intent/internal/intent"
	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

var (
	ErrMetaExpired      = errors.New("signer: refusing to sign expired meta")
	ErrInvalidSignature = errors.New("signer: invalid signature")
)

// AdminSigner holds the server-side co-signing key. The key never leaves
// this package.
type AdminSigner struct {
	key    *secp256k1.PrivateKey
	domain intent.Domain
	now    func() time.Time
}

func NewFromHex(keyHex string, domain intent.Domain) (*AdminSigner, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signer key: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("signer key must be 32 bytes, got %d", len(b))
	}
	return &AdminSigner{
		key:    secp256k1.PrivKeyFromBytes(b),
		domain: domain,
		now:    time.Now,
	}, nil
}

// WithClock overrides the signer's clock. Used by tests.
func (s *AdminSigner) WithClock(now func() time.Time) *AdminSigner {
	s.now = now
	return s
}

// Address returns the Ethereum address of the co-signing key.
func (s *AdminSigner) Address() models.Address {
	return pubKeyAddress(s.key.PubKey())
}

// Sign produces a 65-byte r‖s‖v signature (v in {27, 28}) over the EIP-712
// digest of meta. Already-expired metas are refused even though expiry is
// checked again downstream.
func (s *AdminSigner) Sign(meta models.IntentMeta) ([]byte, error) {
	if meta.ExpiresAt <= s.now().Unix() {
		return nil, ErrMetaExpired
	}

	digest := intent.SigningDigest(s.domain, meta)

	// SignCompact yields [v, r, s] with v = 27 + recovery id for an
	// uncompressed key; reorder to the Ethereum r‖s‖v convention.
	compact := secpecdsa.SignCompact(s.key, digest[:], false)
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return sig, nil
}

// RecoverSigner returns the address that produced sig over the EIP-712
// digest of meta under domain.
func RecoverSigner(domain intent.Domain, meta models.IntentMeta, sig []byte) (models.Address, error) {
	if len(sig) != 65 {
		return models.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}

	digest := intent.SigningDigest(domain, meta)

	compact := make([]byte, 65)
	compact[0] = sig[64]
	copy(compact[1:], sig[:64])

	pub, _, err := secpecdsa.RecoverCompact(compact, digest[:])
	if err != nil {
		return models.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pubKeyAddress(pub), nil
}

func pubKeyAddress(pub *secp256k1.PublicKey) models.Address {
	// keccak256 of the 64-byte uncompressed point, last 20 bytes.
	uncompressed := pub.SerializeUncompressed()
	h := intent.Keccak256(uncompressed[1:])
	var a models.Address
	copy(a[:], h[12:])
	return a
}
