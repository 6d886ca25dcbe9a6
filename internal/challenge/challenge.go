// Package challenge derives the single-use WebAuthn challenge bound to one
// intent. Every field that materially changes the authorization appears in
// the challenge, so the authenticator's signature over it commits the user
// to that exact action at that exact nonce.
package challenge

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// Bind returns the deterministic challenge for (puc, meta, payloadHash).
// challengeString is the delimiter-joined plain form; challenge is its
// UTF-8 bytes as URL-safe, padding-free base64, the shape the WebAuthn
// ceremony API expects. Pure and bit-for-bit reproducible.
func Bind(puc string, meta models.IntentMeta, payloadHash models.Hash32) (challengeString, challenge string) {
	challengeString = strings.Join([]string{
		strings.ToLower(puc),
		meta.RequestID.Hex(),
		payloadHash.Hex(),
		fmt.Sprintf("%d", meta.Nonce),
		fmt.Sprintf("%d", meta.RequestedAt),
		fmt.Sprintf("%d", meta.ExpiresAt),
		fmt.Sprintf("%d", meta.Action),
	}, ":")
	challenge = base64.RawURLEncoding.EncodeToString([]byte(challengeString))
	return challengeString, challenge
}
