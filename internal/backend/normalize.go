package backend

import (
	"net/url"
	"strings"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

// Stable internal error codes for known backend error strings.
const (
	CodeWebAuthnCredentialNotRegistered = "WEBAUTHN_CREDENTIAL_NOT_REGISTERED"
	CodeMissingPUCForWebAuthn           = "MISSING_PUC_FOR_WEBAUTHN"
)

var errorCodeMap = map[string]string{
	"webauthn_credential_not_registered": CodeWebAuthnCredentialNotRegistered,
	"missing_puc_for_webauthn":           CodeMissingPUCForWebAuthn,
}

// MapAuthorizationErrorCode translates a backend error code into its stable
// internal code. Unrecognized codes map to the empty string, a generic
// failure, never silently swallowed by callers.
func MapAuthorizationErrorCode(code string) string {
	return errorCodeMap[code]
}

// Field aliases the backend has been observed to use, nested or not under a
// data/authorization wrapper.
var (
	sessionIDAliases        = []string{"sessionId", "session_id"}
	ceremonyURLAliases      = []string{"ceremonyUrl", "ceremony_url"}
	authorizationURLAliases = []string{"authorizationUrl", "authorization_url"}
	expiresAtAliases        = []string{"expiresAt", "expires_at"}
)

// NormalizeAuthorizationResponse flattens a raw backend response into the
// canonical session shape, trying every known key alias.
func NormalizeAuthorizationResponse(raw map[string]any) *models.AuthorizationSession {
	body := raw
	for _, wrapper := range []string{"data", "authorization"} {
		if inner, ok := body[wrapper].(map[string]any); ok {
			body = inner
		}
	}

	s := &models.AuthorizationSession{}
	s.SessionID, _ = firstString(body, sessionIDAliases...)
	s.CeremonyURL, _ = firstString(body, ceremonyURLAliases...)
	s.AuthorizationURL, _ = firstString(body, authorizationURLAliases...)
	s.ExpiresAt, _ = firstString(body, expiresAtAliases...)
	return s
}

// ResolveAuthorizationURL reconstructs a ceremony URL by convention when the
// backend returned only a bare session id.
func ResolveAuthorizationURL(baseURL, sessionID string) string {
	return strings.TrimRight(baseURL, "/") + "/intents/authorize/ceremony/" + sessionID
}

// rewriteAgainstBase rewrites a backend-returned URL onto the known-good
// base when it is malformed or points at a different host, so a backend
// misconfiguration cannot leak an internal hostname to the caller.
func rewriteAgainstBase(baseURL, raw string) string {
	if raw == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		// Unparseable; drop it rather than hand the caller a broken URL.
		return ""
	}
	if u.Scheme == "" || u.Host == "" {
		return base.ResolveReference(u).String()
	}
	if u.Host != base.Host {
		u.Scheme = base.Scheme
		u.Host = base.Host
	}
	return u.String()
}

func firstString(raw map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := raw[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
