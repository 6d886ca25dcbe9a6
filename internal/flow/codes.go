package flow

import (
	"errors"
	"fmt"
)

// Stable machine-readable codes surfaced to the UI layer instead of raw
// backend error text.
const (
	CodeWebAuthnRequired                = "WEBAUTHN_REQUIRED"
	CodeWebAuthnCredentialNotRegistered = "WEBAUTHN_CREDENTIAL_NOT_REGISTERED"
	CodeMissingPUCForWebAuthn           = "MISSING_PUC_FOR_WEBAUTHN"
	CodeIntentAuthCancelled             = "INTENT_AUTH_CANCELLED"
	CodeIntentAuthSessionUnavailable    = "INTENT_AUTH_SESSION_UNAVAILABLE"
	CodeIntentPrepareFailed             = "INTENT_PREPARE_FAILED"
	CodeIntentAuthTimeout               = "INTENT_AUTH_TIMEOUT"
	CodeBackendUnavailable              = "INTENT_BACKEND_UNAVAILABLE"
)

// Error pairs a stable code with the underlying cause.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func coded(code string, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the stable code from err, or the generic failure code.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeIntentPrepareFailed
}
