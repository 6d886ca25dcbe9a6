// Package backend is the HTTP client for the institutional execution
// backend. It transports signed intent bundles and normalizes the backend's
// heterogeneous response shapes into one canonical form; raw backend JSON
// never propagates past this boundary.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DecentraLabsCom/marketplace-intent/internal/models"
)

var (
	// ErrSessionUnavailable means the backend response carried none of
	// sessionId, ceremonyUrl, authorizationUrl. Hard failure, distinct
	// from "pending".
	ErrSessionUnavailable = errors.New("backend: authorization session unavailable")
)

// Error is a normalized backend failure. Code is the stable internal code
// mapped from the backend's error string; empty when unrecognized.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// AuthorizationRequest asks the backend to drive the ceremony itself.
type AuthorizationRequest struct {
	Meta              models.IntentMeta    `json:"meta"`
	Payload           models.IntentPayload `json:"payload"`
	Signature         []byte               `json:"signature"`
	IdentityAssertion string               `json:"identityAssertion,omitempty"`
	ReturnURL         string               `json:"returnUrl,omitempty"`
}

// ExecutionRequest carries the full authorization bundle after a locally
// completed ceremony.
type ExecutionRequest struct {
	Meta              models.IntentMeta    `json:"meta"`
	Payload           models.IntentPayload `json:"payload"`
	Signature         []byte               `json:"signature"`
	IdentityAssertion string               `json:"identityAssertion,omitempty"`

	WebauthnCredentialID      string `json:"webauthnCredentialId"`
	WebauthnClientDataJSON    string `json:"webauthnClientDataJSON"`
	WebauthnAuthenticatorData string `json:"webauthnAuthenticatorData"`
	WebauthnSignature         string `json:"webauthnSignature"`
}

// ExecutionAck is the backend's acceptance of a submitted bundle.
type ExecutionAck struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// StatusSnapshot is one poll result. Raw keeps the full backend body for
// best-effort observer callbacks.
type StatusSnapshot struct {
	Status string         `json:"status"`
	Raw    map[string]any `json:"-"`
}

const (
	StatusPending  = "pending"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// Terminal reports whether polling should stop at this status.
func (s *StatusSnapshot) Terminal() bool {
	switch s.Status {
	case StatusExecuted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	apiKey     string
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithAPIKey adds an x-api-key header to every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

func NewClient(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		authToken:  authToken,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// RequestAuthorizationSession starts a backend-driven ceremony. The
// returned session is normalized and its URLs rewritten against the
// configured base; a response with no usable handle is a hard failure.
func (c *Client) RequestAuthorizationSession(ctx context.Context, req AuthorizationRequest) (*models.AuthorizationSession, error) {
	raw, err := c.post(ctx, "/intents/authorize", req)
	if err != nil {
		return nil, err
	}

	session := NormalizeAuthorizationResponse(raw)
	if session.SessionID != "" && session.CeremonyURL == "" && session.AuthorizationURL == "" {
		session.CeremonyURL = ResolveAuthorizationURL(c.baseURL, session.SessionID)
	}
	session.CeremonyURL = rewriteAgainstBase(c.baseURL, session.CeremonyURL)
	session.AuthorizationURL = rewriteAgainstBase(c.baseURL, session.AuthorizationURL)

	if !session.Usable() {
		return nil, ErrSessionUnavailable
	}
	return session, nil
}

// SubmitExecution submits the completed bundle. Never retried: resubmitting
// a signed intent is unsafe without a fresh nonce.
func (c *Client) SubmitExecution(ctx context.Context, req ExecutionRequest) (*ExecutionAck, error) {
	raw, err := c.post(ctx, "/intents", req)
	if err != nil {
		return nil, err
	}

	ack := &ExecutionAck{}
	ack.RequestID, _ = firstString(raw, "requestId", "request_id")
	ack.Status, _ = firstString(raw, "status")
	if ack.Status == "" {
		ack.Status = StatusPending
	}
	return ack, nil
}

// GetStatus fetches the execution state for requestID.
func (c *Client) GetStatus(ctx context.Context, requestID models.Hash32) (*StatusSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/intents/"+requestID.Hex(), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, body)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}

	snap := &StatusSnapshot{Raw: raw}
	snap.Status, _ = firstString(raw, "status")
	return snap, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, respBody)
	}

	raw := map[string]any{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &raw); err != nil {
			return nil, fmt.Errorf("failed to decode backend response: %w", err)
		}
	}
	return raw, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}

func parseError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	rawCode, _ := firstString(obj, "error_code", "errorCode", "code")
	out.Code = MapAuthorizationErrorCode(rawCode)
	out.Message, _ = firstString(obj, "message", "error")
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}
