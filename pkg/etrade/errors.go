// Package etrade implements the E*TRADE REST API client: endpoint
// construction, OAuth-signed requests through the host I/O bridge,
// retry policy, and the mapping between E*TRADE wire records and the
// canonical domain types in pkg/models.
package etrade

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for the host. Every error surfaced by this
// package is an *Error carrying one of these kinds.
type Kind string

const (
	KindAuthentication      Kind = "authentication"
	KindAuthorizationPolicy Kind = "authorization_policy"
	KindTransport           Kind = "transport"
	KindRateLimit           Kind = "rate_limit"
	KindValidation          Kind = "validation"
	KindBrokerAPI           Kind = "broker_api"
	KindMapping             Kind = "mapping"
)

// Error is a classified failure. Code and Message carry the broker's
// native error verbatim when one was returned; RawBody preserves
// payloads this package did not recognize.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	RawBody []byte
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "etrade: %s", e.Kind)
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func validationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func mappingError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindMapping, Message: fmt.Sprintf(format, args...)}
}

// brokerErrorPayload is E*TRADE's structured error envelope.
type brokerErrorPayload struct {
	Error struct {
		Code    json.Number `json:"code"`
		Message string      `json:"message"`
	} `json:"Error"`
}

// oauthProblems are the standard OAuth problem-reporting values that
// mean the token or signature is no longer acceptable. E*TRADE reports
// them in plain-text bodies on the OAuth endpoints.
var oauthProblems = []string{
	"token_expired",
	"token_rejected",
	"token_revoked",
	"signature_invalid",
	"consumer_key_unknown",
	"permission_denied",
}

// classifyBrokerError turns a non-success response body into an *Error.
// Recognized authentication failures become KindAuthentication; every
// other structured payload becomes KindBrokerAPI with the broker's code
// and message verbatim; unrecognized bodies are preserved raw.
func classifyBrokerError(status int, body []byte) *Error {
	var payload brokerErrorPayload
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		e := &Error{
			Kind:    KindBrokerAPI,
			Code:    payload.Error.Code.String(),
			Message: payload.Error.Message,
		}
		if status == 401 || containsOAuthProblem(payload.Error.Message) {
			e.Kind = KindAuthentication
		}
		return e
	}

	e := &Error{
		Kind:    KindBrokerAPI,
		Message: fmt.Sprintf("unknown broker error (status %d)", status),
		RawBody: body,
	}
	if status == 401 || containsOAuthProblem(string(body)) {
		e.Kind = KindAuthentication
		e.Message = fmt.Sprintf("authentication rejected (status %d)", status)
	}
	return e
}

func containsOAuthProblem(s string) bool {
	for _, problem := range oauthProblems {
		if strings.Contains(s, problem) {
			return true
		}
	}
	return false
}
