package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedOperation is returned by SendMessage on platforms with no
// outbound relay path. It is never wrapped in a transport error so callers can
// tell "cannot ever send here" apart from "send failed this time".
var ErrUnsupportedOperation = errors.New("operation not supported on this platform")

// ConnectTimeoutError is returned only from Connect when the transport did not
// reach readiness within the adapter's deadline.
type ConnectTimeoutError struct {
	Platform string
	Timeout  string
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("%s: connect did not reach readiness within %s", e.Platform, e.Timeout)
}

// AuthorizationError marks a revoked or expired credential. It is terminal:
// the adapter stops retrying and the caller should prompt re-authorization.
type AuthorizationError struct {
	Platform string
	Detail   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: authorization rejected: %s", e.Platform, e.Detail)
}

// DeliveryRejectedError means the vendor accepted the call but refused the
// message (rate limiting, moderation). Retryable by the caller with backoff,
// never retried by the adapter itself.
type DeliveryRejectedError struct {
	Platform string
	Reason   string
}

func (e *DeliveryRejectedError) Error() string {
	return fmt.Sprintf("%s: message rejected: %s", e.Platform, e.Reason)
}

// TransientTransportError covers network blips and single malformed exchanges.
// Adapters retry these per their own reconnect policy.
type TransientTransportError struct {
	Platform string
	Err      error
}

func (e *TransientTransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Platform, e.Err)
}

func (e *TransientTransportError) Unwrap() error { return e.Err }

// IsTerminal reports whether an error should stop the adapter's reconnect
// cycle rather than feed it.
func IsTerminal(err error) bool {
	var authErr *AuthorizationError
	return errors.As(err, &authErr)
}

// ClassifyStatus maps an HTTP status from a vendor poll or send into the error
// taxonomy. 401/403 are authorization failures; 429 is a delivery rejection on
// sends and a transient error on reads; everything else >= 400 is transient.
func ClassifyStatus(platform string, status int, body string, sending bool) error {
	detail := strings.TrimSpace(body)
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case status == 401 || status == 403:
		return &AuthorizationError{Platform: platform, Detail: fmt.Sprintf("status %d: %s", status, detail)}
	case status == 429 && sending:
		return &DeliveryRejectedError{Platform: platform, Reason: fmt.Sprintf("rate limited: %s", detail)}
	case status >= 400:
		return &TransientTransportError{Platform: platform, Err: fmt.Errorf("status %d: %s", status, detail)}
	}
	return nil
}
