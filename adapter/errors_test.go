package adapter

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		sending bool
		want    any
	}{
		{"401 is terminal", 401, false, &AuthorizationError{}},
		{"403 is terminal", 403, false, &AuthorizationError{}},
		{"429 on send is delivery rejection", 429, true, &DeliveryRejectedError{}},
		{"429 on read is transient", 429, false, &TransientTransportError{}},
		{"500 is transient", 500, false, &TransientTransportError{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ClassifyStatus("twitch", tc.status, "nope", tc.sending)
			if err == nil {
				t.Fatalf("expected error for status %d", tc.status)
			}
			switch tc.want.(type) {
			case *AuthorizationError:
				var e *AuthorizationError
				if !errors.As(err, &e) {
					t.Errorf("got %T, want AuthorizationError", err)
				}
			case *DeliveryRejectedError:
				var e *DeliveryRejectedError
				if !errors.As(err, &e) {
					t.Errorf("got %T, want DeliveryRejectedError", err)
				}
			case *TransientTransportError:
				var e *TransientTransportError
				if !errors.As(err, &e) {
					t.Errorf("got %T, want TransientTransportError", err)
				}
			}
		})
	}
}

func TestClassifyStatusOKReturnsNil(t *testing.T) {
	if err := ClassifyStatus("kick", 200, "", false); err != nil {
		t.Errorf("status 200 should classify as nil, got %v", err)
	}
}

func TestClassifyStatusTruncatesBody(t *testing.T) {
	long := strings.Repeat("x", 500)
	err := ClassifyStatus("kick", 500, long, false)
	if len(err.Error()) > 300 {
		t.Errorf("error message not truncated: %d chars", len(err.Error()))
	}
}

func TestIsTerminal(t *testing.T) {
	auth := &AuthorizationError{Platform: "twitch", Detail: "revoked"}
	if !IsTerminal(auth) {
		t.Errorf("authorization error should be terminal")
	}
	wrapped := &TransientTransportError{Platform: "twitch", Err: auth}
	if !IsTerminal(wrapped) {
		t.Errorf("wrapped authorization error should still be terminal")
	}
	if IsTerminal(&TransientTransportError{Platform: "twitch", Err: fmt.Errorf("eof")}) {
		t.Errorf("transient error should not be terminal")
	}
	if IsTerminal(nil) {
		t.Errorf("nil should not be terminal")
	}
}

func TestUnsupportedOperationIsDistinguishable(t *testing.T) {
	if errors.Is(&TransientTransportError{Err: fmt.Errorf("boom")}, ErrUnsupportedOperation) {
		t.Errorf("transport errors must not match ErrUnsupportedOperation")
	}
	if !errors.Is(ErrUnsupportedOperation, ErrUnsupportedOperation) {
		t.Errorf("sentinel must match itself")
	}
}
