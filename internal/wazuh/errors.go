package wazuh

import (
	"errors"
	"fmt"
)

// ErrMissingToken is wrapped by AuthError when the manager answers 200 but
// the body carries no data.token.
var ErrMissingToken = errors.New("response has no data.token")

// AuthError reports rejected credentials, a malformed authentication
// response, or a transport failure while authenticating (then Err is the
// *TransportError). A sync pass that receives one aborts; it is never retried within
// the same pass.
type AuthError struct {
	StatusCode int    // 0 when the response was 200 but unusable
	Message    string // server-provided detail or raw body
	Err        error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("wazuh auth failed (status %d): %s", e.StatusCode, msg)
	}
	return "wazuh auth failed: " + msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a connection, timeout, TLS or unexpected-status
// failure talking to either plane.
type TransportError struct {
	Op         string // "authenticate", "list agents", "search", ...
	URL        string
	StatusCode int    // 0 when no response was received
	Message    string // raw response body or transport error text
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("wazuh %s %s: status %d: %s", e.Op, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("wazuh %s %s: %s", e.Op, e.URL, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuth reports whether err wraps an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransport reports whether err wraps a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// StatusCode extracts the HTTP status carried by either error type, or 0.
func StatusCode(err error) int {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}
