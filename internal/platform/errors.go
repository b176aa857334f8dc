package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ConfigurationError reports missing or rejected credentials. It is fatal
// and never retried.
type ConfigurationError struct {
	Field string // config key, e.g. "platform.client_secret"
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration error: %s", e.Field)
	}
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ErrMissing is wrapped by ConfigurationError for absent settings.
var ErrMissing = errors.New("missing value")

// Missing returns a ConfigurationError for an unset config key.
func Missing(field string) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: ErrMissing}
}

// ProtocolError reports a Platform response that violates the expected
// contract: a missing id or handle, a missing data array, an undecodable
// body. It needs operator attention and is never retried.
type ProtocolError struct {
	Op      string
	Reason  string
	RawBody []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %s", e.Op, e.Reason)
}

// RemoteError is a Platform rejection: the transport worked but the
// response status was not 2xx. Message is safe to show to the operator.
type RemoteError struct {
	StatusCode int
	Message    string
	RawBody    []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: status %d: %s", e.StatusCode, e.Message)
}

// TransportError is a network-level failure. Timeout is set when the
// request ran out of time.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("transport error: %s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a TransportError. Every other kind
// needs a change of input or configuration before a retry can succeed.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsTimeout reports whether err is a TransportError caused by a timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Timeout
}

// remoteMessage pulls a human-readable message out of the error shapes the
// Platform and its proxies are known to return.
func remoteMessage(status int, body []byte) string {
	var shape struct {
		Error            json.RawMessage `json:"error"`
		Message          string          `json:"message"`
		ErrorDescription string          `json:"error_description"`
		Details          json.RawMessage `json:"details"`
	}
	if err := json.Unmarshal(body, &shape); err == nil {
		if msg := nestedMessage(shape.Error); msg != "" {
			return msg
		}
		if shape.Message != "" {
			return shape.Message
		}
		if shape.ErrorDescription != "" {
			return shape.ErrorDescription
		}
		if msg := nestedMessage(shape.Details); msg != "" {
			return msg
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 && !strings.HasPrefix(text, "{") {
		return text
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", status)
}

// nestedMessage handles both {"error":"text"} and {"error":{"message":..}}.
func nestedMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message      string `json:"message"`
		ErrorUserMsg string `json:"error_user_msg"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.ErrorUserMsg
	}
	return ""
}
