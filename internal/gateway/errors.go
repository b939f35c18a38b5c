// Package gateway is the single choke point for calls to the remote tutoring
// service. It attaches credentials and normalizes every failure into a
// RemoteError.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the coarse classification of a remote failure.
type Kind string

const (
	// KindNetwork covers timeouts, DNS failures and refused connections.
	KindNetwork Kind = "network"
	// KindAuth covers rejected or missing credentials.
	KindAuth Kind = "auth"
	// KindServer covers 5xx responses and malformed success bodies.
	KindServer Kind = "server"
	// KindClient covers all other 4xx responses.
	KindClient Kind = "client"
)

// RemoteError is the uniform failure produced by every gateway operation.
type RemoteError struct {
	Kind       Kind
	Capability string
	Status     int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Capability, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Capability, e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsAuth reports whether err is an auth-kind RemoteError.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

// KindOf returns the kind of a RemoteError, or "" for any other error.
func KindOf(err error) Kind {
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return ""
}

// UserMessage returns the message to show the user for err.
func UserMessage(err error) string {
	var rerr *RemoteError
	if errors.As(err, &rerr) && rerr.Message != "" {
		return rerr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindServer
	default:
		return KindClient
	}
}

func transportError(capability string, err error) *RemoteError {
	msg := "the tutoring service could not be reached"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "the tutoring service did not respond in time"
	}
	return &RemoteError{
		Kind:       KindNetwork,
		Capability: capability,
		Message:    msg,
		Err:        err,
	}
}

func statusError(capability string, status int, body []byte) *RemoteError {
	msg := messageFromBody(body)
	if msg == "" {
		msg = strings.ToLower(http.StatusText(status))
	}
	return &RemoteError{
		Kind:       kindForStatus(status),
		Capability: capability,
		Status:     status,
		Message:    msg,
	}
}

// messageFromBody extracts the human-readable error a backend returned.
// It understands {"detail": "..."}, {"error": "..."} and {"message": "..."}.
func messageFromBody(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "error", "message"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
