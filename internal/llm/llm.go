package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("llm timeout")
	// ErrUnavailable marks a call rejected without reaching the provider.
	ErrUnavailable = errors.New("llm unavailable")
)

// ChatRequest is a single system + user completion.
type ChatRequest struct {
	System      string
	User        string
	Temperature float64
	// JSONObject asks the provider to constrain output to one JSON object.
	JSONObject bool
}

// Provider performs one chat-style completion and returns the raw text.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (string, error)
}

// PlaceholderProvider is used when no provider is configured.
type PlaceholderProvider struct{}

func (PlaceholderProvider) Chat(context.Context, ChatRequest) (string, error) {
	return "", fmt.Errorf("%w: provider not configured", ErrUnavailable)
}

// IsTimeout reports whether err came from a provider deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "client.timeout") || strings.Contains(msg, "tls handshake timeout")
}

// StatusError is a provider reply with a non-2xx HTTP status.
type StatusError struct {
	Provider string
	Status   int
	Type     string
	Message  string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if e.Type != "" {
		msg += " (" + e.Type + ")"
	}
	return fmt.Sprintf("%s http status %d: %s", e.Provider, e.Status, msg)
}

// Transient reports throttling and server-side failures.
func (e *StatusError) Transient() bool {
	return e.Status == 429 || e.Status >= 500
}

// IsNetwork reports transport failures reaching the provider: dial, DNS,
// reset connections. A provider reply with an HTTP status is never one.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return false
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

// IsTransient reports provider failures that a later call could plausibly survive.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Transient()
	}
	return IsNetwork(err)
}
