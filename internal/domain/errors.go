package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrInvalidURI indicates a malformed or unsupported tunnel URI.
	ErrInvalidURI = errors.New("invalid tunnel uri")

	// ErrConnectionFailed is a transport-level failure to reach the tunnel
	// endpoint (DNS, refusal, timeout).
	ErrConnectionFailed = errors.New("connection failed")

	// ErrHandshakeFailed means the tunnel request header could not be sent.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrNotConnected is returned when an operation needs a live session.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by lifecycle operations that refuse to
	// start twice.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrAddressInUse means a local listener could not bind its port.
	ErrAddressInUse = errors.New("address already in use")

	// ErrAuthFailed indicates the panel rejected the login.
	ErrAuthFailed = errors.New("panel authentication failed")

	// ErrInvalidResponse covers non-200 statuses and unparseable panel JSON.
	ErrInvalidResponse = errors.New("invalid panel response")

	// ErrNoInboundForPort means no panel inbound listens on the target port.
	ErrNoInboundForPort = errors.New("no inbound for port")

	// ErrClientNotFound means no panel client matched the lookup.
	ErrClientNotFound = errors.New("client not found")

	// ErrActivationFailed is the stable error family for activate/deactivate.
	ErrActivationFailed = errors.New("activation failed")

	// ErrTrialAlreadyUsed is returned when a second trial is requested.
	ErrTrialAlreadyUsed = errors.New("trial already used")

	// ErrSubscriptionNotFound means no local subscription state exists.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// URIError describes why a tunnel URI was rejected.
type URIError struct {
	Reason string
}

func (e *URIError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidURI, e.Reason)
}

func (e *URIError) Unwrap() error {
	return ErrInvalidURI
}

// TransportError wraps a tunnel connect, handshake or relay failure.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("tunnel %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("tunnel %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PanelError wraps a failed panel API call.  StatusCode is zero when the
// request never produced a response.
type PanelError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PanelError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("panel %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("panel %s: %v", e.Op, e.Err)
}

func (e *PanelError) Unwrap() error {
	return e.Err
}

// ProvisioningError reports a credential provisioning failure for Subject
// (a port or an email).
type ProvisioningError struct {
	Op      string
	Subject string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Subject, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// StateError reports a lifecycle operation invoked in the wrong state.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// ActivationError is the single error family surfaced by subscription
// activation and deactivation.  It matches [ErrActivationFailed] and still
// unwraps to the underlying cause.
type ActivationError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrActivationFailed, e.Reason)
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

func (e *ActivationError) Is(target error) bool {
	return target == ErrActivationFailed
}

// NewActivationError wraps err for op, keeping its description as Reason.
func NewActivationError(op string, err error) *ActivationError {
	return &ActivationError{Op: op, Reason: err.Error(), Err: err}
}
