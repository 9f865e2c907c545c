package opcua

import (
	"fmt"

	brykErrors "go.bryk.io/pkg/errors"
)

// Kind classifies the possible failure modes a caller or the supervisor
// loop needs to distinguish. It intentionally stays small and closed; new
// service faults are represented through ServiceFault's status code rather
// than by growing this list.
type Kind uint8

const (
	// KindUnknown is never returned by this package; it is the zero value
	// so a missing classification is obvious in tests.
	KindUnknown Kind = iota

	// KindTransientChannel marks a dropped channel or a timeout observed by
	// the server side. The supervisor reconnects with backoff.
	KindTransientChannel

	// KindRequestTimeout marks a request that did not receive a response
	// within its timeout hint.
	KindRequestTimeout

	// KindServiceFault wraps a status code returned by the server for an
	// otherwise well-formed request.
	KindServiceFault

	// KindCreateItemPartial marks a per-item bad status nested inside an
	// otherwise successful response (e.g. CreateMonitoredItems). It never
	// faults the channel.
	KindCreateItemPartial

	// KindChannelOpenFailure marks a failed discovery or handshake attempt.
	KindChannelOpenFailure

	// KindCanceled marks an operation that completed because its context,
	// or the supervisor's, was canceled.
	KindCanceled

	// KindConfigurationError marks a fatal, construction-time mistake such
	// as a missing endpoint URL or an unparsable NodeId string.
	KindConfigurationError
)

// String returns a lowercase, hyphenated label for the error kind.
func (k Kind) String() string {
	switch k {
	case KindTransientChannel:
		return "transient-channel"
	case KindRequestTimeout:
		return "request-timeout"
	case KindServiceFault:
		return "service-fault"
	case KindCreateItemPartial:
		return "create-item-partial"
	case KindChannelOpenFailure:
		return "channel-open-failure"
	case KindCanceled:
		return "canceled"
	case KindConfigurationError:
		return "configuration-error"
	default:
		return "unknown"
	}
}

// OpError is the concrete error type returned across the package's public
// surface. It wraps go.bryk.io/pkg/errors so callers upstream get a
// stack-traced, taggable error like the rest of the bryk.io toolbox, while
// still exposing a stable Kind for programmatic handling.
type OpError struct {
	Kind       Kind
	StatusCode uint32 // populated only for KindServiceFault / KindCreateItemPartial
	cause      error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("opcua: %s (status=0x%08X): %v", e.Kind, e.StatusCode, e.cause)
	}
	return fmt.Sprintf("opcua: %s: %v", e.Kind, e.cause)
}

// Unwrap exposes the wrapped cause so callers can still use errors.Is/As
// against sentinel values surfaced by the underlying channel.
func (e *OpError) Unwrap() error {
	return e.cause
}

// newOpError builds an OpError rooted at the call site via
// go.bryk.io/pkg/errors, preserving a stacktrace for diagnostics.
func newOpError(kind Kind, cause error) *OpError {
	if cause == nil {
		cause = brykErrors.New(kind.String())
	}
	return &OpError{Kind: kind, cause: brykErrors.WithStack(cause)}
}

// newServiceFault builds a KindServiceFault/KindCreateItemPartial error
// carrying the server-returned status code.
func newServiceFault(kind Kind, status uint32) *OpError {
	return &OpError{
		Kind:       kind,
		StatusCode: status,
		cause:      brykErrors.Errorf("server returned status 0x%08X", status),
	}
}

// NewConfigurationError builds a KindConfigurationError for use by external
// Channel implementations that need to report a construction-time mistake
// in the same taxonomy the core uses.
func NewConfigurationError(cause error) error {
	return newOpError(KindConfigurationError, cause)
}

// IsKind reports whether err is an *OpError of the given kind.
func IsKind(err error, kind Kind) bool {
	var oe *OpError
	if brykErrors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}
