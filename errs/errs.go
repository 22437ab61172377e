// Package errs defines the typed error taxonomy shared across the
// supervisor: every component that can fail wraps its error in one of
// these kinds so the caller (and the command surface an HTTP layer
// would expose) can branch on Kind without parsing messages.
package errs

import "fmt"

// Kind is one of the error categories in the propagation policy.
type Kind string

const (
	// KindConfig: missing or invalid configuration field. Surfaces to
	// the caller of start; the strategy remains Stopped.
	KindConfig Kind = "config_error"
	// KindVenueTransient: network timeout, rate-limit, 5xx. Retried by
	// the exchange adapter; surfaced only once retries are exhausted.
	KindVenueTransient Kind = "venue_transient_error"
	// KindVenuePermanent: auth failure, unknown symbol, precision
	// rejected, insufficient margin. Not retried; stops the run.
	KindVenuePermanent Kind = "venue_permanent_error"
	// KindRiskDenied: the risk gate denied an action. Not an error in
	// the exceptional sense — it is emitted as an informational event.
	KindRiskDenied Kind = "risk_denied"
	// KindKernelRecoverable: a kernel raised but the run continues.
	KindKernelRecoverable Kind = "kernel_recoverable"
	// KindLedgerConsistency: open-run invariant violation, duplicate
	// trade id. Stops the run.
	KindLedgerConsistency Kind = "ledger_consistency_error"
	// KindCancellationTimeout: stop did not complete within the bound.
	// The run is marked Error.
	KindCancellationTimeout Kind = "cancellation_timeout"
	// KindBacktest: any failure inside a backtest run. The result is
	// marked failed with the message stored.
	KindBacktest Kind = "backtest_error"
)

// Error is the common shape carried across every component boundary.
// No stack trace crosses the boundary — only Kind and a human Message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or something it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		break
	}
	return false
}
