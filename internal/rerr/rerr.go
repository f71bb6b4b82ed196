// Package rerr groups the error kinds behind spec §7 ERROR HANDLING DESIGN
// by behavior, not by type name: each Kind constant documents the retry /
// surface policy for the callers that check errors.Is against it.
package rerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a sentinel identifying one of the documented failure modes. Wrap
// it with Wrap to attach a root cause while keeping errors.Is(err, Kind)
// working.
type Kind string

const (
	// PoolAcquisition: connection checkout failed or timed out. Surfaced to
	// the caller; retriable.
	PoolAcquisition Kind = "pool acquisition failed"
	// EngineFailure: any local engine/database operation failed. Aborts the
	// enclosing transaction; surfaced.
	EngineFailure Kind = "engine failure"
	// TooManyRowsImpacted: a write transaction's rows_impacted exceeded the
	// configured cap. No bookkeeping row is written, no broadcast emitted.
	TooManyRowsImpacted Kind = "too many rows impacted"
	// DecodeError: a transport frame failed to parse. The frame is dropped
	// and the connection continues.
	DecodeError Kind = "decode error"
	// PeerUnavailable: sync peer returned 503. Retried with backoff within
	// the current sync cycle.
	PeerUnavailable Kind = "peer unavailable"
	// RequestTimedOut: sync request exceeded its end-to-end timeout. The
	// cycle is abandoned; next tick tries again.
	RequestTimedOut Kind = "request timed out"
	// NoGoodCandidate: no live peer was available to sync with.
	NoGoodCandidate Kind = "no good sync candidate"
	// UnknownPayloadKind: a UDP datagram's leading byte did not match any
	// known PayloadKind. Logged and dropped.
	UnknownPayloadKind Kind = "unknown payload kind"
)

func (k Kind) Error() string { return string(k) }

// Wrap attaches a root cause to a Kind, preserving errors.Is(result, kind)
// and errors.Cause(result) == cause.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return errors.WithMessage(kind, fmt.Sprintf(format, args...))
	}
	return &wrapped{kind: kind, cause: cause, msg: fmt.Sprintf(format, args...)}
}

type wrapped struct {
	kind  Kind
	cause error
	msg   string
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return fmt.Sprintf("%s: %s", w.kind, w.cause)
	}
	return fmt.Sprintf("%s: %s: %s", w.kind, w.msg, w.cause)
}

func (w *wrapped) Unwrap() error { return w.cause }

// Cause lets pkg/errors.Cause walk past the wrapper to the root cause.
func (w *wrapped) Cause() error { return w.cause }

func (w *wrapped) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == w.kind
}

// Cause returns the root cause of a wrapped error, or err itself.
func Cause(err error) error { return errors.Cause(err) }
