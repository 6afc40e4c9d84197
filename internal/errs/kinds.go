// Package errs classifies the runtime's error kinds onto the
// containerd/errdefs taxonomy so callers can test for a kind with
// errdefs.IsUnavailable(err) etc. instead of switching on
// package-private sentinel types.
package errs

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
)

// Disconnected marks a send/receive attempted against a Transport with
// no live socket. Maps to errdefs' Unavailable: the resource exists but
// isn't reachable right now, and the caller should retry.
func Disconnected(reason string) error {
	return fmt.Errorf("transport disconnected: %s: %w", reason, errdefs.ErrUnavailable)
}

// Fatal marks a non-retryable Transport failure (bad URI, TLS setup
// failure, unsupported operation for the substrate).
func Fatal(err error) error {
	return fmt.Errorf("transport fatal: %w: %w", err, errdefs.ErrInvalidArgument)
}

// TokenizerOverflow marks a framing rule that exceeded its configured
// size ceiling. err is the tokenizer's own *ErrOverflow (or equivalent),
// kept unwrappable alongside the classification.
func TokenizerOverflow(err error) error {
	return fmt.Errorf("%w: %w", err, errdefs.ErrInvalidArgument)
}

// Timeout marks an armed Task deadline firing before a terminal call.
// errdefs has no dedicated deadline-exceeded sentinel; it classifies
// IsDeadlineExceeded by errors.Is against context.DeadlineExceeded
// directly, so that's what this wraps.
func Timeout() error {
	return fmt.Errorf("task timeout: %w", context.DeadlineExceeded)
}

// Aborted marks a Task's terminal Abort, whether issued by a response
// parser, a clear_queue displacement, or transport termination.
func Aborted(reason string) error {
	return fmt.Errorf("task aborted: %s: %w", reason, errdefs.ErrAborted)
}

// ParserFailed wraps a panic or error raised from within a response
// parser; spec treats this identically to an explicit Abort.
func ParserFailed(err error) error {
	return fmt.Errorf("response parser failed: %w: %w", err, errdefs.ErrAborted)
}

// StoreUnavailable marks a failed round-trip against the shared
// key/value+pubsub store.
func StoreUnavailable(err error) error {
	return fmt.Errorf("store unavailable: %w: %w", err, errdefs.ErrUnavailable)
}

// IsRetryable reports whether err represents a condition the Queue or
// the Transport's reconnect loop should retry rather than surface.
func IsRetryable(err error) bool {
	return errdefs.IsUnavailable(err) || errdefs.IsDeadlineExceeded(err)
}
