// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package errkind provides structured error kinds for the accounting
// pipeline, distinguishing failures that leave durable state retryable
// (AccountingFailed, TransientIO) from ones that never mutate anything
// (Locked, ConfigInvalid) and ones that are handled inline (CorruptArtifact
// by quarantining the offending artifact, MalformedRecord by dropping the
// line).
package errkind

import (
	"errors"
	"fmt"
	"time"
)

// Kind enumerates the pipeline's distinct error kinds.
type Kind string

const (
	// KindAccountingFailed marks exhaustion of the AccountingAdapter's retry
	// budget. The cursor's in_progress marker is left set for retry.
	KindAccountingFailed Kind = "ACCOUNTING_FAILED"

	// KindLocked marks contention on a cluster's exclusive state lock.
	KindLocked Kind = "LOCKED"

	// KindMalformedRecord marks a normalizer input line dropped as invalid.
	KindMalformedRecord Kind = "MALFORMED_RECORD"

	// KindCorruptArtifact marks an on-disk JSON or bloom file that failed to
	// parse and was quarantined with a .bad suffix.
	KindCorruptArtifact Kind = "CORRUPT_ARTIFACT"

	// KindConfigInvalid marks a configuration value (typically a date
	// string) that could not be parsed.
	KindConfigInvalid Kind = "CONFIG_INVALID"

	// KindTransientIO marks a filesystem error that is never swallowed; it
	// surfaces as failure of the current step, leaving the cursor retryable.
	KindTransientIO Kind = "TRANSIENT_IO"
)

// Error is the structured error type returned across package boundaries in
// clusteracct. It carries enough context for the orchestrator to pick an
// exit code and for the structured logger to report a reason without
// re-parsing message text.
type Error struct {
	Kind      Kind
	Message   string
	Cluster   string
	Timestamp time.Time
	Cause     error
}

// New creates an Error of the given kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now(), Cause: cause}
}

// WithCluster returns a copy of e annotated with the cluster name.
func (e *Error) WithCluster(cluster string) *Error {
	cp := *e
	cp.Cluster = cluster
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Of reports the Kind of err, if err is (or wraps) an *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// ExitCode maps a tick result error to the orchestrator's exit code
// contract (spec §6): 0 success, 1 work-step failure, 2 invalid
// configuration, 3 lock contention. A nil error yields 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch k, _ := Of(err); k {
	case KindConfigInvalid:
		return 2
	case KindLocked:
		return 3
	default:
		return 1
	}
}
