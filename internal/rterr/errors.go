// Package rterr defines the error taxonomy of the compute runtime.
//
// Errors carry a Kind (what went wrong) and, where it applies, the operation,
// init phase and recovery attempt they belong to. Kind-based matching works
// through errors.Is against the exported sentinels:
//
//	if errors.Is(err, rterr.ErrGpuUnavailable) {
//		// route the call elsewhere
//	}
package rterr

import (
	"fmt"
	"strings"
)

// Kind categorizes a runtime error.
type Kind string

const (
	// KindDetectionDegraded marks a capability query that failed; its flag is false.
	KindDetectionDegraded Kind = "detection_degraded"
	// KindDependencyIncomplete marks a candidate implementation missing required operations.
	KindDependencyIncomplete Kind = "dependency_incomplete"
	// KindAllocationFailed is fatal to a single call, never to the engine.
	KindAllocationFailed Kind = "allocation_failed"
	// KindBackendInitFailed is fatal to an init phase and may trigger recovery.
	KindBackendInitFailed Kind = "backend_init_failed"
	// KindGpuUnavailable is reported per call when no GPU device is initialized.
	KindGpuUnavailable Kind = "gpu_unavailable"
	// KindRecoveryExhausted is the only error that escapes Init.
	KindRecoveryExhausted Kind = "recovery_exhausted"
)

// Sentinels for errors.Is matching by kind.
var (
	ErrDetectionDegraded    = &Error{Kind: KindDetectionDegraded}
	ErrDependencyIncomplete = &Error{Kind: KindDependencyIncomplete}
	ErrAllocationFailed     = &Error{Kind: KindAllocationFailed}
	ErrBackendInitFailed    = &Error{Kind: KindBackendInitFailed}
	ErrGpuUnavailable       = &Error{Kind: KindGpuUnavailable}
	ErrRecoveryExhausted    = &Error{Kind: KindRecoveryExhausted}
)

// Error is the structured error used across the runtime.
type Error struct {
	Cause   error
	Kind    Kind
	Op      string
	Phase   string
	Detail  string
	Size    uint64
	Attempt int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" op=")
		b.WriteString(e.Op)
	}
	if e.Phase != "" {
		b.WriteString(" phase=")
		b.WriteString(e.Phase)
	}
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	if e.Size > 0 {
		fmt.Fprintf(&b, " size=%d", e.Size)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// AllocationFailed reports a failed allocation of size bytes on behalf of op.
func AllocationFailed(op string, size uint64, cause error) *Error {
	return &Error{Kind: KindAllocationFailed, Op: op, Size: size, Cause: cause}
}

// BackendInitFailed reports a failed backend initialization during phase.
func BackendInitFailed(phase string, cause error) *Error {
	return &Error{Kind: KindBackendInitFailed, Phase: phase, Cause: cause}
}

// GpuUnavailable reports a GPU call made without an initialized device.
func GpuUnavailable(op string) *Error {
	return &Error{Kind: KindGpuUnavailable, Op: op, Detail: "gpu backend not initialized"}
}

// DependencyIncomplete reports the operations a candidate failed to provide.
func DependencyIncomplete(name string, missing []string) *Error {
	return &Error{
		Kind:   KindDependencyIncomplete,
		Op:     name,
		Detail: "missing " + strings.Join(missing, ", "),
	}
}

// DetectionDegraded reports a capability query that could not complete.
func DetectionDegraded(flag string, cause error) *Error {
	return &Error{Kind: KindDetectionDegraded, Op: flag, Cause: cause}
}

// RecoveryExhausted wraps the last phase failure after attempts restarts.
func RecoveryExhausted(phase string, attempts int, cause error) *Error {
	return &Error{
		Kind:    KindRecoveryExhausted,
		Phase:   phase,
		Attempt: attempts,
		Cause:   cause,
	}
}
