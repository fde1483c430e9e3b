// Package errors provides the kernel's error vocabulary: panic values for
// broken caller contracts and errno helpers for recoverable failures.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// ErrorCategory represents different categories of contract violations.
type ErrorCategory string

const (
	CategoryMemory     ErrorCategory = "MEMORY"
	CategoryBounds     ErrorCategory = "BOUNDS"
	CategoryState      ErrorCategory = "STATE"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryOwnership  ErrorCategory = "OWNERSHIP"
)

// StandardError is the value the kernel panics with when an upstream
// invariant has already been broken.
type StandardError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

// Error implements the error interface.
func (e *StandardError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// NewStandardError creates a new standardized error.
func NewStandardError(category ErrorCategory, code, message string, context map[string]interface{}) *StandardError {
	pc, _, _, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &StandardError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// Common contract violations

func PageOutOfRange(vpn, start, end uint64) *StandardError {
	return NewStandardError(CategoryBounds, "PAGE_OUT_OF_RANGE",
		fmt.Sprintf("Page %#x outside of [%#x, %#x)", vpn, start, end),
		map[string]interface{}{"vpn": vpn, "start": start, "end": end})
}

func SlotOccupied(vpn uint64, state string) *StandardError {
	return NewStandardError(CategoryState, "SLOT_OCCUPIED",
		fmt.Sprintf("Page %#x is already %s", vpn, state),
		map[string]interface{}{"vpn": vpn, "state": state})
}

func InvalidTransition(vpn uint64, from, to string) *StandardError {
	return NewStandardError(CategoryState, "INVALID_TRANSITION",
		fmt.Sprintf("Page %#x cannot move from %s to %s", vpn, from, to),
		map[string]interface{}{"vpn": vpn, "from": from, "to": to})
}

func InvalidRange(start, end uint64) *StandardError {
	return NewStandardError(CategoryValidation, "INVALID_RANGE",
		fmt.Sprintf("Range start %#x is beyond end %#x", start, end),
		map[string]interface{}{"start": start, "end": end})
}

func DoubleFree(ppn uint64) *StandardError {
	return NewStandardError(CategoryMemory, "DOUBLE_FREE",
		fmt.Sprintf("Frame %#x released more times than retained", ppn),
		map[string]interface{}{"ppn": ppn})
}

func StillReferenced(pid int, holders int32) *StandardError {
	return NewStandardError(CategoryOwnership, "STILL_REFERENCED",
		fmt.Sprintf("Task %d reaped with %d holders, want 1", pid, holders),
		map[string]interface{}{"pid": pid, "holders": holders})
}

// ============================================================================
// Errno helpers
// ============================================================================

// Errno extracts the errno carried by err. Errors that carry none are
// reported as EINVAL.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// Ret converts a syscall result into the value returned to user space:
// the result itself on success, the negated errno otherwise.
func Ret(v int, err error) int {
	if err != nil {
		return -int(Errno(err))
	}
	return v
}

// Is reports whether err carries the given errno.
func Is(err error, errno unix.Errno) bool {
	return stderrors.Is(err, errno)
}
