// Package faults holds the acquisition error taxonomy.
//
// Components wrap one of the sentinels with context (fmt.Errorf("...: %w", ...))
// and callers classify with errors.Is.
package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConfiguration is a bad or unsupported configuration value. Not retryable.
	ErrConfiguration = errors.New("configuration error")
	// ErrDeviceUnavailable means hardware or the serial link is unreachable or already claimed. Not retryable.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrFrameTimeout means no frame arrived before the grab deadline. Retryable a bounded number of times.
	ErrFrameTimeout = errors.New("frame timeout")
	// ErrTriggerTimeout means the trigger watchdog expired. Surfaced, never auto-recovered.
	ErrTriggerTimeout = errors.New("trigger timeout")
	// ErrSessionStartFailed aggregates start failures of a session.
	ErrSessionStartFailed = errors.New("session start failed")
)

// SessionStartError names every participant (camera ID or "trigger")
// that failed to get ready. It matches ErrSessionStartFailed.
type SessionStartError struct {
	Failures map[string]error
}

func (e *SessionStartError) Error() string {
	names := e.Names()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", n, e.Failures[n]))
	}
	return fmt.Sprintf("%v: %s", ErrSessionStartFailed, strings.Join(parts, "; "))
}

// Is reports whether target is ErrSessionStartFailed.
func (e *SessionStartError) Is(target error) bool {
	return target == ErrSessionStartFailed
}

// Unwrap exposes the individual failures to errors.Is / errors.As.
func (e *SessionStartError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, n := range e.Names() {
		errs = append(errs, e.Failures[n])
	}
	return errs
}

// Names returns the failed participants in sorted order.
func (e *SessionStartError) Names() []string {
	names := make([]string, 0, len(e.Failures))
	for n := range e.Failures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Reason returns a short label for err, used in terminal statuses
// such as "Faulted:frame timeout".
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return ErrConfiguration.Error()
	case errors.Is(err, ErrDeviceUnavailable):
		return ErrDeviceUnavailable.Error()
	case errors.Is(err, ErrFrameTimeout):
		return ErrFrameTimeout.Error()
	case errors.Is(err, ErrTriggerTimeout):
		return ErrTriggerTimeout.Error()
	case errors.Is(err, ErrSessionStartFailed):
		return ErrSessionStartFailed.Error()
	default:
		return err.Error()
	}
}
