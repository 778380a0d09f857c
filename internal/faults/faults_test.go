package faults

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSessionStartError_IsAndNames(t *testing.T) {
	err := error(&SessionStartError{Failures: map[string]error{
		"cam2": fmt.Errorf("arm: %w", ErrDeviceUnavailable),
		"cam1": fmt.Errorf("pixel format: %w", ErrConfiguration),
	}})

	if !errors.Is(err, ErrSessionStartFailed) {
		t.Fatal("expected errors.Is(err, ErrSessionStartFailed)")
	}
	if !errors.Is(err, ErrConfiguration) || !errors.Is(err, ErrDeviceUnavailable) {
		t.Error("individual failures should be reachable through errors.Is")
	}

	var sse *SessionStartError
	if !errors.As(err, &sse) {
		t.Fatal("errors.As failed")
	}
	names := sse.Names()
	if len(names) != 2 || names[0] != "cam1" || names[1] != "cam2" {
		t.Errorf("Names() = %v, want [cam1 cam2]", names)
	}
	if !strings.Contains(err.Error(), "cam1") || !strings.Contains(err.Error(), "cam2") {
		t.Errorf("message should name both cameras: %q", err.Error())
	}
}

func TestReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"config", fmt.Errorf("x: %w", ErrConfiguration), "configuration error"},
		{"device", fmt.Errorf("x: %w", ErrDeviceUnavailable), "device unavailable"},
		{"frame", fmt.Errorf("x: %w", ErrFrameTimeout), "frame timeout"},
		{"trigger", fmt.Errorf("x: %w", ErrTriggerTimeout), "trigger timeout"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Reason(tc.err); got != tc.want {
				t.Errorf("Reason() = %q, want %q", got, tc.want)
			}
		})
	}
}
