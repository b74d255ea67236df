//go:build test

package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/blecon/inspector"
	"github.com/srg/blecon/internal/radio"
	"github.com/srg/blecon/internal/session"
)

func TestFormatUserError(t *testing.T) {
	// GOAL: Verify errors with a known remedy get a friendly message and others pass through
	//
	// TEST SCENARIO: wrapped platform and session errors → expected terminal message

	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
		{
			name:     "adapter off",
			err:      fmt.Errorf("connect AA: %w", session.ErrConnectionAdapterOff),
			expected: "the adapter is off; run 'power on' first",
		},
		{
			name:     "already active",
			err:      session.ErrAlreadyActive,
			expected: "a connection is already active; disconnect first",
		},
		{
			name:     "link lost",
			err:      fmt.Errorf("%w: AA", inspector.ErrLinkLost),
			expected: "the device dropped the connection (device disconnected during service discovery: AA)",
		},
		{
			name:     "empty input",
			err:      session.ErrEmptyInput,
			expected: "nothing to write: the text is empty",
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("waiting: %w", context.DeadlineExceeded),
			expected: "operation timed out: waiting: context deadline exceeded",
		},
		{
			name:     "plain error",
			err:      errors.New("characteristic 2a19 not found"),
			expected: "characteristic 2a19 not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}

func TestFormatUserErrorBluetoothOff(t *testing.T) {
	err := fmt.Errorf("power on: %w", radio.ErrBluetoothOff)
	assert.Equal(t, "Bluetooth is turned off or unavailable. Turn it on and try again.", FormatUserError(err))
}
