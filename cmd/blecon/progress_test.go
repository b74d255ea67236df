//go:build test

package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blecon/internal/testutils"
)

func TestProgressPrinterStopPhase(t *testing.T) {
	// GOAL: Verify reporting a stop phase stops the printer and clears the line
	//
	// TEST SCENARIO: start → phase update → stop phase → line cleared, later Stop is a no-op

	out := &testutils.SyncBuffer{}
	p := newProgressPrinter(out, "Inspecting", "Connecting", 0, []string{"Processing results"})
	p.Start()

	callback := p.Callback()
	callback("Discovering services")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Inspecting (Discovering services")
	}, 2*time.Second, 10*time.Millisecond, "phase update MUST be printed")

	callback("Processing results")
	assert.True(t, strings.HasSuffix(out.String(), clearLineSequence), "line MUST be cleared on stop")

	before := out.String()
	p.Stop()
	assert.Equal(t, before, out.String(), "second Stop MUST NOT print")
}

func TestProgressPrinterStartTwicePanics(t *testing.T) {
	p := newProgressPrinter(&testutils.SyncBuffer{}, "x", "y", 0, nil)
	p.Start()
	defer p.Stop()

	assert.Panics(t, p.Start)
}

func TestProgressPrinterCountdown(t *testing.T) {
	p := newProgressPrinter(&testutils.SyncBuffer{}, "Scanning", "Scanning", 10*time.Second, nil)
	p.startTime = time.Now().Add(-3400 * time.Millisecond)
	assert.Equal(t, 7, p.seconds(), "remaining time MUST be rounded to the nearest second")

	p.startTime = time.Now().Add(-11 * time.Second)
	assert.Equal(t, 0, p.seconds())
}
