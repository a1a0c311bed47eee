package services

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogTickFailFast(t *testing.T) {
	failing := func() error { return errors.New("meminfo unavailable") }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	strict := NewWatchdog(WatchdogOptions{Logger: logger, FailFast: true, Exit: func(int) {}})
	assert.Panics(t, func() { strict.tick("sample", failing) })

	lenient := NewWatchdog(WatchdogOptions{Logger: logger, Exit: func(int) {}})
	assert.NotPanics(t, func() { lenient.tick("sample", failing) })
}

func TestPendingMember(t *testing.T) {
	gsid, roundID, ok := parsePendingMember(pendingMember("7c9e6679-7425-40de-944b-e07fc1f90ae7", 12))
	assert.True(t, ok)
	assert.Equal(t, "7c9e6679-7425-40de-944b-e07fc1f90ae7", gsid)
	assert.Equal(t, int64(12), roundID)

	_, _, ok = parsePendingMember("no-separator")
	assert.False(t, ok)
	_, _, ok = parsePendingMember("gs|abc")
	assert.False(t, ok)
}
