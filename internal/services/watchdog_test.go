package services_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"arena-control-backend/internal/clock"
	"arena-control-backend/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

type fakeMemory struct {
	mu        sync.Mutex
	available uint64
	err       error
}

func (m *fakeMemory) set(available uint64) {
	m.mu.Lock()
	m.available = available
	m.mu.Unlock()
}

func (m *fakeMemory) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *fakeMemory) AvailableBytes() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, m.err
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (r *exitRecorder) exit(code int) {
	r.mu.Lock()
	r.codes = append(r.codes, code)
	r.mu.Unlock()
}

func (r *exitRecorder) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.codes...)
}

func newTestWatchdog(memory *fakeMemory, exits *exitRecorder, failFast bool) *services.Watchdog {
	return services.NewWatchdog(services.WatchdogOptions{
		Reader:   memory,
		Clock:    clock.Fake(time.Unix(0, 0)),
		Logger:   discardLogger(),
		FailFast: failFast,
		Exit:     exits.exit,
	})
}

func TestWatchdogExitsUnderSustainedPressure(t *testing.T) {
	memory := &fakeMemory{available: 150 * mib}
	exits := &exitRecorder{}
	wd := newTestWatchdog(memory, exits, false)

	for i := 0; i < 5; i++ {
		require.NoError(t, wd.Sample())
	}
	assert.Equal(t, 5, wd.PressureFlags())

	exited, err := wd.Check()
	require.NoError(t, err)
	assert.True(t, exited)
	assert.Equal(t, []int{1}, exits.calls())
}

func TestWatchdogNeedsFullPressureLog(t *testing.T) {
	memory := &fakeMemory{available: 150 * mib}
	exits := &exitRecorder{}
	wd := newTestWatchdog(memory, exits, false)

	for i := 0; i < 4; i++ {
		require.NoError(t, wd.Sample())
	}

	exited, err := wd.Check()
	require.NoError(t, err)
	assert.False(t, exited)
	assert.Empty(t, exits.calls())
}

func TestWatchdogHighSampleResetsPressure(t *testing.T) {
	memory := &fakeMemory{available: 150 * mib}
	exits := &exitRecorder{}
	wd := newTestWatchdog(memory, exits, false)

	for i := 0; i < 4; i++ {
		require.NoError(t, wd.Sample())
	}
	memory.set(250 * mib)
	require.NoError(t, wd.Sample())
	assert.Zero(t, wd.PressureFlags())

	memory.set(150 * mib)
	require.NoError(t, wd.Sample())

	exited, err := wd.Check()
	require.NoError(t, err)
	assert.False(t, exited)
	assert.Empty(t, exits.calls())
}

func TestWatchdogRecoveredCheckClearsLog(t *testing.T) {
	memory := &fakeMemory{available: 150 * mib}
	exits := &exitRecorder{}
	wd := newTestWatchdog(memory, exits, false)

	for i := 0; i < 6; i++ {
		require.NoError(t, wd.Sample())
	}

	memory.set(200 * mib)
	exited, err := wd.Check()
	require.NoError(t, err)
	assert.False(t, exited)
	assert.Zero(t, wd.PressureFlags())
	assert.Empty(t, exits.calls())
}

func TestWatchdogReadFailure(t *testing.T) {
	memory := &fakeMemory{}
	memory.fail(errors.New("meminfo unavailable"))
	exits := &exitRecorder{}

	wd := newTestWatchdog(memory, exits, false)
	assert.Error(t, wd.Sample())
	_, err := wd.Check()
	assert.Error(t, err)
	assert.Empty(t, exits.calls())
}

func TestWatchdogRunSkipsFailedTicks(t *testing.T) {
	memory := &fakeMemory{}
	memory.fail(errors.New("meminfo unavailable"))
	exits := &exitRecorder{}
	fc := clock.Fake(time.Unix(0, 0))

	wd := services.NewWatchdog(services.WatchdogOptions{
		Reader: memory,
		Clock:  fc,
		Logger: discardLogger(),
		Exit:   exits.exit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()

	// Let Run register its tickers before the clock moves.
	time.Sleep(20 * time.Millisecond)
	fc.Advance(services.DefaultCheckInterval)
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, exits.calls())
}

func TestWatchdogRunTerminatesUnderPressure(t *testing.T) {
	memory := &fakeMemory{available: 10 * mib}
	exited := make(chan int, 1)
	fc := clock.Fake(time.Unix(0, 0))

	wd := services.NewWatchdog(services.WatchdogOptions{
		Reader:         memory,
		Clock:          fc,
		Logger:         discardLogger(),
		SampleInterval: time.Second,
		CheckInterval:  time.Minute,
		Exit: func(code int) {
			select {
			case exited <- code:
			default:
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go wd.Run(ctx)

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 5; i++ {
		fc.Advance(time.Second)
		require.Eventually(t, func() bool { return wd.PressureFlags() == i+1 }, time.Second, 5*time.Millisecond)
	}
	fc.Advance(time.Minute - 5*time.Second)

	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("watchdog did not terminate")
	}
}

func TestMemInfoReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	content := "MemTotal:       32658200 kB\nMemFree:         1048576 kB\nMemAvailable:     204800 kB\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	reader := &services.MemInfoReader{Path: path}
	available, err := reader.AvailableBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(200*mib), available)
}

func TestMemInfoReaderErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := (&services.MemInfoReader{Path: filepath.Join(dir, "missing")}).AvailableBytes()
	assert.Error(t, err)

	path := filepath.Join(dir, "meminfo")
	require.NoError(t, os.WriteFile(path, []byte("MemTotal: 1 kB\n"), 0o644))
	_, err = (&services.MemInfoReader{Path: path}).AvailableBytes()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("MemAvailable: lots kB\n"), 0o644))
	_, err = (&services.MemInfoReader{Path: path}).AvailableBytes()
	assert.Error(t, err)
}
