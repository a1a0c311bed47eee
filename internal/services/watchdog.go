package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"arena-control-backend/internal/clock"
	"arena-control-backend/internal/observability"
)

const (
	DefaultWatchdogThreshold = 200 << 20 // 200 MiB
	DefaultSampleInterval    = 10 * time.Second
	DefaultCheckInterval     = 60 * time.Second
	DefaultPressureLimit     = 5

	maxPressureLog = 64
)

type WatchdogOptions struct {
	Reader  MemoryReader
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics

	Threshold      uint64
	SampleInterval time.Duration
	CheckInterval  time.Duration
	PressureLimit  int

	// FailFast crashes the sampler on a read failure instead of logging
	// and skipping the tick.
	FailFast bool

	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

// Watchdog terminates the process under sustained memory pressure so the
// host never gets to its own out-of-memory kill. A fast sampler records
// pressure flags, a slow one decides.
type Watchdog struct {
	opts WatchdogOptions

	mu       sync.Mutex
	pressure []time.Time
}

func NewWatchdog(opts WatchdogOptions) *Watchdog {
	if opts.Reader == nil {
		opts.Reader = NewMemInfoReader()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Discard()
	}
	if opts.Threshold == 0 {
		opts.Threshold = DefaultWatchdogThreshold
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.PressureLimit <= 0 {
		opts.PressureLimit = DefaultPressureLimit
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Watchdog{opts: opts}
}

// Run starts both samplers and blocks until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	sampleTicker := w.opts.Clock.NewTicker(w.opts.SampleInterval)
	defer sampleTicker.Stop()
	checkTicker := w.opts.Clock.NewTicker(w.opts.CheckInterval)
	defer checkTicker.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sampleTicker.C:
				w.tick("sample", w.Sample)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-checkTicker.C:
				w.tick("check", func() error {
					_, err := w.Check()
					return err
				})
			}
		}
	}()
	wg.Wait()
}

func (w *Watchdog) tick(sampler string, fn func() error) {
	err := fn()
	if err == nil {
		return
	}
	if w.opts.FailFast {
		panic(fmt.Errorf("watchdog %s: %w", sampler, err))
	}
	w.opts.Logger.Error("watchdog sample skipped", "sampler", sampler, "error", err)
}

// Sample is the fast sampler. It flags pressure when available memory is
// below the threshold and clears the log otherwise, so only consecutive
// low samples count.
func (w *Watchdog) Sample() error {
	available, err := w.read()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if available >= w.opts.Threshold {
		w.clearLocked()
		return nil
	}

	w.pressure = append(w.pressure, w.opts.Clock.Now())
	if len(w.pressure) > maxPressureLog {
		w.pressure = w.pressure[len(w.pressure)-maxPressureLog:]
	}
	w.opts.Metrics.PressureFlags.Set(float64(len(w.pressure)))

	w.opts.Logger.Warn("memory pressure",
		"available_bytes", available,
		"threshold_bytes", w.opts.Threshold,
		"pressure_flags", len(w.pressure),
	)
	return nil
}

// Check is the slow sampler. It terminates the process when memory is
// still low and the pressure log is full, and clears the log when memory
// has recovered. The returned bool reports whether Exit was called.
func (w *Watchdog) Check() (bool, error) {
	available, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if available >= w.opts.Threshold {
		w.clearLocked()
		w.mu.Unlock()
		return false, nil
	}
	flags := len(w.pressure)
	w.mu.Unlock()

	if flags < w.opts.PressureLimit {
		return false, nil
	}

	w.opts.Logger.Error("sustained memory pressure, terminating",
		"available_bytes", available,
		"threshold_bytes", w.opts.Threshold,
		"pressure_flags", flags,
	)
	w.opts.Exit(1)
	return true, nil
}

func (w *Watchdog) PressureFlags() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pressure)
}

func (w *Watchdog) AvailableBytes() (uint64, error) {
	return w.opts.Reader.AvailableBytes()
}

func (w *Watchdog) read() (uint64, error) {
	available, err := w.opts.Reader.AvailableBytes()
	if err != nil {
		return 0, err
	}
	w.opts.Metrics.AvailableMemory.Set(float64(available))
	return available, nil
}

func (w *Watchdog) clearLocked() {
	if len(w.pressure) > 0 {
		w.opts.Logger.Info("memory pressure cleared", "pressure_flags", len(w.pressure))
	}
	w.pressure = w.pressure[:0]
	w.opts.Metrics.PressureFlags.Set(0)
}
