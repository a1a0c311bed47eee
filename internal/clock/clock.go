// Package clock abstracts the time operations the supervisor and the
// watchdog depend on, so tests can drive restart delays, grace periods and
// sampler ticks deterministically.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// Sleep pauses the calling goroutine for at least d. It is not
	// cancellable.
	Sleep(d time.Duration)

	// NewTicker delivers ticks on C every d. Ticks are dropped when the
	// consumer falls behind.
	NewTicker(d time.Duration) *Ticker
}

type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
