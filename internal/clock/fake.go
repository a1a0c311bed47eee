package clock

import (
	"sync"
	"time"
)

// FakeClock only moves when Sleep or Advance is called. Sleep returns
// immediately after advancing the clock and recording the duration.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	sleeps  []time.Duration
	tickers []*fakeTicker
	onSleep func(time.Duration)
}

type fakeTicker struct {
	channel  chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnSleep registers a hook invoked after every Sleep, outside the lock.
func (c *FakeClock) OnSleep(hook func(time.Duration)) {
	c.mu.Lock()
	c.onSleep = hook
	c.mu.Unlock()
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()

	c.Advance(d)
	if hook != nil {
		hook(d)
	}
}

// Sleeps returns every duration passed to Sleep, in call order.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		channel:  make(chan time.Time, 1),
		interval: d,
		next:     c.current.Add(d),
	}
	c.tickers = append(c.tickers, ticker)
	return &Ticker{
		C: ticker.channel,
		stopFunc: func() {
			c.mu.Lock()
			ticker.stopped = true
			c.mu.Unlock()
		},
	}
}

// Advance moves the clock forward by d and fires every ticker whose
// deadline has passed, once per elapsed interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	for _, ticker := range c.tickers {
		for !ticker.stopped && !ticker.next.After(c.current) {
			select {
			case ticker.channel <- ticker.next:
			default:
			}
			ticker.next = ticker.next.Add(ticker.interval)
		}
	}
}
