package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeSleepRecordsAndAdvances(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := Fake(start)

	var hooked []time.Duration
	fake.OnSleep(func(d time.Duration) { hooked = append(hooked, d) })

	fake.Sleep(5 * time.Second)
	fake.Sleep(time.Second)

	assert.Equal(t, []time.Duration{5 * time.Second, time.Second}, fake.Sleeps())
	assert.Equal(t, hooked, fake.Sleeps())
	assert.Equal(t, start.Add(6*time.Second), fake.Now())
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(10 * time.Second)

	fake.Advance(9 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired early")
	default:
	}

	fake.Advance(time.Second)
	select {
	case at := <-ticker.C:
		assert.Equal(t, time.Unix(10, 0), at)
	default:
		t.Fatal("ticker did not fire")
	}

	ticker.Stop()
	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
