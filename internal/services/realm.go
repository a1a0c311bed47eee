package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arena-control-backend/internal/models"
	"arena-control-backend/internal/observability"
)

// RealmForwarder sends ModRequest audit records to realm on detached
// goroutines. Failures go to its error channel and are only logged; the
// caller that triggered the forward never sees them.
type RealmForwarder struct {
	realm   Caller
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	closed   bool
	errs     chan error
	inflight sync.WaitGroup
	drained  chan struct{}
	once     sync.Once
}

func NewRealmForwarder(realm Caller, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *RealmForwarder {
	f := &RealmForwarder{
		realm:   realm,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		errs:    make(chan error, 64),
		drained: make(chan struct{}),
	}
	go f.logErrors()
	return f
}

// Forward starts the forward of record and returns immediately. Records
// arriving after Close are dropped.
func (f *RealmForwarder) Forward(record models.ModRecord) {
	if record.ForwardedAt == 0 {
		record.ForwardedAt = f.now().UnixMilli()
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.metrics.RealmForwards.WithLabelValues("dropped").Inc()
		f.logger.Warn("realm forward after close dropped", "method", record.Method)
		return
	}
	f.inflight.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.inflight.Done()

		if err := f.send(record); err != nil {
			f.metrics.RealmForwards.WithLabelValues("failure").Inc()
			select {
			case f.errs <- err:
			default:
				f.logger.Error("realm forward error channel full", "method", record.Method, "error", err)
			}
			return
		}
		f.metrics.RealmForwards.WithLabelValues("success").Inc()
	}()
}

func (f *RealmForwarder) send(record models.ModRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal mod record for %s: %w", record.Method, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	resp, err := f.realm.Call(ctx, models.MethodMod, "", data)
	if err != nil {
		return fmt.Errorf("realm forward of %s: %w", record.Method, err)
	}
	if !resp.OK() {
		return fmt.Errorf("realm rejected forward of %s: %s", record.Method, resp.Error)
	}
	return nil
}

func (f *RealmForwarder) logErrors() {
	defer close(f.drained)
	for err := range f.errs {
		f.logger.Error("realm forward failed", "error", err)
	}
}

// Wait blocks until every forward started so far has finished.
func (f *RealmForwarder) Wait() {
	f.inflight.Wait()
}

// Close waits for in-flight forwards and stops the error logger.
func (f *RealmForwarder) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		f.inflight.Wait()
		close(f.errs)
		<-f.drained
	})
}
