package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"arena-control-backend/internal/models"
)

// Diagnostic is a named self-test reachable from the control surface.
type Diagnostic func(ctx context.Context) (any, error)

type Diagnostics struct {
	mu     sync.RWMutex
	checks map[string]Diagnostic
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{checks: make(map[string]Diagnostic)}
}

func (d *Diagnostics) Register(name string, check Diagnostic) {
	d.mu.Lock()
	d.checks[name] = check
	d.mu.Unlock()
}

func (d *Diagnostics) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.checks))
	for name := range d.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named diagnostic. ok is false for unknown names.
func (d *Diagnostics) Run(ctx context.Context, name string) (result any, ok bool, err error) {
	d.mu.RLock()
	check, ok := d.checks[name]
	d.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("diagnostic %s panicked: %v", name, r)
		}
	}()

	result, err = check(ctx)
	return result, true, err
}

// RegisterDefaults installs the built-in diagnostics.
func (d *Diagnostics) RegisterDefaults(store *RedisService, watchdog *Watchdog, bridge *CallBridge, realm Caller, supervisor *Supervisor) {
	d.Register("redis", func(ctx context.Context) (any, error) {
		return "PONG", store.Ping(ctx)
	})
	d.Register("memory", func(ctx context.Context) (any, error) {
		available, err := watchdog.AvailableBytes()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"available_bytes": available,
			"pressure_flags":  watchdog.PressureFlags(),
		}, nil
	})
	d.Register("gs", func(ctx context.Context) (any, error) {
		resp := bridge.ServerInfo(ctx)
		if !resp.OK() {
			return resp, fmt.Errorf("server info failed: %s", resp.Error)
		}
		return resp, nil
	})
	d.Register("realm", func(ctx context.Context) (any, error) {
		return realm.Call(ctx, models.MethodServerInfo, "", nil)
	})
	d.Register("fleet", func(ctx context.Context) (any, error) {
		return supervisor.Snapshot(), nil
	})
}
