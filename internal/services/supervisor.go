package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"arena-control-backend/internal/clock"
	"arena-control-backend/internal/models"
	"arena-control-backend/internal/observability"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRestartDelay = 5 * time.Second
	DefaultUpgradeGrace = 5 * time.Second

	handshakeRetryInterval = 500 * time.Millisecond
	stopWaitTimeout        = 10 * time.Second
	upgradeCallTimeout     = 5 * time.Second
)

// InstanceConn is an open bridge session to one game server.
type InstanceConn interface {
	Caller
	// Done is closed when the session drops.
	Done() <-chan struct{}
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, info models.ProcessInfo) (InstanceConn, error)
}

// RPCConnector opens RPCClient sessions to ws://<endpoint><Path>.
type RPCConnector struct {
	Path    string
	Token   func() (string, error)
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (c *RPCConnector) Connect(ctx context.Context, info models.ProcessInfo) (InstanceConn, error) {
	client := NewRPCClient(RPCClientOptions{
		Target:  "gs",
		URL:     "ws://" + info.Endpoint() + c.Path,
		Token:   c.Token,
		Timeout: c.Timeout,
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

type SupervisorOptions struct {
	Spawner     Spawner
	Connector   Connector
	Broadcaster Broadcaster
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *observability.Metrics

	Host             string
	BasePort         int
	Instances        int
	HandshakeTimeout time.Duration
	RestartDelay     time.Duration
	UpgradeGrace     time.Duration

	// Token issues the credential handed to a spawned instance.
	Token func(gsid string) (string, error)

	// OnUnexpectedExit runs on its own goroutine when an instance exits
	// without being stopped.
	OnUnexpectedExit func(gsid string)
}

type managedProcess struct {
	info     models.ProcessInfo
	proc     Process
	conn     InstanceConn
	stopping bool
	exited   chan struct{}
}

// Supervisor owns the game server fleet. Lifecycle operations are
// serialised by one lock; calls only take the state lock and run
// concurrently with each other.
type Supervisor struct {
	opts SupervisorOptions

	lifecycle sync.Mutex

	mu     sync.RWMutex
	procs  map[string]*managedProcess
	order  []string
	closed bool
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Discard()
	}
	if opts.Instances < 1 {
		opts.Instances = 1
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.UpgradeGrace <= 0 {
		opts.UpgradeGrace = DefaultUpgradeGrace
	}

	return &Supervisor{
		opts:  opts,
		procs: make(map[string]*managedProcess),
	}
}

// run executes one lifecycle operation under the lifecycle lock. Panics
// are turned into errors so a failed operation never takes down the
// control process.
func (s *Supervisor) run(op string, fn func() error) (err error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
		}
		s.opts.Metrics.LifecycleOps.WithLabelValues(op, observability.StatusLabel(err == nil)).Inc()
		if err != nil {
			s.opts.Logger.Error("lifecycle operation failed", "op", op, "error", err)
			return
		}
		s.opts.Logger.Info("lifecycle operation completed", "op", op, "running", s.runningCount())
	}()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrSupervisorClosed
	}

	return fn()
}

// Start spawns the configured number of instances. It does nothing when
// instances are already running.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return s.run("start", func() error {
		if n := s.runningCount(); n > 0 {
			s.opts.Logger.Info("fleet already running", "instances", n)
			return nil
		}
		return s.startLocked(ctx)
	})
}

// Connect re-establishes the bridge session of every live instance
// without restarting it.
func (s *Supervisor) Connect(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return s.run("connect", func() error { return s.reconnectLocked(ctx) })
}

func (s *Supervisor) Reconnect(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return s.run("reconnect", func() error { return s.reconnectLocked(ctx) })
}

// Stop kills every supervised instance.
func (s *Supervisor) Stop(ctx context.Context) error {
	return s.run("stop", s.stopLocked)
}

func (s *Supervisor) Reboot(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return s.run("reboot", func() error {
		if err := s.stopLocked(); err != nil {
			return err
		}
		s.opts.Clock.Sleep(s.opts.RestartDelay)
		return s.startLocked(ctx)
	})
}

// Upgrade notifies real-time clients and instances, runs each instance's
// upgrade hook, waits out the grace period, then restarts the fleet.
func (s *Supervisor) Upgrade(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return s.run("upgrade", func() error {
		notice := models.BroadcastNotice{
			Kind:    "upgrade",
			Message: "Server is restarting for an upgrade",
			At:      s.opts.Clock.Now().UnixMilli(),
		}
		if s.opts.Broadcaster != nil {
			s.opts.Broadcaster.BroadcastShutdown(notice)
		}

		data, err := json.Marshal(notice)
		if err != nil {
			return fmt.Errorf("failed to marshal notice: %w", err)
		}
		for gsid, conn := range s.connections() {
			s.notifyUpgrade(ctx, gsid, conn, data)
		}

		s.opts.Clock.Sleep(s.opts.UpgradeGrace)

		if err := s.stopLocked(); err != nil {
			return err
		}
		s.opts.Clock.Sleep(s.opts.RestartDelay)
		return s.startLocked(ctx)
	})
}

// Clone adds one instance next to the running ones.
func (s *Supervisor) Clone(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return s.run("clone", func() error {
		_, err := s.spawnLocked(ctx)
		return err
	})
}

// Shutdown stops the fleet and rejects further lifecycle operations.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.run("shutdown", func() error {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		return s.stopLocked()
	})
}

// Call relays to the first running instance and records the call time.
func (s *Supervisor) Call(ctx context.Context, method, signature string, data json.RawMessage) (*models.CallResponse, error) {
	gsid, conn, err := s.primary()
	if err != nil {
		return nil, err
	}

	resp, err := conn.Call(ctx, method, signature, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if mp, ok := s.procs[gsid]; ok {
		mp.info.LastCallAt = s.opts.Clock.Now()
	}
	s.mu.Unlock()

	return resp, nil
}

func (s *Supervisor) Snapshot() []models.ProcessInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]models.ProcessInfo, 0, len(s.order))
	for _, gsid := range s.order {
		infos = append(infos, s.procs[gsid].info)
	}
	return infos
}

func (s *Supervisor) primary() (string, InstanceConn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.order) == 0 {
		return "", nil, ErrNoInstance
	}
	for _, gsid := range s.order {
		mp := s.procs[gsid]
		if mp.info.State == models.ProcessRunning && mp.conn != nil {
			return gsid, mp.conn, nil
		}
	}
	return "", nil, ErrNotConnected
}

func (s *Supervisor) connections() map[string]InstanceConn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make(map[string]InstanceConn, len(s.procs))
	for gsid, mp := range s.procs {
		if mp.conn != nil {
			conns[gsid] = mp.conn
		}
	}
	return conns
}

func (s *Supervisor) notifyUpgrade(ctx context.Context, gsid string, conn InstanceConn, notice json.RawMessage) {
	ctx, cancel := context.WithTimeout(ctx, upgradeCallTimeout)
	defer cancel()

	if _, err := conn.Call(ctx, models.MethodBroadcast, "", notice); err != nil {
		s.opts.Logger.Warn("shutdown notice failed", "gsid", gsid, "error", err)
	}
	resp, err := conn.Call(ctx, models.MethodUpgrade, "", nil)
	if err != nil || !resp.OK() {
		s.opts.Logger.Warn("instance upgrade hook failed", "gsid", gsid, "error", err)
	}
}

func (s *Supervisor) runningCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, mp := range s.procs {
		if mp.info.State != models.ProcessStopped {
			n++
		}
	}
	return n
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	var errs []error
	for i := 0; i < s.opts.Instances; i++ {
		if _, err := s.spawnLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) spawnLocked(ctx context.Context) (*managedProcess, error) {
	gsid := uuid.New().String()

	var token string
	if s.opts.Token != nil {
		var err error
		if token, err = s.opts.Token(gsid); err != nil {
			return nil, fmt.Errorf("failed to issue token for %s: %w", gsid, err)
		}
	}

	s.mu.Lock()
	port := s.freePortLocked()
	s.mu.Unlock()

	proc, err := s.opts.Spawner.Spawn(SpawnSpec{
		GSID:  gsid,
		Host:  s.opts.Host,
		Port:  port,
		Token: token,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn instance: %w", err)
	}

	mp := &managedProcess{
		info: models.ProcessInfo{
			GSID:      gsid,
			Host:      s.opts.Host,
			Port:      port,
			PID:       proc.PID(),
			State:     models.ProcessStarting,
			StartedAt: s.opts.Clock.Now(),
		},
		proc:   proc,
		exited: make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[gsid] = mp
	s.order = append(s.order, gsid)
	s.mu.Unlock()

	go s.reap(mp)

	s.opts.Logger.Info("instance spawned", "gsid", gsid, "pid", mp.info.PID, "port", port)

	conn, err := s.handshake(ctx, mp)
	if err != nil {
		if killErr := s.kill(mp); killErr != nil {
			s.opts.Logger.Error("failed to kill instance after handshake failure", "gsid", gsid, "error", killErr)
		}
		return nil, fmt.Errorf("instance %s handshake: %w", gsid, err)
	}

	if !s.attach(mp, conn) {
		conn.Close()
		return nil, fmt.Errorf("instance %s exited during startup", gsid)
	}
	s.updateGauge()

	return mp, nil
}

// freePortLocked returns the lowest port from BasePort not used by a
// supervised instance. Callers hold s.mu.
func (s *Supervisor) freePortLocked() int {
	used := make(map[int]bool, len(s.procs))
	for _, mp := range s.procs {
		used[mp.info.Port] = true
	}
	port := s.opts.BasePort
	for used[port] {
		port++
	}
	return port
}

// handshake connects to a freshly spawned instance and confirms it
// answers a ServerInfoRequest.
func (s *Supervisor) handshake(ctx context.Context, mp *managedProcess) (InstanceConn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	attempts := int(s.opts.HandshakeTimeout / handshakeRetryInterval)
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-mp.exited:
			return nil, fmt.Errorf("process exited before handshake")
		default:
		}

		conn, err := s.opts.Connector.Connect(ctx, mp.info)
		if err == nil {
			resp, callErr := conn.Call(ctx, models.MethodServerInfo, "", nil)
			if callErr == nil && resp.OK() {
				return conn, nil
			}
			conn.Close()
			err = callErr
			if err == nil {
				err = fmt.Errorf("server info returned status %d", resp.Status)
			}
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		s.opts.Clock.Sleep(handshakeRetryInterval)
	}

	return nil, lastErr
}

// attach marks mp running on conn unless it exited meanwhile.
func (s *Supervisor) attach(mp *managedProcess, conn InstanceConn) bool {
	s.mu.Lock()
	if mp.info.State == models.ProcessStopped || mp.stopping {
		s.mu.Unlock()
		return false
	}
	mp.conn = conn
	mp.info.State = models.ProcessRunning
	mp.info.Connected = true
	s.mu.Unlock()

	go s.watch(mp, conn)
	return true
}

// watch moves mp to Reconnecting when its session drops. Reconnection is
// left to the caller.
func (s *Supervisor) watch(mp *managedProcess, conn InstanceConn) {
	<-conn.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	if mp.conn != conn || mp.stopping || mp.info.State != models.ProcessRunning {
		return
	}
	mp.conn = nil
	mp.info.State = models.ProcessReconnecting
	mp.info.Connected = false

	s.opts.Logger.Warn("instance session dropped", "gsid", mp.info.GSID)
}

func (s *Supervisor) reap(mp *managedProcess) {
	waitErr := mp.proc.Wait()

	s.mu.Lock()
	unexpected := !mp.stopping
	mp.info.State = models.ProcessStopped
	mp.info.Connected = false
	conn := mp.conn
	mp.conn = nil
	delete(s.procs, mp.info.GSID)
	for i, gsid := range s.order {
		if gsid == mp.info.GSID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	close(mp.exited)
	if conn != nil {
		conn.Close()
	}
	s.updateGauge()

	if !unexpected {
		s.opts.Logger.Info("instance stopped", "gsid", mp.info.GSID, "pid", mp.info.PID)
		return
	}

	s.opts.Logger.Warn("instance exited unexpectedly", "gsid", mp.info.GSID, "pid", mp.info.PID, "error", waitErr)
	if s.opts.OnUnexpectedExit != nil {
		go s.opts.OnUnexpectedExit(mp.info.GSID)
	}
}

func (s *Supervisor) reconnectLocked(ctx context.Context) error {
	s.mu.RLock()
	var targets []*managedProcess
	for _, gsid := range s.order {
		mp := s.procs[gsid]
		if mp.info.State == models.ProcessRunning || mp.info.State == models.ProcessReconnecting {
			targets = append(targets, mp)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNoInstance
	}

	var g errgroup.Group
	for _, mp := range targets {
		mp := mp
		g.Go(func() error { return s.reconnectOne(ctx, mp) })
	}
	return g.Wait()
}

func (s *Supervisor) reconnectOne(ctx context.Context, mp *managedProcess) error {
	s.mu.Lock()
	old := mp.conn
	mp.conn = nil
	mp.info.State = models.ProcessReconnecting
	mp.info.Connected = false
	info := mp.info
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	conn, err := s.opts.Connector.Connect(ctx, info)
	if err != nil {
		return fmt.Errorf("instance %s reconnect: %w", info.GSID, err)
	}

	if !s.attach(mp, conn) {
		conn.Close()
		return fmt.Errorf("instance %s exited during reconnect", info.GSID)
	}

	s.opts.Logger.Info("instance reconnected", "gsid", info.GSID)
	return nil
}

func (s *Supervisor) stopLocked() error {
	s.mu.RLock()
	targets := make([]*managedProcess, 0, len(s.procs))
	for _, mp := range s.procs {
		targets = append(targets, mp)
	}
	s.mu.RUnlock()

	var g errgroup.Group
	for _, mp := range targets {
		mp := mp
		g.Go(func() error { return s.kill(mp) })
	}
	return g.Wait()
}

// kill terminates mp and waits for the reaper to confirm the exit.
func (s *Supervisor) kill(mp *managedProcess) error {
	s.mu.Lock()
	mp.stopping = true
	conn := mp.conn
	mp.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if err := mp.proc.Kill(); err != nil {
		return fmt.Errorf("failed to kill instance %s: %w", mp.info.GSID, err)
	}

	timer := time.NewTimer(stopWaitTimeout)
	defer timer.Stop()

	select {
	case <-mp.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("instance %s did not exit within %s", mp.info.GSID, stopWaitTimeout)
	}
}

func (s *Supervisor) updateGauge() {
	s.opts.Metrics.RunningInstances.Set(float64(s.runningCount()))
}
