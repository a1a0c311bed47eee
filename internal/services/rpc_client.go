package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"arena-control-backend/internal/models"
	"arena-control-backend/internal/observability"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Caller performs one bridged call and waits for its response.
type Caller interface {
	Call(ctx context.Context, method, signature string, data json.RawMessage) (*models.CallResponse, error)
}

type RPCClientOptions struct {
	// Target labels logs and metrics ("gs", "realm").
	Target string
	URL    string

	// Token returns the bearer token presented in the handshake. Optional.
	Token func() (string, error)

	Timeout time.Duration

	// AutoConnect dials on Call when no connection is open.
	AutoConnect bool

	Dialer  *websocket.Dialer
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// RPCClient multiplexes CallEnvelopes over a single websocket. Responses
// are matched to requests by envelope id, so concurrent calls are safe;
// writes are serialised per connection.
type RPCClient struct {
	opts RPCClientOptions

	mu   sync.Mutex
	conn *rpcConn
}

type rpcConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *models.CallResponse
	done    chan struct{}
	err     error
}

func NewRPCClient(opts RPCClientOptions) *RPCClient {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Discard()
	}
	return &RPCClient{opts: opts}
}

func (c *RPCClient) URL() string {
	return c.opts.URL
}

// Connect dials the remote end, replacing any open connection.
func (c *RPCClient) Connect(ctx context.Context) error {
	header := http.Header{}
	if c.opts.Token != nil {
		token, err := c.opts.Token()
		if err != nil {
			return fmt.Errorf("failed to issue bridge token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.opts.URL, err)
	}

	conn := &rpcConn{
		ws:      ws,
		pending: make(map[string]chan *models.CallResponse),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	previous := c.conn
	c.conn = conn
	c.mu.Unlock()

	if previous != nil {
		previous.close(ErrBridgeClosed)
	}

	go c.readLoop(conn)

	c.opts.Logger.Debug("bridge connected", "target", c.opts.Target, "url", c.opts.URL)
	return nil
}

func (c *RPCClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done is closed when the current connection drops. It returns a closed
// channel when there is no connection.
func (c *RPCClient) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.conn.done
}

func (c *RPCClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.close(ErrBridgeClosed)
	}
	return nil
}

func (c *RPCClient) Call(ctx context.Context, method, signature string, data json.RawMessage) (*models.CallResponse, error) {
	resp, err := c.call(ctx, method, signature, data)
	c.opts.Metrics.BridgeCalls.WithLabelValues(c.opts.Target, method, observability.StatusLabel(err == nil && resp.OK())).Inc()
	return resp, err
}

func (c *RPCClient) call(ctx context.Context, method, signature string, data json.RawMessage) (*models.CallResponse, error) {
	conn, err := c.current(ctx)
	if err != nil {
		return nil, err
	}

	envelope := models.CallEnvelope{
		ID:        uuid.New().String(),
		Method:    method,
		Signature: signature,
		Data:      data,
	}

	replies := make(chan *models.CallResponse, 1)
	if err := conn.register(envelope.ID, replies); err != nil {
		return nil, err
	}
	defer conn.unregister(envelope.ID)

	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.write(&envelope, deadline); err != nil {
		conn.close(err)
		c.drop(conn)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resp := <-replies:
		return resp, nil
	case <-conn.done:
		return nil, fmt.Errorf("%s: %w", method, conn.closeErr())
	case <-timer.C:
		return nil, fmt.Errorf("%s after %s: %w", method, c.opts.Timeout, ErrCallTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RPCClient) current(ctx context.Context) (*rpcConn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		return conn, nil
	}
	if !c.opts.AutoConnect {
		return nil, ErrNotConnected
	}

	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// drop forgets conn if it is still the current connection.
func (c *RPCClient) drop(conn *rpcConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *RPCClient) readLoop(conn *rpcConn) {
	for {
		var resp models.CallResponse
		if err := conn.ws.ReadJSON(&resp); err != nil {
			select {
			case <-conn.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.opts.Logger.Warn("bridge connection lost", "target", c.opts.Target, "url", c.opts.URL, "error", err)
				}
			}
			conn.close(fmt.Errorf("%w: %v", ErrBridgeClosed, err))
			c.drop(conn)
			return
		}

		if !conn.deliver(&resp) {
			c.opts.Logger.Debug("dropping unmatched bridge response", "target", c.opts.Target, "id", resp.ID)
		}
	}
}

func (conn *rpcConn) register(id string, replies chan *models.CallResponse) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.done:
		return conn.err
	default:
	}

	conn.pending[id] = replies
	return nil
}

func (conn *rpcConn) unregister(id string) {
	conn.mu.Lock()
	delete(conn.pending, id)
	conn.mu.Unlock()
}

func (conn *rpcConn) deliver(resp *models.CallResponse) bool {
	conn.mu.Lock()
	replies, ok := conn.pending[resp.ID]
	delete(conn.pending, resp.ID)
	conn.mu.Unlock()

	if !ok {
		return false
	}
	replies <- resp
	return true
}

func (conn *rpcConn) write(envelope *models.CallEnvelope, deadline time.Time) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.ws.SetWriteDeadline(deadline)
	return conn.ws.WriteJSON(envelope)
}

func (conn *rpcConn) close(err error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.done:
		return
	default:
	}

	conn.err = err
	close(conn.done)
	conn.ws.Close()
}

func (conn *rpcConn) closeErr() error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.err == nil {
		return ErrBridgeClosed
	}
	return conn.err
}
