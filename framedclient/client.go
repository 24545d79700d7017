// Package framedclient provides an event-driven TCP client for delimiter
// framed protocols. It notifies callers of connection state changes, complete
// frames and errors via registered handlers, and can reconnect automatically.
package framedclient

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/go-netserver/framereader"
	"github.com/cyberinferno/go-netserver/logger"
)

var (
	ErrClosed           = errors.New("client is closed")
	ErrAlreadyConnected = errors.New("already connected or connecting")
	ErrNotConnected     = errors.New("not connected")
)

// ConnectionState represents the current state of the TCP connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // Not connected and not attempting to connect
	Connecting                          // Connection attempt in progress
	Connected                           // Successfully connected
	Reconnecting                        // Waiting to reconnect (when AutoReconnect is enabled)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent is emitted when the connection state changes.
type StateEvent struct {
	State     ConnectionState
	Address   string
	Timestamp time.Time
	Error     error // Non-nil if the change was caused by an error
}

// FrameEvent is emitted for every complete frame read from the connection.
type FrameEvent struct {
	Frame     []byte // Includes the delimiter
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write or dial error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// Handlers run synchronously on the goroutine that produced the event: frame
// handlers on the read goroutine, in arrival order. A handler that blocks
// stalls reading.
type (
	StateHandler func(event StateEvent)
	FrameHandler func(event FrameEvent)
	ErrorHandler func(event ErrorEvent)
)

// Config holds configuration for the client.
type Config struct {
	// Address is the "host:port" to connect to.
	Address string
	// Delimiter terminates every frame, in both directions.
	Delimiter string
	// ReadChunkSize is the maximum number of bytes read per call.
	ReadChunkSize int
	// AutoReconnect enables reconnection after the connection is lost.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// WriteTimeout bounds a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// ConnectionTimeout bounds establishing a connection.
	ConnectionTimeout time.Duration
}

// DefaultConfig returns a Config for address with a newline delimiter,
// 4096-byte reads, no auto-reconnect, a 5s reconnect interval and 10s write
// and connection timeouts.
func DefaultConfig(address string) Config {
	return Config{
		Address:           address,
		Delimiter:         string(framereader.DefaultDelimiter),
		ReadChunkSize:     4096,
		ReconnectInterval: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		ConnectionTimeout: 10 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger. The default discards all output.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// Client is a TCP client that reports I/O and connection lifecycle via
// events. Register handlers, then call Connect. It is safe for concurrent use.
type Client struct {
	config Config
	logger logger.Logger

	mu                sync.RWMutex
	conn              net.Conn
	state             ConnectionState
	closed            bool
	reconnectLoopLive bool

	onState StateHandler
	onFrame FrameHandler
	onError ErrorHandler

	stopChan      chan struct{}
	reconnectChan chan struct{}
	wg            sync.WaitGroup
}

// New creates a client in the Disconnected state.
//
// Parameters:
//   - config: Connection settings (e.g. from DefaultConfig); an empty
//     Delimiter or non-positive ReadChunkSize falls back to the defaults
//   - opts: Optional settings (WithLogger)
//
// Returns:
//   - A new *Client; call Close when done to release resources
func New(config Config, opts ...Option) *Client {
	if config.Delimiter == "" {
		config.Delimiter = string(framereader.DefaultDelimiter)
	}
	if config.ReadChunkSize <= 0 {
		config.ReadChunkSize = framereader.DefaultChunkSize
	}

	c := &Client{
		config:        config,
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logger.NewNopLogger()
	}
	c.logger = c.logger.With(logger.Field{Key: "address", Value: config.Address})

	return c
}

// OnStateChange registers the handler for state changes, replacing any
// previous one. Pass nil to clear it.
func (c *Client) OnStateChange(handler StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// OnFrame registers the handler for received frames, replacing any previous
// one. Pass nil to clear it.
func (c *Client) OnFrame(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// OnError registers the handler for errors, replacing any previous one. Pass
// nil to clear it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect dials the configured address and starts reading frames. With
// AutoReconnect the client keeps reconnecting after a lost connection until
// Close is called.
//
// Returns:
//   - ErrClosed after Close, ErrAlreadyConnected while connected or
//     connecting, or the dial error
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	c.state = Connecting
	startLoop := c.config.AutoReconnect && !c.reconnectLoopLive
	if startLoop {
		c.reconnectLoopLive = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if startLoop {
		go c.reconnectLoop()
	}

	c.emitState(Connecting, nil)
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	d := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.logger.Warn("dial failed", logger.Field{Key: "error", Value: err})
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("connected", logger.Field{Key: "local", Value: conn.LocalAddr().String()})
	c.setState(Connected, nil)

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	frames := framereader.NewSplitter([]byte(c.config.Delimiter), c.config.ReadChunkSize)
	for {
		batch, err := frames.ReadFrames(conn)
		for _, frame := range batch {
			c.emitFrame(frame)
		}
		if err == nil {
			continue
		}

		// Disconnect or Close already released this connection.
		c.mu.Lock()
		owned := c.conn == conn && !c.closed
		if owned {
			c.conn = nil
		}
		c.mu.Unlock()

		if !owned {
			return
		}

		_ = conn.Close()
		if errors.Is(err, framereader.ErrPeerClosed) {
			c.logger.Info("connection closed by server", logger.Field{Key: "discarded_bytes", Value: frames.Discarded()})
		} else {
			c.logger.Error("read failed", logger.Field{Key: "error", Value: err})
			c.emitError(err)
		}

		c.setState(Disconnected, err)
		c.triggerReconnect()
		return
	}
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
		}

		c.setState(Reconnecting, nil)

		select {
		case <-c.stopChan:
			return
		case <-time.After(c.config.ReconnectInterval):
		}

		c.mu.Lock()
		if c.closed || c.state == Connected || c.state == Connecting {
			c.mu.Unlock()
			continue
		}
		c.state = Connecting
		c.mu.Unlock()

		c.emitState(Connecting, nil)
		if err := c.dial(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			c.triggerReconnect()
		}
	}
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

// Disconnect closes the current connection and moves to Disconnected.
// Connect may be called again. It does not trigger a reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := conn.Close()
	c.setState(Disconnected, nil)
	return err
}

// Close shuts the client down and waits for its goroutines. The client is
// Closed afterwards and must not be reused. Repeated calls return nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)
	return nil
}

// Send writes data as is. On a write error the error handler is invoked and
// a reconnect is triggered when AutoReconnect is enabled.
//
// Returns:
//   - ErrNotConnected when not connected, or the write error
func (c *Client) Send(data []byte) error {
	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}

	if _, err := conn.Write(data); err != nil {
		c.logger.Error("write failed", logger.Field{Key: "error", Value: err})
		c.emitError(err)
		c.triggerReconnect()
		return err
	}

	return nil
}

// SendFrame writes frame followed by the delimiter, unless frame already ends
// with it.
func (c *Client) SendFrame(frame []byte) error {
	delim := []byte(c.config.Delimiter)
	if bytes.HasSuffix(frame, delim) {
		return c.Send(frame)
	}

	out := make([]byte, 0, len(frame)+len(delim))
	out = append(out, frame...)
	return c.Send(append(out, delim...))
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected reports whether the client is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.emitState(state, err)
}

func (c *Client) emitState(state ConnectionState, err error) {
	c.mu.RLock()
	handler := c.onState
	c.mu.RUnlock()

	if handler != nil {
		handler(StateEvent{State: state, Address: c.config.Address, Timestamp: time.Now(), Error: err})
	}
}

func (c *Client) emitFrame(frame []byte) {
	c.mu.RLock()
	handler := c.onFrame
	c.mu.RUnlock()

	if handler != nil {
		handler(FrameEvent{Frame: frame, Timestamp: time.Now()})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		handler(ErrorEvent{Error: err, Timestamp: time.Now()})
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
