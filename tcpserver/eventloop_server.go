package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cyberinferno/go-netserver/framereader"
	"github.com/cyberinferno/go-netserver/logger"
	"github.com/cyberinferno/go-netserver/registry"
)

// EventLoopServer serves many connections from a single control goroutine.
// It blocks on a readiness wait over the listener and every open connection,
// then accepts and reads frames synchronously, dispatching each event to the
// handler in order: the listener first, then ready connections by ascending
// id. Handler callbacks never run concurrently with each other.
//
// Reads and writes are blocking. A handler that writes to a slow peer stalls
// the whole loop; there is no buffering beyond the OS socket buffer.
//
// The handler is registered with a loop-bound view of the server whose
// CloseConnection takes effect immediately. Calls made on the
// *EventLoopServer from other goroutines are handed to the loop, so OnClose
// still runs on the loop goroutine. Do not call CloseConnection on the
// *EventLoopServer itself from inside a hook; use the handler's Server().
type EventLoopServer struct {
	name       string
	config     Config
	logger     logger.Logger
	registry   *registry.Registry
	dispatcher *Dispatcher

	state  runState
	active atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	poller   *poller
	closing  map[int]struct{}
	pending  []closeRequest

	pollWait func(p *poller, fds []unix.PollFd, timeout time.Duration) (int, error)
}

// closeRequest is a CloseConnection made off the loop goroutine.
type closeRequest struct {
	id   int
	done chan error
}

// loopServer is the Server handed to the handler. Its calls run on the loop
// goroutine, so closes happen in place instead of being queued.
type loopServer struct {
	*EventLoopServer
}

func (v loopServer) CloseConnection(id int) error { return v.closeNow(id) }

func (v loopServer) SendData(id int, data []byte) error {
	return v.send(id, data, v.closeNow)
}

func (v loopServer) BroadcastData(data []byte, exclude ...int) error {
	return v.broadcast(data, exclude, v.closeNow)
}

// NewEventLoopServer validates cfg and registers handler with a new server.
//
// Parameters:
//   - cfg: Listening and framing settings
//   - handler: The application handler; nil means every hook is a no-op
//   - opts: Optional settings (WithLogger, WithName)
//
// Returns:
//   - The server in the Stopped state, or an error if cfg is invalid
func NewEventLoopServer(cfg Config, handler Handler, opts ...Option) (*EventLoopServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions("eventloop", opts)
	s := &EventLoopServer{
		name:     o.name,
		config:   cfg,
		logger:   o.logger,
		registry: registry.New(),
		closing:  make(map[int]struct{}),
		pollWait: (*poller).wait,
	}
	s.dispatcher = NewDispatcher(handler, loopServer{s})

	return s, nil
}

// Start listens on the configured address and runs the event loop until the
// server is shut down, ctx is cancelled or the readiness wait fails. It
// blocks for the whole run.
//
// Parameters:
//   - ctx: Cancelling ctx requests a shutdown
//
// Returns:
//   - A startup error (ErrSocketCreateFailed, ErrBindFailed, ErrListenFailed)
//     if the server never started, ErrMultiplexWaitFailed if the loop died,
//     or nil after a requested shutdown
func (s *EventLoopServer) Start(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		s.logger.Error("server already running")
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.name)
	}
	defer s.active.Store(false)

	ln, lnFD, err := listen(s.config)
	if err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return err
	}

	p, err := newPoller()
	if err != nil {
		_ = ln.Close()
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.poller = p
	s.mu.Unlock()

	s.state.store(Running)
	s.logger.Info(fmt.Sprintf("%s server started", s.name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "state", Value: Running.String()})

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	s.dispatcher.OnStart()

	loopErr := s.loop(lnFD)
	s.teardown()

	return loopErr
}

// Shutdown requests a cooperative shutdown. The loop notices it at its next
// check point, dispatches OnShutdown, closes every connection (dispatching
// OnClose) and the listener. Calls while not running are no-ops.
func (s *EventLoopServer) Shutdown() {
	if !s.state.transition(Running, ShuttingDown) {
		return
	}

	s.logger.Info(fmt.Sprintf("%s server shutdown requested", s.name),
		logger.Field{Key: "state", Value: ShuttingDown.String()})

	// teardown closes the poller under mu, so the wake must happen under it
	// too.
	s.mu.Lock()
	if s.poller != nil {
		s.poller.wake()
	}
	s.mu.Unlock()
}

func (s *EventLoopServer) loop(lnFD int) error {
	for s.state.load() == Running {
		conns := s.registry.ForEachOpen()

		fds := make([]unix.PollFd, 0, len(conns)+2)
		fds = append(fds,
			unix.PollFd{Fd: int32(s.poller.wakeR), Events: unix.POLLIN},
			unix.PollFd{Fd: int32(lnFD), Events: unix.POLLIN},
		)
		for _, c := range conns {
			fds = append(fds, unix.PollFd{Fd: int32(c.FD), Events: unix.POLLIN})
		}

		n, err := s.pollWait(s.poller, fds, s.config.IdleTimeout)
		if err != nil {
			s.logger.Error("readiness wait failed", logger.Field{Key: "error", Value: err})
			s.state.transition(Running, ShuttingDown)
			return fmt.Errorf("%w: %w", ErrMultiplexWaitFailed, err)
		}

		if n == 0 {
			s.dispatcher.OnIdle()
			continue
		}

		if readable(fds[0]) {
			s.poller.drain()
		}

		if s.state.load() != Running {
			return nil
		}

		s.runPending()

		if readable(fds[1]) {
			s.acceptConnection()
		}

		for i, c := range conns {
			if s.state.load() != Running {
				return nil
			}

			if !readable(fds[i+2]) {
				continue
			}

			// The handler may have closed this slot, and a new connection may
			// already reuse its id.
			if current, err := s.registry.Get(c.ID); err != nil || current != c {
				continue
			}

			s.serviceConnection(c)
		}
	}

	return nil
}

func (s *EventLoopServer) acceptConnection() {
	conn, err := s.listener.Accept()
	if err != nil {
		s.logger.Warn(fmt.Sprintf("%s server accept error", s.name), logger.Field{Key: "error", Value: err})
		return
	}

	fd, err := rawFD(conn)
	if err != nil {
		s.logger.Error("could not poll accepted connection", logger.Field{Key: "error", Value: err})
		_ = conn.Close()
		return
	}

	id := s.registry.Accept(conn, fd, framereader.New([]byte(s.config.Delimiter), s.config.ReadChunkSize))
	info, _ := s.registry.Info(id)
	s.logger.Info("new connection",
		logger.Field{Key: "id", Value: id},
		logger.Field{Key: "host", Value: info.Host},
		logger.Field{Key: "port", Value: info.Port})

	// The new connection is already registered, so the cap is checked
	// against the count including it.
	if !s.config.Unlimited() && s.registry.Count() > s.config.MaxConnections {
		s.logger.Warn("too many connections, refusing",
			logger.Field{Key: "id", Value: id},
			logger.Field{Key: "max_connections", Value: s.config.MaxConnections})

		s.dispatcher.OnConnectionRefused(id)
		if err := s.registry.Close(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
			s.logger.Warn("error closing refused connection", logger.Field{Key: "id", Value: id}, logger.Field{Key: "error", Value: err})
		}
		return
	}

	s.dispatcher.OnConnect(id)
}

func (s *EventLoopServer) serviceConnection(c *registry.Connection) {
	frame, err := c.Frames.ReadFrame(c.Conn)
	switch {
	case err == nil:
		_ = s.registry.RecordReceived(c.ID, len(frame))
		s.logger.Debug("received frame", logger.Field{Key: "id", Value: c.ID}, logger.Field{Key: "bytes", Value: len(frame)})
		s.dispatcher.OnReceiveData(c.ID, frame)

	case errors.Is(err, framereader.ErrPeerClosed):
		s.logger.Info("connection closed by peer",
			logger.Field{Key: "id", Value: c.ID},
			logger.Field{Key: "discarded_bytes", Value: c.Frames.Discarded()})
		_ = s.closeNow(c.ID)

	default:
		s.logger.Error("could not read from client", logger.Field{Key: "id", Value: c.ID}, logger.Field{Key: "error", Value: err})
		_ = s.closeNow(c.ID)
	}
}

func (s *EventLoopServer) teardown() {
	s.logger.Info(fmt.Sprintf("%s server shutting down", s.name), logger.Field{Key: "state", Value: ShuttingDown.String()})

	s.dispatcher.OnShutdown()

	for _, c := range s.registry.ForEachOpen() {
		_ = s.closeNow(c.ID)
	}

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.poller != nil {
		s.poller.close()
		s.poller = nil
	}
	late := s.pending
	s.pending = nil
	s.mu.Unlock()

	// Every connection is already closed; late requests only get an answer.
	for _, req := range late {
		req.done <- s.closeNow(req.id)
	}

	s.state.store(Stopped)
	s.logger.Info(fmt.Sprintf("%s server stopped", s.name), logger.Field{Key: "state", Value: Stopped.String()})
}

// runPending serves the CloseConnection calls queued by other goroutines.
func (s *EventLoopServer) runPending() {
	s.mu.Lock()
	reqs := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, req := range reqs {
		req.done <- s.closeNow(req.id)
	}
}

// CloseConnection dispatches OnClose for id and then closes it. Closing an id
// that is not open (or is already being closed) returns ErrUnknownClient.
//
// While the server runs, the close is handed to the loop goroutine and
// CloseConnection waits for it. It must not be called on the
// *EventLoopServer from inside a hook; the Server given to the handler closes
// in place.
func (s *EventLoopServer) CloseConnection(id int) error {
	if !s.registry.Has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}

	s.mu.Lock()
	if s.poller == nil {
		s.mu.Unlock()
		return s.closeNow(id)
	}

	req := closeRequest{id: id, done: make(chan error, 1)}
	s.pending = append(s.pending, req)
	s.poller.wake()
	s.mu.Unlock()

	return <-req.done
}

// closeNow closes id on the calling goroutine. Only the loop goroutine calls
// it while the server runs.
func (s *EventLoopServer) closeNow(id int) error {
	s.mu.Lock()
	if _, busy := s.closing[id]; busy || !s.registry.Has(id) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	s.closing[id] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.closing, id)
		s.mu.Unlock()
	}()

	s.dispatcher.OnClose(id)

	info, _ := s.registry.Info(id)
	if err := s.registry.Close(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Warn("error closing connection", logger.Field{Key: "id", Value: id}, logger.Field{Key: "error", Value: err})
	}

	s.logger.Info("closed connection",
		logger.Field{Key: "id", Value: id},
		logger.Field{Key: "host", Value: info.Host},
		logger.Field{Key: "port", Value: info.Port},
		logger.Field{Key: "bytes_sent", Value: info.BytesSent},
		logger.Field{Key: "bytes_received", Value: info.BytesReceived})

	return nil
}

// SendData writes data to connection id. Only bytes actually written are
// added to the sent counter, including the part of a write that failed
// midway. A failed write is logged and closes the connection.
func (s *EventLoopServer) SendData(id int, data []byte) error {
	return s.send(id, data, s.CloseConnection)
}

func (s *EventLoopServer) send(id int, data []byte, closeFn func(int) error) error {
	c, err := s.registry.Get(id)
	if err != nil {
		s.logger.Warn("send to unknown client", logger.Field{Key: "id", Value: id})
		return fmt.Errorf("%w: %w", ErrUnknownClient, err)
	}

	s.logger.Debug("sending", logger.Field{Key: "id", Value: id}, logger.Field{Key: "bytes", Value: len(data)})

	n, err := c.Conn.Write(data)
	if n > 0 {
		_ = s.registry.RecordSent(id, n)
	}
	if err != nil {
		s.logger.Error("could not write to client",
			logger.Field{Key: "id", Value: id},
			logger.Field{Key: "written", Value: n},
			logger.Field{Key: "error", Value: err})
		_ = closeFn(id)
		return fmt.Errorf("%w: client %d: %w", ErrWriteFailed, id, err)
	}

	return nil
}

// BroadcastData sends data to every open connection in ascending id order,
// skipping the ids in exclude. Failures are collected; delivery to the
// remaining recipients continues.
func (s *EventLoopServer) BroadcastData(data []byte, exclude ...int) error {
	return s.broadcast(data, exclude, s.CloseConnection)
}

func (s *EventLoopServer) broadcast(data []byte, exclude []int, closeFn func(int) error) error {
	var errs []error
	for _, c := range s.registry.ForEachOpen(exclude...) {
		if err := s.send(c.ID, data, closeFn); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// GetClientInfo returns a snapshot of connection id's metadata.
func (s *EventLoopServer) GetClientInfo(id int) (registry.ClientInfo, error) {
	info, err := s.registry.Info(id)
	if err != nil {
		return info, fmt.Errorf("%w: %w", ErrUnknownClient, err)
	}

	return info, nil
}

// GetOpenCount returns the number of open connections.
func (s *EventLoopServer) GetOpenCount() (int, error) {
	return s.registry.Count(), nil
}

// IsConnected reports whether id is open.
func (s *EventLoopServer) IsConnected(id int) bool {
	return s.registry.Has(id)
}

// Addr returns the listening address, or nil before Start has bound it.
func (s *EventLoopServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// State returns the current run state.
func (s *EventLoopServer) State() State {
	return s.state.load()
}
