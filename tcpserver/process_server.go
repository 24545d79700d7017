package tcpserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyberinferno/go-netserver/logger"
	"github.com/cyberinferno/go-netserver/registry"
)

// ProcessServer accepts connections in a parent loop and hands each one to a
// Spawner that serves it in isolation. Every connection gets its own handler
// instance and sees itself as id 0; no registry is shared between
// connections.
//
// Because there is no shared view, this driver has reduced capabilities:
//   - MaxConnections is not supported
//   - GetOpenCount returns ErrUnsupported, in the parent and in children
//   - in a child, BroadcastData is a unicast to id 0
//   - the parent owns no connections: SendData and GetClientInfo return
//     ErrUnknownClient and BroadcastData returns ErrUnsupported
type ProcessServer struct {
	name       string
	config     Config
	logger     logger.Logger
	factory    HandlerFactory
	spawner    Spawner
	dispatcher *Dispatcher

	state  runState
	active atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// NewProcessServer validates cfg and prepares a process-per-connection server.
// factory is called once for the parent's handler and once per connection.
//
// Parameters:
//   - cfg: Listening and framing settings; MaxConnections must be <= 0
//   - factory: Creates a fresh handler
//   - opts: Optional settings (WithLogger, WithName, WithSpawner)
//
// Returns:
//   - The server in the Stopped state, or an error for invalid settings
func NewProcessServer(cfg Config, factory HandlerFactory, opts ...Option) (*ProcessServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.Unlimited() {
		return nil, fmt.Errorf("%w: max connections with process-per-connection", ErrUnsupported)
	}

	if factory == nil {
		factory = func() Handler { return &BaseHandler{} }
	}

	o := buildOptions("process", opts)
	if o.spawner == nil {
		o.spawner = NewWorkerSpawner()
	}

	s := &ProcessServer{
		name:    o.name,
		config:  cfg,
		logger:  o.logger,
		factory: factory,
		spawner: o.spawner,
	}
	s.dispatcher = NewDispatcher(factory(), s)

	return s, nil
}

// Start listens on the configured address and accepts connections until the
// server is shut down, ctx is cancelled or spawning fails. It blocks for the
// whole run and never performs per-connection I/O itself.
//
// Returns:
//   - A startup error if the spawner or the listener could not be set up,
//     ErrSpawnFailed if a connection could not be handed off, or nil after a
//     requested shutdown
func (s *ProcessServer) Start(ctx context.Context) error {
	if !s.active.CompareAndSwap(false, true) {
		s.logger.Error("server already running")
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.name)
	}
	defer s.active.Store(false)

	if err := s.spawner.Check(); err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return err
	}

	ln, _, err := listen(s.config)
	if err != nil {
		s.logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	childCtx, cancelChildren := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelChildren()

	s.state.store(Running)
	s.logger.Info(fmt.Sprintf("%s server started", s.name),
		logger.Field{Key: "addr", Value: ln.Addr().String()},
		logger.Field{Key: "state", Value: Running.String()})

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	s.dispatcher.OnStart()

	loopErr := s.acceptLoop(childCtx, ln)

	s.logger.Info(fmt.Sprintf("%s server shutting down", s.name), logger.Field{Key: "state", Value: ShuttingDown.String()})
	s.dispatcher.OnShutdown()
	_ = ln.Close()
	cancelChildren()
	s.spawner.Wait()

	s.state.store(Stopped)
	s.logger.Info(fmt.Sprintf("%s server stopped", s.name), logger.Field{Key: "state", Value: Stopped.String()})

	return loopErr
}

func (s *ProcessServer) acceptLoop(ctx context.Context, ln net.Listener) error {
	for s.state.load() == Running {
		conn, err := ln.Accept()
		if err != nil {
			if s.state.load() != Running {
				return nil
			}

			s.logger.Error(fmt.Sprintf("%s server accept error", s.name), logger.Field{Key: "error", Value: err})
			continue
		}

		s.logger.Info("accepted connection", logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})

		child := Child{
			Conn:       conn,
			Config:     s.config,
			NewHandler: s.factory,
			Logger:     s.logger,
		}
		if err := s.spawner.Spawn(ctx, child); err != nil {
			s.logger.Error("could not spawn connection worker", logger.Field{Key: "error", Value: err})
			_ = conn.Close()
			s.state.transition(Running, ShuttingDown)
			return fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}
	}

	return nil
}

// Shutdown stops accepting. Running children are asked to finish and the
// parent's OnShutdown is dispatched once. Calls while not running are no-ops.
func (s *ProcessServer) Shutdown() {
	if !s.state.transition(Running, ShuttingDown) {
		return
	}

	s.logger.Info(fmt.Sprintf("%s server shutdown requested", s.name),
		logger.Field{Key: "state", Value: ShuttingDown.String()})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// SendData always fails: the parent owns no connections.
func (s *ProcessServer) SendData(id int, data []byte) error {
	return fmt.Errorf("%w: %d (parent owns no connections)", ErrUnknownClient, id)
}

// BroadcastData is unsupported in the parent.
func (s *ProcessServer) BroadcastData(data []byte, exclude ...int) error {
	return fmt.Errorf("%w: broadcast across connections", ErrUnsupported)
}

// GetClientInfo always fails: the parent owns no connections.
func (s *ProcessServer) GetClientInfo(id int) (registry.ClientInfo, error) {
	return registry.ClientInfo{}, fmt.Errorf("%w: %d (parent owns no connections)", ErrUnknownClient, id)
}

// GetOpenCount is unsupported: the parent keeps no registry.
func (s *ProcessServer) GetOpenCount() (int, error) {
	return 0, fmt.Errorf("%w: open count across connections", ErrUnsupported)
}

// IsConnected is always false in the parent.
func (s *ProcessServer) IsConnected(id int) bool {
	return false
}

// CloseConnection always fails: the parent owns no connections.
func (s *ProcessServer) CloseConnection(id int) error {
	return fmt.Errorf("%w: %d (parent owns no connections)", ErrUnknownClient, id)
}

// Addr returns the listening address, or nil before Start has bound it.
func (s *ProcessServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// State returns the current run state.
func (s *ProcessServer) State() State {
	return s.state.load()
}
