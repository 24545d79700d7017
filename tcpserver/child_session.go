package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-netserver/framereader"
	"github.com/cyberinferno/go-netserver/logger"
	"github.com/cyberinferno/go-netserver/registry"
)

// childID is the only slot a connection worker ever sees.
const childID = 0

// childSession owns exactly one connection. Its registry and dispatcher are
// private; nothing in it is reachable from the parent or from sibling
// sessions.
//
// Operations that would need a view across connections are reduced:
// BroadcastData degenerates to a unicast to id 0 and GetOpenCount returns
// ErrUnsupported.
type childSession struct {
	config     Config
	logger     logger.Logger
	registry   *registry.Registry
	dispatcher *Dispatcher
	conn       net.Conn

	closing atomic.Bool

	mu       sync.Mutex
	stopping bool
	cancel   context.CancelFunc
}

// serveConnection runs the private read loop for conn until the peer closes,
// a read fails, the handler closes the connection or ctx is cancelled.
// Panics raised by the handler are contained to this connection.
func serveConnection(ctx context.Context, conn net.Conn, cfg Config, handler Handler, log logger.Logger) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &childSession{
		config:   cfg,
		logger:   log.With(logger.Field{Key: "pid", Value: os.Getpid()}),
		registry: registry.New(),
		conn:     conn,
		cancel:   cancel,
	}
	s.dispatcher = NewDispatcher(handler, s)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
			func() {
				defer func() { _ = recover() }()
				s.closeConnection()
			}()
			_ = s.registry.Close(childID)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return s.serve(ctx)
}

func (s *childSession) serve(ctx context.Context) error {
	id := s.registry.Accept(s.conn, -1, framereader.New([]byte(s.config.Delimiter), s.config.ReadChunkSize))
	c, err := s.registry.Get(id)
	if err != nil {
		return err
	}

	s.logger.Info("new connection",
		logger.Field{Key: "id", Value: id},
		logger.Field{Key: "host", Value: c.Host},
		logger.Field{Key: "port", Value: c.Port})

	stop := context.AfterFunc(ctx, s.interrupt)
	defer stop()

	s.dispatcher.OnConnect(id)

	for {
		if !s.registry.Has(id) {
			return nil
		}

		if !s.armDeadline() {
			s.closeConnection()
			return nil
		}

		frame, err := c.Frames.ReadFrame(c.Conn)
		switch {
		case err == nil:
			_ = s.registry.RecordReceived(id, len(frame))
			s.logger.Debug("received frame", logger.Field{Key: "id", Value: id}, logger.Field{Key: "bytes", Value: len(frame)})
			s.dispatcher.OnReceiveData(id, frame)

		case errors.Is(err, os.ErrDeadlineExceeded):
			if ctx.Err() != nil {
				s.closeConnection()
				return nil
			}
			s.dispatcher.OnIdle()

		case errors.Is(err, framereader.ErrPeerClosed):
			s.logger.Info("connection closed by peer", logger.Field{Key: "id", Value: id})
			s.closeConnection()
			return nil

		default:
			if !s.registry.Has(id) {
				return nil
			}
			s.logger.Error("could not read from client", logger.Field{Key: "id", Value: id}, logger.Field{Key: "error", Value: err})
			s.closeConnection()
			return err
		}
	}
}

// armDeadline installs the idle deadline for the next read. It reports false
// once the session has been interrupted.
func (s *childSession) armDeadline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}

	if s.config.IdleTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	}

	return true
}

// interrupt unblocks a pending read without closing the socket, so OnClose
// can still write to the peer.
func (s *childSession) interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopping = true
	_ = s.conn.SetReadDeadline(time.Unix(1, 0))
}

func (s *childSession) closeConnection() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	if !s.registry.Has(childID) {
		return
	}

	s.dispatcher.OnClose(childID)

	info, _ := s.registry.Info(childID)
	_ = s.registry.Close(childID)
	s.logger.Info("closed connection",
		logger.Field{Key: "id", Value: childID},
		logger.Field{Key: "host", Value: info.Host},
		logger.Field{Key: "port", Value: info.Port},
		logger.Field{Key: "bytes_sent", Value: info.BytesSent},
		logger.Field{Key: "bytes_received", Value: info.BytesReceived})
}

// SendData writes to the session's own connection; any other id is unknown.
func (s *childSession) SendData(id int, data []byte) error {
	c, err := s.registry.Get(id)
	if err != nil {
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
		s.closeConnection()
		return fmt.Errorf("%w: client %d: %w", ErrWriteFailed, id, err)
	}

	return nil
}

// BroadcastData is a unicast to id 0 unless id 0 is excluded.
func (s *childSession) BroadcastData(data []byte, exclude ...int) error {
	if slices.Contains(exclude, childID) {
		return nil
	}

	return s.SendData(childID, data)
}

func (s *childSession) GetClientInfo(id int) (registry.ClientInfo, error) {
	info, err := s.registry.Info(id)
	if err != nil {
		return info, fmt.Errorf("%w: %w", ErrUnknownClient, err)
	}

	return info, nil
}

// GetOpenCount is unsupported: a session cannot see other connections.
func (s *childSession) GetOpenCount() (int, error) {
	return 0, fmt.Errorf("%w: open count across connections", ErrUnsupported)
}

func (s *childSession) IsConnected(id int) bool {
	return s.registry.Has(id)
}

func (s *childSession) CloseConnection(id int) error {
	if id != childID || !s.registry.Has(id) || s.closing.Load() {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}

	s.closeConnection()
	return nil
}

// Shutdown ends this session only.
func (s *childSession) Shutdown() {
	s.cancel()
}
