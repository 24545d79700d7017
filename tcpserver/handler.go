package tcpserver

import "github.com/cyberinferno/go-netserver/registry"

// Server is the surface a handler may call back into. Every driver implements
// it; drivers that cannot honour an operation return ErrUnsupported.
type Server interface {
	// SendData writes data to connection id.
	//
	// Returns:
	//   - An error wrapping ErrUnknownClient for a stale id, or ErrWriteFailed
	//     if the write failed (the connection is closed in that case)
	SendData(id int, data []byte) error

	// BroadcastData writes data to every open connection except those in
	// exclude.
	BroadcastData(data []byte, exclude ...int) error

	// GetClientInfo returns a snapshot of connection id's metadata.
	GetClientInfo(id int) (registry.ClientInfo, error)

	// GetOpenCount returns the number of open connections.
	GetOpenCount() (int, error)

	// IsConnected reports whether id is open.
	IsConnected(id int) bool

	// CloseConnection closes id after dispatching OnClose.
	CloseConnection(id int) error

	// Shutdown requests a cooperative shutdown. Repeated calls are no-ops.
	Shutdown()
}

// Handler receives lifecycle and data events from a driver. Embed BaseHandler
// to get no-op defaults and implement only the hooks you need.
//
// Hooks are called synchronously from the driver's control goroutine. A slow
// hook stalls the driver.
type Handler interface {
	// SetServer is called once, before OnStart, with the driver the handler
	// is registered with. Drivers may pass a view bound to their control
	// goroutine rather than the driver value itself.
	SetServer(s Server)

	OnStart()
	OnConnect(id int)

	// OnConnectionRefused is called for a connection accepted over the cap,
	// right before it is closed. The id was never announced by OnConnect, and
	// no OnClose follows for it.
	OnConnectionRefused(id int)

	OnClose(id int)
	OnShutdown()
	OnReceiveData(id int, frame []byte)
	OnIdle()
}

// HandlerFactory creates a fresh handler. The process-per-connection driver
// calls it once for the parent and once per connection so that no handler
// state is shared between connections.
type HandlerFactory func() Handler

// BaseHandler implements every Handler hook as a no-op and keeps the server
// reference handed over by SetServer.
type BaseHandler struct {
	server Server
}

// SetServer implements Handler.
func (b *BaseHandler) SetServer(s Server) { b.server = s }

// Server returns the driver this handler is registered with, or nil before
// registration.
func (b *BaseHandler) Server() Server { return b.server }

func (b *BaseHandler) OnStart()                           {}
func (b *BaseHandler) OnConnect(id int)                   {}
func (b *BaseHandler) OnConnectionRefused(id int)         {}
func (b *BaseHandler) OnClose(id int)                     {}
func (b *BaseHandler) OnShutdown()                        {}
func (b *BaseHandler) OnReceiveData(id int, frame []byte) {}
func (b *BaseHandler) OnIdle()                            {}
