// Package registry tracks live connections by slot id together with their
// peer metadata and transfer counters.
package registry

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/cyberinferno/go-netserver/framereader"
	"github.com/cyberinferno/go-netserver/idgenerator"
)

// ErrNotFound is returned for operations on an id that is not open.
var ErrNotFound = errors.New("connection not found")

// Connection is one accepted client socket. The registry exclusively owns
// Conn; it is closed when the slot is closed.
type Connection struct {
	ID     int
	Conn   net.Conn
	FD     int
	Host   string
	Port   int
	Frames *framereader.Reader

	connectedAt   time.Time
	lastActivity  time.Time
	bytesSent     uint64
	bytesReceived uint64
}

// ClientInfo is a point-in-time copy of a connection's metadata.
type ClientInfo struct {
	ID            int
	Host          string
	Port          int
	ConnectedAt   time.Time
	LastActivity  time.Time
	BytesSent     uint64
	BytesReceived uint64
}

// Registry maps slot ids to connections. Ids are allocated lowest-free first
// and reused once the slot is closed.
//
// The event loop mutates the registry from a single goroutine. The mutex only
// keeps read-side accessors safe when they are called from other goroutines.
type Registry struct {
	mu    sync.Mutex
	slots *idgenerator.SlotAllocator
	conns map[int]*Connection
	now   func() time.Time
}

// New creates an empty Registry.
//
// Returns:
//   - A new Registry with no open connections
func New() *Registry {
	return &Registry{
		slots: idgenerator.NewSlotAllocator(),
		conns: make(map[int]*Connection),
		now:   time.Now,
	}
}

// Accept registers conn under the smallest free id. No upper bound is
// enforced; admission policy belongs to the driver.
//
// Parameters:
//   - conn: The accepted connection; ownership moves to the registry
//   - fd: The raw descriptor used for readiness polling (-1 if unused)
//   - frames: The frame reader bound to this connection
//
// Returns:
//   - The assigned slot id
func (r *Registry) Accept(conn net.Conn, fd int, frames *framereader.Reader) int {
	host, port := peerOf(conn)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.slots.Acquire()
	r.conns[id] = &Connection{
		ID:           id,
		Conn:         conn,
		FD:           fd,
		Host:         host,
		Port:         port,
		Frames:       frames,
		connectedAt:  now,
		lastActivity: now,
	}

	return id
}

// Get returns the connection registered under id.
func (r *Registry) Get(id int) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return c, nil
}

// Info returns a snapshot of the metadata of connection id.
func (r *Registry) Info(id int) (ClientInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ClientInfo{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return ClientInfo{
		ID:            c.ID,
		Host:          c.Host,
		Port:          c.Port,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.lastActivity,
		BytesSent:     c.bytesSent,
		BytesReceived: c.bytesReceived,
	}, nil
}

// Has reports whether id is open.
func (r *Registry) Has(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.conns[id]
	return ok
}

// RecordReceived adds n successfully read bytes to the counters of id.
func (r *Registry) RecordReceived(id int, n int) error {
	return r.record(id, func(c *Connection) { c.bytesReceived += uint64(n) })
}

// RecordSent adds n successfully written bytes to the counters of id.
func (r *Registry) RecordSent(id int, n int) error {
	return r.record(id, func(c *Connection) { c.bytesSent += uint64(n) })
}

func (r *Registry) record(id int, apply func(c *Connection)) error {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	apply(c)
	c.lastActivity = now
	return nil
}

// Close releases the handle of id, removes its metadata and frees the id for
// reuse. Closing a stale id returns ErrNotFound and changes nothing.
//
// Parameters:
//   - id: The slot id to close
//
// Returns:
//   - ErrNotFound if id is not open, otherwise the error from closing the
//     socket (the slot is freed either way)
func (r *Registry) Close(id int) error {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		r.slots.Release(id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	return c.Conn.Close()
}

// ForEachOpen returns the open connections in ascending id order, skipping
// any id listed in exclude. The result is a snapshot; closing connections
// while iterating over it is safe.
func (r *Registry) ForEachOpen(exclude ...int) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for id, c := range r.conns {
		if slices.Contains(exclude, id) {
			continue
		}
		out = append(out, c)
	}

	slices.SortFunc(out, func(a, b *Connection) int { return a.ID - b.ID })
	return out
}

// IDs returns the open ids in ascending order.
func (r *Registry) IDs() []int {
	conns := r.ForEachOpen()
	ids := make([]int, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}
	return ids
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.slots.InUse()
}

func peerOf(conn net.Conn) (string, int) {
	if conn == nil || conn.RemoteAddr() == nil {
		return "", 0
	}

	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}

	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String(), 0
	}

	return host, 0
}
