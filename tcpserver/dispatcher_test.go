package tcpserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// onlyData overrides a single hook; everything else falls back to BaseHandler.
type onlyData struct {
	BaseHandler
	frames [][]byte
}

func (o *onlyData) OnReceiveData(id int, frame []byte) {
	o.frames = append(o.frames, frame)
}

func TestNewDispatcher(t *testing.T) {
	t.Run("hands the server to the handler", func(t *testing.T) {
		h := &onlyData{}
		srv := &ProcessServer{}
		d := NewDispatcher(h, srv)

		assert.Same(t, h, d.Handler())
		assert.Same(t, srv, h.Server())
	})

	t.Run("nil handler becomes a no-op handler", func(t *testing.T) {
		d := NewDispatcher(nil, nil)
		require.NotNil(t, d.Handler())

		assert.NotPanics(t, func() {
			d.OnStart()
			d.OnConnect(0)
			d.OnConnectionRefused(1)
			d.OnReceiveData(0, []byte("x\n"))
			d.OnIdle()
			d.OnClose(0)
			d.OnShutdown()
		})
	})
}

func TestDispatcher_routes_to_implemented_hooks(t *testing.T) {
	h := &onlyData{}
	d := NewDispatcher(h, nil)

	d.OnConnect(3)
	d.OnReceiveData(3, []byte("hello\n"))
	d.OnClose(3)

	require.Len(t, h.frames, 1)
	assert.Equal(t, []byte("hello\n"), h.frames[0])
}

func TestDispatcher_is_synchronous(t *testing.T) {
	rec := newRecorder()
	d := NewDispatcher(rec, nil)

	d.OnStart()
	d.OnConnect(0)
	d.OnReceiveData(0, []byte("a\n"))
	d.OnIdle()
	d.OnConnectionRefused(1)
	d.OnClose(0)
	d.OnShutdown()

	assert.Equal(t, []string{
		"start", "connect:0", "data:0:a\n", "idle", "refused:1", "close:0", "shutdown",
	}, rec.snapshot())
}
