package registry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-netserver/framereader"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server
}

func acceptN(t *testing.T, r *Registry, n int) []int {
	t.Helper()
	ids := make([]int, n)
	for i := range n {
		ids[i] = r.Accept(pipeConn(t), -1, framereader.New(nil, 0))
	}
	return ids
}

func TestRegistry_Accept(t *testing.T) {
	t.Run("assigns dense ids from zero", func(t *testing.T) {
		r := New()
		assert.Equal(t, []int{0, 1, 2}, acceptN(t, r, 3))
		assert.Equal(t, 3, r.Count())
	})

	t.Run("new connection has zero counters and a connect time", func(t *testing.T) {
		r := New()
		fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		r.now = func() time.Time { return fixed }

		id := acceptN(t, r, 1)[0]
		info, err := r.Info(id)
		require.NoError(t, err)
		assert.Equal(t, fixed, info.ConnectedAt)
		assert.Equal(t, fixed, info.LastActivity)
		assert.Zero(t, info.BytesSent)
		assert.Zero(t, info.BytesReceived)
		assert.Equal(t, "pipe", info.Host)
	})
}

func TestRegistry_slot_reuse(t *testing.T) {
	r := New()
	acceptN(t, r, 3)

	require.NoError(t, r.Close(1))
	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []int{0, 2}, r.IDs())

	assert.Equal(t, 1, acceptN(t, r, 1)[0])
	assert.Equal(t, 3, acceptN(t, r, 1)[0])
	assert.Equal(t, 4, r.Count())
}

func TestRegistry_Close(t *testing.T) {
	t.Run("closes the handle", func(t *testing.T) {
		r := New()
		server, client := net.Pipe()
		defer client.Close()

		id := r.Accept(server, -1, nil)
		require.NoError(t, r.Close(id))

		_, err := server.Write([]byte("x"))
		assert.Error(t, err)
	})

	t.Run("stale id reports not found and keeps count", func(t *testing.T) {
		r := New()
		acceptN(t, r, 2)
		require.NoError(t, r.Close(0))

		err := r.Close(0)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, 1, r.Count())

		assert.ErrorIs(t, r.Close(42), ErrNotFound)
	})
}

func TestRegistry_counters(t *testing.T) {
	r := New()
	id := acceptN(t, r, 1)[0]

	require.NoError(t, r.RecordSent(id, 5))
	require.NoError(t, r.RecordSent(id, 2))
	require.NoError(t, r.RecordReceived(id, 11))

	info, err := r.Info(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), info.BytesSent)
	assert.Equal(t, uint64(11), info.BytesReceived)

	assert.ErrorIs(t, r.RecordSent(99, 1), ErrNotFound)
	assert.ErrorIs(t, r.RecordReceived(99, 1), ErrNotFound)
}

func TestRegistry_ForEachOpen(t *testing.T) {
	r := New()
	acceptN(t, r, 5)
	require.NoError(t, r.Close(3))

	t.Run("ascending order", func(t *testing.T) {
		var got []int
		for _, c := range r.ForEachOpen() {
			got = append(got, c.ID)
		}
		assert.Equal(t, []int{0, 1, 2, 4}, got)
	})

	t.Run("exclusions are skipped", func(t *testing.T) {
		var got []int
		for _, c := range r.ForEachOpen(2, 0, 17) {
			got = append(got, c.ID)
		}
		assert.Equal(t, []int{1, 4}, got)
	})

	t.Run("closing while iterating the snapshot is safe", func(t *testing.T) {
		for _, c := range r.ForEachOpen() {
			require.NoError(t, r.Close(c.ID))
		}
		assert.Equal(t, 0, r.Count())
		assert.Empty(t, r.ForEachOpen())
	})
}

func TestRegistry_Get(t *testing.T) {
	r := New()
	id := acceptN(t, r, 1)[0]

	c, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, c.ID)
	assert.True(t, r.Has(id))

	_, err = r.Get(5)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.Has(5))
}
