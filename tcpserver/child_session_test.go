package tcpserver

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-netserver/logger"
)

func TestServeConnection_partial_write(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	rec := newRecorder()
	sendErr := make(chan error, 1)
	var sentAtEnd atomic.Int64
	rec.onData = func(s Server, id int, frame []byte) {
		sendErr <- s.SendData(id, []byte("hello\n"))
	}
	rec.onClose = func(s Server, id int) {
		if info, err := s.GetClientInfo(id); assert.NoError(t, err) {
			sentAtEnd.Store(int64(info.BytesSent))
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- serveConnection(context.Background(), &shortWriteConn{Conn: server, accept: 3}, testConfig(), rec, logger.NewNopLogger())
	}()

	rec.waitFor(t, "connect:0")
	_, err := client.Write([]byte("go\n"))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(waitTimeout)))
	buf := make([]byte, 3)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf))

	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, ErrWriteFailed)
	case <-time.After(waitTimeout):
		t.Fatal("SendData did not return")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("session did not end")
	}

	assert.Equal(t, int64(3), sentAtEnd.Load())
	assert.Equal(t, 1, rec.count("close:0"))
}
