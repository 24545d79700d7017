package tcpserver

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

// recorder is a Handler that records every hook as a string event.
type recorder struct {
	BaseHandler

	mu     sync.Mutex
	events []string
	ch     chan string

	// inHook counts hooks currently running; overlapped is set if two ever
	// ran at the same time. A hook nested inside another by the handler's
	// own close also counts.
	inHook     atomic.Int32
	overlapped atomic.Bool

	onStart   func(srv Server)
	onConnect func(srv Server, id int)
	onData    func(srv Server, id int, frame []byte)
	onClose   func(srv Server, id int)
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 1024)}
}

func (r *recorder) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	select {
	case r.ch <- ev:
	default:
	}
}

// enter marks a hook as running. The returned func marks it done.
func (r *recorder) enter() func() {
	if r.inHook.Add(1) > 1 {
		r.overlapped.Store(true)
	}
	return func() { r.inHook.Add(-1) }
}

func (r *recorder) OnStart() {
	defer r.enter()()
	r.record("start")
	if r.onStart != nil {
		r.onStart(r.Server())
	}
}

func (r *recorder) OnConnect(id int) {
	defer r.enter()()
	r.record(fmt.Sprintf("connect:%d", id))
	if r.onConnect != nil {
		r.onConnect(r.Server(), id)
	}
}

func (r *recorder) OnConnectionRefused(id int) {
	defer r.enter()()
	r.record(fmt.Sprintf("refused:%d", id))
}

func (r *recorder) OnClose(id int) {
	defer r.enter()()
	r.record(fmt.Sprintf("close:%d", id))
	if r.onClose != nil {
		r.onClose(r.Server(), id)
	}
}

func (r *recorder) OnShutdown() {
	defer r.enter()()
	r.record("shutdown")
}

func (r *recorder) OnIdle() {
	defer r.enter()()
	r.record("idle")
}

func (r *recorder) OnReceiveData(id int, frame []byte) {
	defer r.enter()()
	r.record(fmt.Sprintf("data:%d:%s", id, frame))
	if r.onData != nil {
		r.onData(r.Server(), id, frame)
	}
}

// waitFor consumes events until want is seen.
func (r *recorder) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-r.ch:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q; got %v", want, r.snapshot())
		}
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) count(ev string) int {
	n := 0
	for _, e := range r.snapshot() {
		if e == ev {
			n++
		}
	}
	return n
}

func (r *recorder) countPrefix(prefix string) int {
	n := 0
	for _, e := range r.snapshot() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	return cfg
}

type runningServer interface {
	Start(ctx context.Context) error
	Addr() net.Addr
	Shutdown()
}

// startServer runs srv in the background and waits for OnStart. The returned
// channel yields Start's result.
func startServer(t *testing.T, srv runningServer, rec *recorder) (string, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	errCh, done := run(ctx, srv)
	t.Cleanup(func() { stopAndWait(cancel, done) })

	rec.waitFor(t, "start")
	addr := srv.Addr()
	require.NotNil(t, addr)

	return addr.String(), errCh
}

// run starts srv in a goroutine. errCh yields Start's result; done is closed
// once Start has returned.
func run(ctx context.Context, srv runningServer) (<-chan error, <-chan struct{}) {
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		errCh <- srv.Start(ctx)
	}()

	return errCh, done
}

func stopAndWait(cancel context.CancelFunc, done <-chan struct{}) {
	cancel()
	select {
	case <-done:
	case <-time.After(waitTimeout):
	}
}

func waitStopped(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("server did not stop")
		return nil
	}
}

type testClient struct {
	net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, waitTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{Conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, s string) {
	t.Helper()
	_, err := c.Write([]byte(s))
	require.NoError(t, err)
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitTimeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return line
}

func (c *testClient) readN(t *testing.T, n int) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitTimeout)))
	buf := make([]byte, n)
	_, err := c.r.Read(buf[:1])
	require.NoError(t, err)
	for got := 1; got < n; {
		m, err := c.r.Read(buf[got:])
		require.NoError(t, err)
		got += m
	}
	return string(buf)
}

// expectSilence asserts nothing arrives within d.
func (c *testClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(d)))
	_, err := c.r.ReadByte()
	require.Error(t, err)
	ne, ok := err.(net.Error)
	require.True(t, ok && ne.Timeout(), "expected timeout, got %v", err)
}

// expectEOF asserts the server closed the connection.
func (c *testClient) expectEOF(t *testing.T) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitTimeout)))
	_, err := c.r.ReadByte()
	require.Error(t, err)
	if ne, ok := err.(net.Error); ok {
		require.False(t, ne.Timeout(), "expected EOF, got timeout")
	}
}
