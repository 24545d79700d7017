package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// listen creates, binds and listens on cfg's address with SO_REUSEADDR and
// the configured backlog. Each step maps to its own startup error and the
// descriptor is released on failure.
func listen(cfg Config) (net.Listener, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.Address())
	if err != nil {
		return nil, -1, fmt.Errorf("%w to %s: %w", ErrBindFailed, cfg.Address(), err)
	}

	family, sa := sockaddrOf(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, -1, fmt.Errorf("%w: %w", ErrSocketCreateFailed, err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, -1, fmt.Errorf("%w: set SO_REUSEADDR: %w", ErrSocketCreateFailed, err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, -1, fmt.Errorf("%w to %s: %w", ErrBindFailed, cfg.Address(), err)
	}

	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, -1, fmt.Errorf("%w on %s: %w", ErrListenFailed, cfg.Address(), err)
	}

	// FileListener dups the descriptor; the original is closed below.
	f := os.NewFile(uintptr(fd), "listener")
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		return nil, -1, fmt.Errorf("%w on %s: %w", ErrListenFailed, cfg.Address(), err)
	}

	lnFD, err := rawFD(ln)
	if err != nil {
		_ = ln.Close()
		return nil, -1, fmt.Errorf("%w: %w", ErrListenFailed, err)
	}

	return ln, lnFD, nil
}

func sockaddrOf(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

// rawFD returns the descriptor behind a net.Conn or net.Listener. The runtime
// keeps ownership; the value is only used for readiness polling.
func rawFD(v any) (int, error) {
	sc, ok := v.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("%T does not expose a file descriptor", v)
	}

	rc, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}

	fd := -1
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}

	return fd, nil
}

// poller waits for readability on a set of descriptors. A self-pipe is always
// part of the set so that another goroutine can interrupt the wait.
type poller struct {
	wakeR int
	wakeW int
}

func newPoller() (*poller, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("%w: wake pipe: %w", ErrRequiredFacilityMissing, err)
	}

	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(p[0])
			_ = unix.Close(p[1])
			return nil, fmt.Errorf("%w: wake pipe: %w", ErrRequiredFacilityMissing, err)
		}
	}

	return &poller{wakeR: p[0], wakeW: p[1]}, nil
}

// wake interrupts a pending wait. A full pipe already guarantees a wake-up.
func (p *poller) wake() {
	_, _ = unix.Write(p.wakeW, []byte{1})
}

func (p *poller) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *poller) close() {
	_ = unix.Close(p.wakeR)
	_ = unix.Close(p.wakeW)
}

// wait blocks until at least one descriptor in fds is readable or timeout
// elapses. fds[0] must be the wake pipe. A timeout of 0 blocks indefinitely.
// Interrupted waits are resumed with the remaining budget.
func (p *poller) wait(fds []unix.PollFd, timeout time.Duration) (int, error) {
	var deadline time.Time
	ms := -1
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		ms = toMillis(timeout)
	}

	for {
		n, err := unix.Poll(fds, ms)
		if err == nil {
			return n, nil
		}

		if !errors.Is(err, unix.EINTR) {
			return 0, err
		}

		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, nil
			}
			ms = toMillis(remaining)
		}
	}
}

func toMillis(d time.Duration) int {
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func readable(pfd unix.PollFd) bool {
	return pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
}
