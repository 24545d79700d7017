package tcpserver

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cyberinferno/go-netserver/logger"
)

// Environment variables used to hand a connection to a re-executed child.
const (
	ChildEnv       = "NETSERVER_CHILD"
	ChildConfigEnv = "NETSERVER_CHILD_CONFIG"

	// childConnFD is the descriptor number of the first ExtraFiles entry.
	childConnFD = 3
)

// Child describes one accepted connection handed to a Spawner.
type Child struct {
	Conn       net.Conn
	Config     Config
	NewHandler HandlerFactory
	Logger     logger.Logger
}

// Spawner isolates each accepted connection in its own unit of execution.
// Implementations must not share mutable state between the units they start.
type Spawner interface {
	// Check reports whether the spawner can work in this environment. It is
	// called once before the server starts listening.
	Check() error

	// Spawn starts serving child and returns without waiting for it.
	// Ownership of child.Conn moves to the spawner.
	Spawn(ctx context.Context, child Child) error

	// Wait blocks until every spawned unit has exited. It is only called
	// during shutdown, after ctx has been cancelled.
	Wait()
}

// WorkerSpawner serves each connection in its own goroutine with a fresh
// handler, registry and dispatcher. Workers share no state, and a panic in one
// worker is recovered and closes only that worker's connection.
type WorkerSpawner struct {
	wg sync.WaitGroup
}

// NewWorkerSpawner returns the default Spawner.
func NewWorkerSpawner() *WorkerSpawner {
	return &WorkerSpawner{}
}

// Check implements Spawner.
func (w *WorkerSpawner) Check() error { return nil }

// Spawn implements Spawner.
func (w *WorkerSpawner) Spawn(ctx context.Context, child Child) error {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		_ = serveConnection(ctx, child.Conn, child.Config, child.NewHandler(), child.Logger)
	}()

	return nil
}

// Wait implements Spawner.
func (w *WorkerSpawner) Wait() { w.wg.Wait() }

// ExecSpawner serves each connection in a separate OS process. The current
// binary (or Path) is re-executed with the socket inherited as descriptor 3
// and ChildEnv set; the binary must call ServeChildProcess when
// IsChildProcess reports true.
//
// Children are reaped asynchronously. On shutdown each child receives SIGTERM
// and is killed if it has not exited within GracePeriod.
type ExecSpawner struct {
	// Path is the executable to run; empty means os.Executable().
	Path string
	// Args are passed to the child after the program name.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stdout and Stderr receive the child's output; nil means the parent's.
	Stdout io.Writer
	Stderr io.Writer
	// GracePeriod bounds how long a child may take to exit after SIGTERM.
	GracePeriod time.Duration

	path string
	wg   sync.WaitGroup
}

// Check implements Spawner. A missing executable is reported as
// ErrRequiredFacilityMissing.
func (e *ExecSpawner) Check() error {
	path := e.Path
	if path == "" {
		p, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: cannot locate executable: %w", ErrRequiredFacilityMissing, err)
		}
		path = p
	}

	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %w", ErrRequiredFacilityMissing, err)
	}

	e.path = path
	return nil
}

// Spawn implements Spawner.
func (e *ExecSpawner) Spawn(ctx context.Context, child Child) error {
	fc, ok := child.Conn.(interface{ File() (*os.File, error) })
	if !ok {
		_ = child.Conn.Close()
		return fmt.Errorf("%w: %T cannot be inherited", ErrRequiredFacilityMissing, child.Conn)
	}

	f, err := fc.File()
	// The child gets its own copy of the socket; the parent keeps none.
	_ = child.Conn.Close()
	if err != nil {
		return fmt.Errorf("duplicate connection: %w", err)
	}
	defer f.Close()

	cfg, err := child.Config.marshal()
	if err != nil {
		return fmt.Errorf("encode child config: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.path, e.Args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, ChildEnv+"=1", ChildConfigEnv+"="+cfg)
	cmd.ExtraFiles = []*os.File{f}
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	pid := cmd.Process.Pid
	child.Logger.Debug("spawned child process", logger.Field{Key: "pid", Value: pid})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := cmd.Wait()
		child.Logger.Debug("child process exited", logger.Field{Key: "pid", Value: pid}, logger.Field{Key: "error", Value: err})
	}()

	return nil
}

// Wait implements Spawner.
func (e *ExecSpawner) Wait() { e.wg.Wait() }

// IsChildProcess reports whether this process was started by ExecSpawner to
// serve an inherited connection.
func IsChildProcess() bool {
	return os.Getenv(ChildEnv) == "1"
}

// ServeChildProcess serves the connection inherited from an ExecSpawner
// parent with handler and returns when it is closed. SIGTERM and SIGINT end
// the session gracefully (OnClose is still dispatched).
//
// Parameters:
//   - ctx: Cancelling ctx ends the session
//   - handler: A handler instance owned by this process
//   - log: Logger for the child
//
// Returns:
//   - nil after an orderly close, or the error that ended the session
func ServeChildProcess(ctx context.Context, handler Handler, log logger.Logger) error {
	if log == nil {
		log = logger.NewNopLogger()
	}

	cfg, err := unmarshalConfig(os.Getenv(ChildConfigEnv))
	if err != nil {
		return fmt.Errorf("decode child config: %w", err)
	}

	f := os.NewFile(childConnFD, "client-conn")
	if f == nil {
		return fmt.Errorf("%w: no inherited connection", ErrRequiredFacilityMissing)
	}

	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("%w: inherited connection: %w", ErrRequiredFacilityMissing, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	return serveConnection(ctx, conn, cfg, handler, log)
}
