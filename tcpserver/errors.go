package tcpserver

import (
	"errors"

	"github.com/cyberinferno/go-netserver/framereader"
)

// Startup-fatal errors. They are returned from Start before the server enters
// the running state; no socket is left open.
var (
	ErrSocketCreateFailed      = errors.New("could not create socket")
	ErrBindFailed              = errors.New("could not bind socket")
	ErrListenFailed            = errors.New("could not listen")
	ErrRequiredFacilityMissing = errors.New("required facility missing")
	ErrAlreadyRunning          = errors.New("server already running")
	ErrInvalidConfig           = errors.New("invalid config")
)

// Loop-fatal errors. The full shutdown sequence runs before Start returns them.
var (
	ErrMultiplexWaitFailed = errors.New("readiness wait failed")
	ErrSpawnFailed         = errors.New("could not spawn connection worker")
)

// Per-connection errors. The loop keeps serving other connections.
var (
	ErrReadFailed    = framereader.ErrReadFailed
	ErrWriteFailed   = errors.New("write failed")
	ErrUnknownClient = errors.New("client does not exist")
	ErrUnsupported   = errors.New("not supported by this driver")
)
