package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
)

// TestMain doubles as the child entry point for ExecSpawner tests, which
// re-execute the test binary.
func TestMain(m *testing.M) {
	if IsChildProcess() {
		if err := ServeChildProcess(context.Background(), &echoHandler{}, nil); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(m.Run())
}

// echoHandler keeps a private frame count and answers a few commands:
//
//	count  reports whether GetOpenCount is unsupported
//	bcast  broadcasts "all"
//	quit   closes its own connection
//	boom   panics
//
// Any other frame is answered with "<id> <frames> <pid>".
type echoHandler struct {
	BaseHandler
	frames int
}

func (h *echoHandler) OnReceiveData(id int, frame []byte) {
	h.frames++

	switch string(frame) {
	case "count\n":
		_, err := h.Server().GetOpenCount()
		_ = h.Server().SendData(id, []byte(fmt.Sprintf("unsupported=%t\n", errors.Is(err, ErrUnsupported))))
	case "bcast\n":
		_ = h.Server().BroadcastData([]byte("all\n"))
	case "quit\n":
		_ = h.Server().CloseConnection(id)
	case "boom\n":
		panic("boom")
	default:
		_ = h.Server().SendData(id, []byte(fmt.Sprintf("%d %d %d\n", id, h.frames, os.Getpid())))
	}
}
