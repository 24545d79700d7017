package tcpserver

// Dispatcher funnels every driver event to the single registered handler.
// The handler is fixed for the lifetime of the dispatcher.
type Dispatcher struct {
	handler Handler
}

// NewDispatcher registers h with srv and returns a Dispatcher for it. A nil
// handler is replaced by a BaseHandler so that every hook is a no-op.
//
// Parameters:
//   - h: The application handler
//   - srv: The driver handed to h via SetServer
//
// Returns:
//   - A Dispatcher bound to h
func NewDispatcher(h Handler, srv Server) *Dispatcher {
	if h == nil {
		h = &BaseHandler{}
	}

	h.SetServer(srv)
	return &Dispatcher{handler: h}
}

// Handler returns the registered handler.
func (d *Dispatcher) Handler() Handler { return d.handler }

func (d *Dispatcher) OnStart()                   { d.handler.OnStart() }
func (d *Dispatcher) OnConnect(id int)           { d.handler.OnConnect(id) }
func (d *Dispatcher) OnConnectionRefused(id int) { d.handler.OnConnectionRefused(id) }
func (d *Dispatcher) OnClose(id int)             { d.handler.OnClose(id) }
func (d *Dispatcher) OnShutdown()                { d.handler.OnShutdown() }
func (d *Dispatcher) OnIdle()                    { d.handler.OnIdle() }

func (d *Dispatcher) OnReceiveData(id int, frame []byte) {
	d.handler.OnReceiveData(id, frame)
}
