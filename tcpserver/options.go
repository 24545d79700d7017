package tcpserver

import "github.com/cyberinferno/go-netserver/logger"

type options struct {
	name    string
	logger  logger.Logger
	spawner Spawner
}

// Option configures a server constructor.
type Option func(*options)

// WithLogger sets the logger used for every state transition, accept,
// refusal, close and I/O failure. The default discards all output.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithName sets the server name used in log messages.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithSpawner selects how the process-per-connection driver isolates each
// connection. It is ignored by the event loop driver.
func WithSpawner(s Spawner) Option {
	return func(o *options) {
		o.spawner = s
	}
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{name: defaultName}
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = logger.NewNopLogger()
	}

	o.logger = o.logger.With(logger.Field{Key: "server", Value: o.name})
	return o
}
