package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-netserver/logger"
	"github.com/cyberinferno/go-netserver/metrics"
	"github.com/cyberinferno/go-netserver/tcpserver"
)

type serveOptions struct {
	configPath string
	driver     string
	spawn      string
	grace      time.Duration

	host           string
	port           int
	maxConnections int
	backlog        int
	readChunkSize  int
	delimiter      string
	idleTimeout    time.Duration

	logLevel  string
	logFormat string
	logOutput string

	metricsAddr string
}

// runner is what serve needs from either driver.
type runner interface {
	Start(ctx context.Context) error
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the talkback server",
		Long: `Run a server that answers every frame with "You said: <frame>".

Settings are read from --config (YAML) when given; flags that are set
explicitly override the file.

Examples:
  netserver serve --port 9000
  netserver serve --driver process --spawn exec --delimiter '\r\n'
  netserver serve --config server.yaml --metrics-addr :2112`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	defaults := tcpserver.DefaultConfig()
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	f.StringVar(&opts.driver, "driver", "eventloop", "Server driver: eventloop or process")
	f.StringVar(&opts.spawn, "spawn", "worker", "Process driver isolation: worker or exec")
	f.DurationVar(&opts.grace, "grace-period", 5*time.Second, "Time a child process gets to exit after SIGTERM")

	f.StringVarP(&opts.host, "host", "H", defaults.Host, "Host to bind to")
	f.IntVarP(&opts.port, "port", "p", defaults.Port, "Port to listen on")
	f.IntVar(&opts.maxConnections, "max-connections", defaults.MaxConnections, "Connection cap; <=0 means unlimited")
	f.IntVar(&opts.backlog, "backlog", defaults.Backlog, "Listen backlog")
	f.IntVar(&opts.readChunkSize, "read-chunk-size", defaults.ReadChunkSize, "Bytes requested per read")
	f.StringVar(&opts.delimiter, "delimiter", `\n`, "Frame delimiter; escapes such as \\r\\n are allowed")
	f.DurationVar(&opts.idleTimeout, "idle-timeout", defaults.IdleTimeout, "Idle notification interval; 0 disables it")

	f.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", logger.FormatText, "Log format: text or json")
	f.StringVar(&opts.logOutput, "log-output", "stdout", "Log destination: stdout, stderr or a file path")

	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// buildConfig layers explicitly set flags over the config file (or the
// defaults when no file is given).
func buildConfig(cmd *cobra.Command, opts serveOptions) (tcpserver.Config, error) {
	cfg := tcpserver.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := tcpserver.LoadConfig(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = opts.host
	}
	if f.Changed("port") {
		cfg.Port = opts.port
	}
	if f.Changed("max-connections") {
		cfg.MaxConnections = opts.maxConnections
	}
	if f.Changed("backlog") {
		cfg.Backlog = opts.backlog
	}
	if f.Changed("read-chunk-size") {
		cfg.ReadChunkSize = opts.readChunkSize
	}
	if f.Changed("delimiter") {
		d, err := unquoteDelimiter(opts.delimiter)
		if err != nil {
			return cfg, err
		}
		cfg.Delimiter = d
	}
	if f.Changed("idle-timeout") {
		cfg.IdleTimeout = opts.idleTimeout
	}

	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	log, err := logger.New(logger.Options{
		Service: "netserver",
		Level:   opts.logLevel,
		Format:  opts.logFormat,
		Output:  opts.logOutput,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A child re-executed by the exec spawner serves its inherited connection
	// and exits.
	if tcpserver.IsChildProcess() {
		return tcpserver.ServeChildProcess(ctx, newTalkback(log), log)
	}

	cfg, err := buildConfig(cmd, opts)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(
		metrics.WithRegistry(reg),
		metrics.WithConstLabels(prometheus.Labels{"driver": opts.driver}),
	)

	srv, err := newServer(cfg, opts, m, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return srv.Start(gctx)
	})

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpSrv := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("metrics endpoint listening", logger.Field{Key: "addr", Value: opts.metricsAddr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
			defer done()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newServer(cfg tcpserver.Config, opts serveOptions, m *metrics.Metrics, log logger.Logger) (runner, error) {
	factory := m.InstrumentFactory(func() tcpserver.Handler { return newTalkback(log) })

	switch opts.driver {
	case "eventloop":
		return tcpserver.NewEventLoopServer(cfg, factory(), tcpserver.WithLogger(log))

	case "process":
		var spawner tcpserver.Spawner
		switch opts.spawn {
		case "worker":
			spawner = tcpserver.NewWorkerSpawner()
		case "exec":
			// Children run this same command line and take the child branch
			// of runServe.
			spawner = &tcpserver.ExecSpawner{Args: os.Args[1:], GracePeriod: opts.grace}
		default:
			return nil, fmt.Errorf("unknown spawn mode %q", opts.spawn)
		}

		return tcpserver.NewProcessServer(cfg, factory, tcpserver.WithLogger(log), tcpserver.WithSpawner(spawner))

	default:
		return nil, fmt.Errorf("unknown driver %q", opts.driver)
	}
}
