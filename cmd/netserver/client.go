package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-netserver/framedclient"
	"github.com/cyberinferno/go-netserver/logger"
)

func clientCmd() *cobra.Command {
	var (
		addr      string
		delimiter string
		reconnect bool
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Send stdin lines as frames and print the replies",
		Long: `Connect to a netserver, send every line read from stdin as one frame
and print each frame received from the server.

Examples:
  netserver client --addr localhost:10000
  echo hello | netserver client --addr localhost:9000 --delimiter '\r\n'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := unquoteDelimiter(delimiter)
			if err != nil {
				return err
			}

			log, err := logger.New(logger.Options{Service: "netserver-client", Level: logLevel, Output: "stderr"})
			if err != nil {
				return err
			}
			defer log.Close()

			cfg := framedclient.DefaultConfig(addr)
			cfg.Delimiter = d
			cfg.AutoReconnect = reconnect
			cfg.ReconnectInterval = time.Second

			return runClient(cmd, cfg, log)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "localhost:10000", "Server address")
	cmd.Flags().StringVar(&delimiter, "delimiter", `\n`, "Frame delimiter; escapes such as \\r\\n are allowed")
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "Reconnect when the connection is lost")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")

	return cmd
}

func runClient(cmd *cobra.Command, cfg framedclient.Config, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	lost := make(chan struct{}, 1)

	c := framedclient.New(cfg, framedclient.WithLogger(log))
	defer c.Close()

	c.OnFrame(func(ev framedclient.FrameEvent) {
		fmt.Fprintf(out, "%s", ev.Frame)
	})
	c.OnStateChange(func(ev framedclient.StateEvent) {
		if ev.State == framedclient.Disconnected && !cfg.AutoReconnect {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return fmt.Errorf("connection to %s lost", cfg.Address)
		case line, ok := <-lines:
			if !ok {
				// Give in-flight replies a moment before closing.
				time.Sleep(200 * time.Millisecond)
				return nil
			}
			if err := c.SendFrame([]byte(line)); err != nil {
				log.Warn("send failed", logger.Field{Key: "error", Value: err})
			}
		}
	}
}
