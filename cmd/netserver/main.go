package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "netserver",
		Short: "Delimiter-framed TCP server and client",
		Long: `netserver runs a callback-driven TCP server that splits the byte
stream of every connection into delimiter-terminated frames.

Two drivers are available:

  eventloop  one goroutine multiplexes every connection
  process    every connection is served in isolation, either by a
             worker goroutine or by a re-executed child process`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		clientCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// unquoteDelimiter turns an escaped flag value such as `\r\n` into raw bytes.
func unquoteDelimiter(s string) (string, error) {
	d, err := strconv.Unquote(`"` + s + `"`)
	if err != nil {
		return "", fmt.Errorf("invalid delimiter %q: %w", s, err)
	}
	if d == "" {
		return "", fmt.Errorf("delimiter must not be empty")
	}

	return d, nil
}
