package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the listening and framing settings of a server. It is copied
// into the server at construction time and never changes while running.
type Config struct {
	// Host is the address to bind to (e.g. "localhost", "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port to listen on; 0 picks an ephemeral port.
	Port int `yaml:"port"`
	// MaxConnections caps concurrent connections; <=0 means unlimited.
	MaxConnections int `yaml:"max_connections"`
	// Backlog is the listen queue length passed to listen(2).
	Backlog int `yaml:"backlog"`
	// ReadChunkSize is the maximum number of bytes requested per read.
	ReadChunkSize int `yaml:"read_chunk_size"`
	// Delimiter terminates a frame; it may be more than one byte.
	Delimiter string `yaml:"delimiter"`
	// IdleTimeout bounds the readiness wait; 0 blocks indefinitely.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns a Config with default values: localhost:10000,
// unlimited connections, backlog 500, 128-byte reads, newline delimiter and
// no idle timeout.
//
// Returns:
//   - A Config ready to be adjusted and passed to a server constructor
func DefaultConfig() Config {
	return Config{
		Host:           "localhost",
		Port:           10000,
		MaxConnections: -1,
		Backlog:        500,
		ReadChunkSize:  128,
		Delimiter:      "\n",
		IdleTimeout:    0,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig and validates the
// result.
//
// Parameters:
//   - path: Path to the YAML file
//
// Returns:
//   - The merged Config, or an error if the file cannot be read, parsed or
//     fails validation
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate reports every rule the Config violates.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}

	if c.Backlog < 1 {
		errs = append(errs, fmt.Errorf("backlog must be >= 1, got %d", c.Backlog))
	}

	if c.ReadChunkSize < 1 {
		errs = append(errs, fmt.Errorf("read chunk size must be >= 1, got %d", c.ReadChunkSize))
	}

	if c.Delimiter == "" {
		errs = append(errs, errors.New("delimiter must not be empty"))
	}

	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle timeout must not be negative, got %s", c.IdleTimeout))
	}

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Address returns the host:port pair to bind.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Unlimited reports whether no connection cap is configured.
func (c Config) Unlimited() bool {
	return c.MaxConnections <= 0
}

// marshal encodes c for a child process. The delimiter is forced into a
// double-quoted scalar: a plain yaml.Marshal picks a block style for strings
// made of line breaks, and "\n" would not survive the round trip.
func (c Config) marshal() (string, error) {
	var doc yaml.Node
	if err := doc.Encode(c); err != nil {
		return "", err
	}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == "delimiter" {
			v := doc.Content[i+1]
			v.Kind, v.Tag, v.Value = yaml.ScalarNode, "!!str", c.Delimiter
			v.Style = yaml.DoubleQuotedStyle
		}
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", err
	}

	return string(out), nil
}

func unmarshalConfig(s string) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(s), &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}
