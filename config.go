package h2engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/h2engine/internal/sysutil"
)

// Version is the h2engine release, used in the default server name.
const Version = "0.3.0"

const (
	// WorkerMax bounds the number of worker processes.
	WorkerMax = 1024
	// HeaderMax bounds the request and response header lists.
	HeaderMax = 128
	// MaxRequestBodySize is the request body size at which a stream is
	// reset.
	MaxRequestBodySize = 1 << 24
	// OutputWouldBlockThreshold is the amount of buffered output at
	// which the engine is told to stop producing frames.
	OutputWouldBlockThreshold = 1 << 16

	DefaultMaxConcurrentStreams = 100
	DefaultInitialWindowSize    = 1<<18 - 1
	DefaultUpstreamPort         = 80
	DefaultUpstreamTimeout      = 600 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
)

var (
	ErrInvalidPort    = errors.New("h2engine: port out of range")
	ErrInvalidWorker  = errors.New("h2engine: invalid worker count")
	ErrTLSCredentials = errors.New("h2engine: TLS needs both a key and a certificate")
)

// Config is the finalized server configuration. It must not be changed
// once a Server was created from it.
type Config struct {
	ServerHost string
	Port       int
	// Worker is the number of worker processes sharing the port; 0 runs
	// the server in the calling process.
	Worker int

	TLS       bool
	Key       string
	Crt       string
	TLSConfig *tls.Config
	// DHParamsFile is accepted for compatibility; Go's TLS stack has no
	// finite field DHE suites.
	DHParamsFile     string
	HandshakeTimeout time.Duration

	DocumentRoot string
	ServerName   string

	Daemon           bool
	Debug            bool
	ConnectionRecord bool
	TCPNoPush        bool
	ServerStatus     bool
	Upstream         bool

	RunUser      string
	RlimitNofile uint64

	// WriteBufferLimitSize replaces OutputWouldBlockThreshold when set.
	WriteBufferLimitSize int
	// WriteBufferExpandSize is the initial capacity of a session's output
	// buffer.
	WriteBufferExpandSize int

	Hooks  Hooks
	Script ScriptRunner
	Logger Logger
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ServerHost:       "0.0.0.0",
		Port:             80,
		TLS:              true,
		HandshakeTimeout: DefaultHandshakeTimeout,
		DocumentRoot:     "./",
		ServerName:       "h2engine/" + Version,
		ConnectionRecord: true,
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	if c.Worker < 0 || c.Worker > WorkerMax {
		return fmt.Errorf("%w: %d (max %d)", ErrInvalidWorker, c.Worker, WorkerMax)
	}
	if c.TLS && c.TLSConfig == nil && (c.Key == "" || c.Crt == "") {
		return ErrTLSCredentials
	}
	if c.DocumentRoot == "" {
		return errors.New("h2engine: document root is empty")
	}
	if c.WriteBufferLimitSize < 0 || c.WriteBufferExpandSize < 0 {
		return errors.New("h2engine: negative write buffer size")
	}
	return nil
}

func (c *Config) writeBufferLimit() int {
	if c.WriteBufferLimitSize > 0 {
		return c.WriteBufferLimitSize
	}
	return OutputWouldBlockThreshold
}

// ParseWorker parses a worker count, either a number or "auto" for the
// number of online CPUs. On platforms without SO_REUSEPORT it always
// returns 0.
func ParseWorker(s string) (int, error) {
	var n int
	if strings.EqualFold(s, "auto") {
		n = sysutil.NumCPU()
		if n > WorkerMax {
			n = WorkerMax
		}
	} else {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidWorker, s)
		}
		if v < 0 || v > WorkerMax {
			return 0, fmt.Errorf("%w: %d (max %d)", ErrInvalidWorker, v, WorkerMax)
		}
		n = v
	}
	if !sysutil.ReusePortSupported {
		return 0, nil
	}
	return n, nil
}
