package h2engine

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	h2 "github.com/imroc/h2engine/internal/http2"
	"github.com/imroc/h2engine/internal/sysutil"
)

// Stats is a snapshot of a worker's counters. They are only maintained
// with Config.ServerStatus on.
type Stats struct {
	TotalStreamRequests  int64 `json:"total_stream_requests"`
	TotalSessionRequests int64 `json:"total_session_requests"`
	ConnectedSessions    int64 `json:"connected_sessions"`
	ActiveStreams        int64 `json:"active_streams"`
}

type stats struct {
	totalStreamRequests  atomic.Int64
	totalSessionRequests atomic.Int64
	connectedSessions    atomic.Int64
	activeStreams        atomic.Int64
}

func (s *stats) sessionOpened(on bool) {
	if on {
		s.totalSessionRequests.Add(1)
		s.connectedSessions.Add(1)
	}
}

func (s *stats) sessionClosed(on bool) {
	if on {
		s.connectedSessions.Add(-1)
	}
}

func (s *stats) streamOpened(on bool) {
	if on {
		s.totalStreamRequests.Add(1)
		s.activeStreams.Add(1)
	}
}

func (s *stats) streamClosed(on bool) {
	if on {
		s.activeStreams.Add(-1)
	}
}

// Server serves HTTP/2 sessions on a listener.
type Server struct {
	cfg       *Config
	log       Logger
	tlsConfig *tls.Config
	stats     stats

	inShutdown atomic.Bool
	drainBy    atomic.Int64 // unix nanoseconds
	mu         sync.Mutex
	sessions   map[*session]struct{}
	wg         sync.WaitGroup
}

// NewServer validates cfg and returns a Server using a copy of it.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if err := c.Validate(); err != nil {
		return nil, err
	}
	srv := &Server{
		cfg:      &c,
		log:      c.Logger,
		sessions: make(map[*session]struct{}),
	}
	if srv.log == nil {
		srv.log = createDefaultLogger()
	}
	if err := srv.loadTLSConfig(); err != nil {
		return nil, err
	}
	return srv, nil
}

func (srv *Server) loadTLSConfig() error {
	cfg := srv.cfg
	if !cfg.TLS {
		srv.tlsConfig = nil
		return nil
	}
	var tc *tls.Config
	if cfg.TLSConfig != nil {
		tc = cfg.TLSConfig.Clone()
	} else {
		tc = &tls.Config{}
	}
	if len(tc.Certificates) == 0 && tc.GetCertificate == nil && tc.GetConfigForClient == nil {
		if cfg.Key == "" || cfg.Crt == "" {
			return ErrTLSCredentials
		}
		cert, err := tls.LoadX509KeyPair(cfg.Crt, cfg.Key)
		if err != nil {
			return err
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	if !slices.Contains(tc.NextProtos, h2.NextProtoTLS) {
		tc.NextProtos = append([]string{h2.NextProtoTLS}, tc.NextProtos...)
	}
	if tc.MinVersion == 0 {
		tc.MinVersion = tls.VersionTLS12
	}
	if cfg.DHParamsFile != "" {
		srv.log.Warnf("DHParamsFile %s is ignored, finite field DHE is not supported", cfg.DHParamsFile)
	}
	srv.tlsConfig = tc
	return nil
}

// SetLogger set the logger for the server, set to nil to disable logger.
func (srv *Server) SetLogger(log Logger) *Server {
	if log == nil {
		srv.log = &disableLogger{}
		return srv
	}
	srv.log = log
	return srv
}

// SetHooks replaces the pipeline hooks. Call it before serving.
func (srv *Server) SetHooks(hooks Hooks) *Server {
	srv.cfg.Hooks = hooks
	return srv
}

// SetScriptRunner sets what runs scripts enabled by EnableScript.
func (srv *Server) SetScriptRunner(runner ScriptRunner) *Server {
	srv.cfg.Script = runner
	return srv
}

// SetTLSConfig switches TLS on with conf. Errors are logged, leaving the
// previous TLS setup in place.
func (srv *Server) SetTLSConfig(conf *tls.Config) *Server {
	prev, prevTLS := srv.cfg.TLSConfig, srv.cfg.TLS
	srv.cfg.TLSConfig, srv.cfg.TLS = conf, conf != nil
	if err := srv.loadTLSConfig(); err != nil {
		srv.log.Errorf("failed to set TLS config: %v", err)
		srv.cfg.TLSConfig, srv.cfg.TLS = prev, prevTLS
		srv.loadTLSConfig()
	}
	return srv
}

// Stats returns the current worker counters.
func (srv *Server) Stats() Stats {
	return Stats{
		TotalStreamRequests:  srv.stats.totalStreamRequests.Load(),
		TotalSessionRequests: srv.stats.totalSessionRequests.Load(),
		ConnectedSessions:    srv.stats.connectedSessions.Load(),
		ActiveStreams:        srv.stats.activeStreams.Load(),
	}
}

func (srv *Server) debugf(format string, v ...interface{}) {
	if srv.cfg.Debug {
		srv.log.Debugf(format, v...)
	}
}

func (srv *Server) shuttingDown() bool {
	return srv.inShutdown.Load()
}

// drainDeadline is when sessions still open after shutdown are cut off.
func (srv *Server) drainDeadline() time.Time {
	return time.Unix(0, srv.drainBy.Load())
}

// Listen binds the configured address. With workers the socket shares
// the port through SO_REUSEPORT.
func (srv *Server) Listen(ctx context.Context) (net.Listener, error) {
	addr := net.JoinHostPort(srv.cfg.ServerHost, strconv.Itoa(srv.cfg.Port))
	var lc net.ListenConfig
	if srv.cfg.Worker > 0 && sysutil.ReusePortSupported {
		lc.Control = func(network, address string, rawConn syscall.RawConn) error {
			return sysutil.SetReusePort(rawConn)
		}
	}
	return lc.Listen(ctx, "tcp", addr)
}

// ListenAndServe tunes the file limit, binds the port, drops privileges
// and serves until ctx is done.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	sysutil.IgnoreSIGPIPE()
	if err := tuneRlimit(srv.cfg.RlimitNofile, srv.log); err != nil {
		return err
	}
	ln, err := srv.Listen(ctx)
	if err != nil {
		return err
	}
	if err := setRunUser(srv.cfg.RunUser, srv.log); err != nil {
		ln.Close()
		return err
	}
	return srv.Serve(ctx, ln)
}

// Serve accepts sessions on ln until ctx is done. Open sessions are then
// sent a GOAWAY and Serve returns once they ended.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	if srv.tlsConfig != nil {
		ln = tls.NewListener(ln, srv.tlsConfig)
	}
	stop := context.AfterFunc(ctx, func() {
		srv.shutdown(ln)
	})
	defer stop()
	srv.debugf("listening on %s", ln.Addr())

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if srv.shuttingDown() {
				srv.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.log.Warnf("accept error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			ln.Close()
			srv.wg.Wait()
			return err
		}
		tempDelay = 0
		s := srv.newSession(c)
		srv.trackSession(s, true)
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer srv.trackSession(s, false)
			s.serve(ctx)
		}()
	}
}

func (srv *Server) trackSession(s *session, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if add {
		srv.sessions[s] = struct{}{}
		if srv.shuttingDown() {
			s.wake()
		}
	} else {
		delete(srv.sessions, s)
	}
}

// shutdown stops accepting and wakes every session, which then starts
// draining. Whatever is still open at the drain deadline is cut off,
// including sessions stuck writing to a peer that stopped reading.
func (srv *Server) shutdown(ln net.Listener) {
	srv.drainBy.Store(time.Now().Add(drainTimeout).UnixNano())
	srv.inShutdown.Store(true)
	ln.Close()
	srv.wakeSessions()
}

func (srv *Server) wakeSessions() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for s := range srv.sessions {
		s.wake()
	}
}
