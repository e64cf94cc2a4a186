package h2engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	h2 "github.com/imroc/h2engine/internal/http2"
	"github.com/imroc/h2engine/internal/sysutil"
)

const drainTimeout = 5 * time.Second

// ConnRecord is the per connection metadata kept when
// Config.ConnectionRecord is on.
type ConnRecord struct {
	ClientIP string
}

// session serves one connection. Only its own goroutine touches it,
// except for conn deadlines set on shutdown.
type session struct {
	srv     *Server
	conn    net.Conn
	rawConn syscall.RawConn
	engine  *h2.Engine

	root    stream
	connRec *ConnRecord
	r       Request

	out   bytes.Buffer
	limit int

	up      upstreamConn
	readBuf []byte

	drainMu  sync.Mutex
	draining bool
}

func (srv *Server) newSession(c net.Conn) *session {
	s := &session{
		srv:     srv,
		conn:    c,
		limit:   srv.cfg.writeBufferLimit(),
		readBuf: make([]byte, 16<<10),
	}
	s.r.cfg = srv.cfg
	if n := srv.cfg.WriteBufferExpandSize; n > 0 {
		s.out.Grow(n)
	}
	if tc := tcpConnOf(c); tc != nil {
		tc.SetNoDelay(true)
		if rc, err := tc.SyscallConn(); err == nil {
			s.rawConn = rc
		}
	}
	if srv.cfg.ConnectionRecord {
		s.connRec = &ConnRecord{ClientIP: clientIP(c.RemoteAddr())}
	}
	var opts []h2.Option
	if srv.cfg.Debug {
		opts = append(opts, h2.WithLogf(srv.log.Debugf))
	}
	s.engine = h2.NewServerEngine(h2.Callbacks{
		Send:           s.send,
		OnBeginHeaders: s.onBeginHeaders,
		OnHeader:       s.onHeader,
		OnFrameRecv:    s.onFrameRecv,
		OnDataChunk:    s.onDataChunk,
		OnStreamClose:  s.onStreamClose,
	}, opts...)
	srv.stats.sessionOpened(srv.cfg.ServerStatus)
	return s
}

func tcpConnOf(c net.Conn) *net.TCPConn {
	switch c := c.(type) {
	case *net.TCPConn:
		return c
	case *tls.Conn:
		tc, _ := c.NetConn().(*net.TCPConn)
		return tc
	}
	return nil
}

func clientIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *session) serve(ctx context.Context) {
	defer s.close()
	if tc, ok := s.conn.(*tls.Conn); ok {
		if err := s.handshake(ctx, tc); err != nil {
			s.srv.debugf("TLS handshake with %s failed: %v", s.conn.RemoteAddr(), err)
			return
		}
	}
	err := s.engine.SubmitSettings(
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: DefaultMaxConcurrentStreams},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: DefaultInitialWindowSize},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: h2.DefaultMaxHeaderListSize},
	)
	if err != nil {
		s.srv.log.Errorf("failed to submit SETTINGS: %v", err)
		return
	}
	if err = s.flush(); err != nil {
		return
	}
	draining := false
	for s.engine.WantRead() || s.engine.WantWrite() {
		if !draining && s.srv.shuttingDown() {
			draining = true
			if !s.drain() {
				return
			}
		}
		n, err := s.conn.Read(s.readBuf)
		if n > 0 {
			if _, rerr := s.engine.Recv(s.readBuf[:n]); rerr != nil {
				s.srv.debugf("session %s: %v", s.conn.RemoteAddr(), rerr)
				s.flush()
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !draining && s.srv.shuttingDown() {
				continue
			}
			if err != io.EOF {
				s.srv.debugf("session %s: read: %v", s.conn.RemoteAddr(), err)
			}
			return
		}
		if err = s.flush(); err != nil {
			s.srv.debugf("session %s: write: %v", s.conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *session) handshake(ctx context.Context, tc *tls.Conn) error {
	timeout := s.srv.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		return err
	}
	if proto := tc.ConnectionState().NegotiatedProtocol; proto != h2.NextProtoTLS {
		return errors.New("h2 is not negotiated")
	}
	return nil
}

// drain announces a graceful shutdown. Open streams have until the
// server's drain deadline to complete.
func (s *session) drain() bool {
	s.drainMu.Lock()
	s.draining = true
	s.conn.SetDeadline(s.srv.drainDeadline())
	s.drainMu.Unlock()
	s.engine.SubmitGoAway(http2.ErrCodeNo)
	return s.flush() == nil
}

// wake is called from the shutdown path. A session blocked in a read
// returns from it at once and starts draining; one blocked in a write
// gets the drain deadline. A session already draining keeps its
// deadlines.
func (s *session) wake() {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.draining {
		return
	}
	s.conn.SetReadDeadline(time.Now())
	s.conn.SetWriteDeadline(s.srv.drainDeadline())
}

func (s *session) send(p []byte) (int, error) {
	if s.out.Len() >= s.limit {
		return 0, h2.ErrWouldBlock
	}
	return s.out.Write(p)
}

// flush runs the engine until it has nothing left to send, writing its
// output to the connection.
func (s *session) flush() error {
	if s.srv.cfg.TCPNoPush && s.rawConn != nil {
		sysutil.SetCork(s.rawConn, true)
		defer sysutil.SetCork(s.rawConn, false)
	}
	for {
		if err := s.engine.Send(); err != nil {
			return err
		}
		if s.out.Len() == 0 {
			return nil
		}
		if _, err := s.out.WriteTo(s.conn); err != nil {
			return err
		}
		if !s.engine.WantWrite() {
			return nil
		}
	}
}

func (s *session) close() {
	for st := s.root.next; st != nil; {
		next := st.next
		st.unlink()
		st.release()
		s.srv.stats.streamClosed(s.srv.cfg.ServerStatus)
		st = next
	}
	s.up.close()
	s.r.release()
	s.conn.Close()
	s.srv.stats.sessionClosed(s.srv.cfg.ServerStatus)
}

func (s *session) streamOf(id uint32) *stream {
	st, _ := s.engine.StreamUserData(id).(*stream)
	return st
}

func (s *session) onBeginHeaders(id uint32) error {
	st := newStream(id)
	st.insertAfter(&s.root)
	s.srv.stats.streamOpened(s.srv.cfg.ServerStatus)
	return s.engine.SetStreamUserData(id, st)
}

func (s *session) onHeader(id uint32, f hpack.HeaderField) error {
	st := s.streamOf(id)
	if st == nil {
		return nil
	}
	if st.onPseudoHeader(f.Name, f.Value, s.srv.cfg.Upstream) {
		return nil
	}
	if !st.headers.Add(f.Name, f.Value) {
		s.srv.debugf("stream %d: header %q dropped, more than %d headers", id, f.Name, HeaderMax)
	}
	return nil
}

func (s *session) onFrameRecv(fh http2.FrameHeader) error {
	switch fh.Type {
	case http2.FrameData, http2.FrameHeaders:
		if !fh.Flags.Has(http2.FlagDataEndStream) {
			return nil
		}
	default:
		return nil
	}
	st := s.streamOf(fh.StreamID)
	if st == nil {
		return nil
	}
	return s.processRequest(st)
}

func (s *session) onDataChunk(id uint32, data []byte) error {
	st := s.streamOf(id)
	if st == nil {
		return nil
	}
	if st.appendBody(data) {
		s.srv.log.Warnf("stream %d: request body reached %d bytes, resetting", id, MaxRequestBodySize)
		return s.engine.SubmitRstStream(id, http2.ErrCodeInternal)
	}
	return nil
}

func (s *session) onStreamClose(id uint32, code http2.ErrCode) error {
	st := s.streamOf(id)
	if st == nil {
		return nil
	}
	if code != http2.ErrCodeNo {
		s.srv.debugf("stream %d closed with %v", id, code)
	}
	st.unlink()
	st.release()
	s.engine.SetStreamUserData(id, nil)
	s.srv.stats.streamClosed(s.srv.cfg.ServerStatus)
	return nil
}

// resetStream resets a stream after a failure of its own.
func (s *session) resetStream(st *stream) {
	st.closeSource()
	if err := s.engine.SubmitRstStream(st.id, http2.ErrCodeInternal); err != nil {
		s.srv.log.Errorf("stream %d: failed to reset: %v", st.id, err)
	}
}
