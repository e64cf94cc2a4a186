package h2engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/imroc/h2engine/internal/ascii"
	"github.com/imroc/h2engine/internal/netutil"
)

// Response headers which only concern the upstream hop.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Transfer-Encoding": true,
	"Keep-Alive":        true,
	"Proxy-Connection":  true,
	"Upgrade":           true,
}

// upstreamConn is the connection a session keeps to its last origin.
type upstreamConn struct {
	addr string
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func (u *upstreamConn) close() {
	if u.conn != nil {
		u.conn.Close()
	}
	u.conn = nil
	u.addr = ""
}

func (u *upstreamConn) dial(addr string, timeout time.Duration) error {
	u.close()
	d := net.Dialer{Timeout: timeout}
	c, err := d.Dial("tcp", addr)
	if err != nil {
		return err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	u.conn = c
	u.addr = addr
	if u.br == nil {
		u.br = bufio.NewReaderSize(c, 16<<10)
		u.bw = bufio.NewWriterSize(c, 16<<10)
	} else {
		u.br.Reset(c)
		u.bw.Reset(c)
	}
	return nil
}

// roundTrip sends a request written by write and reads the whole
// response. A GET failing on a reused connection is retried once on a
// fresh one, since the origin may have closed it meanwhile. A POST is
// never sent twice.
func (u *upstreamConn) roundTrip(addr, method string, timeout time.Duration, write func(w *bufio.Writer) error) (*http.Response, []byte, error) {
	for attempt := 0; ; attempt++ {
		reused := u.conn != nil && u.addr == addr
		if !reused {
			if err := u.dial(addr, timeout); err != nil {
				return nil, nil, err
			}
		}
		resp, body, err := u.exchange(method, timeout, write)
		if err == nil {
			if resp.Close {
				u.close()
			}
			return resp, body, nil
		}
		u.close()
		var ne net.Error
		if !reused || attempt > 0 || method != http.MethodGet || (errors.As(err, &ne) && ne.Timeout()) {
			return nil, nil, err
		}
	}
}

func (u *upstreamConn) exchange(method string, timeout time.Duration, write func(w *bufio.Writer) error) (*http.Response, []byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	u.conn.SetDeadline(deadline)
	if err := write(u.bw); err != nil {
		return nil, nil, err
	}
	if err := u.bw.Flush(); err != nil {
		return nil, nil, err
	}
	resp, err := http.ReadResponse(u.br, &http.Request{Method: method})
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxRequestBodySize+1))
	if err != nil {
		return nil, nil, err
	}
	if len(body) > MaxRequestBodySize {
		return nil, nil, fmt.Errorf("upstream response body exceeds %d bytes", MaxRequestBodySize)
	}
	return resp, body, nil
}

// writeUpstreamRequest writes the HTTP/1.x form of st's request.
func writeUpstreamRequest(w *bufio.Writer, st *stream, up *Upstream, method, hostport string) error {
	fmt.Fprintf(w, "%s %s HTTP/1.%d\r\n", method, up.uri, up.protoMinor)
	fmt.Fprintf(w, "Host: %s\r\n", hostport)
	if !up.keepAlive && up.protoMinor == 1 {
		w.WriteString("Connection: close\r\n")
	}
	var cookie strings.Builder
	for _, f := range st.headers.Fields() {
		switch {
		case ascii.EqualFold(f.Name, "cookie"):
			cookie.WriteString(f.Value)
			cookie.WriteString("; ")
			continue
		case ascii.EqualFold(f.Name, "host"), ascii.EqualFold(f.Name, "content-length"):
			continue
		}
		if !httpguts.ValidHeaderFieldName(f.Name) || !httpguts.ValidHeaderFieldValue(f.Value) {
			continue
		}
		fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value)
	}
	if cookie.Len() > 0 {
		fmt.Fprintf(w, "Cookie: %s\r\n", cookie.String())
	}
	if method == http.MethodPost {
		body := st.bodyBytes()
		fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(body))
		_, err := w.Write(body)
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}

// rewriteLocation points a redirect of the origin back at the front
// authority and scheme.
func rewriteLocation(v, hostport, authority, scheme string) string {
	if authority != "" {
		v = strings.Replace(v, hostport, authority, 1)
	}
	if len(scheme) == len("https") && !strings.HasPrefix(v, scheme) && strings.HasPrefix(v, "http:") {
		v = scheme + v[len("http"):]
	}
	return v
}

// upstreamReply proxies the request to the upstream set by a hook. Only
// GET and POST are forwarded; anything else is sent as GET.
func (s *session) upstreamReply(st *stream) error {
	r := &s.r
	up := r.upstream
	method := http.MethodGet
	if st.method == http.MethodPost {
		method = http.MethodPost
	}
	hostport := netutil.HostPort(up.host, up.port)
	resp, body, err := s.up.roundTrip(hostport, method, up.timeout, func(w *bufio.Writer) error {
		return writeUpstreamRequest(w, st, up, method, hostport)
	})
	if err != nil {
		s.srv.log.Warnf("stream %d: upstream %s: %v", st.id, hostport, err)
		s.resetStream(st)
		r.release()
		return nil
	}
	s.srv.debugf("stream %d: upstream %s %s%s: %s", st.id, method, hostport, up.uri, resp.Status)

	r.setStatus(resp.StatusCode)
	fixupStatusHeader(&r.headersOut, r.statusLine)
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	via := false
	for _, k := range keys {
		switch {
		case hopHeaders[k], k == "Content-Length":
			continue
		case k == "Via":
			r.headersOut.Add("via", s.srv.cfg.ServerName)
			via = true
			continue
		}
		name := strings.ToLower(k)
		for _, v := range resp.Header[k] {
			if k == "Location" {
				v = rewriteLocation(v, hostport, st.authority, st.scheme)
			}
			r.headersOut.Add(name, v)
		}
	}
	if !via {
		r.headersOut.Add("via", s.srv.cfg.ServerName)
	}
	s.setBody(st, body)
	return s.submit(st)
}
