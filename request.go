package h2engine

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Phase tells which step of the pipeline a request is in.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseReadRequest
	PhaseMapToStorage
	PhaseAccessChecker
	PhaseContent
	PhaseFixups
	PhaseLogging
)

var phaseName = [...]string{
	PhaseInit:          "init",
	PhaseReadRequest:   "read_request",
	PhaseMapToStorage:  "map_to_storage",
	PhaseAccessChecker: "access_checker",
	PhaseContent:       "content",
	PhaseFixups:        "fixups",
	PhaseLogging:       "logging",
}

// String returns the phase name used in logs.
func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseName) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseName[p]
}

var (
	ErrStatusInLogging   = errors.New("h2engine: status can not be set in the logging phase")
	ErrInvalidStatus     = errors.New("h2engine: invalid status code")
	ErrInvalidPortNumber = errors.New("h2engine: invalid upstream port")
	ErrInvalidProtoMinor = errors.New("h2engine: upstream protocol minor version must be 0 or 1")
)

// Request is the record hooks work on. A session owns one and reuses it
// for every stream; it is only valid inside a hook call.
type Request struct {
	cfg *Config

	phase      Phase
	status     int
	statusLine string

	now          time.Time
	dateSec      int64
	date         string
	mtimeSec     int64
	lastModified string

	contentLength int64
	filename      string
	headersOut    Headers

	script       bool
	sharedScript bool
	upstream     *Upstream

	sink bytes.Buffer

	stream *stream
	conn   *ConnRecord
}

// begin attaches a stream, starting a new pipeline run.
func (r *Request) begin(st *stream, conn *ConnRecord) {
	r.release()
	r.stream = st
	r.conn = conn
}

// release drops everything tied to the current request. The date and
// last-modified caches survive.
func (r *Request) release() {
	r.phase = PhaseInit
	r.status = 0
	r.statusLine = ""
	r.contentLength = 0
	r.filename = ""
	r.headersOut.Reset()
	r.script = false
	r.sharedScript = false
	r.upstream = nil
	r.sink.Reset()
	r.stream = nil
	r.conn = nil
}

func (r *Request) refreshDate(now time.Time) {
	r.now = now
	if sec := now.Unix(); sec != r.dateSec || r.date == "" {
		r.dateSec = sec
		r.date = now.UTC().Format(http.TimeFormat)
	}
}

func (r *Request) refreshLastModified(mtime time.Time) {
	if sec := mtime.Unix(); sec != r.mtimeSec || r.lastModified == "" {
		r.mtimeSec = sec
		r.lastModified = mtime.UTC().Format(http.TimeFormat)
	}
}

func (r *Request) setStatus(code int) {
	r.status = code
	r.statusLine = statusLine(code)
}

// Phase reports which hook is running.
func (r *Request) Phase() Phase {
	return r.phase
}

// Status returns the response status.
func (r *Request) Status() int {
	return r.status
}

// SetStatus sets the response status. The response is already on its
// way during the logging phase, so it fails there.
func (r *Request) SetStatus(code int) error {
	if r.phase == PhaseLogging {
		return ErrStatusInLogging
	}
	if code < 100 || code > 999 {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, code)
	}
	r.setStatus(code)
	return nil
}

// Method returns the :method of the request.
func (r *Request) Method() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.method
}

// Scheme returns the :scheme of the request.
func (r *Request) Scheme() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.scheme
}

// Authority returns the :authority of the request.
func (r *Request) Authority() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.authority
}

// Host returns the :authority, falling back to the host header.
func (r *Request) Host() string {
	if r.stream == nil {
		return ""
	}
	if r.stream.authority != "" {
		return r.stream.authority
	}
	return r.stream.headers.Get("host")
}

// Hostname returns Host without its port.
func (r *Request) Hostname() string {
	host := r.Host()
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// URI returns the decoded path, without the query.
func (r *Request) URI() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.path
}

// UnparsedURI returns the decoded path including the query.
func (r *Request) UnparsedURI() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.unparsedURI
}

// PercentEncodeURI returns :path as received. It is only kept when the
// upstream proxy is enabled.
func (r *Request) PercentEncodeURI() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.rawPath
}

// Args returns the decoded query including its leading '?', or "".
func (r *Request) Args() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.query
}

// Body returns the request body received so far.
func (r *Request) Body() []byte {
	if r.stream == nil {
		return nil
	}
	return r.stream.bodyBytes()
}

// Filename returns the file the request maps to.
func (r *Request) Filename() string {
	return r.filename
}

// SetFilename changes the file served for the request.
func (r *Request) SetFilename(name string) {
	r.filename = name
}

// DocumentRoot returns the configured document root.
func (r *Request) DocumentRoot() string {
	return r.cfg.DocumentRoot
}

// ClientIP returns the peer address, or "" without a connection record.
func (r *Request) ClientIP() string {
	if r.conn == nil {
		return ""
	}
	return r.conn.ClientIP
}

// UserAgent returns the user-agent request header.
func (r *Request) UserAgent() string {
	if r.stream == nil {
		return ""
	}
	return r.stream.headers.Get("user-agent")
}

// Date returns the cached date header value.
func (r *Request) Date() string {
	return r.date
}

// ContentLength returns the response body length once it is known.
func (r *Request) ContentLength() int64 {
	return r.contentLength
}

// HeadersIn returns the request headers, pseudo headers excluded.
func (r *Request) HeadersIn() *Headers {
	if r.stream == nil {
		return &Headers{}
	}
	return &r.stream.headers
}

// HeadersOut returns the response headers set so far.
func (r *Request) HeadersOut() *Headers {
	return &r.headersOut
}

// Write appends to the response body of a content hook or script.
func (r *Request) Write(p []byte) (int, error) {
	return r.sink.Write(p)
}

// Rputs appends s to the response body.
func (r *Request) Rputs(s string) {
	r.sink.WriteString(s)
}

// Echo is Rputs with a trailing newline.
func (r *Request) Echo(s string) {
	r.sink.WriteString(s)
	r.sink.WriteByte('\n')
}

// EnableScript makes the filename be run as a script.
func (r *Request) EnableScript() {
	r.script = true
	r.sharedScript = false
}

// EnableSharedScript is EnableScript with a shared script environment.
func (r *Request) EnableSharedScript() {
	r.script = true
	r.sharedScript = true
}

// Upstream returns the upstream descriptor, allocating it on first use.
// Setting its host makes the request be proxied when the server runs
// with Config.Upstream.
func (r *Request) Upstream() *Upstream {
	if r.upstream == nil {
		r.upstream = newUpstream()
	}
	return r.upstream
}

// Upstream describes the HTTP/1.x origin a request is proxied to.
type Upstream struct {
	host       string
	port       int
	uri        string
	protoMinor int
	keepAlive  bool
	timeout    time.Duration
}

func newUpstream() *Upstream {
	return &Upstream{
		port:       DefaultUpstreamPort,
		uri:        "/",
		protoMinor: 1,
		keepAlive:  true,
		timeout:    DefaultUpstreamTimeout,
	}
}

// Host returns the origin host; empty means the request is served locally.
func (u *Upstream) Host() string { return u.host }

// Port returns the origin port.
func (u *Upstream) Port() int { return u.port }

// URI returns the request target sent to the origin.
func (u *Upstream) URI() string { return u.uri }

// ProtoMinor returns the HTTP/1.x minor version used with the origin.
func (u *Upstream) ProtoMinor() int { return u.protoMinor }

// KeepAlive reports whether the origin connection is kept open.
func (u *Upstream) KeepAlive() bool { return u.keepAlive }

// Timeout returns the bound on one upstream round trip.
func (u *Upstream) Timeout() time.Duration { return u.timeout }

// SetHost sets the origin host. A non-empty host enables proxying.
func (u *Upstream) SetHost(host string) {
	u.host = host
}

// SetPort sets the origin port, which must be in 1..65535.
func (u *Upstream) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPortNumber, port)
	}
	u.port = port
	return nil
}

// SetURI sets the request target; an empty uri means "/".
func (u *Upstream) SetURI(uri string) {
	if uri == "" {
		uri = "/"
	}
	u.uri = uri
}

// SetProtoMinor picks HTTP/1.0 or HTTP/1.1 for the origin request.
func (u *Upstream) SetProtoMinor(minor int) error {
	if minor != 0 && minor != 1 {
		return ErrInvalidProtoMinor
	}
	u.protoMinor = minor
	return nil
}

// SetKeepAlive controls whether the origin connection is reused.
func (u *Upstream) SetKeepAlive(on bool) {
	u.keepAlive = on
}

// SetTimeout bounds a whole upstream round trip; d <= 0 disables it.
func (u *Upstream) SetTimeout(d time.Duration) {
	u.timeout = d
}
