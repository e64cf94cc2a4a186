// Package http2 implements a callback driven HTTP/2 server session on top of
// the golang.org/x/net/http2 framer and HPACK codec.
//
// The Engine never touches a socket. Inbound bytes are fed with Recv, and
// serialized frames are handed to the Send callback when Send is called.
// Everything happens on the caller's goroutine, so an Engine must not be
// used concurrently.
package http2

import (
	"errors"
	"os"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"
)

var (
	VerboseLogs   bool
	logFrameReads bool
)

func init() {
	e := os.Getenv("GODEBUG")
	if strings.Contains(e, "http2debug=1") {
		VerboseLogs = true
	}
	if strings.Contains(e, "http2debug=2") {
		VerboseLogs = true
		logFrameReads = true
	}
}

const (
	// ClientPreface is the string that must be sent by new
	// connections from clients.
	ClientPreface = http2.ClientPreface

	// NextProtoTLS is the ALPN protocol negotiated during
	// HTTP/2's TLS setup.
	NextProtoTLS = http2.NextProtoTLS

	frameHeaderLen = 9

	initialHeaderTableSize = 4096

	initialWindowSize = 65535 // 6.9.2 Initial Flow Control Window Size

	initialMaxFrameSize = 16384

	// DefaultMaxHeaderListSize is the header list limit used unless
	// WithMaxHeaderListSize or SETTINGS_MAX_HEADER_LIST_SIZE says
	// otherwise.
	DefaultMaxHeaderListSize = 1 << 20
)

var (
	// ErrWouldBlock is returned by the Send callback when the transport
	// can not take more bytes right now.
	ErrWouldBlock = errors.New("http2: operation would block")

	// ErrDeferred is returned by a DataProvider which has no data yet.
	// The stream is skipped until ResumeData is called.
	ErrDeferred = errors.New("http2: data deferred")

	// ErrTemporalCallbackFailure is returned by a callback to reset the
	// current stream without failing the whole session.
	ErrTemporalCallbackFailure = errors.New("http2: temporal callback failure")

	// ErrCallbackFailure wraps any other callback error; it is fatal to
	// the session.
	ErrCallbackFailure = errors.New("http2: callback failure")

	ErrBadClientMagic = errors.New("http2: bad client connection preface")
	ErrInvalidStream  = errors.New("http2: stream does not exist or is closing")
	ErrSessionClosing = errors.New("http2: session is closing")
)

// DataProvider fills buf with the next chunk of a response body. It is
// called only when flow control allows at least one byte, and len(buf)
// never exceeds what may be sent in one DATA frame.
type DataProvider func(streamID uint32, buf []byte) (n int, eof bool, err error)

// ValidWireHeaderFieldName reports whether v is a valid header field
// name (key). See httpguts.ValidHeaderName for the base rules.
//
// Further, http2 says:
//
//	"Just as in HTTP/1.x, header field names are strings of ASCII
//	characters that are compared in a case-insensitive
//	fashion. However, header field names MUST be converted to
//	lowercase prior to their encoding in HTTP/2. "
func ValidWireHeaderFieldName(v string) bool {
	if len(v) == 0 {
		return false
	}
	if v[0] == ':' {
		v = v[1:]
		if len(v) == 0 {
			return false
		}
	}
	for _, r := range v {
		if !httpguts.IsTokenRune(r) {
			return false
		}
		if 'A' <= r && r <= 'Z' {
			return false
		}
	}
	return true
}

// ValidHeaderFieldValue reports whether v may be sent as a header value.
func ValidHeaderFieldValue(v string) bool {
	return httpguts.ValidHeaderFieldValue(v)
}

// BodyAllowedForStatus reports whether a given response status code
// permits a body. See RFC 7230, section 3.3.
func BodyAllowedForStatus(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == 204:
		return false
	case status == 304:
		return false
	}
	return true
}

func isHeaderBlockFrame(t http2.FrameType) bool {
	return t == http2.FrameHeaders || t == http2.FrameContinuation
}
