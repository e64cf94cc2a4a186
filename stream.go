package h2engine

import (
	"errors"
	"io"
)

var errShortSource = errors.New("h2engine: response source ended early")

// stream is the per HTTP/2 stream state. Streams of a session are kept
// in a list headed by a sentinel.
type stream struct {
	id         uint32
	prev, next *stream

	method    string
	scheme    string
	authority string

	hasPath     bool
	path        string
	query       string
	hasQuery    bool
	unparsedURI string
	rawPath     string

	headers Headers

	// body holds the received bytes followed by a NUL.
	body      []byte
	bodyLen   int
	truncated bool

	// Exactly one response source feeds the provider.
	src      io.Reader
	closer   io.Closer
	readLeft int64
}

func newStream(id uint32) *stream {
	return &stream{id: id}
}

// onPseudoHeader captures a request pseudo header and reports whether
// name was one. keepRaw keeps :path undecoded as well.
func (st *stream) onPseudoHeader(name, value string, keepRaw bool) bool {
	switch name {
	case ":method":
		st.method = value
	case ":scheme":
		st.scheme = value
	case ":authority":
		st.authority = value
	case ":path":
		if st.hasPath {
			return true
		}
		if keepRaw {
			st.rawPath = value
		}
		st.unparsedURI, st.path, st.query, st.hasQuery = splitPath(value)
		st.hasPath = true
	default:
		return false
	}
	return true
}

// appendBody adds a DATA chunk. It reports true exactly once, when the
// body reaches MaxRequestBodySize; the stream must then be reset and
// later chunks are ignored.
func (st *stream) appendBody(data []byte) bool {
	if st.truncated {
		return false
	}
	if st.bodyLen+len(data) >= MaxRequestBodySize {
		st.truncated = true
		return true
	}
	if st.body != nil {
		st.body = st.body[:st.bodyLen]
	}
	st.body = append(st.body, data...)
	st.bodyLen += len(data)
	st.body = append(st.body, 0)
	return false
}

func (st *stream) bodyBytes() []byte {
	if st.body == nil {
		return nil
	}
	return st.body[:st.bodyLen]
}

// setSource makes src feed the next size bytes of the response. c, if
// not nil, is closed once the source is drained or the stream goes away.
func (st *stream) setSource(src io.Reader, c io.Closer, size int64) {
	st.closeSource()
	st.src = src
	st.closer = c
	st.readLeft = size
}

func (st *stream) closeSource() {
	if st.closer != nil {
		st.closer.Close()
	}
	st.src = nil
	st.closer = nil
	st.readLeft = 0
}

// provide is the stream's http2.DataProvider.
func (st *stream) provide(streamID uint32, buf []byte) (int, bool, error) {
	if st.src == nil || st.readLeft <= 0 {
		return 0, true, nil
	}
	if int64(len(buf)) > st.readLeft {
		buf = buf[:st.readLeft]
	}
	n, err := io.ReadAtLeast(st.src, buf, 1)
	if n == 0 {
		if err == nil || err == io.EOF {
			err = errShortSource
		}
		st.closeSource()
		return 0, false, err
	}
	st.readLeft -= int64(n)
	if st.readLeft == 0 {
		st.closeSource()
		return n, true, nil
	}
	return n, false, nil
}

// release frees everything the stream owns; it is safe to call twice.
func (st *stream) release() {
	st.closeSource()
	st.body = nil
	st.bodyLen = 0
	st.headers = Headers{}
}

// insertAfter links st right after root.
func (st *stream) insertAfter(root *stream) {
	st.prev = root
	st.next = root.next
	if root.next != nil {
		root.next.prev = st
	}
	root.next = st
}

func (st *stream) unlink() {
	if st.prev != nil {
		st.prev.next = st.next
	}
	if st.next != nil {
		st.next.prev = st.prev
	}
	st.prev = nil
	st.next = nil
}
