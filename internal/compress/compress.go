// Package compress decodes HTTP content codings lazily: the decoder is
// only built on the first Read, so an unread body costs nothing.
package compress

import (
	"compress/flate"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AcceptEncoding lists every coding NewReader understands, in order of
// preference.
const AcceptEncoding = "zstd, br, gzip, deflate"

type opener func(r io.Reader) (io.Reader, func(), error)

var openers = map[string]opener{
	"gzip": func(r io.Reader) (io.Reader, func(), error) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	},
	"deflate": func(r io.Reader) (io.Reader, func(), error) {
		zr := flate.NewReader(r)
		return zr, func() { zr.Close() }, nil
	},
	"br": func(r io.Reader) (io.Reader, func(), error) {
		return brotli.NewReader(r), nil, nil
	},
	"zstd": func(r io.Reader) (io.Reader, func(), error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	},
}

// Supported reports whether encoding names a coding NewReader can undo.
func Supported(encoding string) bool {
	_, ok := openers[normalize(encoding)]
	return ok
}

func normalize(encoding string) string {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "x-gzip" {
		return "gzip"
	}
	return encoding
}

// Reader is a decoding body that still gives access to the raw stream.
type Reader interface {
	io.ReadCloser
	Encoding() string
	Underlying() io.ReadCloser
}

// NewReader wraps body so reads return the decoded content. It returns
// nil when the encoding is not supported.
func NewReader(body io.ReadCloser, encoding string) Reader {
	encoding = normalize(encoding)
	open, ok := openers[encoding]
	if !ok {
		return nil
	}
	return &lazyReader{body: body, encoding: encoding, open: open}
}

type lazyReader struct {
	body     io.ReadCloser
	encoding string
	open     opener
	r        io.Reader
	release  func()
	err      error
}

func (z *lazyReader) Read(p []byte) (int, error) {
	if z.err != nil {
		return 0, z.err
	}
	if z.r == nil {
		z.r, z.release, z.err = z.open(z.body)
		if z.err != nil {
			return 0, z.err
		}
	}
	return z.r.Read(p)
}

func (z *lazyReader) Close() error {
	if z.release != nil {
		z.release()
		z.release = nil
	}
	return z.body.Close()
}

func (z *lazyReader) Encoding() string { return z.encoding }

func (z *lazyReader) Underlying() io.ReadCloser { return z.body }
