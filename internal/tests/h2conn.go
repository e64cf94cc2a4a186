package tests

import (
	"bytes"
	"io"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// H2Conn is the client end of an HTTP/2 connection, driven frame by
// frame from a test.
type H2Conn struct {
	t    testing.TB
	rw   io.ReadWriter
	Fr   *http2.Framer
	hbuf bytes.Buffer
	henc *hpack.Encoder
}

// H2Response is what ReadResponse collected for one stream.
type H2Response struct {
	Header    []hpack.HeaderField
	Body      []byte
	Reset     bool
	ResetCode http2.ErrCode
}

// Get returns the first value of the named header field.
func (r *H2Response) Get(name string) string {
	for _, f := range r.Header {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Status returns the :status pseudo header.
func (r *H2Response) Status() string {
	return r.Get(":status")
}

func NewH2Conn(t testing.TB, rw io.ReadWriter) *H2Conn {
	c := &H2Conn{t: t, rw: rw}
	c.Fr = http2.NewFramer(rw, rw)
	c.Fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	c.henc = hpack.NewEncoder(&c.hbuf)
	return c
}

// Greet writes the preface and an empty SETTINGS frame, then acks the
// server's SETTINGS.
func (c *H2Conn) Greet() {
	c.WritePreface()
	c.WriteSettings()
	c.WantSettings()
	if err := c.Fr.WriteSettingsAck(); err != nil {
		c.t.Fatalf("Error writing ACK of server's SETTINGS: %v", err)
	}
}

func (c *H2Conn) WritePreface() {
	if _, err := io.WriteString(c.rw, http2.ClientPreface); err != nil {
		c.t.Fatalf("Error writing client preface: %v", err)
	}
}

func (c *H2Conn) WriteSettings(settings ...http2.Setting) {
	if err := c.Fr.WriteSettings(settings...); err != nil {
		c.t.Fatalf("Error writing SETTINGS: %v", err)
	}
}

// EncodeHeader HPACK encodes key/value pairs.
func (c *H2Conn) EncodeHeader(kv ...string) []byte {
	if len(kv)%2 == 1 {
		panic("odd number of kv args")
	}
	c.hbuf.Reset()
	for ; len(kv) > 0; kv = kv[2:] {
		if err := c.henc.WriteField(hpack.HeaderField{Name: kv[0], Value: kv[1]}); err != nil {
			c.t.Fatalf("HPACK encoding error for %q/%q: %v", kv[0], kv[1], err)
		}
	}
	return c.hbuf.Bytes()
}

// WriteHeaders opens (or continues) a stream with the given key/value
// pairs in one HEADERS frame.
func (c *H2Conn) WriteHeaders(streamID uint32, endStream bool, kv ...string) {
	err := c.Fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.EncodeHeader(kv...),
		EndStream:     endStream,
		EndHeaders:    true,
	})
	if err != nil {
		c.t.Fatalf("Error writing HEADERS: %v", err)
	}
}

func (c *H2Conn) WriteData(streamID uint32, endStream bool, data []byte) {
	if err := c.Fr.WriteData(streamID, endStream, data); err != nil {
		c.t.Fatalf("Error writing DATA: %v", err)
	}
}

func (c *H2Conn) ReadFrame() (http2.Frame, error) {
	if d, ok := c.rw.(interface{ SetReadDeadline(time.Time) error }); ok {
		d.SetReadDeadline(time.Now().Add(5 * time.Second))
	}
	return c.Fr.ReadFrame()
}

func (c *H2Conn) mustReadFrame(want string) http2.Frame {
	f, err := c.ReadFrame()
	if err != nil {
		c.t.Fatalf("Error while expecting a %s frame: %v", want, err)
	}
	return f
}

func (c *H2Conn) WantSettings() *http2.SettingsFrame {
	f := c.mustReadFrame("SETTINGS")
	sf, ok := f.(*http2.SettingsFrame)
	if !ok || sf.IsAck() {
		c.t.Fatalf("got a %v; want SETTINGS", f)
	}
	return sf
}

func (c *H2Conn) WantSettingsAck() {
	f := c.mustReadFrame("SETTINGS ACK")
	sf, ok := f.(*http2.SettingsFrame)
	if !ok || !sf.IsAck() {
		c.t.Fatalf("Wanting a settings ACK, received a %v", f)
	}
}

func (c *H2Conn) WantHeaders() *http2.MetaHeadersFrame {
	f := c.mustReadFrame("HEADERS")
	hf, ok := f.(*http2.MetaHeadersFrame)
	if !ok {
		c.t.Fatalf("got a %T; want *http2.MetaHeadersFrame", f)
	}
	return hf
}

func (c *H2Conn) WantData() *http2.DataFrame {
	f := c.mustReadFrame("DATA")
	df, ok := f.(*http2.DataFrame)
	if !ok {
		c.t.Fatalf("got a %T; want *http2.DataFrame", f)
	}
	return df
}

func (c *H2Conn) WantPing() *http2.PingFrame {
	f := c.mustReadFrame("PING")
	pf, ok := f.(*http2.PingFrame)
	if !ok {
		c.t.Fatalf("got a %T; want *http2.PingFrame", f)
	}
	return pf
}

func (c *H2Conn) WantGoAway(code http2.ErrCode) *http2.GoAwayFrame {
	f := c.mustReadFrame("GOAWAY")
	gf, ok := f.(*http2.GoAwayFrame)
	if !ok {
		c.t.Fatalf("got a %T; want *http2.GoAwayFrame", f)
	}
	if gf.ErrCode != code {
		c.t.Fatalf("GOAWAY ErrCode = %v; want %v", gf.ErrCode, code)
	}
	return gf
}

func (c *H2Conn) WantRSTStream(streamID uint32, code http2.ErrCode) {
	f := c.mustReadFrame("RST_STREAM")
	rs, ok := f.(*http2.RSTStreamFrame)
	if !ok {
		c.t.Fatalf("got a %T; want *http2.RSTStreamFrame", f)
	}
	if rs.StreamID != streamID {
		c.t.Fatalf("RSTStream StreamID = %d; want %d", rs.StreamID, streamID)
	}
	if rs.ErrCode != code {
		c.t.Fatalf("RSTStream ErrCode = %v; want %v", rs.ErrCode, code)
	}
}

func (c *H2Conn) WantWindowUpdate(streamID, incr uint32) {
	f := c.mustReadFrame("WINDOW_UPDATE")
	wu, ok := f.(*http2.WindowUpdateFrame)
	if !ok {
		c.t.Fatalf("got a %T; want *http2.WindowUpdateFrame", f)
	}
	if wu.StreamID != streamID {
		c.t.Fatalf("WindowUpdate StreamID = %d; want %d", wu.StreamID, streamID)
	}
	if wu.Increment != incr {
		c.t.Fatalf("WindowUpdate increment = %d; want %d", wu.Increment, incr)
	}
}

// WantNoFrame fails if another frame is readable. Only meaningful on
// in-memory transports where a read returns io.EOF when drained.
func (c *H2Conn) WantNoFrame() {
	f, err := c.Fr.ReadFrame()
	if err == nil {
		c.t.Fatalf("got unexpected frame %v", f)
	}
}

// ReadResponse collects the headers and body of a stream until it is
// ended or reset. SETTINGS, PING and WINDOW_UPDATE frames and frames of
// other streams are skipped.
func (c *H2Conn) ReadResponse(streamID uint32) *H2Response {
	resp := &H2Response{}
	for {
		f, err := c.ReadFrame()
		if err != nil {
			c.t.Fatalf("Error reading response of stream %d: %v", streamID, err)
		}
		if f.Header().StreamID != streamID {
			if gf, ok := f.(*http2.GoAwayFrame); ok {
				c.t.Fatalf("unexpected GOAWAY %v", gf.ErrCode)
			}
			continue
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			resp.Header = append(resp.Header, f.Fields...)
			if f.StreamEnded() {
				return resp
			}
		case *http2.DataFrame:
			resp.Body = append(resp.Body, f.Data()...)
			if f.StreamEnded() {
				return resp
			}
		case *http2.RSTStreamFrame:
			resp.Reset = true
			resp.ResetCode = f.ErrCode
			return resp
		}
	}
}
