package http2

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Callbacks binds an Engine to its owner. Every callback runs on the
// goroutine calling Recv or Send.
type Callbacks struct {
	// Send is handed serialized frames. It returns how many bytes it
	// took, or ErrWouldBlock if it can not take any right now.
	Send func(p []byte) (int, error)

	// OnBeginHeaders is called when a HEADERS frame opens a new stream,
	// before any of its header fields.
	OnBeginHeaders func(streamID uint32) error

	// OnHeader is called for each decoded header field.
	OnHeader func(streamID uint32, f hpack.HeaderField) error

	// OnFrameRecv is called when a HEADERS (once the header block is
	// complete) or DATA frame was processed.
	OnFrameRecv func(fh http2.FrameHeader) error

	// OnDataChunk is called with the payload of each DATA frame.
	OnDataChunk func(streamID uint32, data []byte) error

	// OnStreamClose is called once per stream, after it was closed by
	// either side or completed.
	OnStreamClose func(streamID uint32, code http2.ErrCode) error
}

// Option configures an Engine.
type Option func(e *Engine)

// WithLogf sets the function verbose logs go through.
func WithLogf(fn func(format string, args ...interface{})) Option {
	return func(e *Engine) {
		e.logFunc = fn
	}
}

// WithMaxDataReadLength limits how many bytes a DataProvider is asked
// for at once. The peer's max frame size and flow control windows
// still apply.
func WithMaxDataReadLength(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.readLengthMax = n
		}
	}
}

// WithMaxHeaderListSize bounds the decoded size of one header block, as
// defined for SETTINGS_MAX_HEADER_LIST_SIZE. It also bounds any single
// header string.
func WithMaxHeaderListSize(n uint32) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxHeaderListSize = n
		}
	}
}

// frameSource hands exactly one buffered frame to the framer.
type frameSource struct {
	b []byte
}

func (s *frameSource) Read(p []byte) (int, error) {
	if len(s.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.b)
	s.b = s.b[n:]
	return n, nil
}

// headerBlock is the header block being decoded; it may span a
// HEADERS frame and any number of CONTINUATION frames.
type headerBlock struct {
	streamID uint32
	header   http2.FrameHeader
	skip     bool
	err      error

	size     uint32 // decoded header list size so far
	tooLarge bool
}

// Engine is the server side of one HTTP/2 connection.
type Engine struct {
	cb      Callbacks
	logFunc func(format string, args ...interface{})

	fr   *http2.Framer
	src  frameSource
	wbuf bytes.Buffer // serialized frames not yet taken by Send
	hbuf bytes.Buffer
	henc *hpack.Encoder
	hdec *hpack.Decoder

	inbuf       []byte
	prefaceLeft int
	sawSettings bool
	block       headerBlock

	streams      map[uint32]*stream
	dataq        []uint32 // streams with a data provider, round robin
	closing      []uint32 // streams waiting for OnStreamClose
	lastStreamID uint32

	sendFlow flow
	recvFlow inflow

	peerInitialWindow  int32
	peerMaxFrameSize   uint32
	localInitialWindow int32
	localMaxStreams    uint32
	maxReadFrameSize   uint32
	readLengthMax      int
	maxHeaderListSize  uint32
	unackedSettings    int
	dataBuf            []byte

	goAwaySent bool
	goAwayRecv bool
	terminated bool
	err        error
}

// NewServerEngine returns an Engine expecting the client preface.
func NewServerEngine(cb Callbacks, opts ...Option) *Engine {
	e := &Engine{
		cb:                 cb,
		streams:            make(map[uint32]*stream),
		prefaceLeft:        len(ClientPreface),
		peerInitialWindow:  initialWindowSize,
		peerMaxFrameSize:   initialMaxFrameSize,
		localInitialWindow: initialWindowSize,
		localMaxStreams:    math.MaxUint32,
		maxReadFrameSize:   initialMaxFrameSize,
		readLengthMax:      initialMaxFrameSize,
		maxHeaderListSize:  DefaultMaxHeaderListSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sendFlow.add(initialWindowSize)
	e.recvFlow.init(initialWindowSize)
	e.fr = http2.NewFramer(&e.wbuf, &e.src)
	e.fr.SetMaxReadFrameSize(e.maxReadFrameSize)
	e.henc = hpack.NewEncoder(&e.hbuf)
	e.hdec = hpack.NewDecoder(initialHeaderTableSize, e.emitHeader)
	e.hdec.SetMaxStringLength(int(e.maxHeaderListSize))
	return e
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.logFunc != nil {
		e.logFunc(format, args...)
		return
	}
	if VerboseLogs {
		log.Printf(format, args...)
	}
}

// Recv processes inbound bytes. Incomplete frames are kept until more
// bytes arrive. A non-nil error means the session is over; frames
// queued before it (e.g. GOAWAY) may still be flushed with Send.
func (e *Engine) Recv(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	e.inbuf = append(e.inbuf, p...)
	if e.prefaceLeft > 0 {
		if err := e.readPreface(); err != nil {
			e.err = err
			return 0, err
		}
		if e.prefaceLeft > 0 {
			return len(p), nil
		}
	}
	err := e.readFrames()
	if cerr := e.flushCloses(); err == nil {
		err = cerr
	}
	if err != nil {
		e.err = err
		return len(p), err
	}
	return len(p), nil
}

func (e *Engine) readPreface() error {
	off := len(ClientPreface) - e.prefaceLeft
	n := e.prefaceLeft
	if len(e.inbuf) < n {
		n = len(e.inbuf)
	}
	if string(e.inbuf[:n]) != ClientPreface[off:off+n] {
		return ErrBadClientMagic
	}
	e.inbuf = e.inbuf[n:]
	e.prefaceLeft -= n
	return nil
}

func (e *Engine) readFrames() error {
	for !e.terminated {
		if len(e.inbuf) < frameHeaderLen {
			break
		}
		length := uint32(e.inbuf[0])<<16 | uint32(e.inbuf[1])<<8 | uint32(e.inbuf[2])
		if length > e.maxReadFrameSize {
			return e.terminate(http2.ErrCodeFrameSize)
		}
		n := frameHeaderLen + int(length)
		if len(e.inbuf) < n {
			break
		}
		e.src.b = e.inbuf[:n]
		f, err := e.fr.ReadFrame()
		e.inbuf = e.inbuf[n:]
		if err == nil {
			if logFrameReads {
				e.logf("http2: engine read frame %v", f.Header())
			}
			err = e.processFrame(f)
		}
		if err = e.handleError(err); err != nil {
			return err
		}
	}
	if len(e.inbuf) == 0 {
		e.inbuf = nil
	}
	return nil
}

// handleError turns a frame processing error into a stream reset or a
// GOAWAY. Only fatal errors are returned.
func (e *Engine) handleError(err error) error {
	if err == nil {
		return nil
	}
	var se http2.StreamError
	var ce http2.ConnectionError
	switch {
	case errors.As(err, &se):
		e.logf("http2: resetting stream %d: %v", se.StreamID, se)
		return e.SubmitRstStream(se.StreamID, se.Code)
	case errors.As(err, &ce):
		return e.terminate(http2.ErrCode(ce))
	case errors.Is(err, http2.ErrFrameTooLarge):
		return e.terminate(http2.ErrCodeFrameSize)
	case errors.Is(err, ErrCallbackFailure):
		return err
	}
	e.logf("http2: engine closing connection: %v", err)
	return e.terminate(http2.ErrCodeProtocol)
}

// terminate queues a GOAWAY and stops reading.
func (e *Engine) terminate(code http2.ErrCode) error {
	if !e.goAwaySent {
		e.fr.WriteGoAway(e.lastStreamID, code, nil)
		e.goAwaySent = true
	}
	e.terminated = true
	return http2.ConnectionError(code)
}

func (e *Engine) callbackError(streamID uint32, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTemporalCallbackFailure) {
		return e.SubmitRstStream(streamID, http2.ErrCodeInternal)
	}
	return fmt.Errorf("%w: %v", ErrCallbackFailure, err)
}

func (e *Engine) processFrame(f http2.Frame) error {
	// First frame received must be SETTINGS.
	if !e.sawSettings {
		if _, ok := f.(*http2.SettingsFrame); !ok {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		e.sawSettings = true
	}
	if e.block.streamID != 0 && !isHeaderBlockFrame(f.Header().Type) {
		// A header block must not be interleaved with other frames.
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return e.processSettings(f)
	case *http2.HeadersFrame:
		return e.processHeaders(f)
	case *http2.ContinuationFrame:
		return e.processContinuation(f)
	case *http2.DataFrame:
		return e.processData(f)
	case *http2.WindowUpdateFrame:
		return e.processWindowUpdate(f)
	case *http2.PingFrame:
		return e.processPing(f)
	case *http2.RSTStreamFrame:
		return e.processResetStream(f)
	case *http2.GoAwayFrame:
		e.logf("http2: received GOAWAY %+v", f)
		e.goAwayRecv = true
		return nil
	case *http2.PushPromiseFrame:
		// A client cannot push.
		return http2.ConnectionError(http2.ErrCodeProtocol)
	default:
		// PRIORITY and unknown frames carry nothing we act on.
		return nil
	}
}

func (e *Engine) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		e.unackedSettings--
		if e.unackedSettings < 0 {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	if err := f.ForeachSetting(e.processSetting); err != nil {
		return err
	}
	return e.fr.WriteSettingsAck()
}

func (e *Engine) processSetting(s http2.Setting) error {
	if err := s.Valid(); err != nil {
		return err
	}
	switch s.ID {
	case http2.SettingHeaderTableSize:
		e.henc.SetMaxDynamicTableSize(s.Val)
	case http2.SettingInitialWindowSize:
		growth := int32(s.Val) - e.peerInitialWindow
		e.peerInitialWindow = int32(s.Val)
		for _, st := range e.streams {
			if !st.sendFlow.add(growth) {
				return http2.ConnectionError(http2.ErrCodeFlowControl)
			}
		}
	case http2.SettingMaxFrameSize:
		e.peerMaxFrameSize = s.Val
	}
	return nil
}

func (e *Engine) processHeaders(f *http2.HeadersFrame) error {
	id := f.StreamID
	// Streams initiated by a client MUST use odd-numbered stream
	// identifiers.
	if id%2 != 1 {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	e.block = headerBlock{streamID: id, header: f.FrameHeader}
	var pending error
	st := e.streams[id]
	switch {
	case st != nil:
		// Trailers.
		if st.closing {
			e.block.skip = true
		} else if st.remoteEnded {
			e.block.skip = true
			pending = http2.StreamError{StreamID: id, Code: http2.ErrCodeStreamClosed}
		} else if !f.StreamEnded() {
			e.block.skip = true
			pending = http2.StreamError{StreamID: id, Code: http2.ErrCodeProtocol}
		}
	case id <= e.lastStreamID:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	default:
		e.lastStreamID = id
		switch {
		case e.goAwaySent:
			e.block.skip = true
		case uint32(e.openStreams()) >= e.localMaxStreams:
			e.block.skip = true
			pending = http2.StreamError{StreamID: id, Code: http2.ErrCodeRefusedStream}
		default:
			st = e.newStream(id)
			if err := e.callbackError(id, e.cb.OnBeginHeaders(id)); err != nil {
				return err
			}
		}
	}
	// The block is decoded even when skipped to keep the HPACK
	// dynamic table in sync.
	if err := e.headerFragment(f.HeaderBlockFragment(), f.HeadersEnded()); err != nil {
		return err
	}
	return pending
}

func (e *Engine) processContinuation(f *http2.ContinuationFrame) error {
	if f.StreamID != e.block.streamID {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return e.headerFragment(f.HeaderBlockFragment(), f.HeadersEnded())
}

func (e *Engine) headerFragment(frag []byte, ended bool) error {
	if _, err := e.hdec.Write(frag); err != nil {
		return http2.ConnectionError(http2.ErrCodeCompression)
	}
	if e.block.err != nil {
		return e.block.err
	}
	if !ended {
		return nil
	}
	if err := e.hdec.Close(); err != nil {
		return http2.ConnectionError(http2.ErrCodeCompression)
	}
	blk := e.block
	e.block = headerBlock{}
	if blk.tooLarge {
		e.logf("http2: stream %d header list exceeds %d bytes", blk.streamID, e.maxHeaderListSize)
		return http2.StreamError{StreamID: blk.streamID, Code: http2.ErrCodeProtocol}
	}
	if blk.skip {
		return nil
	}
	st := e.streams[blk.streamID]
	if st == nil || st.closing {
		return nil
	}
	if blk.header.Flags.Has(http2.FlagHeadersEndStream) {
		st.remoteEnded = true
	}
	fh := blk.header
	fh.Flags |= http2.FlagHeadersEndHeaders
	if err := e.callbackError(st.id, e.cb.OnFrameRecv(fh)); err != nil {
		return err
	}
	e.maybeClose(st)
	return nil
}

func (e *Engine) emitHeader(hf hpack.HeaderField) {
	if e.block.skip || e.block.err != nil {
		return
	}
	if e.block.size += hf.Size(); e.block.size > e.maxHeaderListSize {
		// The rest of the block is still decoded to keep the dynamic
		// table in sync, but nothing more is delivered.
		e.block.tooLarge = true
		e.block.skip = true
		return
	}
	st := e.streams[e.block.streamID]
	if st == nil || st.closing {
		return
	}
	if err := e.cb.OnHeader(st.id, hf); err != nil {
		e.block.err = e.callbackError(st.id, err)
	}
}

func (e *Engine) processData(f *http2.DataFrame) error {
	id := f.StreamID
	n := int32(f.Length)
	st := e.streams[id]
	if id == 0 || (st == nil && id > e.lastStreamID) {
		// DATA on stream 0 or on an idle stream.
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	if !e.recvFlow.take(n) {
		return http2.ConnectionError(http2.ErrCodeFlowControl)
	}
	if st == nil || st.closing {
		// Late frames for a stream we already reset or finished.
		return e.consumeConn(n)
	}
	if st.remoteEnded {
		if err := e.consumeConn(n); err != nil {
			return err
		}
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeStreamClosed}
	}
	if !st.recvFlow.take(n) {
		if err := e.consumeConn(n); err != nil {
			return err
		}
		return http2.StreamError{StreamID: id, Code: http2.ErrCodeFlowControl}
	}
	if data := f.Data(); len(data) > 0 {
		if err := e.callbackError(id, e.cb.OnDataChunk(id, data)); err != nil {
			return err
		}
	}
	if err := e.consumeConn(n); err != nil {
		return err
	}
	if st.closing {
		return nil
	}
	if f.StreamEnded() {
		st.remoteEnded = true
		if err := e.callbackError(id, e.cb.OnFrameRecv(f.FrameHeader)); err != nil {
			return err
		}
		e.maybeClose(st)
		return nil
	}
	if incr := st.recvFlow.consume(n); incr > 0 {
		return e.fr.WriteWindowUpdate(id, uint32(incr))
	}
	return nil
}

func (e *Engine) consumeConn(n int32) error {
	if incr := e.recvFlow.consume(n); incr > 0 {
		return e.fr.WriteWindowUpdate(0, uint32(incr))
	}
	return nil
}

func (e *Engine) processWindowUpdate(f *http2.WindowUpdateFrame) error {
	if f.StreamID == 0 {
		if !e.sendFlow.add(int32(f.Increment)) {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		return nil
	}
	st := e.streams[f.StreamID]
	if st == nil {
		if f.StreamID > e.lastStreamID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		// WINDOW_UPDATE may race with the stream finishing.
		return nil
	}
	if !st.sendFlow.add(int32(f.Increment)) {
		return http2.StreamError{StreamID: f.StreamID, Code: http2.ErrCodeFlowControl}
	}
	return nil
}

func (e *Engine) processPing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	if f.StreamID != 0 {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return e.fr.WritePing(true, f.Data)
}

func (e *Engine) processResetStream(f *http2.RSTStreamFrame) error {
	st := e.streams[f.StreamID]
	if st == nil {
		if f.StreamID > e.lastStreamID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	e.closeStream(st, f.ErrCode)
	return nil
}

func (e *Engine) newStream(id uint32) *stream {
	st := &stream{id: id}
	st.sendFlow.setConnFlow(&e.sendFlow)
	st.sendFlow.add(e.peerInitialWindow)
	st.recvFlow.init(e.localInitialWindow)
	e.streams[id] = st
	return st
}

func (e *Engine) openStreams() int {
	n := 0
	for _, st := range e.streams {
		if !st.closing {
			n++
		}
	}
	return n
}

func (e *Engine) maybeClose(st *stream) {
	if st.localEnded && st.remoteEnded {
		e.closeStream(st, http2.ErrCodeNo)
	}
}

func (e *Engine) closeStream(st *stream, code http2.ErrCode) {
	if st.closing {
		return
	}
	e.logf("http2: closing stream %d in state %v: %v", st.id, st.state(), code)
	st.closing = true
	st.closeCode = code
	st.provider = nil
	e.closing = append(e.closing, st.id)
}

func (e *Engine) flushCloses() error {
	for len(e.closing) > 0 {
		id := e.closing[0]
		e.closing = e.closing[1:]
		st, ok := e.streams[id]
		if !ok {
			continue
		}
		err := e.cb.OnStreamClose(id, st.closeCode)
		delete(e.streams, id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCallbackFailure, err)
		}
	}
	e.closing = nil
	return nil
}

// SubmitSettings queues a SETTINGS frame and applies the values which
// govern our side of the connection.
func (e *Engine) SubmitSettings(settings ...http2.Setting) error {
	for _, s := range settings {
		if err := s.Valid(); err != nil {
			return err
		}
	}
	for _, s := range settings {
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			e.localMaxStreams = s.Val
		case http2.SettingInitialWindowSize:
			delta := int32(s.Val) - e.localInitialWindow
			e.localInitialWindow = int32(s.Val)
			for _, st := range e.streams {
				st.recvFlow.avail += delta
				st.recvFlow.size = e.localInitialWindow
			}
		case http2.SettingMaxFrameSize:
			e.maxReadFrameSize = s.Val
			e.fr.SetMaxReadFrameSize(s.Val)
		case http2.SettingMaxHeaderListSize:
			e.maxHeaderListSize = s.Val
			e.hdec.SetMaxStringLength(int(s.Val))
		}
	}
	e.unackedSettings++
	return e.fr.WriteSettings(settings...)
}

// SubmitResponse queues the response headers of a stream. With a nil
// provider the HEADERS frame ends the stream; otherwise the provider is
// pulled by Send until it reports EOF.
func (e *Engine) SubmitResponse(streamID uint32, fields []hpack.HeaderField, provider DataProvider) error {
	st := e.streams[streamID]
	if st == nil || st.closing || st.localEnded {
		return ErrInvalidStream
	}
	if e.terminated {
		return ErrSessionClosing
	}
	if err := e.writeHeaderBlock(streamID, fields, provider == nil); err != nil {
		return err
	}
	if provider == nil {
		st.localEnded = true
		e.maybeClose(st)
		return nil
	}
	st.provider = provider
	e.dataq = append(e.dataq, streamID)
	return nil
}

func (e *Engine) writeHeaderBlock(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	e.hbuf.Reset()
	for _, f := range fields {
		if err := e.henc.WriteField(f); err != nil {
			return err
		}
	}
	block := e.hbuf.Bytes()
	max := int(e.peerMaxFrameSize)
	for first := true; first || len(block) > 0; first = false {
		frag := block
		if len(frag) > max {
			frag = frag[:max]
		}
		block = block[len(frag):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = e.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: frag,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
		} else {
			err = e.fr.WriteContinuation(streamID, endHeaders, frag)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SubmitRstStream queues RST_STREAM and closes the stream. Resetting a
// stream which is already closing is a no-op, so a stream is never
// reset twice.
func (e *Engine) SubmitRstStream(streamID uint32, code http2.ErrCode) error {
	st := e.streams[streamID]
	if st != nil && st.closing {
		return nil
	}
	if err := e.fr.WriteRSTStream(streamID, code); err != nil {
		return err
	}
	if st != nil {
		e.closeStream(st, code)
	}
	return nil
}

// SubmitGoAway queues a GOAWAY. No new streams are accepted afterwards;
// with ErrCodeNo the open ones may still complete.
func (e *Engine) SubmitGoAway(code http2.ErrCode) error {
	if e.goAwaySent {
		return nil
	}
	e.goAwaySent = true
	if code != http2.ErrCodeNo {
		e.terminated = true
	}
	return e.fr.WriteGoAway(e.lastStreamID, code, nil)
}

// SubmitPing queues a PING.
func (e *Engine) SubmitPing(data [8]byte) error {
	return e.fr.WritePing(false, data)
}

// ResumeData makes a deferred stream eligible for Send again.
func (e *Engine) ResumeData(streamID uint32) error {
	st := e.streams[streamID]
	if st == nil || st.closing || st.provider == nil {
		return ErrInvalidStream
	}
	st.deferred = false
	return nil
}

// Send hands queued frames to the Send callback, then pulls data
// providers, until the callback reports ErrWouldBlock or nothing is
// left to send.
func (e *Engine) Send() error {
	for {
		if e.wbuf.Len() == 0 {
			ok, err := e.produceData()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
		}
		n, err := e.cb.Send(e.wbuf.Bytes())
		if n > 0 {
			e.wbuf.Next(n)
		}
		if err == ErrWouldBlock || (n == 0 && err == nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCallbackFailure, err)
		}
	}
	return e.flushCloses()
}

// produceData serializes one DATA frame. It reports whether a frame
// (or a reset) was queued.
func (e *Engine) produceData() (bool, error) {
	if e.terminated {
		return false, nil
	}
	for i := 0; i < len(e.dataq); {
		id := e.dataq[i]
		st := e.streams[id]
		if st == nil || st.closing || st.provider == nil {
			e.dataq = append(e.dataq[:i], e.dataq[i+1:]...)
			continue
		}
		n := int(st.sendFlow.available())
		if n > e.readLengthMax {
			n = e.readLengthMax
		}
		if n > int(e.peerMaxFrameSize) {
			n = int(e.peerMaxFrameSize)
		}
		if st.deferred || n <= 0 {
			i++
			continue
		}
		if cap(e.dataBuf) < n {
			e.dataBuf = make([]byte, n)
		}
		buf := e.dataBuf[:n]
		cnt, eof, err := st.provider(id, buf)
		if err == ErrDeferred || (err == nil && cnt == 0 && !eof) {
			st.deferred = true
			i++
			continue
		}
		e.dataq = append(e.dataq[:i], e.dataq[i+1:]...)
		if err != nil {
			e.logf("http2: data provider of stream %d failed: %v", id, err)
			return true, e.SubmitRstStream(id, http2.ErrCodeInternal)
		}
		if cnt > n {
			cnt = n
		}
		st.sendFlow.take(int32(cnt))
		if err := e.fr.WriteData(id, eof, buf[:cnt]); err != nil {
			return false, err
		}
		if eof {
			st.provider = nil
			st.localEnded = true
			e.maybeClose(st)
		} else {
			e.dataq = append(e.dataq, id)
		}
		return true, nil
	}
	return false, nil
}

// WantRead reports whether the engine wants more inbound bytes.
func (e *Engine) WantRead() bool {
	if e.terminated || e.err != nil {
		return false
	}
	if (e.goAwaySent || e.goAwayRecv) && e.openStreams() == 0 {
		return false
	}
	return true
}

// WantWrite reports whether Send has something to do.
func (e *Engine) WantWrite() bool {
	if e.wbuf.Len() > 0 {
		return true
	}
	if e.terminated || e.sendFlow.available() <= 0 {
		return false
	}
	for _, id := range e.dataq {
		st := e.streams[id]
		if st != nil && !st.closing && st.provider != nil && !st.deferred && st.sendFlow.available() > 0 {
			return true
		}
	}
	return false
}

// StreamUserData returns the value attached to a stream, or nil once
// the stream is gone.
func (e *Engine) StreamUserData(streamID uint32) interface{} {
	if st := e.streams[streamID]; st != nil {
		return st.userData
	}
	return nil
}

// SetStreamUserData attaches v to a stream.
func (e *Engine) SetStreamUserData(streamID uint32, v interface{}) error {
	st := e.streams[streamID]
	if st == nil {
		return ErrInvalidStream
	}
	st.userData = v
	return nil
}

// NumStreams returns the number of streams not yet closed.
func (e *Engine) NumStreams() int {
	return e.openStreams()
}

// LastStreamID returns the highest stream id the client opened.
func (e *Engine) LastStreamID() uint32 {
	return e.lastStreamID
}
