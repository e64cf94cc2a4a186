package h2engine

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/imroc/h2engine/internal/ascii"
	h2 "github.com/imroc/h2engine/internal/http2"
)

const indexFile = "index.html"

// processRequest runs the pipeline for a stream whose request is
// complete. Failures of the stream itself end in a reset; only errors
// fatal to the session are returned.
func (s *session) processRequest(st *stream) (err error) {
	if st.truncated {
		return nil
	}
	cfg := s.srv.cfg
	r := &s.r
	r.begin(st, s.connRec)
	defer func() {
		if p := recover(); p != nil {
			s.srv.log.Errorf("stream %d: panic in request pipeline: %v\n%s", st.id, p, debug.Stack())
			s.resetStream(st)
			r.release()
			err = nil
		}
	}()
	r.phase = PhaseReadRequest
	r.refreshDate(time.Now())
	if !st.hasPath {
		r.setStatus(503)
		return s.errorReply(st)
	}
	if !checkPath(st.path) {
		s.srv.debugf("stream %d: invalid path %q", st.id, st.path)
		r.setStatus(503)
		return s.errorReply(st)
	}
	r.filename = cfg.DocumentRoot + st.path

	if cfg.Hooks.MapToStorage != nil {
		r.phase = PhaseMapToStorage
		cfg.Hooks.MapToStorage(r)
	}
	if cfg.Hooks.AccessChecker != nil {
		r.phase = PhaseAccessChecker
		cfg.Hooks.AccessChecker(r)
	}
	if r.status != 0 && r.status != 200 {
		return s.errorReply(st)
	}

	switch {
	case cfg.Upstream && r.upstream != nil && r.upstream.host != "":
		return s.upstreamReply(st)
	case r.script:
		return s.scriptReply(st)
	case cfg.Hooks.Content != nil:
		return s.contentReply(st)
	}
	return s.staticReply(st)
}

func statusForOpenError(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return 404
	case errors.Is(err, fs.ErrPermission):
		return 403
	}
	return 500
}

func (s *session) addCommonHeaders() {
	s.r.headersOut.Add("server", s.srv.cfg.ServerName)
	s.r.headersOut.Add("date", s.r.date)
}

// setBody makes b the response body of st.
func (s *session) setBody(st *stream, b []byte) {
	st.setSource(bytes.NewReader(b), nil, int64(len(b)))
	s.r.contentLength = int64(len(b))
	s.r.headersOut.Add("content-length", strconv.Itoa(len(b)))
}

// errorReply answers with the html page of the current status.
func (s *session) errorReply(st *stream) error {
	r := &s.r
	fixupStatusHeader(&r.headersOut, r.statusLine)
	r.headersOut.Add("date", r.date)
	r.headersOut.Add("server", s.srv.cfg.ServerName)
	r.headersOut.Add("content-type", "text/html; charset=utf-8")
	s.setBody(st, []byte(errorMessage(r.status)))
	return s.submit(st)
}

func (s *session) staticReply(st *stream) error {
	r := &s.r
	f, err := os.Open(r.filename)
	if err != nil {
		s.srv.debugf("stream %d: open %s: %v", st.id, r.filename, err)
		r.setStatus(statusForOpenError(err))
		return s.errorReply(st)
	}
	fi, err := f.Stat()
	if err == nil && fi.IsDir() {
		f.Close()
		r.filename = filepath.Join(r.filename, indexFile)
		if f, err = os.Open(r.filename); err != nil {
			r.setStatus(statusForOpenError(err))
			return s.errorReply(st)
		}
		fi, err = f.Stat()
	}
	if err != nil {
		f.Close()
		s.srv.log.Errorf("stream %d: stat %s: %v", st.id, r.filename, err)
		r.setStatus(500)
		return s.errorReply(st)
	}
	r.refreshLastModified(fi.ModTime())

	// Headers a hook already set stay ahead of ours.
	if r.status == 0 {
		r.setStatus(200)
	}
	fixupStatusHeader(&r.headersOut, r.statusLine)
	s.addCommonHeaders()
	r.contentLength = fi.Size()
	r.headersOut.Add("content-length", strconv.FormatInt(fi.Size(), 10))
	r.headersOut.Add("last-modified", r.lastModified)
	st.setSource(f, f, fi.Size())
	if fi.Size() == 0 {
		st.closeSource()
	}
	return s.submit(st)
}

func (s *session) contentReply(st *stream) error {
	r := &s.r
	r.setStatus(200)
	r.phase = PhaseContent
	s.srv.cfg.Hooks.Content(r, &r.sink)
	fixupStatusHeader(&r.headersOut, r.statusLine)
	s.addCommonHeaders()
	s.setBody(st, s.contentBody())
	return s.submit(st)
}

// contentBody is the sink for 2xx, and the status page otherwise.
func (s *session) contentBody() []byte {
	r := &s.r
	if r.status/100 == 2 {
		return bytes.Clone(r.sink.Bytes())
	}
	return []byte(errorMessage(r.status))
}

func (s *session) scriptReply(st *stream) error {
	r := &s.r
	fi, err := os.Stat(r.filename)
	if err != nil {
		s.srv.log.Warnf("stream %d: script %s: %v", st.id, r.filename, err)
		s.resetStream(st)
		r.release()
		return nil
	}
	r.refreshLastModified(fi.ModTime())
	r.setStatus(200)
	r.phase = PhaseContent
	if runner := s.srv.cfg.Script; runner == nil {
		s.srv.log.Errorf("stream %d: script requested but no script runner is configured", st.id)
		r.setStatus(503)
	} else if err := runner.RunScript(r, r.filename, r.sharedScript, &r.sink); err != nil {
		s.srv.log.Errorf("stream %d: script %s: %v", st.id, r.filename, err)
		r.setStatus(503)
	}
	fixupStatusHeader(&r.headersOut, r.statusLine)
	s.addCommonHeaders()
	r.headersOut.Add("last-modified", r.lastModified)
	s.setBody(st, s.contentBody())
	return s.submit(st)
}

// submit runs the fixups hook, queues the response and runs the logging
// hook. The record is released afterwards.
func (s *session) submit(st *stream) error {
	cfg := s.srv.cfg
	r := &s.r
	if cfg.Hooks.Fixups != nil {
		r.phase = PhaseFixups
		cfg.Hooks.Fixups(r)
	}
	fixupStatusHeader(&r.headersOut, r.statusLine)

	fields := make([]hpack.HeaderField, 0, r.headersOut.Len())
	for _, f := range r.headersOut.Fields() {
		name, ok := ascii.ToLower(f.Name)
		if !ok || !h2.ValidWireHeaderFieldName(name) || !h2.ValidHeaderFieldValue(f.Value) {
			s.srv.log.Warnf("stream %d: dropping invalid response header %q", st.id, f.Name)
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: name, Value: f.Value})
	}
	if !h2.BodyAllowedForStatus(r.status) {
		st.closeSource()
	}
	var provider h2.DataProvider
	if st.readLeft > 0 {
		provider = st.provide
	}
	if err := s.engine.SubmitResponse(st.id, fields, provider); err != nil {
		switch {
		case errors.Is(err, h2.ErrInvalidStream), errors.Is(err, h2.ErrSessionClosing):
			s.srv.debugf("stream %d: response dropped: %v", st.id, err)
			st.closeSource()
		default:
			s.srv.log.Errorf("stream %d: submit response: %v", st.id, err)
			s.resetStream(st)
		}
	}

	r.phase = PhaseLogging
	if cfg.Hooks.Logging != nil {
		cfg.Hooks.Logging(r)
	}
	r.release()
	return nil
}
