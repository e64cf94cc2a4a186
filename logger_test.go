package h2engine

import (
	"bytes"
	"log"
	"testing"

	"github.com/imroc/h2engine/internal/tests"
)

func TestLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewLogger(buf, "", log.Ldate|log.Lmicroseconds)
	l.Errorf("bad %s", "thing")
	tests.AssertContains(t, buf.String(), "error [h2engine] bad thing", true)
	buf.Reset()
	l.Warnf("careful")
	tests.AssertContains(t, buf.String(), "warn [h2engine] careful", true)
}

func TestFromStandardLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	l := NewFromStandardLogger(log.New(buf, "", 0))
	l.Debugf("n=%d", 3)
	tests.AssertEqual(t, "DEBUG [h2engine] n=3\n", buf.String())
}

func TestDebugOnlyWhenEnabled(t *testing.T) {
	buf := new(bytes.Buffer)
	cfg := DefaultConfig()
	cfg.TLS = false
	cfg.Logger = NewLogger(buf, "", 0)
	srv, err := NewServer(cfg)
	tests.AssertNoError(t, err)
	srv.debugf("hidden")
	tests.AssertEqual(t, "", buf.String())
	srv.cfg.Debug = true
	srv.debugf("shown")
	tests.AssertContains(t, buf.String(), "shown", true)
}
