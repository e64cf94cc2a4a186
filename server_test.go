package h2engine

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"github.com/imroc/h2engine/internal/tests"
)

type serverTester struct {
	t      *testing.T
	srv    *Server
	cfg    *Config
	addr   string
	cancel context.CancelFunc
	done   chan error
}

func newServerTester(t *testing.T, modify func(c *Config)) *serverTester {
	return startServerTester(t, modify, nil)
}

// startServerTester is newServerTester with a chance to change the
// Server before it starts serving.
func startServerTester(t *testing.T, modify func(c *Config), setup func(srv *Server)) *serverTester {
	cfg := DefaultConfig()
	cfg.TLS = false
	cfg.DocumentRoot = t.TempDir()
	cfg.ServerName = "h2engine-test"
	cfg.Logger = NewLogger(io.Discard, "", 0)
	if modify != nil {
		modify(cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if setup != nil {
		setup(srv)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &serverTester{
		t:      t,
		srv:    srv,
		cfg:    srv.cfg,
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		st.done <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(st.stop)
	return st
}

func (st *serverTester) stop() {
	st.cancel()
	select {
	case err := <-st.done:
		if err != nil {
			st.t.Errorf("Serve() = %v", err)
		}
		st.done <- nil
	case <-time.After(10 * time.Second):
		st.t.Errorf("server did not shut down")
	}
}

func (st *serverTester) writeFile(name, content string) os.FileInfo {
	path := filepath.Join(st.cfg.DocumentRoot, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		st.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		st.t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		st.t.Fatal(err)
	}
	return fi
}

func (st *serverTester) dial() *tests.H2Conn {
	c, err := net.Dial("tcp", st.addr)
	if err != nil {
		st.t.Fatal(err)
	}
	st.t.Cleanup(func() { c.Close() })
	h := tests.NewH2Conn(st.t, c)
	h.Greet()
	return h
}

func request(c *tests.H2Conn, id uint32, method, path string, endStream bool, kv ...string) {
	hdr := append([]string{
		":method", method,
		":scheme", "https",
		":authority", "example.com",
		":path", path,
	}, kv...)
	c.WriteHeaders(id, endStream, hdr...)
}

func get(c *tests.H2Conn, id uint32, path string, kv ...string) *tests.H2Response {
	request(c, id, "GET", path, true, kv...)
	return c.ReadResponse(id)
}

func TestStaticFile(t *testing.T) {
	st := newServerTester(t, nil)
	content := strings.Repeat("x", 41) + "\n"
	fi := st.writeFile("index.html", content)

	resp := get(st.dial(), 1, "/index.html")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, ":status", resp.Header[0].Name)
	tests.AssertEqual(t, "42", resp.Get("content-length"))
	tests.AssertEqual(t, fi.ModTime().UTC().Format(http.TimeFormat), resp.Get("last-modified"))
	tests.AssertEqual(t, "h2engine-test", resp.Get("server"))
	if _, err := http.ParseTime(resp.Get("date")); err != nil {
		t.Errorf("bad date header %q: %v", resp.Get("date"), err)
	}
	tests.AssertEqual(t, content, string(resp.Body))
}

func TestDirectoryIndex(t *testing.T) {
	st := newServerTester(t, nil)
	st.writeFile("docs/index.html", "<p>docs</p>")
	c := st.dial()
	resp := get(c, 1, "/docs/")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "<p>docs</p>", string(resp.Body))

	resp = get(c, 3, "/docs")
	tests.AssertEqual(t, "200", resp.Status())
}

func TestEmptyFile(t *testing.T) {
	st := newServerTester(t, nil)
	st.writeFile("empty.txt", "")
	resp := get(st.dial(), 1, "/empty.txt")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "0", resp.Get("content-length"))
	tests.AssertEqual(t, 0, len(resp.Body))
}

func TestTraversalRejected(t *testing.T) {
	var mapped bool
	st := newServerTester(t, func(c *Config) {
		c.Hooks.MapToStorage = func(r *Request) { mapped = true }
	})
	resp := get(st.dial(), 1, "/../etc/passwd")
	tests.AssertEqual(t, "503", resp.Status())
	tests.AssertEqual(t, "text/html; charset=utf-8", resp.Get("content-type"))
	tests.AssertEqual(t, errorMessage(503), string(resp.Body))
	tests.AssertEqual(t, strconv.Itoa(len(errorMessage(503))), resp.Get("content-length"))
	tests.AssertEqual(t, false, mapped)
}

func TestEncodedTraversalRejected(t *testing.T) {
	st := newServerTester(t, nil)
	resp := get(st.dial(), 1, "/a/%2E%2E/%2E%2E/etc/passwd")
	tests.AssertEqual(t, "503", resp.Status())
}

func TestNotFound(t *testing.T) {
	st := newServerTester(t, nil)
	resp := get(st.dial(), 1, "/missing.html")
	tests.AssertEqual(t, "404", resp.Status())
	tests.AssertEqual(t, errorMessage(404), string(resp.Body))
	tests.AssertContains(t, string(resp.Body), "404 not found", true)
}

func TestAccessChecker(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.Hooks.AccessChecker = func(r *Request) {
			if r.HeadersIn().Get("authorization") == "" {
				r.SetStatus(401)
			}
		}
	})
	st.writeFile("secret.txt", "s3cr3t")
	c := st.dial()
	resp := get(c, 1, "/secret.txt")
	tests.AssertEqual(t, "401", resp.Status())
	tests.AssertEqual(t, errorMessage(401), string(resp.Body))

	resp = get(c, 3, "/secret.txt", "authorization", "Basic Zm9vOmJhcg==")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "s3cr3t", string(resp.Body))
}

func TestMapToStorage(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.Hooks.MapToStorage = func(r *Request) {
			if r.URI() == "/alias" {
				r.SetFilename(filepath.Join(r.DocumentRoot(), "real.txt"))
			}
			r.HeadersOut().Add("x-mapped", r.Filename())
		}
	})
	st.writeFile("real.txt", "real")
	resp := get(st.dial(), 1, "/alias")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "real", string(resp.Body))
	tests.AssertEqual(t, filepath.Join(st.cfg.DocumentRoot, "real.txt"), resp.Get("x-mapped"))
	// Hook headers stay ahead of the ones added for the file.
	tests.AssertEqual(t, ":status", resp.Header[0].Name)
	tests.AssertEqual(t, "x-mapped", resp.Header[1].Name)
}

func TestContentHook(t *testing.T) {
	var mu sync.Mutex
	var logged []string
	st := newServerTester(t, func(c *Config) {
		c.Hooks.Content = func(r *Request, w io.Writer) {
			if r.URI() == "/teapot" {
				r.SetStatus(418)
				return
			}
			r.HeadersOut().Set("content-type", "text/plain")
			r.Echo("method=" + r.Method())
			io.WriteString(w, "args="+r.Args())
		}
		c.Hooks.Fixups = func(r *Request) {
			r.HeadersOut().Add("x-phase", r.Phase().String())
		}
		c.Hooks.Logging = func(r *Request) {
			mu.Lock()
			defer mu.Unlock()
			err := r.SetStatus(500)
			logged = append(logged, r.URI()+" "+strconv.Itoa(r.Status())+" "+strconv.FormatBool(errors.Is(err, ErrStatusInLogging)))
		}
	})
	c := st.dial()
	resp := get(c, 1, "/hello?a=1")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "text/plain", resp.Get("content-type"))
	tests.AssertEqual(t, "fixups", resp.Get("x-phase"))
	tests.AssertEqual(t, "method=GET\nargs=?a=1", string(resp.Body))

	resp = get(c, 3, "/teapot")
	tests.AssertEqual(t, "418", resp.Status())
	tests.AssertEqual(t, errorMessage(418), string(resp.Body))

	mu.Lock()
	defer mu.Unlock()
	tests.AssertEqual(t, []string{"/hello 200 true", "/teapot 418 true"}, logged)
}

func TestFixupsChangeStatus(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.Hooks.Content = func(r *Request, w io.Writer) {
			io.WriteString(w, "created")
		}
		c.Hooks.Fixups = func(r *Request) {
			r.SetStatus(201)
			r.HeadersOut().Add("Bad Name", "dropped")
		}
	})
	resp := get(st.dial(), 1, "/")
	tests.AssertEqual(t, "201", resp.Status())
	tests.AssertEqual(t, "", resp.Get("bad name"))
	tests.AssertEqual(t, "created", string(resp.Body))
}

func TestHookPanicResetsStream(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.Hooks.Content = func(r *Request, w io.Writer) {
			if r.URI() == "/panic" {
				panic("boom")
			}
			io.WriteString(w, "ok")
		}
	})
	c := st.dial()
	resp := get(c, 1, "/panic")
	tests.AssertEqual(t, true, resp.Reset)
	tests.AssertEqual(t, http2.ErrCodeInternal, resp.ResetCode)

	resp = get(c, 3, "/fine")
	tests.AssertEqual(t, "ok", string(resp.Body))
}

func TestScript(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.Hooks.MapToStorage = func(r *Request) {
			if strings.HasSuffix(r.Filename(), ".rb") {
				if r.Args() == "?shared" {
					r.EnableSharedScript()
				} else {
					r.EnableScript()
				}
			}
		}
		c.Script = ScriptRunnerFunc(func(r *Request, filename string, shared bool, w io.Writer) error {
			if strings.HasSuffix(filename, "fail.rb") {
				return errors.New("syntax error")
			}
			b, err := os.ReadFile(filename)
			if err != nil {
				return err
			}
			io.WriteString(w, "ran "+string(b)+" shared="+strconv.FormatBool(shared))
			return nil
		})
	})
	fi := st.writeFile("hello.rb", "hello")
	st.writeFile("fail.rb", "fail")
	c := st.dial()

	resp := get(c, 1, "/hello.rb")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "ran hello shared=false", string(resp.Body))
	tests.AssertEqual(t, fi.ModTime().UTC().Format(http.TimeFormat), resp.Get("last-modified"))

	resp = get(c, 3, "/hello.rb?shared")
	tests.AssertEqual(t, "ran hello shared=true", string(resp.Body))

	resp = get(c, 5, "/fail.rb")
	tests.AssertEqual(t, "503", resp.Status())
	tests.AssertEqual(t, errorMessage(503), string(resp.Body))

	resp = get(c, 7, "/missing.rb")
	tests.AssertEqual(t, true, resp.Reset)
	tests.AssertEqual(t, http2.ErrCodeInternal, resp.ResetCode)
}

func TestScriptWithoutRunner(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.Hooks.MapToStorage = func(r *Request) { r.EnableScript() }
	})
	st.writeFile("x.rb", "x")
	resp := get(st.dial(), 1, "/x.rb")
	tests.AssertEqual(t, "503", resp.Status())
}

func TestRequestBodyAndHeaders(t *testing.T) {
	type seen struct {
		body      string
		headers   int
		clientIP  string
		userAgent string
	}
	got := make(chan seen, 1)
	st := newServerTester(t, func(c *Config) {
		c.Hooks.Content = func(r *Request, w io.Writer) {
			got <- seen{string(r.Body()), r.HeadersIn().Len(), r.ClientIP(), r.UserAgent()}
		}
	})
	c := st.dial()
	kv := []string{"user-agent", "tester"}
	for i := 0; i < HeaderMax+10; i++ {
		kv = append(kv, "x-h"+strconv.Itoa(i), "v")
	}
	request(c, 1, "POST", "/form", false, kv...)
	c.WriteData(1, false, []byte("hello "))
	c.WriteData(1, true, []byte("world"))
	resp := c.ReadResponse(1)
	tests.AssertEqual(t, "200", resp.Status())

	s := <-got
	tests.AssertEqual(t, "hello world", s.body)
	tests.AssertEqual(t, HeaderMax, s.headers)
	tests.AssertEqual(t, "127.0.0.1", s.clientIP)
	tests.AssertEqual(t, "tester", s.userAgent)
}

func TestNoConnectionRecord(t *testing.T) {
	ip := make(chan string, 1)
	st := newServerTester(t, func(c *Config) {
		c.ConnectionRecord = false
		c.Hooks.Content = func(r *Request, w io.Writer) { ip <- r.ClientIP() }
	})
	get(st.dial(), 1, "/")
	tests.AssertEqual(t, "", <-ip)
}

func TestLargeFileFlowControl(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.WriteBufferLimitSize = 1024
	})
	content := strings.Repeat("0123456789abcdef", 20000)
	st.writeFile("big.bin", content)

	conn, err := net.Dial("tcp", st.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	c := tests.NewH2Conn(t, conn)
	c.WritePreface()
	c.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1 << 20})
	c.WantSettings()
	tests.AssertNoError(t, c.Fr.WriteSettingsAck())
	tests.AssertNoError(t, c.Fr.WriteWindowUpdate(0, 1<<20))

	resp := get(c, 1, "/big.bin")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, strconv.Itoa(len(content)), resp.Get("content-length"))
	tests.AssertEqual(t, len(content), len(resp.Body))
	tests.AssertEqual(t, content, string(resp.Body))
}

func TestConcurrentStreams(t *testing.T) {
	st := newServerTester(t, nil)
	st.writeFile("a.txt", "aaa")
	st.writeFile("b.txt", "bbb")
	c := st.dial()
	request(c, 1, "GET", "/a.txt", true)
	request(c, 3, "GET", "/b.txt", true)
	bodies := map[uint32]string{}
	ended := 0
	for ended < 2 {
		f, err := c.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if df, ok := f.(*http2.DataFrame); ok {
			bodies[df.StreamID] += string(df.Data())
			if df.StreamEnded() {
				ended++
			}
		}
	}
	tests.AssertEqual(t, "aaa", bodies[1])
	tests.AssertEqual(t, "bbb", bodies[3])
}

func TestServerStats(t *testing.T) {
	st := startServerTester(t, func(c *Config) {
		c.ServerStatus = true
	}, func(srv *Server) {
		srv.SetHooks(Hooks{Content: srv.StatusHandler()})
	})
	c := st.dial()
	resp := get(c, 1, "/server-status")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertContains(t, string(resp.Body), "total stream requests: 1", true)
	tests.AssertContains(t, string(resp.Body), "connected sessions: 1", true)

	if !tests.WaitCondition(5*time.Second, 5*time.Millisecond, func() bool {
		return st.srv.Stats().ActiveStreams == 0
	}) {
		t.Fatalf("active streams = %d; want 0", st.srv.Stats().ActiveStreams)
	}
	stats := st.srv.Stats()
	tests.AssertEqual(t, int64(1), stats.TotalStreamRequests)
	tests.AssertEqual(t, int64(1), stats.TotalSessionRequests)
	tests.AssertEqual(t, int64(1), stats.ConnectedSessions)

	resp = get(c, 3, "/server-status?json")
	tests.AssertEqual(t, "application/json", resp.Get("content-type"))
	tests.AssertContains(t, string(resp.Body), `"total_stream_requests":2`, true)
}

func TestStatsDisabled(t *testing.T) {
	st := newServerTester(t, nil)
	st.writeFile("a.txt", "a")
	get(st.dial(), 1, "/a.txt")
	tests.AssertEqual(t, Stats{}, st.srv.Stats())
}

func TestGracefulShutdown(t *testing.T) {
	st := newServerTester(t, nil)
	c := st.dial()
	st.cancel()
	for {
		f, err := c.ReadFrame()
		if err != nil {
			t.Fatalf("reading GOAWAY: %v", err)
		}
		if gf, ok := f.(*http2.GoAwayFrame); ok {
			tests.AssertEqual(t, http2.ErrCodeNo, gf.ErrCode)
			break
		}
	}
	select {
	case err := <-st.done:
		tests.AssertNoError(t, err)
		st.done <- nil
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// A peer that opened its windows and then stopped reading must not keep
// Serve from returning after the drain deadline.
func TestShutdownWithStalledReader(t *testing.T) {
	st := newServerTester(t, nil)
	st.writeFile("huge.bin", strings.Repeat("x", 64<<20))

	conn, err := net.Dial("tcp", st.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	c := tests.NewH2Conn(t, conn)
	c.WritePreface()
	c.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: 1<<31 - 1})
	c.WantSettings()
	tests.AssertNoError(t, c.Fr.WriteSettingsAck())
	tests.AssertNoError(t, c.Fr.WriteWindowUpdate(0, 1<<31-1-65535))
	request(c, 1, "GET", "/huge.bin", true)
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	st.cancel()
	select {
	case err := <-st.done:
		tests.AssertNoError(t, err)
		st.done <- nil
	case <-time.After(drainTimeout + 5*time.Second):
		t.Fatalf("Serve still blocked %v after shutdown", time.Since(start))
	}
	if elapsed := time.Since(start); elapsed > drainTimeout+2*time.Second {
		t.Fatalf("Serve returned after %v; want about %v", elapsed, drainTimeout)
	}
}

// Streams in flight when the GOAWAY goes out may still finish, even if
// the session is woken again while draining.
func TestDrainKeepsInFlightStreams(t *testing.T) {
	st := newServerTester(t, nil)
	content := strings.Repeat("abcdefghij", 10000)
	st.writeFile("page.txt", content)
	c := st.dial()
	request(c, 1, "GET", "/page.txt", true)

	// The default 65535 byte window stalls the response.
	var body []byte
	for len(body) < 65535 {
		f, err := c.ReadFrame()
		if err != nil {
			t.Fatal(err)
		}
		if df, ok := f.(*http2.DataFrame); ok {
			body = append(body, df.Data()...)
		}
	}

	st.cancel()
	for {
		f, err := c.ReadFrame()
		if err != nil {
			t.Fatalf("reading GOAWAY: %v", err)
		}
		if gf, ok := f.(*http2.GoAwayFrame); ok {
			tests.AssertEqual(t, http2.ErrCodeNo, gf.ErrCode)
			tests.AssertEqual(t, uint32(1), gf.LastStreamID)
			break
		}
	}
	st.srv.wakeSessions()
	time.Sleep(100 * time.Millisecond)

	tests.AssertNoError(t, c.Fr.WriteWindowUpdate(0, uint32(len(content))))
	tests.AssertNoError(t, c.Fr.WriteWindowUpdate(1, uint32(len(content))))
	resp := c.ReadResponse(1)
	tests.AssertEqual(t, false, resp.Reset)
	body = append(body, resp.Body...)
	tests.AssertEqual(t, len(content), len(body))
	tests.AssertEqual(t, content, string(body))

	select {
	case err := <-st.done:
		tests.AssertNoError(t, err)
		st.done <- nil
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestBadPrefaceClosesSession(t *testing.T) {
	st := newServerTester(t, nil)
	conn, err := net.Dial("tcp", st.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	io.WriteString(conn, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadAll(conn)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("session was not closed after a bad preface")
	}
}

func selfSignedCert(t *testing.T) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestTLS(t *testing.T) {
	cert := selfSignedCert(t)
	st := newServerTester(t, func(c *Config) {
		c.TLS = true
		c.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	})
	st.writeFile("index.html", "secure")

	conn, err := tls.Dial("tcp", st.addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	tests.AssertEqual(t, "h2", conn.ConnectionState().NegotiatedProtocol)
	c := tests.NewH2Conn(t, conn)
	c.Greet()
	resp := get(c, 1, "/index.html")
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "secure", string(resp.Body))
}

func TestTLSWithoutALPN(t *testing.T) {
	cert := selfSignedCert(t)
	st := newServerTester(t, func(c *Config) {
		c.TLS = true
		c.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	})
	conn, err := tls.Dial("tcp", st.addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	if err == nil {
		t.Fatal("expected the session to be closed without h2")
	}
}

func TestNewServerTLSCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Key = "testdata/missing.key"
	cfg.Crt = "testdata/missing.crt"
	_, err := NewServer(cfg)
	if err == nil {
		t.Fatal("expected an error loading missing key pair")
	}

	cfg = DefaultConfig()
	cfg.TLS = false
	cfg.Logger = NewLogger(io.Discard, "", 0)
	srv, err := NewServer(cfg)
	tests.AssertNoError(t, err)
	tests.AssertIsNil(t, srv.tlsConfig)
	srv.SetTLSConfig(&tls.Config{Certificates: []tls.Certificate{selfSignedCert(t)}})
	tests.AssertNotNil(t, srv.tlsConfig)
	tests.AssertEqual(t, []string{"h2"}, srv.tlsConfig.NextProtos)
}

// upstreamOrigin is a minimal HTTP/1.1 origin recording the raw request
// lines it receives. An empty reply from respond closes the connection
// without answering.
type upstreamOrigin struct {
	ln       net.Listener
	mu       sync.Mutex
	requests [][]string
	bodies   []string
	respond  func(lines []string) string
}

func newUpstreamOrigin(t *testing.T, respond func(lines []string) string) *upstreamOrigin {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	o := &upstreamOrigin{ln: ln, respond: respond}
	t.Cleanup(func() { ln.Close() })
	go o.serve()
	return o
}

func (o *upstreamOrigin) port() int {
	return o.ln.Addr().(*net.TCPAddr).Port
}

func (o *upstreamOrigin) serve() {
	for {
		c, err := o.ln.Accept()
		if err != nil {
			return
		}
		go o.handle(c)
	}
}

func (o *upstreamOrigin) handle(c net.Conn) {
	defer c.Close()
	br := bufio.NewReader(c)
	for {
		var lines []string
		length := 0
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSuffix(line, "\r\n")
			if line == "" {
				break
			}
			lines = append(lines, line)
			if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
				length, _ = strconv.Atoi(v)
			}
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(br, body); err != nil {
			return
		}
		o.mu.Lock()
		o.requests = append(o.requests, lines)
		o.bodies = append(o.bodies, string(body))
		o.mu.Unlock()
		reply := o.respond(lines)
		if reply == "" {
			return
		}
		if _, err := io.WriteString(c, reply); err != nil {
			return
		}
	}
}

func (o *upstreamOrigin) request(i int) ([]string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[i], o.bodies[i]
}

func (o *upstreamOrigin) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func proxyTester(t *testing.T, o *upstreamOrigin, modify func(u *Upstream)) *serverTester {
	return newServerTester(t, func(c *Config) {
		c.Upstream = true
		c.Hooks.MapToStorage = func(r *Request) {
			u := r.Upstream()
			u.SetHost("127.0.0.1")
			u.SetPort(o.port())
			u.SetURI(r.PercentEncodeURI())
			if modify != nil {
				modify(u)
			}
		}
	})
}

func TestUpstreamLocationRewrite(t *testing.T) {
	var o *upstreamOrigin
	o = newUpstreamOrigin(t, func(lines []string) string {
		return "HTTP/1.1 302 Found\r\n" +
			"Location: http://127.0.0.1:" + strconv.Itoa(o.port()) + "/x\r\n" +
			"Via: 1.1 origin\r\n" +
			"Keep-Alive: timeout=5\r\n" +
			"X-Origin: yes\r\n" +
			"Content-Length: 5\r\n" +
			"\r\n" +
			"moved"
	})
	st := proxyTester(t, o, nil)
	c := st.dial()
	resp := get(c, 1, "/go%20there?q=1")
	tests.AssertEqual(t, "302", resp.Status())
	tests.AssertEqual(t, ":status", resp.Header[0].Name)
	tests.AssertEqual(t, "https://example.com/x", resp.Get("location"))
	tests.AssertEqual(t, "h2engine-test", resp.Get("via"))
	tests.AssertEqual(t, "yes", resp.Get("x-origin"))
	tests.AssertEqual(t, "", resp.Get("keep-alive"))
	tests.AssertEqual(t, "5", resp.Get("content-length"))
	tests.AssertEqual(t, "moved", string(resp.Body))

	lines, _ := o.request(0)
	tests.AssertEqual(t, "GET /go%20there?q=1 HTTP/1.1", lines[0])
	tests.AssertEqual(t, "Host: 127.0.0.1:"+strconv.Itoa(o.port()), lines[1])

	// The connection to the origin is reused.
	resp = get(c, 3, "/again")
	tests.AssertEqual(t, "302", resp.Status())
	lines, _ = o.request(1)
	tests.AssertEqual(t, "GET /again HTTP/1.1", lines[0])
}

func TestUpstreamCookiesAndBody(t *testing.T) {
	o := newUpstreamOrigin(t, func(lines []string) string {
		return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	})
	st := proxyTester(t, o, func(u *Upstream) { u.SetKeepAlive(false) })
	c := st.dial()
	request(c, 1, "POST", "/submit", false,
		"cookie", "a=1",
		"x-custom", "v",
		"cookie", "b=2")
	c.WriteData(1, true, []byte("hello"))
	resp := c.ReadResponse(1)
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "ok", string(resp.Body))
	tests.AssertEqual(t, "h2engine-test", resp.Get("via"))

	lines, body := o.request(0)
	tests.AssertEqual(t, "POST /submit HTTP/1.1", lines[0])
	tests.AssertEqual(t, "Connection: close", lines[2])
	tests.AssertEqual(t, "x-custom: v", lines[3])
	tests.AssertEqual(t, "Cookie: a=1; b=2; ", lines[4])
	tests.AssertEqual(t, "Content-Length: 5", lines[5])
	tests.AssertEqual(t, "hello", body)
}

func TestUpstreamMethodFallback(t *testing.T) {
	o := newUpstreamOrigin(t, func(lines []string) string {
		return "HTTP/1.0 204 No Content\r\n\r\n"
	})
	st := proxyTester(t, o, func(u *Upstream) { u.SetProtoMinor(0) })
	resp := get(st.dial(), 1, "/thing")
	tests.AssertEqual(t, "204", resp.Status())

	st2 := proxyTester(t, o, nil)
	c := st2.dial()
	request(c, 1, "DELETE", "/thing", true)
	resp = c.ReadResponse(1)
	tests.AssertEqual(t, "204", resp.Status())
	lines, _ := o.request(0)
	tests.AssertEqual(t, "GET /thing HTTP/1.0", lines[0])
	lines, _ = o.request(1)
	tests.AssertEqual(t, "GET /thing HTTP/1.1", lines[0])
}

func TestUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	st := newServerTester(t, func(c *Config) {
		c.Upstream = true
		c.Hooks.MapToStorage = func(r *Request) {
			r.Upstream().SetHost("127.0.0.1")
			r.Upstream().SetPort(port)
			r.Upstream().SetTimeout(2 * time.Second)
		}
	})
	resp := get(st.dial(), 1, "/")
	tests.AssertEqual(t, true, resp.Reset)
	tests.AssertEqual(t, http2.ErrCodeInternal, resp.ResetCode)
}

func TestUpstreamTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	st := newServerTester(t, func(c *Config) {
		c.Upstream = true
		c.Hooks.MapToStorage = func(r *Request) {
			r.Upstream().SetHost("127.0.0.1")
			r.Upstream().SetPort(port)
			r.Upstream().SetTimeout(300 * time.Millisecond)
		}
	})
	start := time.Now()
	resp := get(st.dial(), 1, "/slow")
	tests.AssertEqual(t, true, resp.Reset)
	tests.AssertEqual(t, http2.ErrCodeInternal, resp.ResetCode)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("reset after %v with a 300ms upstream timeout", elapsed)
	}
}

// keepAliveThenHangUp answers the first request and hangs up on the
// second without replying.
func keepAliveThenHangUp() func(lines []string) string {
	var mu sync.Mutex
	n := 0
	return func(lines []string) string {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 2 {
			return ""
		}
		return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	}
}

func TestUpstreamRetryOnClosedKeepAlive(t *testing.T) {
	o := newUpstreamOrigin(t, keepAliveThenHangUp())
	st := proxyTester(t, o, nil)
	c := st.dial()
	resp := get(c, 1, "/first")
	tests.AssertEqual(t, "200", resp.Status())

	resp = get(c, 3, "/second")
	tests.AssertEqual(t, false, resp.Reset)
	tests.AssertEqual(t, "200", resp.Status())
	tests.AssertEqual(t, "ok", string(resp.Body))
	tests.AssertEqual(t, 3, o.count())
	lines, _ := o.request(2)
	tests.AssertEqual(t, "GET /second HTTP/1.1", lines[0])
}

func TestUpstreamPostNotRetried(t *testing.T) {
	o := newUpstreamOrigin(t, keepAliveThenHangUp())
	st := proxyTester(t, o, nil)
	c := st.dial()
	resp := get(c, 1, "/first")
	tests.AssertEqual(t, "200", resp.Status())

	request(c, 3, "POST", "/submit", false)
	c.WriteData(3, true, []byte("hello"))
	resp = c.ReadResponse(3)
	tests.AssertEqual(t, true, resp.Reset)
	tests.AssertEqual(t, http2.ErrCodeInternal, resp.ResetCode)
	tests.AssertEqual(t, 2, o.count())
	_, body := o.request(1)
	tests.AssertEqual(t, "hello", body)
}

func TestUpstreamDisabled(t *testing.T) {
	st := newServerTester(t, func(c *Config) {
		c.Hooks.MapToStorage = func(r *Request) {
			r.Upstream().SetHost("127.0.0.1")
		}
	})
	st.writeFile("local.txt", "local")
	resp := get(st.dial(), 1, "/local.txt")
	tests.AssertEqual(t, "local", string(resp.Body))
}

func TestRewriteLocation(t *testing.T) {
	tests.AssertEqual(t, "https://front/x", rewriteLocation("http://origin:8080/x", "origin:8080", "front", "https"))
	tests.AssertEqual(t, "http://front/x", rewriteLocation("http://origin:8080/x", "origin:8080", "front", "http"))
	tests.AssertEqual(t, "/relative", rewriteLocation("/relative", "origin:8080", "front", "https"))
	tests.AssertEqual(t, "https://other/x", rewriteLocation("https://other/x", "origin:8080", "front", "https"))
}
