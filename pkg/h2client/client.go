// Package h2client is a small HTTP/2 only client, used to talk to an
// h2engine server (or any other h2 server) from tools and tests.
//
// TLS connections are made with uTLS so the ClientHello can be shaped
// like a browser's; plain "http" URLs are sent with prior knowledge
// (h2c) instead of an Upgrade dance.
package h2client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/imroc/h2engine"
	"github.com/imroc/h2engine/internal/compress"
	"github.com/imroc/h2engine/internal/netutil"
)

// ErrNotH2 is returned when the TLS peer did not select h2 with ALPN.
var ErrNotH2 = errors.New("h2client: server did not negotiate h2")

// Client sends requests over HTTP/2. The zero value is not usable; call
// New.
type Client struct {
	hc  *http.Client
	h2  *http2.Transport
	h2c *http2.Transport

	serverName string
	rootCAs    *x509.CertPool
	insecure   bool
	hello      utls.ClientHelloID
	dialer     net.Dialer

	header             http.Header
	username, password string

	disableDecompress bool
	disableDecodeText bool

	onHeader func(*Response)
	onData   func(b []byte)

	log h2engine.Logger
}

// New returns a Client with a Go-like TLS fingerprint, transparent
// decompression and charset decoding enabled.
func New() *Client {
	c := &Client{
		hello:  utls.HelloGolang,
		header: make(http.Header),
		log:    h2engine.NewLogger(io.Discard, "", 0),
	}
	c.dialer.Timeout = 30 * time.Second
	c.h2 = &http2.Transport{
		DialTLSContext:     c.dialTLS,
		DisableCompression: true,
	}
	c.h2c = &http2.Transport{
		AllowHTTP:          true,
		DialTLSContext:     c.dialPlain,
		DisableCompression: true,
	}
	c.hc = &http.Client{
		Transport: roundTripper{c},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return errors.New("stopped after 10 redirects")
			}
			return nil
		},
	}
	return c
}

type roundTripper struct{ c *Client }

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.URL.Scheme {
	case "http":
		return rt.c.h2c.RoundTrip(req)
	case "https":
		return rt.c.h2.RoundTrip(req)
	}
	return nil, fmt.Errorf("h2client: unsupported scheme %q", req.URL.Scheme)
}

// SetLogger set the logger for the client, set to nil to disable logger.
func (c *Client) SetLogger(log h2engine.Logger) *Client {
	if log == nil {
		log = h2engine.NewLogger(io.Discard, "", 0)
	}
	c.log = log
	return c
}

// SetTimeout sets the timeout of a whole request, including the
// redirects and the digest retry.
func (c *Client) SetTimeout(d time.Duration) *Client {
	c.hc.Timeout = d
	return c
}

// SetDialTimeout bounds establishing the TCP connection.
func (c *Client) SetDialTimeout(d time.Duration) *Client {
	c.dialer.Timeout = d
	return c
}

// SetTLSFingerprint picks the ClientHello to imitate, e.g.
// utls.HelloChrome_Auto.
func (c *Client) SetTLSFingerprint(id utls.ClientHelloID) *Client {
	c.hello = id
	return c
}

// SetRootCAs sets the pool used to verify server certificates.
func (c *Client) SetRootCAs(pool *x509.CertPool) *Client {
	c.rootCAs = pool
	return c
}

// SetServerName overrides the SNI sent to the server.
func (c *Client) SetServerName(name string) *Client {
	c.serverName = name
	return c
}

// EnableInsecureSkipVerify disables certificate verification.
func (c *Client) EnableInsecureSkipVerify() *Client {
	c.insecure = true
	return c
}

// SetHeader sets a header sent with every request.
func (c *Client) SetHeader(key, value string) *Client {
	c.header.Set(key, value)
	return c
}

// SetDigestAuth answers a 401 Digest challenge with the given
// credentials, retrying the request once.
func (c *Client) SetDigestAuth(username, password string) *Client {
	c.username, c.password = username, password
	return c
}

// DisableAutoDecompress keeps the Content-Encoding of response bodies.
func (c *Client) DisableAutoDecompress() *Client {
	c.disableDecompress = true
	return c
}

// DisableAutoDecodeText keeps text bodies in their original charset.
func (c *Client) DisableAutoDecodeText() *Client {
	c.disableDecodeText = true
	return c
}

// OnResponseHeader registers fn to be called once the response headers
// are in, before the body is read.
func (c *Client) OnResponseHeader(fn func(resp *Response)) *Client {
	c.onHeader = fn
	return c
}

// OnData registers fn to be called with every chunk of the decoded
// response body as it arrives. The slice is only valid during the call.
func (c *Client) OnData(fn func(b []byte)) *Client {
	c.onData = fn
	return c
}

// CloseIdleConnections closes any connections which were previously
// connected from previous requests but are now sitting idle.
func (c *Client) CloseIdleConnections() {
	c.h2.CloseIdleConnections()
	c.h2c.CloseIdleConnections()
}

func (c *Client) dialPlain(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
	return c.dialer.DialContext(ctx, network, addr)
}

func (c *Client) dialTLS(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
	host, _ := netutil.AuthorityHostPort("https", addr)
	conn, err := c.dialer.DialContext(ctx, network, netutil.AuthorityAddr("https", addr))
	if err != nil {
		return nil, err
	}
	serverName := c.serverName
	if serverName == "" {
		serverName = cfg.ServerName
	}
	if serverName == "" {
		serverName = host
	}
	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         serverName,
		RootCAs:            c.rootCAs,
		InsecureSkipVerify: c.insecure,
		NextProtos:         []string{http2.NextProtoTLS},
	}, c.hello)
	if err := uconn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if p := uconn.ConnectionState().NegotiatedProtocol; p != http2.NextProtoTLS {
		conn.Close()
		return nil, fmt.Errorf("%w (got %q)", ErrNotH2, p)
	}
	c.log.Debugf("h2client: connected to %s (%s)", addr, serverName)
	return uconn, nil
}

// Get is a shorthand for Do with the GET method and no body.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil)
}

// Post sends body with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, body, contentType)
}

// Do sends one request and reads the whole response body.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	return c.do(ctx, method, url, body, "")
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte, contentType string) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	for k, vv := range c.header {
		req.Header[k] = append([]string(nil), vv...)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !c.disableDecompress && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", compress.AcceptEncoding)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string) (*Response, error) {
	req, err := c.newRequest(ctx, method, url, body, contentType)
	if err != nil {
		return nil, err
	}
	hr, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if hr.StatusCode == http.StatusUnauthorized && c.username != "" {
		if auth, err := createDigestAuth(req, hr, c.username, c.password); err == nil {
			hr.Body.Close()
			req, err = c.newRequest(ctx, method, url, body, contentType)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", auth)
			if hr, err = c.hc.Do(req); err != nil {
				return nil, err
			}
		} else {
			c.log.Debugf("h2client: no usable digest challenge: %v", err)
		}
	}
	defer hr.Body.Close()
	return c.readResponse(hr)
}

func (c *Client) readResponse(hr *http.Response) (*Response, error) {
	resp := &Response{
		StatusCode: hr.StatusCode,
		Proto:      hr.Proto,
		Header:     hr.Header,
		Request:    hr.Request,
	}
	var body io.Reader = hr.Body
	if enc := hr.Header.Get("Content-Encoding"); enc != "" && !c.disableDecompress {
		if zr := compress.NewReader(hr.Body, enc); zr != nil {
			defer zr.Close()
			body = zr
			resp.ContentEncoding = zr.Encoding()
			hr.Header.Del("Content-Encoding")
			hr.Header.Del("Content-Length")
		}
	}
	if c.onHeader != nil {
		c.onHeader(resp)
	}

	var buf bytes.Buffer
	chunk := make([]byte, 32<<10)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if c.onData != nil {
				c.onData(chunk[:n])
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return resp, err
		}
	}
	resp.Body = buf.Bytes()
	resp.Trailer = hr.Trailer

	if !c.disableDecodeText && bodyIsText(hr.Header.Get("Content-Type")) {
		if b, name, ok := decodeText(resp.Body, hr.Header.Get("Content-Type")); ok {
			c.log.Debugf("h2client: decoded body from charset %s", name)
			resp.Body = b
			resp.Charset = name
		}
	}
	return resp, nil
}

// Response is a fully read HTTP/2 response.
type Response struct {
	StatusCode int
	Proto      string
	Header     http.Header
	Trailer    http.Header
	Body       []byte

	// ContentEncoding is the coding that was removed from Body, if any.
	ContentEncoding string
	// Charset is the charset Body was converted to UTF-8 from, if any.
	Charset string

	Request *http.Request
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// String returns the body as a string.
func (r *Response) String() string {
	return string(r.Body)
}

// GetHeader returns the first value of key, with the pseudo header
// ":status" answered from the status code.
func (r *Response) GetHeader(key string) string {
	if strings.EqualFold(key, ":status") {
		return fmt.Sprint(r.StatusCode)
	}
	return r.Header.Get(key)
}
