// Command h2get fetches a URL over HTTP/2 and writes the body to stdout.
//
//	h2get [flags] URL
//
// "https" URLs negotiate h2 with ALPN, "http" URLs use prior knowledge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/imroc/h2engine"
	"github.com/imroc/h2engine/pkg/h2client"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not in 'Name: value' form", v)
	}
	*h = append(*h, v)
	return nil
}

var fingerprints = map[string]utls.ClientHelloID{
	"go":      utls.HelloGolang,
	"chrome":  utls.HelloChrome_Auto,
	"firefox": utls.HelloFirefox_Auto,
	"safari":  utls.HelloSafari_Auto,
	"edge":    utls.HelloEdge_Auto,
}

func main() {
	var (
		headers     headerFlags
		method      = flag.String("X", "", "request method (default GET, or POST with -d)")
		data        = flag.String("d", "", "request body; implies POST")
		contentType = flag.String("type", "application/x-www-form-urlencoded", "content type of -d")
		include     = flag.Bool("i", false, "print the status line and response headers")
		insecure    = flag.Bool("k", false, "skip server certificate verification")
		user        = flag.String("u", "", "digest credentials as user:password")
		fingerprint = flag.String("fingerprint", "go", "TLS ClientHello to imitate: go, chrome, firefox, safari, edge")
		raw         = flag.Bool("raw", false, "do not decompress or charset-decode the body")
		timeout     = flag.Duration("timeout", 30*time.Second, "overall request timeout")
		verbose     = flag.Bool("v", false, "log connection details to stderr")
	)
	flag.Var(&headers, "H", "extra request header, may be repeated")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] URL\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	c := h2client.New().SetTimeout(*timeout)
	if *verbose {
		c.SetLogger(h2engine.NewLogger(os.Stderr, "", log.Ltime))
	}
	id, ok := fingerprints[*fingerprint]
	if !ok {
		log.Fatalf("unknown fingerprint %q", *fingerprint)
	}
	c.SetTLSFingerprint(id)
	if *insecure {
		c.EnableInsecureSkipVerify()
	}
	for _, h := range headers {
		k, v, _ := strings.Cut(h, ":")
		c.SetHeader(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	if *user != "" {
		name, pass, _ := strings.Cut(*user, ":")
		c.SetDigestAuth(name, pass)
	}
	if *raw {
		c.DisableAutoDecompress().DisableAutoDecodeText()
	}
	if *include {
		c.OnResponseHeader(func(resp *h2client.Response) {
			printHeader(resp)
		})
	}
	c.OnData(func(b []byte) {
		os.Stdout.Write(b)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m := *method
	var body []byte
	if *data != "" {
		body = []byte(*data)
		if m == "" {
			m = http.MethodPost
		}
	}
	if m == "" {
		m = http.MethodGet
	}
	var (
		resp *h2client.Response
		err  error
	)
	if m == http.MethodPost && body != nil {
		resp, err = c.Post(ctx, flag.Arg(0), *contentType, body)
	} else {
		resp, err = c.Do(ctx, m, flag.Arg(0), body)
	}
	c.CloseIdleConnections()
	if err != nil {
		log.Fatal(err)
	}
	if !resp.IsSuccess() {
		os.Exit(1)
	}
}

func printHeader(resp *h2client.Response) {
	fmt.Fprintf(os.Stdout, "%s %d\n", resp.Proto, resp.StatusCode)
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			fmt.Fprintf(os.Stdout, "%s: %s\n", strings.ToLower(k), v)
		}
	}
	fmt.Fprintln(os.Stdout)
}
