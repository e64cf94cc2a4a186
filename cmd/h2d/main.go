// Command h2d serves a document root over HTTP/2.
//
// With -worker N (or "auto") the process becomes a supervisor that runs N
// copies of itself, all accepting on the same port with SO_REUSEPORT, and
// restarts any copy that exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/imroc/h2engine"
)

func main() {
	cfg := h2engine.DefaultConfig()
	var (
		worker     = flag.String("worker", "0", `number of worker processes, or "auto"`)
		statusPage = flag.Bool("status-page", false, "answer every request with the worker status page (enables -status)")
		accessLog  = flag.Bool("access-log", false, "log one line per request")
		noTLS      = flag.Bool("no-tls", false, "serve plaintext HTTP/2 with prior knowledge")
		version    = flag.Bool("version", false, "print the version and exit")
	)
	flag.StringVar(&cfg.ServerHost, "host", cfg.ServerHost, "address to listen on")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	flag.StringVar(&cfg.Key, "key", "", "TLS private key file")
	flag.StringVar(&cfg.Crt, "crt", "", "TLS certificate chain file")
	flag.StringVar(&cfg.DHParamsFile, "dh-params", "", "DH parameters file (ignored)")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "TLS handshake timeout")
	flag.StringVar(&cfg.DocumentRoot, "root", cfg.DocumentRoot, "document root")
	flag.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "value of the server response header")
	flag.BoolVar(&cfg.Daemon, "daemon", false, "detach from the terminal")
	flag.BoolVar(&cfg.Debug, "debug", false, "log protocol level details")
	flag.BoolVar(&cfg.ConnectionRecord, "connection-record", cfg.ConnectionRecord, "record the client address of each connection")
	flag.BoolVar(&cfg.TCPNoPush, "tcp-nopush", false, "cork the socket while flushing frames")
	flag.BoolVar(&cfg.ServerStatus, "status", false, "keep request and session counters")
	flag.BoolVar(&cfg.Upstream, "upstream", false, "allow hooks to proxy requests to an HTTP/1.x upstream")
	flag.StringVar(&cfg.RunUser, "user", "", "user to switch to after binding")
	flag.Uint64Var(&cfg.RlimitNofile, "rlimit-nofile", 0, "open file limit to set at startup")
	flag.IntVar(&cfg.WriteBufferLimitSize, "write-buffer-limit", 0, "output bytes buffered per session before writing")
	flag.IntVar(&cfg.WriteBufferExpandSize, "write-buffer-expand", 0, "initial output buffer capacity per session")
	flag.Parse()

	if *version {
		fmt.Println("h2d", h2engine.Version)
		return
	}
	if *noTLS {
		cfg.TLS = false
	}
	n, err := h2engine.ParseWorker(*worker)
	if err != nil {
		log.Fatal(err)
	}
	cfg.Worker = n
	if *statusPage {
		cfg.ServerStatus = true
	}

	if cfg.Daemon {
		parent, err := h2engine.Daemonize()
		if err != nil {
			log.Fatalf("daemonize: %v", err)
		}
		if parent {
			return
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, isWorker := h2engine.WorkerSlot(); cfg.Worker > 0 && !isWorker {
		sup, err := h2engine.NewSupervisor(cfg.Worker, &h2engine.ExecSpawner{}, nil)
		if err != nil {
			log.Fatal(err)
		}
		if err := sup.Run(ctx); err != nil {
			log.Fatal(err)
		}
		return
	}

	srv, err := h2engine.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}
	srv.SetHooks(hooks(srv, *statusPage, *accessLog))
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatal(err)
	}
}

func hooks(srv *h2engine.Server, statusPage, accessLog bool) h2engine.Hooks {
	var h h2engine.Hooks
	if statusPage {
		h.Content = srv.StatusHandler()
	}
	if accessLog {
		access := log.New(os.Stdout, "", 0)
		h.Logging = func(r *h2engine.Request) {
			access.Printf("%s - - [%s] \"%s %s HTTP/2\" %d %d %q",
				r.ClientIP(), r.Date(), r.Method(), r.UnparsedURI(),
				r.Status(), r.ContentLength(), r.UserAgent())
		}
	}
	return h
}
