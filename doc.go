/*
Package h2engine is an embeddable HTTP/2 server.

Every completed request stream runs through a fixed pipeline: storage
mapping, access checking, content generation, response fixups and
logging. Each phase can be hooked. A response comes from a static file
below the document root, an embedded script, an inline content hook or
an upstream HTTP/1.x origin.

	cfg := h2engine.DefaultConfig()
	cfg.Port = 8443
	cfg.Key, cfg.Crt = "server.key", "server.crt"
	cfg.Hooks.Content = func(r *h2engine.Request, w io.Writer) {
		fmt.Fprintf(w, "hello %s\n", r.ClientIP())
	}
	srv, err := h2engine.NewServer(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Fatal(srv.ListenAndServe(ctx))

With Config.Worker set, a Supervisor runs that many worker processes
which share the port with SO_REUSEPORT.
*/
package h2engine
