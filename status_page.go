package h2engine

import (
	"encoding/json"
	"io"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// StatusHandler returns a Content hook that renders the worker counters
// as text, or as JSON when the query is "?json". The counters are only
// kept with Config.ServerStatus on.
func (srv *Server) StatusHandler() func(r *Request, w io.Writer) {
	p := message.NewPrinter(language.English)
	return func(r *Request, w io.Writer) {
		st := srv.Stats()
		if r.Args() == "?json" {
			r.HeadersOut().Set("content-type", "application/json")
			json.NewEncoder(w).Encode(struct {
				Pid int `json:"pid"`
				Stats
			}{os.Getpid(), st})
			return
		}
		r.HeadersOut().Set("content-type", "text/plain; charset=utf-8")
		if !srv.cfg.ServerStatus {
			io.WriteString(w, "server status is disabled\n")
			return
		}
		p.Fprintf(w, "pid: %d\n", os.Getpid())
		if slot, ok := WorkerSlot(); ok {
			p.Fprintf(w, "worker: %d\n", slot)
		}
		p.Fprintf(w, "total stream requests: %d\n", st.TotalStreamRequests)
		p.Fprintf(w, "total session requests: %d\n", st.TotalSessionRequests)
		p.Fprintf(w, "connected sessions: %d\n", st.ConnectedSessions)
		p.Fprintf(w, "active streams: %d\n", st.ActiveStreams)
	}
}
