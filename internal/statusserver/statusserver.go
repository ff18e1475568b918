// Package statusserver exposes a read-only HTTP status endpoint for a
// running receiver, logged with the retrieval pack's Apache-combined
// style access log (github.com/gorilla/handlers), mirroring
// fileserverclient.go's myLogFormatter. It never participates in the
// transfer itself: the receiver engine publishes snapshots to it
// through an atomic pointer, and a stalled or absent HTTP client
// cannot block the core state machine.
package statusserver

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
)

// Snapshot is the JSON body served at GET /status.
type Snapshot struct {
	State             string    `json:"state"`
	Filename          string    `json:"filename,omitempty"`
	TotalRecords      uint32    `json:"total_records,omitempty"`
	RecordsReceived   uint32    `json:"records_received,omitempty"`
	BlastsReceived    int       `json:"blasts_received"`
	DatagramsReceived int       `json:"datagrams_received"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Server serves the current Snapshot over HTTP. Build one with New,
// which sets the access-log destination and an initial "starting"
// snapshot; the zero value has no access-log writer.
type Server struct {
	snapshot  atomic.Pointer[Snapshot]
	accessLog io.Writer
	httpSrv   *http.Server
}

// New builds a Server; accessLog receives one formatted line per
// request (os.Stdout is the usual choice, matching the teacher's
// default log destination).
func New(accessLog io.Writer) *Server {
	s := &Server{accessLog: accessLog}
	s.snapshot.Store(&Snapshot{State: "starting", UpdatedAt: time.Now()})
	return s
}

// Update replaces the published snapshot. Safe to call from the
// receiver engine's goroutine while ListenAndServe runs concurrently.
func (s *Server) Update(snap Snapshot) {
	snap.UpdatedAt = time.Now()
	s.snapshot.Store(&snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot.Load()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// ListenAndServe binds addr and blocks until the server shuts down or
// fails. Callers typically run it in its own goroutine.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	logged := handlers.CustomLoggingHandler(s.accessLog, mux, accessLogFormatter)
	s.httpSrv = &http.Server{Addr: addr, Handler: logged}
	return s.httpSrv.ListenAndServe()
}

// Close shuts the HTTP server down, if it was started.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Close()
}

// accessLogFormatter mirrors fileserverclient.go's myLogFormatter: an
// Apache-combined-style line with the client IP, X-Forwarded-For, and
// any Basic-Auth username resolved (status endpoint carries none
// today, but the shape is kept for parity with the rest of the stack).
func accessLogFormatter(w io.Writer, params handlers.LogFormatterParams) {
	ip, _, err := net.SplitHostPort(params.Request.RemoteAddr)
	if err != nil {
		ip = params.Request.RemoteAddr
	}
	xfwd := params.Request.Header.Get("X-Forwarded-For")
	if xfwd == "" {
		xfwd = "-"
	}
	username := "-"
	if auth := params.Request.Header.Get("Authorization"); strings.HasPrefix(auth, "Basic ") {
		if u, _, ok := params.Request.BasicAuth(); ok && u != "" {
			username = u
		}
	}
	io.WriteString(w, ip+" "+xfwd+" "+username+" ["+params.TimeStamp.Format("02/Jan/2006:15:04:05 -0700")+"] \""+
		params.Request.Method+" "+params.Request.RequestURI+" "+params.Request.Proto+"\" "+
		strconv.Itoa(params.StatusCode)+" "+strconv.Itoa(params.Size)+"\n")
}
