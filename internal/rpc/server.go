package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/user"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"pupervisord/internal/eventloop"
	"pupervisord/internal/logging"
	"pupervisord/internal/supervisor"
)

// session is one ClientSession of spec.md §4.H: a correlation id (for
// activity-log grepping) and a disconnected signal that every wait=true
// handler selects against, satisfying the "disconnected sessions must be
// unparked and discarded" cancellation clause.
type session struct {
	id           xid.ID
	disconnected <-chan struct{}
}

// Server is the RPC control-call endpoint and HTML adapter of spec.md
// §4.H: a gorilla/mux router in front of the method Registry, with HTTP
// Basic auth and a batched multi-call wire format. It listens on its own
// net/http goroutines, but every touch of Supervisor/Process state is
// funneled back onto the event loop's goroutine via callContext.onLoop,
// preserving spec.md §5's single-writer invariant.
type Server struct {
	sup  *supervisor.Supervisor
	loop *eventloop.Loop
	log  *logging.Logger

	pid      int
	username string
	password string

	registry *Registry
	router   *mux.Router
	listener net.Listener
	http     *http.Server

	html *htmlAdapter
}

// New constructs a Server bound to sup's Supervisor and loop, but does
// not yet listen on anything; call Bind then Serve.
func New(sup *supervisor.Supervisor, loop *eventloop.Loop, log *logging.Logger) *Server {
	s := &Server{
		sup:      sup,
		loop:     loop,
		log:      log,
		pid:      os.Getpid(),
		username: sup.Config().Supervisord.HTTPUsername,
		password: sup.Config().Supervisord.HTTPPassword,
	}
	s.registry = s.buildRegistry()
	s.html = newHTMLAdapter(s)
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)
	r.HandleFunc("/RPC2", s.handleControlCall).Methods(http.MethodPost)
	r.HandleFunc("/", s.html.index).Methods(http.MethodGet)
	r.HandleFunc("/process/{name}/start", s.html.action("start")).Methods(http.MethodPost)
	r.HandleFunc("/process/{name}/stop", s.html.action("stop")).Methods(http.MethodPost)
	r.HandleFunc("/process/{name}/restart", s.html.action("restart")).Methods(http.MethodPost)
	staticHandler := http.FileServer(http.FS(staticFS()))
	r.PathPrefix("/static/").Handler(http.StripPrefix("/static/", staticHandler))
	return r
}

// Bind opens the configured listener -- TCP host:port or a UNIX-domain
// socket with the configured mode/ownership -- before the supervisor
// drops privileges, per spec.md §5's ordering requirement.
func (s *Server) Bind() error {
	sc := s.sup.Config().Supervisord
	if sc.HTTPAddr == "" {
		return nil
	}
	if sc.HTTPIsUnix {
		os.Remove(sc.HTTPAddr)
		l, err := net.Listen("unix", sc.HTTPAddr)
		if err != nil {
			return errors.Wrapf(err, "listening on unix socket %s", sc.HTTPAddr)
		}
		if sc.SockChmod != 0 {
			os.Chmod(sc.HTTPAddr, sc.SockChmod)
		}
		if sc.SockChownUser != "" {
			chownSocket(sc.HTTPAddr, sc.SockChownUser, sc.SockChownGroup)
		}
		s.listener = l
		return nil
	}
	l, err := net.Listen("tcp", sc.HTTPAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", sc.HTTPAddr)
	}
	s.listener = l
	return nil
}

func chownSocket(path, userName, group string) {
	u, err := user.Lookup(userName)
	if err != nil {
		return
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	if group != "" {
		if g, err := user.LookupGroup(group); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	os.Chown(path, uid, gid)
}

// Serve starts accepting connections on a dedicated goroutine; it
// returns immediately, mirroring the teacher's fire-and-forget
// http.Server.ListenAndServe-in-a-goroutine shape from cmd/server/main.go.
func (s *Server) Serve() {
	if s.listener == nil {
		return
	}
	s.http = &http.Server{Handler: s.router}
	go func() {
		if err := s.http.Serve(s.listener); err != nil && err != http.ErrServerClosed && s.log != nil {
			s.log.Warn("rpc server stopped", zap.Error(err))
		}
	}()
}

// Shutdown stops accepting new connections and unlinks a UNIX-domain
// socket path, per spec.md §5 ("on UNIX-domain sockets the path is
// unlinked at shutdown").
func (s *Server) Shutdown(ctx context.Context) {
	if s.http == nil {
		return
	}
	s.http.Shutdown(ctx)
	if s.sup.Config().Supervisord.HTTPIsUnix {
		os.Remove(s.sup.Config().Supervisord.HTTPAddr)
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.username == "" && s.password == "" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || u != s.username || p != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+s.sup.Identifier()+`"`)
			http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleControlCall implements the control-call endpoint: the body is
// either a single Call object or a JSON array of them (the batched
// multi-call form), and the response mirrors that shape one-for-one in
// request order, per spec.md §4.H.
func (s *Server) handleControlCall(w http.ResponseWriter, r *http.Request) {
	sess := &session{id: xid.New(), disconnected: r.Context().Done()}
	ctx := &callContext{server: s, session: sess}

	var batch []Call
	wasBatch, ok := decodeCallOrBatch(r, &batch)
	if !ok {
		writeJSON(w, http.StatusBadRequest, &Response{Fault: fault(FaultIncorrectParams, "malformed request body")})
		return
	}

	responses := make([]Response, len(batch))
	for i, call := range batch {
		responses[i] = s.dispatch(ctx, call)
	}

	if !wasBatch {
		writeJSON(w, http.StatusOK, responses[0])
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) dispatch(ctx *callContext, call Call) Response {
	m, ok := s.registry.lookup(call.Method)
	if !ok {
		return Response{Fault: fault(FaultUnknownMethod, "unknown method %q", call.Method)}
	}
	result, f := m.fn(ctx, call.Params)
	if f != nil {
		return Response{Fault: f}
	}
	return Response{Result: result}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

