package rpc

import (
	"html/template"
	"io/fs"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"pupervisord/internal/process"
	"pupervisord/web"
)

// htmlAdapter is the read-only HTML surface of spec.md §4.H: "a thin
// adapter over the same control calls." It never touches Supervisor or
// Process state directly -- every action goes through the same
// callContext.onLoop hand-off the control-call endpoint uses, so the two
// surfaces can never observe different invariants.
type htmlAdapter struct {
	srv  *Server
	tmpl *template.Template
}

func newHTMLAdapter(s *Server) *htmlAdapter {
	tmpl, err := template.ParseFS(web.GetTemplatesFS(), "*.html")
	if err != nil {
		// A broken template set is a build-time defect, not a runtime
		// one; fall back to an empty template set so the RPC endpoint
		// still works even if web/templates is ever stripped from a build.
		tmpl = template.New("empty")
	}
	return &htmlAdapter{srv: s, tmpl: tmpl}
}

func staticFS() fs.FS { return web.GetStaticFS() }

type dashboardRow struct {
	Name         string
	State        string
	Pid          int
	Uptime       string
	Description  string
	RestartCount int
}

type dashboardData struct {
	Identifier string
	Rows       []dashboardRow
	Now        string
}

func (h *htmlAdapter) index(w http.ResponseWriter, r *http.Request) {
	ctx := &callContext{server: h.srv, session: &session{disconnected: r.Context().Done()}}

	var infos []process.Info
	var id string
	ctx.onLoop(func() {
		id = h.srv.sup.Identifier()
		for _, p := range h.srv.sup.Processes() {
			infos = append(infos, p.Info())
		}
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	data := dashboardData{Identifier: id, Now: time.Now().Format(time.RFC3339)}
	for _, info := range infos {
		uptime := ""
		if info.State == process.Running && !info.Start.IsZero() {
			uptime = time.Since(info.Start).Round(time.Second).String()
		}
		data.Rows = append(data.Rows, dashboardRow{
			Name:         info.Name,
			State:        info.State.String(),
			Pid:          info.Pid,
			Uptime:       uptime,
			Description:  info.Description,
			RestartCount: info.RestartCount,
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		http.Error(w, "internal server error rendering dashboard", http.StatusInternalServerError)
	}
}

// action returns a handler for the start/stop/restart form posts, each a
// thin wrapper over the matching registry method so the HTML surface and
// the control-call endpoint can never diverge in behavior.
func (h *htmlAdapter) action(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		ctx := &callContext{server: h.srv, session: &session{disconnected: r.Context().Done()}}

		var method string
		switch verb {
		case "start":
			method = "supervisor.startProcess"
		case "stop":
			method = "supervisor.stopProcess"
		case "restart":
			method = "supervisor.restartProcess"
		}
		params := []interface{}{name, false}
		if verb == "restart" {
			params = []interface{}{name}
		}
		h.srv.dispatch(ctx, Call{Method: method, Params: params})
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}
