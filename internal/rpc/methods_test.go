package rpc

import (
	"os"
	"syscall"
	"testing"

	"pupervisord/internal/config"
	"pupervisord/internal/eventloop"
	"pupervisord/internal/logging"
	"pupervisord/internal/supervisor"
)

// newTestServer builds a Server around a Supervisor with one program
// ("x", autostart=false) and drives the loop on its own goroutine so
// onLoop's blocking round-trip has somewhere to land. Callers must call
// the returned stop func when done.
func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Supervisord: config.SupervisordConfig{Identifier: "test-supervisor"},
		Programs: []config.ProgramConfig{{
			Name:       "x",
			Argv:       []string{"/bin/true"},
			StartSecs:  1,
			StopSignal: syscall.SIGTERM,
			ExitCodes:  map[int]bool{0: true},
			Stdout:     config.LogSpec{Policy: config.LogExplicit, Path: dir + "/x.stdout.log"},
			Stderr:     config.LogSpec{Policy: config.LogNone},
		}},
	}

	log := logging.New(logging.LevelCritical, nil)
	loop := eventloop.New(func(error) {})

	sup, err := supervisor.New(cfg, "", config.Overrides{}, loop, log)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	if err := sup.Bootstrap(); err != nil {
		t.Fatalf("sup.Bootstrap: %v", err)
	}

	srv := New(sup, loop, log)

	go loop.Run()
	return srv, func() { loop.Shutdown() }
}

func dispatchOK(t *testing.T, srv *Server, method string, params ...interface{}) interface{} {
	t.Helper()
	ctx := &callContext{server: srv, session: &session{disconnected: make(chan struct{})}}
	resp := srv.dispatch(ctx, Call{Method: method, Params: params})
	if resp.Fault != nil {
		t.Fatalf("%s: unexpected fault %v", method, resp.Fault)
	}
	return resp.Result
}

func dispatchFault(t *testing.T, srv *Server, method string, params ...interface{}) *Fault {
	t.Helper()
	ctx := &callContext{server: srv, session: &session{disconnected: make(chan struct{})}}
	resp := srv.dispatch(ctx, Call{Method: method, Params: params})
	if resp.Fault == nil {
		t.Fatalf("%s: expected a fault, got result %v", method, resp.Result)
	}
	return resp.Fault
}

func TestGetVersionAndIdentification(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	if got := dispatchOK(t, srv, "supervisor.getVersion"); got != serverVersion {
		t.Errorf("getVersion = %v, want %v", got, serverVersion)
	}
	if got := dispatchOK(t, srv, "supervisor.getIdentification"); got != "test-supervisor" {
		t.Errorf("getIdentification = %v, want test-supervisor", got)
	}
}

func TestGetProcessInfoUnknownNameFaults(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	f := dispatchFault(t, srv, "supervisor.getProcessInfo", "nope")
	if f.Code != FaultBadName {
		t.Errorf("fault code = %d, want FaultBadName", f.Code)
	}
}

func TestGetAllProcessInfoListsRegisteredProgram(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	got := dispatchOK(t, srv, "supervisor.getAllProcessInfo")
	infos, ok := got.([]interface{})
	if !ok || len(infos) != 1 {
		t.Fatalf("getAllProcessInfo = %v, want a 1-element slice", got)
	}
	m := infos[0].(map[string]interface{})
	if m["name"] != "x" {
		t.Errorf("name = %v, want x", m["name"])
	}
}

func TestStopProcessOnAlreadyStoppedIsANoOpSuccess(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	got := dispatchOK(t, srv, "supervisor.stopProcess", "x", false)
	if got != true {
		t.Errorf("stopProcess on an already-stopped process = %v, want true", got)
	}
}

func TestRestartProcessUnknownNameFaults(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	f := dispatchFault(t, srv, "supervisor.restartProcess", "nope")
	if f.Code != FaultBadName {
		t.Errorf("fault code = %d, want FaultBadName", f.Code)
	}
}

func TestClearProcessLogRemovesTheSinkFile(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	p, ok := srv.sup.Process("x")
	if !ok {
		t.Fatal("process x not found")
	}
	logPath := p.Info().Logfile
	if err := os.WriteFile(logPath, []byte("captured"), 0o644); err != nil {
		t.Fatalf("seeding log file: %v", err)
	}

	got := dispatchOK(t, srv, "supervisor.clearProcessLog", "x")
	if got != true {
		t.Errorf("clearProcessLog = %v, want true", got)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed, stat err = %v", logPath, err)
	}
}

func TestReadProcessLogUnknownNameFaults(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	f := dispatchFault(t, srv, "supervisor.readProcessLog", "nope", int64(0), int64(4096))
	if f.Code != FaultBadName {
		t.Errorf("fault code = %d, want FaultBadName", f.Code)
	}
}

func TestShutdownMarksSupervisorShuttingDown(t *testing.T) {
	srv, stop := newTestServer(t)
	defer stop()

	// The only registered program is never started, so it is already
	// resting: RequestShutdown settles and stops the loop within this
	// single onLoop round-trip, and it is safe to read ShuttingDown
	// afterward since onLoop's done-channel close establishes a
	// happens-before edge with the loop goroutine that set it.
	dispatchOK(t, srv, "supervisor.shutdown")

	if !srv.sup.ShuttingDown() {
		t.Errorf("ShuttingDown() = false, want true after supervisor.shutdown")
	}
}
