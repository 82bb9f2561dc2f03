package process

import (
	"syscall"
	"testing"
	"time"

	"pupervisord/internal/config"
	"pupervisord/internal/eventloop"
	"pupervisord/internal/procutil"
)

func testDeps(loop *eventloop.Loop) Deps {
	return Deps{
		Loop:         loop,
		BackoffLimit: 3,
	}
}

func testCfg(name string) config.ProgramConfig {
	return config.ProgramConfig{
		Name:       name,
		Argv:       []string{"/bin/true"},
		StartSecs:  1,
		StopSignal: syscall.SIGTERM,
		ExitCodes:  map[int]bool{0: true},
		Stdout:     config.LogSpec{Policy: config.LogNone},
		Stderr:     config.LogSpec{Policy: config.LogNone},
	}
}

func TestStartOnAlreadyStartingIsFault(t *testing.T) {
	l := eventloop.New(nil)
	p := New(testCfg("x"), testDeps(l))
	p.state = Starting

	if err := p.Start(); err != ErrAlreadyStarted {
		t.Errorf("Start() on STARTING = %v, want ErrAlreadyStarted", err)
	}
}

func TestStopIsIdempotentOnRestingStates(t *testing.T) {
	l := eventloop.New(nil)
	for _, s := range []State{Stopped, Exited, Fatal} {
		p := New(testCfg("x"), testDeps(l))
		p.state = s
		if err := p.Stop(); err != nil {
			t.Errorf("Stop() on %v = %v, want nil", s, err)
		}
		if p.state != s {
			t.Errorf("Stop() on %v changed state to %v", s, p.state)
		}
	}
}

func TestStopFromBackoffCancelsTimerAndGoesToStopped(t *testing.T) {
	l := eventloop.New(nil)
	p := New(testCfg("x"), testDeps(l))
	p.state = Backoff
	p.backoffTimer = l.AddTimer(time.Hour, func() { t.Fatal("backoff timer should have been cancelled") })

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop(): %v", err)
	}
	if p.state != Stopped {
		t.Errorf("state = %v, want STOPPED", p.state)
	}
}

func TestExpectedExitGoesToExitedAndResetsCounter(t *testing.T) {
	l := eventloop.New(nil)
	cfg := testCfg("x")
	cfg.AutoRestart = false
	p := New(cfg, testDeps(l))
	p.state = Running
	p.restartCount = 2

	p.HandleExit(procutil.ExitInfo{Pid: 123, Code: 0})

	if p.state != Exited {
		t.Errorf("state = %v, want EXITED", p.state)
	}
	if p.restartCount != 0 {
		t.Errorf("restartCount = %d, want 0", p.restartCount)
	}
}

func TestUnexpectedExitEntersBackoffThenFatal(t *testing.T) {
	l := eventloop.New(nil)
	cfg := testCfg("x")
	deps := testDeps(l)
	deps.BackoffLimit = 2
	p := New(cfg, deps)

	p.state = Running
	p.HandleExit(procutil.ExitInfo{Pid: 1, Code: 1})
	if p.state != Backoff {
		t.Fatalf("after 1st unexpected exit: state = %v, want BACKOFF", p.state)
	}
	if p.backoffTimer.Valid() {
		p.backoffTimer.Cancel()
	}

	p.state = Running
	p.HandleExit(procutil.ExitInfo{Pid: 1, Code: 1})
	if p.state != Fatal {
		t.Fatalf("after 2nd unexpected exit: state = %v, want FATAL", p.state)
	}
}

func TestForeverPreventsFatal(t *testing.T) {
	l := eventloop.New(nil)
	cfg := testCfg("x")
	deps := testDeps(l)
	deps.BackoffLimit = 1
	deps.Forever = true
	p := New(cfg, deps)

	for i := 0; i < 10; i++ {
		p.state = Running
		p.HandleExit(procutil.ExitInfo{Pid: 1, Code: 1})
		if p.state != Backoff {
			t.Fatalf("iteration %d: state = %v, want BACKOFF (forever=true)", i, p.state)
		}
		if p.backoffTimer.Valid() {
			p.backoffTimer.Cancel()
		}
	}
}

func TestAwaitStateDeliversImmediatelyWhenAlreadyMatching(t *testing.T) {
	l := eventloop.New(nil)
	p := New(testCfg("x"), testDeps(l))
	p.state = Running

	ch := p.AwaitState(func(s State) bool { return s == Running })
	select {
	case s := <-ch:
		if s != Running {
			t.Errorf("got %v, want RUNNING", s)
		}
	default:
		t.Fatal("expected buffered immediate delivery")
	}
}

func TestAwaitStateFiresOnTransition(t *testing.T) {
	l := eventloop.New(nil)
	p := New(testCfg("x"), testDeps(l))
	p.state = Starting

	ch := p.AwaitState(func(s State) bool { return s == Running })
	p.setState(Running)

	select {
	case s := <-ch:
		if s != Running {
			t.Errorf("got %v, want RUNNING", s)
		}
	default:
		t.Fatal("waiter did not fire on transition")
	}
}

func TestEquivalentComparesConfig(t *testing.T) {
	l := eventloop.New(nil)
	cfg := testCfg("x")
	p := New(cfg, testDeps(l))

	if !p.Equivalent(cfg) {
		t.Errorf("Equivalent(same config) = false, want true")
	}

	changed := cfg
	changed.Argv = []string{"/bin/false"}
	if p.Equivalent(changed) {
		t.Errorf("Equivalent(changed argv) = true, want false")
	}
}

func TestReadLogAndLogSizeRoundTrip(t *testing.T) {
	l := eventloop.New(nil)
	cfg := testCfg("x")
	dir := t.TempDir()
	cfg.Stdout = config.LogSpec{Policy: config.LogExplicit, Path: dir + "/x.stdout.log"}
	p := New(cfg, testDeps(l))

	p.stdoutLog.Write([]byte("hello"))

	size, err := p.LogSize("stdout")
	if err != nil {
		t.Fatalf("LogSize: %v", err)
	}
	if size != 5 {
		t.Errorf("LogSize() = %d, want 5", size)
	}

	data, newOffset, overflow, err := p.ReadLog("stdout", 0, 5)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if overflow {
		t.Errorf("overflow = true, want false")
	}
	if string(data) != "hello" || newOffset != 5 {
		t.Errorf("ReadLog = (%q, %d), want (%q, 5)", data, newOffset, "hello")
	}

	if _, _, _, err := p.ReadLog("stderr", 0, 5); err != ErrNoSuchLog {
		t.Errorf("ReadLog(stderr) on a NONE-policy stream = %v, want ErrNoSuchLog", err)
	}
	if _, _, _, err := p.ReadLog("bogus", 0, 5); err != ErrUnknownStream {
		t.Errorf("ReadLog(bogus) = %v, want ErrUnknownStream", err)
	}
}

func TestClearLogsRemovesBothStreams(t *testing.T) {
	l := eventloop.New(nil)
	cfg := testCfg("x")
	dir := t.TempDir()
	cfg.Stdout = config.LogSpec{Policy: config.LogExplicit, Path: dir + "/x.stdout.log"}
	cfg.Stderr = config.LogSpec{Policy: config.LogExplicit, Path: dir + "/x.stderr.log"}
	p := New(cfg, testDeps(l))

	p.stdoutLog.Write([]byte("out"))
	p.stderrLog.Write([]byte("err"))

	if err := p.ClearLogs(); err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}

	if size, _ := p.LogSize("stdout"); size != 0 {
		t.Errorf("stdout size after ClearLogs = %d, want 0", size)
	}
	if size, _ := p.LogSize("stderr"); size != 0 {
		t.Errorf("stderr size after ClearLogs = %d, want 0", size)
	}
}

func TestCancelWaitDiscardsWaiter(t *testing.T) {
	l := eventloop.New(nil)
	p := New(testCfg("x"), testDeps(l))
	p.state = Starting

	ch := p.AwaitState(func(s State) bool { return s == Running })
	p.CancelWait(ch)
	p.setState(Running)

	select {
	case _, ok := <-ch:
		if ok {
			t.Errorf("expected closed channel with no value after cancellation")
		}
	default:
		t.Fatal("expected channel to be closed after CancelWait")
	}
}
