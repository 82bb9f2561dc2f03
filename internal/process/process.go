package process

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"go.uber.org/zap"

	"pupervisord/internal/config"
	"pupervisord/internal/eventloop"
	"pupervisord/internal/logging"
	"pupervisord/internal/output"
	"pupervisord/internal/procutil"
)

// Deps are the pieces of supervisor-wide context a Process needs but must
// not read from a free function (DESIGN NOTES §9: "Process-wide mutable
// singletons ... Pass these as explicit context to constructors").
type Deps struct {
	Loop         *eventloop.Loop
	Log          *logging.Logger
	BackoffLimit int
	Forever      bool
	TempDir      string
	NoCleanup    bool
	IsRoot       bool
	BaseEnv      []string
	Umask        int
}

// Info is a read-only snapshot for RPC/introspection, matching the field
// list in spec.md §4.H's getProcessInfo.
type Info struct {
	Name         string
	State        State
	Description  string
	Pid          int
	Start        time.Time
	Stop         time.Time
	ExitCode     int
	SpawnErr     string
	Logfile      string
	RestartCount int
}

type waiter struct {
	ch    chan State
	match func(State) bool
}

// Process is the per-child state machine of spec.md §4.E. All exported
// methods are expected to be called only from the event loop's own
// goroutine.
type Process struct {
	cfg  config.ProgramConfig
	deps Deps

	state    State
	pid      int
	spawned  *procutil.Spawned
	spawnErr string

	spawnTime time.Time
	exitTime  time.Time
	exitCode  int
	signaled  bool

	restartCount  int
	pendingRestart bool

	stdoutLog        *logging.RotatingFile
	stderrLog        *logging.RotatingFile
	stdoutDispatcher *output.Dispatcher
	stderrDispatcher *output.Dispatcher

	startTimer   eventloop.TimerHandle
	backoffTimer eventloop.TimerHandle
	killTimer    eventloop.TimerHandle

	waiters []waiter
}

// New constructs a Process in the STOPPED state. It does not spawn
// anything; callers invoke Start (or rely on autostart via the
// Supervisor) to do that.
func New(cfg config.ProgramConfig, deps Deps) *Process {
	p := &Process{cfg: cfg, deps: deps, state: Stopped}
	p.stdoutLog = newSink(cfg.Stdout, deps, cfg.Name+".stdout.log")
	if cfg.LogStderr {
		p.stderrLog = p.stdoutLog
	} else {
		p.stderrLog = newSink(cfg.Stderr, deps, cfg.Name+".stderr.log")
	}
	return p
}

func newSink(spec config.LogSpec, deps Deps, autoName string) *logging.RotatingFile {
	switch spec.Policy {
	case config.LogNone:
		return nil
	case config.LogAuto:
		dir := spec.Path
		if dir == "" {
			dir = deps.TempDir
		}
		if dir == "" {
			dir = os.TempDir()
		}
		return logging.NewAutoRotatingFile(dir, autoName, spec.MaxBytes, spec.Backups)
	default:
		return logging.NewRotatingFile(spec.Path, spec.MaxBytes, spec.Backups)
	}
}

// Equivalent reports whether pc describes the same program definition
// this Process was constructed from, used by the supervisor's reload
// diff (spec.md §4.G Reload) to decide whether a program needs
// stop-and-recreate or can be left running untouched.
func (p *Process) Equivalent(pc config.ProgramConfig) bool {
	return reflect.DeepEqual(p.cfg, pc)
}

func (p *Process) Name() string       { return p.cfg.Name }
func (p *Process) Priority() int      { return p.cfg.Priority }
func (p *Process) State() State       { return p.state }
func (p *Process) AutoStart() bool    { return p.cfg.AutoStart }
func (p *Process) RestartCount() int  { return p.restartCount }

func (p *Process) Info() Info {
	return Info{
		Name:         p.cfg.Name,
		State:        p.state,
		Description:  p.description(),
		Pid:          p.pid,
		Start:        p.spawnTime,
		Stop:         p.exitTime,
		ExitCode:     p.exitCode,
		SpawnErr:     p.spawnErr,
		Logfile:      logPath(p.stdoutLog),
		RestartCount: p.restartCount,
	}
}

func logPath(rf *logging.RotatingFile) string {
	if rf == nil {
		return ""
	}
	return rf.Path()
}

func (p *Process) description() string {
	switch p.state {
	case Running:
		return fmt.Sprintf("pid %d, uptime %s", p.pid, time.Since(p.spawnTime).Round(time.Second))
	case Stopped:
		return "not started"
	case Exited:
		return fmt.Sprintf("exited at %s, code %d", p.exitTime.Format(time.RFC3339), p.exitCode)
	case Fatal:
		return "FATAL: " + p.spawnErr
	default:
		return p.state.String()
	}
}

// ErrAlreadyStarted is returned when Start is called on a Process that is
// already STARTING or RUNNING, per spec.md §8.
var ErrAlreadyStarted = fmt.Errorf("already started")

// Start drives STOPPED/EXITED/FATAL/BACKOFF toward STARTING. Per spec.md
// §8, STARTING/RUNNING is a no-op fault ("already started"); any other
// state is a fresh spawn attempt.
func (p *Process) Start() error {
	if p.state == Starting || p.state == Running {
		return ErrAlreadyStarted
	}
	if p.backoffTimer.Valid() {
		p.backoffTimer.Cancel()
	}
	return p.spawn()
}

func (p *Process) spawn() error {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return p.failSpawn(err)
	}
	var stderrR, stderrW *os.File
	if p.cfg.LogStderr {
		stderrW = stdoutW
	} else {
		stderrR, stderrW, err = os.Pipe()
		if err != nil {
			stdoutR.Close()
			stdoutW.Close()
			return p.failSpawn(err)
		}
	}

	env := append(append([]string{}, p.deps.BaseEnv...), "SUPERVISOR_ENABLED=1")
	spawned, err := procutil.Spawn(procutil.SpawnSpec{
		Argv:   p.cfg.Argv,
		Dir:    p.cfg.Directory,
		User:   p.cfg.User,
		Env:    env,
		Stdout: stdoutW,
		Stderr: stderrW,
		Umask:  p.deps.Umask,
		IsRoot: p.deps.IsRoot,
	})
	stdoutW.Close()
	if !p.cfg.LogStderr {
		stderrW.Close()
	}
	if err != nil {
		stdoutR.Close()
		if stderrR != nil {
			stderrR.Close()
		}
		return p.failSpawn(err)
	}

	p.spawned = spawned
	p.pid = spawned.Pid
	p.spawnTime = time.Now()
	p.exitCode = 0
	p.spawnErr = ""
	p.setState(Starting)

	p.stdoutDispatcher = output.New(p.deps.Loop, stdoutR, p.stdoutLog, p.cfg.Name+":stdout", p.deps.Log, nil)
	if !p.cfg.LogStderr {
		p.stderrDispatcher = output.New(p.deps.Loop, stderrR, p.stderrLog, p.cfg.Name+":stderr", p.deps.Log, nil)
	}

	startSecs := p.cfg.StartSecs
	if startSecs <= 0 {
		startSecs = config.DefaultStartSecs
	}
	p.startTimer = p.deps.Loop.AddTimer(time.Duration(startSecs)*time.Second, p.onStartSecsElapsed)
	return nil
}

func (p *Process) failSpawn(err error) error {
	p.spawnErr = err.Error()
	p.pid = 0
	if p.deps.Log != nil {
		p.deps.Log.Error("spawn failed", zap.String("process", p.cfg.Name), zap.Error(err))
	}
	p.enterBackoffOrFatal()
	return err
}

func (p *Process) onStartSecsElapsed() {
	if p.state != Starting {
		return
	}
	p.restartCount = 0
	p.setState(Running)
}

// Stop drives any live state toward STOPPING (spec.md §4.E stop
// contract). It is idempotent on STOPPED/EXITED/FATAL/BACKOFF/STOPPING.
func (p *Process) Stop() error {
	switch p.state {
	case Stopped, Exited, Fatal, Stopping:
		return nil
	case Backoff:
		if p.backoffTimer.Valid() {
			p.backoffTimer.Cancel()
		}
		p.setState(Stopped)
		return nil
	}
	p.setState(Stopping)
	if p.spawned != nil && p.spawned.Cmd.Process != nil {
		p.spawned.Cmd.Process.Signal(p.cfg.StopSignal)
	}
	p.killTimer = p.deps.Loop.AddTimer(config.KillGrace, p.onKillTimerExpired)
	return nil
}

func (p *Process) onKillTimerExpired() {
	if p.state != Stopping {
		return
	}
	if p.deps.Log != nil {
		p.deps.Log.Warn("stop grace period expired, sending SIGKILL", zap.String("process", p.cfg.Name))
	}
	if p.spawned != nil && p.spawned.Cmd.Process != nil {
		p.spawned.Cmd.Process.Kill()
	}
}

// Restart chains stop-then-start, per DESIGN NOTES: "any live -> restart
// cmd -> (via STOPPING -> STOPPED) -> STARTING."
func (p *Process) Restart() {
	if p.state == Backoff {
		p.Stop() // cancels the pending respawn; BACKOFF -> STOPPED
	}
	if p.state.IsTerminal() {
		p.Start()
		return
	}
	p.pendingRestart = true
	p.Stop()
}

// HandleExit is invoked by the supervisor's reap dispatch once this
// Process's pid has been confirmed dead by the kernel.
func (p *Process) HandleExit(exit procutil.ExitInfo) {
	if p.startTimer.Valid() {
		p.startTimer.Cancel()
	}
	if p.killTimer.Valid() {
		p.killTimer.Cancel()
	}
	wasStopping := p.state == Stopping
	p.pid = 0
	p.exitTime = time.Now()
	p.exitCode = exit.Code
	p.signaled = exit.Signaled

	p.closeDispatchers()

	switch {
	case wasStopping:
		p.setState(Stopped)
		if p.pendingRestart {
			p.pendingRestart = false
			p.spawn()
		}
	case p.state == Starting:
		p.enterBackoffOrFatal()
	case p.state == Running:
		if p.cfg.ExitCodes[exit.Code] && !exit.Signaled {
			p.restartCount = 0
			p.setState(Exited)
			if p.cfg.AutoRestart {
				p.spawn()
			}
		} else {
			p.enterBackoffOrFatal()
		}
	}
}

func (p *Process) closeDispatchers() {
	if p.stdoutDispatcher != nil {
		p.stdoutDispatcher.Close()
		p.stdoutDispatcher = nil
	}
	if p.stderrDispatcher != nil {
		p.stderrDispatcher.Close()
		p.stderrDispatcher = nil
	}
}

func (p *Process) enterBackoffOrFatal() {
	p.restartCount++
	if !p.deps.Forever && p.restartCount >= p.deps.BackoffLimit {
		p.setState(Fatal)
		if p.deps.Log != nil {
			p.deps.Log.Error("gave up after repeated failures", zap.String("process", p.cfg.Name), zap.Int("attempts", p.restartCount))
		}
		return
	}
	p.setState(Backoff)
	p.backoffTimer = p.deps.Loop.AddTimer(backoffDelay(p.restartCount), p.onBackoffElapsed)
}

func (p *Process) onBackoffElapsed() {
	if p.state != Backoff {
		return
	}
	p.spawn()
}

// Teardown deletes this Process's AUTO logs (unless nocleanup is set),
// per spec.md §3: "AUTO logs additionally: ... deleted ... at the
// Process's own teardown." The supervisor also calls it at startup.
func (p *Process) Teardown() {
	if p.stdoutLog != nil && p.stdoutLog.IsAuto() && !p.deps.NoCleanup {
		p.stdoutLog.RemoveAll()
	}
	if p.stderrLog != nil && p.stderrLog != p.stdoutLog && p.stderrLog.IsAuto() && !p.deps.NoCleanup {
		p.stderrLog.RemoveAll()
	}
}

// ForceRotate rotates both stream sinks regardless of current size, for
// the supervisor's SIGUSR2 handler (spec.md §4.G "Rotate").
func (p *Process) ForceRotate() {
	if p.stdoutLog != nil {
		p.stdoutLog.Rotate()
	}
	if p.stderrLog != nil && p.stderrLog != p.stdoutLog {
		p.stderrLog.Rotate()
	}
}

func (p *Process) setState(s State) {
	p.state = s
	p.notifyWaiters(s)
}

// AwaitState parks a completion waiter that fires the first time match
// returns true for the current state, implementing the wait=true RPC
// variants of spec.md §4.H. If the state already matches, the channel is
// delivered to immediately (buffered, so no blocking send).
func (p *Process) AwaitState(match func(State) bool) <-chan State {
	ch := make(chan State, 1)
	if match(p.state) {
		ch <- p.state
		return ch
	}
	p.waiters = append(p.waiters, waiter{ch: ch, match: match})
	return ch
}

// CancelWait discards a previously parked waiter, used when an RPC
// connection disconnects (spec.md §5: "disconnected sessions must be
// unparked and discarded").
func (p *Process) CancelWait(ch <-chan State) {
	for i, w := range p.waiters {
		if w.ch == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			close(w.ch)
			return
		}
	}
}

func (p *Process) notifyWaiters(s State) {
	var remaining []waiter
	for _, w := range p.waiters {
		if w.match(s) {
			w.ch <- s
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	p.waiters = remaining
}

// ErrNoSuchLog is returned by ReadLog/ClearLog when the requested stream
// has no sink configured (logfile NONE).
var ErrNoSuchLog = fmt.Errorf("no log file configured for this stream")

// ErrUnknownStream is returned for a stream name other than "stdout" or
// "stderr".
var ErrUnknownStream = fmt.Errorf("unknown log stream")

func (p *Process) logFor(stream string) (*logging.RotatingFile, error) {
	switch stream {
	case "stdout":
		return p.stdoutLog, nil
	case "stderr":
		return p.stderrLog, nil
	default:
		return nil, ErrUnknownStream
	}
}

// ReadLog serves the RPC readProcessLog/tailProcessLog contract of
// spec.md §4.H for one stream, delegating the byte-range and rollover
// semantics to the underlying RotatingFile.
func (p *Process) ReadLog(stream string, offset, length int64) (data []byte, newOffset int64, overflow bool, err error) {
	rf, err := p.logFor(stream)
	if err != nil {
		return nil, offset, false, err
	}
	if rf == nil {
		return nil, offset, false, ErrNoSuchLog
	}
	return rf.ReadRange(offset, length)
}

// LogSize reports the absolute end-of-stream offset for stream, used to
// compute a tail read's starting offset.
func (p *Process) LogSize(stream string) (int64, error) {
	rf, err := p.logFor(stream)
	if err != nil {
		return 0, err
	}
	if rf == nil {
		return 0, ErrNoSuchLog
	}
	return rf.AbsoluteSize(), nil
}

// ClearLog truncates one stream's sink, per clearProcessLog.
func (p *Process) ClearLog(stream string) error {
	rf, err := p.logFor(stream)
	if err != nil {
		return err
	}
	if rf == nil {
		return ErrNoSuchLog
	}
	return rf.RemoveAll()
}

// ClearLogs truncates both streams, per clearAllProcessLogs iterating
// every Process.
func (p *Process) ClearLogs() error {
	var firstErr error
	if p.stdoutLog != nil {
		if err := p.stdoutLog.RemoveAll(); err != nil {
			firstErr = err
		}
	}
	if p.stderrLog != nil && p.stderrLog != p.stdoutLog {
		if err := p.stderrLog.RemoveAll(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pid returns the live OS pid, or 0 if none.
func (p *Process) Pid() int { return p.pid }

// Signal sends an arbitrary signal to the live child, used by the RPC
// layer's lower-level controls and by tests.
func (p *Process) Signal(sig os.Signal) error {
	if p.spawned == nil || p.spawned.Cmd.Process == nil {
		return fmt.Errorf("process %s has no live pid", p.cfg.Name)
	}
	return p.spawned.Cmd.Process.Signal(sig)
}
