// Package supervisor implements the signal dispatcher (spec.md §4.D) and
// the top-level Supervisor coordinator (§4.G): bootstrap, priority-ordered
// start-all/stop-all, reload-on-hangup, rotate-on-USR2, and drain-to-exit
// shutdown.
package supervisor

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"pupervisord/internal/config"
	"pupervisord/internal/eventloop"
	"pupervisord/internal/logging"
	"pupervisord/internal/procutil"
	"pupervisord/internal/process"
)

// ResourceError is returned by Bootstrap when the process's file
// descriptor or process-count limits fall below the configured minimums
// (spec.md §6 minfds/minprocs), which main.go maps to exit code 3.
type ResourceError struct{ Msg string }

func (e *ResourceError) Error() string { return e.Msg }

// Supervisor exclusively owns every Process entry (spec.md §3
// "Ownership"). Everything else -- the event loop, the RPC layer --
// refers to a Process by name, never by holding a reference of its own.
type Supervisor struct {
	cfg       *config.Config
	cfgPath   string
	overrides config.Overrides

	loop *eventloop.Loop
	log  *logging.Logger

	processes map[string]*process.Process

	pidFile     *flock.Flock
	pidFilePath string
	tempDir     string

	sigDispatcher *signalDispatcher
	shuttingDown  bool
	startTime     time.Time
}

// New constructs a Supervisor around an already-validated config. Apart
// from creating the AUTO log directory it does not yet touch the
// filesystem or signals; call Bootstrap for that.
func New(cfg *config.Config, cfgPath string, ov config.Overrides, loop *eventloop.Loop, log *logging.Logger) (*Supervisor, error) {
	tempDir, err := autoLogDir(cfg.Supervisord.ChildLogDir)
	if err != nil {
		return nil, errors.Wrap(err, "creating AUTO log temp dir")
	}

	s := &Supervisor{
		cfg:       cfg,
		cfgPath:   cfgPath,
		overrides: ov,
		loop:      loop,
		log:       log,
		processes: make(map[string]*process.Process),
		tempDir:   tempDir,
	}
	s.buildRegistry(cfg)
	return s, nil
}

// autoLogDir resolves the directory AUTO-policy logs are written under.
// A configured childlogdir (spec.md §6) takes precedence and is created
// if it does not already exist; otherwise a fresh scratch directory is
// allocated under the system temp dir, as before.
func autoLogDir(childLogDir string) (string, error) {
	if childLogDir == "" {
		return os.MkdirTemp("", "pupervisord-")
	}
	if err := os.MkdirAll(childLogDir, 0o755); err != nil {
		return "", err
	}
	return childLogDir, nil
}

func (s *Supervisor) buildRegistry(cfg *config.Config) {
	isRoot := procutil.IsRoot()
	for _, pc := range cfg.Programs {
		deps := process.Deps{
			Loop:         s.loop,
			Log:          s.log,
			BackoffLimit: cfg.Supervisord.BackoffLimit,
			Forever:      cfg.Supervisord.Forever,
			TempDir:      s.tempDir,
			NoCleanup:    cfg.Supervisord.NoCleanup,
			IsRoot:       isRoot,
			BaseEnv:      os.Environ(),
			Umask:        cfg.Supervisord.Umask,
		}
		s.processes[pc.Name] = process.New(pc, deps)
	}
}

// Bootstrap performs every step spec.md §5 requires before the main loop
// may run: resource-limit enforcement, pidfile acquisition, removal of
// AUTO logs left by a previous run (skipped when nocleanup is set), signal
// handler installation, and (if started as root) privilege drop. It must
// run after the RPC listener has been bound, and before StartAll.
func (s *Supervisor) Bootstrap() error {
	if err := checkRlimits(s.cfg.Supervisord.MinFDs, s.cfg.Supervisord.MinProcs); err != nil {
		return err
	}

	if err := s.acquirePidFile(); err != nil {
		return err
	}

	for _, p := range s.processes {
		p.Teardown()
	}

	sd, err := newSignalDispatcher()
	if err != nil {
		return errors.Wrap(err, "installing signal handlers")
	}
	s.sigDispatcher = sd
	s.loop.Register(&signalHandler{sd: sd, sup: s}, eventloop.InterestRead)

	if procutil.IsRoot() && s.cfg.Supervisord.User != "" {
		if err := procutil.DropPrivileges(s.cfg.Supervisord.User); err != nil {
			return errors.Wrapf(err, "dropping privileges to user %q", s.cfg.Supervisord.User)
		}
	}

	s.startTime = time.Now()
	return nil
}

// checkRlimits enforces spec.md §6's minfds/minprocs floor by reading the
// process's current soft limits via getrlimit, exactly as options.py's
// make_allprocesses_ready preflight does.
func checkRlimits(minFDs, minProcs uint64) error {
	var fds, procs unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &fds); err != nil {
		return errors.Wrap(err, "getrlimit(NOFILE)")
	}
	if fds.Cur < minFDs {
		return &ResourceError{Msg: fmt.Sprintf("current file descriptor limit %d is below minfds %d", fds.Cur, minFDs)}
	}
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &procs); err == nil {
		if procs.Cur != 0 && procs.Cur != ^uint64(0) && procs.Cur < minProcs {
			return &ResourceError{Msg: fmt.Sprintf("current process limit %d is below minprocs %d", procs.Cur, minProcs)}
		}
	}
	return nil
}

func (s *Supervisor) acquirePidFile() error {
	path := s.cfg.Supervisord.PidFile
	if path == "" {
		return nil
	}
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return errors.Wrapf(err, "locking pidfile %s", path)
	}
	if !locked {
		return errors.Errorf("pidfile %s is already locked by another instance", path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		fl.Unlock()
		return errors.Wrapf(err, "writing pidfile %s", path)
	}
	s.pidFile = fl
	s.pidFilePath = path
	return nil
}

func (s *Supervisor) releasePidFile() {
	if s.pidFile == nil {
		return
	}
	s.pidFile.Unlock()
	os.Remove(s.pidFilePath)
	s.pidFile = nil
}

// Process looks up a Process by its stable name. Returns nil, false if
// unknown -- callers turn that into an RpcFault "unknown process name".
func (s *Supervisor) Process(name string) (*process.Process, bool) {
	p, ok := s.processes[name]
	return p, ok
}

// Processes returns every Process ordered by ascending priority (the
// order spec.md §4.G mandates for start-all; callers reverse it for
// stop-all).
func (s *Supervisor) Processes() []*process.Process {
	out := make([]*process.Process, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority() != out[j].Priority() {
			return out[i].Priority() < out[j].Priority()
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Identifier returns the configured supervisor identity string (RPC
// getIdentification), per SPEC_FULL.md's options.py-derived addition.
func (s *Supervisor) Identifier() string { return s.cfg.Supervisord.Identifier }

// Config exposes the active snapshot, mainly for the RPC and HTML layers.
func (s *Supervisor) Config() *config.Config { return s.cfg }

// Log exposes the activity logger, mainly for the RPC and HTML layers.
func (s *Supervisor) Log() *logging.Logger { return s.log }

// StartTime reports when Bootstrap completed.
func (s *Supervisor) StartTime() time.Time { return s.startTime }

// TempDir exposes the AUTO-log scratch directory, mainly for tests.
func (s *Supervisor) TempDir() string { return s.tempDir }

// ShuttingDown reports whether a shutdown sequence is in progress, which
// the RPC layer surfaces via getState.
func (s *Supervisor) ShuttingDown() bool { return s.shuttingDown }

// StartAll fires start on every autostart Process in ascending priority
// order. Per spec.md §4.G, this only *initiates* transitions; completion
// is driven by the loop.
func (s *Supervisor) StartAll() {
	for _, p := range s.Processes() {
		if !p.AutoStart() {
			continue
		}
		if err := p.Start(); err != nil && s.log != nil {
			s.log.Warn("autostart failed", zap.String("process", p.Name()), zap.Error(err))
		}
	}
}

// StopAll fires stop on every Process in descending priority order.
func (s *Supervisor) StopAll() {
	procs := s.Processes()
	for i := len(procs) - 1; i >= 0; i-- {
		procs[i].Stop()
	}
}

// RestartAll implements the RPC restart() semantics: stop everything,
// wait for every Process to actually reach a resting state via its
// completion waiter list (the same AwaitState mechanism stopProcess and
// startProcess use), then run StartAll, which starts the autostart
// Processes only. done is called once StartAll has initiated those
// starts; it does not wait for them to reach RUNNING. Per-process restart
// (used by the single-process RPC variant) goes through Process.Restart
// instead.
func (s *Supervisor) RestartAll(done func()) {
	procs := s.Processes()
	waits := make([]<-chan process.State, len(procs))
	for i := len(procs) - 1; i >= 0; i-- {
		p := procs[i]
		p.Stop()
		waits[i] = p.AwaitState(func(st process.State) bool { return st.IsTerminal() })
	}
	go func() {
		for _, ch := range waits {
			<-ch
		}
		s.loop.Invoke(func() {
			s.StartAll()
			if done != nil {
				done()
			}
		})
	}()
}

func (s *Supervisor) allResting() bool {
	for _, p := range s.processes {
		if !p.State().IsTerminal() {
			return false
		}
	}
	return true
}

// handleReload re-parses the config file and applies the name-keyed diff
// spec.md §4.G's Reload describes: removed or changed programs are
// stopped and dropped, unchanged ones are left alone, and new ones are
// registered and (if autostart) started. A parse failure leaves the
// running configuration untouched and only logs the error, matching the
// ConfigError policy of spec.md §7.
func (s *Supervisor) handleReload() {
	newCfg, err := config.Load(s.cfgPath, s.overrides)
	if err != nil {
		if s.log != nil {
			s.log.Error("reload failed, keeping previous configuration", zap.Error(err))
		}
		return
	}

	seen := make(map[string]bool, len(newCfg.Programs))
	for _, pc := range newCfg.Programs {
		seen[pc.Name] = true
		old, exists := s.processes[pc.Name]
		if !exists {
			s.addProgram(pc)
			continue
		}
		if !old.Equivalent(pc) {
			old.Stop()
			s.addProgram(pc)
		}
	}
	for name, old := range s.processes {
		if !seen[name] {
			old.Stop()
			old.Teardown()
			delete(s.processes, name)
		}
	}

	s.cfg = newCfg
	if s.log != nil {
		s.log.Info("configuration reloaded")
	}
}

func (s *Supervisor) addProgram(pc config.ProgramConfig) {
	deps := process.Deps{
		Loop:         s.loop,
		Log:          s.log,
		BackoffLimit: s.cfg.Supervisord.BackoffLimit,
		Forever:      s.cfg.Supervisord.Forever,
		TempDir:      s.tempDir,
		NoCleanup:    s.cfg.Supervisord.NoCleanup,
		IsRoot:       procutil.IsRoot(),
		BaseEnv:      os.Environ(),
		Umask:        s.cfg.Supervisord.Umask,
	}
	p := process.New(pc, deps)
	s.processes[pc.Name] = p
	if p.AutoStart() {
		p.Start()
	}
}

// handleRotate forces every log sink -- the supervisor's own activity log
// and every Process's stdout/stderr -- to rotate regardless of current
// size, per spec.md §4.G's Rotate action (SIGUSR2).
func (s *Supervisor) handleRotate() {
	if s.log != nil {
		if err := s.log.ForceRotate(); err != nil {
			s.log.Warn("failed to rotate activity log", zap.Error(err))
		}
	}
	for _, p := range s.processes {
		p.ForceRotate()
	}
}

// handleShutdownSignal initiates the drain-to-exit sequence spec.md §4.G
// names for SIGTERM/SIGINT/SIGQUIT: stop every Process and let handleReap
// notice once the last one has settled, at which point Run exits the
// loop. A second delivery escalates by stopping again (already-Stopping
// processes no-op, but it nudges a poll that might otherwise wait out the
// whole kill-grace window).
func (s *Supervisor) handleShutdownSignal() {
	s.RequestShutdown()
}

// RequestShutdown initiates the same drain-to-exit sequence a
// SIGTERM/SIGINT/SIGQUIT would, for the RPC shutdown() method. Must be
// called from the event loop's own goroutine.
func (s *Supervisor) RequestShutdown() {
	s.shuttingDown = true
	s.StopAll()
	if s.allResting() {
		s.finishShutdown()
	}
}

func (s *Supervisor) finishShutdown() {
	s.releasePidFile()
	s.sigDispatcher.stop()
	s.loop.Shutdown()
}

// handleReap drains every exited child and dispatches each exit to the
// owning Process, per spec.md §4.E's SIGCHLD contract. If a shutdown is
// in progress and every Process has now settled, this is also where the
// loop is told to stop.
func (s *Supervisor) handleReap() {
	exits, err := procutil.ReapAll()
	if err != nil && s.log != nil {
		s.log.Warn("reap failed", zap.Error(err))
	}
	for _, exit := range exits {
		p := s.processByPid(exit.Pid)
		if p == nil {
			continue
		}
		p.HandleExit(exit)
	}
	if s.shuttingDown && s.allResting() {
		s.finishShutdown()
	}
}

func (s *Supervisor) processByPid(pid int) *process.Process {
	for _, p := range s.processes {
		if p.Pid() == pid {
			return p
		}
	}
	return nil
}

// Run drives the event loop until it drains (either from a completed
// shutdown sequence or an external Loop.Shutdown call). The signal
// handlers it relies on are installed by Bootstrap.
func (s *Supervisor) Run() error {
	return s.loop.Run()
}
