package procutil

import (
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SpawnSpec is everything the child-side contract in spec.md §4.E needs:
// argv, target user, directory, umask, and the two stream destinations.
type SpawnSpec struct {
	Argv      []string
	Dir       string
	User      string // empty means "keep the supervisor's own uid/gid"
	Umask     int
	Env       []string
	Stdout    *os.File
	Stderr    *os.File
	IsRoot    bool // whether the supervisor itself is running as root
}

// Spawned is a live child plus the plumbing needed to manage it.
type Spawned struct {
	Cmd *exec.Cmd
	Pid int
}

// Spawn forks and execs one child per the contract in spec.md §4.E:
//
//	(a) detach controlling tty       -> SysProcAttr.Setsid
//	(b) stdin from /dev/null         -> cmd.Stdin
//	(c) dup2 stdout/stderr onto pipes -> cmd.Stdout / cmd.Stderr
//	(d) setgid/setuid drop if root   -> SysProcAttr.Credential
//	(e) apply configured umask       -> brief process-wide unix.Umask
//	    around Start(), restored immediately after (see note below)
//	(f) optional chdir               -> cmd.Dir
//	(g) SUPERVISOR_ENABLED=1         -> cmd.Env
//	(h) exec
//
// Go's os/exec intentionally provides no hook to run arbitrary code
// between fork and exec (the runtime forks+execs in one restricted
// syscall sequence for signal-safety reasons), so umask is applied as a
// brief parent-wide unix.Umask() bracketing Start() rather than inside
// the child. This is safe here because the event loop is single-threaded
// and never spawns two children concurrently (spec.md §5).
//
// Go's internal forkExec already writes a one-byte error code down a
// close-on-exec pipe and reads it back in the parent on exec failure --
// precisely the mechanism spec.md §4.E describes -- so cmd.Start()
// returning a non-nil error IS the SpawnError signal; a nil error followed
// by a near-immediate exit is the "early child death" case instead.
func Spawn(spec SpawnSpec) (*Spawned, error) {
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, errors.Wrap(err, "opening /dev/null for child stdin")
	}
	cmd.Stdin = devnull

	attr := &syscall.SysProcAttr{Setsid: true}
	if spec.IsRoot && spec.User != "" {
		cred, err := credentialFor(spec.User)
		if err != nil {
			return nil, err
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	prevUmask := unix.Umask(spec.Umask)
	err = cmd.Start()
	unix.Umask(prevUmask)
	devnull.Close()
	if err != nil {
		return nil, errors.Wrap(err, "spawn")
	}

	return &Spawned{Cmd: cmd, Pid: cmd.Process.Pid}, nil
}

func credentialFor(username string) (*syscall.Credential, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, errors.Wrapf(err, "looking up user %q", username)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing uid for %q", username)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing gid for %q", username)
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
