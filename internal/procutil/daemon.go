package procutil

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// Daemonize re-execs the current binary detached from the controlling
// terminal and returns true in the *parent* (which should exit 0
// immediately) and false in the child that should continue running the
// supervisor. It stands in for the source's double-fork+setsid sequence
// (options.py daemonize): Go's runtime does not support calling fork()
// directly in a multi-threaded process, so detachment is achieved by
// re-executing the same binary with Setsid and a sentinel environment
// variable, redirecting std streams to /dev/null, and changing directory.
func Daemonize(chdir string) (isParent bool, err error) {
	if os.Getenv("PUPERVISORD_DAEMONIZED") == "1" {
		if chdir != "" {
			if err := os.Chdir(chdir); err != nil {
				return false, errors.Wrap(err, "chdir after daemonize")
			}
		}
		return false, nil
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return false, errors.Wrap(err, "opening /dev/null")
	}
	defer devnull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), "PUPERVISORD_DAEMONIZED=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return false, errors.Wrap(err, "re-exec for daemonize")
	}
	return true, nil
}
