// Package procutil holds the low-level fork/exec/signal/reap primitives the
// process state machine builds on (spec.md §4.E spawn/stop/reap contracts).
package procutil

import (
	"golang.org/x/sys/unix"
)

// ExitInfo is the decoded result of reaping one child.
type ExitInfo struct {
	Pid      int
	Code     int
	Signaled bool
	Signal   unix.Signal
}

// ReapAll drains every reapable child via non-blocking wait, exactly as
// spec.md §4.E's SIGCHLD handler is required to: "the Supervisor drains
// reapable children via non-blocking waitpid on all known pids." Unlike
// the source supervisord (which waits on specific known pids one at a
// time), we wait on any child (-1) and let the caller match pid to
// Process, which collapses to the same observable behavior and avoids a
// second registry lookup before the kernel even confirms a child died.
//
// Grounded on Johnermac-bctor's waitForAnyChild pattern: EINTR is retried,
// ECHILD (no children left) ends the drain cleanly.
func ReapAll() ([]ExitInfo, error) {
	var out []ExitInfo
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.ECHILD {
				return out, nil
			}
			return out, err
		}
		if pid <= 0 {
			// 0 means WNOHANG found nothing currently reapable.
			return out, nil
		}
		info := ExitInfo{Pid: pid}
		switch {
		case ws.Exited():
			info.Code = ws.ExitStatus()
		case ws.Signaled():
			info.Signaled = true
			info.Signal = ws.Signal()
			info.Code = 128 + int(ws.Signal())
		}
		out = append(out, info)
	}
}
