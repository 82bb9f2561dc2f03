package procutil

import (
	"syscall"

	"github.com/pkg/errors"
)

// DropPrivileges switches the supervisor's own effective uid/gid to
// username, per spec.md §5: "if started as root, privilege drop to the
// configured user occurs after binding the socket, opening the pidfile,
// and ensuring the chosen log directories exist, but before entering the
// main loop." Order of setgid-then-setuid matters: once uid is dropped
// there may no longer be permission to change gid.
func DropPrivileges(username string) error {
	cred, err := credentialFor(username)
	if err != nil {
		return err
	}
	if err := syscall.Setgid(int(cred.Gid)); err != nil {
		return errors.Wrapf(err, "setgid(%d)", cred.Gid)
	}
	if err := syscall.Setuid(int(cred.Uid)); err != nil {
		return errors.Wrapf(err, "setuid(%d)", cred.Uid)
	}
	return nil
}

// IsRoot reports whether the calling process has effective uid 0.
func IsRoot() bool {
	return syscall.Geteuid() == 0
}
