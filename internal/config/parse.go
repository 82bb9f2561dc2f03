package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/shlex"
	"github.com/pkg/errors"
)

// splitArgv applies shell-style quoted-argument splitting to a command
// line, as spec.md §3 requires ("command argv (with shell-style
// quoted-argument splitting)").
func splitArgv(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, errors.Wrapf(err, "splitting command %q", command)
	}
	if len(argv) == 0 {
		return nil, errors.Errorf("empty command")
	}
	return argv, nil
}

var signalsByName = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"KILL": syscall.SIGKILL,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// parseSignal accepts either a bare name ("TERM") or the POSIX spelling
// ("SIGTERM"), per SPEC_FULL.md's options.py-derived signal_number note.
func parseSignal(name string) (syscall.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "SIG")
	sig, ok := signalsByName[n]
	if !ok {
		return 0, errors.Errorf("unknown stop signal %q", name)
	}
	return sig, nil
}

// parseSize parses an int with an optional KB/MB/GB suffix (case
// insensitive), per spec.md §6 logfile_maxbytes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	upper := strings.ToUpper(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(upper, "KB"):
		mult = 1 << 10
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "MB"):
		mult = 1 << 20
		s = s[:len(s)-2]
	case strings.HasSuffix(upper, "GB"):
		mult = 1 << 30
		s = s[:len(s)-2]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing size %q", s)
	}
	return n * mult, nil
}

// parseExitCodes parses a comma-separated list of exit codes into a set.
func parseExitCodes(s string) (map[int]bool, error) {
	out := map[int]bool{}
	s = strings.TrimSpace(s)
	if s == "" {
		out[0] = true
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing exitcodes %q", s)
		}
		out[n] = true
	}
	return out, nil
}

// expand resolves "%(here)s" (directory containing the config file) and
// "$VAR"/"${VAR}" environment references the way options.py's expand()
// helper does for command and environment values.
func expand(value, here string) string {
	value = strings.ReplaceAll(value, "%(here)s", here)
	return os.Expand(value, os.Getenv)
}

// parseLogSpec interprets a logfile value of AUTO, NONE, or an explicit path.
func parseLogSpec(raw string, maxBytes int64, backups int) LogSpec {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "AUTO":
		return LogSpec{Policy: LogAuto, MaxBytes: maxBytes, Backups: backups}
	case "NONE":
		return LogSpec{Policy: LogNone}
	default:
		return LogSpec{Policy: LogExplicit, Path: raw, MaxBytes: maxBytes, Backups: backups}
	}
}

func parseHostOrSocket(raw string) (addr string, isUnix bool) {
	if strings.HasPrefix(raw, "/") {
		return raw, true
	}
	return raw, false
}

func parseUmask(raw string) (int, error) {
	if raw == "" {
		return 022, nil
	}
	n, err := strconv.ParseInt(raw, 8, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing umask %q", raw)
	}
	return int(n), nil
}

func parseChown(raw string) (user, group string) {
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return raw, ""
}

func validateStopSignalChoice(sig syscall.Signal) error {
	for _, s := range signalsByName {
		if s == sig {
			return nil
		}
	}
	return fmt.Errorf("signal %v is not one of TERM,HUP,INT,QUIT,KILL,USR1,USR2", sig)
}
