package supervisor

import (
	"os"
	"os/signal"
	"syscall"

	"pupervisord/internal/eventloop"
)

// signalDispatcher converts asynchronous OS signals into a byte stream on
// a self-pipe, exactly as spec.md §4.D requires: "the signal dispatcher's
// handler writes one byte per received signal to a pipe whose read end is
// a registered handler. This makes signal handling synchronous with the
// rest of the loop."
//
// Go's signal.Notify already marshals the unsafe, non-reentrant part of
// signal delivery into a channel read from a normal goroutine; relay()
// only forwards that channel onto the self-pipe, so no supervisor or
// Process state is ever touched outside the event loop's own turn.
type signalDispatcher struct {
	r, w *os.File
	ch   chan os.Signal
	fd   int
}

func newSignalDispatcher() (*signalDispatcher, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	sd := &signalDispatcher{r: r, w: w, ch: make(chan os.Signal, 32), fd: int(r.Fd())}
	signal.Notify(sd.ch,
		syscall.SIGHUP,
		syscall.SIGUSR2,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGCHLD,
	)
	go sd.relay()
	return sd, nil
}

func (sd *signalDispatcher) relay() {
	for s := range sd.ch {
		sig, ok := s.(syscall.Signal)
		if !ok {
			continue
		}
		sd.w.Write([]byte{byte(sig)})
	}
}

func (sd *signalDispatcher) FD() int { return sd.fd }

// drain reads up to 64 bytes currently buffered on the self-pipe (the
// event loop only calls this after Poll reports readability, so the read
// cannot block) and decodes each one back into a signal number. Any bytes
// beyond that stay buffered and keep the pipe readable for the next turn.
func (sd *signalDispatcher) drain() []syscall.Signal {
	buf := make([]byte, 64)
	n, err := sd.r.Read(buf)
	if err != nil || n == 0 {
		return nil
	}
	out := make([]syscall.Signal, n)
	for i, b := range buf[:n] {
		out[i] = syscall.Signal(b)
	}
	return out
}

func (sd *signalDispatcher) stop() {
	signal.Stop(sd.ch)
	close(sd.ch)
	sd.r.Close()
	sd.w.Close()
}

var _ eventloop.Reader = (*signalHandler)(nil)

// signalHandler adapts signalDispatcher to eventloop.Reader, dispatching
// each decoded signal to the Supervisor's handlers.
type signalHandler struct {
	sd  *signalDispatcher
	sup *Supervisor
}

func (h *signalHandler) FD() int { return h.sd.FD() }

func (h *signalHandler) OnReadable(l *eventloop.Loop) error {
	for _, sig := range h.sd.drain() {
		switch sig {
		case syscall.SIGHUP:
			h.sup.handleReload()
		case syscall.SIGUSR2:
			h.sup.handleRotate()
		case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
			h.sup.handleShutdownSignal()
		case syscall.SIGCHLD:
			h.sup.handleReap()
		}
	}
	return nil
}
