// Package output implements the per-stream capture dispatcher of
// spec.md §4.F: one Dispatcher per child stream, registered with the
// event loop for readability, feeding bytes into a log sink.
package output

import (
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"pupervisord/internal/eventloop"
	"pupervisord/internal/logging"
)

// readBufSize bounds how much a single turn reads from one stream, per
// spec.md §5: "Child log reads are bounded per turn to avoid starving
// other handlers."
const readBufSize = 4096

// Sink is anything a Dispatcher can hand captured bytes to.
type Sink interface {
	Write(p []byte) (int, error)
}

// Dispatcher owns the read end of one child pipe.
type Dispatcher struct {
	fd   int
	f    *os.File
	sink Sink
	loop *eventloop.Loop
	log  *logging.Logger
	name string

	onEOF  func()
	closed bool
}

// New registers a Dispatcher over f's read end with loop and returns it.
// name is used only for log-context (e.g. "web:stdout").
func New(loop *eventloop.Loop, f *os.File, sink Sink, name string, log *logging.Logger, onEOF func()) *Dispatcher {
	d := &Dispatcher{
		fd:    int(f.Fd()),
		f:     f,
		sink:  sink,
		loop:  loop,
		log:   log,
		name:  name,
		onEOF: onEOF,
	}
	loop.Register(d, eventloop.InterestRead)
	return d
}

func (d *Dispatcher) FD() int { return d.fd }

// OnReadable reads as much as is immediately available (bounded by
// readBufSize) and forwards it to the sink. On EOF it deregisters itself;
// per spec.md §4.F, the Process state machine does not consider the
// child "gone" until reap, so this must not block waiting for one.
func (d *Dispatcher) OnReadable(l *eventloop.Loop) error {
	buf := make([]byte, readBufSize)
	n, err := d.f.Read(buf)
	if n > 0 && d.sink != nil {
		if _, werr := d.sink.Write(buf[:n]); werr != nil && d.log != nil {
			d.log.RateLimitedError("output-write:"+d.name, "writing captured output for "+d.name, 5*time.Second, zap.Error(werr))
		}
	}
	if err != nil {
		d.Close()
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

var _ eventloop.Reader = (*Dispatcher)(nil)

// Close deregisters and closes the read end. Idempotent.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.loop.Unregister(d.fd)
	d.f.Close()
	if d.onEOF != nil {
		d.onEOF()
	}
}
