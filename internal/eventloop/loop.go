package eventloop

import (
	"container/heap"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type registration struct {
	handler  Handler
	interest Interest
}

// Loop is the event loop described above. Every mutation of Process
// state happens inside a handler or timer callback invoked from Run, so
// there are no races to guard against (spec.md §5).
type Loop struct {
	regs    map[int]*registration
	timers  timerHeap
	nextSeq uint64
	stop    bool

	wakeR, wakeW *os.File

	invokeMu sync.Mutex
	invoke   []func()

	onHandlerError func(err error)
}

// New constructs an empty loop. onHandlerError is invoked (never allowed
// to panic the loop itself) whenever a handler or timer callback returns
// or panics with an error, implementing spec.md §7's catch-log-continue
// boundary.
func New(onHandlerError func(err error)) *Loop {
	if onHandlerError == nil {
		onHandlerError = func(error) {}
	}
	l := &Loop{
		regs:           make(map[int]*registration),
		onHandlerError: onHandlerError,
	}
	// A self-referential wake pipe, built on the same self-pipe idea
	// spec.md §4.D uses for signals: it lets Shutdown (and any future
	// cross-turn wakeup) interrupt a poll that is blocked indefinitely
	// with no deadline.
	if r, w, err := os.Pipe(); err == nil {
		l.wakeR, l.wakeW = r, w
		l.Register(wakeHandler{l}, InterestRead)
	}
	return l
}

type wakeHandler struct{ l *Loop }

func (h wakeHandler) FD() int { return int(h.l.wakeR.Fd()) }
func (h wakeHandler) OnReadable(l *Loop) error {
	// One read per readiness report: calling Fd() left the pipe in
	// blocking mode, so reading until empty would block the loop. Bytes
	// left over keep the fd readable for the next turn.
	buf := make([]byte, 64)
	h.l.wakeR.Read(buf)
	l.runInvoked()
	return nil
}

// wake unblocks a poll that is currently waiting, if any.
func (l *Loop) wake() {
	if l.wakeW != nil {
		l.wakeW.Write([]byte{0})
	}
}

// Invoke queues fn to run on the loop's own goroutine at the start of its
// next turn, and is the only safe way for another goroutine (e.g. an
// RPC handler running inside net/http's own goroutine pool) to touch
// Process or Supervisor state without violating spec.md §5's
// single-writer invariant. Safe to call from any goroutine.
func (l *Loop) Invoke(fn func()) {
	l.invokeMu.Lock()
	l.invoke = append(l.invoke, fn)
	l.invokeMu.Unlock()
	l.wake()
}

func (l *Loop) runInvoked() {
	l.invokeMu.Lock()
	pending := l.invoke
	l.invoke = nil
	l.invokeMu.Unlock()
	for _, fn := range pending {
		l.safeCall(fn)
	}
}

// Register adds or replaces the registration for h's fd.
func (l *Loop) Register(h Handler, interest Interest) {
	l.regs[h.FD()] = &registration{handler: h, interest: interest}
}

// Unregister removes any registration for fd. Safe to call on an fd that
// is not registered.
func (l *Loop) Unregister(fd int) {
	delete(l.regs, fd)
}

// SetInterest changes which readiness bits a registered fd is watched for
// (used by handlers that alternate between wanting to read and wanting to
// flush a write buffer).
func (l *Loop) SetInterest(fd int, interest Interest) {
	if r, ok := l.regs[fd]; ok {
		r.interest = interest
	}
}

// AddTimer schedules fn to run once, d from now, and returns a handle fn
// can be cancelled with.
func (l *Loop) AddTimer(d time.Duration, fn func()) TimerHandle {
	e := &timerEntry{deadline: time.Now().Add(d), fn: fn, seq: l.nextSeq}
	l.nextSeq++
	heap.Push(&l.timers, e)
	return TimerHandle{entry: e}
}

// Shutdown requests that Run return after the current turn completes.
func (l *Loop) Shutdown() {
	l.stop = true
	l.wake()
}

func (l *Loop) nextTimeoutMillis(now time.Time) int {
	for l.timers.Len() > 0 && l.timers[0].cancelled {
		heap.Pop(&l.timers)
	}
	if l.timers.Len() == 0 {
		return -1 // block indefinitely
	}
	d := l.timers[0].deadline.Sub(now)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

func (l *Loop) fireExpiredTimers(now time.Time) {
	for l.timers.Len() > 0 {
		top := l.timers[0]
		if top.cancelled {
			heap.Pop(&l.timers)
			continue
		}
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&l.timers)
		l.safeCall(top.fn)
	}
}

func (l *Loop) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.onHandlerError(panicError{r})
		}
	}()
	fn()
}

type panicError struct{ v any }

func (p panicError) Error() string { return fmt.Sprintf("panic in handler: %v", p.v) }

// Run drives the loop until Shutdown is called. Each turn: compute the
// poll timeout from the nearest timer deadline, poll registered fds, fire
// expired timers in deadline order, then dispatch readiness callbacks in
// (arbitrary but stable, per spec.md §4.D) fd order.
func (l *Loop) Run() error {
	for !l.stop {
		now := time.Now()
		timeout := l.nextTimeoutMillis(now)

		pollfds := l.buildPollFDs()
		n, err := unix.Poll(pollfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.onHandlerError(err)
			continue
		}

		l.fireExpiredTimers(time.Now())

		if n > 0 {
			l.dispatchReady(pollfds)
		}
	}
	return nil
}

func (l *Loop) buildPollFDs() []unix.PollFd {
	pollfds := make([]unix.PollFd, 0, len(l.regs))
	for fd, r := range l.regs {
		var events int16
		if r.interest&InterestRead != 0 {
			events |= unix.POLLIN
		}
		if r.interest&InterestWrite != 0 {
			events |= unix.POLLOUT
		}
		pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	sort.Slice(pollfds, func(i, j int) bool { return pollfds[i].Fd < pollfds[j].Fd })
	return pollfds
}

func (l *Loop) dispatchReady(pollfds []unix.PollFd) {
	for _, pfd := range pollfds {
		if pfd.Revents == 0 {
			continue
		}
		reg, ok := l.regs[int(pfd.Fd)]
		if !ok {
			continue // handler unregistered itself mid-turn
		}
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			if rd, ok := reg.handler.(Reader); ok {
				l.safeCallErr(rd.OnReadable)
			}
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			if wr, ok := reg.handler.(Writer); ok {
				l.safeCallErr(wr.OnWritable)
			}
		}
	}
}

func (l *Loop) safeCallErr(fn func(l *Loop) error) {
	defer func() {
		if r := recover(); r != nil {
			l.onHandlerError(panicError{r})
		}
	}()
	if err := fn(l); err != nil {
		l.onHandlerError(err)
	}
}
