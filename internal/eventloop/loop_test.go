package eventloop

import (
	"os"
	"testing"
	"time"
)

type pipeHandler struct {
	fd   int
	read chan []byte
}

func (p *pipeHandler) FD() int { return p.fd }
func (p *pipeHandler) OnReadable(l *Loop) error {
	buf := make([]byte, 64)
	n, err := os.NewFile(uintptr(p.fd), "pipe").Read(buf)
	if n > 0 {
		p.read <- buf[:n]
	}
	return err
}

func TestLoopFiresTimerInOrder(t *testing.T) {
	l := New(nil)
	var order []int

	l.AddTimer(30*time.Millisecond, func() { order = append(order, 2) })
	l.AddTimer(10*time.Millisecond, func() { order = append(order, 1); l.Shutdown() })

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not shut down in time")
	}

	if len(order) == 0 || order[0] != 1 {
		t.Fatalf("order = %v, want first element 1", order)
	}
}

func TestTimerCancellationIsTombstoned(t *testing.T) {
	l := New(nil)
	fired := false
	h := l.AddTimer(5*time.Millisecond, func() { fired = true })
	h.Cancel()

	l.AddTimer(15*time.Millisecond, func() { l.Shutdown() })
	l.Run()

	if fired {
		t.Errorf("cancelled timer fired")
	}
}

func TestLoopDispatchesReadableFD(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	l := New(nil)
	ph := &pipeHandler{fd: int(r.Fd()), read: make(chan []byte, 1)}
	l.Register(ph, InterestRead)

	go func() {
		w.Write([]byte("hi"))
	}()

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case got := <-ph.read:
		if string(got) != "hi" {
			t.Errorf("got %q, want %q", got, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readable dispatch")
	}
	l.Shutdown()
	<-done
}

func TestHandlerErrorDoesNotStopLoop(t *testing.T) {
	var gotErr error
	l := New(func(err error) { gotErr = err })

	l.AddTimer(1*time.Millisecond, func() { panic("boom") })
	l.AddTimer(10*time.Millisecond, func() { l.Shutdown() })
	l.Run()

	if gotErr == nil {
		t.Errorf("expected onHandlerError to be invoked")
	}
}

func TestInvokeRunsOnLoopGoroutine(t *testing.T) {
	l := New(nil)
	done := make(chan struct{})
	var ran bool

	go func() {
		l.Invoke(func() {
			ran = true
			close(done)
		})
	}()

	go func() {
		l.Run()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Invoke callback did not run in time")
	}
	l.Shutdown()

	if !ran {
		t.Errorf("expected invoked closure to have run")
	}
}

func TestInvokeWakesAnIndefinitelyBlockedPoll(t *testing.T) {
	l := New(nil)
	results := make(chan int, 3)

	go func() {
		l.Run()
	}()

	for i := 0; i < 3; i++ {
		i := i
		l.Invoke(func() { results <- i })
	}

	got := map[int]bool{}
	for i := 0; i < 3; i++ {
		select {
		case v := <-results:
			got[v] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queued invocations")
		}
	}
	l.Shutdown()

	for i := 0; i < 3; i++ {
		if !got[i] {
			t.Errorf("invocation %d never ran", i)
		}
	}
}
