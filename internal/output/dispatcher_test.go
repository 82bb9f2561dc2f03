package output

import (
	"bytes"
	"os"
	"testing"
	"time"

	"pupervisord/internal/eventloop"
)

type bufSink struct {
	buf bytes.Buffer
}

func (s *bufSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

func TestDispatcherForwardsBytesAndDeregistersOnEOF(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}

	l := eventloop.New(nil)
	sink := &bufSink{}
	eofCh := make(chan struct{}, 1)
	New(l, r, sink, "test:stdout", nil, func() { eofCh <- struct{}{} })

	go func() {
		w.Write([]byte("hello"))
		w.Close()
	}()

	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	select {
	case <-eofCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EOF deregistration")
	}
	l.Shutdown()
	<-done

	if sink.buf.String() != "hello" {
		t.Errorf("sink = %q, want %q", sink.buf.String(), "hello")
	}
}
