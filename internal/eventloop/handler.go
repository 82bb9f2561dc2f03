// Package eventloop implements the single-threaded, cooperative,
// readiness-driven loop spec.md §4.D mandates: one registry of fd ->
// handler, one min-heap of timers, dispatched from a single goroutine so
// that Process state is mutated from exactly one place.
package eventloop

// Handler is registered against a file descriptor. Interest (read/write)
// is supplied separately at Register time; OnReadable/OnWritable are only
// invoked for the interest bits actually set.
type Handler interface {
	// FD returns the descriptor this handler watches. Must stay stable
	// for the lifetime of the registration.
	FD() int
}

// Reader is implemented by handlers interested in readability.
type Reader interface {
	Handler
	OnReadable(l *Loop) error
}

// Writer is implemented by handlers interested in writability.
type Writer interface {
	Handler
	OnWritable(l *Loop) error
}

// Interest is a bitmask of the readiness a registration cares about.
type Interest uint8

const (
	InterestRead  Interest = 1 << 0
	InterestWrite Interest = 1 << 1
)
