// Package rpc implements the control-call endpoint and HTML adapter of
// spec.md §4.H: a method registry keyed by (namespace, method), a
// batched multi-call wire format, HTTP Basic auth, and wait=true support
// via each Process's completion waiter list.
package rpc

import "fmt"

// Call is one entry of a request body: a namespace-qualified method name
// (e.g. "supervisor.getState") and its ordered arguments. Grounded on the
// littleboss lbrpc.Request shape -- a flat tagged struct rather than a
// generic positional-args array -- adapted here to a dynamic args slice
// since this registry serves many methods, not one fixed verb.
type Call struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params,omitempty"`
}

// Response is one entry of a response body: exactly one of Result or
// Fault is set, never both, mirroring the Request/ErrResponse split in
// lbrpc.go rather than encoding success/failure as an HTTP status alone
// (a batched multi-call needs per-call status).
type Response struct {
	Result interface{} `json:"result,omitempty"`
	Fault  *Fault      `json:"fault,omitempty"`
}

// Fault carries a numeric code and message, replacing exception-for-
// control-flow (what the Python original raises as a Fault exception)
// with an explicit result discriminant, per DESIGN NOTES.
type Fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string { return fmt.Sprintf("fault %d: %s", f.Code, f.Message) }

func fault(code int, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Fault codes. Numbering follows the supervisord XML-RPC fault
// convention closely enough to be recognizable, but is renormalized here
// as this server's own namespace rather than a byte-for-byte port.
//
// FaultBadSignal and FaultAbnormalExit are part of that namespace but
// unused by the method set in methods.go (no signalProcess method is exposed;
// abnormal-exit reporting goes through getProcessInfo's exitstatus field
// rather than a distinct fault) -- kept so the code space stays stable if
// a future method needs them.
const (
	FaultUnknownMethod   = 1
	FaultIncorrectParams = 2
	FaultBadArguments    = 3
	FaultShutdownState   = 6
	FaultBadName         = 10
	FaultBadSignal       = 11
	FaultNoFile          = 20
	FaultFailed          = 70
	FaultAbnormalExit    = 71
	FaultSpawnError      = 72
	FaultAlreadyStarted  = 73
	FaultNotRunning      = 74
)
