package rpc

import (
	"time"

	"pupervisord/internal/process"
)

const serverVersion = "1.0"

// callContext carries per-request state a Handler may need: the session
// this call arrived on (for disconnect-driven wait cancellation) and a
// reference back to the server for Supervisor access.
type callContext struct {
	server  *Server
	session *session
}

// onLoop runs fn on the event loop's own goroutine and blocks the
// calling (net/http) goroutine until it has run. Every touch of
// Supervisor or Process state from an RPC handler goes through this --
// it is what keeps spec.md §5's single-writer invariant intact even
// though the HTTP server itself is goroutine-per-connection, matching
// the same self-pipe hand-off idiom internal/eventloop already uses for
// signals, generalized to arbitrary closures (see internal/eventloop's
// Loop.Invoke).
func (ctx *callContext) onLoop(fn func()) {
	done := make(chan struct{})
	ctx.server.loop.Invoke(func() {
		fn()
		close(done)
	})
	<-done
}

// awaitOnProcess blocks until either ch fires (the awaited state was
// reached) or the client disconnects, in which case the parked waiter is
// cancelled on the loop goroutine -- the mandatory cancellation clause of
// spec.md §4.H.
func (ctx *callContext) awaitOnProcess(p *process.Process, ch <-chan process.State) (interface{}, *Fault) {
	select {
	case st := <-ch:
		return map[string]interface{}{"state": st.String()}, nil
	case <-ctx.session.disconnected:
		ctx.onLoop(func() { p.CancelWait(ch) })
		return nil, fault(FaultFailed, "client disconnected while waiting")
	}
}

func (s *Server) buildRegistry() *Registry {
	reg := newRegistry()
	installIntrospection(reg)

	reg.register("supervisor", "getVersion", "Return this server's version string.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			return serverVersion, nil
		})
	reg.register("supervisor", "getPID", "Return the supervisor's own process id.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			return ctx.server.pid, nil
		})
	reg.register("supervisor", "getIdentification", "Return the configured supervisor identifier string.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			var id string
			ctx.onLoop(func() { id = ctx.server.sup.Identifier() })
			return id, nil
		})
	reg.register("supervisor", "getState", "Return the supervisor's own coarse state (RUNNING or SHUTDOWN).", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			var down bool
			ctx.onLoop(func() { down = ctx.server.sup.ShuttingDown() })
			if down {
				return map[string]interface{}{"statename": "SHUTDOWN", "statecode": 1}, nil
			}
			return map[string]interface{}{"statename": "RUNNING", "statecode": 0}, nil
		})

	reg.register("supervisor", "getProcessInfo", "Return status info for one process by name.", []string{"string"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			name, ok := strArg(args, 0)
			if !ok {
				return nil, fault(FaultIncorrectParams, "getProcessInfo requires a process name")
			}
			var info process.Info
			var found bool
			ctx.onLoop(func() {
				p, ok := ctx.server.sup.Process(name)
				found = ok
				if ok {
					info = p.Info()
				}
			})
			if !found {
				return nil, fault(FaultBadName, "no such process %q", name)
			}
			return infoToMap(info), nil
		})
	reg.register("supervisor", "getAllProcessInfo", "Return status info for every supervised process.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			var infos []process.Info
			ctx.onLoop(func() {
				for _, p := range ctx.server.sup.Processes() {
					infos = append(infos, p.Info())
				}
			})
			out := make([]interface{}, 0, len(infos))
			for _, info := range infos {
				out = append(out, infoToMap(info))
			}
			return out, nil
		})

	reg.register("supervisor", "startProcess", "Start a process by name. Optional wait (default true) blocks until RUNNING or a terminal failure.", []string{"string", "boolean"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			name, ok := strArg(args, 0)
			if !ok {
				return nil, fault(FaultIncorrectParams, "startProcess requires a process name")
			}
			wait := boolArg(args, 1, true)

			var found bool
			var startErr error
			var target *process.Process
			var waitCh <-chan process.State
			ctx.onLoop(func() {
				p, ok := ctx.server.sup.Process(name)
				found = ok
				if !ok {
					return
				}
				target = p
				startErr = p.Start()
				if startErr == nil && wait {
					waitCh = p.AwaitState(isRunningOrDead)
				}
			})
			if !found {
				return nil, fault(FaultBadName, "no such process %q", name)
			}
			if startErr != nil {
				if startErr == process.ErrAlreadyStarted {
					return nil, fault(FaultAlreadyStarted, "process %q is already started", name)
				}
				return nil, fault(FaultSpawnError, "%v", startErr)
			}
			if !wait {
				return true, nil
			}
			return ctx.awaitOnProcess(target, waitCh)
		})

	reg.register("supervisor", "stopProcess", "Stop a process by name. Optional wait (default true) blocks until it settles.", []string{"string", "boolean"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			name, ok := strArg(args, 0)
			if !ok {
				return nil, fault(FaultIncorrectParams, "stopProcess requires a process name")
			}
			wait := boolArg(args, 1, true)

			var found, alreadyStopped bool
			var target *process.Process
			var waitCh <-chan process.State
			ctx.onLoop(func() {
				p, ok := ctx.server.sup.Process(name)
				found = ok
				if !ok {
					return
				}
				target = p
				if p.State().IsTerminal() {
					alreadyStopped = true
					return
				}
				p.Stop()
				if wait {
					waitCh = p.AwaitState(func(s process.State) bool { return s.IsTerminal() })
				}
			})
			if !found {
				return nil, fault(FaultBadName, "no such process %q", name)
			}
			if alreadyStopped {
				return true, nil
			}
			if !wait {
				return true, nil
			}
			return ctx.awaitOnProcess(target, waitCh)
		})

	reg.register("supervisor", "restartProcess", "Stop and restart a single process by name.", []string{"string"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			name, ok := strArg(args, 0)
			if !ok {
				return nil, fault(FaultIncorrectParams, "restartProcess requires a process name")
			}
			var found bool
			ctx.onLoop(func() {
				p, ok := ctx.server.sup.Process(name)
				found = ok
				if ok {
					p.Restart()
				}
			})
			if !found {
				return nil, fault(FaultBadName, "no such process %q", name)
			}
			return true, nil
		})

	reg.register("supervisor", "startAllProcesses", "Start every autostart-eligible process.", []string{"boolean"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			var infos []process.Info
			ctx.onLoop(func() {
				ctx.server.sup.StartAll()
				for _, p := range ctx.server.sup.Processes() {
					infos = append(infos, p.Info())
				}
			})
			return infosToSlice(infos), nil
		})
	reg.register("supervisor", "stopAllProcesses", "Stop every process.", []string{"boolean"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			var infos []process.Info
			ctx.onLoop(func() {
				ctx.server.sup.StopAll()
				for _, p := range ctx.server.sup.Processes() {
					infos = append(infos, p.Info())
				}
			})
			return infosToSlice(infos), nil
		})
	reg.register("supervisor", "restart", "Stop every process, then start every autostart process.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			done := make(chan struct{})
			ctx.onLoop(func() {
				ctx.server.sup.RestartAll(func() { close(done) })
			})
			select {
			case <-done:
			case <-ctx.session.disconnected:
			}
			return true, nil
		})
	reg.register("supervisor", "shutdown", "Stop every process and terminate the supervisor.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			ctx.onLoop(func() { ctx.server.sup.RequestShutdown() })
			return true, nil
		})

	reg.register("supervisor", "readProcessLog", "Read length bytes of a process's stdout log starting at offset.", []string{"string", "int", "int"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			return readLogCall(ctx, args, false)
		})
	reg.register("supervisor", "tailProcessLog", "Read length bytes of a process's stdout log, offset relative to the end if omitted.", []string{"string", "int", "int"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			return readLogCall(ctx, args, true)
		})
	reg.register("supervisor", "clearProcessLog", "Clear a process's stdout and stderr logs.", []string{"string"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			name, ok := strArg(args, 0)
			if !ok {
				return nil, fault(FaultIncorrectParams, "clearProcessLog requires a process name")
			}
			var found bool
			var clearErr error
			ctx.onLoop(func() {
				p, ok := ctx.server.sup.Process(name)
				found = ok
				if ok {
					clearErr = p.ClearLogs()
				}
			})
			if !found {
				return nil, fault(FaultBadName, "no such process %q", name)
			}
			if clearErr != nil {
				return nil, fault(FaultFailed, "%v", clearErr)
			}
			return true, nil
		})
	reg.register("supervisor", "clearAllProcessLogs", "Clear every process's stdout and stderr logs.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			ctx.onLoop(func() {
				for _, p := range ctx.server.sup.Processes() {
					p.ClearLogs()
				}
			})
			return true, nil
		})
	reg.register("supervisor", "readLog", "Read length bytes of the supervisor's own activity log starting at offset.", []string{"int", "int"},
		func(ctx *callContext, args []interface{}) (interface{}, *Fault) {
			length := intArg(args, 1, 4096)
			offset := intArg(args, 0, 0)
			var data []byte
			var newOffset int64
			var overflow bool
			var readErr error
			ctx.onLoop(func() {
				data, newOffset, overflow, readErr = ctx.server.log.ReadRange(offset, length)
			})
			if readErr != nil {
				return nil, fault(FaultNoFile, "%v", readErr)
			}
			return map[string]interface{}{
				"data":     string(data),
				"offset":   newOffset,
				"overflow": overflow,
			}, nil
		})
	reg.register("supervisor", "clearLog", "Clear the supervisor's own activity log.", nil,
		func(ctx *callContext, _ []interface{}) (interface{}, *Fault) {
			var rotErr error
			ctx.onLoop(func() { rotErr = ctx.server.sup.Log().ForceRotate() })
			if rotErr != nil {
				return nil, fault(FaultFailed, "%v", rotErr)
			}
			return true, nil
		})

	return reg
}

func isRunningOrDead(s process.State) bool {
	return s == process.Running || s.IsTerminal()
}

func readLogCall(ctx *callContext, args []interface{}, tail bool) (interface{}, *Fault) {
	name, ok := strArg(args, 0)
	if !ok {
		return nil, fault(FaultIncorrectParams, "requires a process name")
	}
	length := intArg(args, 2, 4096)
	offset := intArg(args, 1, 0)
	explicitOffset := len(args) > 1

	var found bool
	var data []byte
	var newOffset int64
	var overflow bool
	var readErr error
	ctx.onLoop(func() {
		p, ok := ctx.server.sup.Process(name)
		found = ok
		if !ok {
			return
		}
		if tail && !explicitOffset {
			if size, err := p.LogSize("stdout"); err == nil {
				offset = size - length
				if offset < 0 {
					offset = 0
				}
			}
		}
		data, newOffset, overflow, readErr = p.ReadLog("stdout", offset, length)
	})
	if !found {
		return nil, fault(FaultBadName, "no such process %q", name)
	}
	if readErr != nil {
		return nil, fault(FaultNoFile, "%v", readErr)
	}
	return map[string]interface{}{
		"data":     string(data),
		"offset":   newOffset,
		"overflow": overflow,
	}, nil
}

func infosToSlice(infos []process.Info) []interface{} {
	out := make([]interface{}, 0, len(infos))
	for _, info := range infos {
		out = append(out, infoToMap(info))
	}
	return out
}

func infoToMap(info process.Info) map[string]interface{} {
	return map[string]interface{}{
		"name":         info.Name,
		"state":        info.State.String(),
		"description":  info.Description,
		"pid":          info.Pid,
		"start":        formatTime(info.Start),
		"stop":         formatTime(info.Stop),
		"exitstatus":   info.ExitCode,
		"spawnerr":     info.SpawnErr,
		"logfile":      info.Logfile,
		"restartcount": info.RestartCount,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
