package rpc

import (
	"sort"
)

// Handler implements one RPC method. args are the positional parameters
// already type-asserted by the caller; ctx carries the request/session
// state a handler may need (disconnect notification for wait=true,
// logging, correlation id).
type Handler func(ctx *callContext, args []interface{}) (interface{}, *Fault)

type methodEntry struct {
	namespace string
	name      string
	help      string
	signature []string
	fn        Handler
}

// Registry maps "namespace.method" to its Handler, and backs the
// introspection methods (listMethods/methodHelp/methodSignature) that
// spec.md §4.H requires every RPC server to expose.
type Registry struct {
	methods map[string]*methodEntry
	order   []string
}

func newRegistry() *Registry {
	return &Registry{methods: make(map[string]*methodEntry)}
}

func (r *Registry) register(namespace, name, help string, signature []string, fn Handler) {
	full := namespace + "." + name
	r.methods[full] = &methodEntry{namespace: namespace, name: name, help: help, signature: signature, fn: fn}
	r.order = append(r.order, full)
}

func (r *Registry) lookup(full string) (*methodEntry, bool) {
	m, ok := r.methods[full]
	return m, ok
}

// listMethods returns every registered "namespace.method" name in a
// stable, sorted order.
func (r *Registry) listMethods() []string {
	names := append([]string{}, r.order...)
	sort.Strings(names)
	return names
}

func installIntrospection(reg *Registry) {
	reg.register("system", "listMethods", "Return the list of available RPC methods.", nil, func(_ *callContext, _ []interface{}) (interface{}, *Fault) {
		return reg.listMethods(), nil
	})
	reg.register("system", "methodHelp", "Return the docstring for the given method name.", []string{"string"}, func(_ *callContext, args []interface{}) (interface{}, *Fault) {
		name, ok := strArg(args, 0)
		if !ok {
			return nil, fault(FaultIncorrectParams, "methodHelp requires a method name")
		}
		m, ok := reg.lookup(name)
		if !ok {
			return nil, fault(FaultUnknownMethod, "unknown method %q", name)
		}
		return m.help, nil
	})
	reg.register("system", "methodSignature", "Return the argument type signature for the given method name.", []string{"string"}, func(_ *callContext, args []interface{}) (interface{}, *Fault) {
		name, ok := strArg(args, 0)
		if !ok {
			return nil, fault(FaultIncorrectParams, "methodSignature requires a method name")
		}
		m, ok := reg.lookup(name)
		if !ok {
			return nil, fault(FaultUnknownMethod, "unknown method %q", name)
		}
		return m.signature, nil
	})
}

func strArg(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func boolArg(args []interface{}, i int, def bool) bool {
	if i >= len(args) {
		return def
	}
	b, ok := args[i].(bool)
	if !ok {
		return def
	}
	return b
}

func intArg(args []interface{}, i int, def int64) int64 {
	if i >= len(args) {
		return def
	}
	switch v := args[i].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return def
	}
}
