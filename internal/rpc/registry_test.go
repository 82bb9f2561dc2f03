package rpc

import "testing"

func TestRegistryLookupAndListMethods(t *testing.T) {
	reg := newRegistry()
	reg.register("foo", "bar", "does a thing", []string{"string"}, func(_ *callContext, _ []interface{}) (interface{}, *Fault) {
		return "ok", nil
	})

	m, ok := reg.lookup("foo.bar")
	if !ok {
		t.Fatal("lookup(foo.bar) not found")
	}
	result, f := m.fn(nil, nil)
	if f != nil {
		t.Fatalf("unexpected fault: %v", f)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}

	if _, ok := reg.lookup("foo.baz"); ok {
		t.Errorf("lookup(foo.baz) found, want not found")
	}

	names := reg.listMethods()
	if len(names) != 1 || names[0] != "foo.bar" {
		t.Errorf("listMethods() = %v, want [foo.bar]", names)
	}
}

func TestInstallIntrospectionMethods(t *testing.T) {
	reg := newRegistry()
	reg.register("supervisor", "getVersion", "the version", nil, func(_ *callContext, _ []interface{}) (interface{}, *Fault) {
		return "1.0", nil
	})
	installIntrospection(reg)

	listFn, _ := reg.lookup("system.listMethods")
	got, f := listFn.fn(nil, nil)
	if f != nil {
		t.Fatalf("system.listMethods: unexpected fault %v", f)
	}
	names, ok := got.([]string)
	if !ok || len(names) != 4 {
		t.Fatalf("system.listMethods = %v, want 4 names (getVersion plus the 3 system methods)", got)
	}

	helpFn, _ := reg.lookup("system.methodHelp")
	help, f := helpFn.fn(nil, []interface{}{"supervisor.getVersion"})
	if f != nil {
		t.Fatalf("system.methodHelp: unexpected fault %v", f)
	}
	if help != "the version" {
		t.Errorf("methodHelp = %v, want %q", help, "the version")
	}

	_, f = helpFn.fn(nil, []interface{}{"no.such.method"})
	if f == nil || f.Code != FaultUnknownMethod {
		t.Errorf("methodHelp(unknown) fault = %v, want FaultUnknownMethod", f)
	}
}

func TestArgHelpers(t *testing.T) {
	args := []interface{}{"name", true, float64(42)}

	if s, ok := strArg(args, 0); !ok || s != "name" {
		t.Errorf("strArg(0) = (%q, %v), want (name, true)", s, ok)
	}
	if _, ok := strArg(args, 5); ok {
		t.Errorf("strArg(out of range) ok = true, want false")
	}

	if b := boolArg(args, 1, false); !b {
		t.Errorf("boolArg(1) = false, want true")
	}
	if b := boolArg(args, 5, true); !b {
		t.Errorf("boolArg(out of range, default true) = false, want true")
	}

	if n := intArg(args, 2, -1); n != 42 {
		t.Errorf("intArg(2) = %d, want 42", n)
	}
	if n := intArg(args, 5, 7); n != 7 {
		t.Errorf("intArg(out of range, default 7) = %d, want 7", n)
	}
}
