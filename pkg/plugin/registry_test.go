package plugin

import (
	"sort"
	"testing"
)

type stubPlugin struct {
	name string
	code uint32
}

func (p stubPlugin) Name() string                                   { return p.name }
func (p stubPlugin) Code() uint32                                   { return p.code }
func (p stubPlugin) Permission(OperateType) string                  { return "perm." + p.name }
func (p stubPlugin) NeedSave() bool                                 { return true }
func (p stubPlugin) OnSet([]byte, string, int32) (string, bool, error) {
	return "", false, nil
}
func (p stubPlugin) OnGet(string, int32) ([]byte, error)    { return nil, nil }
func (p stubPlugin) Merge(map[string]string) (string, error) { return "", nil }
func (p stubPlugin) OnSetDone(string, bool, int32)           {}
func (p stubPlugin) OnAdminRemove(string, string, int32) error { return nil }
func (p stubPlugin) OnAdminRemoveDone(string, string, int32)   {}

func TestKeyRoundTrip(t *testing.T) {
	cases := []struct {
		op   OperateType
		code uint32
	}{
		{OperateGet, 1},
		{OperateSet, 1},
		{OperateGet, 1001},
		{OperateSet, 0xFFFFFF},
	}
	for _, tc := range cases {
		key := Key(tc.op, tc.code)
		op, code, ok := Split(key)
		if !ok {
			t.Fatalf("Split(%#x) not ok", key)
		}
		if op != tc.op || code != tc.code {
			t.Fatalf("Split(Key(%v, %d)) = (%v, %d)", tc.op, tc.code, op, code)
		}
	}
}

func TestSplitRejectsUnknownOperation(t *testing.T) {
	if _, _, ok := Split(2<<24 | 1001); ok {
		t.Fatal("Split accepted an operation kind beyond set")
	}
}

func TestRegistryResolve(t *testing.T) {
	r, err := NewRegistry(stubPlugin{name: "a", code: 10}, stubPlugin{name: "b", code: 20})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	p, op, ok := r.Resolve(Key(OperateSet, 10))
	if !ok || p.Name() != "a" || op != OperateSet {
		t.Fatalf("Resolve set key = (%v, %v, %v)", p, op, ok)
	}
	p, op, ok = r.Resolve(Key(OperateGet, 20))
	if !ok || p.Name() != "b" || op != OperateGet {
		t.Fatalf("Resolve get key = (%v, %v, %v)", p, op, ok)
	}
	if _, _, ok := r.Resolve(Key(OperateGet, 99)); ok {
		t.Fatal("Resolve found a plugin for an unregistered code")
	}

	if p, ok := r.ResolveName("b"); !ok || p.Code() != 20 {
		t.Fatalf("ResolveName(b) = (%v, %v)", p, ok)
	}
	if _, ok := r.ResolveName("zzz"); ok {
		t.Fatal("ResolveName found an unregistered name")
	}
}

func TestRegistryNames(t *testing.T) {
	r, err := NewRegistry(stubPlugin{name: "b", code: 2}, stubPlugin{name: "a", code: 1})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	names := r.Names()
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(stubPlugin{name: "a", code: 1}, stubPlugin{name: "b", code: 1}); err == nil {
		t.Fatal("duplicate code accepted")
	}
	if _, err := NewRegistry(stubPlugin{name: "a", code: 1}, stubPlugin{name: "a", code: 2}); err == nil {
		t.Fatal("duplicate name accepted")
	}
	if _, err := NewRegistry(stubPlugin{name: "", code: 1}); err == nil {
		t.Fatal("empty name accepted")
	}
	if _, err := NewRegistry(stubPlugin{name: "big", code: 1 << 24}); err == nil {
		t.Fatal("out-of-range code accepted")
	}
}
