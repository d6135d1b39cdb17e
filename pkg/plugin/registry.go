package plugin

import (
	"fmt"
)

// Registry maps dispatch keys and policy names to plugins. It is immutable
// after construction; concurrent reads need no locking.
type Registry struct {
	byKey  map[uint32]Plugin
	byName map[string]Plugin
}

// NewRegistry builds a registry from the closed set of plugins. Both the
// GET and SET keys of every plugin are registered. Duplicate policy codes
// or names are rejected.
func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{
		byKey:  make(map[uint32]Plugin, 2*len(plugins)),
		byName: make(map[string]Plugin, len(plugins)),
	}
	for _, p := range plugins {
		if err := r.register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) register(p Plugin) error {
	if p.Code() > maxPolicyCode {
		return fmt.Errorf("plugin %q: policy code %d exceeds 24-bit range", p.Name(), p.Code())
	}
	if p.Name() == "" {
		return fmt.Errorf("plugin with code %d has an empty policy name", p.Code())
	}
	if existing, ok := r.byName[p.Name()]; ok {
		return fmt.Errorf("plugin %q: policy name already registered with code %d", p.Name(), existing.Code())
	}
	for _, op := range []OperateType{OperateGet, OperateSet} {
		key := Key(op, p.Code())
		if existing, ok := r.byKey[key]; ok {
			return fmt.Errorf("plugin %q: policy code %d already registered by %q", p.Name(), p.Code(), existing.Name())
		}
		r.byKey[key] = p
	}
	r.byName[p.Name()] = p
	return nil
}

// Resolve looks up the plugin for a dispatch key and reports which operate
// kind the key encodes.
func (r *Registry) Resolve(key uint32) (Plugin, OperateType, bool) {
	op, _, ok := Split(key)
	if !ok {
		return nil, 0, false
	}
	p, ok := r.byKey[key]
	return p, op, ok
}

// ResolveName looks up a plugin by policy name. Used during administrator
// removal where only stored policy names are known.
func (r *Registry) ResolveName(name string) (Plugin, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns the registered policy names in unspecified order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	return names
}
