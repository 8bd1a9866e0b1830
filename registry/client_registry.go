package registry

import (
	"sync"

	"github.com/wzlgo/wzl/dispatch"
	"github.com/wzlgo/wzl/wire"
)

// Registry is the client-side view of the server's advertised globals,
// bound once per connection via wl_display.get_registry. It tracks every
// global event it has seen and lets the caller bind to one.
type Registry struct {
	engine *dispatch.Engine
	id     wire.ObjectID

	mu      sync.RWMutex
	globals map[uint32]*Global

	onGlobal       func(*Global)
	onGlobalRemove func(name uint32)
}

// NewRegistry allocates the registry's new_id, sends wl_display.get_registry,
// and installs the event handlers that keep its global set current. The
// caller is responsible for a subsequent Engine.Sync roundtrip if it needs
// the initial global set before proceeding (§4.5, §8 S2).
func NewRegistry(e *dispatch.Engine) (*Registry, error) {
	id, err := e.Table().Allocate(RegistryInterface, 1, displayID)
	if err != nil {
		return nil, err
	}

	r := &Registry{engine: e, id: id, globals: make(map[uint32]*Global)}

	e.RegisterEventHandler(RegistryInterface.Name, RegistryEventGlobal, r.handleGlobal)
	e.RegisterEventHandler(RegistryInterface.Name, RegistryEventGlobalRemove, r.handleGlobalRemove)

	err = e.Reply(displayID, DisplayRequestGetRegistry, []wire.Arg{
		{Kind: wire.NewID, Obj: id},
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// displayID is wl_display's fixed object id.
const displayID wire.ObjectID = 1

// ID returns the wl_registry object id this client bound.
func (r *Registry) ID() wire.ObjectID { return r.id }

// Bind requests a new object for the named global at the effective version
// min(advertised, requested), inserting the resulting object into the
// engine's table with that interface (§4.5).
func (r *Registry) Bind(name uint32, iface *wire.Interface, requestedVersion uint32) (wire.ObjectID, error) {
	r.mu.RLock()
	global, ok := r.globals[name]
	r.mu.RUnlock()
	if !ok {
		return 0, ErrGlobalNotFound
	}
	if global.Interface.Name != iface.Name {
		return 0, ErrInterfaceMismatch
	}

	effective := requestedVersion
	if effective > global.Version {
		effective = global.Version
	}

	id, err := r.engine.Table().Allocate(iface, effective, r.id)
	if err != nil {
		return 0, err
	}

	err = r.engine.Reply(r.id, RegistryRequestBind, []wire.Arg{
		{Kind: wire.Uint32, U32: name},
		{Kind: wire.String, Str: iface.Name},
		{Kind: wire.Uint32, U32: effective},
		{Kind: wire.NewID, Obj: id},
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// FindGlobal returns the name of the first known global implementing iface.
func (r *Registry) FindGlobal(iface string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.globals {
		if g.Interface.Name == iface {
			return g.Name, true
		}
	}
	return 0, false
}

// ListGlobals returns a snapshot of every known global.
func (r *Registry) ListGlobals() []*Global {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Global, 0, len(r.globals))
	for _, g := range r.globals {
		copyG := *g
		out = append(out, &copyG)
	}
	return out
}

// SetGlobalHandler installs a callback invoked for every global event, with
// the registry's internal lock released (§4.5, resolved Open Question).
func (r *Registry) SetGlobalHandler(h func(*Global)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGlobal = h
}

// SetGlobalRemoveHandler installs a callback invoked for every
// global_remove event, lock released.
func (r *Registry) SetGlobalRemoveHandler(h func(name uint32)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onGlobalRemove = h
}

func (r *Registry) handleGlobal(call *dispatch.Call) error {
	name := call.Args[0].U32
	iface := call.Args[1].Str
	version := call.Args[2].U32

	global := &Global{Name: name, Interface: &wire.Interface{Name: iface, MaxVersion: version}, Version: version}

	r.mu.Lock()
	r.globals[name] = global
	handler := r.onGlobal
	r.mu.Unlock()

	if handler != nil {
		handler(global)
	}
	return nil
}

func (r *Registry) handleGlobalRemove(call *dispatch.Call) error {
	name := call.Args[0].U32

	r.mu.Lock()
	delete(r.globals, name)
	handler := r.onGlobalRemove
	r.mu.Unlock()

	if handler != nil {
		handler(name)
	}
	return nil
}
