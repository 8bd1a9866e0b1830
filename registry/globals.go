package registry

import (
	"sort"
	"sync"

	"github.com/wzlgo/wzl/dispatch"
	"github.com/wzlgo/wzl/wire"
)

// Global is one server-advertised interface: a stable name, the interface
// it implements, and the highest version this server supports for it.
type Global struct {
	Name      uint32
	Interface *wire.Interface
	Version   uint32
}

// registeredRegistry is one live wl_registry object a connected client has
// created via wl_display.get_registry, paired with the engine used to emit
// global/global_remove events to it.
type registeredRegistry struct {
	id     wire.ObjectID
	engine *dispatch.Engine
}

// Globals is the server-side set of advertised globals, shared across every
// connection a compositor accepts. Add/Remove fan out global/global_remove
// to every live registry (§4.5 "dynamic advertisement").
type Globals struct {
	mu         sync.Mutex
	nextName   uint32
	byName     map[uint32]*Global
	registries []*registeredRegistry
}

// NewGlobals creates an empty global set. Names start at 1; 0 is never a
// valid global name, mirroring object id 0 never being a valid object.
func NewGlobals() *Globals {
	return &Globals{byName: make(map[uint32]*Global), nextName: 1}
}

// Add advertises a new global, assigning it the next name, and emits
// wl_registry.global to every currently-bound registry.
func (g *Globals) Add(iface *wire.Interface, version uint32) *Global {
	g.mu.Lock()
	global := &Global{Name: g.nextName, Interface: iface, Version: version}
	g.nextName++
	g.byName[global.Name] = global
	regs := append([]*registeredRegistry(nil), g.registries...)
	g.mu.Unlock()

	for _, r := range regs {
		_ = r.engine.Reply(r.id, RegistryEventGlobal, []wire.Arg{
			{Kind: wire.Uint32, U32: global.Name},
			{Kind: wire.String, Str: global.Interface.Name},
			{Kind: wire.Uint32, U32: global.Version},
		})
	}
	return global
}

// Remove withdraws a global by name and emits wl_registry.global_remove to
// every currently-bound registry.
func (g *Globals) Remove(name uint32) {
	g.mu.Lock()
	delete(g.byName, name)
	regs := append([]*registeredRegistry(nil), g.registries...)
	g.mu.Unlock()

	for _, r := range regs {
		_ = r.engine.Reply(r.id, RegistryEventGlobalRemove, []wire.Arg{
			{Kind: wire.Uint32, U32: name},
		})
	}
}

// Bind validates a wl_registry.bind request against the advertised global
// and returns the effective version: min(advertised, requested) (§4.5).
func (g *Globals) Bind(name uint32, iface string, requestedVersion uint32) (*Global, uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	global, ok := g.byName[name]
	if !ok {
		return nil, 0, ErrGlobalNotFound
	}
	if global.Interface.Name != iface {
		return nil, 0, ErrInterfaceMismatch
	}
	effective := requestedVersion
	if effective > global.Version {
		effective = global.Version
	}
	return global, effective, nil
}

// RegisterConnection attaches a server-role engine's wl_registry object to
// the fan-out list and immediately sends the current global set in
// advertisement (name) order, matching the protocol's "registry starts by
// enumerating existing globals, then receives incremental updates" behavior.
func (g *Globals) RegisterConnection(id wire.ObjectID, engine *dispatch.Engine) {
	g.mu.Lock()
	g.registries = append(g.registries, &registeredRegistry{id: id, engine: engine})
	snapshot := make([]*Global, 0, len(g.byName))
	for _, global := range g.byName {
		snapshot = append(snapshot, global)
	}
	g.mu.Unlock()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })

	for _, global := range snapshot {
		_ = engine.Reply(id, RegistryEventGlobal, []wire.Arg{
			{Kind: wire.Uint32, U32: global.Name},
			{Kind: wire.String, Str: global.Interface.Name},
			{Kind: wire.Uint32, U32: global.Version},
		})
	}
}

// UnregisterConnection removes a disconnected client's registry from the
// fan-out list, called when its Engine observes Closed().
func (g *Globals) UnregisterConnection(id wire.ObjectID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.registries {
		if r.id == id {
			g.registries = append(g.registries[:i], g.registries[i+1:]...)
			return
		}
	}
}
