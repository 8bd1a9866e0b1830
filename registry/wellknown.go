// Package registry implements the global-advertisement protocol built on
// wl_registry: the server-side set of advertised globals and the
// client-side registry object clients bind through (§4.5).
package registry

import "github.com/wzlgo/wzl/wire"

// Display describes wl_display: the always-object-1 interface whose sync
// and get_registry requests bootstrap a connection. The dispatch engine
// itself special-cases object id 1 for the sync/error/delete_id path (see
// dispatch.Engine.Sync); this descriptor exists so get_registry can be
// looked up and validated like any other request/event pair.
var DisplayInterface = &wire.Interface{
	Name:       "wl_display",
	MaxVersion: 1,
	Requests: []wire.Method{
		{Name: "sync", Signature: wire.Signature{wire.NewID}},
		{Name: "get_registry", Signature: wire.Signature{wire.NewID}},
	},
	Events: []wire.Method{
		{Name: "error", Signature: wire.Signature{wire.Object, wire.Uint32, wire.String}},
		{Name: "delete_id", Signature: wire.Signature{wire.Uint32}},
	},
}

// RegistryInterface describes wl_registry: global advertisement and bind.
var RegistryInterface = &wire.Interface{
	Name:       "wl_registry",
	MaxVersion: 1,
	Requests: []wire.Method{
		{Name: "bind", Signature: wire.Signature{wire.Uint32, wire.String, wire.Uint32, wire.NewID}},
	},
	Events: []wire.Method{
		{Name: "global", Signature: wire.Signature{wire.Uint32, wire.String, wire.Uint32}},
		{Name: "global_remove", Signature: wire.Signature{wire.Uint32}},
	},
}

// Callback describes wl_callback: a one-shot object that fires "done" and
// is then retired. Used both by wl_display.sync and by any other request
// that hands back a new_id<wl_callback> (e.g. frame callbacks in the
// surface protocols this module does not itself implement).
var CallbackInterface = &wire.Interface{
	Name:       "wl_callback",
	MaxVersion: 1,
	Events: []wire.Method{
		{Name: "done", Signature: wire.Signature{wire.Uint32}},
	},
}

const (
	DisplayRequestSync        wire.Opcode = 0
	DisplayRequestGetRegistry wire.Opcode = 1

	DisplayEventDeleteID wire.Opcode = 1

	RegistryRequestBind wire.Opcode = 0

	RegistryEventGlobal       wire.Opcode = 0
	RegistryEventGlobalRemove wire.Opcode = 1

	CallbackEventDone wire.Opcode = 0
)
