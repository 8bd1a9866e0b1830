// Package wzl is a pure-Go implementation of the Wayland wire protocol's
// core: message encoding/decoding, the fd-passing unix-socket transport,
// the per-connection object table, the dispatch engine that routes
// messages to registered handlers, and the registry protocol clients use
// to discover and bind server-advertised globals.
//
// wzl implements none of the surface, buffer, xdg-shell, input, color, or
// scaling protocols built on top of this core — those are external
// interface-registration points, reached through dispatch.Engine's handler
// tables (wire.Interface descriptors an embedder supplies). wzl also does
// not implement a rendering backend, remote streaming, a compositor scene
// graph, or a hardware cursor; it only carries the bytes and keeps the
// object bookkeeping consistent.
//
// A client dials a compositor with Client, which bootstraps the
// connection's object 1 (wl_display), fetches the registry, and performs
// one sync roundtrip so the initial global set is populated before it
// returns. A compositor listens with Server, which accepts connections and
// runs one dispatch.Engine per client.
package wzl
