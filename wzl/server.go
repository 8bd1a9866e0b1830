package wzl

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/wzlgo/wzl/dispatch"
	"github.com/wzlgo/wzl/object"
	"github.com/wzlgo/wzl/registry"
	"github.com/wzlgo/wzl/transport"
	"github.com/wzlgo/wzl/wire"
)

// Server accepts connections and runs one dispatch.Engine per client, all
// sharing a single Globals set (§5 "process hosts many connections
// simultaneously with no cross-connection coupling" — the only shared
// state is the advertised global set itself, by design).
type Server struct {
	ln      *net.UnixListener
	globals *registry.Globals
	cfg     *config
}

// Listen creates the compositor's socket and prepares a Server. Call
// Serve to start accepting connections, and Globals().Add before or after to
// populate the global set — Globals.Add fans out to every already-connected
// registry too.
func Listen(opts ...Option) (*Server, error) {
	cfg := newConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.loadErr != nil {
		return nil, cfg.loadErr
	}

	ln, err := transport.Listen(cfg.socketPath)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, globals: registry.NewGlobals(), cfg: cfg}, nil
}

// Globals returns the shared advertised-global set, for a host process to
// Add/Remove interfaces as it stands up and tears down its own globals.
func (s *Server) Globals() *registry.Globals { return s.globals }

// Addr returns the listening socket's address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled, running one goroutine
// per connection via errgroup so the first connection-ending error is
// observable without leaking goroutines on shutdown. After cancellation it
// returns once every accepted connection's dispatch loop has ended.
func (s *Server) Serve(ctx context.Context) error {
	// A plain Group rather than errgroup.WithContext: Run always ends with a
	// non-nil error, and one client disconnecting must not cancel the accept
	// loop or the other clients' connections.
	var group errgroup.Group
	gctx := ctx

	group.Go(func() error {
		<-gctx.Done()
		return s.ln.Close()
	})

	for {
		unixConn, err := s.ln.AcceptUnix()
		if err != nil {
			select {
			case <-gctx.Done():
				return group.Wait()
			default:
				return err
			}
		}

		group.Go(func() error {
			return s.serveConn(gctx, unixConn)
		})
	}
}

func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) error {
	t, err := transport.New(conn, s.cfg.maxQueuedBytes)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close() }()

	tbl := object.NewTable(object.ServerSide)
	if err := tbl.Insert(1, registry.DisplayInterface, 1, 0); err != nil {
		return err
	}

	engine := dispatch.New(dispatch.Server, t, tbl,
		dispatch.WithBounds(s.cfg.bounds),
		dispatch.WithLogger(s.cfg.logger),
	)
	var registryID wire.ObjectID
	s.registerDisplayHandlers(engine, &registryID)
	defer func() {
		if registryID != 0 {
			s.globals.UnregisterConnection(registryID)
		}
	}()

	return engine.Run(ctx)
}

// registerDisplayHandlers wires wl_display's two requests (sync,
// get_registry) to this server's behavior: sync always replies
// immediately (there is no request queue depth to drain), get_registry
// attaches the new wl_registry object to the shared Globals fan-out.
func (s *Server) registerDisplayHandlers(e *dispatch.Engine, registryID *wire.ObjectID) {
	e.RegisterRequestHandler(registry.DisplayInterface.Name, registry.DisplayRequestSync, func(call *dispatch.Call) error {
		callbackID := call.Args[0].Obj
		if err := call.Engine.Table().SetInterface(callbackID, registry.CallbackInterface, 1); err != nil {
			return err
		}
		if err := call.Engine.Reply(callbackID, registry.CallbackEventDone, []wire.Arg{
			{Kind: wire.Uint32, U32: 0},
		}); err != nil {
			return err
		}
		if err := call.Engine.Table().MarkPendingDestroy(callbackID); err != nil {
			return err
		}
		if _, err := call.Engine.Table().Retire(callbackID); err != nil {
			return err
		}
		return call.Engine.Reply(1, registry.DisplayEventDeleteID, []wire.Arg{
			{Kind: wire.Uint32, U32: uint32(callbackID)},
		})
	})

	e.RegisterRequestHandler(registry.DisplayInterface.Name, registry.DisplayRequestGetRegistry, func(call *dispatch.Call) error {
		id := call.Args[0].Obj
		if err := call.Engine.Table().SetInterface(id, registry.RegistryInterface, 1); err != nil {
			return err
		}
		*registryID = id
		s.globals.RegisterConnection(id, call.Engine)
		return nil
	})

	e.RegisterRequestHandler(registry.RegistryInterface.Name, registry.RegistryRequestBind, func(call *dispatch.Call) error {
		name := call.Args[0].U32
		iface := call.Args[1].Str
		requestedVersion := call.Args[2].U32
		newID := call.Args[3].Obj

		global, effective, err := s.globals.Bind(name, iface, requestedVersion)
		if err != nil {
			return err
		}
		return call.Engine.Table().SetInterface(newID, global.Interface, effective)
	})
}
