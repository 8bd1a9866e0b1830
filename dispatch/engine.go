package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/wzlgo/wzl/internal/wirelog"
	"github.com/wzlgo/wzl/object"
	"github.com/wzlgo/wzl/transport"
	"github.com/wzlgo/wzl/wire"
)

// Side identifies which role an Engine plays on its connection: Server
// handles incoming requests and emits events, Client handles incoming
// events and issues requests. Both roles use the same Engine type since the
// wire protocol is symmetric (§2).
type Side int

const (
	Client Side = iota
	Server
)

// Call carries everything a handler needs to act on one dispatched message:
// the decoded arguments, the object it targeted, and the Engine to reply or
// emit further messages through. Handlers never touch the transport or
// object table directly (§4.4 "pure policy").
type Call struct {
	Engine *Engine
	Entry  *object.Entry
	Header wire.Header
	Args   []wire.Arg
}

// RequestHandler handles one request (server role).
type RequestHandler func(*Call) error

// EventHandler handles one event (client role).
type EventHandler func(*Call) error

type handlerKey struct {
	iface  string
	opcode wire.Opcode
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithBounds overrides the default wire bounds used for encode/decode.
func WithBounds(b *wire.Bounds) Option {
	return func(e *Engine) { e.bounds = b }
}

// WithLogger attaches a structured logger; the default is silent.
func WithLogger(l wirelog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is the per-connection dispatch loop: it owns the transport and
// object table for one connection, routes inbound messages to registered
// handlers, and provides Reply for handlers to send outbound messages
// (§4.4).
type Engine struct {
	side      Side
	transport *transport.Transport
	table     *object.Table
	bounds    *wire.Bounds
	log       wirelog.Logger
	connID    string

	handlerMu       sync.Mutex
	requestHandlers map[handlerKey]RequestHandler
	eventHandlers   map[handlerKey]EventHandler

	// dispatchMu is held for the duration of decode+handler invocation for
	// one message, matching §5's "handlers must acquire the connection's
	// dispatch lock for the duration of a message."
	dispatchMu sync.Mutex

	syncMu      sync.Mutex
	syncWaiters map[wire.ObjectID]chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New creates an Engine for one connection. The table must already be
// primed with object id 1 (wl_display) by the caller's bootstrap step.
func New(side Side, t *transport.Transport, tbl *object.Table, opts ...Option) *Engine {
	e := &Engine{
		side:            side,
		transport:       t,
		table:           tbl,
		bounds:          &wire.DefaultBounds,
		log:             wirelog.Noop(),
		connID:          uuid.New().String(),
		requestHandlers: make(map[handlerKey]RequestHandler),
		eventHandlers:   make(map[handlerKey]EventHandler),
		syncWaiters:     make(map[wire.ObjectID]chan struct{}),
		closed:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("conn", e.connID)
	return e
}

// Side reports whether this engine plays the client or server role.
func (e *Engine) Side() Side { return e.side }

// Table returns the engine's object table, for bootstrap code that needs to
// insert the well-known display/registry objects before Run starts.
func (e *Engine) Table() *object.Table { return e.table }

// Closed returns a channel closed once the engine's connection has ended.
func (e *Engine) Closed() <-chan struct{} { return e.closed }

// Err returns the terminal error once Closed is closed, nil before then.
func (e *Engine) Err() error {
	select {
	case <-e.closed:
		return e.closeErr
	default:
		return nil
	}
}

// RegisterRequestHandler installs h for (iface, opcode), replacing any
// existing handler. Intended to be called during setup, before Run.
func (e *Engine) RegisterRequestHandler(iface string, opcode wire.Opcode, h RequestHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.requestHandlers[handlerKey{iface, opcode}] = h
}

// RegisterEventHandler installs h for (iface, opcode), replacing any
// existing handler.
func (e *Engine) RegisterEventHandler(iface string, opcode wire.Opcode, h EventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.eventHandlers[handlerKey{iface, opcode}] = h
}

// Run decodes and dispatches messages until the transport closes, ctx is
// cancelled, or a handler returns an error. ctx is checked only before a
// socket read; a read already blocked in the kernel is not interrupted by
// cancellation, and ends when the connection is closed. It never reorders
// messages: one full decode+dispatch completes before the next Recv
// (§4.4/§5).
func (e *Engine) Run(ctx context.Context) error {
	for {
		raw, fds, err := e.transport.Recv(ctx)
		if err != nil {
			e.fail(err)
			return err
		}
		if err := e.dispatchMessage(raw, fds); err != nil {
			e.fail(err)
			return err
		}
	}
}

func (e *Engine) dispatchMessage(raw []byte, fds []*transport.OwnedFD) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()

	rawFDs := make([]int, len(fds))
	for i, f := range fds {
		rawFDs[i] = f.Take()
	}

	dec := wire.NewDecoder(raw, e.bounds)
	dec.Reset(raw, rawFDs)

	// Whatever the decoder does not consume as an FD argument — the whole
	// slice, if this message turns out to be malformed or unroutable before
	// a signature is even known — gets closed on the way out.
	defer func() {
		for _, fd := range rawFDs[dec.FDsConsumed():] {
			_ = syscall.Close(fd)
		}
	}()

	hdr, err := dec.DecodeHeader()
	if err != nil {
		e.reportProtocolViolation(0, err)
		return err
	}

	if handled, err := e.handleDisplayMessage(hdr, dec); handled {
		return err
	}

	entry, err := e.table.Lookup(hdr.ObjectID)
	if err != nil {
		if e.table.IsRecentlyRetired(hdr.ObjectID) {
			// A message racing the peer's own retirement of this id is not
			// a protocol violation (§4.4/§9 resolved open question); drop
			// it and keep the connection alive.
			e.log.Debug().Uint32("object", uint32(hdr.ObjectID)).Msg("dropped message for recently retired object")
			return nil
		}
		wrapped := fmt.Errorf("%w: object %d: %v", ErrUnknownObject, hdr.ObjectID, err)
		e.reportProtocolViolation(hdr.ObjectID, wrapped)
		return wrapped
	}

	// A request arriving for an object its own side already marked
	// pending_destroy is a protocol error (§4.3): the peer must not issue
	// further requests on an id it knows is being torn down. Events can
	// still legitimately arrive for one in flight, so this only gates the
	// Server's request path, not the Client's event path.
	if e.side == Server && entry.State == object.PendingDestroy {
		wrapped := fmt.Errorf("%w: object %d is pending destroy", ErrUnknownObject, hdr.ObjectID)
		e.reportProtocolViolation(hdr.ObjectID, wrapped)
		return wrapped
	}

	method, handler, err := e.resolve(entry, hdr.Opcode)
	if err != nil {
		e.reportProtocolViolation(hdr.ObjectID, err)
		return err
	}

	args, err := dec.DecodeArgs(method.Signature)
	if err != nil {
		wrapped := fmt.Errorf("%s.%s: %w", entry.Interface.Name, method.Name, err)
		e.reportProtocolViolation(hdr.ObjectID, wrapped)
		return wrapped
	}

	call := &Call{Engine: e, Entry: entry, Header: hdr, Args: args}
	if id, ok := soleNewID(method.Signature, args); ok {
		if err := e.table.Insert(id, nil, entry.Version, entry.ID); err != nil {
			return fmt.Errorf("%s.%s: auto-insert new_id %d: %w", entry.Interface.Name, method.Name, id, err)
		}
	}

	return handler(call)
}

// reportProtocolViolation best-effort notifies the peer of a fatal protocol
// violation via wl_display.error before the connection closes. Only a
// Server ever does this: error is defined as an event, and events flow
// server→client by construction — a Client engine that catches a malformed
// message from its own server peer has no wl_display.error of its own to
// send back. Any failure to send is swallowed: this is advisory only, the
// caller closes the connection regardless.
func (e *Engine) reportProtocolViolation(target wire.ObjectID, cause error) {
	if e.side != Server {
		return
	}
	code, message, ok := protocolViolationCode(cause)
	if !ok {
		return
	}
	_ = e.send(displayObjectID, displayEventError, wire.Signature{wire.Object, wire.Uint32, wire.String}, []wire.Arg{
		{Kind: wire.Object, Obj: target},
		{Kind: wire.Uint32, U32: code},
		{Kind: wire.String, Str: message},
	})
}

// protocolViolationCode classifies an error returned from dispatchMessage as
// a wl_display.error code/message pair, the way the teacher's dispatch loop
// maps its own sentinel errors onto DisplayError* before closing a
// connection. ok is false for errors that are not peer-caused protocol
// violations (e.g. ErrNoHandler, a local wiring gap, not a wire fault).
func protocolViolationCode(err error) (code uint32, message string, ok bool) {
	switch {
	case errors.Is(err, ErrUnknownObject):
		return DisplayErrorInvalidObject, "invalid_object", true
	case errors.Is(err, ErrBadOpcode):
		return DisplayErrorInvalidMethod, "invalid_method", true
	case errors.Is(err, wire.ErrMalformedMessage),
		errors.Is(err, wire.ErrInvalidArgument),
		errors.Is(err, wire.ErrMissingFD),
		errors.Is(err, wire.ErrStringNotTerminated),
		errors.Is(err, wire.ErrUnexpectedEOF):
		return DisplayErrorImplementation, "implementation", true
	default:
		return 0, "", false
	}
}

// resolve looks up the method descriptor and handler for (entry, opcode)
// according to this engine's side: a Server resolves requests, a Client
// resolves events (§4.4 step 2/3).
func (e *Engine) resolve(entry *object.Entry, opcode wire.Opcode) (wire.Method, func(*Call) error, error) {
	if e.side == Server {
		method, ok := entry.Interface.Request(opcode)
		if !ok {
			return wire.Method{}, nil, fmt.Errorf("%w: %s opcode %d", ErrBadOpcode, entry.Interface.Name, opcode)
		}
		e.handlerMu.Lock()
		h, ok := e.requestHandlers[handlerKey{entry.Interface.Name, opcode}]
		e.handlerMu.Unlock()
		if !ok {
			return method, nil, fmt.Errorf("%w: %s.%s", ErrNoHandler, entry.Interface.Name, method.Name)
		}
		return method, h, nil
	}

	method, ok := entry.Interface.Event(opcode)
	if !ok {
		return wire.Method{}, nil, fmt.Errorf("%w: %s opcode %d", ErrBadOpcode, entry.Interface.Name, opcode)
	}
	e.handlerMu.Lock()
	h, ok := e.eventHandlers[handlerKey{entry.Interface.Name, opcode}]
	e.handlerMu.Unlock()
	if !ok {
		return method, nil, fmt.Errorf("%w: %s.%s", ErrNoHandler, entry.Interface.Name, method.Name)
	}
	return method, h, nil
}

// soleNewID returns the single new_id argument's id if sig names exactly
// one, so the engine can insert the resulting object before the handler
// runs. A handler backfills the concrete interface via Table().SetInterface
// once it knows it (see object.Table.SetInterface) — the engine cannot know
// the target type of a bare new_id without protocol-specific knowledge,
// unlike a generated binding's compile-time type.
func soleNewID(sig wire.Signature, args []wire.Arg) (wire.ObjectID, bool) {
	var id wire.ObjectID
	count := 0
	for i, k := range sig {
		if k == wire.NewID {
			id = args[i].Obj
			count++
		}
	}
	return id, count == 1
}

// Reply sends target an encoded message using its own interface's event
// table (server role replying to a request) or request table (client role
// issuing a request), looking up the signature by opcode so callers pass
// only the already-typed Arg values.
func (e *Engine) Reply(target wire.ObjectID, opcode wire.Opcode, args []wire.Arg) error {
	entry, err := e.table.Lookup(target)
	if err != nil {
		return err
	}
	var sig wire.Signature
	if e.side == Server {
		m, ok := entry.Interface.Event(opcode)
		if !ok {
			return fmt.Errorf("%w: %s opcode %d", ErrBadOpcode, entry.Interface.Name, opcode)
		}
		sig = m.Signature
	} else {
		m, ok := entry.Interface.Request(opcode)
		if !ok {
			return fmt.Errorf("%w: %s opcode %d", ErrBadOpcode, entry.Interface.Name, opcode)
		}
		sig = m.Signature
	}
	return e.send(target, opcode, sig, args)
}

func (e *Engine) send(target wire.ObjectID, opcode wire.Opcode, sig wire.Signature, args []wire.Arg) error {
	data, fds, err := wire.EncodeMessage(e.bounds, target, opcode, sig, args)
	if err != nil {
		return err
	}
	if err := e.transport.Send(data, fds); err != nil {
		return err
	}
	return e.transport.Flush()
}

func (e *Engine) fail(cause error) {
	e.closeOnce.Do(func() {
		e.closeErr = cause
		close(e.closed)
		e.log.Warn().Err(cause).Msg("engine closed")
	})
}

// Close ends the connection from the local side.
func (e *Engine) Close() error {
	e.fail(ErrAlreadyClosed)
	return e.transport.Close()
}
