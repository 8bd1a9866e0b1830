package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wzlgo/wzl/object"
	"github.com/wzlgo/wzl/transport"
	"github.com/wzlgo/wzl/wire"
)

// pingPongIface stands in for a protocol-specific interface; the dispatch
// engine only ever needs a name, a request list, and an event list to route
// on, whatever protocol actually defines them.
var pingPongIface = &wire.Interface{
	Name:       "wl_test",
	MaxVersion: 1,
	Requests: []wire.Method{
		{Name: "ping", Signature: wire.Signature{wire.Uint32}},
	},
	Events: []wire.Method{
		{Name: "pong", Signature: wire.Signature{wire.Uint32}},
	},
}

var factoryIface = &wire.Interface{
	Name:       "wl_test_factory",
	MaxVersion: 1,
	Requests: []wire.Method{
		{Name: "create", Signature: wire.Signature{wire.NewID}},
	},
}

func newTransportPair(t *testing.T) (client, server *transport.Transport) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sock")

	ln, err := transport.Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		tr  *transport.Transport
		err error
	}
	acceptCh := make(chan result, 1)
	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			acceptCh <- result{err: err}
			return
		}
		tr, err := transport.New(conn, 0)
		acceptCh <- result{tr: tr, err: err}
	}()

	client, err = transport.Dial(path)
	require.NoError(t, err)

	res := <-acceptCh
	require.NoError(t, res.err)
	return client, res.tr
}

func newEngine(t *testing.T, side Side, tr *transport.Transport) *Engine {
	t.Helper()
	tbl := object.NewTable(object.ServerSide)
	if side == Client {
		tbl = object.NewTable(object.ClientSide)
	}
	return New(side, tr, tbl)
}

func TestDispatchMessageRoutesToRegisteredHandler(t *testing.T) {
	clientTr, serverTr := newTransportPair(t)
	defer clientTr.Close()
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	require.NoError(t, e.Table().Insert(2, pingPongIface, 1, 0))

	received := make(chan uint32, 1)
	e.RegisterRequestHandler(pingPongIface.Name, 0, func(call *Call) error {
		received <- call.Args[0].U32
		return nil
	})

	raw, _, err := wire.EncodeMessage(nil, 2, 0, wire.Signature{wire.Uint32}, []wire.Arg{{Kind: wire.Uint32, U32: 42}})
	require.NoError(t, err)

	require.NoError(t, e.dispatchMessage(raw, nil))
	require.Equal(t, uint32(42), <-received)
}

func TestDispatchMessageUnknownObjectIsError(t *testing.T) {
	_, serverTr := newTransportPair(t)
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)

	raw, _, err := wire.EncodeMessage(nil, 99, 0, wire.Signature{}, nil)
	require.NoError(t, err)

	err = e.dispatchMessage(raw, nil)
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestDispatchMessageRecentlyRetiredObjectIsDropped(t *testing.T) {
	_, serverTr := newTransportPair(t)
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	require.NoError(t, e.Table().Insert(5, pingPongIface, 1, 0))
	require.NoError(t, e.Table().MarkPendingDestroy(5))
	_, err := e.Table().Retire(5)
	require.NoError(t, err)

	raw, _, err := wire.EncodeMessage(nil, 5, 0, wire.Signature{}, nil)
	require.NoError(t, err)

	// Dropped silently, not surfaced as ErrUnknownObject: a message racing
	// the peer's own retirement of this id is not a protocol violation.
	require.NoError(t, e.dispatchMessage(raw, nil))
}

func TestDispatchMessageBadOpcodeIsError(t *testing.T) {
	_, serverTr := newTransportPair(t)
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	require.NoError(t, e.Table().Insert(2, pingPongIface, 1, 0))

	raw, _, err := wire.EncodeMessage(nil, 2, 7, wire.Signature{}, nil)
	require.NoError(t, err)

	err = e.dispatchMessage(raw, nil)
	require.ErrorIs(t, err, ErrBadOpcode)
}

func TestDispatchMessageNoHandlerIsError(t *testing.T) {
	_, serverTr := newTransportPair(t)
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	require.NoError(t, e.Table().Insert(2, pingPongIface, 1, 0))
	// No RegisterRequestHandler call: the opcode is valid but unhandled.

	raw, _, err := wire.EncodeMessage(nil, 2, 0, wire.Signature{wire.Uint32}, []wire.Arg{{Kind: wire.Uint32, U32: 1}})
	require.NoError(t, err)

	err = e.dispatchMessage(raw, nil)
	require.ErrorIs(t, err, ErrNoHandler)
}

func TestDispatchMessageAutoInsertsNewIDAndHandlerBackfillsInterface(t *testing.T) {
	_, serverTr := newTransportPair(t)
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	require.NoError(t, e.Table().Insert(2, factoryIface, 1, 0))

	e.RegisterRequestHandler(factoryIface.Name, 0, func(call *Call) error {
		newID := call.Args[0].Obj
		// The engine must have inserted this id with no interface yet.
		entry, err := call.Engine.Table().Lookup(newID)
		require.NoError(t, err)
		require.Nil(t, entry.Interface)
		return call.Engine.Table().SetInterface(newID, pingPongIface, 1)
	})

	raw, _, err := wire.EncodeMessage(nil, 2, 0, wire.Signature{wire.NewID}, []wire.Arg{{Kind: wire.NewID, Obj: 50}})
	require.NoError(t, err)

	require.NoError(t, e.dispatchMessage(raw, nil))

	entry, err := e.Table().Lookup(50)
	require.NoError(t, err)
	require.Same(t, pingPongIface, entry.Interface)
	require.Equal(t, wire.ObjectID(2), entry.Parent)
}

func TestDispatchMessageClosesUnconsumedFDsOnError(t *testing.T) {
	_, serverTr := newTransportPair(t)
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	// No object at id 99: this fails at table lookup, before any signature
	// is even known, so every attached fd must be closed on the way out.

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	owned := transport.NewOwnedFD(fds[0])

	raw, _, err := wire.EncodeMessage(nil, 99, 0, wire.Signature{}, nil)
	require.NoError(t, err)

	err = e.dispatchMessage(raw, []*transport.OwnedFD{owned})
	require.ErrorIs(t, err, ErrUnknownObject)

	_, err = unix.FcntlInt(uintptr(fds[0]), unix.F_GETFD, 0)
	require.Error(t, err, "unconsumed fd should have been closed by the dispatch cleanup defer")
}

func TestDispatchMessageRejectsRequestOnPendingDestroyObject(t *testing.T) {
	_, serverTr := newTransportPair(t)
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	require.NoError(t, e.Table().Insert(2, pingPongIface, 1, 0))
	require.NoError(t, e.Table().MarkPendingDestroy(2))

	raw, _, err := wire.EncodeMessage(nil, 2, 0, wire.Signature{wire.Uint32}, []wire.Arg{{Kind: wire.Uint32, U32: 1}})
	require.NoError(t, err)

	err = e.dispatchMessage(raw, nil)
	require.ErrorIs(t, err, ErrUnknownObject)
}

func TestDispatchMessageEmitsDisplayErrorOnBadOpcodeServerSide(t *testing.T) {
	clientTr, serverTr := newTransportPair(t)
	defer clientTr.Close()
	defer serverTr.Close()

	e := newEngine(t, Server, serverTr)
	require.NoError(t, e.Table().Insert(2, pingPongIface, 1, 0))

	raw, _, err := wire.EncodeMessage(nil, 2, 7, wire.Signature{}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, e.dispatchMessage(raw, nil), ErrBadOpcode)

	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	got, _, err := clientTr.Recv(ctx)
	require.NoError(t, err)

	dec := wire.NewDecoder(nil, nil)
	dec.Reset(got, nil)
	hdr, err := dec.DecodeHeader()
	require.NoError(t, err)
	require.Equal(t, displayObjectID, hdr.ObjectID)
	require.Equal(t, displayEventError, hdr.Opcode)

	args, err := dec.DecodeArgs(wire.Signature{wire.Object, wire.Uint32, wire.String})
	require.NoError(t, err)
	require.Equal(t, wire.ObjectID(2), args[0].Obj)
	require.Equal(t, DisplayErrorInvalidMethod, args[1].U32)
	require.Equal(t, "invalid_method", args[2].Str)
}

func TestDispatchMessageClientSideNeverEmitsDisplayError(t *testing.T) {
	clientTr, serverTr := newTransportPair(t)
	defer clientTr.Close()
	defer serverTr.Close()

	e := newEngine(t, Client, serverTr)
	require.NoError(t, e.Table().Insert(2, pingPongIface, 1, 0))

	raw, _, err := wire.EncodeMessage(nil, 2, 7, wire.Signature{}, nil)
	require.NoError(t, err)
	require.ErrorIs(t, e.dispatchMessage(raw, nil), ErrBadOpcode)

	// A Client engine has nothing to send back: wl_display.error is an
	// event, server→client only. Nothing should arrive on the peer side.
	require.NoError(t, serverTr.Send([]byte{0, 0, 0, 0, 0, 0, 8, 0}, nil))
	require.NoError(t, serverTr.Flush())
	ctx, cancel := contextWithTimeout(t)
	defer cancel()
	got, _, err := clientTr.Recv(ctx)
	require.NoError(t, err)
	require.Len(t, got, 8, "only the sentinel probe message should have arrived, nothing from the dispatch error path")
}

func contextWithTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 2*time.Second)
}

func TestResolveClientSideLooksUpEventHandler(t *testing.T) {
	clientTr, _ := newTransportPair(t)
	defer clientTr.Close()

	e := newEngine(t, Client, clientTr)
	require.NoError(t, e.Table().Insert(2, pingPongIface, 1, 0))

	called := false
	e.RegisterEventHandler(pingPongIface.Name, 0, func(call *Call) error {
		called = true
		return nil
	})

	raw, _, err := wire.EncodeMessage(nil, 2, 0, wire.Signature{wire.Uint32}, []wire.Arg{{Kind: wire.Uint32, U32: 1}})
	require.NoError(t, err)

	require.NoError(t, e.dispatchMessage(raw, nil))
	require.True(t, called)
}
