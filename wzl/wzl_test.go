package wzl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wzlgo/wzl/registry"
	"github.com/wzlgo/wzl/wire"
)

// compositorIface/shmIface stand in for two protocols this module does not
// itself implement (surface/xdg-shell's wl_compositor, wl_shm) — only their
// interface descriptors matter here, to exercise bind/version-clamp end to
// end exactly as a real embedder's globals would.
var compositorIface = &wire.Interface{Name: "wl_compositor", MaxVersion: 6}
var shmIface = &wire.Interface{Name: "wl_shm", MaxVersion: 1}

func newListeningServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wayland-test")

	srv, err := Listen(WithSocketPath(path))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-serveErr
	})
	return srv, path
}

func dialInto(t *testing.T, path string) *Client {
	t.Helper()
	cl, err := Dial(context.Background(), WithSocketPath(path))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

// TestBareConnectEnumeratesAdvertisedGlobals covers S1: a client connects,
// and its registry enumerates every global the server advertised before
// the client connected, in assigned-name order.
func TestBareConnectEnumeratesAdvertisedGlobals(t *testing.T) {
	srv, path := newListeningServer(t)
	srv.Globals().Add(compositorIface, 6)
	srv.Globals().Add(shmIface, 1)

	cl := dialInto(t, path)

	require.Eventually(t, func() bool {
		return len(cl.Registry().ListGlobals()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	compositorName, ok := cl.Registry().FindGlobal("wl_compositor")
	require.True(t, ok)
	shmName, ok := cl.Registry().FindGlobal("wl_shm")
	require.True(t, ok)
	require.Less(t, compositorName, shmName, "globals advertised first get the lower name")
}

// TestBindUsesMinOfAdvertisedAndRequestedVersion covers S2: binding
// wl_compositor at version 4 against an advertised 6 stores the effective
// version min(6, 4) = 4 in the client's object table.
func TestBindUsesMinOfAdvertisedAndRequestedVersion(t *testing.T) {
	srv, path := newListeningServer(t)
	srv.Globals().Add(compositorIface, 6)
	cl := dialInto(t, path)

	require.Eventually(t, func() bool {
		_, ok := cl.Registry().FindGlobal("wl_compositor")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	name, _ := cl.Registry().FindGlobal("wl_compositor")
	id, err := cl.Registry().Bind(name, compositorIface, 4)
	require.NoError(t, err)

	require.NoError(t, cl.Sync(context.Background()))

	entry, err := cl.Engine().Table().Lookup(id)
	require.NoError(t, err)
	require.Equal(t, uint32(4), entry.Version)
}

// TestSyncRoundtripCompletesRepeatedly covers S3: repeated client Sync
// calls each complete once the server answers with done+delete_id, proving
// the callback-id-keyed wait map and its tombstoning cycle correctly
// through more than one roundtrip rather than just the first.
func TestSyncRoundtripCompletesRepeatedly(t *testing.T) {
	_, path := newListeningServer(t)
	cl := dialInto(t, path)

	require.NoError(t, cl.Sync(context.Background()))
	require.NoError(t, cl.Sync(context.Background()))
	require.NoError(t, cl.Sync(context.Background()))
}

// TestBindUnknownGlobalIsError exercises the client-side Bind error path
// end to end over a real connection, not just registry's white-box tests.
func TestBindUnknownGlobalIsError(t *testing.T) {
	_, path := newListeningServer(t)
	cl := dialInto(t, path)

	_, err := cl.Registry().Bind(999, compositorIface, 1)
	require.ErrorIs(t, err, registry.ErrGlobalNotFound)
}
