//go:build linux

package transport

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPair(t *testing.T) (client, server *Transport) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sock")

	ln, err := Listen(path)
	require.NoError(t, err)
	defer ln.Close()

	type result struct {
		tr  *Transport
		err error
	}
	acceptCh := make(chan result, 1)
	go func() {
		conn, err := ln.AcceptUnix()
		if err != nil {
			acceptCh <- result{err: err}
			return
		}
		tr, err := New(conn, 0)
		acceptCh <- result{tr: tr, err: err}
	}()

	client, err = Dial(path)
	require.NoError(t, err)

	res := <-acceptCh
	require.NoError(t, res.err)
	return client, res.tr
}

// TestFlushReleasesSendSemForAllEntriesOnFailure forces writeOne to fail on
// the first entry of a multi-entry batch and checks that every entry's
// sendSem weight is released — not just the failed one — and that every
// entry's fds are closed rather than leaked. §4.2's "no silent drops"
// extends to queue capacity: a batch failure must not permanently shrink
// the outbound high-water mark.
func TestFlushReleasesSendSemForAllEntriesOnFailure(t *testing.T) {
	client, server := newPair(t)
	defer server.Close()

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()

	require.NoError(t, client.Send([]byte{0, 0, 0, 0, 0, 0, 0, 8}, []int{int(pw.Fd())}))
	require.NoError(t, client.Send([]byte{0, 0, 0, 0, 0, 0, 0, 8}, nil))
	require.NoError(t, client.Send([]byte{0, 0, 0, 0, 0, 0, 0, 8}, nil))

	// Sever the connection out from under Flush so the first writeOne call
	// fails deterministically, without depending on any OS-specific
	// resource-exhaustion behavior.
	require.NoError(t, unix.Close(client.rawFD))

	err = client.Flush()
	require.Error(t, err)

	select {
	case <-client.Closed():
	default:
		t.Fatal("transport should be closed after a failed write")
	}

	// Every entry's weight must be back, including the two that were never
	// attempted because the first one already failed the connection.
	require.True(t, client.sendSem.TryAcquire(client.maxQueued))

	_, fcntlErr := unix.FcntlInt(pw.Fd(), unix.F_GETFD, 0)
	require.Error(t, fcntlErr, "fd queued on the failed entry should have been closed, not leaked")
}

// TestWriteOneClassifiesResourceExhaustion forces the ETOOMANYREFS branch of
// writeOne by lowering RLIMIT_NOFILE below the number of unix-socket fds
// already queued for a peer that never reads them, then queuing one more.
// The kernel's too_many_unix_fds() check this trips is waived for
// CAP_SYS_RESOURCE/CAP_SYS_ADMIN, so it cannot be forced while running as
// root.
func TestWriteOneClassifiesResourceExhaustion(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("RLIMIT_NOFILE fd-inflight accounting is bypassed for root")
	}

	client, server := newPair(t)
	defer server.Close()

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()

	var rlimit syscall.Rlimit
	require.NoError(t, syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit))
	orig := rlimit
	defer syscall.Setrlimit(syscall.RLIMIT_NOFILE, &orig)
	rlimit.Cur = 16
	require.NoError(t, syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit))

	var lastErr error
	for i := 0; i < 64 && lastErr == nil; i++ {
		lastErr = client.writeOne(outboundEntry{
			data: []byte{0, 0, 0, 0, 0, 0, 0, 8},
			fds:  []int{int(pw.Fd())},
		})
	}
	require.ErrorIs(t, lastErr, ErrResourceExhausted)

	select {
	case <-client.Closed():
	default:
		t.Fatal("transport should be closed after resource exhaustion")
	}

	_, fcntlErr := unix.FcntlInt(pw.Fd(), unix.F_GETFD, 0)
	require.Error(t, fcntlErr, "fd on the failed entry should have been closed, not leaked")
}
