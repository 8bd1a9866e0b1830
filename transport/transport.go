//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/wzlgo/wzl/wire"
)

// DefaultMaxQueuedBytes is the soft high-water mark on the outbound queue
// (§4.2). Send returns ErrWouldBlock once it would be exceeded.
const DefaultMaxQueuedBytes = 4 << 20

// outboundEntry is one queued (bytes, fds) pair awaiting Flush.
type outboundEntry struct {
	data []byte
	fds  []int
}

// Transport owns one unix-domain-socket connection: framed sends/receives
// and ancillary fd passing. Fds attach to the socket write that carries the
// first byte of the message naming them (§4.2); on the inbound side, fds
// are appended to a queue as the kernel delivers them and consumed by the
// codec in message order.
type Transport struct {
	conn     *net.UnixConn
	connFile *os.File
	rawFD    int

	sendMu       sync.Mutex
	outbound     []outboundEntry
	queuedBytes  int64
	maxQueued    int64
	sendSem      *semaphore.Weighted

	recvMu  sync.Mutex
	readBuf []byte
	pending []byte // bytes read but not yet returned as a complete message
	pendFDs []int  // fds read but not yet attached to a returned message

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an established unix connection as a Transport. maxQueuedBytes
// <= 0 uses DefaultMaxQueuedBytes.
func New(conn *net.UnixConn, maxQueuedBytes int64) (*Transport, error) {
	file, err := conn.File()
	if err != nil {
		return nil, fmt.Errorf("transport: get socket file: %w", err)
	}
	if maxQueuedBytes <= 0 {
		maxQueuedBytes = DefaultMaxQueuedBytes
	}

	return &Transport{
		conn:      conn,
		connFile:  file,
		rawFD:     int(file.Fd()),
		maxQueued: maxQueuedBytes,
		sendSem:   semaphore.NewWeighted(maxQueuedBytes),
		readBuf:   make([]byte, wire.DefaultBounds.MaxMessageSize),
		closed:    make(chan struct{}),
	}, nil
}

// Dial connects to path as a client, using the default outbound queue
// high-water mark.
func Dial(path string) (*Transport, error) {
	return DialQueued(path, 0)
}

// DialQueued connects to path as a client with an explicit outbound queue
// high-water mark (<= 0 uses DefaultMaxQueuedBytes), for a caller that
// loaded its own policy override (e.g. from internal/config).
func DialQueued(path string, maxQueuedBytes int64) (*Transport, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: %s is not a unix socket", path)
	}
	return New(unixConn, maxQueuedBytes)
}

// Fd returns the underlying socket file descriptor, for poll/epoll
// integration by an embedder's own event loop.
func (t *Transport) Fd() int { return t.rawFD }

// Closed returns a channel closed once the transport has been closed,
// either by the local caller or by a connection-ending error.
func (t *Transport) Closed() <-chan struct{} { return t.closed }

// Send queues bytes and an optional fd vector for the next Flush. It never
// blocks; once the soft high-water mark would be exceeded it returns
// ErrWouldBlock and queues nothing, per §4.2 "no silent drops."
func (t *Transport) Send(data []byte, fds []int) error {
	if !t.sendSem.TryAcquire(int64(len(data))) {
		return ErrWouldBlock
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	select {
	case <-t.closed:
		t.sendSem.Release(int64(len(data)))
		return ErrClosed
	default:
	}

	t.outbound = append(t.outbound, outboundEntry{data: data, fds: fds})
	t.queuedBytes += int64(len(data))
	return nil
}

// Flush writes every queued entry to the socket in order. Each write blocks
// until the socket accepts the whole entry; Flush does not stop early when
// the socket is full. Fds for an entry are attached to the same sendmsg call
// that carries its bytes (§4.2).
func (t *Transport) Flush() error {
	t.sendMu.Lock()
	pending := t.outbound
	t.outbound = nil
	t.sendMu.Unlock()

	var firstErr error
	for _, entry := range pending {
		if firstErr == nil {
			firstErr = t.writeOne(entry)
		} else {
			// A prior entry in this batch already failed the connection;
			// this one was never attempted and never will be, so its fds
			// are abandoned right here rather than leaked.
			for _, fd := range entry.fds {
				_ = unix.Close(fd)
			}
		}
		// Release this entry's semaphore weight unconditionally: once it
		// has left t.outbound it is either sent, closed by writeOne's own
		// failure path, or closed just above — in every case its queue
		// slot is gone and must not keep counting against the high-water
		// mark (§4.2 "no silent drops" extends to never stranding
		// capacity, not just never dropping bytes).
		t.sendSem.Release(int64(len(entry.data)))
	}
	return firstErr
}

func (t *Transport) writeOne(entry outboundEntry) error {
	if len(entry.fds) == 0 {
		_, err := t.conn.Write(entry.data)
		if err != nil {
			t.fail(err)
		}
		return err
	}

	rights := unix.UnixRights(entry.fds...)
	if err := unix.Sendmsg(t.rawFD, entry.data, rights, nil, 0); err != nil {
		if errors.Is(err, unix.ETOOMANYREFS) || errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.EMFILE) {
			err = fmt.Errorf("%w: sendmsg with %d fds: %v", ErrResourceExhausted, len(entry.fds), err)
		}
		// The connection is terminated on any send failure (§7); the fds
		// named by this entry were never handed to the peer, so close them
		// here rather than leave them owned by a transport that is closing.
		t.fail(err)
		for _, fd := range entry.fds {
			_ = unix.Close(fd)
		}
		return err
	}
	return nil
}

// Recv blocks until one complete message (header-framed, with any fds that
// arrived no later than the message's last byte) is available. It returns
// the raw header bytes + argument bytes and the fds delivered alongside
// them as OwnedFDs; the caller (the dispatch engine) is responsible for
// decoding the header/args and consuming exactly as many OwnedFDs as the
// opcode's signature names.
func (t *Transport) Recv(ctx context.Context) ([]byte, []*OwnedFD, error) {
	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	for {
		if msg, fds, ok := t.takePendingMessage(); ok {
			return msg, fds, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-t.closed:
			return nil, nil, ErrClosed
		default:
		}

		// Up to 28 fds fit comfortably in a 256-byte control buffer.
		oob := make([]byte, 256)

		n, oobn, _, _, err := unix.Recvmsg(t.rawFD, t.readBuf, oob, 0)
		if err != nil {
			t.fail(err)
			return nil, nil, fmt.Errorf("%w: recvmsg: %v", ErrConnectionLost, err)
		}
		if n == 0 {
			t.fail(ErrConnectionLost)
			return nil, nil, ErrConnectionLost
		}

		fds, err := parseFileDescriptors(oob[:oobn])
		if err != nil {
			return nil, nil, err
		}

		t.pending = append(t.pending, t.readBuf[:n]...)
		t.pendFDs = append(t.pendFDs, fds...)
		// Loop: a partial kernel read means takePendingMessage will fail
		// again and we retry the recvmsg, per §4.2's partial-read rule.
	}
}

// takePendingMessage returns one complete message (header.size bytes) from
// the accumulated buffer, if one is fully present. Fds are attached
// greedily: every fd queued so far travels with the first message still
// needing one, which matches "fds ... arrived <= the message's last byte"
// for the common case of one fd-bearing message at a time; a message with N
// fd arguments consumes exactly N of the queued fds.
func (t *Transport) takePendingMessage() ([]byte, []*OwnedFD, bool) {
	if len(t.pending) < wire.HeaderSize {
		return nil, nil, false
	}
	sizeAndOpcode := uint32(t.pending[4]) | uint32(t.pending[5])<<8 | uint32(t.pending[6])<<16 | uint32(t.pending[7])<<24
	size := int(sizeAndOpcode >> 16)
	if size < wire.HeaderSize || size%4 != 0 {
		// Malformed framing is a protocol error the dispatch engine will
		// surface when it decodes the header itself; hand over what we
		// have so it can reject the message with full context.
		size = len(t.pending)
	}
	if len(t.pending) < size {
		return nil, nil, false
	}

	out := make([]byte, size)
	copy(out, t.pending[:size])
	t.pending = t.pending[size:]

	// Hand over all fds queued so far; unconsumed ones remain available to
	// the next message via the returned slice's tail (the decoder advances
	// its own index, so over-supplying is safe — DecodeArgs only consumes
	// as many as the signature names, and ownership of any it does not
	// consume stays with the caller to close or forward).
	fds := t.pendFDs
	t.pendFDs = nil

	owned := make([]*OwnedFD, len(fds))
	for i, fd := range fds {
		owned[i] = NewOwnedFD(fd)
	}
	return out, owned, true
}

func (t *Transport) fail(cause error) {
	_ = cause
	t.shutdown()
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.connFile.Close()
		_ = t.conn.Close()
		t.drainOutbound()
	})
}

// drainOutbound closes every fd still queued for send, per §5 "on
// connection close... all queued outbound bytes and fds are discarded (fds
// explicitly closed)."
func (t *Transport) drainOutbound() {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	for _, entry := range t.outbound {
		for _, fd := range entry.fds {
			_ = unix.Close(fd)
		}
	}
	t.outbound = nil
}

// Close performs a graceful shutdown, closing every fd still held in the
// outbound queue. Fds already received but not yet handed out by Recv are
// not closed.
func (t *Transport) Close() error {
	t.shutdown()
	return nil
}

// parseFileDescriptors extracts fds from a socket control message buffer.
func parseFileDescriptors(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("transport: parse control message: %w", err)
	}

	var fds []int
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			return nil, fmt.Errorf("%w: unexpected ancillary data", ErrProtocolError)
		}
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return nil, fmt.Errorf("transport: parse unix rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}
