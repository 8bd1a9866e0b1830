package object

import "github.com/wzlgo/wzl/wire"

// Side identifies which partition of the id space an endpoint allocates
// new_id arguments from (§3).
type Side int

const (
	// ClientSide allocates ids in [1, 0xFEFFFFFF].
	ClientSide Side = iota
	// ServerSide allocates ids in [0xFF000000, 0xFFFFFFFF].
	ServerSide
)

// Allocator hands out monotonically increasing ids within one partition.
// Table.Allocate drives it, skipping any id still present in the table and
// any id still tombstoned from a prior retirement (Design Notes: id
// reuse/ABA).
type Allocator struct {
	side Side
	next uint32
}

// NewAllocator creates an Allocator for the given side. The client side
// starts at 2 (id 1 is always the display object); the server side starts
// at the low end of its partition.
func NewAllocator(side Side) *Allocator {
	a := &Allocator{side: side}
	if side == ClientSide {
		a.next = uint32(wire.ClientIDMin) + 1
	} else {
		a.next = uint32(wire.ServerIDMin)
	}
	return a
}

// Side reports which partition this allocator draws from.
func (a *Allocator) Side() Side { return a.side }

// InPartition reports whether id belongs to this allocator's partition.
func (a *Allocator) InPartition(id wire.ObjectID) bool {
	if a.side == ClientSide {
		return id.InClientPartition()
	}
	return id.InServerPartition()
}

// bump advances the cursor within the partition, wrapping is not
// attempted: exhausting 2^32 ids within one connection's lifetime is not a
// case this implementation defends against, matching the source protocol.
func (a *Allocator) bump() uint32 {
	id := a.next
	a.next++
	return id
}
