package object

import (
	"fmt"
	"sync"

	"github.com/wzlgo/wzl/wire"
)

// Liveness is the lifecycle state of an object entry (§3).
type Liveness int

const (
	Live Liveness = iota
	PendingDestroy
	Retired
)

func (l Liveness) String() string {
	switch l {
	case Live:
		return "live"
	case PendingDestroy:
		return "pending_destroy"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// Entry is one object table row: its id, interface, negotiated version,
// liveness, and the parent id that created it (0 = no parent), used for
// cascade retirement.
type Entry struct {
	ID        wire.ObjectID
	Interface *wire.Interface
	Version   uint32
	State     Liveness
	Parent    wire.ObjectID
}

// Table is the per-endpoint id→object mapping described in §4.3. The lock
// order this type participates in is: Allocator (embedded below) → Table →
// per-interface handler state (owned by the dispatch engine). Code outside
// this package must never acquire a per-interface lock and then call into
// Table — only the other way round.
type Table struct {
	mu       sync.Mutex
	alloc    *Allocator
	entries  map[wire.ObjectID]*Entry
	children map[wire.ObjectID][]wire.ObjectID

	// tombstones holds ids retired and not inserted again since,
	// implementing the "drop if recently retired" rule from §4.4/§9: an
	// event arriving for a tombstoned id is a race with in-flight retirement,
	// not a protocol violation, until the id is inserted again. Allocate
	// skips tombstoned ids, so only an explicit Insert clears one.
	tombstones map[wire.ObjectID]struct{}
}

// NewTable creates an empty object table for the given side.
func NewTable(side Side) *Table {
	return &Table{
		alloc:      NewAllocator(side),
		entries:    make(map[wire.ObjectID]*Entry),
		children:   make(map[wire.ObjectID][]wire.ObjectID),
		tombstones: make(map[wire.ObjectID]struct{}),
	}
}

// Side reports which partition this table's allocator draws ids from.
func (t *Table) Side() Side { return t.alloc.Side() }

// Insert adds a new entry at an explicit id (used when the peer names the
// new_id, i.e. when we are the receiving side of a new_id argument).
func (t *Table) Insert(id wire.ObjectID, iface *wire.Interface, version uint32, parent wire.ObjectID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(id, iface, version, parent)
}

func (t *Table) insertLocked(id wire.ObjectID, iface *wire.Interface, version uint32, parent wire.ObjectID) error {
	if _, exists := t.entries[id]; exists {
		return fmt.Errorf("%w: id %d already present", ErrInvalidObject, id)
	}
	t.entries[id] = &Entry{ID: id, Interface: iface, Version: version, State: Live, Parent: parent}
	delete(t.tombstones, id)
	if parent != 0 {
		t.children[parent] = append(t.children[parent], id)
	}
	return nil
}

// Allocate reserves the next id in this table's own partition and inserts
// it as a Live entry in one atomic step (id-allocator lock → table lock,
// collapsed into a single critical section here since both live on the
// same connection-scoped Table). Used when we originate a new_id argument.
func (t *Table) Allocate(iface *wire.Interface, version uint32, parent wire.ObjectID) (wire.ObjectID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		id := wire.ObjectID(t.alloc.bump())
		if !t.alloc.InPartition(id) {
			return 0, fmt.Errorf("%w: allocator exhausted its partition", ErrIDOutOfPartition)
		}
		if _, exists := t.entries[id]; exists {
			continue
		}
		if _, tomb := t.tombstones[id]; tomb {
			continue
		}
		if err := t.insertLocked(id, iface, version, parent); err != nil {
			return 0, err
		}
		return id, nil
	}
}

// SetInterface backfills the interface descriptor on an entry created before
// its concrete type was known to the caller — the dispatch engine inserts a
// bare new_id target before the handler that knows what it names has run;
// the handler calls this once it does, the way generated binding code
// attaches behavior to a proxy object after creation.
func (t *Table) SetInterface(id wire.ObjectID, iface *wire.Interface, version uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrInvalidObject, id)
	}
	e.Interface = iface
	e.Version = version
	return nil
}

// Lookup returns the entry for id, or ErrInvalidObject if absent.
func (t *Table) Lookup(id wire.ObjectID) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrInvalidObject, id)
	}
	return e, nil
}

// IsRecentlyRetired reports whether id has been retired and not inserted
// into this table again since (§9, resolved open question).
func (t *Table) IsRecentlyRetired(id wire.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tombstones[id]
	return ok
}

// MarkPendingDestroy transitions id to pending_destroy. Events may still
// arrive for it (in flight); further requests from the owning side on this
// id are a protocol error, which callers in the dispatch engine enforce by
// checking Entry.State before invoking a request handler.
func (t *Table) MarkPendingDestroy(id wire.ObjectID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrInvalidObject, id)
	}
	e.State = PendingDestroy
	return nil
}

// Retire removes id from the live set, tombstones it, and cascades to any
// children recorded at creation time (§4.3 destruction cascade). id itself
// must already be pending_destroy — a child swept up by the cascade need
// not be, since its own destruction is implied by its parent's. Returns the
// full set of ids retired (id plus any transitively retired children), in
// retirement order, so the caller can emit delete_id acknowledgments for
// each.
func (t *Table) Retire(id wire.ObjectID) ([]wire.ObjectID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrInvalidObject, id)
	}
	if e.State != PendingDestroy {
		return nil, fmt.Errorf("%w: id %d", ErrNotPendingDestroy, id)
	}

	var retired []wire.ObjectID
	t.retireLocked(id, &retired)
	return retired, nil
}

func (t *Table) retireLocked(id wire.ObjectID, out *[]wire.ObjectID) {
	for _, child := range t.children[id] {
		if _, ok := t.entries[child]; ok {
			t.retireLocked(child, out)
		}
	}
	delete(t.children, id)
	delete(t.entries, id)
	t.tombstones[id] = struct{}{}
	*out = append(*out, id)
}

// Live returns the ids of every entry still present in the table — Live or
// PendingDestroy, since a Retired entry is removed from entries immediately
// by retireLocked rather than lingering in that state — for diagnostics and
// tests.
func (t *Table) Live() []wire.ObjectID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]wire.ObjectID, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}
