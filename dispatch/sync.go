package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/wzlgo/wzl/object"
	"github.com/wzlgo/wzl/wire"
)

// wl_display is always object id 1; these opcodes are fixed by the protocol
// itself rather than discovered through the registry, so the dispatch
// engine — which implements the roundtrip mechanism, not a registered
// interface handler — knows them directly (mirrors the teacher's own
// display.go, which keeps these as local Opcode constants).
const (
	displayObjectID      wire.ObjectID = 1
	displayRequestSync   wire.Opcode   = 0
	displayEventError    wire.Opcode   = 0
	displayEventDeleteID wire.Opcode   = 1
	callbackEventDone    wire.Opcode   = 0
)

// wl_display.error codes, matching the teacher's DisplayError* constants.
const (
	DisplayErrorInvalidObject  uint32 = 0
	DisplayErrorInvalidMethod  uint32 = 1
	DisplayErrorNoMemory       uint32 = 2
	DisplayErrorImplementation uint32 = 3
)

// handleDisplayMessage intercepts wl_display events and sync-callback
// "done" events before the general interface/opcode dispatch, the same way
// the teacher's Display.dispatch special-cases object id 1 and pending
// callback ids ahead of falling through to the registry. handled is true
// when the message was fully consumed here.
func (e *Engine) handleDisplayMessage(hdr wire.Header, dec *wire.Decoder) (handled bool, err error) {
	// wl_display's own traffic is symmetric but not uniform: a Client
	// engine receives error/delete_id *events* on object 1, while a Server
	// engine receives sync/get_registry *requests* on it — those are
	// ordinary requests with a registered handler, so only the client
	// direction is special-cased here.
	if e.side == Client && hdr.ObjectID == displayObjectID {
		return true, e.handleDisplayEvent(hdr.Opcode, dec)
	}

	e.syncMu.Lock()
	ch, waiting := e.syncWaiters[hdr.ObjectID]
	e.syncMu.Unlock()
	if !waiting {
		return false, nil
	}
	if hdr.Opcode != callbackEventDone {
		return true, fmt.Errorf("%w: callback %d opcode %d", ErrBadOpcode, hdr.ObjectID, hdr.Opcode)
	}

	e.syncMu.Lock()
	delete(e.syncWaiters, hdr.ObjectID)
	e.syncMu.Unlock()
	close(ch)
	return true, nil
}

func (e *Engine) handleDisplayEvent(opcode wire.Opcode, dec *wire.Decoder) error {
	switch opcode {
	case displayEventError:
		objectID, err := dec.Object()
		if err != nil {
			return err
		}
		code, err := dec.Uint32()
		if err != nil {
			return err
		}
		message, err := dec.String()
		if err != nil {
			return err
		}
		return fmt.Errorf("wl_display.error: object %d code %d: %s", objectID, code, message)

	case displayEventDeleteID:
		id, err := dec.Uint32()
		if err != nil {
			return err
		}
		// A sync callback's id is already tombstoned by allocSyncID before
		// this event ever arrives (allocSyncID retires it from the table
		// right after allocating it), so ErrInvalidObject here is the common
		// case, not a fault —
		// same tolerance the teacher's handleDeleteID shows by never
		// requiring the id to be tracked anywhere first.
		if _, err := e.table.Retire(wire.ObjectID(id)); err != nil && !errors.Is(err, object.ErrInvalidObject) {
			return err
		}
		return nil

	default:
		e.log.Debug().Uint32("opcode", uint32(opcode)).Msg("unhandled wl_display event")
		return nil
	}
}

// Sync implements the synchronous roundtrip: it sends wl_display.sync,
// allocates a callback id that is not kept in the object table (it never
// receives a request, only the one "done" event, so no table entry is
// needed to route it),
// and blocks until the peer's reply arrives or ctx is done. Concurrent
// callers each get their own callback id and can overlap (§4.4).
func (e *Engine) Sync(ctx context.Context) error {
	callbackID, err := e.allocSyncID()
	if err != nil {
		return err
	}

	ch := make(chan struct{})
	e.syncMu.Lock()
	e.syncWaiters[callbackID] = ch
	e.syncMu.Unlock()

	if err := e.send(displayObjectID, displayRequestSync, wire.Signature{wire.NewID}, []wire.Arg{{Kind: wire.NewID, Obj: callbackID}}); err != nil {
		e.syncMu.Lock()
		delete(e.syncWaiters, callbackID)
		e.syncMu.Unlock()
		return err
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return e.closeErr
	}
}

// allocSyncID reserves an id in this engine's own partition for a callback
// object that is allocated in the object table and retired again at once,
// leaving only its tombstone — it exists purely as a correlation key for
// the one "done" event wl_callback ever sends.
func (e *Engine) allocSyncID() (wire.ObjectID, error) {
	id, err := e.table.Allocate(&wire.Interface{Name: "wl_callback", MaxVersion: 1}, 1, displayObjectID)
	if err != nil {
		return 0, err
	}
	// Immediately retire it from the table's own bookkeeping: Sync tracks
	// its lifetime itself via syncWaiters, and the table must not think a
	// real object with request/event opcodes lives at this id. Retire
	// requires pending_destroy first, so mark it in the same breath.
	if err := e.table.MarkPendingDestroy(id); err != nil {
		return 0, err
	}
	if _, err := e.table.Retire(id); err != nil {
		return 0, err
	}
	return id, nil
}
