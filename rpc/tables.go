package rpc

import (
	"errors"
	"sync"
)

// The two capability tables of a session.
//
// Id discipline: each side allocates push ids from its own positive
// counter and embedded-export ids from its own negative counter; frames
// carry ids verbatim in both directions. A side's import table therefore
// holds its own positive push ids plus the peer's negative embedded ids,
// and its export table the mirror image. Id 0 is the bootstrap on both
// sides and can never be released. Ids are never reused while live.

// ErrUnknownID reports a table operation on an id with no live entry.
var ErrUnknownID = errors.New("rpc: unknown capability id")

// ---------------------------------------------------------------------------
// Export table
// ---------------------------------------------------------------------------

type exportEntry struct {
	hook Hook
	refs int64
}

// ExportTable tracks the capabilities this side has given the peer:
// peer-pushed computations and locally embedded exports, each refcounted
// by the number of wire references outstanding.
type ExportTable struct {
	mu       sync.Mutex
	entries  map[int64]*exportEntry
	byHook   map[Hook]int64
	nextNeg  int64
	disposed bool
}

// NewExportTable creates an export table with the given bootstrap hook at
// id 0. Ownership of the hook moves to the table.
func NewExportTable(bootstrap Hook) *ExportTable {
	t := &ExportTable{
		entries: make(map[int64]*exportEntry),
		byHook:  make(map[Hook]int64),
	}
	t.entries[0] = &exportEntry{hook: bootstrap, refs: 1}
	return t
}

// AddPushed installs the entry for a peer-pushed id. The id must be fresh;
// reuse is a protocol violation. Ownership of the hook moves to the table.
func (t *ExportTable) AddPushed(id int64, h Hook) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		h.Dispose()
		return protocolErrorf("push id %d already in use", id)
	}
	t.entries[id] = &exportEntry{hook: h, refs: 1}
	return nil
}

// AllocEmbedded allocates (or re-references) an embedded export for a
// local hook met during devaluation. Identical hooks share one id; each
// call adds one wire reference. The table dups the hook on first export.
func (t *ExportTable) AllocEmbedded(h Hook) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byHook[h]; ok {
		t.entries[id].refs++
		return id
	}
	t.nextNeg++
	id := -t.nextNeg
	t.entries[id] = &exportEntry{hook: h.Dup(), refs: 1}
	t.byHook[h] = id
	return id
}

// Get borrows the hook for an id.
func (t *ExportTable) Get(id int64) (Hook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, ErrUnknownID
	}
	return e.hook, nil
}

// Release drops n wire references from an id, disposing the hook when the
// count reaches zero. Releasing the bootstrap is illegal, and dropping
// below zero is a protocol violation. An unknown id returns ErrUnknownID;
// whether that is fatal is the session's call (a release can legitimately
// cross a resolve on the wire).
func (t *ExportTable) Release(id int64, n int64) error {
	if id == 0 {
		return protocolErrorf("cannot release the bootstrap export")
	}
	if n <= 0 {
		return protocolErrorf("release count %d must be positive", n)
	}
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownID
	}
	if e.refs < n {
		t.mu.Unlock()
		return protocolErrorf("refcount underflow on export %d (%d - %d)", id, e.refs, n)
	}
	e.refs -= n
	if e.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	delete(t.entries, id)
	for h, hid := range t.byHook {
		if hid == id {
			delete(t.byHook, h)
			break
		}
	}
	t.mu.Unlock()
	e.hook.Dispose()
	return nil
}

// Refs returns the live reference count for an id, zero when absent.
func (t *ExportTable) Refs(id int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live entries, bootstrap included.
func (t *ExportTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// DisposeAll drops every entry, bootstrap included. Used on session
// shutdown.
func (t *ExportTable) DisposeAll() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	entries := t.entries
	t.entries = make(map[int64]*exportEntry)
	t.byHook = make(map[Hook]int64)
	t.mu.Unlock()
	for _, e := range entries {
		e.hook.Dispose()
	}
}

// ---------------------------------------------------------------------------
// Import table
// ---------------------------------------------------------------------------

// ImportEntry is the pending-value slot for one imported capability.
// localRef counts hooks on this side holding the entry; wireRef counts
// the references the peer's export table still carries for it.
type ImportEntry struct {
	ID       int64
	fut      *Future
	localRef int64
	wireRef  int64
	canceled bool
	pulled   bool
}

// Future returns the entry's resolution slot.
func (e *ImportEntry) Future() *Future { return e.fut }

// ImportTable tracks the capabilities this side holds from the peer.
type ImportTable struct {
	mu      sync.Mutex
	entries map[int64]*ImportEntry
	nextID  int64
}

// NewImportTable creates an import table pre-seeded with the peer's
// bootstrap at id 0.
func NewImportTable() *ImportTable {
	t := &ImportTable{entries: make(map[int64]*ImportEntry)}
	t.entries[0] = &ImportEntry{ID: 0, localRef: 1, wireRef: 1, fut: NewFuture()}
	return t
}

// Alloc creates the slot for a fresh push. The returned entry starts with
// one local and one wire reference.
func (t *ImportTable) Alloc() *ImportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	e := &ImportEntry{ID: t.nextID, localRef: 1, wireRef: 1, fut: NewFuture()}
	t.entries[e.ID] = e
	return e
}

// AddEmbedded records one occurrence of a peer-embedded export. A repeat
// occurrence adds a wire reference and a local reference for the new hook
// that will own it.
func (t *ImportTable) AddEmbedded(id int64) (*ImportEntry, error) {
	if id >= 0 {
		return nil, protocolErrorf("embedded export id %d must be negative", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.wireRef++
		e.localRef++
		return e, nil
	}
	e := &ImportEntry{ID: id, localRef: 1, wireRef: 1, fut: NewFuture()}
	t.entries[id] = e
	return e, nil
}

// Get returns the live entry for an id.
func (t *ImportTable) Get(id int64) (*ImportEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, ErrUnknownID
	}
	return e, nil
}

// AddLocalRef records another local owner of the entry.
func (t *ImportTable) AddLocalRef(e *ImportEntry) {
	t.mu.Lock()
	e.localRef++
	t.mu.Unlock()
}

// MarkPulled flags that a pull frame went out for the entry; returns false
// if one already did.
func (t *ImportTable) MarkPulled(e *ImportEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.pulled {
		return false
	}
	e.pulled = true
	return true
}

// Settle consumes the wire reference a resolve or reject carries. It
// returns the entry and whether it was canceled locally before the
// resolution arrived (in which case the caller must discard the value as
// garbage). The entry is removed once neither side references it.
func (t *ImportTable) Settle(id int64) (e *ImportEntry, canceled bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false, ErrUnknownID
	}
	if e.wireRef > 0 {
		e.wireRef--
	}
	canceled = e.canceled
	if e.localRef == 0 && canceled {
		delete(t.entries, id)
	}
	return e, canceled, nil
}

// ReleaseLocal drops one local owner. When the last local owner is gone it
// returns the number of wire references to hand back to the peer and
// removes or cancels the entry: a still-unsettled entry stays behind,
// canceled, so the eventual resolution can be discarded without tripping
// the unknown-id protocol check.
func (t *ImportTable) ReleaseLocal(id int64) (releaseWire int64, err error) {
	if id == 0 {
		// The bootstrap import survives for the life of the session.
		return 0, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, ErrUnknownID
	}
	if e.localRef <= 0 {
		return 0, protocolErrorf("import %d released with no local owners", id)
	}
	e.localRef--
	if e.localRef > 0 {
		return 0, nil
	}
	releaseWire = e.wireRef
	e.wireRef = 0
	if e.fut != nil && e.fut.Settled() {
		delete(t.entries, id)
	} else {
		e.canceled = true
	}
	return releaseWire, nil
}

// Entries snapshots the live entries, for shutdown poisoning.
func (t *ImportTable) Entries() []*ImportEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*ImportEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Remove deletes an entry outright.
func (t *ImportTable) Remove(id int64) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}
