package participant

import (
	"sync"
	"time"

	"github.com/1ureka/velonet/internal/protocol"
	"github.com/1ureka/velonet/internal/stream"
)

// Handle addresses a slot of the Table. A handle outlives its entry safely:
// once the slot is reused its generation no longer matches.
type Handle struct {
	index uint32
	gen   uint32
}

// Entry is what the rest of the process may know about a remote participant
// without going through its worker.
type Entry struct {
	Pid protocol.Pid
	// Owner is the id of the worker that drives the participant.
	Owner int
	// Sids hands out the stream ids this side may open.
	Sids      *stream.IDPool[protocol.Sid]
	Connected time.Time
}

type slot struct {
	gen   uint32
	entry *Entry
}

// Table is the process-wide remote-participant table: an arena of entries
// addressed by generational handle plus a Pid index. Reads take the shared
// lock; only creation, removal and ownership changes take it exclusively.
type Table struct {
	mu    sync.RWMutex
	slots []slot
	free  []uint32
	index map[protocol.Pid]Handle
}

func NewTable() *Table {
	return &Table{index: make(map[protocol.Pid]Handle)}
}

// Insert adds e. If its Pid is already present the existing handle is
// returned with inserted false and e is ignored.
func (t *Table) Insert(e Entry) (h Handle, inserted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.index[e.Pid]; ok {
		return h, false
	}
	stored := e
	if n := len(t.free); n > 0 {
		i := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i].entry = &stored
		h = Handle{index: i, gen: t.slots[i].gen}
	} else {
		t.slots = append(t.slots, slot{entry: &stored})
		h = Handle{index: uint32(len(t.slots) - 1)}
	}
	t.index[e.Pid] = h
	return h, true
}

// Lookup returns a copy of the entry for pid.
func (t *Table) Lookup(pid protocol.Pid) (Entry, Handle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.index[pid]
	if !ok {
		return Entry{}, Handle{}, false
	}
	return *t.slots[h.index].entry, h, true
}

// Get returns a copy of the entry h points at, if it is still alive.
func (t *Table) Get(h Handle) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(h.index) >= len(t.slots) {
		return Entry{}, false
	}
	s := t.slots[h.index]
	if s.gen != h.gen || s.entry == nil {
		return Entry{}, false
	}
	return *s.entry, true
}

// SetOwner records that worker now drives pid.
func (t *Table) SetOwner(pid protocol.Pid, worker int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.index[pid]
	if !ok {
		return false
	}
	t.slots[h.index].entry.Owner = worker
	return true
}

// Remove deletes pid and retires its handle.
func (t *Table) Remove(pid protocol.Pid) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.index[pid]
	if !ok {
		return false
	}
	delete(t.index, pid)
	t.slots[h.index].entry = nil
	t.slots[h.index].gen++
	t.free = append(t.free, h.index)
	return true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// Pids returns every known participant.
func (t *Table) Pids() []protocol.Pid {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pids := make([]protocol.Pid, 0, len(t.index))
	for pid := range t.index {
		pids = append(pids, pid)
	}
	return pids
}
