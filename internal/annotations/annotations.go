// Package annotations owns the cursors and selections of a project, keyed
// by a globally unique id. Moves are ordered by per-annotation sequence
// numbers; deletions are terminal and tombstoned.
package annotations

import (
	"fmt"

	"github.com/ehrlich-b/wingpad/internal/crdt"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/peer"
)

// ID uniquely identifies an annotation across all peers.
type ID struct {
	Creator peer.ID `json:"creator"`
	Counter uint64  `json:"counter"`
}

func (id ID) String() string {
	return fmt.Sprintf("annotation-%d.%d", uint64(id.Creator), id.Counter)
}

// Cursor is the data of one peer cursor: an anchor that survives concurrent
// edits plus a monotonic per-cursor move counter.
type Cursor struct {
	Anchor crdt.Anchor `json:"anchor"`
	Seq    uint64      `json:"seq"`
}

// Supersedes reports whether this state is newer than old.
func (c Cursor) Supersedes(old Cursor) bool {
	return c.Seq > old.Seq
}

// Selection is the data of one peer selection: an anchor pair plus a move
// counter. After resolving, start ≤ end.
type Selection struct {
	Start crdt.Anchor `json:"start"`
	End   crdt.Anchor `json:"end"`
	Seq   uint64      `json:"seq"`
}

func (s Selection) Supersedes(old Selection) bool {
	return s.Seq > old.Seq
}

// Datum is the per-kind annotation payload.
type Datum[D any] interface {
	Supersedes(D) bool
}

// Record is one live annotation.
type Record[D Datum[D]] struct {
	ID   ID
	File fstree.GlobalID
	Data D
}

// Creation is the replicated form of a new annotation.
type Creation[D Datum[D]] struct {
	ID   ID              `json:"id"`
	File fstree.GlobalID `json:"file"`
	Data D               `json:"data"`
}

// Registry holds one kind of annotation.
type Registry[D Datum[D]] struct {
	local       peer.ID
	nextCounter uint64
	table       map[ID]*Record[D]
	tombstones  map[ID]bool
}

func New[D Datum[D]](local peer.ID) *Registry[D] {
	return &Registry[D]{
		local:      local,
		table:      make(map[ID]*Record[D]),
		tombstones: make(map[ID]bool),
	}
}

// Create registers a new locally-owned annotation and returns the creation
// to broadcast.
func (r *Registry[D]) Create(file fstree.GlobalID, data D) (ID, Creation[D]) {
	id := ID{Creator: r.local, Counter: r.nextCounter}
	r.nextCounter++
	r.table[id] = &Record[D]{ID: id, File: file, Data: data}
	return id, Creation[D]{ID: id, File: file, Data: data}
}

// Get returns the annotation with the given id.
func (r *Registry[D]) Get(id ID) (Record[D], bool) {
	rec, ok := r.table[id]
	if !ok {
		return Record[D]{}, false
	}
	return *rec, true
}

// UpdateOwned replaces the data of a locally-owned annotation. Mutating an
// annotation the local peer doesn't own is a programming error.
func (r *Registry[D]) UpdateOwned(id ID, data D) {
	if id.Creator != r.local {
		panic(fmt.Sprintf("%s is owned by %s, not the local peer", id, id.Creator))
	}
	rec, ok := r.table[id]
	if !ok {
		panic(fmt.Sprintf("%s doesn't exist", id))
	}
	rec.Data = data
}

// DeleteOwned removes a locally-owned annotation.
func (r *Registry[D]) DeleteOwned(id ID) {
	if id.Creator != r.local {
		panic(fmt.Sprintf("%s is owned by %s, not the local peer", id, id.Creator))
	}
	if _, ok := r.table[id]; !ok {
		panic(fmt.Sprintf("%s doesn't exist", id))
	}
	delete(r.table, id)
	r.tombstones[id] = true
}

// IntegrateCreation registers a remote annotation. It reports false for
// replays and for annotations deleted before their creation arrived.
func (r *Registry[D]) IntegrateCreation(c Creation[D]) bool {
	if r.tombstones[c.ID] {
		return false
	}
	if _, ok := r.table[c.ID]; ok {
		return false
	}
	r.table[c.ID] = &Record[D]{ID: c.ID, File: c.File, Data: c.Data}
	return true
}

// IntegrateOp applies a remote move. The updated bit is true iff the
// incoming state strictly supersedes the stored one.
func (r *Registry[D]) IntegrateOp(id ID, data D) (Record[D], bool) {
	rec, ok := r.table[id]
	if !ok {
		return Record[D]{}, false
	}
	if !data.Supersedes(rec.Data) {
		return *rec, false
	}
	rec.Data = data
	return *rec, true
}

// IntegrateDeletion tombstones an annotation. Deleting an already-deleted
// or never-seen annotation is a no-op; it reports whether a live annotation
// was removed.
func (r *Registry[D]) IntegrateDeletion(id ID) bool {
	_, ok := r.table[id]
	delete(r.table, id)
	r.tombstones[id] = true
	return ok
}

// OwnedBy returns the ids of every live annotation owned by the given peer.
func (r *Registry[D]) OwnedBy(p peer.ID) []ID {
	var out []ID
	for id := range r.table {
		if id.Creator == p {
			out = append(out, id)
		}
	}
	return out
}

// Each visits every live annotation.
func (r *Registry[D]) Each(fn func(Record[D]) bool) {
	for _, rec := range r.table {
		if !fn(*rec) {
			return
		}
	}
}

// Len returns the number of live annotations.
func (r *Registry[D]) Len() int {
	return len(r.table)
}

// EncodedRegistry is the wire form of a registry.
type EncodedRegistry[D Datum[D]] struct {
	Records    []Creation[D] `json:"records,omitempty"`
	Tombstones []ID          `json:"tombstones,omitempty"`
}

func (r *Registry[D]) Encode() EncodedRegistry[D] {
	var enc EncodedRegistry[D]
	for _, rec := range r.table {
		enc.Records = append(enc.Records, Creation[D]{ID: rec.ID, File: rec.File, Data: rec.Data})
	}
	for id := range r.tombstones {
		enc.Tombstones = append(enc.Tombstones, id)
	}
	return enc
}

// DecodeRegistry rebuilds a registry on the given local peer.
func DecodeRegistry[D Datum[D]](enc EncodedRegistry[D], local peer.ID) *Registry[D] {
	r := New[D](local)
	for _, rec := range enc.Records {
		r.table[rec.ID] = &Record[D]{ID: rec.ID, File: rec.File, Data: rec.Data}
		if rec.ID.Creator == local && rec.ID.Counter >= r.nextCounter {
			r.nextCounter = rec.ID.Counter + 1
		}
	}
	for _, id := range enc.Tombstones {
		r.tombstones[id] = true
	}
	return r
}
