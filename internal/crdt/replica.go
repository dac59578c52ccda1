// Package crdt implements the sequence CRDT backing collaborative text
// files. Each byte ever inserted gets a stable identity (inserting peer +
// temporal offset); deleted bytes stay behind as tombstones so that anchors
// and concurrent operations keep resolving. Document order is an RGA tree:
// every byte hangs off the byte that was to its left when it was typed, and
// siblings are ordered by Lamport timestamp.
package crdt

import "fmt"

// ReplicaID identifies a replica. It is the owning peer's id and is never
// zero.
type ReplicaID uint64

// CharID is the stable identity of one inserted byte. Seq is the byte's
// temporal offset: how many bytes its peer had inserted before it. The zero
// CharID is the document-start sentinel.
type CharID struct {
	Peer ReplicaID `json:"peer"`
	Seq  uint64    `json:"seq"`
}

func (c CharID) IsZero() bool {
	return c.Peer == 0 && c.Seq == 0
}

// Text is a per-peer temporal range, the key under which backlogged
// insertion contents are buffered. End is exclusive.
type Text struct {
	Peer  ReplicaID `json:"peer"`
	Start uint64    `json:"start"`
	End   uint64    `json:"end"`
}

func (t Text) Len() int {
	return int(t.End - t.Start)
}

// Insertion is the metadata of one contiguous run of inserted bytes. The
// literal text travels next to it but never inside it.
type Insertion struct {
	Start   CharID `json:"start"`
	Length  int    `json:"length"`
	Left    CharID `json:"left"`
	Lamport uint64 `json:"lamport"`
}

// Text returns the temporal range this insertion occupies in its peer's
// history.
func (i Insertion) Text() Text {
	return Text{Peer: i.Start.Peer, Start: i.Start.Seq, End: i.Start.Seq + uint64(i.Length)}
}

// Deletion is the metadata of one deletion: the temporal ranges of the bytes
// it removed. The bytes need not be adjacent in document order.
type Deletion struct {
	Ranges []Text `json:"ranges"`
}

// Range is a byte range in the visible document. End is exclusive.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// IntegrateStatus reports what integrating a remote insertion did.
type IntegrateStatus uint8

const (
	// Applied: the insertion went in; the returned offset is valid.
	Applied IntegrateStatus = iota
	// Backlogged: a causal dependency is missing; the caller must buffer the
	// literal text and wait for BackloggedInsertions to surface it.
	Backlogged
	// Duplicate: the insertion was integrated before; nothing changed.
	Duplicate
)

// ReadyInsertion is a previously backlogged insertion that became
// integratable. The offset is where its text goes, valid at drain time.
type ReadyInsertion struct {
	Text   Text
	Offset int
}

type node struct {
	id       CharID
	parent   CharID
	lamport  uint64
	deleted  bool
	children []*node
}

// Replica is one peer's view of a single text document.
type Replica struct {
	id      ReplicaID
	lamport uint64
	// nextSeq[p] is the number of bytes from peer p integrated so far. A run
	// from p is causally ready only when it starts exactly there.
	nextSeq map[ReplicaID]uint64
	nodes   map[CharID]*node
	// rootChildren are the children of the document-start sentinel.
	rootChildren []*node
	visibleLen   int

	pendingIns []Insertion
	readyIns   []ReadyInsertion
	pendingDel []Deletion
}

// NewReplica creates a replica for a document that already contains byteLen
// bytes, all attributed to the local peer.
func NewReplica(id ReplicaID, byteLen int) *Replica {
	if id == 0 {
		panic("replica id must be nonzero")
	}
	r := &Replica{
		id:      id,
		nextSeq: make(map[ReplicaID]uint64),
		nodes:   make(map[CharID]*node),
	}
	if byteLen > 0 {
		r.lamport++
		r.attachRun(CharID{Peer: id, Seq: 0}, byteLen, CharID{}, r.lamport)
		r.nextSeq[id] = uint64(byteLen)
		r.visibleLen = byteLen
	}
	return r
}

func (r *Replica) ID() ReplicaID {
	return r.id
}

// VisibleLen returns the length of the visible document in bytes.
func (r *Replica) VisibleLen() int {
	return r.visibleLen
}

// Fork returns a deep copy of the replica owned by a different peer. Used
// when decoding a snapshot on a joining peer.
func (r *Replica) Fork(newID ReplicaID) *Replica {
	if newID == 0 {
		panic("replica id must be nonzero")
	}
	enc := r.encode()
	forked, err := decodeReplica(enc)
	if err != nil {
		panic(fmt.Sprintf("re-decoding an encoded replica: %v", err))
	}
	forked.id = newID
	return forked
}

// Inserted records a local insertion of length bytes at the given visible
// offset and returns the metadata to broadcast.
func (r *Replica) Inserted(offset, length int) Insertion {
	if length <= 0 {
		panic("insertion length must be positive")
	}
	if offset < 0 || offset > r.visibleLen {
		panic(fmt.Sprintf("offset %d out of range [0, %d]", offset, r.visibleLen))
	}
	left := CharID{}
	if offset > 0 {
		left = r.visibleAt(offset - 1).id
	}
	r.lamport++
	start := CharID{Peer: r.id, Seq: r.nextSeq[r.id]}
	r.attachRun(start, length, left, r.lamport)
	r.nextSeq[r.id] += uint64(length)
	r.visibleLen += length
	return Insertion{Start: start, Length: length, Left: left, Lamport: r.lamport}
}

// Deleted records a local deletion of the visible byte range [start, end)
// and returns the metadata to broadcast.
func (r *Replica) Deleted(start, end int) Deletion {
	if start < 0 || end > r.visibleLen || start >= end {
		panic(fmt.Sprintf("range [%d, %d) out of range [0, %d]", start, end, r.visibleLen))
	}
	var targets []*node
	idx := 0
	r.each(func(n *node) bool {
		if n.deleted {
			return true
		}
		if idx >= start && idx < end {
			targets = append(targets, n)
		}
		idx++
		return idx < end
	})

	var ranges []Text
	for _, n := range targets {
		last := len(ranges) - 1
		if last >= 0 && ranges[last].Peer == n.id.Peer && ranges[last].End == n.id.Seq {
			ranges[last].End++
		} else {
			ranges = append(ranges, Text{Peer: n.id.Peer, Start: n.id.Seq, End: n.id.Seq + 1})
		}
		n.deleted = true
	}
	r.visibleLen -= len(targets)
	return Deletion{Ranges: ranges}
}

// IntegrateInsertion integrates a remote insertion. On Applied the returned
// offset is where the run's text belongs. On Backlogged the caller buffers
// the literal text under ins.Text() until it reappears via
// BackloggedInsertions.
func (r *Replica) IntegrateInsertion(ins Insertion) (int, IntegrateStatus) {
	if ins.Start.Seq < r.nextSeq[ins.Start.Peer] {
		return 0, Duplicate
	}
	if !r.insertionReady(ins) {
		r.pendingIns = append(r.pendingIns, ins)
		return 0, Backlogged
	}
	offset := r.apply(ins)
	r.drainPending()
	return offset, Applied
}

// BackloggedInsertions drains the insertions that became ready since the
// last call, in the order they were integrated.
func (r *Replica) BackloggedInsertions() []ReadyInsertion {
	ready := r.readyIns
	r.readyIns = nil
	return ready
}

// IntegrateDeletion integrates a remote deletion and returns the visible
// byte ranges it removed, ascending; callers apply them in reverse. An
// unready deletion is backlogged and returns nil.
func (r *Replica) IntegrateDeletion(del Deletion) []Range {
	if !r.deletionReady(del) {
		r.pendingDel = append(r.pendingDel, del)
		return nil
	}
	return r.applyDeletion(del)
}

// BackloggedDeletions integrates every backlogged deletion that became
// ready and returns one ascending range list per deletion; each list is
// applied in reverse.
func (r *Replica) BackloggedDeletions() [][]Range {
	var out [][]Range
	remaining := r.pendingDel[:0]
	for _, del := range r.pendingDel {
		if r.deletionReady(del) {
			if ranges := r.applyDeletion(del); len(ranges) > 0 {
				out = append(out, ranges)
			}
		} else {
			remaining = append(remaining, del)
		}
	}
	r.pendingDel = remaining
	return out
}

func (r *Replica) insertionReady(ins Insertion) bool {
	if ins.Start.Seq != r.nextSeq[ins.Start.Peer] {
		return false
	}
	if ins.Left.IsZero() {
		return true
	}
	_, ok := r.nodes[ins.Left]
	return ok
}

func (r *Replica) deletionReady(del Deletion) bool {
	for _, t := range del.Ranges {
		if t.End > r.nextSeq[t.Peer] {
			return false
		}
	}
	return true
}

// apply attaches a causally-ready insertion and returns the visible offset
// of its first byte.
func (r *Replica) apply(ins Insertion) int {
	if ins.Lamport > r.lamport {
		r.lamport = ins.Lamport
	}
	r.attachRun(ins.Start, ins.Length, ins.Left, ins.Lamport)
	r.nextSeq[ins.Start.Peer] += uint64(ins.Length)
	r.visibleLen += ins.Length
	offset := 0
	r.each(func(n *node) bool {
		if n.id == ins.Start {
			return false
		}
		if !n.deleted {
			offset++
		}
		return true
	})
	return offset
}

func (r *Replica) applyDeletion(del Deletion) []Range {
	targets := make(map[CharID]bool)
	for _, t := range del.Ranges {
		for seq := t.Start; seq < t.End; seq++ {
			id := CharID{Peer: t.Peer, Seq: seq}
			if n, ok := r.nodes[id]; ok && !n.deleted {
				targets[id] = true
			}
		}
	}
	if len(targets) == 0 {
		return nil
	}

	var ranges []Range
	idx := 0
	r.each(func(n *node) bool {
		if n.deleted {
			return true
		}
		if targets[n.id] {
			last := len(ranges) - 1
			if last >= 0 && ranges[last].End == idx {
				ranges[last].End++
			} else {
				ranges = append(ranges, Range{Start: idx, End: idx + 1})
			}
			n.deleted = true
			delete(targets, n.id)
		}
		idx++
		return len(targets) > 0
	})

	// idx counted every node that was visible when the walk started, so the
	// ranges are in pre-deletion coordinates; applying them back-to-front
	// keeps earlier offsets valid.
	for _, rg := range ranges {
		r.visibleLen -= rg.End - rg.Start
	}
	return ranges
}

func (r *Replica) drainPending() {
	for {
		progressed := false
		remaining := r.pendingIns[:0]
		for _, ins := range r.pendingIns {
			if ins.Start.Seq < r.nextSeq[ins.Start.Peer] {
				progressed = true
				continue
			}
			if r.insertionReady(ins) {
				offset := r.apply(ins)
				r.readyIns = append(r.readyIns, ReadyInsertion{Text: ins.Text(), Offset: offset})
				progressed = true
			} else {
				remaining = append(remaining, ins)
			}
		}
		r.pendingIns = remaining
		if !progressed || len(r.pendingIns) == 0 {
			return
		}
	}
}

// attachRun creates length chained nodes starting at start, the first
// hanging off left (or the sentinel), each subsequent byte off its
// predecessor.
func (r *Replica) attachRun(start CharID, length int, left CharID, lamport uint64) {
	parent := left
	for i := 0; i < length; i++ {
		id := CharID{Peer: start.Peer, Seq: start.Seq + uint64(i)}
		n := &node{id: id, parent: parent, lamport: lamport}
		r.nodes[id] = n
		if parent.IsZero() {
			r.rootChildren = insertChild(r.rootChildren, n)
		} else {
			p := r.nodes[parent]
			p.children = insertChild(p.children, n)
		}
		parent = id
	}
}

// insertChild keeps siblings ordered by descending (lamport, peer), the
// total order every replica agrees on.
func insertChild(children []*node, n *node) []*node {
	i := 0
	for ; i < len(children); i++ {
		c := children[i]
		if c.lamport < n.lamport || (c.lamport == n.lamport && c.id.Peer < n.id.Peer) {
			break
		}
	}
	children = append(children, nil)
	copy(children[i+1:], children[i:])
	children[i] = n
	return children
}

// each walks the document in order, stopping when fn returns false.
func (r *Replica) each(fn func(*node) bool) {
	stack := make([]*node, 0, 64)
	push := func(children []*node) {
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
	push(r.rootChildren)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(n) {
			return
		}
		push(n.children)
	}
}

// visibleAt returns the idx-th visible node.
func (r *Replica) visibleAt(idx int) *node {
	var found *node
	i := 0
	r.each(func(n *node) bool {
		if n.deleted {
			return true
		}
		if i == idx {
			found = n
			return false
		}
		i++
		return true
	})
	if found == nil {
		panic(fmt.Sprintf("no visible byte at index %d", idx))
	}
	return found
}
