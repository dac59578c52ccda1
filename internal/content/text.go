// Package content holds the per-file content stores: a CRDT-backed text
// store and a wholesale-replaced binary store. The filesystem model treats
// both as opaque payloads.
package content

import (
	"fmt"

	"github.com/ehrlich-b/wingpad/internal/crdt"
)

// Replacement is one text mutation in visible byte coordinates: the range
// [Start, End) is removed and Text is inserted in its place.
type Replacement struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Insertion pairs an insertion's CRDT metadata with its literal text.
type Insertion struct {
	Meta crdt.Insertion `json:"meta"`
	Text string         `json:"text"`
}

// TextEdit is the replicated form of one buffer edit.
type TextEdit struct {
	Insertions []Insertion     `json:"insertions,omitempty"`
	Deletions  []crdt.Deletion `json:"deletions,omitempty"`
}

// Text is the content store of one text file: the byte sequence, the CRDT
// replica tracking it, and the backlog of insertion texts whose metadata
// is not yet integratable.
type Text struct {
	buf     *Buffer
	replica *crdt.Replica
	backlog *InsertionBacklog
}

func NewText(localID crdt.ReplicaID, initial string) *Text {
	return NewTextAt(localID, localID, initial)
}

// NewTextAt builds the text store of a file created by creator with the
// given initial contents. Every replica attributes the initial bytes to the
// creator, so replicas built from the same creation converge.
func NewTextAt(localID, creator crdt.ReplicaID, initial string) *Text {
	t := &Text{
		buf:     NewBuffer(initial),
		replica: crdt.NewReplica(localID, 0),
		backlog: NewInsertionBacklog(),
	}
	if len(initial) > 0 {
		ins := crdt.Insertion{
			Start:   crdt.CharID{Peer: creator, Seq: 0},
			Length:  len(initial),
			Lamport: 1,
		}
		if _, status := t.replica.IntegrateInsertion(ins); status != crdt.Applied {
			panic("initial insertion must integrate")
		}
	}
	return t
}

func (t *Text) String() string {
	return t.buf.String()
}

func (t *Text) Bytes() []byte {
	return t.buf.Bytes()
}

func (t *Text) Len() int {
	return t.buf.Len()
}

// Backlog exposes the insertion backlog, mainly for invariant checks in
// tests.
func (t *Text) Backlog() *InsertionBacklog {
	return t.backlog
}

// IntegrateEdit applies a remote edit and returns the replacements to
// forward to the editor, in application order.
func (t *Text) IntegrateEdit(edit TextEdit) []Replacement {
	var reps []Replacement

	for _, ins := range edit.Insertions {
		offset, status := t.replica.IntegrateInsertion(ins.Meta)
		switch status {
		case crdt.Applied:
			t.buf.Insert(offset, ins.Text)
			reps = append(reps, Replacement{Start: offset, End: offset, Text: ins.Text})
		case crdt.Backlogged:
			t.backlog.Insert(ins.Meta.Text(), ins.Text)
		case crdt.Duplicate:
		}
	}

	for _, ready := range t.replica.BackloggedInsertions() {
		text := t.backlog.Take(ready.Text)
		t.buf.Insert(ready.Offset, text)
		reps = append(reps, Replacement{Start: ready.Offset, End: ready.Offset, Text: text})
	}

	for _, ranges := range t.replica.BackloggedDeletions() {
		reps = t.deleteRanges(ranges, reps)
	}

	for _, del := range edit.Deletions {
		reps = t.deleteRanges(t.replica.IntegrateDeletion(del), reps)
	}

	return reps
}

func (t *Text) deleteRanges(ranges []crdt.Range, reps []Replacement) []Replacement {
	for i := len(ranges) - 1; i >= 0; i-- {
		t.buf.Delete(ranges[i].Start, ranges[i].End)
		reps = append(reps, Replacement{Start: ranges[i].Start, End: ranges[i].End})
	}
	return reps
}

// Edit applies local replacements and returns the edit to broadcast. Each
// replacement's offsets are interpreted against the buffer state left by the
// previous one.
func (t *Text) Edit(reps []Replacement) TextEdit {
	var edit TextEdit
	for _, rep := range reps {
		if rep.Start > rep.End {
			panic(fmt.Sprintf("replacement range [%d, %d) is inverted", rep.Start, rep.End))
		}
		if rep.Start < rep.End {
			t.buf.Delete(rep.Start, rep.End)
			edit.Deletions = append(edit.Deletions, t.replica.Deleted(rep.Start, rep.End))
		}
		if rep.Text != "" {
			t.buf.Insert(rep.Start, rep.Text)
			meta := t.replica.Inserted(rep.Start, len(rep.Text))
			edit.Insertions = append(edit.Insertions, Insertion{Meta: meta, Text: rep.Text})
		}
	}
	return edit
}

// CreateCursorAnchor returns an anchor for a cursor at offset. Cursors stick
// to the byte on their left.
func (t *Text) CreateCursorAnchor(offset int) crdt.Anchor {
	return t.replica.CreateAnchor(offset, crdt.BiasLeft)
}

// CreateSelectionAnchors returns the anchor pair for a selection. The range
// is normalized so start ≤ end; the start sticks right and the end sticks
// left, so concurrent edits at the boundaries stay outside the selection.
func (t *Text) CreateSelectionAnchors(start, end int) (crdt.Anchor, crdt.Anchor) {
	if start > end {
		start, end = end, start
	}
	return t.replica.CreateAnchor(start, crdt.BiasRight), t.replica.CreateAnchor(end, crdt.BiasLeft)
}

// ResolveAnchor resolves an anchor to a visible byte offset.
func (t *Text) ResolveAnchor(a crdt.Anchor) (int, bool) {
	return t.replica.ResolveAnchor(a)
}

// ResolveRange resolves an anchor pair, normalized so start ≤ end.
func (t *Text) ResolveRange(start, end crdt.Anchor) (int, int, bool) {
	s, ok := t.replica.ResolveAnchor(start)
	if !ok {
		return 0, 0, false
	}
	e, ok := t.replica.ResolveAnchor(end)
	if !ok {
		return 0, 0, false
	}
	if s > e {
		s, e = e, s
	}
	return s, e, true
}

// EncodedText is the serialized form of a text store.
type EncodedText struct {
	Text    string                           `json:"text"`
	Replica []byte                           `json:"replica"`
	Backlog map[crdt.ReplicaID][]BacklogEntry `json:"backlog,omitempty"`
}

func (t *Text) Encode() EncodedText {
	return EncodedText{
		Text:    t.buf.String(),
		Replica: t.replica.Encode(),
		Backlog: t.backlog.encode(),
	}
}

// DecodeText rebuilds a text store on the decoding peer, forking the CRDT
// replica to its id.
func DecodeText(enc EncodedText, localID crdt.ReplicaID) (*Text, error) {
	replica, err := crdt.DecodeReplica(enc.Replica, localID)
	if err != nil {
		return nil, err
	}
	if replica.VisibleLen() != len(enc.Text) {
		return nil, fmt.Errorf("decode text: replica sees %d bytes, text has %d", replica.VisibleLen(), len(enc.Text))
	}
	return &Text{
		buf:     NewBuffer(enc.Text),
		replica: replica,
		backlog: decodeInsertionBacklog(enc.Backlog),
	}, nil
}
