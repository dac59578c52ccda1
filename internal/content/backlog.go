package content

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehrlich-b/wingpad/internal/crdt"
)

// BacklogEntry is one buffered insertion: the literal text a peer inserted
// at a given temporal offset, waiting for its causal dependencies.
type BacklogEntry struct {
	Offset uint64 `json:"offset"`
	Text   string `json:"text"`
}

// InsertionBacklog buffers the literal text of insertions whose metadata the
// CRDT could not yet integrate, keyed by (peer, temporal offset). Entries
// for a peer are kept sorted by temporal offset and never overlap.
type InsertionBacklog struct {
	insertions map[crdt.ReplicaID][]BacklogEntry
}

func NewInsertionBacklog() *InsertionBacklog {
	return &InsertionBacklog{insertions: make(map[crdt.ReplicaID][]BacklogEntry)}
}

// Insert buffers text under the given temporal range. Backlogging over an
// existing or overlapping entry is a programming error.
func (b *InsertionBacklog) Insert(t crdt.Text, text string) {
	if len(text) != t.Len() {
		panic(fmt.Sprintf("text length %d doesn't match temporal range %d", len(text), t.Len()))
	}
	entries := b.insertions[t.Peer]
	idx := sort.Search(len(entries), func(i int) bool { return entries[i].Offset >= t.Start })
	if idx < len(entries) && entries[idx].Offset == t.Start {
		panic(fmt.Sprintf("insertion at offset %d already backlogged", t.Start))
	}
	if idx > 0 {
		prev := entries[idx-1]
		if prev.Offset+uint64(len(prev.Text)) > t.Start {
			panic(fmt.Sprintf("insertion at offset %d overlaps the previous entry", t.Start))
		}
	}
	if idx < len(entries) && t.End > entries[idx].Offset {
		panic(fmt.Sprintf("insertion at offset %d overlaps the next entry", t.Start))
	}
	entries = append(entries, BacklogEntry{})
	copy(entries[idx+1:], entries[idx:])
	entries[idx] = BacklogEntry{Offset: t.Start, Text: text}
	b.insertions[t.Peer] = entries
}

// Take drains the contiguous run of entries covering the given temporal
// range and returns their concatenation. The CRDT only reports an insertion
// as ready once its whole range has been buffered, so a miss is a
// programming error.
func (b *InsertionBacklog) Take(t crdt.Text) string {
	entries := b.insertions[t.Peer]
	from := sort.Search(len(entries), func(i int) bool { return entries[i].Offset >= t.Start })
	if from == len(entries) || entries[from].Offset != t.Start {
		panic(fmt.Sprintf("no backlogged insertion from %s starting at offset %d", t.Peer, t.Start))
	}

	var sb strings.Builder
	to := from
	covered := t.Start
	for to < len(entries) && covered < t.End {
		e := entries[to]
		if e.Offset != covered {
			panic(fmt.Sprintf("missing backlogged insertions from %s in range [%d, %d)", t.Peer, t.Start, t.End))
		}
		sb.WriteString(e.Text)
		covered += uint64(len(e.Text))
		to++
	}
	if covered != t.End {
		panic(fmt.Sprintf("no backlogged insertion from %s ending at offset %d", t.Peer, t.End))
	}

	entries = append(entries[:from], entries[to:]...)
	if len(entries) == 0 {
		delete(b.insertions, t.Peer)
	} else {
		b.insertions[t.Peer] = entries
	}
	return sb.String()
}

// Len returns the number of buffered entries across all peers.
func (b *InsertionBacklog) Len() int {
	n := 0
	for _, entries := range b.insertions {
		n += len(entries)
	}
	return n
}

func (b *InsertionBacklog) encode() map[crdt.ReplicaID][]BacklogEntry {
	out := make(map[crdt.ReplicaID][]BacklogEntry, len(b.insertions))
	for id, entries := range b.insertions {
		out[id] = append([]BacklogEntry(nil), entries...)
	}
	return out
}

func decodeInsertionBacklog(m map[crdt.ReplicaID][]BacklogEntry) *InsertionBacklog {
	b := NewInsertionBacklog()
	for id, entries := range m {
		b.insertions[id] = append([]BacklogEntry(nil), entries...)
	}
	return b
}
