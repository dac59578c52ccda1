package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

type encodedNode struct {
	ID      CharID `json:"id"`
	Parent  CharID `json:"parent"`
	Lamport uint64 `json:"lamport"`
	Deleted bool   `json:"deleted,omitempty"`
}

type encodedReplica struct {
	ID         ReplicaID            `json:"id"`
	Lamport    uint64               `json:"lamport"`
	NextSeq    map[ReplicaID]uint64 `json:"next_seq"`
	Nodes      []encodedNode        `json:"nodes"`
	PendingIns []Insertion          `json:"pending_ins,omitempty"`
	PendingDel []Deletion           `json:"pending_del,omitempty"`
}

// Encode serializes the replica, tombstones and backlogs included, for
// transmission inside a project snapshot.
func (r *Replica) Encode() []byte {
	buf, err := cbor.Marshal(r.encode())
	if err != nil {
		panic(fmt.Sprintf("encoding a replica should be infallible: %v", err))
	}
	return buf
}

// DecodeReplica deserializes a replica and forks it to localID, the peer id
// of the decoding side.
func DecodeReplica(buf []byte, localID ReplicaID) (*Replica, error) {
	var enc encodedReplica
	if err := cbor.Unmarshal(buf, &enc); err != nil {
		return nil, fmt.Errorf("decode replica: %w", err)
	}
	r, err := decodeReplica(enc)
	if err != nil {
		return nil, err
	}
	if localID == 0 {
		return nil, fmt.Errorf("decode replica: local id must be nonzero")
	}
	r.id = localID
	return r, nil
}

func (r *Replica) encode() encodedReplica {
	enc := encodedReplica{
		ID:         r.id,
		Lamport:    r.lamport,
		NextSeq:    make(map[ReplicaID]uint64, len(r.nextSeq)),
		Nodes:      make([]encodedNode, 0, len(r.nodes)),
		PendingIns: append([]Insertion(nil), r.pendingIns...),
		PendingDel: append([]Deletion(nil), r.pendingDel...),
	}
	for id, seq := range r.nextSeq {
		enc.NextSeq[id] = seq
	}
	// Document order puts every parent before its children, which lets the
	// decoder attach nodes in a single pass.
	r.each(func(n *node) bool {
		enc.Nodes = append(enc.Nodes, encodedNode{
			ID:      n.id,
			Parent:  n.parent,
			Lamport: n.lamport,
			Deleted: n.deleted,
		})
		return true
	})
	return enc
}

func decodeReplica(enc encodedReplica) (*Replica, error) {
	r := &Replica{
		id:         enc.ID,
		lamport:    enc.Lamport,
		nextSeq:    make(map[ReplicaID]uint64, len(enc.NextSeq)),
		nodes:      make(map[CharID]*node, len(enc.Nodes)),
		pendingIns: enc.PendingIns,
		pendingDel: enc.PendingDel,
	}
	for id, seq := range enc.NextSeq {
		r.nextSeq[id] = seq
	}
	for _, en := range enc.Nodes {
		n := &node{id: en.ID, parent: en.Parent, lamport: en.Lamport, deleted: en.Deleted}
		r.nodes[en.ID] = n
		if en.Parent.IsZero() {
			r.rootChildren = append(r.rootChildren, n)
		} else {
			p, ok := r.nodes[en.Parent]
			if !ok {
				return nil, fmt.Errorf("decode replica: node %v appears before its parent %v", en.ID, en.Parent)
			}
			p.children = append(p.children, n)
		}
		if !en.Deleted {
			r.visibleLen++
		}
	}
	return r, nil
}
