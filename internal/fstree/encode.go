package fstree

import (
	"fmt"
	"sort"

	"github.com/ehrlich-b/wingpad/internal/peer"
)

// EncodedNode is the wire form of one node. Contents is an opaque payload
// produced by the layer that owns content stores.
type EncodedNode struct {
	Global      GlobalID `json:"global"`
	Parent      GlobalID `json:"parent"`
	Name        string   `json:"name"`
	Kind        Kind     `json:"kind"`
	State       State    `json:"state"`
	Creator     peer.ID  `json:"creator"`
	MoveLamport uint64   `json:"move_lamport,omitempty"`
	MoveBy      peer.ID  `json:"move_by,omitempty"`
	Contents    []byte   `json:"contents,omitempty"`
}

// EncodedPendingOp is the wire form of a backlogged fs op.
type EncodedPendingOp struct {
	Create   *CreateOp `json:"create,omitempty"`
	Contents []byte    `json:"contents,omitempty"`
	Delete   *DeleteOp `json:"delete,omitempty"`
	Move     *MoveOp   `json:"move,omitempty"`
}

// EncodedTree is the wire form of the whole filesystem model.
type EncodedTree struct {
	Peer        peer.ID            `json:"peer"`
	Lamport     uint64             `json:"lamport"`
	NextCounter uint64             `json:"next_counter"`
	Nodes       []EncodedNode      `json:"nodes"`
	Pending     []EncodedPendingOp `json:"pending,omitempty"`
}

// Encode serializes the tree. Content payloads are produced by the
// callback; it receives every non-directory node.
func (t *Tree) Encode(encodeContents func(*Node) ([]byte, error)) (EncodedTree, error) {
	enc := EncodedTree{
		Peer:        t.peer,
		Lamport:     t.lamport,
		NextCounter: t.nextCounter,
	}

	ids := make([]LocalID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		n := t.nodes[id]
		if id == t.root {
			continue
		}
		en := EncodedNode{
			Global:      n.global,
			Parent:      t.nodes[n.parent].global,
			Name:        n.name,
			Kind:        n.kind,
			State:       n.state,
			Creator:     n.creator,
			MoveLamport: n.moveLamport,
			MoveBy:      n.moveBy,
		}
		if n.kind != KindDirectory {
			payload, err := encodeContents(n)
			if err != nil {
				return EncodedTree{}, fmt.Errorf("encode contents of %s: %w", n.global, err)
			}
			en.Contents = payload
		}
		enc.Nodes = append(enc.Nodes, en)
	}

	for _, ops := range t.pending {
		for _, p := range ops {
			ep := EncodedPendingOp{Delete: p.del, Move: p.move}
			if p.create != nil {
				ep.Create = p.create
				if p.contents != nil {
					n := &Node{kind: p.create.Kind, Contents: p.contents}
					payload, err := encodeContents(n)
					if err != nil {
						return EncodedTree{}, fmt.Errorf("encode pending contents of %s: %w", p.create.Node, err)
					}
					ep.Contents = payload
				}
			}
			enc.Pending = append(enc.Pending, ep)
		}
	}

	return enc, nil
}

// Decode rebuilds a tree on the given peer. Content payloads are rebuilt by
// the callback.
func Decode(enc EncodedTree, localPeer peer.ID, decodeContents func(Kind, []byte) (any, error)) (*Tree, error) {
	t := New(localPeer)
	t.lamport = enc.Lamport
	if localPeer == enc.Peer {
		t.nextCounter = enc.NextCounter
	}

	// First pass: materialize every node.
	for _, en := range enc.Nodes {
		n := &Node{
			local:       t.allocLocal(),
			global:      en.Global,
			name:        en.Name,
			kind:        en.Kind,
			state:       en.State,
			creator:     en.Creator,
			moveLamport: en.MoveLamport,
			moveBy:      en.MoveBy,
		}
		if en.Kind != KindDirectory {
			contents, err := decodeContents(en.Kind, en.Contents)
			if err != nil {
				return nil, fmt.Errorf("decode contents of %s: %w", en.Global, err)
			}
			n.Contents = contents
		}
		if _, dup := t.byGlobal[en.Global]; dup {
			return nil, fmt.Errorf("decode tree: duplicate node %s", en.Global)
		}
		t.nodes[n.local] = n
		t.byGlobal[n.global] = n.local
	}

	// Second pass: link children. A deleted node under a visible parent was
	// detached when it was deleted; a deleted node under a deleted parent
	// went down with its subtree and stays linked.
	for _, en := range enc.Nodes {
		local := t.byGlobal[en.Global]
		n := t.nodes[local]
		parentLocal, ok := t.byGlobal[en.Parent]
		if !ok {
			return nil, fmt.Errorf("decode tree: node %s has unknown parent %s", en.Global, en.Parent)
		}
		parent := t.nodes[parentLocal]
		n.parent = parentLocal
		if n.state == Deleted && parent.state == Visible {
			continue
		}
		parent.childIDs = append(parent.childIDs, local)
	}

	for _, ep := range enc.Pending {
		p := pendingOp{del: ep.Delete, move: ep.Move}
		var on GlobalID
		switch {
		case ep.Create != nil:
			p.create = ep.Create
			if len(ep.Contents) > 0 || ep.Create.Kind != KindDirectory {
				contents, err := decodeContents(ep.Create.Kind, ep.Contents)
				if err != nil {
					return nil, fmt.Errorf("decode pending contents of %s: %w", ep.Create.Node, err)
				}
				p.contents = contents
			}
			on = ep.Create.Parent
		case ep.Delete != nil:
			on = ep.Delete.Node
		case ep.Move != nil:
			if _, known := t.byGlobal[ep.Move.Node]; !known {
				on = ep.Move.Node
			} else {
				on = ep.Move.NewParent
			}
		default:
			return nil, fmt.Errorf("decode tree: empty pending op")
		}
		t.pending[on] = append(t.pending[on], p)
	}

	return t, nil
}
