// Package fstree is the replicated filesystem model: directories, text
// files, binary files and symlinks addressed by local and global ids.
// Integrating remote operations yields sync actions describing how to bring
// the real filesystem into agreement with the model.
package fstree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehrlich-b/wingpad/internal/peer"
)

// Kind classifies a node.
type Kind uint8

const (
	KindDirectory Kind = iota
	KindText
	KindBinary
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindSymlink:
		return "symlink"
	default:
		return "invalid"
	}
}

// State is a node's lifecycle state. Operations whose dependencies have not
// arrived are held outside the tree, so an attached node is either Visible
// or Deleted.
type State uint8

const (
	Visible State = iota
	Deleted
)

// LocalID is a node's handle within this replica. The root is always 1.
type LocalID uint64

// GlobalID names a node across all peers: the creating peer plus that peer's
// creation counter. The zero GlobalID is the project root.
type GlobalID struct {
	Creator peer.ID `json:"creator"`
	Counter uint64  `json:"counter"`
}

func (g GlobalID) IsRoot() bool {
	return g == GlobalID{}
}

func (g GlobalID) String() string {
	if g.IsRoot() {
		return "node-root"
	}
	return fmt.Sprintf("node-%d.%d", uint64(g.Creator), g.Counter)
}

// Node is one entry in the model. Contents is an opaque payload owned by
// the layer above: a text store, binary store or symlink record.
type Node struct {
	local   LocalID
	global  GlobalID
	name    string
	parent  LocalID
	kind    Kind
	state   State
	creator peer.ID

	// Last move applied to this node, for last-writer-wins move ordering.
	moveLamport uint64
	moveBy      peer.ID

	childIDs []LocalID

	Contents any
}

func (n *Node) Local() LocalID   { return n.local }
func (n *Node) Global() GlobalID { return n.global }
func (n *Node) Name() string     { return n.name }
func (n *Node) Parent() LocalID  { return n.parent }
func (n *Node) Kind() Kind       { return n.kind }
func (n *Node) State() State     { return n.state }
func (n *Node) Creator() peer.ID { return n.creator }
func (n *Node) IsVisible() bool  { return n.state == Visible }
func (n *Node) IsDir() bool      { return n.kind == KindDirectory }

// Tree is one replica's filesystem model.
type Tree struct {
	peer        peer.ID
	lamport     uint64
	nextLocal   LocalID
	nextCounter uint64
	nodes       map[LocalID]*Node
	byGlobal    map[GlobalID]LocalID
	root        LocalID

	// pending holds remote ops waiting for a global id to become known,
	// keyed by the missing dependency.
	pending map[GlobalID][]pendingOp
}

func New(localPeer peer.ID) *Tree {
	t := &Tree{
		peer:      localPeer,
		nextLocal: 1,
		nodes:     make(map[LocalID]*Node),
		byGlobal:  make(map[GlobalID]LocalID),
		pending:   make(map[GlobalID][]pendingOp),
	}
	root := &Node{
		local: t.allocLocal(),
		kind:  KindDirectory,
		state: Visible,
	}
	t.nodes[root.local] = root
	t.byGlobal[GlobalID{}] = root.local
	t.root = root.local
	return t
}

func (t *Tree) Peer() peer.ID {
	return t.peer
}

func (t *Tree) Root() *Node {
	return t.nodes[t.root]
}

// Node returns the node with the given local id, if it exists.
func (t *Tree) Node(id LocalID) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// LocalFromGlobal maps a global id to this replica's local id. A node is
// "known" exactly when this returns true.
func (t *Tree) LocalFromGlobal(g GlobalID) (LocalID, bool) {
	id, ok := t.byGlobal[g]
	return id, ok
}

// Children returns a directory's visible children sorted by name.
func (t *Tree) Children(n *Node) []*Node {
	var out []*Node
	for _, id := range n.childIDs {
		c := t.nodes[id]
		if c.state == Visible {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// visibleChild returns the visible child of dir with the given name.
func (t *Tree) visibleChild(dir *Node, name string) (*Node, bool) {
	for _, id := range dir.childIDs {
		c := t.nodes[id]
		if c.state == Visible && c.name == name {
			return c, true
		}
	}
	return nil, false
}

// Path returns a node's slash-separated path relative to the project root.
// The root's path is the empty string. It reports false for detached
// (deleted) nodes.
func (t *Tree) Path(id LocalID) (string, bool) {
	n, ok := t.nodes[id]
	if !ok || n.state != Visible {
		return "", false
	}
	if id == t.root {
		return "", true
	}
	var parts []string
	for n.local != t.root {
		parts = append(parts, n.name)
		parent, ok := t.nodes[n.parent]
		if !ok || parent.state != Visible {
			return "", false
		}
		n = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "/"), true
}

// NodeAtPath resolves a relative slash path against the visible tree.
func (t *Tree) NodeAtPath(rel string) (*Node, bool) {
	n := t.Root()
	if rel == "" || rel == "." {
		return n, true
	}
	for _, part := range strings.Split(rel, "/") {
		if !n.IsDir() {
			return nil, false
		}
		child, ok := t.visibleChild(n, part)
		if !ok {
			return nil, false
		}
		n = child
	}
	return n, true
}

// WalkVisible walks the visible subtree rooted at from in depth-first
// order, children sorted by name, stopping when fn returns false.
func (t *Tree) WalkVisible(from LocalID, fn func(*Node) bool) {
	n, ok := t.nodes[from]
	if !ok || n.state != Visible {
		return
	}
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(cur) {
			return
		}
		children := t.Children(cur)
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}
}

func (t *Tree) allocLocal() LocalID {
	id := t.nextLocal
	t.nextLocal++
	return id
}

func (t *Tree) allocGlobal() GlobalID {
	g := GlobalID{Creator: t.peer, Counter: t.nextCounter}
	t.nextCounter++
	return g
}

func (t *Tree) attach(n *Node, parent *Node) {
	n.parent = parent.local
	parent.childIDs = append(parent.childIDs, n.local)
}

func (t *Tree) detach(n *Node) {
	parent, ok := t.nodes[n.parent]
	if !ok {
		return
	}
	for i, id := range parent.childIDs {
		if id == n.local {
			parent.childIDs = append(parent.childIDs[:i], parent.childIDs[i+1:]...)
			break
		}
	}
}

// markDeleted tombstones a whole subtree.
func (t *Tree) markDeleted(n *Node) {
	n.state = Deleted
	for _, id := range n.childIDs {
		t.markDeleted(t.nodes[id])
	}
}

func (t *Tree) bumpLamport(remote uint64) uint64 {
	if remote > t.lamport {
		t.lamport = remote
	}
	return t.lamport
}
