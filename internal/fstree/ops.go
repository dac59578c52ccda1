package fstree

import (
	"fmt"

	"github.com/ehrlich-b/wingpad/internal/peer"
)

// CreateOp replicates the creation of one node.
type CreateOp struct {
	Parent  GlobalID `json:"parent"`
	Node    GlobalID `json:"node"`
	Name    string   `json:"name"`
	Creator peer.ID  `json:"creator"`
	Kind    Kind     `json:"kind"`
}

// DeleteOp replicates the deletion of a node (and its subtree).
type DeleteOp struct {
	Node GlobalID `json:"node"`
}

// MoveOp replicates a move or rename. Concurrent moves of the same node are
// ordered last-writer-wins by (Lamport, Mover).
type MoveOp struct {
	Node      GlobalID `json:"node"`
	NewParent GlobalID `json:"new_parent"`
	NewName   string   `json:"new_name"`
	Lamport   uint64   `json:"lamport"`
	Mover     peer.ID  `json:"mover"`
}

// NodeRename records that conflict resolution renamed a node; upper layers
// propagate it as an outgoing move message so every peer observes the same
// rename.
type NodeRename struct {
	Node    GlobalID
	Parent  GlobalID
	NewName string
}

type pendingOp struct {
	create   *CreateOp
	contents any
	del      *DeleteOp
	move     *MoveOp
}

// ErrNameTaken is returned by local operations when the target name is
// already occupied by a visible sibling.
type ErrNameTaken struct {
	Name string
}

func (e *ErrNameTaken) Error() string {
	return fmt.Sprintf("a node named %q already exists in the directory", e.Name)
}

// CreateNode creates a node locally under a visible directory and returns
// the op to broadcast. The editor observed the node on disk, so the name is
// expected to be free.
func (t *Tree) CreateNode(parent LocalID, name string, kind Kind, contents any) (*Node, CreateOp, error) {
	dir, ok := t.nodes[parent]
	if !ok || !dir.IsDir() || dir.state != Visible {
		return nil, CreateOp{}, fmt.Errorf("parent %d is not a visible directory", parent)
	}
	if _, taken := t.visibleChild(dir, name); taken {
		return nil, CreateOp{}, &ErrNameTaken{Name: name}
	}
	n := &Node{
		local:    t.allocLocal(),
		global:   t.allocGlobal(),
		name:     name,
		kind:     kind,
		state:    Visible,
		creator:  t.peer,
		Contents: contents,
	}
	t.nodes[n.local] = n
	t.byGlobal[n.global] = n.local
	t.attach(n, dir)
	op := CreateOp{
		Parent:  dir.global,
		Node:    n.global,
		Name:    name,
		Creator: t.peer,
		Kind:    kind,
	}
	return n, op, nil
}

// DeleteNode deletes a local node and returns the op to broadcast.
func (t *Tree) DeleteNode(id LocalID) (DeleteOp, error) {
	n, ok := t.nodes[id]
	if !ok || n.state != Visible {
		return DeleteOp{}, fmt.Errorf("node %d is not visible", id)
	}
	if id == t.root {
		return DeleteOp{}, fmt.Errorf("the project root can't be deleted")
	}
	t.detach(n)
	t.markDeleted(n)
	return DeleteOp{Node: n.global}, nil
}

// MoveNode moves or renames a local node and returns the op to broadcast.
func (t *Tree) MoveNode(id LocalID, newParent LocalID, newName string) (MoveOp, error) {
	n, ok := t.nodes[id]
	if !ok || n.state != Visible {
		return MoveOp{}, fmt.Errorf("node %d is not visible", id)
	}
	if id == t.root {
		return MoveOp{}, fmt.Errorf("the project root can't be moved")
	}
	dir, ok := t.nodes[newParent]
	if !ok || !dir.IsDir() || dir.state != Visible {
		return MoveOp{}, fmt.Errorf("parent %d is not a visible directory", newParent)
	}
	if other, taken := t.visibleChild(dir, newName); taken && other.local != id {
		return MoveOp{}, &ErrNameTaken{Name: newName}
	}
	t.detach(n)
	t.attach(n, dir)
	n.name = newName
	t.lamport++
	n.moveLamport, n.moveBy = t.lamport, t.peer
	return MoveOp{
		Node:      n.global,
		NewParent: dir.global,
		NewName:   newName,
		Lamport:   n.moveLamport,
		Mover:     t.peer,
	}, nil
}

// IntegrateResult is what one remote fs op integration produced: the sync
// actions to apply, in order, and the nodes that became known so callers can
// drain their per-file edit backlogs.
type IntegrateResult struct {
	Actions []SyncAction
	Created []LocalID
}

func (res *IntegrateResult) merge(other IntegrateResult) {
	res.Actions = append(res.Actions, other.Actions...)
	res.Created = append(res.Created, other.Created...)
}

// IntegrateCreate integrates a remote creation. The contents payload is the
// already-built content store for the new node (nil for directories).
func (t *Tree) IntegrateCreate(op CreateOp, contents any) IntegrateResult {
	return t.integrateCreate(op, contents, false)
}

func (t *Tree) integrateCreate(op CreateOp, contents any, covered bool) IntegrateResult {
	var res IntegrateResult

	if _, known := t.byGlobal[op.Node]; known {
		return res
	}
	parentLocal, ok := t.byGlobal[op.Parent]
	if !ok {
		t.pend(op.Parent, pendingOp{create: &op, contents: contents})
		return res
	}
	dir := t.nodes[parentLocal]

	n := &Node{
		local:    t.allocLocal(),
		global:   op.Node,
		name:     op.Name,
		kind:     op.Kind,
		creator:  op.Creator,
		Contents: contents,
	}
	t.nodes[n.local] = n
	t.byGlobal[n.global] = n.local
	t.attach(n, dir)
	res.Created = append(res.Created, n.local)

	switch dir.state {
	case Deleted:
		n.state = Deleted
	case Visible:
		n.state = Visible
		if existing, taken := t.siblingNamed(dir, op.Name, n.local); taken {
			res.Actions = append(res.Actions, SyncAction{
				Kind:            ActionCreateAndResolve,
				Node:            n.local,
				Covered:         covered,
				ExistingOldPath: t.mustPath(existing.local),
				Conflict:        &Conflict{tree: t, conflicting: n.local, existing: existing.local},
			})
		} else {
			res.Actions = append(res.Actions, SyncAction{
				Kind:    ActionCreate,
				Node:    n.local,
				Covered: covered,
			})
		}
	}

	// Anything waiting on this node can go now. Creates that land under it
	// are covered by this node's own recursive create action.
	res.merge(t.drainPending(op.Node, true))
	return res
}

// IntegrateDelete integrates a remote deletion.
func (t *Tree) IntegrateDelete(op DeleteOp) IntegrateResult {
	var res IntegrateResult
	local, ok := t.byGlobal[op.Node]
	if !ok {
		t.pend(op.Node, pendingOp{del: &op})
		return res
	}
	n := t.nodes[local]
	if n.state == Deleted {
		return res
	}
	oldPath := t.mustPath(local)
	t.detach(n)
	t.markDeleted(n)
	res.Actions = append(res.Actions, SyncAction{Kind: ActionDelete, Node: local, OldPath: oldPath})
	return res
}

// IntegrateMove integrates a remote move or rename.
func (t *Tree) IntegrateMove(op MoveOp) IntegrateResult {
	var res IntegrateResult

	local, ok := t.byGlobal[op.Node]
	if !ok {
		t.pend(op.Node, pendingOp{move: &op})
		return res
	}
	parentLocal, ok := t.byGlobal[op.NewParent]
	if !ok {
		t.pend(op.NewParent, pendingOp{move: &op})
		return res
	}

	n := t.nodes[local]
	t.bumpLamport(op.Lamport)

	// Last-writer-wins: drop the move if we already applied a newer one.
	if op.Lamport < n.moveLamport || (op.Lamport == n.moveLamport && op.Mover <= n.moveBy) {
		return res
	}
	n.moveLamport, n.moveBy = op.Lamport, op.Mover

	if n.state == Deleted {
		return res
	}

	dir := t.nodes[parentLocal]
	if dir.state == Deleted {
		// Moved into a deleted directory: the subtree goes with it.
		oldPath := t.mustPath(local)
		t.detach(n)
		t.markDeleted(n)
		res.Actions = append(res.Actions, SyncAction{Kind: ActionDelete, Node: local, OldPath: oldPath})
		return res
	}

	sameParent := n.parent == parentLocal
	if sameParent && n.name == op.NewName {
		return res
	}

	oldPath := t.mustPath(local)
	t.detach(n)
	t.attach(n, dir)
	n.name = op.NewName

	kind := ActionMove
	if sameParent {
		kind = ActionRename
	}
	if existing, taken := t.siblingNamed(dir, op.NewName, n.local); taken {
		resolveKind := ActionMoveAndResolve
		if sameParent {
			resolveKind = ActionRenameAndResolve
		}
		res.Actions = append(res.Actions, SyncAction{
			Kind:            resolveKind,
			Node:            local,
			OldPath:         oldPath,
			ExistingOldPath: t.mustPath(existing.local),
			Conflict:        &Conflict{tree: t, conflicting: local, existing: existing.local},
		})
	} else {
		res.Actions = append(res.Actions, SyncAction{Kind: kind, Node: local, OldPath: oldPath})
	}
	return res
}

func (t *Tree) pend(on GlobalID, op pendingOp) {
	t.pending[on] = append(t.pending[on], op)
}

func (t *Tree) drainPending(known GlobalID, covered bool) IntegrateResult {
	var res IntegrateResult
	ops := t.pending[known]
	if len(ops) == 0 {
		return res
	}
	delete(t.pending, known)
	for _, p := range ops {
		switch {
		case p.create != nil:
			res.merge(t.integrateCreate(*p.create, p.contents, covered))
		case p.del != nil:
			res.merge(t.IntegrateDelete(*p.del))
		case p.move != nil:
			res.merge(t.IntegrateMove(*p.move))
		}
	}
	return res
}

// siblingNamed is visibleChild excluding one node, for conflict checks on
// the node being attached.
func (t *Tree) siblingNamed(dir *Node, name string, excluding LocalID) (*Node, bool) {
	for _, id := range dir.childIDs {
		if id == excluding {
			continue
		}
		c := t.nodes[id]
		if c.state == Visible && c.name == name {
			return c, true
		}
	}
	return nil, false
}

func (t *Tree) mustPath(id LocalID) string {
	p, ok := t.Path(id)
	if !ok {
		panic(fmt.Sprintf("node %d has no visible path", id))
	}
	return p
}
