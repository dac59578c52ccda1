package fstree

import "fmt"

// ActionKind classifies a sync action.
type ActionKind uint8

const (
	// ActionCreate: create the node (recursively for directories) at its
	// path with its known contents.
	ActionCreate ActionKind = iota
	// ActionDelete: remove the node at OldPath.
	ActionDelete
	// ActionMove: move the node from OldPath to its current path.
	ActionMove
	// ActionRename: like ActionMove, but the parent didn't change.
	ActionRename
	// ActionCreateAndResolve: the created node's name collides with an
	// existing sibling; both must be renamed before materializing.
	ActionCreateAndResolve
	// ActionMoveAndResolve / ActionRenameAndResolve: a move landed on an
	// occupied name; both siblings must be renamed.
	ActionMoveAndResolve
	ActionRenameAndResolve
)

// SyncAction instructs the layer above how to mutate the real filesystem
// after an integration. Actions are applied in order; later actions' paths
// assume earlier ones completed. Paths are captured at integration time,
// relative to the project root.
type SyncAction struct {
	Kind ActionKind
	// Node is the subject: the created, moved or deleted node.
	Node LocalID
	// OldPath is the node's pre-integration path (delete, move, rename).
	OldPath string
	// ExistingOldPath is the colliding sibling's pre-resolution path.
	ExistingOldPath string
	// Conflict is set on *AndResolve actions.
	Conflict *Conflict
	// Covered creations are already materialized by an earlier recursive
	// create in the same batch and need no filesystem action of their own.
	Covered bool
}

// Conflict is a naming collision between two siblings. The resolver renames
// both and then asks the model whether the collision is actually broken.
type Conflict struct {
	tree        *Tree
	conflicting LocalID
	existing    LocalID
}

// ConflictingNode is the node whose integration caused the collision.
func (c *Conflict) ConflictingNode() *Node {
	return c.tree.nodes[c.conflicting]
}

// ExistingNode is the sibling that already held the name.
func (c *Conflict) ExistingNode() *Node {
	return c.tree.nodes[c.existing]
}

// ForceRename renames one of the two nodes in the model and returns the
// rename record to propagate.
func (c *Conflict) ForceRename(id LocalID, newName string) NodeRename {
	if id != c.conflicting && id != c.existing {
		panic(fmt.Sprintf("node %d is not part of this conflict", id))
	}
	n := c.tree.nodes[id]
	n.name = newName
	parent := c.tree.nodes[n.parent]
	return NodeRename{Node: n.global, Parent: parent.global, NewName: newName}
}

// Resolved reports whether, after the renames so far, neither node collides
// with any visible sibling.
func (c *Conflict) Resolved() bool {
	for _, id := range []LocalID{c.conflicting, c.existing} {
		n := c.tree.nodes[id]
		dir := c.tree.nodes[n.parent]
		if _, taken := c.tree.siblingNamed(dir, n.name, id); taken {
			return false
		}
	}
	return true
}
