package project

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

// applySyncActions turns the tree's sync actions into ordered filesystem
// mutations. Naming conflicts are resolved first, so every action
// materializes with final names; the returned messages are the
// conflict-resolution renames to broadcast.
func (p *Project) applySyncActions(ctx context.Context, actions []fstree.SyncAction) []ws.Message {
	if len(actions) == 0 {
		return nil
	}

	var renames []ws.Message
	for i := range actions {
		a := &actions[i]
		if a.Conflict == nil {
			continue
		}
		fromCreation := a.Kind == fstree.ActionCreateAndResolve
		renames = append(renames, p.resolveNamingConflict(a.Conflict, fromCreation)...)
	}

	// Nodes with their own materializing action in this batch are excluded
	// from recursive creates so they aren't written twice. Covered creates
	// are the opposite: they rely on an ancestor's recursive create.
	skip := make(map[fstree.LocalID]bool, len(actions))
	for _, a := range actions {
		if !a.Covered {
			skip[a.Node] = true
		}
	}

	for _, a := range actions {
		switch a.Kind {
		case fstree.ActionCreate:
			if a.Covered {
				continue
			}
			p.scheduleNodeCreation(a.Node, skip)

		case fstree.ActionCreateAndResolve:
			if a.Covered {
				continue
			}
			existing := a.Conflict.ExistingNode()
			p.scheduleMove(a.ExistingOldPath, existing.Local())
			p.scheduleNodeCreation(a.Node, skip)

		case fstree.ActionDelete:
			abs := p.absPath(a.OldPath)
			p.runner.Go(func(ctx context.Context) error {
				if err := p.fs.Delete(ctx, abs); err != nil {
					p.notifyFsError("deleting", abs, err)
				}
				return nil
			})

		case fstree.ActionMove, fstree.ActionRename:
			p.scheduleMove(a.OldPath, a.Node)

		case fstree.ActionMoveAndResolve, fstree.ActionRenameAndResolve:
			existing := a.Conflict.ExistingNode()
			p.scheduleMove(a.ExistingOldPath, existing.Local())
			p.scheduleMove(a.OldPath, a.Node)
		}
	}

	return renames
}

// scheduleMove moves a node from its captured old path to its current path
// in the model.
func (p *Project) scheduleMove(oldRel string, node fstree.LocalID) {
	newRel, ok := p.state.Tree.Path(node)
	if !ok {
		return
	}
	if oldRel == newRel {
		return
	}
	oldAbs, newAbs := p.absPath(oldRel), p.absPath(newRel)
	p.runner.Go(func(ctx context.Context) error {
		if err := p.fs.Move(ctx, oldAbs, newAbs); err != nil {
			p.notifyFsError("moving", oldAbs, err)
		}
		return nil
	})
}

// scheduleNodeCreation materializes a node, recursively for directories,
// skipping children that carry their own action in this batch.
func (p *Project) scheduleNodeCreation(node fstree.LocalID, skip map[fstree.LocalID]bool) {
	n, ok := p.state.Tree.Node(node)
	if !ok || !n.IsVisible() {
		return
	}
	rel, ok := p.state.Tree.Path(node)
	if !ok {
		return
	}
	abs := p.absPath(rel)

	switch n.Kind() {
	case fstree.KindDirectory:
		p.runner.Go(func(ctx context.Context) error {
			if err := p.fs.CreateDir(ctx, abs); err != nil {
				p.notifyFsError("creating", abs, err)
			}
			return nil
		})
		for _, child := range p.state.Tree.Children(n) {
			if skip[child.Local()] {
				continue
			}
			p.scheduleNodeCreation(child.Local(), skip)
		}

	case fstree.KindText:
		txt, ok := n.Contents.(*content.Text)
		if !ok {
			return
		}
		data := txt.Bytes()
		p.runner.Go(func(ctx context.Context) error {
			if err := p.fs.WriteFile(ctx, abs, data); err != nil {
				p.notifyFsError("writing", abs, err)
			}
			return nil
		})

	case fstree.KindBinary:
		bin, ok := n.Contents.(*content.Binary)
		if !ok {
			return
		}
		data := bin.Bytes()
		p.runner.Go(func(ctx context.Context) error {
			if err := p.fs.WriteFile(ctx, abs, data); err != nil {
				p.notifyFsError("writing", abs, err)
			}
			return nil
		})

	case fstree.KindSymlink:
		link, ok := n.Contents.(*content.Symlink)
		if !ok {
			return
		}
		target := link.Target
		p.runner.Go(func(ctx context.Context) error {
			if err := p.fs.CreateSymlink(ctx, abs, target); err != nil {
				p.notifyFsError("linking", abs, err)
			}
			return nil
		})
	}
}

func (p *Project) notifyFsError(verb, abs string, err error) {
	logger.Error("filesystem sync action failed", "op", verb, "path", abs, "err", err)
	p.editor.Notify(editor.LevelError, fmt.Sprintf("%s %s failed: %v", verb, abs, err))
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(rng *rand.Rand) string {
	buf := make([]byte, 6)
	for i := range buf {
		buf[i] = suffixAlphabet[rng.IntN(len(suffixAlphabet))]
	}
	return string(buf)
}

// resolveNamingConflict renames both siblings of a conflict so every peer
// arrives at the same two names, and returns the move messages that
// propagate the renames.
//
// Conflicts from concurrent creations first try appending the creators'
// handles: if alice and bob both create "lib.rs", the files become
// "lib.rs-alice" and "lib.rs-bob". If that still collides (say a
// "lib.rs-alice" already existed), each side appends a suffix stream drawn
// from a PRNG seeded by that node's creator, so the streams agree across
// peers and diverge from each other.
func (p *Project) resolveNamingConflict(c *fstree.Conflict, fromCreation bool) []ws.Message {
	conflicting := c.ConflictingNode()
	existing := c.ExistingNode()

	resolved := false

	if fromCreation && conflicting.Creator() != existing.Creator() {
		creatorConflicting, okC := p.peers.Get(conflicting.Creator())
		creatorExisting, okE := p.peers.Get(existing.Creator())
		if okC && okE {
			c.ForceRename(conflicting.Local(), fmt.Sprintf("%s-%s", conflicting.Name(), creatorConflicting.Handle))
			c.ForceRename(existing.Local(), fmt.Sprintf("%s-%s", existing.Name(), creatorExisting.Handle))
			resolved = c.Resolved()
		}
	}

	if !resolved {
		var seedConflicting, seedExisting uint64
		if conflicting.Creator() != existing.Creator() {
			seedConflicting = uint64(conflicting.Creator())
			seedExisting = uint64(existing.Creator())
		} else {
			// Same creator happens under moves; derive two seeds from the
			// shared one.
			shared := uint64(existing.Creator())
			rng := rand.New(rand.NewPCG(shared, shared))
			seedConflicting = rng.Uint64()
			seedExisting = rng.Uint64()
		}
		if seedConflicting == seedExisting {
			panic("conflict resolution seeds must differ")
		}

		rngConflicting := rand.New(rand.NewPCG(seedConflicting, seedConflicting))
		rngExisting := rand.New(rand.NewPCG(seedExisting, seedExisting))

		origConflicting := conflicting.Name()
		origExisting := existing.Name()

		// The two suffix streams diverge, so this terminates with
		// probability 1.
		for {
			c.ForceRename(conflicting.Local(), fmt.Sprintf("%s-%s", origConflicting, randomSuffix(rngConflicting)))
			c.ForceRename(existing.Local(), fmt.Sprintf("%s-%s", origExisting, randomSuffix(rngExisting)))
			if c.Resolved() {
				break
			}
		}
	}

	var out []ws.Message
	for _, n := range []*fstree.Node{conflicting, existing} {
		op, err := p.state.Tree.MoveNode(n.Local(), n.Parent(), n.Name())
		if err != nil {
			logger.Warn("couldn't emit a conflict rename", "node", n.Global().String(), "err", err)
			continue
		}
		out = append(out, ws.MovedFsNode{Op: op})
	}
	return out
}
