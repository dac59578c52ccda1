package project

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/wingpad/internal/annotations"
	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/crdt"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/peer"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

// Integrate applies one remote operation to the replica and performs the
// resulting editor and filesystem effects. It returns the operations to
// broadcast in turn (conflict-resolution renames); everything else about an
// integration is local.
func (p *Project) Integrate(ctx context.Context, msg ws.Message) []ws.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch m := msg.(type) {
	case ws.CreatedCursor:
		p.integrateCursorCreation(ctx, m.Creation)
	case ws.MovedCursor:
		p.integrateCursorMove(ctx, m.ID, m.Data)
	case ws.DeletedCursor:
		p.integrateCursorDeletion(ctx, m.ID)
	case ws.CreatedSelection:
		p.integrateSelectionCreation(ctx, m.Creation)
	case ws.MovedSelection:
		p.integrateSelectionMove(ctx, m.ID, m.Data)
	case ws.DeletedSelection:
		p.integrateSelectionDeletion(ctx, m.ID)
	case ws.CreatedDirectory:
		return p.integrateFsResult(ctx, p.state.Tree.IntegrateCreate(m.Op, nil))
	case ws.CreatedFile:
		contents := p.buildContents(m.Op, m.Contents)
		return p.integrateFsResult(ctx, p.state.Tree.IntegrateCreate(m.Op, contents))
	case ws.DeletedFsNode:
		return p.integrateFsResult(ctx, p.state.Tree.IntegrateDelete(m.Op))
	case ws.MovedFsNode:
		return p.integrateFsResult(ctx, p.state.Tree.IntegrateMove(m.Op))
	case ws.EditedBinary:
		p.integrateBinaryEdit(ctx, m.File, m.Contents)
	case ws.EditedText:
		p.integrateTextEdit(ctx, m.File, m.Edit)
	case ws.SavedTextFile:
		p.integrateFileSave(ctx, m.File)
	case ws.PeerJoined:
		p.peers.Insert(m.Peer)
	case ws.PeerLeft:
		p.integratePeerLeft(ctx, m.Peer)
	case ws.PeerDisconnected:
		p.integratePeerLeft(ctx, m.Peer)
	case ws.ProjectRequest:
		panic("ProjectRequest must be handled by HandleRequest, not Integrate")
	case ws.ProjectResponse:
		p.editor.Notify(editor.LevelError, "received unexpected project.response message")
	default:
		p.editor.Notify(editor.LevelError, fmt.Sprintf("received unknown message %T", msg))
	}
	return nil
}

// HandleRequest snapshots the project for a joining peer.
func (p *Project) HandleRequest(req ws.ProjectRequest) (ws.ProjectResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot, err := p.state.Encode()
	if err != nil {
		return ws.ProjectResponse{}, fmt.Errorf("encode project: %w", err)
	}
	return ws.ProjectResponse{
		Peers:     p.peers.All(),
		Project:   snapshot,
		RespondTo: req.RequestedBy.ID,
	}, nil
}

func (p *Project) buildContents(op fstree.CreateOp, fc ws.FileContents) any {
	switch op.Kind {
	case fstree.KindText:
		var initial string
		if fc.Text != nil {
			initial = *fc.Text
		}
		return content.NewTextAt(crdt.ReplicaID(p.localPeer.ID), crdt.ReplicaID(op.Creator), initial)
	case fstree.KindBinary:
		return content.NewBinary(fc.Binary)
	case fstree.KindSymlink:
		var target string
		if fc.Symlink != nil {
			target = *fc.Symlink
		}
		return &content.Symlink{Target: target}
	default:
		return nil
	}
}

// integrateFsResult translates tree sync actions into filesystem mutations
// and drains edit backlogs for files that became known.
func (p *Project) integrateFsResult(ctx context.Context, res fstree.IntegrateResult) []ws.Message {
	renames := p.applySyncActions(ctx, res.Actions)
	// Later messages assume the sync actions hit the disk; wait for them.
	p.runner.Flush()

	for _, local := range res.Created {
		node, ok := p.state.Tree.Node(local)
		if !ok || node.IsDir() {
			continue
		}
		p.drainEditBacklogs(ctx, node)
	}

	p.sweepInvisibleDecorations(ctx)
	return renames
}

func (p *Project) drainEditBacklogs(ctx context.Context, node *fstree.Node) {
	global := node.Global()
	if edits, ok := p.state.TextBacklog[global]; ok {
		delete(p.state.TextBacklog, global)
		for _, edit := range edits {
			p.integrateTextEditKnown(ctx, node.Local(), edit)
		}
	}
	if edits, ok := p.state.BinaryBacklog[global]; ok {
		delete(p.state.BinaryBacklog, global)
		for _, contents := range edits {
			p.integrateBinaryEditKnown(ctx, node.Local(), contents)
		}
	}
}

func (p *Project) integrateBinaryEdit(ctx context.Context, file fstree.GlobalID, contents []byte) {
	local, known := p.state.Tree.LocalFromGlobal(file)
	if !known {
		p.state.BinaryBacklog[file] = append(p.state.BinaryBacklog[file], contents)
		return
	}
	p.integrateBinaryEditKnown(ctx, local, contents)
}

func (p *Project) integrateBinaryEditKnown(_ context.Context, local fstree.LocalID, contents []byte) {
	node, ok := p.state.Tree.Node(local)
	if !ok {
		return
	}
	bin, ok := node.Contents.(*content.Binary)
	if !ok {
		logger.Warn("binary edit for a non-binary file", "node", node.Global().String())
		return
	}
	if !bin.Integrate(contents) {
		return
	}
	rel, visible := p.state.Tree.Path(local)
	if !visible {
		return
	}
	abs := p.absPath(rel)
	data := bin.Bytes()
	p.runner.Go(func(ctx context.Context) error {
		if err := p.fs.WriteFile(ctx, abs, data); err != nil {
			p.editor.Notify(editor.LevelError, fmt.Sprintf("writing %s failed: %v", abs, err))
		}
		return nil
	})
	p.runner.Flush()
}

func (p *Project) integrateTextEdit(ctx context.Context, file fstree.GlobalID, edit content.TextEdit) {
	local, known := p.state.Tree.LocalFromGlobal(file)
	if !known {
		p.state.TextBacklog[file] = append(p.state.TextBacklog[file], edit)
		return
	}
	p.integrateTextEditKnown(ctx, local, edit)
}

func (p *Project) integrateTextEditKnown(ctx context.Context, local fstree.LocalID, edit content.TextEdit) {
	node, ok := p.state.Tree.Node(local)
	if !ok {
		return
	}
	txt, ok := node.Contents.(*content.Text)
	if !ok {
		logger.Warn("text edit for a non-text file", "node", node.Global().String())
		return
	}

	reps := txt.IntegrateEdit(edit)
	if len(reps) == 0 || !node.IsVisible() {
		return
	}

	bufID, ok := p.ids.file2buffer[local]
	if !ok {
		rel, _ := p.state.Tree.Path(local)
		abs := p.absPath(rel)
		created, err := p.editor.CreateBuffer(ctx, abs, p.agentID)
		if err != nil {
			p.editor.Notify(editor.LevelError, fmt.Sprintf("opening a buffer for %s failed: %v", abs, err))
			return
		}
		bufID = created
		p.ids.file2buffer[local] = bufID
		p.ids.buffer2file[bufID] = local
	}

	if err := p.editor.EditBuffer(ctx, bufID, reps, p.agentID); err != nil {
		p.editor.Notify(editor.LevelError, fmt.Sprintf("applying a remote edit failed: %v", err))
	}
}

func (p *Project) integrateFileSave(ctx context.Context, file fstree.GlobalID) {
	local, known := p.state.Tree.LocalFromGlobal(file)
	if !known {
		return
	}
	bufID, ok := p.ids.file2buffer[local]
	if !ok {
		return
	}
	if !p.editor.ShouldRemoteSaveCauseLocalSave(bufID) {
		return
	}
	if err := p.editor.SaveBuffer(ctx, bufID, p.agentID); err != nil {
		p.editor.Notify(editor.LevelError, fmt.Sprintf("saving a buffer failed: %v", err))
	}
}

func (p *Project) integrateCursorCreation(ctx context.Context, c annotations.Creation[annotations.Cursor]) {
	if _, known := p.state.Tree.LocalFromGlobal(c.File); !known {
		return
	}
	if !p.state.Cursors.IntegrateCreation(c) {
		return
	}
	p.decorateCursor(ctx, c.ID)
}

func (p *Project) integrateCursorMove(ctx context.Context, id annotations.ID, data annotations.Cursor) {
	rec, updated := p.state.Cursors.IntegrateOp(id, data)
	if !updated {
		return
	}
	tooltip, ok := p.peerTooltips[id]
	if !ok {
		return
	}
	offset, ok := p.resolveCursor(rec)
	if !ok {
		return
	}
	if err := p.editor.MovePeerTooltip(ctx, tooltip, offset); err != nil {
		p.editor.Notify(editor.LevelError, fmt.Sprintf("moving a peer cursor failed: %v", err))
	}
}

func (p *Project) integrateCursorDeletion(ctx context.Context, id annotations.ID) {
	if !p.state.Cursors.IntegrateDeletion(id) {
		return
	}
	if tooltip, ok := p.peerTooltips[id]; ok {
		delete(p.peerTooltips, id)
		_ = p.editor.RemovePeerTooltip(ctx, tooltip)
	}
}

func (p *Project) integrateSelectionCreation(ctx context.Context, c annotations.Creation[annotations.Selection]) {
	if _, known := p.state.Tree.LocalFromGlobal(c.File); !known {
		return
	}
	if !p.state.Selections.IntegrateCreation(c) {
		return
	}
	p.decorateSelection(ctx, c.ID)
}

func (p *Project) integrateSelectionMove(ctx context.Context, id annotations.ID, data annotations.Selection) {
	rec, updated := p.state.Selections.IntegrateOp(id, data)
	if !updated {
		return
	}
	decoration, ok := p.peerSelections[id]
	if !ok {
		return
	}
	start, end, ok := p.resolveSelection(rec)
	if !ok {
		return
	}
	if err := p.editor.MovePeerSelection(ctx, decoration, start, end); err != nil {
		p.editor.Notify(editor.LevelError, fmt.Sprintf("moving a peer selection failed: %v", err))
	}
}

func (p *Project) integrateSelectionDeletion(ctx context.Context, id annotations.ID) {
	if !p.state.Selections.IntegrateDeletion(id) {
		return
	}
	if decoration, ok := p.peerSelections[id]; ok {
		delete(p.peerSelections, id)
		_ = p.editor.RemovePeerSelection(ctx, decoration)
	}
}

func (p *Project) integratePeerLeft(ctx context.Context, id peer.ID) {
	for _, cursorID := range p.state.Cursors.OwnedBy(id) {
		p.state.Cursors.IntegrateDeletion(cursorID)
		if tooltip, ok := p.peerTooltips[cursorID]; ok {
			delete(p.peerTooltips, cursorID)
			_ = p.editor.RemovePeerTooltip(ctx, tooltip)
		}
	}
	for _, selectionID := range p.state.Selections.OwnedBy(id) {
		p.state.Selections.IntegrateDeletion(selectionID)
		if decoration, ok := p.peerSelections[selectionID]; ok {
			delete(p.peerSelections, selectionID)
			_ = p.editor.RemovePeerSelection(ctx, decoration)
		}
	}
	p.peers.Remove(id)
}

// decorateCursor creates the editor tooltip for a cursor whose file is
// visible and has an open buffer.
func (p *Project) decorateCursor(ctx context.Context, id annotations.ID) {
	rec, ok := p.state.Cursors.Get(id)
	if !ok {
		return
	}
	owner, ok := p.peers.Get(id.Creator)
	if !ok {
		return
	}
	local, ok := p.state.Tree.LocalFromGlobal(rec.File)
	if !ok {
		return
	}
	bufID, ok := p.ids.file2buffer[local]
	if !ok {
		return
	}
	offset, ok := p.resolveCursor(rec)
	if !ok {
		return
	}
	tooltip, err := p.editor.CreatePeerTooltip(ctx, owner, bufID, offset)
	if err != nil {
		p.editor.Notify(editor.LevelError, fmt.Sprintf("creating a peer cursor failed: %v", err))
		return
	}
	p.peerTooltips[id] = tooltip
}

func (p *Project) decorateSelection(ctx context.Context, id annotations.ID) {
	rec, ok := p.state.Selections.Get(id)
	if !ok {
		return
	}
	owner, ok := p.peers.Get(id.Creator)
	if !ok {
		return
	}
	local, ok := p.state.Tree.LocalFromGlobal(rec.File)
	if !ok {
		return
	}
	bufID, ok := p.ids.file2buffer[local]
	if !ok {
		return
	}
	start, end, ok := p.resolveSelection(rec)
	if !ok {
		return
	}
	decoration, err := p.editor.CreatePeerSelection(ctx, owner, bufID, start, end)
	if err != nil {
		p.editor.Notify(editor.LevelError, fmt.Sprintf("creating a peer selection failed: %v", err))
		return
	}
	p.peerSelections[id] = decoration
}

func (p *Project) resolveCursor(rec annotations.Record[annotations.Cursor]) (int, bool) {
	txt, ok := p.textOfGlobal(rec.File)
	if !ok {
		return 0, false
	}
	return txt.ResolveAnchor(rec.Data.Anchor)
}

func (p *Project) resolveSelection(rec annotations.Record[annotations.Selection]) (int, int, bool) {
	txt, ok := p.textOfGlobal(rec.File)
	if !ok {
		return 0, 0, false
	}
	return txt.ResolveRange(rec.Data.Start, rec.Data.End)
}

func (p *Project) textOfGlobal(file fstree.GlobalID) (*content.Text, bool) {
	local, ok := p.state.Tree.LocalFromGlobal(file)
	if !ok {
		return nil, false
	}
	node, ok := p.state.Tree.Node(local)
	if !ok {
		return nil, false
	}
	txt, ok := node.Contents.(*content.Text)
	return txt, ok
}

// sweepInvisibleDecorations removes decorations whose file is no longer
// visible, keeping the editor consistent after deletions.
func (p *Project) sweepInvisibleDecorations(ctx context.Context) {
	for id, tooltip := range p.peerTooltips {
		rec, ok := p.state.Cursors.Get(id)
		if ok && p.fileVisible(rec.File) {
			continue
		}
		delete(p.peerTooltips, id)
		_ = p.editor.RemovePeerTooltip(ctx, tooltip)
	}
	for id, decoration := range p.peerSelections {
		rec, ok := p.state.Selections.Get(id)
		if ok && p.fileVisible(rec.File) {
			continue
		}
		delete(p.peerSelections, id)
		_ = p.editor.RemovePeerSelection(ctx, decoration)
	}
}

func (p *Project) fileVisible(file fstree.GlobalID) bool {
	local, ok := p.state.Tree.LocalFromGlobal(file)
	if !ok {
		return false
	}
	node, ok := p.state.Tree.Node(local)
	return ok && node.IsVisible()
}
