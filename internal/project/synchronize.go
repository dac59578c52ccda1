package project

import (
	"context"
	"fmt"
	"path"

	"github.com/ehrlich-b/wingpad/internal/annotations"
	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/crdt"
	"github.com/ehrlich-b/wingpad/internal/diff"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/hostfs"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

// Synchronize folds one local editor or filesystem event into the replica
// and returns the operation to broadcast, if the event produced one.
func (p *Project) Synchronize(ctx context.Context, event editor.Event) (ws.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := event.(type) {
	case editor.BufferCreated:
		return nil, p.synchronizeBufferCreated(ctx, ev)
	case editor.BufferEdited:
		return p.synchronizeBufferEdited(ev), nil
	case editor.BufferRemoved:
		p.synchronizeBufferRemoved(ev)
		return nil, nil
	case editor.BufferSaved:
		return p.synchronizeBufferSaved(ev), nil
	case editor.CursorCreated:
		return p.synchronizeCursorCreated(ev), nil
	case editor.CursorMoved:
		return p.synchronizeCursorMoved(ev), nil
	case editor.CursorRemoved:
		return p.synchronizeCursorRemoved(ev), nil
	case editor.SelectionCreated:
		return p.synchronizeSelectionCreated(ev), nil
	case editor.SelectionMoved:
		return p.synchronizeSelectionMoved(ev), nil
	case editor.SelectionRemoved:
		return p.synchronizeSelectionRemoved(ev), nil
	case editor.NodeCreated:
		return p.synchronizeNodeCreated(ctx, ev)
	case editor.FileModified:
		return p.synchronizeFileModified(ctx, ev)
	case editor.FileIDChanged:
		p.synchronizeFileIDChanged(ev)
		return nil, nil
	case editor.NodeDeleted:
		return p.synchronizeNodeDeleted(ev), nil
	case editor.NodeMoved:
		return p.synchronizeNodeMoved(ev), nil
	default:
		return nil, fmt.Errorf("unknown event %T", event)
	}
}

func (p *Project) synchronizeBufferCreated(ctx context.Context, ev editor.BufferCreated) error {
	rel, ok := p.relPath(ev.Path)
	if !ok {
		return fmt.Errorf("buffer path %s is outside the project", ev.Path)
	}
	node, ok := p.state.Tree.NodeAtPath(rel)
	if !ok || node.IsDir() {
		return nil
	}
	p.ids.buffer2file[ev.Buffer] = node.Local()
	p.ids.file2buffer[node.Local()] = ev.Buffer

	// Decorations for annotations on this file can exist now.
	p.state.Cursors.Each(func(rec annotations.Record[annotations.Cursor]) bool {
		if rec.File == node.Global() && rec.ID.Creator != p.localPeer.ID {
			if _, decorated := p.peerTooltips[rec.ID]; !decorated {
				p.decorateCursor(ctx, rec.ID)
			}
		}
		return true
	})
	p.state.Selections.Each(func(rec annotations.Record[annotations.Selection]) bool {
		if rec.File == node.Global() && rec.ID.Creator != p.localPeer.ID {
			if _, decorated := p.peerSelections[rec.ID]; !decorated {
				p.decorateSelection(ctx, rec.ID)
			}
		}
		return true
	})
	return nil
}

func (p *Project) synchronizeBufferEdited(ev editor.BufferEdited) ws.Message {
	if ev.Agent == p.agentID {
		// Our own integration echoing back through the editor.
		return nil
	}
	node, txt := p.textFileOfBuffer(ev.Buffer)
	edit := txt.Edit(ev.Replacements)
	return ws.EditedText{File: node.Global(), Edit: edit}
}

func (p *Project) synchronizeBufferRemoved(ev editor.BufferRemoved) {
	if local, ok := p.ids.buffer2file[ev.Buffer]; ok {
		delete(p.ids.buffer2file, ev.Buffer)
		delete(p.ids.file2buffer, local)
	}
}

func (p *Project) synchronizeBufferSaved(ev editor.BufferSaved) ws.Message {
	if ev.Agent == p.agentID {
		return nil
	}
	node, _ := p.textFileOfBuffer(ev.Buffer)
	return ws.SavedTextFile{File: node.Global()}
}

func (p *Project) synchronizeCursorCreated(ev editor.CursorCreated) ws.Message {
	if p.localCursor != nil {
		panic("the local peer already owns a cursor in this project")
	}
	node, txt := p.textFileOfBuffer(ev.Buffer)
	anchor := txt.CreateCursorAnchor(ev.Offset)
	id, creation := p.state.Cursors.Create(node.Global(), annotations.Cursor{Anchor: anchor})
	p.ids.cursor2id[ev.Cursor] = id
	p.localCursor = &id
	return ws.CreatedCursor{Creation: creation}
}

func (p *Project) synchronizeCursorMoved(ev editor.CursorMoved) ws.Message {
	id, ok := p.ids.cursor2id[ev.Cursor]
	if !ok {
		panic(fmt.Sprintf("unknown cursor ID %q", ev.Cursor))
	}
	rec, ok := p.state.Cursors.Get(id)
	if !ok {
		panic(fmt.Sprintf("cursor ID %q maps to a deleted cursor", ev.Cursor))
	}
	txt, ok := p.textOfGlobal(rec.File)
	if !ok {
		return nil
	}
	data := annotations.Cursor{
		Anchor: txt.CreateCursorAnchor(ev.Offset),
		Seq:    rec.Data.Seq + 1,
	}
	p.state.Cursors.UpdateOwned(id, data)
	return ws.MovedCursor{ID: id, Data: data}
}

func (p *Project) synchronizeCursorRemoved(ev editor.CursorRemoved) ws.Message {
	id, ok := p.ids.cursor2id[ev.Cursor]
	if !ok {
		panic(fmt.Sprintf("unknown cursor ID %q", ev.Cursor))
	}
	p.state.Cursors.DeleteOwned(id)
	delete(p.ids.cursor2id, ev.Cursor)
	p.localCursor = nil
	return ws.DeletedCursor{ID: id}
}

func (p *Project) synchronizeSelectionCreated(ev editor.SelectionCreated) ws.Message {
	node, txt := p.textFileOfBuffer(ev.Buffer)
	start, end := txt.CreateSelectionAnchors(ev.Start, ev.End)
	id, creation := p.state.Selections.Create(node.Global(), annotations.Selection{Start: start, End: end})
	p.ids.sel2id[ev.Selection] = id
	return ws.CreatedSelection{Creation: creation}
}

func (p *Project) synchronizeSelectionMoved(ev editor.SelectionMoved) ws.Message {
	id, ok := p.ids.sel2id[ev.Selection]
	if !ok {
		panic(fmt.Sprintf("unknown selection ID %q", ev.Selection))
	}
	rec, ok := p.state.Selections.Get(id)
	if !ok {
		panic(fmt.Sprintf("selection ID %q maps to a deleted selection", ev.Selection))
	}
	txt, ok := p.textOfGlobal(rec.File)
	if !ok {
		return nil
	}
	start, end := txt.CreateSelectionAnchors(ev.Start, ev.End)
	data := annotations.Selection{Start: start, End: end, Seq: rec.Data.Seq + 1}
	p.state.Selections.UpdateOwned(id, data)
	return ws.MovedSelection{ID: id, Data: data}
}

func (p *Project) synchronizeSelectionRemoved(ev editor.SelectionRemoved) ws.Message {
	id, ok := p.ids.sel2id[ev.Selection]
	if !ok {
		panic(fmt.Sprintf("unknown selection ID %q", ev.Selection))
	}
	p.state.Selections.DeleteOwned(id)
	delete(p.ids.sel2id, ev.Selection)
	return ws.DeletedSelection{ID: id}
}

// synchronizeNodeCreated handles a node observed on disk: read its
// contents, mirror it into the model, and announce it.
func (p *Project) synchronizeNodeCreated(ctx context.Context, ev editor.NodeCreated) (ws.Message, error) {
	rel, ok := p.relPath(ev.Path)
	if !ok || rel == "" {
		return nil, fmt.Errorf("created node path %s is outside the project", ev.Path)
	}

	if existing, ok := p.state.Tree.NodeAtPath(rel); ok {
		// Already modeled: this is the watcher echoing one of our own sync
		// actions. Just record the id mapping.
		p.ids.node2node[ev.Node] = existing.Local()
		return nil, nil
	}

	disk, err := p.fs.ContentsAtPath(ctx, ev.Path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ev.Path, err)
	}
	if disk == nil {
		// Deleted or moved before we could look at it.
		return nil, nil
	}

	parentRel := path.Dir(rel)
	if parentRel == "." {
		parentRel = ""
	}
	parent, ok := p.state.Tree.NodeAtPath(parentRel)
	if !ok || !parent.IsDir() {
		return nil, fmt.Errorf("parent path %q doesn't exist in the project", parentRel)
	}

	name := path.Base(rel)
	var contents any
	switch disk.Kind {
	case fstree.KindText:
		contents = content.NewText(crdt.ReplicaID(p.localPeer.ID), disk.Text)
	case fstree.KindBinary:
		contents = content.NewBinary(disk.Binary)
	case fstree.KindSymlink:
		contents = &content.Symlink{Target: disk.Symlink}
	}

	node, op, err := p.state.Tree.CreateNode(parent.Local(), name, disk.Kind, contents)
	if err != nil {
		return nil, fmt.Errorf("creating %s in the model: %w", rel, err)
	}
	p.ids.node2node[ev.Node] = node.Local()

	if disk.Kind == fstree.KindDirectory {
		return ws.CreatedDirectory{Op: op}, nil
	}
	return ws.CreatedFile{Op: op, Contents: fileContents(disk)}, nil
}

func fileContents(disk *hostfs.Contents) ws.FileContents {
	switch disk.Kind {
	case fstree.KindText:
		t := disk.Text
		return ws.FileContents{Text: &t}
	case fstree.KindBinary:
		return ws.FileContents{Binary: disk.Binary}
	case fstree.KindSymlink:
		s := disk.Symlink
		return ws.FileContents{Symlink: &s}
	default:
		return ws.FileContents{}
	}
}

// synchronizeFileModified diffs a file's on-disk contents against the
// model and broadcasts the difference.
func (p *Project) synchronizeFileModified(ctx context.Context, ev editor.FileModified) (ws.Message, error) {
	local, ok := p.ids.node2node[ev.Node]
	if !ok {
		return nil, nil
	}
	node, ok := p.state.Tree.Node(local)
	if !ok || !node.IsVisible() {
		return nil, nil
	}
	rel, ok := p.state.Tree.Path(local)
	if !ok {
		return nil, nil
	}

	disk, err := p.fs.ContentsAtPath(ctx, p.absPath(rel))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	if disk == nil {
		return nil, nil
	}

	switch c := node.Contents.(type) {
	case *content.Binary:
		if disk.Kind != fstree.KindBinary {
			return nil, nil
		}
		if !c.Integrate(disk.Binary) {
			return nil, nil
		}
		return ws.EditedBinary{File: node.Global(), Contents: c.Bytes()}, nil

	case *content.Text:
		if disk.Kind != fstree.KindText {
			return nil, nil
		}
		reps := diff.Strings(c.String(), disk.Text)
		if len(reps) == 0 {
			return nil, nil
		}
		edit := c.Edit(reps)
		return ws.EditedText{File: node.Global(), Edit: edit}, nil

	default:
		logger.Warn("file modification on an unexpected node", "path", rel)
		return nil, nil
	}
}

func (p *Project) synchronizeFileIDChanged(ev editor.FileIDChanged) {
	local, ok := p.ids.node2node[ev.Old]
	if !ok {
		panic(fmt.Sprintf("unknown node ID %q", ev.Old))
	}
	delete(p.ids.node2node, ev.Old)
	p.ids.node2node[ev.New] = local
}

func (p *Project) synchronizeNodeDeleted(ev editor.NodeDeleted) ws.Message {
	local, ok := p.ids.node2node[ev.Node]
	if !ok {
		return nil
	}
	delete(p.ids.node2node, ev.Node)

	op, err := p.state.Tree.DeleteNode(local)
	if err != nil {
		// Already deleted: the watcher echoing an integrated deletion.
		return nil
	}
	// Deleting a file severs any buffer mapping too.
	if bufID, ok := p.ids.file2buffer[local]; ok {
		delete(p.ids.file2buffer, local)
		delete(p.ids.buffer2file, bufID)
	}
	return ws.DeletedFsNode{Op: op}
}

func (p *Project) synchronizeNodeMoved(ev editor.NodeMoved) ws.Message {
	local, ok := p.ids.node2node[ev.Node]
	if !ok {
		return nil
	}
	rel, ok := p.relPath(ev.NewPath)
	if !ok || rel == "" {
		return nil
	}

	parentRel := path.Dir(rel)
	if parentRel == "." {
		parentRel = ""
	}
	parent, ok := p.state.Tree.NodeAtPath(parentRel)
	if !ok || !parent.IsDir() {
		panic(fmt.Sprintf("parent path %q doesn't exist in the project", parentRel))
	}
	name := path.Base(rel)

	node, ok := p.state.Tree.Node(local)
	if !ok {
		return nil
	}
	if node.Parent() == parent.Local() && node.Name() == name {
		// The watcher echoing an integrated move.
		return nil
	}

	op, err := p.state.Tree.MoveNode(local, parent.Local(), name)
	if err != nil {
		logger.Warn("couldn't apply an observed move", "path", rel, "err", err)
		return nil
	}
	return ws.MovedFsNode{Op: op}
}

// textFileOfBuffer resolves a buffer to its text file. An unknown buffer or
// a buffer mapped to a non-text file is a programming error.
func (p *Project) textFileOfBuffer(id editor.BufferID) (*fstree.Node, *content.Text) {
	local, ok := p.ids.buffer2file[id]
	if !ok {
		panic(fmt.Sprintf("unknown buffer ID %q", id))
	}
	node, ok := p.state.Tree.Node(local)
	if !ok {
		panic(fmt.Sprintf("buffer ID %q maps to a deleted file", id))
	}
	txt, ok := node.Contents.(*content.Text)
	if !ok {
		panic(fmt.Sprintf("buffer ID %q maps to a %s file", id, node.Kind()))
	}
	return node, txt
}
