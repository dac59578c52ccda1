package project

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ehrlich-b/wingpad/internal/annotations"
	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/crdt"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/hostfs"
	"github.com/ehrlich-b/wingpad/internal/peer"
	"github.com/ehrlich-b/wingpad/internal/task"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

type testPeerEnv struct {
	t      *testing.T
	peer   peer.Peer
	dir    *Projects
	handle *Handle
	p      *Project
	mock   *editor.Mock
	fs     *hostfs.Mem
	runner *task.Runner
	root   string
}

func newTestPeer(t *testing.T, id peer.ID, handleName string, remotes ...peer.Peer) *testPeerEnv {
	t.Helper()
	ctx := context.Background()
	root := "/proj"

	dir := NewProjects()
	guard, err := dir.NewGuard(root)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	memfs := hostfs.NewMem()
	if err := memfs.CreateDir(ctx, root); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	mock := editor.NewMock()
	mock.LoadFile = func(path string) (string, bool) {
		c, err := memfs.ContentsAtPath(ctx, path)
		if err != nil || c == nil || c.Kind != fstree.KindText {
			return "", false
		}
		return c.Text, true
	}

	runner := task.NewRunner(context.Background(), nil)
	t.Cleanup(func() { runner.Close() })

	handle := guard.Activate(NewProjectArgs{
		AgentID:     editor.AgentID("engine-" + handleName),
		HostID:      1,
		LocalPeer:   peer.Peer{ID: id, Handle: handleName},
		RemotePeers: remotes,
		State:       NewState(id),
		SessionID:   "sess",
		Editor:      mock,
		FS:          memfs,
		Runner:      runner,
	})

	return &testPeerEnv{
		t:      t,
		peer:   peer.Peer{ID: id, Handle: handleName},
		dir:    dir,
		handle: handle,
		p:      handle.Project(),
		mock:   mock,
		fs:     memfs,
		runner: runner,
		root:   root,
	}
}

// createFileOnDisk simulates the user creating a file: write it to disk,
// then feed the observation through Synchronize.
func (e *testPeerEnv) createFileOnDisk(name, contents string) ws.Message {
	e.t.Helper()
	ctx := context.Background()
	abs := e.root + "/" + name
	if err := e.fs.WriteFile(ctx, abs, []byte(contents)); err != nil {
		e.t.Fatalf("write %s: %v", name, err)
	}
	msg, err := e.p.Synchronize(ctx, editor.NodeCreated{Node: editor.NodeID("node-" + name), Path: abs})
	if err != nil {
		e.t.Fatalf("synchronize creation of %s: %v", name, err)
	}
	if msg == nil {
		e.t.Fatalf("creation of %s produced no message", name)
	}
	return msg
}

// openBuffer simulates the user opening a buffer for a project file.
func (e *testPeerEnv) openBuffer(name string) editor.BufferID {
	e.t.Helper()
	ctx := context.Background()
	abs := e.root + "/" + name
	text := ""
	if c, _ := e.fs.ContentsAtPath(ctx, abs); c != nil {
		text = c.Text
	}
	id := e.mock.OpenBuffer(abs, text)
	if _, err := e.p.Synchronize(ctx, editor.BufferCreated{Buffer: id, Path: abs}); err != nil {
		e.t.Fatalf("synchronize buffer creation: %v", err)
	}
	return id
}

// listing captures the user-visible project state: every visible path and,
// for text files, its contents.
func (e *testPeerEnv) listing() map[string]string {
	out := make(map[string]string)
	tree := e.p.state.Tree
	tree.WalkVisible(tree.Root().Local(), func(n *fstree.Node) bool {
		rel, ok := tree.Path(n.Local())
		if !ok || rel == "" {
			return true
		}
		switch c := n.Contents.(type) {
		case *content.Text:
			out[rel] = c.String()
		case *content.Binary:
			out[rel] = fmt.Sprintf("binary:%d", c.Len())
		case *content.Symlink:
			out[rel] = "symlink:" + c.Target
		default:
			out[rel] = "dir"
		}
		return true
	})
	return out
}

func TestConcurrentSameNameCreation(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, 1, "alice", peer.Peer{ID: 2, Handle: "bob"})
	bob := newTestPeer(t, 2, "bob", peer.Peer{ID: 1, Handle: "alice"})

	msgAlice := alice.createFileOnDisk("lib.rs", "alice's contents\n")
	msgBob := bob.createFileOnDisk("lib.rs", "bob's contents\n")

	renamesFromAlice := alice.p.Integrate(ctx, msgBob)
	renamesFromBob := bob.p.Integrate(ctx, msgAlice)

	for _, m := range renamesFromAlice {
		bob.p.Integrate(ctx, m)
	}
	for _, m := range renamesFromBob {
		alice.p.Integrate(ctx, m)
	}

	want := map[string]string{
		"lib.rs-alice": "alice's contents\n",
		"lib.rs-bob":   "bob's contents\n",
	}
	if diff := cmp.Diff(want, alice.listing()); diff != "" {
		t.Errorf("alice's tree mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, bob.listing()); diff != "" {
		t.Errorf("bob's tree mismatch (-want +got):\n%s", diff)
	}

	// The disk followed along on both sides.
	alice.runner.Flush()
	for _, env := range []*testPeerEnv{alice, bob} {
		for name, contents := range want {
			c, err := env.fs.ContentsAtPath(ctx, env.root+"/"+name)
			if err != nil || c == nil {
				t.Fatalf("%s missing on disk for %s", name, env.peer.Handle)
			}
			if c.Text != contents {
				t.Errorf("%s on %s's disk = %q, want %q", name, env.peer.Handle, c.Text, contents)
			}
		}
	}
}

func TestUnknownFileEditIsBackloggedAndDrained(t *testing.T) {
	ctx := context.Background()
	bob := newTestPeer(t, 2, "bob", peer.Peer{ID: 3, Handle: "carol"})
	carol := newTestPeer(t, 3, "carol", peer.Peer{ID: 2, Handle: "bob"})

	createMsg := bob.createFileOnDisk("x.txt", "hi")
	buf := bob.openBuffer("x.txt")
	editMsg, err := bob.p.Synchronize(ctx, editor.BufferEdited{
		Buffer:       buf,
		Replacements: []content.Replacement{{Start: 2, End: 2, Text: " there"}},
		Agent:        "user",
	})
	if err != nil || editMsg == nil {
		t.Fatalf("buffer edit: msg %v err %v", editMsg, err)
	}

	// Carol sees the edit before the creation.
	carol.p.Integrate(ctx, editMsg)
	if len(carol.p.state.TextBacklog) != 1 {
		t.Fatalf("backlog has %d files, want 1", len(carol.p.state.TextBacklog))
	}

	carol.p.Integrate(ctx, createMsg)
	if len(carol.p.state.TextBacklog) != 0 {
		t.Error("backlog should drain during the creation's integration")
	}
	if got := carol.listing()["x.txt"]; got != "hi there" {
		t.Errorf("carol's x.txt = %q, want %q", got, "hi there")
	}
	if got := bob.listing()["x.txt"]; got != "hi there" {
		t.Errorf("bob's x.txt = %q, want %q", got, "hi there")
	}

	// The engine opened a buffer on carol's side to apply the edit.
	_, b, ok := carol.mock.BufferAt("/proj/x.txt")
	if !ok {
		t.Fatal("no buffer opened for the remote edit")
	}
	if b.Text != "hi there" {
		t.Errorf("carol's buffer = %q, want %q", b.Text, "hi there")
	}
}

func TestCursorMoveSequenceReordering(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, 1, "alice", peer.Peer{ID: 2, Handle: "bob"})
	bob := newTestPeer(t, 2, "bob", peer.Peer{ID: 1, Handle: "alice"})

	createMsg := alice.createFileOnDisk("f.txt", "hello")
	aliceBuf := alice.openBuffer("f.txt")

	cursorMsg, err := alice.p.Synchronize(ctx, editor.CursorCreated{Cursor: "c1", Buffer: aliceBuf, Offset: 5})
	if err != nil || cursorMsg == nil {
		t.Fatal("cursor creation produced nothing")
	}
	move1, _ := alice.p.Synchronize(ctx, editor.CursorMoved{Cursor: "c1", Offset: 1})
	move2, _ := alice.p.Synchronize(ctx, editor.CursorMoved{Cursor: "c1", Offset: 3})

	bob.p.Integrate(ctx, createMsg)
	bob.openBuffer("f.txt")
	bob.p.Integrate(ctx, cursorMsg)

	tooltips := bob.mock.Tooltips()
	if len(tooltips) != 1 {
		t.Fatalf("got %d tooltips, want 1", len(tooltips))
	}
	for _, tip := range tooltips {
		if tip.Offset != 5 {
			t.Errorf("initial tooltip offset = %d, want 5", tip.Offset)
		}
		if tip.Owner.Handle != "alice" {
			t.Errorf("tooltip owner = %q, want alice", tip.Owner.Handle)
		}
	}

	// The seq-2 move arrives before the seq-1 move; the latter is dropped.
	bob.p.Integrate(ctx, move2)
	bob.p.Integrate(ctx, move1)
	for _, tip := range bob.mock.Tooltips() {
		if tip.Offset != 3 {
			t.Errorf("tooltip offset = %d, want 3 (the newer move)", tip.Offset)
		}
	}
}

func TestPeerLeaveSweepsDecorations(t *testing.T) {
	ctx := context.Background()
	bob := newTestPeer(t, 2, "bob", peer.Peer{ID: 4, Handle: "dana"})

	bob.createFileOnDisk("one.txt", "first")
	bob.createFileOnDisk("two.txt", "second")
	bob.openBuffer("one.txt")
	bob.openBuffer("two.txt")

	file1, _ := bob.p.state.Tree.NodeAtPath("one.txt")
	file2, _ := bob.p.state.Tree.NodeAtPath("two.txt")

	for i, file := range []*fstree.Node{file1, file2} {
		bob.p.Integrate(ctx, ws.CreatedCursor{Creation: annotations.Creation[annotations.Cursor]{
			ID:   annotations.ID{Creator: 4, Counter: uint64(i)},
			File: file.Global(),
			Data: annotations.Cursor{Anchor: crdt.Anchor{}},
		}})
	}
	if got := len(bob.mock.Tooltips()); got != 2 {
		t.Fatalf("got %d tooltips before the leave, want 2", got)
	}

	bob.p.Integrate(ctx, ws.PeerDisconnected{Peer: 4})

	if got := len(bob.mock.Tooltips()); got != 0 {
		t.Errorf("got %d tooltips after the leave, want 0", got)
	}
	if _, ok := bob.p.Peers().Get(4); ok {
		t.Error("dana should be out of the registry")
	}
	if len(bob.p.state.Cursors.OwnedBy(4)) != 0 {
		t.Error("dana's cursors should be deleted")
	}
}

func TestOverlappingProjectsRejected(t *testing.T) {
	dir := NewProjects()
	guard, err := dir.NewGuard("/home/a/proj")
	if err != nil {
		t.Fatal(err)
	}
	defer guard.Release()

	_, err = dir.NewGuard("/home/a/proj/sub")
	overlap, ok := err.(*OverlappingProjectError)
	if !ok {
		t.Fatalf("err = %v, want OverlappingProjectError", err)
	}
	if overlap.ExistingRoot != "/home/a/proj" || overlap.NewRoot != "/home/a/proj/sub" {
		t.Errorf("error = %+v", overlap)
	}

	// A parent of a starting root is rejected too.
	if _, err := dir.NewGuard("/home/a"); err == nil {
		t.Error("parent root should be rejected")
	}
	// Disjoint roots are fine.
	g2, err := dir.NewGuard("/home/b/proj")
	if err != nil {
		t.Errorf("disjoint root rejected: %v", err)
	} else {
		g2.Release()
	}
}

func TestGuardReleaseFreesRoot(t *testing.T) {
	dir := NewProjects()
	guard, _ := dir.NewGuard("/p")
	guard.Release()
	if _, err := dir.NewGuard("/p"); err != nil {
		t.Errorf("root should be free after release: %v", err)
	}
}

func TestLastHandleReleaseRemovesSession(t *testing.T) {
	env := newTestPeer(t, 1, "alice")

	clone := env.handle.Clone()
	env.handle.Release()

	h, ok := env.dir.Get("sess")
	if !ok {
		t.Fatal("session should survive while a handle exists")
	}
	h.Release()
	clone.Release()

	if _, ok := env.dir.Get("sess"); ok {
		t.Error("session should be gone after the last release")
	}
}

func TestIdMapBijection(t *testing.T) {
	ctx := context.Background()
	env := newTestPeer(t, 1, "alice")

	env.createFileOnDisk("f.txt", "text")
	buf := env.openBuffer("f.txt")

	local := env.p.ids.buffer2file[buf]
	if env.p.ids.file2buffer[local] != buf {
		t.Error("buffer maps aren't inverse of each other")
	}

	if _, err := env.p.Synchronize(ctx, editor.BufferRemoved{Buffer: buf}); err != nil {
		t.Fatal(err)
	}
	if len(env.p.ids.buffer2file) != 0 || len(env.p.ids.file2buffer) != 0 {
		t.Error("buffer maps should be empty after removal")
	}
}

func TestRemoteSavePolicy(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, 1, "alice", peer.Peer{ID: 2, Handle: "bob"})
	bob := newTestPeer(t, 2, "bob", peer.Peer{ID: 1, Handle: "alice"})

	createMsg := alice.createFileOnDisk("f.txt", "text")
	aliceBuf := alice.openBuffer("f.txt")
	saveMsg, err := alice.p.Synchronize(ctx, editor.BufferSaved{Buffer: aliceBuf, Agent: "user"})
	if err != nil || saveMsg == nil {
		t.Fatal("save produced nothing")
	}

	bob.p.Integrate(ctx, createMsg)
	bobBuf := bob.openBuffer("f.txt")

	// Unfocused buffers follow remote saves.
	bob.p.Integrate(ctx, saveMsg)
	if b, _ := bob.mock.Buffer(bobBuf); b.Saves != 1 {
		t.Errorf("saves = %d, want 1", b.Saves)
	}

	// Focused buffers don't.
	bob.mock.SetFocused(bobBuf, true)
	bob.p.Integrate(ctx, saveMsg)
	if b, _ := bob.mock.Buffer(bobBuf); b.Saves != 1 {
		t.Errorf("saves = %d, want still 1", b.Saves)
	}
}

func TestSecondLocalCursorPanics(t *testing.T) {
	ctx := context.Background()
	env := newTestPeer(t, 1, "alice")
	env.createFileOnDisk("f.txt", "text")
	buf := env.openBuffer("f.txt")

	if _, err := env.p.Synchronize(ctx, editor.CursorCreated{Cursor: "c1", Buffer: buf, Offset: 0}); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("second local cursor should panic")
		}
	}()
	env.p.Synchronize(ctx, editor.CursorCreated{Cursor: "c2", Buffer: buf, Offset: 1})
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	alice := newTestPeer(t, 1, "alice")

	alice.createFileOnDisk("a.txt", "alpha")
	alice.createFileOnDisk("b.txt", "beta")
	buf := alice.openBuffer("a.txt")
	if _, err := alice.p.Synchronize(ctx, editor.CursorCreated{Cursor: "c1", Buffer: buf, Offset: 2}); err != nil {
		t.Fatal(err)
	}

	snap, err := alice.p.state.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeState(snap, 9)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Externally observable state matches under the destination peer's id.
	wantTree := alice.listing()
	gotTree := make(map[string]string)
	decoded.Tree.WalkVisible(decoded.Tree.Root().Local(), func(n *fstree.Node) bool {
		rel, ok := decoded.Tree.Path(n.Local())
		if !ok || rel == "" {
			return true
		}
		if txt, ok := n.Contents.(*content.Text); ok {
			gotTree[rel] = txt.String()
		} else {
			gotTree[rel] = "dir"
		}
		return true
	})
	if diff := cmp.Diff(wantTree, gotTree); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if decoded.Cursors.Len() != 1 {
		t.Errorf("cursors = %d, want 1", decoded.Cursors.Len())
	}

	// The decoded replica keeps collaborating: an edit from alice applies.
	editMsg, err := alice.p.Synchronize(ctx, editor.BufferEdited{
		Buffer:       buf,
		Replacements: []content.Replacement{{Start: 5, End: 5, Text: "!"}},
		Agent:        "user",
	})
	if err != nil {
		t.Fatal(err)
	}
	edited := editMsg.(ws.EditedText)
	local, _ := decoded.Tree.LocalFromGlobal(edited.File)
	node, _ := decoded.Tree.Node(local)
	node.Contents.(*content.Text).IntegrateEdit(edited.Edit)
	if got := node.Contents.(*content.Text).String(); got != "alpha!" {
		t.Errorf("decoded replica = %q, want alpha!", got)
	}
}

func TestSelectSession(t *testing.T) {
	ctx := context.Background()
	env := newTestPeer(t, 1, "alice")

	h, err := env.dir.Select(ctx, env.mock, "leave")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if h == nil || h.Project().SessionID() != "sess" {
		t.Error("select should return the only session")
	}
	h.Release()

	empty := NewProjects()
	if _, err := empty.Select(ctx, env.mock, "leave"); err != ErrNoActiveSession {
		t.Errorf("err = %v, want ErrNoActiveSession", err)
	}
}
