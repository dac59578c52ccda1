package fstree

import (
	"testing"

	"github.com/ehrlich-b/wingpad/internal/peer"
)

func TestLocalCreateAndPaths(t *testing.T) {
	tree := New(1)
	root := tree.Root()

	dir, dirOp, err := tree.CreateNode(root.Local(), "src", KindDirectory, nil)
	if err != nil {
		t.Fatalf("create dir: %v", err)
	}
	file, fileOp, err := tree.CreateNode(dir.Local(), "main.go", KindText, "contents")
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	if dirOp.Parent != (GlobalID{}) {
		t.Errorf("dir parent = %v, want root", dirOp.Parent)
	}
	if fileOp.Parent != dir.Global() {
		t.Errorf("file parent = %v, want %v", fileOp.Parent, dir.Global())
	}

	path, ok := tree.Path(file.Local())
	if !ok || path != "src/main.go" {
		t.Errorf("path = %q %v, want src/main.go true", path, ok)
	}

	found, ok := tree.NodeAtPath("src/main.go")
	if !ok || found.Local() != file.Local() {
		t.Error("NodeAtPath didn't find the file")
	}
	if found.Contents != "contents" {
		t.Errorf("contents = %v", found.Contents)
	}
}

func TestCreateRejectsTakenName(t *testing.T) {
	tree := New(1)
	root := tree.Root().Local()
	if _, _, err := tree.CreateNode(root, "a.txt", KindText, nil); err != nil {
		t.Fatal(err)
	}
	_, _, err := tree.CreateNode(root, "a.txt", KindText, nil)
	if _, ok := err.(*ErrNameTaken); !ok {
		t.Errorf("err = %v, want ErrNameTaken", err)
	}
}

func TestIntegrateCreateIsIdempotent(t *testing.T) {
	t1 := New(1)
	_, op, _ := t1.CreateNode(t1.Root().Local(), "f", KindText, nil)

	t2 := New(2)
	first := t2.IntegrateCreate(op, "x")
	if len(first.Actions) != 1 || first.Actions[0].Kind != ActionCreate {
		t.Fatalf("actions = %+v", first.Actions)
	}
	second := t2.IntegrateCreate(op, "x")
	if len(second.Actions) != 0 || len(second.Created) != 0 {
		t.Errorf("replay produced %+v", second)
	}
}

func TestCreateUnderUnknownParentIsPended(t *testing.T) {
	t1 := New(1)
	dir, dirOp, _ := t1.CreateNode(t1.Root().Local(), "src", KindDirectory, nil)
	_, fileOp, _ := t1.CreateNode(dir.Local(), "lib.go", KindText, nil)

	t2 := New(2)
	res := t2.IntegrateCreate(fileOp, "x")
	if len(res.Actions) != 0 || len(res.Created) != 0 {
		t.Fatalf("orphan create produced %+v", res)
	}
	if _, known := t2.LocalFromGlobal(fileOp.Node); known {
		t.Fatal("orphan should not be known yet")
	}

	res = t2.IntegrateCreate(dirOp, nil)
	if len(res.Created) != 2 {
		t.Fatalf("created %d nodes, want 2", len(res.Created))
	}
	if len(res.Actions) != 2 {
		t.Fatalf("actions = %+v, want dir create + covered file create", res.Actions)
	}
	if res.Actions[0].Kind != ActionCreate || res.Actions[0].Covered {
		t.Errorf("first action = %+v", res.Actions[0])
	}
	if res.Actions[1].Kind != ActionCreate || !res.Actions[1].Covered {
		t.Errorf("second action = %+v, want covered create", res.Actions[1])
	}

	if node, ok := t2.NodeAtPath("src/lib.go"); !ok || node.Global() != fileOp.Node {
		t.Error("file should be visible at src/lib.go")
	}
}

func TestConcurrentSameNameCreationConflicts(t *testing.T) {
	t1 := New(1)
	t2 := New(2)

	_, op1, _ := t1.CreateNode(t1.Root().Local(), "lib.rs", KindText, nil)
	_, op2, _ := t2.CreateNode(t2.Root().Local(), "lib.rs", KindText, nil)

	res := t1.IntegrateCreate(op2, "x")
	if len(res.Actions) != 1 {
		t.Fatalf("actions = %+v", res.Actions)
	}
	action := res.Actions[0]
	if action.Kind != ActionCreateAndResolve {
		t.Fatalf("kind = %d, want ActionCreateAndResolve", action.Kind)
	}
	if action.Conflict == nil {
		t.Fatal("conflict handle missing")
	}
	if action.Conflict.ConflictingNode().Global() != op2.Node {
		t.Error("conflicting node should be the incoming one")
	}
	if action.Conflict.ExistingNode().Global() != op1.Node {
		t.Error("existing node should be the local one")
	}
	if action.ExistingOldPath != "lib.rs" {
		t.Errorf("existing old path = %q, want lib.rs", action.ExistingOldPath)
	}

	// Resolve by renaming both; the model must agree it's resolved.
	action.Conflict.ForceRename(action.Conflict.ConflictingNode().Local(), "lib.rs-bob")
	action.Conflict.ForceRename(action.Conflict.ExistingNode().Local(), "lib.rs-alice")
	if !action.Conflict.Resolved() {
		t.Error("renames should resolve the conflict")
	}
}

func TestMoveLastWriterWins(t *testing.T) {
	t1 := New(1)
	node, createOp, _ := t1.CreateNode(t1.Root().Local(), "f", KindText, nil)

	moveNew := MoveOp{Node: node.Global(), NewParent: GlobalID{}, NewName: "newer", Lamport: 5, Mover: 2}
	moveOld := MoveOp{Node: node.Global(), NewParent: GlobalID{}, NewName: "older", Lamport: 3, Mover: 3}

	t2 := New(2)
	t2.IntegrateCreate(createOp, "x")

	res := t2.IntegrateMove(moveNew)
	if len(res.Actions) != 1 || res.Actions[0].Kind != ActionRename {
		t.Fatalf("actions = %+v", res.Actions)
	}
	res = t2.IntegrateMove(moveOld)
	if len(res.Actions) != 0 {
		t.Errorf("stale move produced %+v", res.Actions)
	}

	local, _ := t2.LocalFromGlobal(node.Global())
	n, _ := t2.Node(local)
	if n.Name() != "newer" {
		t.Errorf("name = %q, want newer", n.Name())
	}
}

func TestDeleteDetachesSubtree(t *testing.T) {
	t1 := New(1)
	dir, _, _ := t1.CreateNode(t1.Root().Local(), "src", KindDirectory, nil)
	file, _, _ := t1.CreateNode(dir.Local(), "main.go", KindText, nil)

	op, err := t1.DeleteNode(dir.Local())
	if err != nil {
		t.Fatal(err)
	}
	if op.Node != dir.Global() {
		t.Errorf("op node = %v", op.Node)
	}
	if _, ok := t1.NodeAtPath("src"); ok {
		t.Error("src should be gone")
	}
	if file.State() != Deleted {
		t.Error("child should be deleted with its parent")
	}

	// Deleting again is a local error; the node is gone.
	if _, err := t1.DeleteNode(dir.Local()); err == nil {
		t.Error("double delete should fail")
	}
}

func TestIntegrateDeleteIsIdempotent(t *testing.T) {
	t1 := New(1)
	node, createOp, _ := t1.CreateNode(t1.Root().Local(), "f", KindText, nil)
	delOp, _ := t1.DeleteNode(node.Local())

	t2 := New(2)
	t2.IntegrateCreate(createOp, "x")
	first := t2.IntegrateDelete(delOp)
	if len(first.Actions) != 1 || first.Actions[0].Kind != ActionDelete || first.Actions[0].OldPath != "f" {
		t.Fatalf("actions = %+v", first.Actions)
	}
	second := t2.IntegrateDelete(delOp)
	if len(second.Actions) != 0 {
		t.Errorf("replay produced %+v", second.Actions)
	}
}

func TestDeleteForUnknownNodeIsPended(t *testing.T) {
	t1 := New(1)
	node, createOp, _ := t1.CreateNode(t1.Root().Local(), "f", KindText, nil)
	delOp, _ := t1.DeleteNode(node.Local())

	t2 := New(2)
	if res := t2.IntegrateDelete(delOp); len(res.Actions) != 0 {
		t.Fatalf("premature delete produced %+v", res.Actions)
	}

	res := t2.IntegrateCreate(createOp, "x")
	kinds := make([]ActionKind, len(res.Actions))
	for i, a := range res.Actions {
		kinds[i] = a.Kind
	}
	if len(res.Actions) != 2 || kinds[0] != ActionCreate || kinds[1] != ActionDelete {
		t.Fatalf("actions = %v, want [create delete]", kinds)
	}
	if _, ok := t2.NodeAtPath("f"); ok {
		t.Error("f should already be deleted")
	}
}

func TestMoveIntoDirectory(t *testing.T) {
	t1 := New(1)
	dir, dirOp, _ := t1.CreateNode(t1.Root().Local(), "src", KindDirectory, nil)
	file, fileOp, _ := t1.CreateNode(t1.Root().Local(), "main.go", KindText, nil)
	moveOp, err := t1.MoveNode(file.Local(), dir.Local(), "main.go")
	if err != nil {
		t.Fatal(err)
	}

	t2 := New(2)
	t2.IntegrateCreate(dirOp, nil)
	t2.IntegrateCreate(fileOp, "x")
	res := t2.IntegrateMove(moveOp)
	if len(res.Actions) != 1 {
		t.Fatalf("actions = %+v", res.Actions)
	}
	if res.Actions[0].Kind != ActionMove || res.Actions[0].OldPath != "main.go" {
		t.Errorf("action = %+v", res.Actions[0])
	}
	if node, ok := t2.NodeAtPath("src/main.go"); !ok || node.Global() != file.Global() {
		t.Error("file should live at src/main.go")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t1 := New(1)
	dir, _, _ := t1.CreateNode(t1.Root().Local(), "src", KindDirectory, nil)
	t1.CreateNode(dir.Local(), "main.go", KindText, "text-payload")
	old, _, _ := t1.CreateNode(t1.Root().Local(), "old.txt", KindText, "gone")
	t1.DeleteNode(old.Local())

	enc, err := t1.Encode(func(n *Node) ([]byte, error) {
		s, _ := n.Contents.(string)
		return []byte(s), nil
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	t2, err := Decode(enc, peer.ID(2), func(kind Kind, payload []byte) (any, error) {
		return string(payload), nil
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	node, ok := t2.NodeAtPath("src/main.go")
	if !ok {
		t.Fatal("src/main.go missing after decode")
	}
	if node.Contents != "text-payload" {
		t.Errorf("contents = %v", node.Contents)
	}
	if _, ok := t2.NodeAtPath("old.txt"); ok {
		t.Error("deleted node should stay deleted")
	}
	if local, known := t2.LocalFromGlobal(old.Global()); !known {
		t.Error("deleted node should still be known")
	} else if n, _ := t2.Node(local); n.State() != Deleted {
		t.Error("deleted node should be in the Deleted state")
	}
}
