package crdt

import "testing"

func TestLocalInsertAndIntegrate(t *testing.T) {
	r1 := NewReplica(1, 0)
	ins := r1.Inserted(0, 5) // "hello"

	if ins.Start != (CharID{Peer: 1, Seq: 0}) {
		t.Errorf("start = %+v, want {1 0}", ins.Start)
	}
	if ins.Length != 5 {
		t.Errorf("length = %d, want 5", ins.Length)
	}
	if !ins.Left.IsZero() {
		t.Errorf("left = %+v, want document start", ins.Left)
	}

	r2 := NewReplica(2, 0)
	offset, status := r2.IntegrateInsertion(ins)
	if status != Applied {
		t.Fatalf("status = %d, want Applied", status)
	}
	if offset != 0 {
		t.Errorf("offset = %d, want 0", offset)
	}
	if r2.VisibleLen() != 5 {
		t.Errorf("visible len = %d, want 5", r2.VisibleLen())
	}
}

func TestIntegrateInsertionTwiceIsDuplicate(t *testing.T) {
	r1 := NewReplica(1, 0)
	ins := r1.Inserted(0, 3)

	r2 := NewReplica(2, 0)
	if _, status := r2.IntegrateInsertion(ins); status != Applied {
		t.Fatalf("first integration: status = %d, want Applied", status)
	}
	if _, status := r2.IntegrateInsertion(ins); status != Duplicate {
		t.Errorf("second integration: status = %d, want Duplicate", status)
	}
	if r2.VisibleLen() != 3 {
		t.Errorf("visible len = %d, want 3", r2.VisibleLen())
	}
}

func TestInsertionBackloggedUntilOriginArrives(t *testing.T) {
	r1 := NewReplica(1, 0)
	ins1 := r1.Inserted(0, 2) // "he"
	ins2 := r1.Inserted(2, 3) // "llo"

	r2 := NewReplica(2, 0)
	if _, status := r2.IntegrateInsertion(ins2); status != Backlogged {
		t.Fatalf("out-of-order insertion: status = %d, want Backlogged", status)
	}

	offset, status := r2.IntegrateInsertion(ins1)
	if status != Applied || offset != 0 {
		t.Fatalf("first insertion: offset = %d status = %d, want 0 Applied", offset, status)
	}

	ready := r2.BackloggedInsertions()
	if len(ready) != 1 {
		t.Fatalf("got %d ready insertions, want 1", len(ready))
	}
	if ready[0].Offset != 2 {
		t.Errorf("ready offset = %d, want 2", ready[0].Offset)
	}
	if ready[0].Text != (Text{Peer: 1, Start: 2, End: 5}) {
		t.Errorf("ready text = %+v", ready[0].Text)
	}
	if r2.VisibleLen() != 5 {
		t.Errorf("visible len = %d, want 5", r2.VisibleLen())
	}
}

func TestDeletionBackloggedUntilTargetArrives(t *testing.T) {
	r1 := NewReplica(1, 0)
	ins := r1.Inserted(0, 5) // "hello"
	del := r1.Deleted(2, 4)  // "heo" remains
	if r1.VisibleLen() != 3 {
		t.Fatalf("r1 visible len = %d, want 3", r1.VisibleLen())
	}

	r2 := NewReplica(2, 0)
	if ranges := r2.IntegrateDeletion(del); ranges != nil {
		t.Fatalf("unready deletion returned ranges %v", ranges)
	}
	if _, status := r2.IntegrateInsertion(ins); status != Applied {
		t.Fatal("insertion should integrate")
	}

	ready := r2.BackloggedDeletions()
	if len(ready) != 1 {
		t.Fatalf("got %d ready deletions, want 1", len(ready))
	}
	if len(ready[0]) != 1 || ready[0][0] != (Range{Start: 2, End: 4}) {
		t.Errorf("ranges = %v, want [{2 4}]", ready[0])
	}
	if r2.VisibleLen() != 3 {
		t.Errorf("visible len = %d, want 3", r2.VisibleLen())
	}
}

func TestDeletionIsIdempotent(t *testing.T) {
	r1 := NewReplica(1, 0)
	ins := r1.Inserted(0, 5)
	del := r1.Deleted(1, 3)

	r2 := NewReplica(2, 0)
	r2.IntegrateInsertion(ins)
	first := r2.IntegrateDeletion(del)
	if len(first) != 1 {
		t.Fatalf("first deletion: %v", first)
	}
	second := r2.IntegrateDeletion(del)
	if len(second) != 0 {
		t.Errorf("second deletion: %v, want none", second)
	}
	if r2.VisibleLen() != 3 {
		t.Errorf("visible len = %d, want 3", r2.VisibleLen())
	}
}

func TestConcurrentInsertsConverge(t *testing.T) {
	r1 := NewReplica(1, 0)
	r2 := NewReplica(2, 0)

	insA := r1.Inserted(0, 1)
	insB := r2.Inserted(0, 1)

	offB, status := r1.IntegrateInsertion(insB)
	if status != Applied {
		t.Fatal("insB should integrate on r1")
	}
	offA, status := r2.IntegrateInsertion(insA)
	if status != Applied {
		t.Fatal("insA should integrate on r2")
	}

	// Same Lamport: the higher peer id sorts first, so peer 2's byte lands
	// at offset 0 on both replicas.
	if offB != 0 {
		t.Errorf("r1 placed peer 2's byte at %d, want 0", offB)
	}
	if offA != 1 {
		t.Errorf("r2 placed peer 1's byte at %d, want 1", offA)
	}
}

func TestAnchorsSurviveDeletions(t *testing.T) {
	r := NewReplica(1, 5) // "hello"

	anchor := r.CreateAnchor(3, BiasLeft)
	if offset, ok := r.ResolveAnchor(anchor); !ok || offset != 3 {
		t.Fatalf("resolve = %d %v, want 3 true", offset, ok)
	}

	r.Deleted(1, 4)
	offset, ok := r.ResolveAnchor(anchor)
	if !ok {
		t.Fatal("anchor should still resolve")
	}
	if offset != 1 {
		t.Errorf("resolve after delete = %d, want 1", offset)
	}

	start := r.CreateAnchor(0, BiasLeft)
	if offset, ok := r.ResolveAnchor(start); !ok || offset != 0 {
		t.Errorf("start anchor = %d %v, want 0 true", offset, ok)
	}
	end := r.CreateAnchor(r.VisibleLen(), BiasRight)
	if offset, ok := r.ResolveAnchor(end); !ok || offset != r.VisibleLen() {
		t.Errorf("end anchor = %d %v, want %d true", offset, ok, r.VisibleLen())
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r1 := NewReplica(1, 0)
	r1.Inserted(0, 5)
	r1.Deleted(1, 3)
	anchor := r1.CreateAnchor(2, BiasLeft)

	buf := r1.Encode()
	r2, err := DecodeReplica(buf, 7)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r2.ID() != 7 {
		t.Errorf("id = %d, want 7", r2.ID())
	}
	if r2.VisibleLen() != r1.VisibleLen() {
		t.Errorf("visible len = %d, want %d", r2.VisibleLen(), r1.VisibleLen())
	}

	off1, ok1 := r1.ResolveAnchor(anchor)
	off2, ok2 := r2.ResolveAnchor(anchor)
	if ok1 != ok2 || off1 != off2 {
		t.Errorf("anchor resolves to %d/%v on r1 but %d/%v on r2", off1, ok1, off2, ok2)
	}

	// The fork continues inserting without colliding with the original.
	ins := r2.Inserted(0, 2)
	if ins.Start.Peer != 7 {
		t.Errorf("forked insertion attributed to %d, want 7", ins.Start.Peer)
	}
}

func TestForkKeepsState(t *testing.T) {
	r1 := NewReplica(1, 0)
	ins := r1.Inserted(0, 4)

	forked := r1.Fork(9)
	if forked.ID() != 9 {
		t.Errorf("id = %d, want 9", forked.ID())
	}
	if forked.VisibleLen() != 4 {
		t.Errorf("visible len = %d, want 4", forked.VisibleLen())
	}
	if _, status := forked.IntegrateInsertion(ins); status != Duplicate {
		t.Errorf("fork should remember integrated insertions")
	}
}
