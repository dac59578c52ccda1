package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	started := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	err := s.RecordSessionStart(&Session{
		ID: "sess-1", Root: "/home/alice/proj", Handle: "alice", Role: "host", StartedAt: started,
	})
	if err != nil {
		t.Fatalf("record start: %v", err)
	}

	sessions, err := s.ListRecentSessions(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].Root != "/home/alice/proj" || sessions[0].Role != "host" {
		t.Errorf("session = %+v", sessions[0])
	}
	if sessions[0].EndedAt != nil {
		t.Error("session should not be ended yet")
	}

	ended := started.Add(time.Hour)
	if err := s.RecordSessionEnd("sess-1", ended); err != nil {
		t.Fatalf("record end: %v", err)
	}
	sessions, _ = s.ListRecentSessions(10)
	if sessions[0].EndedAt == nil || !sessions[0].EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", sessions[0].EndedAt, ended)
	}
}

func TestInvalidRoleRejected(t *testing.T) {
	s := openTestStore(t)
	err := s.RecordSessionStart(&Session{
		ID: "sess-x", Root: "/p", Handle: "a", Role: "spectator", StartedAt: time.Now(),
	})
	if err == nil {
		t.Error("invalid role should be rejected by the schema")
	}
}

func TestRenameAudit(t *testing.T) {
	s := openTestStore(t)
	started := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	s.RecordSessionStart(&Session{ID: "sess-1", Root: "/p", Handle: "alice", Role: "host", StartedAt: started})

	for i, name := range []string{"lib.rs-alice", "lib.rs-bob"} {
		err := s.RecordRename(&Rename{
			SessionID:  "sess-1",
			Path:       "node-1.0",
			NewName:    name,
			PeerHandle: "alice",
			ResolvedAt: started.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record rename: %v", err)
		}
	}

	renames, err := s.ListRenames("sess-1")
	if err != nil {
		t.Fatalf("list renames: %v", err)
	}
	if len(renames) != 2 {
		t.Fatalf("got %d renames, want 2", len(renames))
	}
	if renames[0].NewName != "lib.rs-alice" {
		t.Errorf("renames[0] = %+v", renames[0])
	}
	if renames[1].NewName != "lib.rs-bob" {
		t.Errorf("renames[1] = %+v", renames[1])
	}

	// Unknown sessions have no renames.
	none, err := s.ListRenames("sess-404")
	if err != nil || len(none) != 0 {
		t.Errorf("renames for unknown session = %v, %v", none, err)
	}
}
