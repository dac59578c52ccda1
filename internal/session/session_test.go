package session

import (
	"context"
	"errors"
	"testing"

	"github.com/ehrlich-b/wingpad/internal/config"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/hostfs"
	"github.com/ehrlich-b/wingpad/internal/peer"
	"github.com/ehrlich-b/wingpad/internal/project"
	"github.com/ehrlich-b/wingpad/internal/task"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	ctx := context.Background()

	projects := project.NewProjects()
	guard, err := projects.NewGuard("/proj")
	if err != nil {
		t.Fatal(err)
	}
	memfs := hostfs.NewMem()
	if err := memfs.CreateDir(ctx, "/proj"); err != nil {
		t.Fatal(err)
	}
	runner := task.NewRunner(context.Background(), nil)
	t.Cleanup(func() { runner.Close() })

	handle := guard.Activate(project.NewProjectArgs{
		AgentID:   "engine",
		HostID:    1,
		LocalPeer: peer.Peer{ID: 1, Handle: "alice"},
		State:     project.NewState(1),
		SessionID: "sess",
		Editor:    editor.NewMock(),
		FS:        memfs,
		Runner:    runner,
	})

	return &Session{
		deps:    Deps{Projects: projects, Editor: editor.NewMock(), FS: memfs, Config: config.Default()},
		handle:  handle,
		client:  &ws.Client{},
		runner:  runner,
	}
}

func frame(t *testing.T, from peer.ID, m ws.Message) ws.Frame {
	t.Helper()
	payload, err := ws.EncodeMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	return ws.Frame{Type: ws.TypeOp, Session: "sess", From: from, Payload: payload}
}

func TestFramesQueuedUntilReady(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	s.onFrame(ctx, frame(t, 2, ws.PeerJoined{Peer: peer.Peer{ID: 2, Handle: "bob"}}))
	s.onFrame(ctx, frame(t, 3, ws.PeerJoined{Peer: peer.Peer{ID: 3, Handle: "carol"}}))

	p := s.handle.Project()
	if _, ok := p.Peers().Get(2); ok {
		t.Fatal("frames should be queued before markReady")
	}

	s.markReady(ctx)
	if _, ok := p.Peers().Get(2); !ok {
		t.Error("bob should be integrated after markReady")
	}
	if _, ok := p.Peers().Get(3); !ok {
		t.Error("carol should be integrated after markReady")
	}

	// After markReady, frames integrate immediately.
	s.onFrame(ctx, frame(t, 4, ws.PeerJoined{Peer: peer.Peer{ID: 4, Handle: "dana"}}))
	if _, ok := p.Peers().Get(4); !ok {
		t.Error("dana should be integrated immediately")
	}
}

func TestOwnFramesIgnored(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.markReady(ctx)

	s.onFrame(ctx, frame(t, 1, ws.PeerJoined{Peer: peer.Peer{ID: 1, Handle: "alice"}}))
	// Integrating our own peer.joined would panic; being ignored is the
	// pass condition.
}

func TestProjectResponseIntercepted(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	s.respCh = make(chan ws.ProjectResponse, 1)

	s.onFrame(ctx, frame(t, 2, ws.ProjectResponse{Project: []byte("snap"), RespondTo: 1}))

	select {
	case resp := <-s.respCh:
		if string(resp.Project) != "snap" {
			t.Errorf("project = %q", resp.Project)
		}
	default:
		t.Fatal("response should land in respCh, not the frame queue")
	}
}

func TestStepErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &StepError{Step: "connecting to the relay", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("StepError should unwrap")
	}
	if err.Error() != "connecting to the relay: boom" {
		t.Errorf("message = %q", err.Error())
	}
}
