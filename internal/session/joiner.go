package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/peer"
	"github.com/ehrlich-b/wingpad/internal/project"
	"github.com/ehrlich-b/wingpad/internal/task"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

const snapshotTimeout = 60 * time.Second

// joiner walks the join flow: guard the root, connect into the session,
// request the snapshot, decode it under the assigned peer id, materialize
// the tree on disk, activate, observe.
type joiner struct {
	deps      Deps
	root      string
	sessionID string

	guard    *project.Guard
	client   *ws.Client
	welcome  ws.Welcome
	response ws.ProjectResponse
	state    *project.State
}

// Join joins an existing session, mirroring its project under root.
func Join(ctx context.Context, sessionID, root string, deps Deps) (*Session, error) {
	j := &joiner{deps: deps, root: strings.TrimRight(root, "/"), sessionID: sessionID}

	guard, err := deps.Projects.NewGuard(j.root)
	if err != nil {
		return nil, &StepError{Step: "reserving the project root", Err: err}
	}
	j.guard = guard

	s, agent := newSessionScaffold(deps)
	s.respCh = make(chan ws.ProjectResponse, 1)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	fail := func(step string, err error) (*Session, error) {
		j.guard.Release()
		cancel()
		return nil, &StepError{Step: step, Err: err}
	}

	if err := j.connect(ctx, runCtx, s); err != nil {
		return fail("connecting to the relay", err)
	}

	if err := j.requestSnapshot(ctx, s); err != nil {
		return fail("requesting the project", err)
	}

	if err := j.decodeSnapshot(); err != nil {
		return fail("decoding the project", err)
	}

	if err := j.materialize(ctx); err != nil {
		return fail("materializing the project", err)
	}

	j.activate(runCtx, s, agent)

	if err := s.startWatcher(runCtx, j.root); err != nil {
		logger.Warn("filesystem watching unavailable", "err", err)
	}

	s.recordStart("guest")
	logger.Info("session joined", "session", j.welcome.Session, "root", j.root)
	return s, nil
}

func (j *joiner) connect(ctx, runCtx context.Context, s *Session) error {
	welcomeCh := make(chan ws.Welcome, 1)
	client := &ws.Client{
		RelayURL: j.deps.Config.Relay,
		Token:    j.deps.Config.Token,
		Handle:   j.deps.Config.Handle,
		Session:  j.sessionID,
		OnWelcome: func(w ws.Welcome) {
			select {
			case welcomeCh <- w:
			default:
			}
		},
		OnFrame: s.onFrame,
	}
	j.client = client
	s.client = client

	go func() {
		if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("relay client stopped", "err", err)
		}
	}()

	select {
	case j.welcome = <-welcomeCh:
		return nil
	case <-time.After(welcomeTimeout):
		return fmt.Errorf("timed out waiting for the relay")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *joiner) requestSnapshot(ctx context.Context, s *Session) error {
	me := peer.Peer{ID: j.welcome.PeerID, Handle: j.deps.Config.Handle}
	if err := j.client.SendOp(ctx, me.ID, ws.ProjectRequest{RequestedBy: me}); err != nil {
		return err
	}
	select {
	case resp := <-s.respCh:
		if resp.RespondTo != me.ID {
			return fmt.Errorf("snapshot addressed to %s", resp.RespondTo)
		}
		j.response = resp
		s.frameMu.Lock()
		s.respCh = nil
		s.frameMu.Unlock()
		return nil
	case <-time.After(snapshotTimeout):
		return fmt.Errorf("timed out waiting for the project snapshot")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *joiner) decodeSnapshot() error {
	state, err := project.DecodeState(j.response.Project, j.welcome.PeerID)
	if err != nil {
		return err
	}
	j.state = state
	return nil
}

// materialize writes the decoded tree to disk under the project root.
func (j *joiner) materialize(ctx context.Context) error {
	var firstErr error
	j.state.Tree.WalkVisible(j.state.Tree.Root().Local(), func(n *fstree.Node) bool {
		rel, ok := j.state.Tree.Path(n.Local())
		if !ok || rel == "" {
			return true
		}
		abs := j.root + "/" + rel

		var err error
		switch c := n.Contents.(type) {
		case nil:
			err = j.deps.FS.CreateDir(ctx, abs)
		case *content.Text:
			err = j.deps.FS.WriteFile(ctx, abs, c.Bytes())
		case *content.Binary:
			err = j.deps.FS.WriteFile(ctx, abs, c.Bytes())
		case *content.Symlink:
			err = j.deps.FS.CreateSymlink(ctx, abs, c.Target)
		}
		if err != nil {
			firstErr = fmt.Errorf("materialize %s: %w", rel, err)
			return false
		}
		return true
	})
	return firstErr
}

func (j *joiner) activate(runCtx context.Context, s *Session, agent editor.AgentID) {
	s.runner = task.NewRunner(runCtx, func(err error) {
		logger.Error("background io failed", "err", err)
	})

	local := peer.Peer{ID: j.welcome.PeerID, Handle: j.deps.Config.Handle}
	var remotes []peer.Peer
	for _, p := range j.response.Peers {
		if p.ID != local.ID {
			remotes = append(remotes, p)
		}
	}

	s.handle = j.guard.Activate(project.NewProjectArgs{
		AgentID:     agent,
		HostID:      j.welcome.HostID,
		LocalPeer:   local,
		RemotePeers: remotes,
		State:       j.state,
		SessionID:   project.SessionID(j.welcome.Session),
		Editor:      j.deps.Editor,
		FS:          j.deps.FS,
		Runner:      s.runner,
	})
	s.markReady(runCtx)
}
