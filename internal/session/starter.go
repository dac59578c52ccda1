package session

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/crdt"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/hostfs"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/peer"
	"github.com/ehrlich-b/wingpad/internal/project"
	"github.com/ehrlich-b/wingpad/internal/task"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

const welcomeTimeout = 30 * time.Second

// StepError wraps a failure with the start/join step it happened in.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// starter walks the start flow: guard the root, connect, get ids, build the
// project from the disk, activate, observe. Each step carries forward only
// what the next one needs.
type starter struct {
	deps Deps
	root string

	guard   *project.Guard
	client  *ws.Client
	welcome ws.Welcome
	state   *project.State
}

// Start shares the directory at root in a new session and returns the
// running session.
func Start(ctx context.Context, root string, deps Deps) (*Session, error) {
	st := &starter{deps: deps, root: strings.TrimRight(root, "/")}

	if err := st.reserveRoot(); err != nil {
		return nil, &StepError{Step: "reserving the project root", Err: err}
	}

	s, agent := newSessionScaffold(deps)
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if err := st.connect(ctx, runCtx, s); err != nil {
		st.guard.Release()
		cancel()
		return nil, &StepError{Step: "connecting to the relay", Err: err}
	}

	if err := st.buildFromDisk(ctx); err != nil {
		st.guard.Release()
		cancel()
		return nil, &StepError{Step: "walking the project root", Err: err}
	}

	st.activate(runCtx, s, agent)

	if err := s.startWatcher(runCtx, st.root); err != nil {
		logger.Warn("filesystem watching unavailable", "err", err)
	}

	s.recordStart("host")
	logger.Info("session started", "session", st.welcome.Session, "root", st.root)
	return s, nil
}

func (st *starter) reserveRoot() error {
	guard, err := st.deps.Projects.NewGuard(st.root)
	if err != nil {
		return err
	}
	st.guard = guard
	return nil
}

func (st *starter) connect(ctx, runCtx context.Context, s *Session) error {
	welcomeCh := make(chan ws.Welcome, 1)
	client := &ws.Client{
		RelayURL: st.deps.Config.Relay,
		Token:    st.deps.Config.Token,
		Handle:   st.deps.Config.Handle,
		OnWelcome: func(w ws.Welcome) {
			select {
			case welcomeCh <- w:
			default:
			}
		},
		OnFrame: s.onFrame,
	}
	st.client = client
	s.client = client

	go func() {
		if err := client.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.Error("relay client stopped", "err", err)
		}
	}()

	select {
	case st.welcome = <-welcomeCh:
		return nil
	case <-time.After(welcomeTimeout):
		return fmt.Errorf("timed out waiting for the relay")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildFromDisk mirrors the on-disk tree into a fresh project state.
func (st *starter) buildFromDisk(ctx context.Context) error {
	state := project.NewState(st.welcome.PeerID)
	localID := crdt.ReplicaID(st.welcome.PeerID)

	err := st.deps.FS.Walk(ctx, st.root, func(abs string, disk *hostfs.Contents) error {
		rel := strings.TrimPrefix(abs, st.root+"/")
		for _, part := range strings.Split(rel, "/") {
			if st.deps.Config.Ignored(part) {
				return nil
			}
		}

		parentRel := path.Dir(rel)
		if parentRel == "." {
			parentRel = ""
		}
		parent, ok := state.Tree.NodeAtPath(parentRel)
		if !ok {
			// Inside an ignored directory.
			return nil
		}

		var contents any
		switch disk.Kind {
		case fstree.KindText:
			contents = content.NewText(localID, disk.Text)
		case fstree.KindBinary:
			contents = content.NewBinary(disk.Binary)
		case fstree.KindSymlink:
			contents = &content.Symlink{Target: disk.Symlink}
		}

		_, _, err := state.Tree.CreateNode(parent.Local(), path.Base(rel), disk.Kind, contents)
		return err
	})
	if err != nil {
		return err
	}
	st.state = state
	return nil
}

func (st *starter) activate(runCtx context.Context, s *Session, agent editor.AgentID) {
	s.runner = task.NewRunner(runCtx, func(err error) {
		logger.Error("background io failed", "err", err)
	})
	s.handle = st.guard.Activate(project.NewProjectArgs{
		AgentID:   agent,
		HostID:    st.welcome.HostID,
		LocalPeer: peer.Peer{ID: st.welcome.PeerID, Handle: st.deps.Config.Handle},
		State:     st.state,
		SessionID: project.SessionID(st.welcome.Session),
		Editor:    st.deps.Editor,
		FS:        st.deps.FS,
		Runner:    s.runner,
	})
	s.markReady(runCtx)
}
