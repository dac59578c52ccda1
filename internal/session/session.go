// Package session wires one collaborative session together: the relay
// client feeding remote operations into the engine, the watcher feeding
// local filesystem observations into synchronization, and the leave
// sequence tearing everything down.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/wingpad/internal/config"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/hostfs"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/project"
	"github.com/ehrlich-b/wingpad/internal/store"
	"github.com/ehrlich-b/wingpad/internal/task"
	"github.com/ehrlich-b/wingpad/internal/watch"
	"github.com/ehrlich-b/wingpad/internal/ws"
)

// Deps are the collaborators a session borrows from the process.
type Deps struct {
	Projects *project.Projects
	Editor   editor.Sink
	FS       hostfs.FS
	Config   *config.Config
	Store    *store.Store // optional
}

// Session is one running collaborative session.
type Session struct {
	deps   Deps
	handle *project.Handle
	client *ws.Client
	runner *task.Runner

	cancel context.CancelFunc

	mu      sync.Mutex
	watcher *watch.Watcher

	// Frames arriving before the project is activated are queued and
	// replayed in order once it is.
	frameMu       sync.Mutex
	frameReady    bool
	pendingFrames []ws.Frame

	// respCh intercepts the project.response during a join.
	respCh chan ws.ProjectResponse
}

// onFrame is the relay client's delivery callback. Until the project is
// activated, frames are queued; afterwards they integrate immediately. Both
// paths preserve arrival order.
func (s *Session) onFrame(ctx context.Context, f ws.Frame) {
	s.frameMu.Lock()
	respCh := s.respCh
	s.frameMu.Unlock()
	if respCh != nil {
		var env ws.Envelope
		if err := json.Unmarshal(f.Payload, &env); err == nil && env.Type == ws.TypeProjectResponse {
			msg, err := ws.DecodeMessage(f.Payload)
			if err != nil {
				logger.Warn("undecodable project.response", "err", err)
				return
			}
			select {
			case respCh <- msg.(ws.ProjectResponse):
			default:
			}
			return
		}
	}

	s.frameMu.Lock()
	if !s.frameReady {
		s.pendingFrames = append(s.pendingFrames, f)
		s.frameMu.Unlock()
		return
	}
	s.frameMu.Unlock()
	s.handleFrame(ctx, f)
}

// markReady activates frame delivery and drains everything queued. Holding
// the lock through the drain makes the read loop wait, so queued frames
// stay ahead of new ones.
func (s *Session) markReady(ctx context.Context) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	s.frameReady = true
	for _, f := range s.pendingFrames {
		s.handleFrame(ctx, f)
	}
	s.pendingFrames = nil
}

// ID returns the session id.
func (s *Session) ID() project.SessionID {
	return s.handle.Project().SessionID()
}

func (s *Session) Root() string {
	return s.handle.Project().Root()
}

// handleFrame integrates one remote frame. Called synchronously from the
// relay client's read loop, preserving per-peer arrival order.
func (s *Session) handleFrame(ctx context.Context, f ws.Frame) {
	p := s.handle.Project()
	if f.From == p.LocalPeer().ID {
		return
	}

	msg, err := ws.DecodeMessage(f.Payload)
	if err != nil {
		logger.Warn("undecodable operation", "from", f.From.String(), "err", err)
		return
	}

	if req, ok := msg.(ws.ProjectRequest); ok {
		if !p.IsHost() {
			return
		}
		resp, err := p.HandleRequest(req)
		if err != nil {
			logger.Error("snapshotting the project failed", "err", err)
			return
		}
		if err := s.client.SendOp(ctx, p.LocalPeer().ID, resp); err != nil {
			logger.Error("sending the project snapshot failed", "err", err)
		}
		return
	}

	renames := p.Integrate(ctx, msg)
	for _, rename := range renames {
		s.recordRename(rename)
		if err := s.client.SendOp(ctx, p.LocalPeer().ID, rename); err != nil {
			logger.Error("sending a conflict rename failed", "err", err)
		}
	}
}

// HandleEditorEvent synchronizes one local event and broadcasts the result.
func (s *Session) HandleEditorEvent(ctx context.Context, ev editor.Event) error {
	p := s.handle.Project()
	msg, err := p.Synchronize(ctx, ev)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}
	return s.client.SendOp(ctx, p.LocalPeer().ID, msg)
}

func (s *Session) recordRename(msg ws.Message) {
	if s.deps.Store == nil {
		return
	}
	moved, ok := msg.(ws.MovedFsNode)
	if !ok {
		return
	}
	err := s.deps.Store.RecordRename(&store.Rename{
		SessionID:  string(s.ID()),
		Path:       moved.Op.Node.String(),
		NewName:    moved.Op.NewName,
		PeerHandle: s.handle.Project().LocalPeer().Handle,
		ResolvedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("recording a rename failed", "err", err)
	}
}

// watchLoop feeds filesystem observations into synchronization.
func (s *Session) watchLoop(ctx context.Context, w *watch.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if err := s.HandleEditorEvent(ctx, ev); err != nil {
				logger.Warn("synchronizing a filesystem event failed", "err", err)
			}
		}
	}
}

// Leave runs the leave sequence: stop observing, announce the departure,
// and drop the project handle.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()
	if watcher != nil {
		watcher.Close()
	}

	p := s.handle.Project()
	if err := s.client.SendLeave(ctx, p.LocalPeer().ID); err != nil {
		logger.Warn("announcing departure failed", "err", err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.runner != nil {
		s.runner.Close()
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.RecordSessionEnd(string(s.ID()), time.Now()); err != nil {
			logger.Warn("recording session end failed", "err", err)
		}
	}

	s.handle.Release()
}

// newSessionScaffold builds the shared plumbing of starter and joiner.
func newSessionScaffold(deps Deps) (*Session, editor.AgentID) {
	agent := editor.AgentID(uuid.NewString())
	return &Session{deps: deps}, agent
}

func (s *Session) startWatcher(ctx context.Context, root string) error {
	w, err := watch.New(root)
	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	go func() {
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("watcher stopped", "err", err)
		}
	}()
	go s.watchLoop(ctx, w)
	return nil
}

func (s *Session) recordStart(role string) {
	if s.deps.Store == nil {
		return
	}
	err := s.deps.Store.RecordSessionStart(&store.Session{
		ID:        string(s.ID()),
		Root:      s.Root(),
		Handle:    s.handle.Project().LocalPeer().Handle,
		Role:      role,
		StartedAt: time.Now(),
	})
	if err != nil {
		logger.Warn("recording session start failed", "err", err)
	}
}
