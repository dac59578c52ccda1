// Package project is the collaborative project engine: the state machine
// that integrates remote operations into the local replica and synchronizes
// local editor/filesystem events into outgoing operations.
package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ehrlich-b/wingpad/internal/annotations"
	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/editor"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/hostfs"
	"github.com/ehrlich-b/wingpad/internal/peer"
	"github.com/ehrlich-b/wingpad/internal/task"
)

// SessionID identifies one collaborative session; chosen by the relay.
type SessionID string

// ErrNoActiveSession is returned when a command targets a session and none
// is active.
var ErrNoActiveSession = errors.New("there's no active collaborative editing session")

// OverlappingProjectError rejects a project whose root overlaps an active or
// starting one.
type OverlappingProjectError struct {
	ExistingRoot string
	NewRoot      string
}

func (e *OverlappingProjectError) Error() string {
	return fmt.Sprintf(
		"cannot start a new session at %s, another one is already running at %s (sessions cannot overlap)",
		e.NewRoot, e.ExistingRoot,
	)
}

// State is the replicated core of a project: the filesystem model, the
// annotation registries, and the per-file edit backlogs.
type State struct {
	Tree       *fstree.Tree
	Cursors    *annotations.Registry[annotations.Cursor]
	Selections *annotations.Registry[annotations.Selection]

	// Edits for files whose creation hasn't arrived yet, in receival order.
	TextBacklog   map[fstree.GlobalID][]content.TextEdit
	BinaryBacklog map[fstree.GlobalID][][]byte
}

func NewState(local peer.ID) *State {
	return &State{
		Tree:          fstree.New(local),
		Cursors:       annotations.New[annotations.Cursor](local),
		Selections:    annotations.New[annotations.Selection](local),
		TextBacklog:   make(map[fstree.GlobalID][]content.TextEdit),
		BinaryBacklog: make(map[fstree.GlobalID][][]byte),
	}
}

type idMaps struct {
	buffer2file map[editor.BufferID]fstree.LocalID
	file2buffer map[fstree.LocalID]editor.BufferID
	cursor2id   map[editor.CursorID]annotations.ID
	sel2id      map[editor.SelectionID]annotations.ID
	node2node   map[editor.NodeID]fstree.LocalID
}

func newIDMaps() idMaps {
	return idMaps{
		buffer2file: make(map[editor.BufferID]fstree.LocalID),
		file2buffer: make(map[fstree.LocalID]editor.BufferID),
		cursor2id:   make(map[editor.CursorID]annotations.ID),
		sel2id:      make(map[editor.SelectionID]annotations.ID),
		node2node:   make(map[editor.NodeID]fstree.LocalID),
	}
}

// Project is the in-process state for one collaborative session. All access
// goes through its mutex; integration and synchronization are exclusive
// within one editor task tick.
type Project struct {
	mu sync.Mutex

	state     *State
	agentID   editor.AgentID
	hostID    peer.ID
	localPeer peer.Peer
	rootPath  string
	sessionID SessionID

	peers *peer.Registry
	ids   idMaps

	// Editor decorations for remote annotations.
	peerTooltips   map[annotations.ID]editor.TooltipID
	peerSelections map[annotations.ID]editor.DecorationID

	// The local peer owns at most one cursor per project.
	localCursor *annotations.ID

	editor editor.Sink
	fs     hostfs.FS
	runner *task.Runner
}

// NewProjectArgs carries everything needed to activate a project.
type NewProjectArgs struct {
	AgentID     editor.AgentID
	HostID      peer.ID
	LocalPeer   peer.Peer
	RemotePeers []peer.Peer
	State       *State
	SessionID   SessionID
	Editor      editor.Sink
	FS          hostfs.FS
	Runner      *task.Runner
}

func (p *Project) SessionID() SessionID {
	return SessionID(p.sessionID)
}

func (p *Project) Root() string {
	return p.rootPath
}

func (p *Project) IsHost() bool {
	return p.localPeer.ID == p.hostID
}

func (p *Project) LocalPeer() peer.Peer {
	return p.localPeer
}

// Peers exposes the peer registry; mutation stays inside the engine.
func (p *Project) Peers() *peer.Registry {
	return p.peers
}

func (p *Project) absPath(rel string) string {
	if rel == "" {
		return p.rootPath
	}
	return p.rootPath + "/" + rel
}

func (p *Project) relPath(abs string) (string, bool) {
	if abs == p.rootPath {
		return "", true
	}
	prefix := p.rootPath + "/"
	if !strings.HasPrefix(abs, prefix) {
		return "", false
	}
	return strings.TrimPrefix(abs, prefix), true
}

// Handle is a counted reference to a project. Dropping the last user-held
// handle removes the project from the directory.
type Handle struct {
	p        *Project
	projects *Projects

	releaseOnce sync.Once
}

func (h *Handle) Project() *Project {
	return h.p
}

// Clone returns a new counted reference to the same project.
func (h *Handle) Clone() *Handle {
	return h.projects.acquire(h.p.sessionID)
}

// Release drops this reference. The last release removes the session from
// the directory.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.projects.release(h.p.sessionID)
	})
}

type projectEntry struct {
	project *Project
	refs    int
}

// Projects is the process-wide session directory. It is injected rather
// than global so parallel tests get their own.
type Projects struct {
	mu       sync.Mutex
	active   map[SessionID]*projectEntry
	starting map[string]bool
}

func NewProjects() *Projects {
	return &Projects{
		active:   make(map[SessionID]*projectEntry),
		starting: make(map[string]bool),
	}
}

// Guard reserves a project root while a start/join is in flight. Dropping
// it without activating releases the reservation.
type Guard struct {
	root     string
	projects *Projects
	done     bool
}

func pathOverlaps(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// NewGuard reserves root, failing if it overlaps any active or starting
// project.
func (ps *Projects) NewGuard(root string) (*Guard, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, entry := range ps.active {
		if pathOverlaps(entry.project.rootPath, root) {
			return nil, &OverlappingProjectError{ExistingRoot: entry.project.rootPath, NewRoot: root}
		}
	}
	for existing := range ps.starting {
		if pathOverlaps(existing, root) {
			return nil, &OverlappingProjectError{ExistingRoot: existing, NewRoot: root}
		}
	}

	ps.starting[root] = true
	return &Guard{root: root, projects: ps}, nil
}

// Activate promotes the guard into a live project and returns the first
// handle.
func (g *Guard) Activate(args NewProjectArgs) *Handle {
	if g.done {
		panic("guard already used")
	}
	g.done = true

	p := &Project{
		state:          args.State,
		agentID:        args.AgentID,
		hostID:         args.HostID,
		localPeer:      args.LocalPeer,
		rootPath:       g.root,
		sessionID:      args.SessionID,
		peers:          peer.NewRegistry(args.LocalPeer),
		ids:            newIDMaps(),
		peerTooltips:   make(map[annotations.ID]editor.TooltipID),
		peerSelections: make(map[annotations.ID]editor.DecorationID),
		editor:         args.Editor,
		fs:             args.FS,
		runner:         args.Runner,
	}
	for _, remote := range args.RemotePeers {
		p.peers.Insert(remote)
	}

	ps := g.projects
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.starting, g.root)
	if _, dup := ps.active[args.SessionID]; dup {
		panic(fmt.Sprintf("session %s is already active", args.SessionID))
	}
	ps.active[args.SessionID] = &projectEntry{project: p, refs: 1}
	return &Handle{p: p, projects: ps}
}

// Release drops the guard without activating.
func (g *Guard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.projects.mu.Lock()
	defer g.projects.mu.Unlock()
	delete(g.projects.starting, g.root)
}

func (g *Guard) Root() string {
	return g.root
}

// Get returns a new handle for the session, if active.
func (ps *Projects) Get(id SessionID) (*Handle, bool) {
	h := ps.acquire(id)
	if h == nil {
		return nil, false
	}
	return h, true
}

func (ps *Projects) acquire(id SessionID) *Handle {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry, ok := ps.active[id]
	if !ok {
		return nil
	}
	entry.refs++
	return &Handle{p: entry.project, projects: ps}
}

func (ps *Projects) release(id SessionID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	entry, ok := ps.active[id]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(ps.active, id)
	}
}

// Sessions returns the active sessions as (root, id) pairs.
func (ps *Projects) Sessions() []editor.SessionChoice {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var out []editor.SessionChoice
	for id, entry := range ps.active {
		out = append(out, editor.SessionChoice{Root: entry.project.rootPath, SessionID: string(id)})
	}
	return out
}

// Select resolves which session a command targets: the only active one, or
// the user's pick when several are. It returns nil if the user dismissed
// the prompt.
func (ps *Projects) Select(ctx context.Context, sink editor.Sink, action string) (*Handle, error) {
	choices := ps.Sessions()
	switch len(choices) {
	case 0:
		return nil, ErrNoActiveSession
	case 1:
		h, _ := ps.Get(SessionID(choices[0].SessionID))
		return h, nil
	default:
		idx, ok := sink.SelectSession(ctx, choices, action)
		if !ok {
			return nil, nil
		}
		h, _ := ps.Get(SessionID(choices[idx].SessionID))
		return h, nil
	}
}
