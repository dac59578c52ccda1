// Package editor abstracts the editor host. The engine only sees it as a
// provider of events and a sink for scheduled effects; tests drive the
// in-memory implementation in mock.go.
package editor

import (
	"context"

	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/peer"
)

// Editor-side ids are opaque strings chosen by the host.
type (
	BufferID     string
	CursorID     string
	SelectionID  string
	NodeID       string
	TooltipID    string
	DecorationID string
)

// AgentID tags mutations performed by the engine so the host can tell them
// apart from user edits and avoid echoing them back.
type AgentID string

// Level classifies a notification.
type Level uint8

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

// SessionChoice is one entry in the session disambiguation prompt.
type SessionChoice struct {
	Root      string
	SessionID string
}

// Sink is the editor capability set the engine consumes.
type Sink interface {
	// CreateBuffer opens (creating if needed) a buffer for the file at the
	// given absolute path.
	CreateBuffer(ctx context.Context, path string, agent AgentID) (BufferID, error)
	EditBuffer(ctx context.Context, id BufferID, reps []content.Replacement, agent AgentID) error
	SaveBuffer(ctx context.Context, id BufferID, agent AgentID) error
	// ShouldRemoteSaveCauseLocalSave is the host's policy for whether a
	// remote peer saving a file should save the local buffer too (typically
	// only when the buffer is not focused).
	ShouldRemoteSaveCauseLocalSave(id BufferID) bool

	CreatePeerTooltip(ctx context.Context, p peer.Peer, buf BufferID, offset int) (TooltipID, error)
	MovePeerTooltip(ctx context.Context, id TooltipID, offset int) error
	RemovePeerTooltip(ctx context.Context, id TooltipID) error

	CreatePeerSelection(ctx context.Context, p peer.Peer, buf BufferID, start, end int) (DecorationID, error)
	MovePeerSelection(ctx context.Context, id DecorationID, start, end int) error
	RemovePeerSelection(ctx context.Context, id DecorationID) error

	// SelectSession prompts the user to pick a session when a command
	// targets "a session" and several are active. It reports false if the
	// user dismissed the prompt.
	SelectSession(ctx context.Context, choices []SessionChoice, action string) (int, bool)

	Notify(level Level, msg string)
}

// Event is a local editor or filesystem observation driving
// synchronization.
type Event interface {
	isEvent()
}

// BufferCreated: a buffer backed by a project file was opened.
type BufferCreated struct {
	Buffer BufferID
	Path   string // absolute
}

// BufferEdited: the user (or another agent) edited a buffer.
type BufferEdited struct {
	Buffer       BufferID
	Replacements []content.Replacement
	Agent        AgentID
}

type BufferRemoved struct {
	Buffer BufferID
}

type BufferSaved struct {
	Buffer BufferID
	Agent  AgentID
}

type CursorCreated struct {
	Cursor CursorID
	Buffer BufferID
	Offset int
}

type CursorMoved struct {
	Cursor CursorID
	Offset int
}

type CursorRemoved struct {
	Cursor CursorID
}

type SelectionCreated struct {
	Selection  SelectionID
	Buffer     BufferID
	Start, End int
}

type SelectionMoved struct {
	Selection  SelectionID
	Start, End int
}

type SelectionRemoved struct {
	Selection SelectionID
}

// NodeCreated: a new node (directory, file or symlink) appeared on disk.
type NodeCreated struct {
	Node NodeID
	Path string // absolute
}

// FileModified: a file's on-disk contents changed outside a tracked buffer.
type FileModified struct {
	Node NodeID
}

// FileIDChanged: the OS-level identity of a file changed (e.g. a re-save
// replaced the inode).
type FileIDChanged struct {
	Old, New NodeID
}

type NodeDeleted struct {
	Node NodeID
}

type NodeMoved struct {
	Node    NodeID
	NewPath string // absolute
}

func (BufferCreated) isEvent()    {}
func (BufferEdited) isEvent()     {}
func (BufferRemoved) isEvent()    {}
func (BufferSaved) isEvent()      {}
func (CursorCreated) isEvent()    {}
func (CursorMoved) isEvent()      {}
func (CursorRemoved) isEvent()    {}
func (SelectionCreated) isEvent() {}
func (SelectionMoved) isEvent()   {}
func (SelectionRemoved) isEvent() {}
func (NodeCreated) isEvent()      {}
func (FileModified) isEvent()     {}
func (FileIDChanged) isEvent()    {}
func (NodeDeleted) isEvent()      {}
func (NodeMoved) isEvent()        {}
