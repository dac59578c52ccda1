package ws

import (
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/wingpad/internal/annotations"
	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/peer"
)

// Message types for the relay WebSocket protocol.
const (
	// Client ↔ Relay (session control)
	TypeHello   = "session.hello"   // client → relay: create or join a session
	TypeWelcome = "session.welcome" // relay → client: assigned peer id
	TypeLeave   = "session.leave"   // client → relay: leaving cleanly
	TypeOp      = "session.op"      // both ways: one collab operation
	TypeError   = "error"

	// Collab operations (inside a session.op frame)
	TypeCreatedCursor    = "cursor.created"
	TypeMovedCursor      = "cursor.moved"
	TypeDeletedCursor    = "cursor.deleted"
	TypeCreatedSelection = "selection.created"
	TypeMovedSelection   = "selection.moved"
	TypeDeletedSelection = "selection.deleted"
	TypeCreatedDirectory = "fs.created_directory"
	TypeCreatedFile      = "fs.created_file"
	TypeDeletedFsNode    = "fs.deleted"
	TypeMovedFsNode      = "fs.moved"
	TypeEditedBinary     = "file.edited_binary"
	TypeEditedText       = "file.edited_text"
	TypeSavedTextFile    = "file.saved"
	TypePeerJoined       = "peer.joined"
	TypePeerLeft         = "peer.left"
	TypePeerDisconnected = "peer.disconnected"
	TypeProjectRequest   = "project.request"
	TypeProjectResponse  = "project.response"
)

// Envelope wraps every message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Hello is sent by a client on connect to create or join a session.
type Hello struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"` // empty when starting a new session
	Handle  string `json:"handle"`
}

// Welcome is the relay's acknowledgment carrying the assigned ids.
type Welcome struct {
	Type    string  `json:"type"`
	Session string  `json:"session"`
	PeerID  peer.ID `json:"peer_id"`
	HostID  peer.ID `json:"host_id"`
}

// Leave announces a clean departure.
type Leave struct {
	Type    string  `json:"type"`
	Session string  `json:"session"`
	PeerID  peer.ID `json:"peer_id"`
}

// Frame carries one collab operation through the relay. The relay forwards
// frames within a session in arrival order, never reordering one sender's
// stream.
type Frame struct {
	Type    string          `json:"type"`
	Session string          `json:"session"`
	From    peer.ID         `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorMsg is sent by the relay for protocol errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Message is one collab operation. The concrete types below are the full
// set; anything else on the wire is a protocol error.
type Message interface {
	isMessage()
}

// FileContents is the initial-contents variant of a created file.
type FileContents struct {
	Text    *string `json:"text,omitempty"`
	Binary  []byte  `json:"binary,omitempty"`
	Symlink *string `json:"symlink,omitempty"`
}

// CreatedCursor replicates a new cursor.
type CreatedCursor struct {
	Type     string                                   `json:"type"`
	Creation annotations.Creation[annotations.Cursor] `json:"creation"`
}

// MovedCursor replicates a cursor move; Data carries the new anchor and the
// incremented sequence number.
type MovedCursor struct {
	Type string             `json:"type"`
	ID   annotations.ID     `json:"id"`
	Data annotations.Cursor `json:"data"`
}

// DeletedCursor replicates a cursor removal.
type DeletedCursor struct {
	Type string         `json:"type"`
	ID   annotations.ID `json:"id"`
}

// CreatedSelection replicates a new selection.
type CreatedSelection struct {
	Type     string                                      `json:"type"`
	Creation annotations.Creation[annotations.Selection] `json:"creation"`
}

// MovedSelection replicates a selection move.
type MovedSelection struct {
	Type string                `json:"type"`
	ID   annotations.ID        `json:"id"`
	Data annotations.Selection `json:"data"`
}

// DeletedSelection replicates a selection removal.
type DeletedSelection struct {
	Type string         `json:"type"`
	ID   annotations.ID `json:"id"`
}

// CreatedDirectory replicates a directory creation.
type CreatedDirectory struct {
	Type string          `json:"type"`
	Op   fstree.CreateOp `json:"op"`
}

// CreatedFile replicates a file or symlink creation with its initial
// contents.
type CreatedFile struct {
	Type     string          `json:"type"`
	Op       fstree.CreateOp `json:"op"`
	Contents FileContents    `json:"contents"`
}

// DeletedFsNode replicates a node deletion.
type DeletedFsNode struct {
	Type string          `json:"type"`
	Op   fstree.DeleteOp `json:"op"`
}

// MovedFsNode replicates a move or rename.
type MovedFsNode struct {
	Type string        `json:"type"`
	Op   fstree.MoveOp `json:"op"`
}

// EditedBinary replaces a binary file's contents wholesale.
type EditedBinary struct {
	Type     string          `json:"type"`
	File     fstree.GlobalID `json:"file"`
	Contents []byte          `json:"contents"`
}

// EditedText replicates one text edit.
type EditedText struct {
	Type string           `json:"type"`
	File fstree.GlobalID  `json:"file"`
	Edit content.TextEdit `json:"edit"`
}

// SavedTextFile announces that a peer saved a file.
type SavedTextFile struct {
	Type string          `json:"type"`
	File fstree.GlobalID `json:"file"`
}

// PeerJoined announces a new session member.
type PeerJoined struct {
	Type string    `json:"type"`
	Peer peer.Peer `json:"peer"`
}

// PeerLeft announces a clean departure.
type PeerLeft struct {
	Type string  `json:"type"`
	Peer peer.ID `json:"peer"`
}

// PeerDisconnected announces an unclean departure; integrated the same way
// as PeerLeft.
type PeerDisconnected struct {
	Type string  `json:"type"`
	Peer peer.ID `json:"peer"`
}

// ProjectRequest asks the host for the initial project snapshot; sent once
// per join.
type ProjectRequest struct {
	Type        string    `json:"type"`
	RequestedBy peer.Peer `json:"requested_by"`
}

// ProjectResponse delivers the snapshot to a joining peer.
type ProjectResponse struct {
	Type      string      `json:"type"`
	Peers     []peer.Peer `json:"peers"`
	Project   []byte      `json:"project"`
	RespondTo peer.ID     `json:"respond_to"`
}

func (CreatedCursor) isMessage()    {}
func (MovedCursor) isMessage()      {}
func (DeletedCursor) isMessage()    {}
func (CreatedSelection) isMessage() {}
func (MovedSelection) isMessage()   {}
func (DeletedSelection) isMessage() {}
func (CreatedDirectory) isMessage() {}
func (CreatedFile) isMessage()      {}
func (DeletedFsNode) isMessage()    {}
func (MovedFsNode) isMessage()      {}
func (EditedBinary) isMessage()     {}
func (EditedText) isMessage()       {}
func (SavedTextFile) isMessage()    {}
func (PeerJoined) isMessage()       {}
func (PeerLeft) isMessage()         {}
func (PeerDisconnected) isMessage() {}
func (ProjectRequest) isMessage()   {}
func (ProjectResponse) isMessage()  {}

// EncodeMessage serializes a collab operation, stamping its type field.
func EncodeMessage(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case CreatedCursor:
		msg.Type = TypeCreatedCursor
		return json.Marshal(msg)
	case MovedCursor:
		msg.Type = TypeMovedCursor
		return json.Marshal(msg)
	case DeletedCursor:
		msg.Type = TypeDeletedCursor
		return json.Marshal(msg)
	case CreatedSelection:
		msg.Type = TypeCreatedSelection
		return json.Marshal(msg)
	case MovedSelection:
		msg.Type = TypeMovedSelection
		return json.Marshal(msg)
	case DeletedSelection:
		msg.Type = TypeDeletedSelection
		return json.Marshal(msg)
	case CreatedDirectory:
		msg.Type = TypeCreatedDirectory
		return json.Marshal(msg)
	case CreatedFile:
		msg.Type = TypeCreatedFile
		return json.Marshal(msg)
	case DeletedFsNode:
		msg.Type = TypeDeletedFsNode
		return json.Marshal(msg)
	case MovedFsNode:
		msg.Type = TypeMovedFsNode
		return json.Marshal(msg)
	case EditedBinary:
		msg.Type = TypeEditedBinary
		return json.Marshal(msg)
	case EditedText:
		msg.Type = TypeEditedText
		return json.Marshal(msg)
	case SavedTextFile:
		msg.Type = TypeSavedTextFile
		return json.Marshal(msg)
	case PeerJoined:
		msg.Type = TypePeerJoined
		return json.Marshal(msg)
	case PeerLeft:
		msg.Type = TypePeerLeft
		return json.Marshal(msg)
	case PeerDisconnected:
		msg.Type = TypePeerDisconnected
		return json.Marshal(msg)
	case ProjectRequest:
		msg.Type = TypeProjectRequest
		return json.Marshal(msg)
	case ProjectResponse:
		msg.Type = TypeProjectResponse
		return json.Marshal(msg)
	default:
		return nil, fmt.Errorf("unknown message type %T", m)
	}
}

// DecodeMessage parses one collab operation.
func DecodeMessage(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var target any
	switch env.Type {
	case TypeCreatedCursor:
		target = &CreatedCursor{}
	case TypeMovedCursor:
		target = &MovedCursor{}
	case TypeDeletedCursor:
		target = &DeletedCursor{}
	case TypeCreatedSelection:
		target = &CreatedSelection{}
	case TypeMovedSelection:
		target = &MovedSelection{}
	case TypeDeletedSelection:
		target = &DeletedSelection{}
	case TypeCreatedDirectory:
		target = &CreatedDirectory{}
	case TypeCreatedFile:
		target = &CreatedFile{}
	case TypeDeletedFsNode:
		target = &DeletedFsNode{}
	case TypeMovedFsNode:
		target = &MovedFsNode{}
	case TypeEditedBinary:
		target = &EditedBinary{}
	case TypeEditedText:
		target = &EditedText{}
	case TypeSavedTextFile:
		target = &SavedTextFile{}
	case TypePeerJoined:
		target = &PeerJoined{}
	case TypePeerLeft:
		target = &PeerLeft{}
	case TypePeerDisconnected:
		target = &PeerDisconnected{}
	case TypeProjectRequest:
		target = &ProjectRequest{}
	case TypeProjectResponse:
		target = &ProjectResponse{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}

	switch v := target.(type) {
	case *CreatedCursor:
		return *v, nil
	case *MovedCursor:
		return *v, nil
	case *DeletedCursor:
		return *v, nil
	case *CreatedSelection:
		return *v, nil
	case *MovedSelection:
		return *v, nil
	case *DeletedSelection:
		return *v, nil
	case *CreatedDirectory:
		return *v, nil
	case *CreatedFile:
		return *v, nil
	case *DeletedFsNode:
		return *v, nil
	case *MovedFsNode:
		return *v, nil
	case *EditedBinary:
		return *v, nil
	case *EditedText:
		return *v, nil
	case *SavedTextFile:
		return *v, nil
	case *PeerJoined:
		return *v, nil
	case *PeerLeft:
		return *v, nil
	case *PeerDisconnected:
		return *v, nil
	case *ProjectRequest:
		return *v, nil
	case *ProjectResponse:
		return *v, nil
	default:
		panic("unreachable")
	}
}
