package editor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/peer"
)

// MockBuffer is one buffer tracked by the mock editor.
type MockBuffer struct {
	Path    string
	Text    string
	Saves   int
	Focused bool
}

// MockTooltip is one peer-cursor decoration.
type MockTooltip struct {
	Owner  peer.Peer
	Buffer BufferID
	Offset int
}

// MockDecoration is one peer-selection decoration.
type MockDecoration struct {
	Owner      peer.Peer
	Buffer     BufferID
	Start, End int
}

// Mock is an in-memory Sink used by engine tests. It applies edits to real
// buffer text so tests can assert on the user-visible result.
type Mock struct {
	mu            sync.Mutex
	buffers       map[BufferID]*MockBuffer
	tooltips      map[TooltipID]*MockTooltip
	decorations   map[DecorationID]*MockDecoration
	notifications []string

	// RemoteSavePolicy overrides ShouldRemoteSaveCauseLocalSave; the default
	// saves unfocused buffers only.
	RemoteSavePolicy func(b *MockBuffer) bool
	// LoadFile seeds the text of buffers the engine creates, like a real
	// editor reading the file off disk.
	LoadFile func(path string) (string, bool)
	// SessionPick is the index SelectSession returns; -1 dismisses.
	SessionPick int
}

func NewMock() *Mock {
	return &Mock{
		buffers:     make(map[BufferID]*MockBuffer),
		tooltips:    make(map[TooltipID]*MockTooltip),
		decorations: make(map[DecorationID]*MockDecoration),
	}
}

// OpenBuffer registers a buffer as if the user opened it, returning its id.
// Tests pair this with a BufferCreated event.
func (m *Mock) OpenBuffer(path, text string) BufferID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := BufferID(uuid.NewString())
	m.buffers[id] = &MockBuffer{Path: path, Text: text}
	return id
}

func (m *Mock) Buffer(id BufferID) (MockBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	if !ok {
		return MockBuffer{}, false
	}
	return *b, true
}

func (m *Mock) BufferAt(path string) (BufferID, MockBuffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.buffers {
		if b.Path == path {
			return id, *b, true
		}
	}
	return "", MockBuffer{}, false
}

func (m *Mock) Tooltips() map[TooltipID]MockTooltip {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[TooltipID]MockTooltip, len(m.tooltips))
	for id, t := range m.tooltips {
		out[id] = *t
	}
	return out
}

func (m *Mock) Decorations() map[DecorationID]MockDecoration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[DecorationID]MockDecoration, len(m.decorations))
	for id, d := range m.decorations {
		out[id] = *d
	}
	return out
}

func (m *Mock) Notifications() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notifications...)
}

func (m *Mock) SetFocused(id BufferID, focused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[id]; ok {
		b.Focused = focused
	}
}

func (m *Mock) CreateBuffer(_ context.Context, path string, _ AgentID) (BufferID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range m.buffers {
		if b.Path == path {
			return id, nil
		}
	}
	var text string
	if m.LoadFile != nil {
		if loaded, ok := m.LoadFile(path); ok {
			text = loaded
		}
	}
	id := BufferID(uuid.NewString())
	m.buffers[id] = &MockBuffer{Path: path, Text: text}
	return id, nil
}

func (m *Mock) EditBuffer(_ context.Context, id BufferID, reps []content.Replacement, _ AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	if !ok {
		return fmt.Errorf("no buffer %s", id)
	}
	for _, rep := range reps {
		if rep.Start < 0 || rep.End > len(b.Text) || rep.Start > rep.End {
			return fmt.Errorf("replacement [%d, %d) out of range [0, %d]", rep.Start, rep.End, len(b.Text))
		}
		b.Text = b.Text[:rep.Start] + rep.Text + b.Text[rep.End:]
	}
	return nil
}

func (m *Mock) SaveBuffer(_ context.Context, id BufferID, _ AgentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	if !ok {
		return fmt.Errorf("no buffer %s", id)
	}
	b.Saves++
	return nil
}

func (m *Mock) ShouldRemoteSaveCauseLocalSave(id BufferID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers[id]
	if !ok {
		return false
	}
	if m.RemoteSavePolicy != nil {
		return m.RemoteSavePolicy(b)
	}
	return !b.Focused
}

func (m *Mock) CreatePeerTooltip(_ context.Context, p peer.Peer, buf BufferID, offset int) (TooltipID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := TooltipID(uuid.NewString())
	m.tooltips[id] = &MockTooltip{Owner: p, Buffer: buf, Offset: offset}
	return id, nil
}

func (m *Mock) MovePeerTooltip(_ context.Context, id TooltipID, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tooltips[id]
	if !ok {
		return fmt.Errorf("no tooltip %s", id)
	}
	t.Offset = offset
	return nil
}

func (m *Mock) RemovePeerTooltip(_ context.Context, id TooltipID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tooltips, id)
	return nil
}

func (m *Mock) CreatePeerSelection(_ context.Context, p peer.Peer, buf BufferID, start, end int) (DecorationID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := DecorationID(uuid.NewString())
	m.decorations[id] = &MockDecoration{Owner: p, Buffer: buf, Start: start, End: end}
	return id, nil
}

func (m *Mock) MovePeerSelection(_ context.Context, id DecorationID, start, end int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decorations[id]
	if !ok {
		return fmt.Errorf("no decoration %s", id)
	}
	d.Start, d.End = start, end
	return nil
}

func (m *Mock) RemovePeerSelection(_ context.Context, id DecorationID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.decorations, id)
	return nil
}

func (m *Mock) SelectSession(_ context.Context, choices []SessionChoice, _ string) (int, bool) {
	if m.SessionPick < 0 || m.SessionPick >= len(choices) {
		return 0, false
	}
	return m.SessionPick, true
}

func (m *Mock) Notify(_ Level, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, msg)
}
