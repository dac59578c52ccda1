package editor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/logger"
	"github.com/ehrlich-b/wingpad/internal/peer"
)

// Headless is the editor sink used when no editor is attached (the CLI
// daemon). Buffers are shadow copies of the files on disk: remote edits
// apply to the shadow and flush straight back to the file. Decorations are
// tracked but render nowhere.
type Headless struct {
	mu       sync.Mutex
	buffers  map[BufferID]*headlessBuffer
	byPath   map[string]BufferID
	tooltips map[TooltipID]bool
	decos    map[DecorationID]bool

	write func(ctx context.Context, path string, data []byte) error
	read  func(ctx context.Context, path string) (string, bool, error)
}

type headlessBuffer struct {
	path string
	text string
}

// NewHeadless builds a headless sink over read/write functions for the
// project's files.
func NewHeadless(
	read func(ctx context.Context, path string) (string, bool, error),
	write func(ctx context.Context, path string, data []byte) error,
) *Headless {
	return &Headless{
		buffers:  make(map[BufferID]*headlessBuffer),
		byPath:   make(map[string]BufferID),
		tooltips: make(map[TooltipID]bool),
		decos:    make(map[DecorationID]bool),
		read:     read,
		write:    write,
	}
}

func (h *Headless) CreateBuffer(ctx context.Context, path string, _ AgentID) (BufferID, error) {
	h.mu.Lock()
	if id, ok := h.byPath[path]; ok {
		h.mu.Unlock()
		return id, nil
	}
	h.mu.Unlock()

	text, ok, err := h.read(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if !ok {
		text = ""
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	id := BufferID(uuid.NewString())
	h.buffers[id] = &headlessBuffer{path: path, text: text}
	h.byPath[path] = id
	return id, nil
}

func (h *Headless) EditBuffer(ctx context.Context, id BufferID, reps []content.Replacement, _ AgentID) error {
	h.mu.Lock()
	b, ok := h.buffers[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("no buffer %s", id)
	}
	for _, rep := range reps {
		if rep.Start < 0 || rep.End > len(b.text) || rep.Start > rep.End {
			h.mu.Unlock()
			return fmt.Errorf("replacement [%d, %d) out of range [0, %d]", rep.Start, rep.End, len(b.text))
		}
		b.text = b.text[:rep.Start] + rep.Text + b.text[rep.End:]
	}
	path, data := b.path, []byte(b.text)
	h.mu.Unlock()

	// Without an editor there's nothing to defer to; flush immediately.
	return h.write(ctx, path, data)
}

func (h *Headless) SaveBuffer(ctx context.Context, id BufferID, _ AgentID) error {
	h.mu.Lock()
	b, ok := h.buffers[id]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("no buffer %s", id)
	}
	path, data := b.path, []byte(b.text)
	h.mu.Unlock()
	return h.write(ctx, path, data)
}

func (h *Headless) ShouldRemoteSaveCauseLocalSave(BufferID) bool {
	// Nothing is ever focused here.
	return true
}

func (h *Headless) CreatePeerTooltip(_ context.Context, _ peer.Peer, _ BufferID, _ int) (TooltipID, error) {
	id := TooltipID(uuid.NewString())
	h.mu.Lock()
	h.tooltips[id] = true
	h.mu.Unlock()
	return id, nil
}

func (h *Headless) MovePeerTooltip(_ context.Context, id TooltipID, _ int) error {
	return nil
}

func (h *Headless) RemovePeerTooltip(_ context.Context, id TooltipID) error {
	h.mu.Lock()
	delete(h.tooltips, id)
	h.mu.Unlock()
	return nil
}

func (h *Headless) CreatePeerSelection(_ context.Context, _ peer.Peer, _ BufferID, _, _ int) (DecorationID, error) {
	id := DecorationID(uuid.NewString())
	h.mu.Lock()
	h.decos[id] = true
	h.mu.Unlock()
	return id, nil
}

func (h *Headless) MovePeerSelection(_ context.Context, id DecorationID, _, _ int) error {
	return nil
}

func (h *Headless) RemovePeerSelection(_ context.Context, id DecorationID) error {
	h.mu.Lock()
	delete(h.decos, id)
	h.mu.Unlock()
	return nil
}

func (h *Headless) SelectSession(_ context.Context, choices []SessionChoice, _ string) (int, bool) {
	if len(choices) == 0 {
		return 0, false
	}
	return 0, true
}

func (h *Headless) Notify(level Level, msg string) {
	switch level {
	case LevelError:
		logger.Error(msg)
	case LevelWarn:
		logger.Warn(msg)
	default:
		logger.Info(msg)
	}
}
