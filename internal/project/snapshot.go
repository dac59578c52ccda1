package project

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/ehrlich-b/wingpad/internal/annotations"
	"github.com/ehrlich-b/wingpad/internal/content"
	"github.com/ehrlich-b/wingpad/internal/crdt"
	"github.com/ehrlich-b/wingpad/internal/fstree"
	"github.com/ehrlich-b/wingpad/internal/peer"
)

// The snapshot rides a project.response to a joining peer: the filesystem
// tree, every file's contents (text files as encoded CRDT replicas), the
// annotations, and the backlogs. Decoding forks each replica to the
// destination peer, so the encoding is bit-compatible across peers.

type encodedContents struct {
	Text    *content.EncodedText `json:"text,omitempty"`
	Binary  []byte               `json:"binary,omitempty"`
	Symlink *string              `json:"symlink,omitempty"`
}

type encodedState struct {
	Tree          fstree.EncodedTree                                  `json:"tree"`
	Cursors       annotations.EncodedRegistry[annotations.Cursor]     `json:"cursors"`
	Selections    annotations.EncodedRegistry[annotations.Selection]  `json:"selections"`
	TextBacklog   map[fstree.GlobalID][]content.TextEdit              `json:"text_backlog,omitempty"`
	BinaryBacklog map[fstree.GlobalID][][]byte                        `json:"binary_backlog,omitempty"`
}

// Encode serializes the whole replicated state.
func (s *State) Encode() ([]byte, error) {
	tree, err := s.Tree.Encode(encodeNodeContents)
	if err != nil {
		return nil, err
	}
	enc := encodedState{
		Tree:          tree,
		Cursors:       s.Cursors.Encode(),
		Selections:    s.Selections.Encode(),
		TextBacklog:   s.TextBacklog,
		BinaryBacklog: s.BinaryBacklog,
	}
	buf, err := cbor.Marshal(enc)
	if err != nil {
		return nil, fmt.Errorf("encode project: %w", err)
	}
	return buf, nil
}

// DecodeState rebuilds a project state under the destination peer's id.
func DecodeState(buf []byte, local peer.ID) (*State, error) {
	var enc encodedState
	if err := cbor.Unmarshal(buf, &enc); err != nil {
		return nil, fmt.Errorf("decode project: %w", err)
	}

	tree, err := fstree.Decode(enc.Tree, local, func(kind fstree.Kind, payload []byte) (any, error) {
		return decodeNodeContents(kind, payload, crdt.ReplicaID(local))
	})
	if err != nil {
		return nil, err
	}

	s := &State{
		Tree:          tree,
		Cursors:       annotations.DecodeRegistry(enc.Cursors, local),
		Selections:    annotations.DecodeRegistry(enc.Selections, local),
		TextBacklog:   enc.TextBacklog,
		BinaryBacklog: enc.BinaryBacklog,
	}
	if s.TextBacklog == nil {
		s.TextBacklog = make(map[fstree.GlobalID][]content.TextEdit)
	}
	if s.BinaryBacklog == nil {
		s.BinaryBacklog = make(map[fstree.GlobalID][][]byte)
	}
	return s, nil
}

func encodeNodeContents(n *fstree.Node) ([]byte, error) {
	var enc encodedContents
	switch c := n.Contents.(type) {
	case *content.Text:
		et := c.Encode()
		enc.Text = &et
	case *content.Binary:
		enc.Binary = c.Bytes()
	case *content.Symlink:
		target := c.Target
		enc.Symlink = &target
	default:
		return nil, fmt.Errorf("node %s has unexpected contents %T", n.Global(), n.Contents)
	}
	return cbor.Marshal(enc)
}

func decodeNodeContents(kind fstree.Kind, payload []byte, local crdt.ReplicaID) (any, error) {
	var enc encodedContents
	if err := cbor.Unmarshal(payload, &enc); err != nil {
		return nil, fmt.Errorf("decode contents: %w", err)
	}
	switch kind {
	case fstree.KindText:
		if enc.Text == nil {
			return nil, fmt.Errorf("text node without text contents")
		}
		return content.DecodeText(*enc.Text, local)
	case fstree.KindBinary:
		return content.NewBinary(enc.Binary), nil
	case fstree.KindSymlink:
		var target string
		if enc.Symlink != nil {
			target = *enc.Symlink
		}
		return &content.Symlink{Target: target}, nil
	default:
		return nil, fmt.Errorf("unexpected node kind %s", kind)
	}
}
