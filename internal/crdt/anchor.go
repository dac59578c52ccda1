package crdt

// Bias controls which neighbor an anchor sticks to when text is inserted
// exactly at it.
type Bias uint8

const (
	// BiasLeft anchors to the byte on the left; the anchor resolves to the
	// position just after it.
	BiasLeft Bias = iota
	// BiasRight anchors to the byte on the right; the anchor resolves to its
	// position.
	BiasRight
)

// Anchor is a stable position in the document. The zero Char means the
// document start (BiasLeft) or end (BiasRight).
type Anchor struct {
	Char CharID `json:"char"`
	Bias Bias   `json:"bias"`
}

// CreateAnchor returns an anchor at the given visible offset.
func (r *Replica) CreateAnchor(offset int, bias Bias) Anchor {
	switch bias {
	case BiasLeft:
		if offset == 0 {
			return Anchor{Bias: BiasLeft}
		}
		return Anchor{Char: r.visibleAt(offset - 1).id, Bias: BiasLeft}
	case BiasRight:
		if offset >= r.visibleLen {
			return Anchor{Bias: BiasRight}
		}
		return Anchor{Char: r.visibleAt(offset).id, Bias: BiasRight}
	default:
		panic("invalid bias")
	}
}

// ResolveAnchor returns the anchor's current visible offset. It reports
// false only if the anchored byte was never integrated here.
func (r *Replica) ResolveAnchor(a Anchor) (int, bool) {
	if a.Char.IsZero() {
		if a.Bias == BiasLeft {
			return 0, true
		}
		return r.visibleLen, true
	}
	target, ok := r.nodes[a.Char]
	if !ok {
		return 0, false
	}
	offset := 0
	found := false
	r.each(func(n *node) bool {
		if n == target {
			found = true
			return false
		}
		if !n.deleted {
			offset++
		}
		return true
	})
	if !found {
		return 0, false
	}
	if a.Bias == BiasLeft && !target.deleted {
		offset++
	}
	return offset, true
}
