package peer

import "fmt"

// ID identifies a peer for the lifetime of a session. IDs are assigned by the
// relay and are never zero.
type ID uint64

func (id ID) String() string {
	return fmt.Sprintf("peer-%d", uint64(id))
}

// Peer is one participant in a session. The handle is chosen at
// authentication time and never changes afterwards.
type Peer struct {
	ID     ID     `json:"id"`
	Handle string `json:"handle"`
}

// Registry holds the local peer plus every remote peer currently known to be
// part of the session.
type Registry struct {
	local  Peer
	remote map[ID]Peer
}

func NewRegistry(local Peer) *Registry {
	return &Registry{
		local:  local,
		remote: make(map[ID]Peer),
	}
}

func (r *Registry) Local() Peer {
	return r.local
}

// Get returns the peer with the given id, local or remote.
func (r *Registry) Get(id ID) (Peer, bool) {
	if id == r.local.ID {
		return r.local, true
	}
	p, ok := r.remote[id]
	return p, ok
}

// Insert adds a remote peer. Inserting a duplicate id is a programming error.
func (r *Registry) Insert(p Peer) {
	if p.ID == r.local.ID {
		panic(fmt.Sprintf("peer %s is the local peer", p.ID))
	}
	if _, ok := r.remote[p.ID]; ok {
		panic(fmt.Sprintf("peer %s already exists", p.ID))
	}
	r.remote[p.ID] = p
}

// Remove deletes a remote peer. Removing an unknown id is a programming
// error.
func (r *Registry) Remove(id ID) Peer {
	p, ok := r.remote[id]
	if !ok {
		panic(fmt.Sprintf("peer %s doesn't exist", id))
	}
	delete(r.remote, id)
	return p
}

// Remotes returns the remote peers, in no particular order.
func (r *Registry) Remotes() []Peer {
	out := make([]Peer, 0, len(r.remote))
	for _, p := range r.remote {
		out = append(out, p)
	}
	return out
}

// All returns every peer in the session, local included.
func (r *Registry) All() []Peer {
	return append(r.Remotes(), r.local)
}

func (r *Registry) Len() int {
	return len(r.remote) + 1
}
