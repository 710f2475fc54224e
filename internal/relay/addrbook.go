package relay

import "sort"

// AddressBook maps logical peer identifiers to endpoints.
//
// Entries are write-once: the first endpoint seen for an identifier is kept
// for the lifetime of the book, even if the same identifier later shows up
// from somewhere else. AddressBook is not safe for concurrent use; Relay
// serializes access.
type AddressBook struct {
	entries map[string]Endpoint
}

func NewAddressBook() *AddressBook {
	return &AddressBook{entries: make(map[string]Endpoint)}
}

// Learn records ep for id unless id is already known. It reports whether a
// new entry was created.
func (b *AddressBook) Learn(id string, ep Endpoint) bool {
	if _, ok := b.entries[id]; ok {
		return false
	}
	b.entries[id] = ep
	return true
}

func (b *AddressBook) Lookup(id string) (Endpoint, bool) {
	ep, ok := b.entries[id]
	return ep, ok
}

func (b *AddressBook) Has(id string) bool {
	_, ok := b.entries[id]
	return ok
}

func (b *AddressBook) Len() int {
	return len(b.entries)
}

// Peer is one address book entry, as reported on the admin surface.
type Peer struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// Snapshot returns all entries sorted by identifier.
func (b *AddressBook) Snapshot() []Peer {
	out := make([]Peer, 0, len(b.entries))
	for id, ep := range b.entries {
		out = append(out, Peer{ID: id, Endpoint: ep.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
