// Package speaker maps diarized speaker ids to display names inferred from
// self-introductions.
package speaker

// Entry is one resolved speaker
type Entry struct {
	ID   ID
	Name string
	// Inferred is false when Name is the placeholder
	Inferred bool
}

// Registry holds the speaker names of one session. It is not safe for
// concurrent use: the owning session controller is its only writer.
type Registry struct {
	entries map[ID]Entry
	order   []ID
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[ID]Entry)}
}

// Resolve returns the display name for id. The first call for an id fixes its
// name, either the name introduced in text or the placeholder; later calls
// ignore text.
func (r *Registry) Resolve(id ID, text string) string {
	if entry, ok := r.entries[id]; ok {
		return entry.Name
	}

	entry := Entry{ID: id, Name: id.Placeholder()}
	if name, ok := ExtractName(text); ok {
		entry.Name = name
		entry.Inferred = true
	}

	r.entries[id] = entry
	r.order = append(r.order, id)
	return entry.Name
}

// Lookup returns the entry for id without creating one
func (r *Registry) Lookup(id ID) (Entry, bool) {
	entry, ok := r.entries[id]
	return entry, ok
}

// Snapshot returns all entries in the order the speakers were first resolved
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Count returns the number of distinct speakers resolved so far
func (r *Registry) Count() int {
	return len(r.order)
}
