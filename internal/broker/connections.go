package broker

// connRegistry maps live connection IDs to their send handles.
// Not safe for concurrent use; the Broker serializes access.
type connRegistry struct {
	handles map[ConnID]Handle
}

func newConnRegistry() *connRegistry {
	return &connRegistry{
		handles: make(map[ConnID]Handle),
	}
}

// add records the handle for id. An existing handle is replaced.
func (r *connRegistry) add(id ConnID, h Handle) {
	r.handles[id] = h
}

// remove deletes id. Unknown ids are ignored.
func (r *connRegistry) remove(id ConnID) {
	delete(r.handles, id)
}

// lookup returns the handle for id, if registered.
func (r *connRegistry) lookup(id ConnID) (Handle, bool) {
	h, ok := r.handles[id]
	return h, ok
}

func (r *connRegistry) len() int {
	return len(r.handles)
}
