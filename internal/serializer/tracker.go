package serializer

// identity keys an entity instance: its identifier text when it has one,
// otherwise the address of the instance.
type identity struct {
	id  string
	ptr uintptr
}

// tracker records the entities and embedded values being expanded on the
// current descent. It belongs to a single Serialize call.
type tracker struct {
	seen map[string]map[identity]struct{}
}

// enter marks (typeName, id) and reports whether it was already marked.
func (t *tracker) enter(typeName string, id identity) bool {
	if t.seen == nil {
		t.seen = map[string]map[identity]struct{}{}
	}
	ids := t.seen[typeName]
	if ids == nil {
		ids = map[identity]struct{}{}
		t.seen[typeName] = ids
	}
	if _, ok := ids[id]; ok {
		return true
	}
	ids[id] = struct{}{}
	return false
}

func (t *tracker) leave(typeName string, id identity) {
	if ids := t.seen[typeName]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(t.seen, typeName)
		}
	}
}

func (t *tracker) reset() { t.seen = nil }

func (t *tracker) size() int {
	n := 0
	for _, ids := range t.seen {
		n += len(ids)
	}
	return n
}
