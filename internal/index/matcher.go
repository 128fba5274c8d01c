package index

// Matcher resolves a query's field requirements against a collection's
// indexes, creating a matching index on demand when allowed.
type Matcher struct {
	registry   *Registry
	autoCreate bool
}

// NewMatcher creates a matcher over a registry.
func NewMatcher(registry *Registry, autoCreate bool) *Matcher {
	return &Matcher{registry: registry, autoCreate: autoCreate}
}

// Match selects an index whose field list is some permutation of the fuzzy
// fields followed by the ordered fields in exact order, with no extra
// fields. A ready index is preferred over a pending one; ties go to the
// first found. When nothing matches and auto-creation is enabled, a pending
// index is created and returned; the caller must wait for readiness.
func (m *Matcher) Match(collection string, fuzzy, ordered []string) (*Index, error) {
	if len(fuzzy) == 0 && len(ordered) == 0 {
		// Degenerate case: the identity index always matches.
		return m.registry.primary(collection), nil
	}

	var pending *Index
	for _, idx := range m.registry.Collection(collection) {
		if !fieldsMatch(idx.Fields, fuzzy, ordered) {
			continue
		}
		if idx.State() == StateReady {
			return idx, nil
		}
		if pending == nil {
			pending = idx
		}
	}
	if pending != nil {
		return pending, nil
	}

	if !m.autoCreate {
		return nil, ErrNotFound
	}

	fields := make([]string, 0, len(fuzzy)+len(ordered))
	fields = append(fields, fuzzy...)
	fields = append(fields, ordered...)
	return m.registry.Create(collection, fields), nil
}

func (r *Registry) primary(collection string) *Index {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primaryLocked(collection)
}

// fieldsMatch reports whether indexFields is a permutation of fuzzy at the
// front followed by ordered in exact order. The total length must match
// exactly; extra indexed fields would admit accidental partial matches.
func fieldsMatch(indexFields, fuzzy, ordered []string) bool {
	if len(indexFields) != len(fuzzy)+len(ordered) {
		return false
	}

	prefix := indexFields[:len(fuzzy)]
	remaining := make(map[string]int, len(fuzzy))
	for _, f := range fuzzy {
		remaining[f]++
	}
	for _, f := range prefix {
		if remaining[f] == 0 {
			return false
		}
		remaining[f]--
	}

	suffix := indexFields[len(fuzzy):]
	for i, f := range ordered {
		if suffix[i] != f {
			return false
		}
	}
	return true
}
