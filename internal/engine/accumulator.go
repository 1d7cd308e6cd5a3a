package engine

// Accumulator is the append-only identifier set for one collection session.
// It preserves first-seen order so downstream processing is reproducible.
// Identifiers are never removed.
//
// Not safe for concurrent use; a session is single-threaded by contract.
type Accumulator struct {
	seen  map[string]struct{}
	order []string
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{seen: make(map[string]struct{})}
}

// Add inserts all not-yet-present identifiers and returns how many were newly
// inserted by this call. Empty identifiers are ignored.
func (a *Accumulator) Add(identifiers []string) int {
	added := 0
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if _, ok := a.seen[id]; ok {
			continue
		}
		a.seen[id] = struct{}{}
		a.order = append(a.order, id)
		added++
	}
	return added
}

// Size returns the number of distinct identifiers accumulated so far.
func (a *Accumulator) Size() int { return len(a.order) }

// Contains reports whether the identifier has been seen.
func (a *Accumulator) Contains(id string) bool {
	_, ok := a.seen[id]
	return ok
}

// Snapshot returns the accumulated identifiers in first-seen order. The
// returned slice is a copy; mutating it does not affect the accumulator.
func (a *Accumulator) Snapshot() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}
