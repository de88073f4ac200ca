package stats

// SequenceTracker records the distinct sequence ids seen by the destination.
// It is owned by a single ingestion session and is not safe for concurrent use.
type SequenceTracker struct {
	seen     map[uint64]struct{}
	min, max uint64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{seen: make(map[uint64]struct{})}
}

// Observe records id. It reports whether id was new.
func (t *SequenceTracker) Observe(id uint64) bool {
	if _, ok := t.seen[id]; ok {
		return false
	}

	if len(t.seen) == 0 || id < t.min {
		t.min = id
	}
	if len(t.seen) == 0 || id > t.max {
		t.max = id
	}
	t.seen[id] = struct{}{}

	return true
}

func (t *SequenceTracker) Len() int {
	return len(t.seen)
}

// Lost returns (max - min + 1) - |seen|, or 0 when nothing was seen. It
// relies on the origin issuing ids without gaps.
func (t *SequenceTracker) Lost() uint64 {
	if len(t.seen) == 0 {
		return 0
	}
	return (t.max - t.min + 1) - uint64(len(t.seen))
}

// LossCount applies the same rule to a plain list of observed ids.
func LossCount(ids []uint64) uint64 {
	t := NewSequenceTracker()
	for _, id := range ids {
		t.Observe(id)
	}
	return t.Lost()
}
