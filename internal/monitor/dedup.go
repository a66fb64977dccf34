package monitor

// dedupSet is a FIFO set of recently seen event ids. At capacity the
// oldest id falls out. Not safe for concurrent use; the monitor loop
// owns it.
type dedupSet struct {
	cap   int
	order []string
	seen  map[string]struct{}
}

func newDedupSet(capacity int, seed []string) *dedupSet {
	if capacity <= 0 {
		capacity = 1000
	}
	d := &dedupSet{
		cap:  capacity,
		seen: make(map[string]struct{}, capacity),
	}
	for _, id := range seed {
		d.Add(id)
	}
	return d
}

// Add records an id, evicting the oldest at capacity. Returns false if
// the id was already present.
func (d *dedupSet) Add(id string) bool {
	if _, ok := d.seen[id]; ok {
		return false
	}
	if len(d.order) >= d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.order = append(d.order, id)
	d.seen[id] = struct{}{}
	return true
}

func (d *dedupSet) Has(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Snapshot returns the ids oldest-first for persistence.
func (d *dedupSet) Snapshot() []string {
	return append([]string(nil), d.order...)
}
