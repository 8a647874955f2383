package residency

import (
	"sort"

	"voxelstream.ai/internal/sim/world/terrain/grid"
)

// Handle is the host's identifier for a materialized chunk object.
type Handle uint64

// Host is the slice of the host boundary the tracker needs.
type Host interface {
	LookupResident(key grid.Key) (Handle, bool)
	RequestDestroy(h Handle)
}

type resident struct {
	coord  grid.Coord
	handle Handle
}

// Tracker is the set of chunks currently materialized in the host scene. It
// is owned by the update goroutine and is not safe for concurrent use.
type Tracker struct {
	metric  grid.Metric
	entries map[grid.Key]resident
}

func NewTracker(metric grid.Metric) *Tracker {
	return &Tracker{metric: metric, entries: map[grid.Key]resident{}}
}

// Add records a materialized chunk. Re-adding a key replaces its handle.
func (t *Tracker) Add(key grid.Key, coord grid.Coord, h Handle) {
	t.entries[key] = resident{coord: coord, handle: h}
}

func (t *Tracker) Has(key grid.Key) bool {
	_, ok := t.entries[key]
	return ok
}

func (t *Tracker) Len() int { return len(t.entries) }

func (t *Tracker) Metric() grid.Metric { return t.metric }

// Keys returns the resident keys in sorted order.
func (t *Tracker) Keys() []grid.Key {
	out := make([]grid.Key, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Resolve returns the live handle for key. If the host no longer knows the
// object, or knows it under a different handle, the entry is dropped and
// Resolve reports absence.
func (t *Tracker) Resolve(key grid.Key, host Host) (Handle, bool) {
	r, ok := t.entries[key]
	if !ok {
		return 0, false
	}
	h, live := host.LookupResident(key)
	if !live || h != r.handle {
		delete(t.entries, key)
		return 0, false
	}
	return h, true
}

// Sweep retires every resident farther than threshold from center, measured
// in chunk units with the tracker's metric. Each retired chunk gets exactly
// one RequestDestroy; stale entries are dropped without one.
func (t *Tracker) Sweep(center grid.Coord, threshold float64, host Host) []grid.Key {
	var far []grid.Key
	for k, r := range t.entries {
		if t.metric.Distance(center, r.coord) > threshold {
			far = append(far, k)
		}
	}
	sort.Slice(far, func(i, j int) bool { return far[i] < far[j] })

	evicted := far[:0]
	for _, k := range far {
		h, ok := t.Resolve(k, host)
		if !ok {
			continue
		}
		host.RequestDestroy(h)
		delete(t.entries, k)
		evicted = append(evicted, k)
	}
	return evicted
}
