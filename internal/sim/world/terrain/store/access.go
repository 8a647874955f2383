package store

import (
	"sort"
	"time"

	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/mesh"
)

// Reserve is the atomic check-and-insert used before dispatching a job. It
// returns the state the key had before the call; only a caller that sees
// Absent owns the new Pending entry. A Ready hit returns its mesh and counts
// as a use for LRU purposes.
func (s *ChunkStore) Reserve(key grid.Key) (State, *mesh.ChunkMesh) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.state == Ready {
			s.hits++
			s.lru.MoveToFront(e.elem)
			return Ready, e.mesh
		}
		return e.state, nil
	}
	s.misses++
	s.entries[key] = &entry{key: key, state: Pending, since: s.now()}
	s.pending++
	return Absent, nil
}

// Complete moves a Pending key to Ready and returns the keys evicted to stay
// within capacity. It does nothing if the key is not Pending.
func (s *ChunkStore) Complete(key grid.Key, m *mesh.ChunkMesh) (bool, []grid.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.state != Pending {
		return false, nil
	}
	s.pending--
	e.state = Ready
	e.mesh = m
	e.digest = Digest(m)
	e.since = s.now()
	e.elem = s.lru.PushFront(e)
	return true, s.evictLocked()
}

func (s *ChunkStore) evictLocked() []grid.Key {
	if s.capacity <= 0 {
		return nil
	}
	var evicted []grid.Key
	for len(s.entries) > s.capacity {
		back := s.lru.Back()
		if back == nil {
			// Everything left is Pending.
			break
		}
		e := back.Value.(*entry)
		s.lru.Remove(back)
		delete(s.entries, e.key)
		s.evictions++
		evicted = append(evicted, e.key)
	}
	return evicted
}

// Remove returns key to Absent whatever its state.
func (s *ChunkStore) Remove(key grid.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	switch e.state {
	case Pending:
		s.pending--
	case Ready:
		s.lru.Remove(e.elem)
	}
	delete(s.entries, key)
}

// Get returns a Ready mesh and marks it recently used.
func (s *ChunkStore) Get(key grid.Key) (*mesh.ChunkMesh, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.state != Ready {
		return nil, false
	}
	s.lru.MoveToFront(e.elem)
	return e.mesh, true
}

func (s *ChunkStore) State(key grid.Key) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.state
	}
	return Absent
}

func (s *ChunkStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EntryInfo is a read-only view of one cache entry.
type EntryInfo struct {
	Key       grid.Key   `json:"key"`
	Coord     grid.Coord `json:"coord"`
	State     string     `json:"state"`
	Vertices  int        `json:"vertices"`
	Triangles int        `json:"triangles"`
	Digest    [32]byte   `json:"-"`
	Since     time.Time  `json:"since"`
}

// Snapshot lists every entry ordered by coordinate (Y, X, Z).
func (s *ChunkStore) Snapshot() []EntryInfo {
	s.mu.Lock()
	out := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		c, _ := grid.ParseKey(e.key)
		out = append(out, EntryInfo{
			Key:       e.key,
			Coord:     c,
			State:     e.state.String(),
			Vertices:  e.mesh.Vertices(),
			Triangles: e.mesh.Triangles(),
			Digest:    e.digest,
			Since:     e.since,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Coord, out[j].Coord
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return out[i].Key < out[j].Key
	})
	return out
}
