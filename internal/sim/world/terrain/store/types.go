package store

import (
	"container/list"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/mesh"
)

type State uint8

const (
	Absent State = iota
	Pending
	Ready
)

func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Ready:
		return "READY"
	default:
		return "ABSENT"
	}
}

type entry struct {
	key    grid.Key
	state  State
	mesh   *mesh.ChunkMesh
	digest [32]byte
	since  time.Time

	elem *list.Element // position in the LRU list; nil unless Ready
}

// ChunkStore is the session's dedup cache. A key moves Absent -> Pending when
// a job is reserved for it and Pending -> Ready (or back to Absent) when the
// job ends. Only Ready entries take part in LRU eviction.
type ChunkStore struct {
	mu       sync.Mutex
	capacity int
	entries  map[grid.Key]*entry
	lru      *list.List // front = most recently used

	pending   int
	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time
}

// NewChunkStore returns a store holding at most capacity entries. A capacity
// of zero or less disables eviction.
func NewChunkStore(capacity int) *ChunkStore {
	return &ChunkStore{
		capacity: capacity,
		entries:  map[grid.Key]*entry{},
		lru:      list.New(),
		now:      time.Now,
	}
}

type Stats struct {
	Capacity  int    `json:"capacity"`
	Pending   int    `json:"pending"`
	Ready     int    `json:"ready"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

func (s *ChunkStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Capacity:  s.capacity,
		Pending:   s.pending,
		Ready:     s.lru.Len(),
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
	}
}

// Digest hashes the mesh geometry so identical generations can be compared
// across sessions.
func Digest(m *mesh.ChunkMesh) [32]byte {
	var out [32]byte
	if m == nil {
		return out
	}
	h := sha256.New()
	var tmp [4]byte
	writeVecs := func(vs []mgl32.Vec3) {
		for _, v := range vs {
			for _, c := range v {
				binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(c))
				h.Write(tmp[:])
			}
		}
	}
	writeVecs(m.Positions)
	writeVecs(m.Normals)
	for _, idx := range m.Indices {
		binary.LittleEndian.PutUint32(tmp[:], idx)
		h.Write(tmp[:])
	}
	copy(out[:], h.Sum(nil))
	return out
}
