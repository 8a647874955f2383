package host

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/time/rate"

	"voxelstream.ai/internal/sim/world"
	"voxelstream.ai/internal/sim/world/gen"
	"voxelstream.ai/internal/sim/world/residency"
	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/mesh"
)

// Node is a materialized chunk in the scene.
type Node struct {
	Handle    residency.Handle
	Name      grid.Key
	Coord     grid.Coord
	Placement mgl32.Vec3
	Mesh      *mesh.ChunkMesh
	Created   time.Time
}

// Listener observes scene mutations. Callbacks run on the frame thread and
// must not block.
type Listener interface {
	Materialized(n Node)
	Destroyed(n Node)
}

// Session is the streaming side a Scene drives each frame.
type Session interface {
	Results() <-chan gen.Payload
	Adopt(p gen.Payload, h residency.Handle)
	Update() world.UpdateResult
}

type Config struct {
	// PublishPerSecond and PublishBurst bound how many results are
	// materialized per second.
	PublishPerSecond float64
	PublishBurst     int
	Origin           mgl32.Vec3
}

// Scene is a headless host: a node table owned by the frame thread. Node
// mutation happens only inside Frame; other goroutines may read through
// Nodes and move the observer.
type Scene struct {
	mu       sync.RWMutex
	nodes    map[residency.Handle]*Node
	byName   map[grid.Key]residency.Handle
	observer mgl32.Vec3

	next      residency.Handle
	destroyQ  []residency.Handle
	session   Session
	limiter   *rate.Limiter
	listeners []Listener
	log       *log.Logger

	stats SceneStats
}

type SceneStats struct {
	Frames       uint64 `json:"frames"`
	Nodes        int    `json:"nodes"`
	Materialized uint64 `json:"materialized"`
	Destroyed    uint64 `json:"destroyed"`
	Duplicates   uint64 `json:"duplicates"`
	DestroyQueue int    `json:"destroy_queue"`
}

func NewScene(cfg Config, logger *log.Logger) *Scene {
	perSec := cfg.PublishPerSecond
	if perSec <= 0 {
		perSec = 120
	}
	burst := cfg.PublishBurst
	if burst <= 0 {
		burst = 1
	}
	return &Scene{
		nodes:    map[residency.Handle]*Node{},
		byName:   map[grid.Key]residency.Handle{},
		observer: cfg.Origin,
		limiter:  rate.NewLimiter(rate.Limit(perSec), burst),
		log:      logger,
	}
}

// Bind attaches the session the scene feeds. It must be called before the
// first Frame.
func (s *Scene) Bind(sess Session) { s.session = sess }

func (s *Scene) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// LookupResident reports the live node named key.
func (s *Scene) LookupResident(key grid.Key) (residency.Handle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.byName[key]
	if !ok {
		return 0, false
	}
	if _, live := s.nodes[h]; !live {
		return 0, false
	}
	return h, true
}

// RequestDestroy queues h for removal at the start of the next frame.
func (s *Scene) RequestDestroy(h residency.Handle) {
	s.destroyQ = append(s.destroyQ, h)
}

func (s *Scene) ObserverPosition() mgl32.Vec3 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observer
}

// MoveObserver is the push side of ObserverPosition. Safe from any goroutine.
func (s *Scene) MoveObserver(pos mgl32.Vec3) {
	s.mu.Lock()
	s.observer = pos
	s.mu.Unlock()
}

type FrameResult struct {
	Destroyed    int
	Materialized int
	Update       world.UpdateResult
}

// Frame flushes deferred destroys, materializes published results within the
// rate budget, then runs one streaming update.
func (s *Scene) Frame() FrameResult {
	var fr FrameResult
	fr.Destroyed = s.flushDestroys()

	if s.session != nil {
		results := s.session.Results()
		for len(results) > 0 && s.limiter.Allow() {
			p := <-results
			if h, ok := s.materialize(p); ok {
				s.session.Adopt(p, h)
				fr.Materialized++
			}
		}
		fr.Update = s.session.Update()
	}

	s.mu.Lock()
	s.stats.Frames++
	s.stats.Nodes = len(s.nodes)
	s.stats.DestroyQueue = len(s.destroyQ)
	s.mu.Unlock()
	return fr
}

func (s *Scene) flushDestroys() int {
	if len(s.destroyQ) == 0 {
		return 0
	}
	q := s.destroyQ
	s.destroyQ = nil

	var gone []Node
	s.mu.Lock()
	for _, h := range q {
		n, ok := s.nodes[h]
		if !ok {
			continue
		}
		delete(s.nodes, h)
		if s.byName[n.Name] == h {
			delete(s.byName, n.Name)
		}
		s.stats.Destroyed++
		gone = append(gone, *n)
	}
	listeners := s.listeners
	s.mu.Unlock()

	for _, n := range gone {
		for _, l := range listeners {
			l.Destroyed(n)
		}
	}
	return len(gone)
}

// materialize creates a node for p. A payload for a name that is already
// live is a duplicate republish; the existing handle is returned so the
// session can re-adopt it.
func (s *Scene) materialize(p gen.Payload) (residency.Handle, bool) {
	if p.Mesh.Empty() {
		return 0, false
	}
	s.mu.Lock()
	if h, ok := s.byName[p.Key]; ok {
		if _, live := s.nodes[h]; live {
			s.stats.Duplicates++
			s.mu.Unlock()
			return h, true
		}
	}
	s.next++
	n := &Node{
		Handle:    s.next,
		Name:      p.Key,
		Coord:     p.Coord,
		Placement: p.Placement,
		Mesh:      p.Mesh,
		Created:   time.Now().UTC(),
	}
	s.nodes[n.Handle] = n
	s.byName[n.Name] = n.Handle
	s.stats.Materialized++
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.Materialized(*n)
	}
	return n.Handle, true
}

// Nodes returns the live nodes ordered by name.
func (s *Scene) Nodes() []Node {
	s.mu.RLock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scene) Stats() SceneStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Nodes = len(s.nodes)
	return st
}
