package gen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/mesh"
)

// ErrDegenerate marks a synthesized field with no sign change from a backend
// that is allowed to produce one transiently.
var ErrDegenerate = errors.New("degenerate density field")

type OutcomeKind int

const (
	Success OutcomeKind = iota
	Empty
	Exhausted
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "SUCCESS"
	case Empty:
		return "EMPTY"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("OUTCOME(%d)", int(k))
	}
}

// Outcome is the result of one job. Mesh is set only for Success; Err holds
// the last failure for Exhausted.
type Outcome struct {
	Kind     OutcomeKind
	Mesh     *mesh.ChunkMesh
	Attempts int
	Backend  string
	Err      error
}

// generate runs synthesis and extraction up to maxAttempts times. A
// deterministic backend that yields no sign change is accepted as Empty on
// the spot; a transient one is retried. When a fallback is configured and the
// previous attempt failed outright, the final attempt uses the fallback.
func (s *Scheduler) generate(origin mgl32.Vec3) Outcome {
	var lastErr error
	backend := s.backend
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			s.stats.retries.Add(1)
		}
		if attempt == s.maxAttempts && attempt > 1 && s.fallback != nil && lastErr != nil && !errors.Is(lastErr, ErrDegenerate) {
			backend = s.fallback
		}
		m, err := s.attempt(backend, origin)
		switch {
		case err == nil && m.Empty():
			return Outcome{Kind: Empty, Attempts: attempt, Backend: backend.Name()}
		case err == nil:
			return Outcome{Kind: Success, Mesh: m, Attempts: attempt, Backend: backend.Name()}
		case errors.Is(err, ErrDegenerate) && !backend.Transient():
			return Outcome{Kind: Empty, Attempts: attempt, Backend: backend.Name()}
		}
		lastErr = err
	}
	return Outcome{Kind: Exhausted, Attempts: s.maxAttempts, Backend: backend.Name(), Err: lastErr}
}

// attempt is a single synthesize-extract-finish pass. Panics are turned into
// errors so a bad attempt never takes down a worker.
func (s *Scheduler) attempt(b density.Backend, origin mgl32.Vec3) (m *mesh.ChunkMesh, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.stats.panics.Add(1)
			m, err = nil, fmt.Errorf("%s: panic: %v", b.Name(), r)
		}
	}()
	f, err := b.Synthesize(context.Background(), s.gc, origin)
	if err != nil {
		return nil, fmt.Errorf("%s: synthesize: %w", b.Name(), err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if !f.HasSignChange() {
		return nil, ErrDegenerate
	}
	m = mesh.SurfaceNets(f, mesh.Interior(f.Shape))
	mesh.Finish(m, s.gc.Params.VoxelSize)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return m, nil
}

func (s *Scheduler) job(req Request) {
	start := time.Now()
	out := s.generate(s.q.Origin(req.Coord))

	ev := Event{
		Time:       start.UTC(),
		Kind:       EventJob,
		Key:        req.Key,
		Coord:      req.Coord,
		Outcome:    out.Kind.String(),
		Backend:    out.Backend,
		Attempts:   out.Attempts,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}

	switch out.Kind {
	case Success:
		s.stats.success.Add(1)
		ev.Vertices, ev.Triangles = out.Mesh.Vertices(), out.Mesh.Triangles()
		ok, evicted := s.store.Complete(req.Key, out.Mesh)
		for _, k := range evicted {
			s.record(Event{Time: time.Now().UTC(), Kind: EventCacheEvict, Key: k})
		}
		if ok {
			s.pub.Publish(Payload{Key: req.Key, Coord: req.Coord, Placement: s.q.Origin(req.Coord), Mesh: out.Mesh})
			s.stats.published.Add(1)
		}
	case Empty:
		s.stats.empty.Add(1)
		s.store.Remove(req.Key)
	case Exhausted:
		s.stats.exhausted.Add(1)
		s.store.Remove(req.Key)
		if s.log != nil {
			s.log.Printf("chunk %s exhausted after %d attempts: %v", req.Key, out.Attempts, out.Err)
		}
	}
	s.record(ev)
}

func (s *Scheduler) record(e Event) {
	if s.sink != nil {
		s.sink.Record(e)
	}
}
