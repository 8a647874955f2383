package world

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/sim/world/residency"
	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

type planeBackend struct {
	uniform bool
	calls   atomic.Int32
}

func (b *planeBackend) Name() string    { return "plane" }
func (b *planeBackend) Transient() bool { return false }

func (b *planeBackend) Synthesize(ctx context.Context, gc *density.Context, origin mgl32.Vec3) (*density.Field, error) {
	b.calls.Add(1)
	f := density.NewField(gc.Shape)
	for z := 0; z < gc.Shape.Z; z++ {
		for y := 0; y < gc.Shape.Y; y++ {
			for x := 0; x < gc.Shape.X; x++ {
				v := float32(4 - y)
				if b.uniform {
					v = 1
				}
				f.Set(x, y, z, v)
			}
		}
	}
	return f, nil
}

type testHost struct {
	pos       mgl32.Vec3
	live      map[grid.Key]residency.Handle
	next      residency.Handle
	destroyed map[residency.Handle]int
}

func newTestHost() *testHost {
	return &testHost{live: map[grid.Key]residency.Handle{}, destroyed: map[residency.Handle]int{}}
}

func (h *testHost) LookupResident(k grid.Key) (residency.Handle, bool) {
	v, ok := h.live[k]
	return v, ok
}

func (h *testHost) RequestDestroy(handle residency.Handle) {
	h.destroyed[handle]++
	for k, v := range h.live {
		if v == handle {
			delete(h.live, k)
		}
	}
}

func (h *testHost) ObserverPosition() mgl32.Vec3 { return h.pos }

// materialize drains every published payload the way a host adapter would.
func (h *testHost) materialize(s *Streamer) int {
	n := 0
	for {
		select {
		case p := <-s.Results():
			if live, ok := h.live[p.Key]; ok {
				s.Adopt(p, live)
				continue
			}
			h.next++
			h.live[p.Key] = h.next
			s.Adopt(p, h.next)
			n++
		default:
			return n
		}
	}
}

func testTuning() tuning.Tuning {
	t := tuning.Defaults()
	t.Resolution = 8
	t.RenderRadius = 1
	t.Flat = true
	t.Workers = 2
	t.QueueSize = 64
	t.DispatchPerFrame = 100
	return t
}

func newStreamer(t *testing.T, cfg tuning.Tuning, host *testHost, b density.Backend) *Streamer {
	t.Helper()
	s, err := New(Options{Tuning: cfg, Host: host, Backend: b, PublishBuffer: 256})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestUpdate_PlansDispatchesAndAdopts(t *testing.T) {
	host := newTestHost()
	b := &planeBackend{}
	s := newStreamer(t, testTuning(), host, b)

	res := s.Update()
	if !res.Planned || res.Candidates != 9 || res.Dispatched != 9 {
		t.Fatalf("first update=%+v", res)
	}
	s.Wait()
	if n := host.materialize(s); n != 9 {
		t.Fatalf("materialized %d want 9", n)
	}
	if s.Residents().Len() != 9 {
		t.Fatalf("resident=%d", s.Residents().Len())
	}

	// Same position: no replan and nothing new to do.
	if res := s.Update(); res.Planned || res.Dispatched != 0 {
		t.Fatalf("idle update=%+v", res)
	}
	s.Replan()
	if res := s.Update(); !res.Planned || res.Candidates != 0 {
		t.Fatalf("forced replan over resident window=%+v", res)
	}
	if b.calls.Load() != 9 {
		t.Fatalf("backend calls=%d want 9", b.calls.Load())
	}
	if m := s.Metrics(); m.Resident != 9 || m.Scheduler.Success != 9 || m.RunID == "" {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestUpdate_DispatchBudgetKeepsBacklog(t *testing.T) {
	cfg := testTuning()
	cfg.DispatchPerFrame = 4
	host := newTestHost()
	s := newStreamer(t, cfg, host, &planeBackend{})

	first := s.Update()
	if first.Dispatched != 4 || first.Backlog != 5 {
		t.Fatalf("first=%+v", first)
	}
	second := s.Update()
	if second.Planned || second.Dispatched != 4 || second.Backlog != 1 {
		t.Fatalf("second=%+v", second)
	}
	third := s.Update()
	if third.Dispatched != 1 || third.Backlog != 0 {
		t.Fatalf("third=%+v", third)
	}
	s.Wait()
	if n := host.materialize(s); n != 9 {
		t.Fatalf("materialized %d", n)
	}
}

func TestUpdate_EmptyChunksStayAbsent(t *testing.T) {
	host := newTestHost()
	b := &planeBackend{uniform: true}
	s := newStreamer(t, testTuning(), host, b)

	s.Update()
	s.Wait()
	if n := host.materialize(s); n != 0 {
		t.Fatalf("published %d empty chunks", n)
	}
	if s.Store().Len() != 0 {
		t.Fatalf("empty chunks left %d cache entries", s.Store().Len())
	}
	s.Replan()
	if res := s.Update(); res.Dispatched != 9 {
		t.Fatalf("empty chunks not retried on replan: %+v", res)
	}
	s.Wait()
}

func TestUpdate_HysteresisGatesPlanning(t *testing.T) {
	host := newTestHost()
	s := newStreamer(t, testTuning(), host, &planeBackend{})

	var planned []bool
	for _, x := range []float32{0, 4, 8, 12} {
		host.pos = mgl32.Vec3{x, 0, 0}
		planned = append(planned, s.Update().Planned)
	}
	want := []bool{true, false, false, true}
	for i := range want {
		if planned[i] != want[i] {
			t.Fatalf("planned=%v want %v", planned, want)
		}
	}
	s.Wait()
}

func TestUpdate_EvictsFarResidentsOnce(t *testing.T) {
	cfg := testTuning()
	cfg.EvictMultiplier = 0.25 // threshold = 0.25 * 1 * 8 = 2 chunks
	host := newTestHost()
	s := newStreamer(t, cfg, host, &planeBackend{})

	s.Update()
	s.Wait()
	host.materialize(s)
	if s.EvictThreshold() != 2 {
		t.Fatalf("threshold=%v", s.EvictThreshold())
	}

	// Stride is (8-4)*1 = 4 world units; move ten chunks along +X.
	host.pos = mgl32.Vec3{40, 0, 0}
	res := s.Update()
	if !res.Planned || len(res.Evicted) != 9 {
		t.Fatalf("evicted=%d planned=%v", len(res.Evicted), res.Planned)
	}
	for h := residency.Handle(1); h <= 9; h++ {
		if host.destroyed[h] != 1 {
			t.Fatalf("handle %d destroyed %d times", h, host.destroyed[h])
		}
	}
	s.Wait()
	host.materialize(s)

	s.Replan()
	again := s.Update()
	if len(again.Evicted) != 0 {
		t.Fatalf("second pass evicted %v", again.Evicted)
	}
	for h := residency.Handle(1); h <= 9; h++ {
		if host.destroyed[h] != 1 {
			t.Fatalf("handle %d destroyed %d times", h, host.destroyed[h])
		}
	}
}

func TestUpdate_CachedMeshRepublished(t *testing.T) {
	host := newTestHost()
	b := &planeBackend{}
	s := newStreamer(t, testTuning(), host, b)
	s.Update()
	s.Wait()
	host.materialize(s)

	// The host loses one chunk on its own; the next pass finds the stale
	// residency, drops it and republishes the cached mesh.
	k := grid.KeyOf(grid.Coord{})
	delete(host.live, k)
	s.Replan()
	res := s.Update()
	if res.Cached != 1 || res.Dispatched != 0 {
		t.Fatalf("update=%+v", res)
	}
	s.Wait()
	if n := host.materialize(s); n != 1 {
		t.Fatalf("rematerialized %d", n)
	}
	if b.calls.Load() != 9 || s.Store().State(k) != store.Ready {
		t.Fatalf("calls=%d state=%v", b.calls.Load(), s.Store().State(k))
	}
}

func TestUpdate_PayloadInTransitNotRepublished(t *testing.T) {
	host := newTestHost()
	b := &planeBackend{}
	s := newStreamer(t, testTuning(), host, b)
	s.Update()
	s.Wait()

	// Nine meshes sit in Results; a replan must not queue them again.
	s.Replan()
	res := s.Update()
	if !res.Planned || res.Candidates != 0 || res.Cached != 0 || res.Dispatched != 0 {
		t.Fatalf("replan with payloads in transit=%+v", res)
	}
	if n := host.materialize(s); n != 9 {
		t.Fatalf("materialized %d want 9", n)
	}
	if p := s.pub.Pending(); p != 0 {
		t.Fatalf("pending=%d", p)
	}
	s.Replan()
	if res := s.Update(); res.Candidates != 0 {
		t.Fatalf("resident window replanned=%+v", res)
	}
	if b.calls.Load() != 9 {
		t.Fatalf("backend calls=%d want 9", b.calls.Load())
	}
}

func TestReplan_FromAnotherGoroutine(t *testing.T) {
	host := newTestHost()
	s := newStreamer(t, testTuning(), host, &planeBackend{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			s.Replan()
		}
	}()
	for i := 0; i < 200; i++ {
		s.Update()
		host.materialize(s)
	}
	wg.Wait()

	s.Replan()
	if res := s.Update(); !res.Planned {
		t.Fatalf("replan request lost: %+v", res)
	}
	s.Wait()
}

func TestClose_UndrainedResultsDoNotBlock(t *testing.T) {
	cfg := testTuning()
	cfg.RenderRadius = 2
	cfg.Workers = 2
	cfg.QueueSize = 4
	s, err := New(Options{Tuning: cfg, Host: newTestHost(), Backend: &planeBackend{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buf := cfg.QueueSize + cfg.Workers

	// The host never drains Results; dispatch must stop at the free slots.
	for i := 0; i < 50; i++ {
		s.Update()
	}
	waited := make(chan struct{})
	go func() {
		s.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatalf("workers blocked on a full result channel")
	}
	for i := 0; i < 20 && s.pub.Pending() < buf; i++ {
		s.Update()
		s.Wait()
	}
	if p := s.pub.Pending(); p != buf {
		t.Fatalf("pending=%d want %d", p, buf)
	}
	if h := s.Scheduler().Headroom(); h != 0 {
		t.Fatalf("headroom=%d with a full result channel", h)
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked")
	}
}

func TestNew_RejectsInvalidTuning(t *testing.T) {
	cfg := testTuning()
	cfg.Workers = 0
	if _, err := New(Options{Tuning: cfg, Host: newTestHost()}); err == nil {
		t.Fatalf("expected error for zero workers")
	}
	if _, err := New(Options{Tuning: testTuning()}); err == nil {
		t.Fatalf("expected error for nil host")
	}
}
