package gen

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

type fakeBackend struct {
	name      string
	transient bool
	gate      chan struct{}
	fill      func(x, y, z int) float32
	err       error
	panics    bool
	calls     atomic.Int32
}

func (b *fakeBackend) Name() string    { return b.name }
func (b *fakeBackend) Transient() bool { return b.transient }

func (b *fakeBackend) Synthesize(ctx context.Context, gc *density.Context, origin mgl32.Vec3) (*density.Field, error) {
	b.calls.Add(1)
	if b.gate != nil {
		<-b.gate
	}
	if b.panics {
		panic("device lost")
	}
	if b.err != nil {
		return nil, b.err
	}
	f := density.NewField(gc.Shape)
	for z := 0; z < gc.Shape.Z; z++ {
		for y := 0; y < gc.Shape.Y; y++ {
			for x := 0; x < gc.Shape.X; x++ {
				f.Set(x, y, z, b.fill(x, y, z))
			}
		}
	}
	return f, nil
}

func plane(x, y, z int) float32   { return float32(4 - y) }
func uniform(x, y, z int) float32 { return 1 }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) jobs() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == EventJob {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	s         *Scheduler
	store     *store.ChunkStore
	published atomic.Int32
	events    *recorder
}

func newHarness(t *testing.T, backend, fallback density.Backend, queue int) *harness {
	t.Helper()
	p := density.DefaultParams()
	p.Resolution = 8
	p.Seed = 42
	gc, err := density.NewContext(p)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	h := &harness{store: store.NewChunkStore(100), events: &recorder{}}
	s, err := New(Options{
		Context:   gc,
		Backend:   backend,
		Fallback:  fallback,
		Store:     h.store,
		Publisher: PublisherFunc(func(Payload) { h.published.Add(1) }),
		Sink:      h.events,
		Workers:   2,
		QueueSize: queue,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.s = s
	return h
}

func req(x int) Request {
	c := grid.Coord{X: x}
	return Request{Key: grid.KeyOf(c), Coord: c}
}

func TestDispatch_DuplicateRunsOneJob(t *testing.T) {
	b := &fakeBackend{name: "fake", fill: plane, gate: make(chan struct{})}
	h := newHarness(t, b, nil, 16)

	if d := h.s.Dispatch(req(0)); d != Dispatched {
		t.Fatalf("first dispatch=%v", d)
	}
	if d := h.s.Dispatch(req(0)); d != Skipped {
		t.Fatalf("second dispatch=%v", d)
	}
	close(b.gate)
	h.s.Wait()

	if got := b.calls.Load(); got != 1 {
		t.Fatalf("backend calls=%d want 1", got)
	}
	if h.store.State(req(0).Key) != store.Ready {
		t.Fatalf("state=%v want READY", h.store.State(req(0).Key))
	}
	if got := h.published.Load(); got != 1 {
		t.Fatalf("published=%d want 1", got)
	}
	jobs := h.events.jobs()
	if len(jobs) != 1 || jobs[0].Outcome != "SUCCESS" || jobs[0].Triangles == 0 {
		t.Fatalf("events=%+v", jobs)
	}

	// A Ready key is republished without another job.
	if d := h.s.Dispatch(req(0)); d != Cached {
		t.Fatalf("third dispatch=%v", d)
	}
	h.s.Wait()
	if b.calls.Load() != 1 || h.published.Load() != 2 {
		t.Fatalf("calls=%d published=%d", b.calls.Load(), h.published.Load())
	}
}

func TestDispatch_ConcurrentSameKey(t *testing.T) {
	b := &fakeBackend{name: "fake", fill: plane, gate: make(chan struct{})}
	h := newHarness(t, b, nil, 64)

	var dispatched atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.s.Dispatch(req(7)) == Dispatched {
				dispatched.Add(1)
			}
		}()
	}
	wg.Wait()
	close(b.gate)
	h.s.Wait()
	if dispatched.Load() != 1 || b.calls.Load() != 1 {
		t.Fatalf("dispatched=%d calls=%d", dispatched.Load(), b.calls.Load())
	}
}

func TestJob_UniformFieldNeverPublishes(t *testing.T) {
	b := &fakeBackend{name: "cpu", fill: uniform}
	h := newHarness(t, b, nil, 16)
	h.s.Dispatch(req(1))
	h.s.Wait()

	if h.published.Load() != 0 {
		t.Fatalf("publish invoked for an empty chunk")
	}
	if h.store.State(req(1).Key) != store.Absent {
		t.Fatalf("empty chunk should return to Absent")
	}
	if b.calls.Load() != 1 {
		t.Fatalf("deterministic backend retried: calls=%d", b.calls.Load())
	}
	jobs := h.events.jobs()
	if len(jobs) != 1 || jobs[0].Outcome != "EMPTY" {
		t.Fatalf("events=%+v", jobs)
	}
}

func TestJob_TransientDegeneracyIsBounded(t *testing.T) {
	b := &fakeBackend{name: "accelerator", transient: true, fill: uniform}
	h := newHarness(t, b, nil, 16)
	h.s.Dispatch(req(2))
	h.s.Wait()

	if got := b.calls.Load(); got != DefaultMaxAttempts {
		t.Fatalf("calls=%d want %d", got, DefaultMaxAttempts)
	}
	jobs := h.events.jobs()
	if len(jobs) != 1 || jobs[0].Outcome != "EXHAUSTED" || jobs[0].Attempts != DefaultMaxAttempts {
		t.Fatalf("events=%+v", jobs)
	}
	if jobs[0].Error != ErrDegenerate.Error() {
		t.Fatalf("error=%q", jobs[0].Error)
	}
	if h.published.Load() != 0 || h.store.State(req(2).Key) != store.Absent {
		t.Fatalf("exhausted job left published=%d state=%v", h.published.Load(), h.store.State(req(2).Key))
	}
	if st := h.s.Stats(); st.Exhausted != 1 || st.Retries != 1 {
		t.Fatalf("stats=%+v", st)
	}

	// The key can be dispatched again once it is Absent.
	if d := h.s.Dispatch(req(2)); d != Dispatched {
		t.Fatalf("redispatch=%v", d)
	}
	h.s.Wait()
}

func TestJob_FallbackTakesFinalAttempt(t *testing.T) {
	primary := &fakeBackend{name: "accelerator", transient: true, err: errors.New("device lost")}
	fallback := &fakeBackend{name: "cpu", fill: plane}
	h := newHarness(t, primary, fallback, 16)
	h.s.Dispatch(req(3))
	h.s.Wait()

	if primary.calls.Load() != 1 || fallback.calls.Load() != 1 {
		t.Fatalf("primary=%d fallback=%d", primary.calls.Load(), fallback.calls.Load())
	}
	jobs := h.events.jobs()
	if len(jobs) != 1 || jobs[0].Outcome != "SUCCESS" || jobs[0].Backend != "cpu" || jobs[0].Attempts != 2 {
		t.Fatalf("events=%+v", jobs)
	}
	if h.published.Load() != 1 {
		t.Fatalf("published=%d", h.published.Load())
	}
}

func TestJob_PanicIsContained(t *testing.T) {
	b := &fakeBackend{name: "fake", panics: true}
	h := newHarness(t, b, nil, 16)
	h.s.Dispatch(req(4))
	h.s.Wait()

	if st := h.s.Stats(); st.Panics != DefaultMaxAttempts || st.Exhausted != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if h.store.State(req(4).Key) != store.Absent {
		t.Fatalf("state after panic=%v", h.store.State(req(4).Key))
	}
}

func TestDispatch_ThrottledWithoutHeadroom(t *testing.T) {
	b := &fakeBackend{name: "fake", fill: plane, gate: make(chan struct{})}
	h := newHarness(t, b, nil, 1)
	if d := h.s.Dispatch(req(5)); d != Dispatched {
		t.Fatalf("first=%v", d)
	}
	if d := h.s.Dispatch(req(6)); d != Throttled {
		t.Fatalf("second=%v want THROTTLED", d)
	}
	if h.store.State(req(6).Key) != store.Absent {
		t.Fatalf("throttled dispatch reserved the key")
	}
	close(b.gate)
	h.s.Wait()
	if h.s.Headroom() != 1 {
		t.Fatalf("headroom=%d", h.s.Headroom())
	}
}

func TestDispatch_HeadroomCountsPublishSlots(t *testing.T) {
	p := density.DefaultParams()
	p.Resolution = 8
	gc, err := density.NewContext(p)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	pub := NewChannelPublisher(2)
	s, err := New(Options{
		Context:   gc,
		Backend:   &fakeBackend{name: "fake", fill: plane},
		Store:     store.NewChunkStore(100),
		Publisher: pub,
		Workers:   2,
		QueueSize: 16,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	for x := 0; x < 2; x++ {
		if d := s.Dispatch(req(x)); d != Dispatched {
			t.Fatalf("dispatch %d=%v", x, d)
		}
	}
	if d := s.Dispatch(req(2)); d != Throttled {
		t.Fatalf("third dispatch=%v want THROTTLED while the buffer is committed", d)
	}

	// Nobody drains: both jobs must still finish.
	s.Wait()
	if pub.Pending() != 2 || s.Headroom() != 0 {
		t.Fatalf("pending=%d headroom=%d", pub.Pending(), s.Headroom())
	}
	<-pub.Results()
	if s.Headroom() != 1 {
		t.Fatalf("headroom after drain=%d want 1", s.Headroom())
	}
	if d := s.Dispatch(req(2)); d != Dispatched {
		t.Fatalf("dispatch after drain=%v", d)
	}
	s.Wait()
}

func TestChannelPublisher_CloseReleasesBlockedPublish(t *testing.T) {
	pub := NewChannelPublisher(0)
	done := make(chan struct{})
	go func() {
		pub.Publish(Payload{Key: req(0).Key})
		close(done)
	}()
	pub.Close()
	<-done
	if pub.Abandoned() != 1 {
		t.Fatalf("abandoned=%d", pub.Abandoned())
	}
	pub.Close()
}

func TestClose_FinishesInFlightAndIsIdempotent(t *testing.T) {
	b := &fakeBackend{name: "fake", fill: plane, gate: make(chan struct{})}
	h := newHarness(t, b, nil, 4)
	if d := h.s.Dispatch(req(7)); d != Dispatched {
		t.Fatalf("dispatch=%v", d)
	}
	closed := make(chan struct{})
	go func() {
		h.s.Close()
		close(closed)
	}()
	close(b.gate)
	<-closed
	if h.published.Load() != 1 || h.store.State(req(7).Key) != store.Ready {
		t.Fatalf("published=%d state=%v", h.published.Load(), h.store.State(req(7).Key))
	}
	h.s.Close()
	if d := h.s.Dispatch(req(8)); d != Throttled {
		t.Fatalf("dispatch after close=%v", d)
	}
}

func TestNew_RejectsMissingCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
