package world

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/sim/world/gen"
	"voxelstream.ai/internal/sim/world/residency"
	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/plan"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

// Host is the boundary the streamer drives. Every method is called from the
// update goroutine.
type Host interface {
	LookupResident(key grid.Key) (residency.Handle, bool)
	RequestDestroy(h residency.Handle)
	ObserverPosition() mgl32.Vec3
}

type Options struct {
	Tuning tuning.Tuning
	Host   Host

	// Backend defaults to a CPU backend sized by Tuning.FieldWorkers.
	Backend  density.Backend
	Fallback density.Backend
	Context  *density.Context

	Sink          gen.EventSink
	Logger        *log.Logger
	PublishBuffer int
	// RunID defaults to a fresh UUID.
	RunID string
}

// Streamer is one streaming session: planner, residency and scheduler wired
// to a host. Update must be called from a single goroutine; Results is
// drained by the same goroutine through the host adapter.
type Streamer struct {
	runID     string
	t         tuning.Tuning
	host      Host
	q         grid.Quantizer
	planner   *plan.Planner
	resident  *residency.Tracker
	store     *store.ChunkStore
	sched     *gen.Scheduler
	pub       *gen.ChannelPublisher
	ownCPU    *density.CPUBackend
	threshold float64
	log       *log.Logger

	center  grid.Coord
	backlog []plan.Candidate
	// inTransit holds keys whose payload was handed to the publisher and
	// not yet adopted. Owned by the update goroutine.
	inTransit map[grid.Key]struct{}

	replan    atomic.Bool
	closeOnce sync.Once

	updates atomic.Uint64
	evicted atomic.Uint64
	metrics atomic.Value
}

func New(opts Options) (*Streamer, error) {
	t := opts.Tuning
	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	if opts.Host == nil {
		return nil, errors.New("world: nil host")
	}
	order, _ := plan.ParseOrder(t.PlannerOrder)
	metric, _ := grid.ParseMetric(t.Metric)

	gc := opts.Context
	if gc == nil {
		var err error
		gc, err = density.NewContext(t.DensityParams())
		if err != nil {
			return nil, fmt.Errorf("generation context: %w", err)
		}
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	s := &Streamer{
		runID: runID,
		t:     t,
		host:  opts.Host,
		q:     t.Quantizer(),
		planner: &plan.Planner{
			Radius:     t.RenderRadius,
			Metric:     metric,
			Flat:       t.Flat,
			Order:      order,
			Hysteresis: t.Hysteresis,
		},
		resident:  residency.NewTracker(metric),
		inTransit: map[grid.Key]struct{}{},
		store:     store.NewChunkStore(t.CacheCapacity),
		threshold: t.EvictThreshold(),
		log:       opts.Logger,
	}

	backend := opts.Backend
	if backend == nil {
		s.ownCPU = density.NewCPUBackend(t.FieldWorkers, 0)
		backend = s.ownCPU
	}
	buf := opts.PublishBuffer
	if buf <= 0 {
		buf = t.QueueSize + t.Workers
	}
	s.pub = gen.NewChannelPublisher(buf)

	sched, err := gen.New(gen.Options{
		Context:     gc,
		Quantizer:   s.q,
		Backend:     backend,
		Fallback:    opts.Fallback,
		Store:       s.store,
		Publisher:   s.pub,
		Sink:        opts.Sink,
		Logger:      opts.Logger,
		Workers:     t.Workers,
		QueueSize:   t.QueueSize,
		MaxAttempts: t.MaxAttempts,
	})
	if err != nil {
		s.closeCPU()
		return nil, err
	}
	s.sched = sched
	s.publishMetrics(UpdateResult{})
	return s, nil
}

func (s *Streamer) RunID() string                 { return s.runID }
func (s *Streamer) Tuning() tuning.Tuning         { return s.t }
func (s *Streamer) Quantizer() grid.Quantizer     { return s.q }
func (s *Streamer) Store() *store.ChunkStore      { return s.store }
func (s *Streamer) Scheduler() *gen.Scheduler     { return s.sched }
func (s *Streamer) Results() <-chan gen.Payload   { return s.pub.Results() }
func (s *Streamer) Residents() *residency.Tracker { return s.resident }
func (s *Streamer) EvictThreshold() float64       { return s.threshold }

// UpdateResult summarizes one Update call.
type UpdateResult struct {
	Planned    bool
	Candidates int
	Dispatched int
	Cached     int
	Skipped    int
	Backlog    int
	Evicted    []grid.Key
}

// Update runs one step on the host's update goroutine. When the observer has
// moved past the hysteresis threshold it replans and sweeps residency; every
// call then dispatches from the backlog within the pool's queue headroom.
// It never waits on a job.
func (s *Streamer) Update() UpdateResult {
	start := time.Now()
	var res UpdateResult
	pos := s.host.ObserverPosition()
	if s.replan.Swap(false) {
		s.planner.Reset()
	}
	if s.planner.ShouldReplan(pos) {
		s.center = s.q.Quantize(pos)
		s.backlog = s.planner.Plan(s.center, s.skip)
		res.Planned = true
		res.Candidates = len(s.backlog)
		res.Evicted = s.resident.Sweep(s.center, s.threshold, s.host)
		s.evicted.Add(uint64(len(res.Evicted)))
		if s.log != nil && len(res.Evicted) > 0 {
			s.log.Printf("center=%s evicted=%d resident=%d", s.center, len(res.Evicted), s.resident.Len())
		}
	}
	s.drain(&res)
	res.Backlog = len(s.backlog)
	s.updates.Add(1)
	s.publishMetrics(res)
	if s.log != nil && res.Planned {
		s.log.Printf("plan pass=%d center=%s candidates=%d dispatched=%d backlog=%d took=%s",
			s.planner.Passes(), s.center, res.Candidates, res.Dispatched, res.Backlog, time.Since(start))
	}
	return res
}

// skip rejects keys that are already resident, have a job in flight, or have
// a payload on its way to the host. Ready keys that are none of these go
// through Dispatch so their mesh is republished.
func (s *Streamer) skip(k grid.Key) bool {
	if _, ok := s.resident.Resolve(k, s.host); ok {
		return true
	}
	switch s.store.State(k) {
	case store.Pending:
		return true
	case store.Ready:
		_, queued := s.inTransit[k]
		return queued
	default:
		// Empty, exhausted or evicted from the cache: nothing is coming.
		delete(s.inTransit, k)
		return false
	}
}

func (s *Streamer) drain(res *UpdateResult) {
	budget := s.t.DispatchPerFrame
	n := 0
	for n < len(s.backlog) && budget > 0 {
		c := s.backlog[n]
		if s.resident.Has(c.Key) {
			n++
			continue
		}
		d := s.sched.Dispatch(gen.Request{Key: c.Key, Coord: c.Coord, Distance: c.Distance})
		if d == gen.Throttled {
			break
		}
		n++
		budget--
		switch d {
		case gen.Dispatched:
			res.Dispatched++
			s.inTransit[c.Key] = struct{}{}
		case gen.Cached:
			res.Cached++
			s.inTransit[c.Key] = struct{}{}
		case gen.Skipped:
			res.Skipped++
		}
	}
	s.backlog = s.backlog[n:]
}

// Adopt records that the host materialized p under handle h. Every payload
// taken from Results must be passed here, duplicates included.
func (s *Streamer) Adopt(p gen.Payload, h residency.Handle) {
	delete(s.inTransit, p.Key)
	s.resident.Add(p.Key, p.Coord, h)
}

// Replan forces the next Update to plan regardless of hysteresis. Safe from
// any goroutine; the planner itself is only touched by Update.
func (s *Streamer) Replan() { s.replan.Store(true) }

// Wait blocks until every in-flight job has finished. Tests only; it does
// not return while workers wait on a full publish channel nobody drains.
func (s *Streamer) Wait() { s.sched.Wait() }

// Close abandons payloads that cannot be delivered, waits for in-flight jobs
// and releases the workers. Safe to call more than once.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() {
		s.pub.Close()
		s.sched.Close()
		s.closeCPU()
	})
}

// Abandoned counts payloads dropped because the session closed first.
func (s *Streamer) Abandoned() uint64 { return s.pub.Abandoned() }

func (s *Streamer) closeCPU() {
	if s.ownCPU != nil {
		s.ownCPU.Close()
	}
}
