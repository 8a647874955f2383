package gen

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"

	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

const (
	DefaultWorkers     = 8
	DefaultMaxAttempts = 2
)

// Request asks for one chunk to be generated.
type Request struct {
	Key      grid.Key
	Coord    grid.Coord
	Distance float64
}

type Decision int

const (
	// Dispatched: the key was Absent and a job now owns it.
	Dispatched Decision = iota
	// Cached: the key was Ready; its mesh was republished without a job.
	Cached
	// Skipped: a job for the key is already in flight.
	Skipped
	// Throttled: no queue headroom; nothing was reserved.
	Throttled
)

func (d Decision) String() string {
	switch d {
	case Dispatched:
		return "DISPATCHED"
	case Cached:
		return "CACHED"
	case Skipped:
		return "SKIPPED"
	case Throttled:
		return "THROTTLED"
	default:
		return fmt.Sprintf("DECISION(%d)", int(d))
	}
}

type Options struct {
	Context   *density.Context
	Quantizer grid.Quantizer
	Backend   density.Backend
	// Fallback, when set, takes over the final attempt after the primary
	// backend failed outright.
	Fallback  density.Backend
	Store     *store.ChunkStore
	Publisher Publisher
	Sink      EventSink
	Logger    *log.Logger

	Workers     int
	QueueSize   int
	MaxAttempts int
}

// Scheduler turns dispatch requests into jobs on a worker pool. Dispatch is
// called from the single update goroutine; jobs run concurrently and only
// touch the store, the publisher and the event sink.
type Scheduler struct {
	gc       *density.Context
	q        grid.Quantizer
	backend  density.Backend
	fallback density.Backend
	store    *store.ChunkStore
	pub      Publisher
	sink     EventSink
	log      *log.Logger

	pool        worker.DynamicWorkerPool
	workers     int
	queue       int
	maxAttempts int

	taskID    atomic.Int64
	inflight  atomic.Int64
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	stats counters
}

type counters struct {
	dispatched atomic.Uint64
	cached     atomic.Uint64
	skipped    atomic.Uint64
	throttled  atomic.Uint64
	success    atomic.Uint64
	empty      atomic.Uint64
	exhausted  atomic.Uint64
	retries    atomic.Uint64
	panics     atomic.Uint64
	published  atomic.Uint64
}

func New(opts Options) (*Scheduler, error) {
	if opts.Context == nil {
		return nil, errors.New("gen: nil generation context")
	}
	if opts.Backend == nil {
		return nil, errors.New("gen: nil backend")
	}
	if opts.Store == nil {
		return nil, errors.New("gen: nil store")
	}
	if opts.Publisher == nil {
		return nil, errors.New("gen: nil publisher")
	}
	if opts.Workers < 0 || opts.QueueSize < 0 || opts.MaxAttempts < 0 {
		return nil, fmt.Errorf("gen: negative pool settings (workers=%d queue=%d attempts=%d)", opts.Workers, opts.QueueSize, opts.MaxAttempts)
	}
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize == 0 {
		opts.QueueSize = 4 * opts.Workers
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Quantizer.Edge == 0 {
		p := opts.Context.Params
		opts.Quantizer = grid.NewQuantizer(p.Resolution, p.VoxelSize, false)
	}
	return &Scheduler{
		gc:          opts.Context,
		q:           opts.Quantizer,
		backend:     opts.Backend,
		fallback:    opts.Fallback,
		store:       opts.Store,
		pub:         opts.Publisher,
		sink:        opts.Sink,
		log:         opts.Logger,
		pool:        worker.NewDynamicWorkerPool(opts.Workers, opts.QueueSize, 1*time.Second),
		workers:     opts.Workers,
		queue:       opts.QueueSize,
		maxAttempts: opts.MaxAttempts,
	}, nil
}

// Headroom is how many more tasks can be submitted without the pool queue
// filling up. Every task publishes at most one payload, so with a bounded
// publisher in-flight tasks are also kept within its free slots.
func (s *Scheduler) Headroom() int {
	inflight := int(s.inflight.Load())
	h := s.queue - inflight
	if b, ok := s.pub.(Bounded); ok {
		if f := b.Free() - inflight; f < h {
			h = f
		}
	}
	if h < 0 {
		return 0
	}
	return h
}

func (s *Scheduler) InFlight() int { return int(s.inflight.Load()) }

// Dispatch makes the Absent -> Pending decision for one key and submits its
// job. It does not block.
func (s *Scheduler) Dispatch(req Request) Decision {
	if s.closed.Load() || s.Headroom() <= 0 {
		s.stats.throttled.Add(1)
		return Throttled
	}
	st, m := s.store.Reserve(req.Key)
	switch st {
	case store.Pending:
		s.stats.skipped.Add(1)
		return Skipped
	case store.Ready:
		s.stats.cached.Add(1)
		p := Payload{Key: req.Key, Coord: req.Coord, Placement: s.q.Origin(req.Coord), Mesh: m}
		s.submit(func() {
			s.pub.Publish(p)
			s.stats.published.Add(1)
		})
		return Cached
	}
	s.stats.dispatched.Add(1)
	s.submit(func() { s.job(req) })
	return Dispatched
}

func (s *Scheduler) submit(fn func()) {
	s.inflight.Add(1)
	s.wg.Add(1)
	id := int(s.taskID.Add(1))
	s.pool.SubmitTask(worker.Task{
		ID: id,
		Do: func() (any, error) {
			defer s.wg.Done()
			defer s.inflight.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					s.stats.panics.Add(1)
					if s.log != nil {
						s.log.Printf("task %d panic: %v", id, r)
					}
				}
			}()
			fn()
			return nil, nil
		},
	})
}

// Wait blocks until every submitted task has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Close stops accepting dispatches, waits for in-flight jobs and stops the
// pool's workers.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.wg.Wait()
		s.pool.Stop()
	})
}

func (s *Scheduler) Store() *store.ChunkStore { return s.store }

func (s *Scheduler) Quantizer() grid.Quantizer { return s.q }

// Backend names the primary density backend.
func (s *Scheduler) Backend() string { return s.backend.Name() }

type Stats struct {
	Workers    int    `json:"workers"`
	QueueSize  int    `json:"queue_size"`
	InFlight   int    `json:"in_flight"`
	Dispatched uint64 `json:"dispatched"`
	Cached     uint64 `json:"cached"`
	Skipped    uint64 `json:"skipped"`
	Throttled  uint64 `json:"throttled"`
	Success    uint64 `json:"success"`
	Empty      uint64 `json:"empty"`
	Exhausted  uint64 `json:"exhausted"`
	Retries    uint64 `json:"retries"`
	Panics     uint64 `json:"panics"`
	Published  uint64 `json:"published"`
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Workers:    s.workers,
		QueueSize:  s.queue,
		InFlight:   s.InFlight(),
		Dispatched: s.stats.dispatched.Load(),
		Cached:     s.stats.cached.Load(),
		Skipped:    s.stats.skipped.Load(),
		Throttled:  s.stats.throttled.Load(),
		Success:    s.stats.success.Load(),
		Empty:      s.stats.empty.Load(),
		Exhausted:  s.stats.exhausted.Load(),
		Retries:    s.stats.retries.Load(),
		Panics:     s.stats.panics.Load(),
		Published:  s.stats.published.Load(),
	}
}
