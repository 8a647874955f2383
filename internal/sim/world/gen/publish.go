package gen

import (
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/mesh"
)

// Payload is a finished chunk on its way to the host.
type Payload struct {
	Key       grid.Key
	Coord     grid.Coord
	Placement mgl32.Vec3
	Mesh      *mesh.ChunkMesh
}

// Publisher hands payloads to whatever owns host mutation. Implementations
// must be safe to call from any worker goroutine.
type Publisher interface {
	Publish(p Payload)
}

// ChannelPublisher is a one-way result channel. A single consumer drains
// Results on the host's update thread.
type ChannelPublisher struct {
	ch   chan Payload
	done chan struct{}
	once sync.Once

	abandoned atomic.Uint64
}

func NewChannelPublisher(buffer int) *ChannelPublisher {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelPublisher{ch: make(chan Payload, buffer), done: make(chan struct{})}
}

// Publish waits for buffer space only until Close. The scheduler admits no
// more jobs than there are free slots, so in a running session it returns
// immediately.
func (p *ChannelPublisher) Publish(pl Payload) {
	select {
	case p.ch <- pl:
		return
	default:
	}
	select {
	case p.ch <- pl:
	case <-p.done:
		p.abandoned.Add(1)
	}
}

// Close releases publishers blocked on a full channel. Payloads published
// after Close are counted as abandoned unless the buffer has room.
func (p *ChannelPublisher) Close() {
	p.once.Do(func() { close(p.done) })
}

func (p *ChannelPublisher) Results() <-chan Payload { return p.ch }

// Pending reports how many payloads are waiting to be drained.
func (p *ChannelPublisher) Pending() int { return len(p.ch) }

// Free reports how many payloads fit before Publish would wait.
func (p *ChannelPublisher) Free() int { return cap(p.ch) - len(p.ch) }

func (p *ChannelPublisher) Abandoned() uint64 { return p.abandoned.Load() }

// Bounded is implemented by publishers with a finite buffer. The scheduler
// keeps in-flight tasks within Free so no worker parks in Publish.
type Bounded interface {
	Free() int
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Payload)

func (f PublisherFunc) Publish(p Payload) { f(p) }
