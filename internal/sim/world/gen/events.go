package gen

import (
	"time"

	"voxelstream.ai/internal/sim/world/terrain/grid"
)

const (
	EventJob        = "JOB"
	EventCacheEvict = "CACHE_EVICT"
)

// Event is one line of the generation event log.
type Event struct {
	Time       time.Time  `json:"time"`
	Kind       string     `json:"kind"`
	Key        grid.Key   `json:"key"`
	Coord      grid.Coord `json:"coord"`
	Outcome    string     `json:"outcome,omitempty"`
	Backend    string     `json:"backend,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	Vertices   int        `json:"vertices,omitempty"`
	Triangles  int        `json:"triangles,omitempty"`
	DurationMS float64    `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type EventSink interface {
	Record(e Event)
}

// MultiSink fans an event out to every non-nil sink.
type MultiSink []EventSink

func (m MultiSink) Record(e Event) {
	for _, s := range m {
		if s != nil {
			s.Record(e)
		}
	}
}
