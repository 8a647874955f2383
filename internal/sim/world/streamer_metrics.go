package world

import (
	"voxelstream.ai/internal/sim/world/gen"
	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/store"
)

// StreamMetrics is a thread-safe read-only view of the session. It is
// updated from the update goroutine and read from HTTP handlers/tests.
type StreamMetrics struct {
	RunID   string     `json:"run_id"`
	Updates uint64     `json:"updates"`
	Passes  uint64     `json:"plan_passes"`
	Center  grid.Coord `json:"center"`

	Resident       int    `json:"resident"`
	Backlog        int    `json:"backlog"`
	EvictedTotal   uint64 `json:"evicted_total"`
	PendingResults int    `json:"pending_results"`

	LastCandidates int `json:"last_candidates"`
	LastDispatched int `json:"last_dispatched"`

	Cache     store.Stats `json:"cache"`
	Scheduler gen.Stats   `json:"scheduler"`
}

func (s *Streamer) publishMetrics(res UpdateResult) {
	prev := s.Metrics()
	m := StreamMetrics{
		RunID:          s.runID,
		Updates:        s.updates.Load(),
		Passes:         s.planner.Passes(),
		Center:         s.center,
		Resident:       s.resident.Len(),
		Backlog:        len(s.backlog),
		EvictedTotal:   s.evicted.Load(),
		PendingResults: s.pub.Pending(),
		LastCandidates: prev.LastCandidates,
		LastDispatched: res.Dispatched,
		Cache:          s.store.Stats(),
	}
	if res.Planned {
		m.LastCandidates = res.Candidates
	}
	if s.sched != nil {
		m.Scheduler = s.sched.Stats()
	}
	s.metrics.Store(m)
}

func (s *Streamer) Metrics() StreamMetrics {
	if s == nil {
		return StreamMetrics{}
	}
	v := s.metrics.Load()
	if v == nil {
		return StreamMetrics{}
	}
	m, ok := v.(StreamMetrics)
	if !ok {
		return StreamMetrics{}
	}
	return m
}
