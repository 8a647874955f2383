package plan

import (
	"container/heap"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/logic/mathx"
	"voxelstream.ai/internal/sim/world/terrain/grid"
)

// DefaultHysteresis is the observer displacement, in world units, that
// triggers a new planning pass.
const DefaultHysteresis = 10

type Order int

const (
	OrderNearest Order = iota
	OrderSpiral
)

func ParseOrder(s string) (Order, error) {
	switch s {
	case "", "nearest":
		return OrderNearest, nil
	case "spiral":
		return OrderSpiral, nil
	default:
		return OrderNearest, fmt.Errorf("unknown planner order %q", s)
	}
}

type Candidate struct {
	Coord    grid.Coord
	Key      grid.Key
	Distance float64
}

// Planner decides when to plan and which coordinates to request, nearest
// first. It is not safe for concurrent use.
type Planner struct {
	Radius     int
	Metric     grid.Metric
	Flat       bool
	Order      Order
	Hysteresis float32

	anchor  mgl32.Vec3
	planned bool
	passes  uint64
}

// ShouldReplan reports whether pos has drifted more than Hysteresis from
// the position of the last accepted plan. The first call always plans.
func (p *Planner) ShouldReplan(pos mgl32.Vec3) bool {
	if !p.planned || pos.Sub(p.anchor).Len() > p.Hysteresis {
		p.anchor = pos
		p.planned = true
		p.passes++
		return true
	}
	return false
}

// Passes counts accepted replans.
func (p *Planner) Passes() uint64 { return p.passes }

// Reset forces the next ShouldReplan to plan.
func (p *Planner) Reset() { p.planned = false }

// Plan lists every coordinate within Radius of center that skip does not
// reject, ordered by non-decreasing distance.
func (p *Planner) Plan(center grid.Coord, skip func(grid.Key) bool) []Candidate {
	if p.Order == OrderSpiral {
		return p.spiral(center, skip)
	}
	r := p.Radius
	ry := r
	if p.Flat {
		ry = 0
	}
	pq := make(candidateHeap, 0, (2*r+1)*(2*r+1)*(2*ry+1))
	for dy := -ry; dy <= ry; dy++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				c := center.Add(grid.Coord{X: dx, Y: dy, Z: dz})
				k := grid.KeyOf(c)
				if skip != nil && skip(k) {
					continue
				}
				pq = append(pq, Candidate{Coord: c, Key: k, Distance: p.Metric.Distance(center, c)})
			}
		}
	}
	heap.Init(&pq)
	out := make([]Candidate, 0, len(pq))
	for pq.Len() > 0 {
		out = append(out, heap.Pop(&pq).(Candidate))
	}
	return out
}

// spiral walks square rings outward around center, one vertical layer at a
// time from the center layer out. Ring distance is Chebyshev so the output is
// non-decreasing under that metric.
func (p *Planner) spiral(center grid.Coord, skip func(grid.Key) bool) []Candidate {
	r := p.Radius
	ry := r
	if p.Flat {
		ry = 0
	}
	var out []Candidate
	emit := func(c grid.Coord) {
		k := grid.KeyOf(c)
		if skip != nil && skip(k) {
			return
		}
		out = append(out, Candidate{Coord: c, Key: k, Distance: grid.Chebyshev.Distance(center, c)})
	}
	for ring := 0; ring <= r; ring++ {
		for _, dy := range layerOrder(min(ring, ry)) {
			if mathx.AbsInt(dy) == ring {
				// Cap layers of this shell are full squares.
				for dz := -ring; dz <= ring; dz++ {
					for dx := -ring; dx <= ring; dx++ {
						emit(center.Add(grid.Coord{X: dx, Y: dy, Z: dz}))
					}
				}
				continue
			}
			for i := 0; i < 8*ring; i++ {
				off := ringOffset(ring, i)
				emit(center.Add(grid.Coord{X: off.X, Y: dy, Z: off.Z}))
			}
		}
	}
	return out
}

// layerOrder yields 0, -1, 1, -2, 2 ... up to n, visiting the horizontal
// layers of a shell nearest first.
func layerOrder(n int) []int {
	out := []int{0}
	for i := 1; i <= n; i++ {
		out = append(out, -i, i)
	}
	return out
}

// ringOffset returns the i-th cell (0 <= i < 8r) of the square ring of
// radius r, starting at the top edge and walking clockwise.
func ringOffset(r, i int) grid.Coord {
	side := 2 * r
	a := i % (8 * r)
	switch a / side {
	case 0:
		return grid.Coord{X: a - r, Z: -r}
	case 1:
		return grid.Coord{X: r, Z: a%side - r}
	case 2:
		return grid.Coord{X: r - a%side, Z: r}
	default:
		return grid.Coord{X: -r, Z: r - a%side}
	}
}

type candidateHeap []Candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	if a.Coord.Y != b.Coord.Y {
		return a.Coord.Y < b.Coord.Y
	}
	if a.Coord.X != b.Coord.X {
		return a.Coord.X < b.Coord.X
	}
	return a.Coord.Z < b.Coord.Z
}
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)   { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
