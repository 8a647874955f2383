package grid

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/logic/mathx"
)

// BoundaryLayer is the padding on each side of a chunk lattice that feeds
// gradient estimation but never emits geometry.
const BoundaryLayer = 1

// Overlap is how many lattice points two neighbouring chunks share along an
// axis: the padding on both sides plus the two points surface nets needs to
// stitch quads across a seam.
const Overlap = 2 + 2*BoundaryLayer

// Coord identifies a cell on the chunk grid.
type Coord struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (c Coord) Add(o Coord) Coord { return Coord{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z} }

func (c Coord) String() string { return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z) }

// Key is the canonical identifier for a chunk coordinate.
type Key string

func KeyOf(c Coord) Key {
	return Key(fmt.Sprintf("chunk_%dx_%dy_%dz", c.X, c.Y, c.Z))
}

func ParseKey(k Key) (Coord, error) {
	var c Coord
	n, err := fmt.Sscanf(string(k), "chunk_%dx_%dy_%dz", &c.X, &c.Y, &c.Z)
	if err != nil {
		return Coord{}, fmt.Errorf("parse chunk key %q: %w", k, err)
	}
	if n != 3 || KeyOf(c) != k {
		return Coord{}, fmt.Errorf("parse chunk key %q: not canonical", k)
	}
	return c, nil
}

// Quantizer maps world positions onto the chunk grid.
type Quantizer struct {
	Edge      int // lattice points per axis
	Overlap   int
	VoxelSize float32
	Flat      bool // hold Y at zero
}

func NewQuantizer(edge int, voxelSize float32, flat bool) Quantizer {
	return Quantizer{Edge: edge, Overlap: Overlap, VoxelSize: voxelSize, Flat: flat}
}

// Stride is the world-space edge length of one chunk cell.
func (q Quantizer) Stride() float32 {
	return float32(q.Edge-q.Overlap) * q.VoxelSize
}

func (q Quantizer) Quantize(pos mgl32.Vec3) Coord {
	s := float64(q.Stride())
	c := Coord{
		X: mathx.FloorToInt(float64(pos.X()) / s),
		Y: mathx.FloorToInt(float64(pos.Y()) / s),
		Z: mathx.FloorToInt(float64(pos.Z()) / s),
	}
	if q.Flat {
		c.Y = 0
	}
	return c
}

// Origin is the world placement of the chunk's first lattice point.
func (q Quantizer) Origin(c Coord) mgl32.Vec3 {
	s := q.Stride()
	return mgl32.Vec3{float32(c.X) * s, float32(c.Y) * s, float32(c.Z) * s}
}

type Metric int

const (
	Euclidean Metric = iota
	Chebyshev
)

func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "euclidean":
		return Euclidean, nil
	case "chebyshev":
		return Chebyshev, nil
	default:
		return Euclidean, fmt.Errorf("unknown metric %q", s)
	}
}

func (m Metric) String() string {
	if m == Chebyshev {
		return "chebyshev"
	}
	return "euclidean"
}

func (m Metric) Distance(a, b Coord) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	if m == Chebyshev {
		return math.Max(math.Abs(dx), math.Max(math.Abs(dy), math.Abs(dz)))
	}
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
