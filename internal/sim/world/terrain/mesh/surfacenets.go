package mesh

import (
	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/grid"
)

// Cube corners are numbered by bit: x = bit 0, y = bit 1, z = bit 2.
var cubeCorners = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
}

var cubeEdges = [12][2]int{
	{0b000, 0b001}, {0b000, 0b010}, {0b000, 0b100},
	{0b001, 0b011}, {0b001, 0b101}, {0b010, 0b011},
	{0b010, 0b110}, {0b011, 0b111}, {0b100, 0b101},
	{0b100, 0b110}, {0b101, 0b111}, {0b110, 0b111},
}

// Bounds is an inclusive range of lattice points. Cells are visited for
// every minimum corner in [Min, Max).
type Bounds struct {
	Min [3]int
	Max [3]int
}

// Interior excludes grid.BoundaryLayer points on every side of shape.
func Interior(s density.Shape) Bounds {
	b := grid.BoundaryLayer
	return Bounds{
		Min: [3]int{b, b, b},
		Max: [3]int{s.X - 1 - b, s.Y - 1 - b, s.Z - 1 - b},
	}
}

// SurfaceNets extracts the zero level set of f inside b. Each cell that
// straddles the surface gets one vertex at the mean of its edge crossings;
// every sign-changing lattice edge emits a quad joining the four cells that
// share it. Quads are not emitted on the low faces of b or for edges ending
// on its high faces, so meshes of neighbouring chunks meet without overlap.
func SurfaceNets(f *density.Field, b Bounds) *ChunkMesh {
	m := &ChunkMesh{}
	s := f.Shape
	if !validBounds(s, b) {
		return m
	}
	_, ys, zs := s.Strides()
	var cornerOffset [8]int
	for i, c := range cubeCorners {
		cornerOffset[i] = c[0] + c[1]*ys + c[2]*zs
	}

	strideToIndex := make([]int32, len(f.Values))
	for i := range strideToIndex {
		strideToIndex[i] = -1
	}
	var points [][3]int
	var strides []int

	for z := b.Min[2]; z < b.Max[2]; z++ {
		for y := b.Min[1]; y < b.Max[1]; y++ {
			for x := b.Min[0]; x < b.Max[0]; x++ {
				stride := s.Index(x, y, z)
				var d [8]float32
				neg := 0
				for i := range d {
					d[i] = f.Values[stride+cornerOffset[i]]
					if d[i] < 0 {
						neg++
					}
				}
				if neg == 0 || neg == 8 {
					continue
				}
				c := edgeCentroid(&d)
				strideToIndex[stride] = int32(len(m.Positions))
				m.Positions = append(m.Positions, mgl32.Vec3{float32(x) + c[0], float32(y) + c[1], float32(z) + c[2]})
				m.Normals = append(m.Normals, gradient(f, x, y, z, c))
				points = append(points, [3]int{x, y, z})
				strides = append(strides, stride)
			}
		}
	}

	for i, p := range points {
		st := strides[i]
		if p[1] != b.Min[1] && p[2] != b.Min[2] && p[0] != b.Max[0]-1 {
			m.quad(f, strideToIndex, st, st+1, ys, zs)
		}
		if p[0] != b.Min[0] && p[2] != b.Min[2] && p[1] != b.Max[1]-1 {
			m.quad(f, strideToIndex, st, st+ys, zs, 1)
		}
		if p[0] != b.Min[0] && p[1] != b.Min[1] && p[2] != b.Max[2]-1 {
			m.quad(f, strideToIndex, st, st+zs, 1, ys)
		}
	}
	return m
}

func validBounds(s density.Shape, b Bounds) bool {
	ext := [3]int{s.X, s.Y, s.Z}
	for i := 0; i < 3; i++ {
		if b.Min[i] < 0 || b.Max[i] >= ext[i] || b.Max[i] <= b.Min[i] {
			return false
		}
	}
	return true
}

// edgeCentroid averages the zero crossings along the cube's edges, in cell
// local coordinates.
func edgeCentroid(d *[8]float32) mgl32.Vec3 {
	var sum mgl32.Vec3
	n := 0
	for _, e := range cubeEdges {
		d1, d2 := d[e[0]], d[e[1]]
		if (d1 < 0) == (d2 < 0) {
			continue
		}
		t := d1 / (d1 - d2)
		c1, c2 := cubeCorners[e[0]], cubeCorners[e[1]]
		sum = sum.Add(mgl32.Vec3{
			float32(c1[0]) + t*float32(c2[0]-c1[0]),
			float32(c1[1]) + t*float32(c2[1]-c1[1]),
			float32(c1[2]) + t*float32(c2[2]-c1[2]),
		})
		n++
	}
	if n == 0 {
		return mgl32.Vec3{0.5, 0.5, 0.5}
	}
	return sum.Mul(1 / float32(n))
}

// gradient trilinearly blends central-difference gradients at the eight
// corners of cell (x,y,z). Corners on the field edge fall back to one-sided
// differences, so padding samples feed the normals of interior cells.
func gradient(f *density.Field, x, y, z int, c mgl32.Vec3) mgl32.Vec3 {
	var g mgl32.Vec3
	for _, o := range cubeCorners {
		w := weight(c[0], o[0]) * weight(c[1], o[1]) * weight(c[2], o[2])
		if w == 0 {
			continue
		}
		g = g.Add(latticeGradient(f, x+o[0], y+o[1], z+o[2]).Mul(w))
	}
	if l := g.Len(); l > 0 {
		return g.Mul(1 / l)
	}
	return mgl32.Vec3{0, 1, 0}
}

func weight(t float32, bit int) float32 {
	if bit == 1 {
		return t
	}
	return 1 - t
}

func latticeGradient(f *density.Field, x, y, z int) mgl32.Vec3 {
	s := f.Shape
	diff := func(a, lim int, at func(int) float32) float32 {
		lo, hi := max(a-1, 0), min(a+1, lim-1)
		if hi == lo {
			return 0
		}
		return (at(hi) - at(lo)) / float32(hi-lo)
	}
	return mgl32.Vec3{
		diff(x, s.X, func(v int) float32 { return f.At(v, y, z) }),
		diff(y, s.Y, func(v int) float32 { return f.At(x, v, z) }),
		diff(z, s.Z, func(v int) float32 { return f.At(x, y, v) }),
	}
}

// quad emits two triangles for the lattice edge p1-p2 if it changes sign.
// The four cells sharing the edge are p1, p1-b, p1-c and p1-b-c; the quad is
// split along its shorter diagonal and wound so it faces the negative side.
func (m *ChunkMesh) quad(f *density.Field, strideToIndex []int32, p1, p2, b, c int) {
	d1, d2 := f.Values[p1], f.Values[p2]
	var negativeFace bool
	switch {
	case d1 < 0 && d2 >= 0:
		negativeFace = false
	case d1 >= 0 && d2 < 0:
		negativeFace = true
	default:
		return
	}
	i1, i2, i3, i4 := strideToIndex[p1], strideToIndex[p1-b], strideToIndex[p1-c], strideToIndex[p1-b-c]
	if i1 < 0 || i2 < 0 || i3 < 0 || i4 < 0 {
		return
	}
	v1, v2, v3, v4 := uint32(i1), uint32(i2), uint32(i3), uint32(i4)
	pos := m.Positions
	e14, e23 := pos[v1].Sub(pos[v4]), pos[v2].Sub(pos[v3])
	d14, d23 := e14.Dot(e14), e23.Dot(e23)
	var tri [6]uint32
	switch {
	case d14 < d23 && negativeFace:
		tri = [6]uint32{v1, v4, v2, v1, v3, v4}
	case d14 < d23:
		tri = [6]uint32{v1, v2, v4, v1, v4, v3}
	case negativeFace:
		tri = [6]uint32{v2, v3, v4, v2, v1, v3}
	default:
		tri = [6]uint32{v2, v4, v3, v2, v3, v1}
	}
	m.Indices = append(m.Indices, tri[:]...)
}
