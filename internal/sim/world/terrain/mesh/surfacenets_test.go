package mesh

import (
	"context"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/grid"
)

func fillField(s density.Shape, fn func(x, y, z int) float32) *density.Field {
	f := density.NewField(s)
	for z := 0; z < s.Z; z++ {
		for y := 0; y < s.Y; y++ {
			for x := 0; x < s.X; x++ {
				f.Set(x, y, z, fn(x, y, z))
			}
		}
	}
	return f
}

func TestSurfaceNets_UniformFieldIsEmpty(t *testing.T) {
	s := density.Shape{X: 32, Y: 32, Z: 32}
	f := fillField(s, func(x, y, z int) float32 { return 0.75 })
	m := SurfaceNets(f, Interior(s))
	if len(m.Positions) != 0 || len(m.Indices) != 0 || len(m.Normals) != 0 {
		t.Fatalf("uniform field produced %d positions %d indices", len(m.Positions), len(m.Indices))
	}
	if !m.Empty() {
		t.Fatalf("expected empty mesh")
	}
}

func TestSurfaceNets_PlaneAtHeight16(t *testing.T) {
	const res = 32
	const voxel = float32(1.0)
	s := density.Shape{X: res, Y: res, Z: res}
	// Solid below y=16, air above.
	f := fillField(s, func(x, y, z int) float32 { return float32(16 - y) })
	m := SurfaceNets(f, Interior(s))
	Finish(m, voxel)
	if m.Empty() {
		t.Fatalf("expected geometry for a planar sign change")
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for i, p := range m.Positions {
		y := p.Y() / voxel
		if y < 15 || y > 17 {
			t.Fatalf("vertex %d at y=%v outside [15,17]", i, y)
		}
		n := m.Normals[i]
		if n.Y() <= 0.99 {
			t.Fatalf("normal %d=%v should face up toward air", i, n)
		}
	}
}

func TestSurfaceNets_SphereInvariantsAndWinding(t *testing.T) {
	s := density.Shape{X: 24, Y: 24, Z: 24}
	center := mgl32.Vec3{11.5, 12.25, 11.75}
	f := fillField(s, func(x, y, z int) float32 {
		return 7 - mgl32.Vec3{float32(x), float32(y), float32(z)}.Sub(center).Len()
	})
	m := SurfaceNets(f, Interior(s))
	const voxel = float32(0.5)
	Finish(m, voxel)
	if m.Empty() {
		t.Fatalf("sphere produced no geometry")
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	c := center.Mul(voxel)
	for i, p := range m.Positions {
		r := p.Sub(c).Len() / voxel
		if math.Abs(float64(r-7)) > 0.5 {
			t.Fatalf("vertex %d radius=%v want ~7", i, r)
		}
		if m.Normals[i].Dot(p.Sub(c)) <= 0 {
			t.Fatalf("normal %d points inward", i)
		}
	}
	// Winding must be consistent: nearly every face normal points the same
	// way relative to the sphere.
	out, in := 0, 0
	for i := 0; i < len(m.Indices); i += 3 {
		a, b, d := m.Positions[m.Indices[i]], m.Positions[m.Indices[i+1]], m.Positions[m.Indices[i+2]]
		fn := b.Sub(a).Cross(d.Sub(a))
		centroid := a.Add(b).Add(d).Mul(1.0 / 3)
		switch dot := fn.Dot(centroid.Sub(c)); {
		case dot > 0:
			out++
		case dot < 0:
			in++
		}
	}
	if hi, total := max(out, in), out+in; total == 0 || float64(hi) < 0.95*float64(total) {
		t.Fatalf("inconsistent winding: %d outward, %d inward", out, in)
	}
}

func TestSurfaceNets_TerrainChunkInvariants(t *testing.T) {
	p := density.DefaultParams()
	p.Seed = 42
	p.Resolution = 20
	gc, err := density.NewContext(p)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	cpu := density.NewCPUBackend(1, 0)
	q := grid.NewQuantizer(p.Resolution, p.VoxelSize, false)
	total := 0
	for cx := -1; cx <= 1; cx++ {
		for cy := 0; cy <= 2; cy++ {
			origin := q.Origin(grid.Coord{X: cx, Y: cy, Z: 0})
			f, err := cpu.Synthesize(context.Background(), gc, origin)
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			m := SurfaceNets(f, Interior(f.Shape))
			Finish(m, p.VoxelSize)
			if err := m.Validate(); err != nil {
				t.Fatalf("chunk (%d,%d): %v", cx, cy, err)
			}
			if !f.HasSignChange() && !m.Empty() {
				t.Fatalf("chunk (%d,%d): geometry without a sign change", cx, cy)
			}
			for _, n := range m.Normals {
				if l := n.Len(); math.Abs(float64(l-1)) > 1e-3 {
					t.Fatalf("normal not unit length: %v", l)
				}
			}
			total += m.Triangles()
		}
	}
	if total == 0 {
		t.Fatalf("expected some terrain geometry across the sampled chunks")
	}
}

func TestSurfaceNets_SeamSharesVertices(t *testing.T) {
	// A tilted plane crossing two neighbouring chunks along X must produce
	// vertices at identical world positions inside the shared overlap.
	const res = 16
	s := density.Shape{X: res, Y: res, Z: res}
	stride := res - grid.Overlap
	plane := func(wx, y, z int) float32 { return float32(8-y) + 0.1*float32(wx) - 0.05*float32(z) }
	a := fillField(s, func(x, y, z int) float32 { return plane(x, y, z) })
	b := fillField(s, func(x, y, z int) float32 { return plane(x+stride, y, z) })
	ma, mb := SurfaceNets(a, Interior(s)), SurfaceNets(b, Interior(s))
	shared := 0
	for _, p := range mb.Positions {
		w := p.Add(mgl32.Vec3{float32(stride), 0, 0})
		for _, q := range ma.Positions {
			if w.ApproxEqualThreshold(q, 1e-4) {
				shared++
				break
			}
		}
	}
	if shared == 0 {
		t.Fatalf("neighbouring chunks share no vertices across the seam")
	}
}

func TestFinish_NegatesAndScales(t *testing.T) {
	m := &ChunkMesh{
		Positions: []mgl32.Vec3{{1, 2, 3}},
		Normals:   []mgl32.Vec3{{0, 1, -1}},
		Indices:   []uint32{0, 0, 0},
	}
	Finish(m, 2)
	if m.Positions[0] != (mgl32.Vec3{2, 4, 6}) {
		t.Fatalf("position=%v", m.Positions[0])
	}
	if m.Normals[0] != (mgl32.Vec3{0, -1, 1}) {
		t.Fatalf("normal=%v", m.Normals[0])
	}
}

func TestValidate_RejectsBrokenMeshes(t *testing.T) {
	cases := []*ChunkMesh{
		{Positions: []mgl32.Vec3{{}}, Normals: nil, Indices: nil},
		{Positions: []mgl32.Vec3{{}}, Normals: []mgl32.Vec3{{}}, Indices: []uint32{0, 0}},
		{Positions: []mgl32.Vec3{{}}, Normals: []mgl32.Vec3{{}}, Indices: []uint32{0, 0, 1}},
	}
	for i, m := range cases {
		if err := m.Validate(); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
