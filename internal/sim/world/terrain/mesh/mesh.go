package mesh

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// ChunkMesh is indexed triangle geometry in chunk-local coordinates.
type ChunkMesh struct {
	Positions []mgl32.Vec3
	Normals   []mgl32.Vec3
	Indices   []uint32
}

// Empty reports whether the mesh has nothing to draw. A nil mesh is empty.
func (m *ChunkMesh) Empty() bool {
	return m == nil || len(m.Positions) == 0 || len(m.Indices) == 0
}

func (m *ChunkMesh) Triangles() int {
	if m == nil {
		return 0
	}
	return len(m.Indices) / 3
}

func (m *ChunkMesh) Vertices() int {
	if m == nil {
		return 0
	}
	return len(m.Positions)
}

func (m *ChunkMesh) Validate() error {
	if m == nil {
		return nil
	}
	if len(m.Positions) != len(m.Normals) {
		return fmt.Errorf("mesh: %d positions but %d normals", len(m.Positions), len(m.Normals))
	}
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("mesh: %d indices is not a whole number of triangles", len(m.Indices))
	}
	n := uint32(len(m.Positions))
	for i, idx := range m.Indices {
		if idx >= n {
			return fmt.Errorf("mesh: index %d at %d out of range (%d positions)", idx, i, n)
		}
	}
	return nil
}

// Finish converts extractor output into the host's conventions: normals
// face away from solid ground and positions are in world units.
func Finish(m *ChunkMesh, voxelSize float32) {
	if m == nil {
		return
	}
	for i := range m.Normals {
		m.Normals[i] = m.Normals[i].Mul(-1)
	}
	for i := range m.Positions {
		m.Positions[i] = m.Positions[i].Mul(voxelSize)
	}
}
