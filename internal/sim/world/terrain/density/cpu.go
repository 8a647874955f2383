package density

import (
	"context"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/go-gl/mathgl/mgl32"
)

// CPUBackend evaluates the terrain function on the host. Z slabs of a field
// are filled concurrently on a pool shared by all jobs.
type CPUBackend struct {
	pool pond.Pool
	slab int
}

// NewCPUBackend creates a backend whose slab pool runs at most workers tasks
// at once. workers <= 1 fills fields inline on the calling goroutine.
func NewCPUBackend(workers, slab int) *CPUBackend {
	b := &CPUBackend{slab: slab}
	if b.slab <= 0 {
		b.slab = 8
	}
	if workers > 1 {
		b.pool = pond.NewPool(workers)
	}
	return b
}

func (b *CPUBackend) Name() string    { return string(KindCPU) }
func (b *CPUBackend) Transient() bool { return false }

func (b *CPUBackend) Close() {
	if b.pool != nil {
		b.pool.StopAndWait()
	}
}

func (b *CPUBackend) Synthesize(ctx context.Context, gc *Context, origin mgl32.Vec3) (*Field, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := NewField(gc.Shape)
	if b.pool == nil {
		fillSlab(gc, f, origin, 0, gc.Shape.Z)
		return f, nil
	}

	var wg sync.WaitGroup
	for z0 := 0; z0 < gc.Shape.Z; z0 += b.slab {
		z1 := min(z0+b.slab, gc.Shape.Z)
		wg.Add(1)
		b.pool.Submit(func() {
			defer wg.Done()
			fillSlab(gc, f, origin, z0, z1)
		})
	}
	wg.Wait()
	return f, nil
}

// fillSlab writes lattice layers [z0, z1). Slabs never overlap, so
// concurrent calls on one field are safe.
func fillSlab(gc *Context, f *Field, origin mgl32.Vec3, z0, z1 int) {
	s := f.Shape
	voxel := float64(gc.Params.VoxelSize)
	ox, oy, oz := float64(origin.X()), float64(origin.Y()), float64(origin.Z())
	for z := z0; z < z1; z++ {
		wz := oz + float64(z)*voxel
		for x := 0; x < s.X; x++ {
			wx := ox + float64(x)*voxel
			col := gc.Column(wx, wz)
			for y := 0; y < s.Y; y++ {
				wy := oy + float64(y)*voxel
				f.Values[s.Index(x, y, z)] = gc.SampleColumn(col, wx, wy, wz)
			}
		}
	}
}
