package density

import (
	"fmt"
	"math"
)

const (
	airDensity   = -0.5
	solidDensity = 1.0
)

// Salts for the independent noise streams derived from the world seed.
const (
	saltTerrain     = 1
	saltContinental = 2
	saltBedrock     = 3
)

type Params struct {
	Resolution   int
	HeightFactor int
	VoxelSize    float32
	Seed         int64

	Octaves      int
	Gain         float64
	Lacunarity   float64
	Frequency    float64
	BedrockDepth float64
	Clamp        bool
	Continental  []SplineKey
}

func DefaultParams() Params {
	return Params{
		Resolution:   32,
		HeightFactor: 1,
		VoxelSize:    1,
		Octaves:      4,
		Gain:         0.5,
		Lacunarity:   2.0,
		Frequency:    0.005,
		BedrockDepth: 10,
		Clamp:        true,
		Continental:  ContinentalKeys(),
	}
}

func (p Params) Lattice() Shape {
	hf := p.HeightFactor
	if hf <= 0 {
		hf = 1
	}
	return Shape{X: p.Resolution, Y: p.Resolution * hf, Z: p.Resolution}
}

func (p Params) Validate() error {
	if p.Resolution < 4 {
		return fmt.Errorf("resolution must be >= 4 (got %d)", p.Resolution)
	}
	if p.HeightFactor < 1 {
		return fmt.Errorf("height_factor must be >= 1 (got %d)", p.HeightFactor)
	}
	if !(p.VoxelSize > 0) || math.IsInf(float64(p.VoxelSize), 0) {
		return fmt.Errorf("voxel_size must be positive (got %v)", p.VoxelSize)
	}
	if p.Octaves < 1 || p.Octaves > 16 {
		return fmt.Errorf("octaves must be in [1,16] (got %d)", p.Octaves)
	}
	if !(p.Frequency > 0) || !(p.Lacunarity > 0) || !(p.Gain > 0) {
		return fmt.Errorf("frequency, lacunarity and gain must be positive")
	}
	return nil
}

// Context is the immutable generation context for one session. It is built
// once and shared by every job; nothing in it is mutated after NewContext.
type Context struct {
	Params Params
	Shape  Shape

	terrain     FBM
	continental FBM
	bedrock     FBM
	spline      Spline
}

func NewContext(p Params) (*Context, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	keys := p.Continental
	if len(keys) == 0 {
		keys = ContinentalKeys()
	}
	sp, err := NewSpline(keys)
	if err != nil {
		return nil, err
	}
	fbm := func(salt uint64) FBM {
		return FBM{
			Source:     NewSimplex(p.Seed, salt),
			Octaves:    p.Octaves,
			Gain:       p.Gain,
			Lacunarity: p.Lacunarity,
			Frequency:  p.Frequency,
		}
	}
	return &Context{
		Params:      p,
		Shape:       p.Lattice(),
		terrain:     fbm(saltTerrain),
		continental: fbm(saltContinental),
		bedrock:     fbm(saltBedrock),
		spline:      sp,
	}, nil
}

// Column holds the per-(x,z) terms of the terrain function.
type Column struct {
	Surface float64 // air above
	Floor   float64 // solid below
}

func (c *Context) Column(x, z float64) Column {
	cont := clamp(c.continental.Sample2(x, z), -1, 1)
	return Column{
		Surface: c.spline.ClampedSample(cont),
		Floor:   c.bedrock.Sample2(x*2+1000, z*2+1000) + c.Params.BedrockDepth,
	}
}

// SampleColumn evaluates the terrain at height y of a precomputed column.
func (c *Context) SampleColumn(col Column, x, y, z float64) float32 {
	if y > col.Surface {
		return airDensity
	}
	if y < col.Floor {
		return solidDensity
	}
	v := c.terrain.Sample3(x, y, z)
	if c.Params.Clamp {
		v = clamp(v, -1, 1)
	}
	return float32(v)
}

// Sample evaluates the terrain at a world position.
func (c *Context) Sample(x, y, z float64) float32 {
	return c.SampleColumn(c.Column(x, z), x, y, z)
}

// PermTables returns the three permutation tables back to back in the order
// terrain, continental, bedrock.
func (c *Context) PermTables() []uint32 {
	out := make([]uint32, 0, 3*512)
	for _, f := range []FBM{c.terrain, c.continental, c.bedrock} {
		for _, v := range f.Source.perm {
			out = append(out, uint32(v))
		}
	}
	return out
}

// SplineKeys returns the sorted continental spline keys.
func (c *Context) SplineKeys() []SplineKey { return c.spline.Keys }
