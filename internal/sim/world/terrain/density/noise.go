package density

import (
	"math"

	"voxelstream.ai/internal/sim/world/logic/mathx"
)

var (
	skew2   = 0.5 * (math.Sqrt(3) - 1)
	unskew2 = (3 - math.Sqrt(3)) / 6
)

const (
	skew3   = 1.0 / 3.0
	unskew3 = 1.0 / 6.0
)

var grad3 = [12][3]float64{
	{1, 1, 0}, {-1, 1, 0}, {1, -1, 0}, {-1, -1, 0},
	{1, 0, 1}, {-1, 0, 1}, {1, 0, -1}, {-1, 0, -1},
	{0, 1, 1}, {0, -1, 1}, {0, 1, -1}, {0, -1, -1},
}

// Simplex is seeded simplex noise. The permutation table is fixed at
// construction, so a Simplex is safe for concurrent reads.
type Simplex struct {
	perm [512]int
}

func NewSimplex(seed int64, salt uint64) *Simplex {
	s := &Simplex{}
	var p [256]int
	for i := range p {
		p[i] = i
	}
	rng := mathx.NewSplitMix(mathx.Hash1(seed, salt))
	for i := len(p) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		p[i], p[j] = p[j], p[i]
	}
	for i := range s.perm {
		s.perm[i] = p[i&255]
	}
	return s
}

func fastFloor(v float64) int {
	i := int(v)
	if v < float64(i) {
		return i - 1
	}
	return i
}

// Noise2 returns simplex noise in roughly [-1, 1].
func (s *Simplex) Noise2(x, y float64) float64 {
	k := (x + y) * skew2
	i := fastFloor(x + k)
	j := fastFloor(y + k)
	t := float64(i+j) * unskew2
	x0 := x - (float64(i) - t)
	y0 := y - (float64(j) - t)

	i1, j1 := 0, 1
	if x0 > y0 {
		i1, j1 = 1, 0
	}
	x1 := x0 - float64(i1) + unskew2
	y1 := y0 - float64(j1) + unskew2
	x2 := x0 - 1 + 2*unskew2
	y2 := y0 - 1 + 2*unskew2

	ii, jj := i&255, j&255
	g0 := s.perm[ii+s.perm[jj]] % 12
	g1 := s.perm[ii+i1+s.perm[jj+j1]] % 12
	g2 := s.perm[ii+1+s.perm[jj+1]] % 12

	return 70 * (corner2(g0, x0, y0) + corner2(g1, x1, y1) + corner2(g2, x2, y2))
}

func corner2(g int, x, y float64) float64 {
	t := 0.5 - x*x - y*y
	if t < 0 {
		return 0
	}
	t *= t
	return t * t * (grad3[g][0]*x + grad3[g][1]*y)
}

// Noise3 returns simplex noise in roughly [-1, 1].
func (s *Simplex) Noise3(x, y, z float64) float64 {
	k := (x + y + z) * skew3
	i := fastFloor(x + k)
	j := fastFloor(y + k)
	l := fastFloor(z + k)
	t := float64(i+j+l) * unskew3
	x0 := x - (float64(i) - t)
	y0 := y - (float64(j) - t)
	z0 := z - (float64(l) - t)

	var i1, j1, k1, i2, j2, k2 int
	if x0 >= y0 {
		switch {
		case y0 >= z0:
			i1, j1, k1, i2, j2, k2 = 1, 0, 0, 1, 1, 0
		case x0 >= z0:
			i1, j1, k1, i2, j2, k2 = 1, 0, 0, 1, 0, 1
		default:
			i1, j1, k1, i2, j2, k2 = 0, 0, 1, 1, 0, 1
		}
	} else {
		switch {
		case y0 < z0:
			i1, j1, k1, i2, j2, k2 = 0, 0, 1, 0, 1, 1
		case x0 < z0:
			i1, j1, k1, i2, j2, k2 = 0, 1, 0, 0, 1, 1
		default:
			i1, j1, k1, i2, j2, k2 = 0, 1, 0, 1, 1, 0
		}
	}

	x1 := x0 - float64(i1) + unskew3
	y1 := y0 - float64(j1) + unskew3
	z1 := z0 - float64(k1) + unskew3
	x2 := x0 - float64(i2) + 2*unskew3
	y2 := y0 - float64(j2) + 2*unskew3
	z2 := z0 - float64(k2) + 2*unskew3
	x3 := x0 - 1 + 3*unskew3
	y3 := y0 - 1 + 3*unskew3
	z3 := z0 - 1 + 3*unskew3

	ii, jj, ll := i&255, j&255, l&255
	p := &s.perm
	g0 := p[ii+p[jj+p[ll]]] % 12
	g1 := p[ii+i1+p[jj+j1+p[ll+k1]]] % 12
	g2 := p[ii+i2+p[jj+j2+p[ll+k2]]] % 12
	g3 := p[ii+1+p[jj+1+p[ll+1]]] % 12

	return 32 * (corner3(g0, x0, y0, z0) + corner3(g1, x1, y1, z1) + corner3(g2, x2, y2, z2) + corner3(g3, x3, y3, z3))
}

func corner3(g int, x, y, z float64) float64 {
	t := 0.6 - x*x - y*y - z*z
	if t < 0 {
		return 0
	}
	t *= t
	return t * t * (grad3[g][0]*x + grad3[g][1]*y + grad3[g][2]*z)
}

// FBM layers octaves of a Simplex source. The sum is normalized by the total
// amplitude so the result stays in the source's range.
type FBM struct {
	Source     *Simplex
	Octaves    int
	Gain       float64
	Lacunarity float64
	Frequency  float64
}

func (f FBM) Sample2(x, y float64) float64 {
	freq, amp := f.Frequency, 1.0
	var sum, norm float64
	for o := 0; o < f.Octaves; o++ {
		sum += amp * f.Source.Noise2(x*freq, y*freq)
		norm += amp
		amp *= f.Gain
		freq *= f.Lacunarity
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

func (f FBM) Sample3(x, y, z float64) float64 {
	freq, amp := f.Frequency, 1.0
	var sum, norm float64
	for o := 0; o < f.Octaves; o++ {
		sum += amp * f.Source.Noise3(x*freq, y*freq, z*freq)
		norm += amp
		amp *= f.Gain
		freq *= f.Lacunarity
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
