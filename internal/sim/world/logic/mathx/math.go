package mathx

import "math"

func AbsInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// FloorToInt floors v and saturates at the int32 range so absurd observer
// positions cannot overflow chunk arithmetic.
func FloorToInt(v float64) int {
	f := math.Floor(v)
	switch {
	case math.IsNaN(f):
		return 0
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// Hash1 derives an independent stream from seed for salt.
func Hash1(seed int64, salt uint64) uint64 {
	return mix64(uint64(seed) ^ (salt * 0x9e3779b97f4a7c15))
}

// SplitMix is a tiny deterministic generator over mix64, used to shuffle
// permutation tables.
type SplitMix struct{ state uint64 }

func NewSplitMix(seed uint64) *SplitMix { return &SplitMix{state: seed} }

func (s *SplitMix) Next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	return mix64(s.state)
}

// Intn returns a value in [0, n). n must be > 0.
func (s *SplitMix) Intn(n int) int {
	return int(s.Next() % uint64(n))
}
