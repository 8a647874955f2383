package density

import (
	"fmt"
	"math"
	"sort"
)

type Interpolation string

const (
	Linear Interpolation = "linear"
	Cosine Interpolation = "cosine"
)

// SplineKey is a control point. Interp selects how the segment starting at
// this key is interpolated.
type SplineKey struct {
	T      float64       `yaml:"t" json:"t"`
	Value  float64       `yaml:"value" json:"value"`
	Interp Interpolation `yaml:"interp" json:"interp"`
}

type Spline struct {
	Keys []SplineKey
}

// NewSpline sorts keys by T and validates them.
func NewSpline(keys []SplineKey) (Spline, error) {
	if len(keys) == 0 {
		return Spline{}, fmt.Errorf("spline: no keys")
	}
	ks := append([]SplineKey(nil), keys...)
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].T < ks[j].T })
	for i, k := range ks {
		switch k.Interp {
		case "":
			ks[i].Interp = Linear
		case Linear, Cosine:
		default:
			return Spline{}, fmt.Errorf("spline: key %d: unknown interpolation %q", i, k.Interp)
		}
		if math.IsNaN(k.T) || math.IsNaN(k.Value) {
			return Spline{}, fmt.Errorf("spline: key %d is NaN", i)
		}
		if i > 0 && ks[i-1].T == k.T {
			return Spline{}, fmt.Errorf("spline: duplicate key at t=%v", k.T)
		}
	}
	return Spline{Keys: ks}, nil
}

// ContinentalKeys maps continentalness in [-1, 1] to a surface height.
func ContinentalKeys() []SplineKey {
	return []SplineKey{
		{T: -1.0, Value: 10, Interp: Linear},
		{T: 0.3, Value: 30, Interp: Cosine},
		{T: 0.4, Value: 35, Interp: Cosine},
		{T: 1.0, Value: 50, Interp: Linear},
	}
}

// ClampedSample evaluates the spline at t, holding the end values outside
// the key range.
func (s Spline) ClampedSample(t float64) float64 {
	ks := s.Keys
	if len(ks) == 0 {
		return 0
	}
	if t <= ks[0].T {
		return ks[0].Value
	}
	last := ks[len(ks)-1]
	if t >= last.T {
		return last.Value
	}
	i := sort.Search(len(ks), func(i int) bool { return ks[i].T > t }) - 1
	a, b := ks[i], ks[i+1]
	u := (t - a.T) / (b.T - a.T)
	if a.Interp == Cosine {
		u = (1 - math.Cos(u*math.Pi)) / 2
	}
	return a.Value + (b.Value-a.Value)*u
}
