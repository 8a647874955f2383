package density

import (
	"fmt"
	"math"
)

// Shape is the lattice extent of a field. Fields are linearized row-major
// with X fastest: i = x + X*(y + Y*z).
type Shape struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (s Shape) Volume() int { return s.X * s.Y * s.Z }

func (s Shape) Index(x, y, z int) int { return x + s.X*(y+s.Y*z) }

func (s Shape) Strides() (x, y, z int) { return 1, s.X, s.X * s.Y }

func (s Shape) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < s.X && y < s.Y && z < s.Z
}

// Field is a dense scalar lattice. The surface is the zero level set;
// negative samples are outside.
type Field struct {
	Shape  Shape
	Values []float32
}

func NewField(s Shape) *Field {
	return &Field{Shape: s, Values: make([]float32, s.Volume())}
}

func (f *Field) At(x, y, z int) float32 { return f.Values[f.Shape.Index(x, y, z)] }

func (f *Field) Set(x, y, z int, v float32) { f.Values[f.Shape.Index(x, y, z)] = v }

// HasSignChange reports whether the field crosses zero anywhere. A field
// without a crossing cannot produce geometry.
func (f *Field) HasSignChange() bool {
	if len(f.Values) == 0 {
		return false
	}
	neg := f.Values[0] < 0
	for _, v := range f.Values[1:] {
		if (v < 0) != neg {
			return true
		}
	}
	return false
}

// Validate checks that the field is well formed and finite.
func (f *Field) Validate() error {
	if f == nil {
		return fmt.Errorf("nil field")
	}
	if f.Shape.X <= 0 || f.Shape.Y <= 0 || f.Shape.Z <= 0 {
		return fmt.Errorf("bad field shape %+v", f.Shape)
	}
	if len(f.Values) != f.Shape.Volume() {
		return fmt.Errorf("field has %d values, shape %+v wants %d", len(f.Values), f.Shape, f.Shape.Volume())
	}
	for i, v := range f.Values {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("non-finite sample at %d", i)
		}
	}
	return nil
}

// PaddedShape grows want by pad on every side and rounds each axis up to a
// multiple of align.
func PaddedShape(want Shape, pad, align int) Shape {
	up := func(n int) int { return (n + align - 1) / align * align }
	return Shape{X: up(want.X + 2*pad), Y: up(want.Y + 2*pad), Z: up(want.Z + 2*pad)}
}

// Relinearize converts a device buffer laid out slice-major
// (i = x + px*(z + pz*y)) over a padded shape into a row-major field of
// shape want, dropping pad lattice points from the low side of each axis.
func Relinearize(raw []float32, padded Shape, pad int, want Shape) (*Field, error) {
	if len(raw) < padded.Volume() {
		return nil, fmt.Errorf("relinearize: buffer has %d samples, padded shape %+v needs %d", len(raw), padded, padded.Volume())
	}
	if want.X+pad > padded.X || want.Y+pad > padded.Y || want.Z+pad > padded.Z {
		return nil, fmt.Errorf("relinearize: shape %+v with pad %d exceeds padded %+v", want, pad, padded)
	}
	f := NewField(want)
	for z := 0; z < want.Z; z++ {
		for y := 0; y < want.Y; y++ {
			src := padded.X * (z + pad + padded.Z*(y+pad))
			dst := want.Index(0, y, z)
			copy(f.Values[dst:dst+want.X], raw[src+pad:src+pad+want.X])
		}
	}
	return f, nil
}
