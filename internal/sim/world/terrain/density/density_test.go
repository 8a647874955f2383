package density

import (
	"context"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestShape_IndexRowMajor(t *testing.T) {
	s := Shape{X: 4, Y: 3, Z: 2}
	if s.Index(1, 0, 0) != 1 || s.Index(0, 1, 0) != 4 || s.Index(0, 0, 1) != 12 {
		t.Fatalf("unexpected strides")
	}
	if s.Index(3, 2, 1) != s.Volume()-1 {
		t.Fatalf("last index=%d volume=%d", s.Index(3, 2, 1), s.Volume())
	}
}

func TestField_HasSignChange(t *testing.T) {
	f := NewField(Shape{X: 2, Y: 2, Z: 2})
	for i := range f.Values {
		f.Values[i] = 1
	}
	if f.HasSignChange() {
		t.Fatalf("uniform positive field reported a sign change")
	}
	f.Set(1, 1, 1, -0.25)
	if !f.HasSignChange() {
		t.Fatalf("expected sign change")
	}
}

func TestField_ValidateRejectsNaN(t *testing.T) {
	f := NewField(Shape{X: 2, Y: 2, Z: 2})
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	f.Values[3] = float32(math.NaN())
	if err := f.Validate(); err == nil {
		t.Fatalf("expected NaN to be rejected")
	}
}

func TestRelinearize_SliceMajorToRowMajor(t *testing.T) {
	want := Shape{X: 3, Y: 2, Z: 2}
	pad := 1
	padded := PaddedShape(want, pad, 4)
	if padded != (Shape{X: 8, Y: 4, Z: 4}) {
		t.Fatalf("padded shape not workgroup aligned: %+v", padded)
	}
	// Encode each padded lattice point's coordinates into its value, laid out
	// the way the device writes it.
	raw := make([]float32, padded.Volume())
	for y := 0; y < padded.Y; y++ {
		for z := 0; z < padded.Z; z++ {
			for x := 0; x < padded.X; x++ {
				raw[x+padded.X*(z+padded.Z*y)] = float32(x*10000 + y*100 + z)
			}
		}
	}
	f, err := Relinearize(raw, padded, pad, want)
	if err != nil {
		t.Fatalf("Relinearize: %v", err)
	}
	for z := 0; z < want.Z; z++ {
		for y := 0; y < want.Y; y++ {
			for x := 0; x < want.X; x++ {
				exp := float32((x+pad)*10000 + (y+pad)*100 + (z + pad))
				if got := f.At(x, y, z); got != exp {
					t.Fatalf("(%d,%d,%d)=%v want %v", x, y, z, got, exp)
				}
			}
		}
	}
	if _, err := Relinearize(raw[:10], padded, pad, want); err == nil {
		t.Fatalf("expected short buffer error")
	}
}

func TestSimplex_DeterministicAndBounded(t *testing.T) {
	a := NewSimplex(42, 1)
	b := NewSimplex(42, 1)
	c := NewSimplex(43, 1)
	differs := false
	for i := 0; i < 500; i++ {
		x := float64(i)*0.37 - 80
		y := float64(i)*0.11 + 3
		z := float64(i)*-0.23 + 17
		va, vb := a.Noise3(x, y, z), b.Noise3(x, y, z)
		if va != vb {
			t.Fatalf("same seed differs at %d: %v vs %v", i, va, vb)
		}
		if va < -1.1 || va > 1.1 {
			t.Fatalf("noise3 out of range: %v", va)
		}
		if n2 := a.Noise2(x, z); n2 < -1.1 || n2 > 1.1 {
			t.Fatalf("noise2 out of range: %v", n2)
		}
		if va != c.Noise3(x, y, z) {
			differs = true
		}
	}
	if !differs {
		t.Fatalf("different seeds produced identical noise")
	}
}

func TestSpline_ClampedSample(t *testing.T) {
	sp, err := NewSpline(ContinentalKeys())
	if err != nil {
		t.Fatalf("NewSpline: %v", err)
	}
	cases := []struct{ t, want float64 }{
		{-5, 10},
		{-1, 10},
		{0.3, 30},
		{0.35, 32.5}, // cosine midpoint
		{1, 50},
		{2, 50},
	}
	for _, tc := range cases {
		if got := sp.ClampedSample(tc.t); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("sample(%v)=%v want %v", tc.t, got, tc.want)
		}
	}
	// Linear segment from -1 to 0.3.
	mid := sp.ClampedSample(-0.35)
	if math.Abs(mid-20) > 1e-9 {
		t.Fatalf("linear midpoint=%v want 20", mid)
	}
	if _, err := NewSpline([]SplineKey{{T: 0, Value: 1}, {T: 0, Value: 2}}); err == nil {
		t.Fatalf("expected duplicate key error")
	}
	if _, err := NewSpline([]SplineKey{{T: 0, Value: 1, Interp: "cubic"}}); err == nil {
		t.Fatalf("expected interpolation error")
	}
}

func TestParams_Validate(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := p
	bad.Resolution = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected resolution error")
	}
	bad = p
	bad.VoxelSize = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected voxel size error")
	}
}

func TestCPUBackend_Synthesize(t *testing.T) {
	p := DefaultParams()
	p.Resolution = 12
	p.Seed = 42
	gc, err := NewContext(p)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	inline := NewCPUBackend(1, 0)
	parallel := NewCPUBackend(4, 3)
	defer parallel.Close()

	origin := mgl32.Vec3{-40, 0, 96}
	a, err := inline.Synthesize(context.Background(), gc, origin)
	if err != nil {
		t.Fatalf("inline: %v", err)
	}
	b, err := parallel.Synthesize(context.Background(), gc, origin)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}
	if a.Shape != gc.Shape || len(a.Values) != gc.Shape.Volume() {
		t.Fatalf("shape=%+v len=%d", a.Shape, len(a.Values))
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			t.Fatalf("slab fill differs at %d: %v vs %v", i, a.Values[i], b.Values[i])
		}
		if a.Values[i] < -1 || a.Values[i] > 1 {
			t.Fatalf("sample out of clamp range: %v", a.Values[i])
		}
	}
	for i := range a.Values {
		x := i % gc.Shape.X
		y := (i / gc.Shape.X) % gc.Shape.Y
		z := i / (gc.Shape.X * gc.Shape.Y)
		want := gc.Sample(float64(origin.X())+float64(x), float64(y), float64(origin.Z())+float64(z))
		if a.Values[i] != want {
			t.Fatalf("lattice (%d,%d,%d)=%v want %v", x, y, z, a.Values[i], want)
		}
	}
}

func TestContext_LayeredTerrain(t *testing.T) {
	p := DefaultParams()
	p.Seed = 7
	gc, err := NewContext(p)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	// The continental surface never exceeds the top spline key, so anything
	// above it is air; the bedrock floor sits near BedrockDepth.
	for _, x := range []float64{-300, 0, 512} {
		if v := gc.Sample(x, 80, x/2); v != airDensity {
			t.Fatalf("sample above surface=%v want air", v)
		}
		if v := gc.Sample(x, -20, x/2); v != solidDensity {
			t.Fatalf("sample below floor=%v want solid", v)
		}
	}
}

func TestCPUBackend_CanceledContext(t *testing.T) {
	gc, err := NewContext(DefaultParams())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewCPUBackend(1, 0).Synthesize(ctx, gc, mgl32.Vec3{}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("GPU"); err != nil || k != KindAccelerator {
		t.Fatalf("ParseKind(GPU)=%v,%v", k, err)
	}
	if _, err := ParseKind("tpu"); err == nil {
		t.Fatalf("expected error")
	}
}
