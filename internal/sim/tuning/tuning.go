package tuning

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/sim/world/terrain/density"
	"voxelstream.ai/internal/sim/world/terrain/grid"
	"voxelstream.ai/internal/sim/world/terrain/plan"
)

// Tuning is the session configuration. It is validated once before the
// first dispatch and treated as immutable afterwards.
type Tuning struct {
	VoxelSize     float32 `yaml:"voxel_size" json:"voxel_size"`
	Resolution    int     `yaml:"resolution" json:"resolution"`
	Seed          int64   `yaml:"seed" json:"seed"`
	RenderRadius  int     `yaml:"render_radius" json:"render_radius"`
	Workers       int     `yaml:"workers" json:"workers"`
	QueueSize     int     `yaml:"queue_size" json:"queue_size"`
	CacheCapacity int     `yaml:"cache_capacity" json:"cache_capacity"`

	Flat            bool    `yaml:"flat" json:"flat"`
	HeightFactor    int     `yaml:"height_factor" json:"height_factor"`
	PlannerOrder    string  `yaml:"planner_order" json:"planner_order"`
	Metric          string  `yaml:"metric" json:"metric"`
	Hysteresis      float32 `yaml:"hysteresis" json:"hysteresis"`
	EvictMultiplier float64 `yaml:"evict_multiplier" json:"evict_multiplier"`
	MaxAttempts     int     `yaml:"max_attempts" json:"max_attempts"`
	Backend         string  `yaml:"backend" json:"backend"`
	FieldWorkers    int     `yaml:"field_workers" json:"field_workers"`

	Noise Noise `yaml:"noise" json:"noise"`

	PublishPerSecond float64 `yaml:"publish_per_second" json:"publish_per_second"`
	PublishBurst     int     `yaml:"publish_burst" json:"publish_burst"`
	FrameHz          int     `yaml:"frame_hz" json:"frame_hz"`
	DispatchPerFrame int     `yaml:"dispatch_per_frame" json:"dispatch_per_frame"`
}

type Noise struct {
	Octaves      int                 `yaml:"octaves" json:"octaves"`
	Gain         float64             `yaml:"gain" json:"gain"`
	Lacunarity   float64             `yaml:"lacunarity" json:"lacunarity"`
	Frequency    float64             `yaml:"frequency" json:"frequency"`
	BedrockDepth float64             `yaml:"bedrock_depth" json:"bedrock_depth"`
	Clamp        bool                `yaml:"clamp" json:"clamp"`
	Continental  []density.SplineKey `yaml:"continental,omitempty" json:"continental,omitempty"`
}

func Defaults() Tuning {
	p := density.DefaultParams()
	return Tuning{
		VoxelSize:     p.VoxelSize,
		Resolution:    p.Resolution,
		RenderRadius:  3,
		Workers:       8,
		QueueSize:     32,
		CacheCapacity: 100,

		HeightFactor:    1,
		PlannerOrder:    "nearest",
		Metric:          "euclidean",
		Hysteresis:      plan.DefaultHysteresis,
		EvictMultiplier: 2,
		MaxAttempts:     2,
		Backend:         "cpu",
		FieldWorkers:    4,

		Noise: Noise{
			Octaves:      p.Octaves,
			Gain:         p.Gain,
			Lacunarity:   p.Lacunarity,
			Frequency:    p.Frequency,
			BedrockDepth: p.BedrockDepth,
			Clamp:        p.Clamp,
		},

		PublishPerSecond: 120,
		PublishBurst:     8,
		FrameHz:          60,
		DispatchPerFrame: 16,
	}
}

// Load reads a YAML file over Defaults. An empty path yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("streaming.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("streaming.yaml: %w", err)
	}
	return t, nil
}

func (t *Tuning) Normalize() {
	if t == nil {
		return
	}
	t.PlannerOrder = strings.ToLower(strings.TrimSpace(t.PlannerOrder))
	t.Metric = strings.ToLower(strings.TrimSpace(t.Metric))
	t.Backend = strings.ToLower(strings.TrimSpace(t.Backend))
	if t.HeightFactor == 0 {
		t.HeightFactor = 1
	}
	if t.QueueSize == 0 && t.Workers > 0 {
		t.QueueSize = 4 * t.Workers
	}
	if t.FieldWorkers <= 0 {
		t.FieldWorkers = 1
	}
}

func (t Tuning) Validate() error {
	t.Normalize()
	v := float64(t.VoxelSize)
	if !(v > 0) || math.IsInf(v, 0) {
		return fmt.Errorf("voxel_size must be > 0 (got %v)", t.VoxelSize)
	}
	if t.Resolution <= grid.Overlap {
		return fmt.Errorf("resolution must be > %d (got %d)", grid.Overlap, t.Resolution)
	}
	if t.RenderRadius <= 0 {
		return fmt.Errorf("render_radius must be > 0 (got %d)", t.RenderRadius)
	}
	if t.Workers <= 0 {
		return fmt.Errorf("workers must be > 0 (got %d)", t.Workers)
	}
	if t.QueueSize < 0 {
		return fmt.Errorf("queue_size must be >= 0 (got %d)", t.QueueSize)
	}
	if t.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be > 0 (got %d)", t.CacheCapacity)
	}
	if t.HeightFactor < 1 {
		return fmt.Errorf("height_factor must be >= 1 (got %d)", t.HeightFactor)
	}
	// Chunks are stacked along Y with the horizontal stride, so a tall
	// lattice is only valid when Y is held at 0.
	if t.HeightFactor > 1 && !t.Flat {
		return fmt.Errorf("height_factor > 1 requires flat: true (got height_factor=%d)", t.HeightFactor)
	}
	if _, err := plan.ParseOrder(t.PlannerOrder); err != nil {
		return fmt.Errorf("planner_order: %w", err)
	}
	if _, err := grid.ParseMetric(t.Metric); err != nil {
		return fmt.Errorf("metric: %w", err)
	}
	if _, err := density.ParseKind(t.Backend); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if t.Hysteresis < 0 {
		return fmt.Errorf("hysteresis must be >= 0 (got %v)", t.Hysteresis)
	}
	if !(t.EvictMultiplier > 0) {
		return fmt.Errorf("evict_multiplier must be > 0 (got %v)", t.EvictMultiplier)
	}
	if t.MaxAttempts < 1 || t.MaxAttempts > 16 {
		return fmt.Errorf("max_attempts must be in [1,16] (got %d)", t.MaxAttempts)
	}
	if !(t.PublishPerSecond > 0) || t.PublishBurst < 1 {
		return fmt.Errorf("publish_per_second must be > 0 and publish_burst >= 1")
	}
	if t.FrameHz <= 0 || t.DispatchPerFrame <= 0 {
		return fmt.Errorf("frame_hz and dispatch_per_frame must be > 0")
	}
	if err := t.DensityParams().Validate(); err != nil {
		return fmt.Errorf("noise: %w", err)
	}
	if len(t.Noise.Continental) > 0 {
		if _, err := density.NewSpline(t.Noise.Continental); err != nil {
			return fmt.Errorf("noise.continental: %w", err)
		}
	}
	return nil
}

func (t Tuning) DensityParams() density.Params {
	return density.Params{
		Resolution:   t.Resolution,
		HeightFactor: t.HeightFactor,
		VoxelSize:    t.VoxelSize,
		Seed:         t.Seed,
		Octaves:      t.Noise.Octaves,
		Gain:         t.Noise.Gain,
		Lacunarity:   t.Noise.Lacunarity,
		Frequency:    t.Noise.Frequency,
		BedrockDepth: t.Noise.BedrockDepth,
		Clamp:        t.Noise.Clamp,
		Continental:  t.Noise.Continental,
	}
}

func (t Tuning) Quantizer() grid.Quantizer {
	return grid.NewQuantizer(t.Resolution, t.VoxelSize, t.Flat)
}

// EvictThreshold is the residency cutoff in chunk units:
// evict_multiplier x render_radius x resolution.
func (t Tuning) EvictThreshold() float64 {
	return t.EvictMultiplier * float64(t.RenderRadius) * float64(t.Resolution)
}
