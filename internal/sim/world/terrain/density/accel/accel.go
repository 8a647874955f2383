package accel

import (
	"context"
	_ "embed"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/world/terrain/density"
)

//go:embed density.wgsl
var shaderSource string

const workgroupEdge = 4

// Backend computes fields with a WGSL compute shader. The device
// lattice is padded on every side and rounded up to whole workgroups; results
// come back slice-major and are re-linearized before use.
type Backend struct {
	gc  *density.Context
	pad int
	log *log.Logger

	mu       sync.Mutex
	closed   bool
	instance *wgpu.Instance
	device   *wgpu.Device
	queue    *wgpu.Queue
	layout   *wgpu.BindGroupLayout
	pipeline *wgpu.ComputePipeline
	permBuf  *wgpu.Buffer
	keysBuf  *wgpu.Buffer
}

// New acquires a device and uploads the context's static
// tables. It returns ErrNoAdapter when no device can be found.
func New(gc *density.Context, logger *log.Logger) (*Backend, error) {
	b := &Backend{gc: gc, pad: 1, log: logger}
	if err := b.init(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Name() string    { return string(density.KindAccelerator) }
func (b *Backend) Transient() bool { return true }

func (b *Backend) init() error {
	b.instance = wgpu.CreateInstance(nil)
	adapter, err := b.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil || adapter == nil {
		return fmt.Errorf("%w: %v", density.ErrNoAdapter, err)
	}
	defer adapter.Release()

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "voxelstream density device",
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: wgpu.DefaultLimits(),
		},
	})
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	b.device = device
	b.queue = device.GetQueue()

	module, err := device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: "density.wgsl",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: shaderSource,
		},
	})
	if err != nil {
		return fmt.Errorf("shader module: %w", err)
	}
	defer module.Release()

	entries := make([]wgpu.BindGroupLayoutEntry, 4)
	for i := range entries {
		entries[i].Binding = uint32(i)
		entries[i].Visibility = wgpu.ShaderStageCompute
		entries[i].Buffer.Type = wgpu.BufferBindingTypeReadOnlyStorage
	}
	entries[3].Buffer.Type = wgpu.BufferBindingTypeStorage
	b.layout, err = device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   "density bind group layout",
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("bind group layout: %w", err)
	}
	pipelineLayout, err := device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "density pipeline layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{b.layout},
	})
	if err != nil {
		return fmt.Errorf("pipeline layout: %w", err)
	}
	defer pipelineLayout.Release()

	b.pipeline, err = device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  "density compute pipeline",
		Layout: pipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return fmt.Errorf("compute pipeline: %w", err)
	}

	if b.permBuf, err = b.upload("density perm", encodeU32(b.gc.PermTables())); err != nil {
		return err
	}
	if b.keysBuf, err = b.upload("density spline", encodeKeys(b.gc.SplineKeys())); err != nil {
		return err
	}
	return nil
}

func (b *Backend) upload(label string, data []byte) (*wgpu.Buffer, error) {
	buf, err := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  uint64(len(data)),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%s buffer: %w", label, err)
	}
	b.queue.WriteBuffer(buf, 0, data)
	return buf, nil
}

func (b *Backend) Synthesize(ctx context.Context, gc *density.Context, origin mgl32.Vec3) (*density.Field, error) {
	if gc != b.gc {
		return nil, fmt.Errorf("accelerator bound to a different generation context")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, density.ErrClosed
	}

	padded := density.PaddedShape(gc.Shape, b.pad, workgroupEdge)
	size := uint64(padded.Volume() * 4)

	paramsBuf, err := b.upload("density params", encodeParams(gc, origin, padded, b.pad))
	if err != nil {
		return nil, err
	}
	defer paramsBuf.Release()

	out, err := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "density out",
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("density out buffer: %w", err)
	}
	defer out.Release()

	staging, err := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "density staging",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("density staging buffer: %w", err)
	}
	defer staging.Release()

	bindGroup, err := b.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "density bind group",
		Layout: b.layout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: paramsBuf, Offset: 0, Size: wgpu.WholeSize},
			{Binding: 1, Buffer: b.permBuf, Offset: 0, Size: wgpu.WholeSize},
			{Binding: 2, Buffer: b.keysBuf, Offset: 0, Size: wgpu.WholeSize},
			{Binding: 3, Buffer: out, Offset: 0, Size: wgpu.WholeSize},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bind group: %w", err)
	}
	defer bindGroup.Release()

	encoder, err := b.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("command encoder: %w", err)
	}
	defer encoder.Release()

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(b.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(
		uint32(padded.X/workgroupEdge),
		uint32(padded.Y/workgroupEdge),
		uint32(padded.Z/workgroupEdge),
	)
	pass.End()
	pass.Release()

	encoder.CopyBufferToBuffer(out, 0, staging, 0, size)
	commandBuffer, err := encoder.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("finish: %w", err)
	}
	b.queue.Submit(commandBuffer)
	commandBuffer.Release()

	raw, err := b.readback(ctx, staging, size)
	if err != nil {
		return nil, err
	}
	return density.Relinearize(raw, padded, b.pad, gc.Shape)
}

// readback maps the staging buffer and waits for the device's completion
// callback, polling so the callback can fire.
func (b *Backend) readback(ctx context.Context, staging *wgpu.Buffer, size uint64) ([]float32, error) {
	done := make(chan wgpu.BufferMapAsyncStatus, 1)
	staging.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		done <- status
	})
	for {
		b.device.Poll(false, nil)
		select {
		case status := <-done:
			if status != wgpu.BufferMapAsyncStatusSuccess {
				return nil, fmt.Errorf("map staging buffer: status %v", status)
			}
			data := staging.GetMappedRange(0, uint(size))
			vals := decodeF32(data)
			staging.Unmap()
			return vals, nil
		case <-ctx.Done():
			// Let the mapping finish so the buffer can be released.
			b.device.Poll(true, nil)
			return nil, ctx.Err()
		case <-time.After(200 * time.Microsecond):
		}
	}
}

func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, buf := range []*wgpu.Buffer{b.permBuf, b.keysBuf} {
		if buf != nil {
			buf.Release()
		}
	}
	if b.pipeline != nil {
		b.pipeline.Release()
	}
	if b.layout != nil {
		b.layout.Release()
	}
	if b.queue != nil {
		b.queue.Release()
	}
	if b.device != nil {
		b.device.Release()
	}
	if b.instance != nil {
		b.instance.Release()
	}
	if b.log != nil {
		b.log.Printf("accelerator released")
	}
}

func encodeParams(gc *density.Context, origin mgl32.Vec3, padded density.Shape, pad int) []byte {
	p := gc.Params
	out := make([]byte, 0, 64)
	f32 := func(v float64) { out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(v))) }
	u32 := func(v int) { out = binary.LittleEndian.AppendUint32(out, uint32(v)) }

	f32(float64(origin.X()))
	f32(float64(origin.Y()))
	f32(float64(origin.Z()))
	f32(float64(p.VoxelSize))

	f32(p.Frequency)
	f32(p.Gain)
	f32(p.Lacunarity)
	f32(p.BedrockDepth)

	u32(padded.X)
	u32(padded.Y)
	u32(padded.Z)
	u32(pad)

	clampFlag := 0
	if p.Clamp {
		clampFlag = 1
	}
	u32(p.Octaves)
	u32(clampFlag)
	u32(len(gc.SplineKeys()))
	u32(0)
	return out
}

func encodeKeys(keys []density.SplineKey) []byte {
	out := make([]byte, 0, len(keys)*16)
	for _, k := range keys {
		cos := float32(0)
		if k.Interp == density.Cosine {
			cos = 1
		}
		for _, v := range []float32{float32(k.T), float32(k.Value), cos, 0} {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out
}

func encodeU32(vals []uint32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = binary.LittleEndian.AppendUint32(out, v)
	}
	return out
}

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
