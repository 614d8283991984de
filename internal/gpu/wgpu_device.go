//go:build webgpu

package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/logger"
)

// maxWebGPUBufferSize is the WebGPU default maxBufferSize limit.
const maxWebGPUBufferSize = 256 << 20

type wgpuOpener struct {
	log *zap.Logger
}

// NewOpener returns an Opener backed by the system WebGPU implementation.
func NewOpener(log *zap.Logger) Opener {
	return &wgpuOpener{log: logger.OrNop(log).Named("gpu")}
}

// Probe requests an adapter and releases it straight away.
func (o *wgpuOpener) Probe(ctx context.Context) (Support, error) {
	if err := ctx.Err(); err != nil {
		return Support{}, err
	}
	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return Support{}, ErrNoAdapter
	}
	defer instance.Release()

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return Support{}, fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}
	adapter.Release()

	// a WebGPU adapter always supports both compute and render pipelines
	return Support{Compute: true, Raster: true, Adapter: "webgpu"}, nil
}

// Open acquires instance, adapter, device and queue in that order, releasing
// whatever was acquired if a later step fails.
func (o *wgpuOpener) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	instance := wgpu.CreateInstance(nil)
	if instance == nil {
		return nil, ErrNoAdapter
	}

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, fmt.Errorf("%w: %w", ErrNoAdapter, err)
	}

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, fmt.Errorf("device creation failed: %w", err)
	}

	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.New("queue retrieval failed")
	}

	o.log.Debug("webgpu device opened")
	return &wgpuDevice{
		log:       o.log,
		instance:  instance,
		adapter:   adapter,
		device:    device,
		queue:     queue,
		buffers:   make(map[*wgpuBuffer]struct{}),
		pipelines: make(map[*wgpuPipeline]struct{}),
	}, nil
}

type wgpuBuffer struct {
	buf  *wgpu.Buffer
	size uint64
}

func (b *wgpuBuffer) Size() uint64 { return b.size }

type wgpuPipeline struct {
	name     string
	module   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
	layout   *wgpu.BindGroupLayout
}

func (p *wgpuPipeline) Name() string { return p.name }

type wgpuDevice struct {
	log *zap.Logger

	mu        sync.Mutex
	instance  *wgpu.Instance
	adapter   *wgpu.Adapter
	device    *wgpu.Device
	queue     *wgpu.Queue
	buffers   map[*wgpuBuffer]struct{}
	pipelines map[*wgpuPipeline]struct{}
	released  bool
}

func (d *wgpuDevice) Info() DeviceInfo {
	return DeviceInfo{
		Name:          "WebGPU adapter",
		Backend:       "webgpu",
		MaxBufferSize: maxWebGPUBufferSize,
	}
}

func toWGPUUsage(u Usage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&UsageStorage != 0 {
		out |= wgpu.BufferUsageStorage
	}
	if u&UsageUniform != 0 {
		out |= wgpu.BufferUsageUniform
	}
	if u&UsageCopySrc != 0 {
		out |= wgpu.BufferUsageCopySrc
	}
	if u&UsageCopyDst != 0 {
		out |= wgpu.BufferUsageCopyDst
	}
	if u&UsageMapRead != 0 {
		out |= wgpu.BufferUsageMapRead
	}
	return out
}

func (d *wgpuDevice) CreateBuffer(size uint64, usage Usage) (Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("create buffer: zero size")
	}
	if size > maxWebGPUBufferSize {
		return nil, fmt.Errorf("create buffer: %d bytes exceeds device limit", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrDeviceReleased
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Size:  AlignSize(size),
		Label: "adaptive-compute",
		Usage: toWGPUUsage(usage),
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer: %w", err)
	}
	b := &wgpuBuffer{buf: buf, size: size}
	d.buffers[b] = struct{}{}
	return b, nil
}

// buffer resolves b to a live buffer of this device. Callers hold d.mu.
func (d *wgpuDevice) buffer(b Buffer) (*wgpuBuffer, error) {
	if d.released {
		return nil, ErrDeviceReleased
	}
	wb, ok := b.(*wgpuBuffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T does not belong to the webgpu device", b)
	}
	if _, live := d.buffers[wb]; !live {
		return nil, fmt.Errorf("buffer already destroyed")
	}
	return wb, nil
}

func (d *wgpuDevice) DestroyBuffer(b Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	wb, err := d.buffer(b)
	if err != nil {
		return err
	}
	wb.buf.Release()
	delete(d.buffers, wb)
	return nil
}

func (d *wgpuDevice) WriteBuffer(b Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	wb, err := d.buffer(b)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > wb.size {
		return fmt.Errorf("write buffer: [%d, +%d) out of range (size %d)", offset, len(data), wb.size)
	}
	return d.queue.WriteBuffer(wb.buf, offset, data)
}

// ReadBuffer copies the range into a map-readable staging buffer and maps it.
func (d *wgpuDevice) ReadBuffer(ctx context.Context, b Buffer, offset, size uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	wb, err := d.buffer(b)
	if err != nil {
		return nil, err
	}
	if offset+size > wb.size {
		return nil, fmt.Errorf("read buffer: [%d, +%d) out of range (size %d)", offset, size, wb.size)
	}

	aligned := AlignSize(size)
	staging, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Size:  aligned,
		Label: "adaptive-compute-staging",
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create staging buffer: %w", err)
	}
	defer staging.Release()

	cmd, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	defer cmd.Release()
	cmd.CopyBufferToBuffer(wb.buf, offset, staging, 0, aligned)
	cb, err := cmd.Finish(nil)
	if err != nil {
		return nil, err
	}
	d.queue.Submit(cb)
	cb.Release()

	var status wgpu.BufferMapAsyncStatus
	if err := staging.MapAsync(wgpu.MapModeRead, 0, aligned, func(s wgpu.BufferMapAsyncStatus) {
		status = s
	}); err != nil {
		return nil, fmt.Errorf("map staging buffer: %w", err)
	}
	d.device.Poll(true, nil)
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("map staging buffer: status %v", status)
	}

	out := make([]byte, size)
	copy(out, staging.GetMappedRange(0, uint(aligned)))
	staging.Unmap()
	return out, nil
}

func (d *wgpuDevice) CreatePipeline(name, source, entry string) (Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrDeviceReleased
	}

	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          name,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: source},
	})
	if err != nil {
		return nil, fmt.Errorf("compile shader %s: %w", name, err)
	}
	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: name,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entry,
		},
	})
	if err != nil {
		module.Release()
		return nil, fmt.Errorf("create pipeline %s: %w", name, err)
	}

	p := &wgpuPipeline{
		name:     name,
		module:   module,
		pipeline: pipeline,
		layout:   pipeline.GetBindGroupLayout(0),
	}
	d.pipelines[p] = struct{}{}
	return p, nil
}

func (d *wgpuDevice) DestroyPipeline(p Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wp, ok := p.(*wgpuPipeline)
	if !ok {
		return
	}
	if _, live := d.pipelines[wp]; !live {
		return
	}
	releasePipeline(wp)
	delete(d.pipelines, wp)
}

func releasePipeline(p *wgpuPipeline) {
	p.layout.Release()
	p.pipeline.Release()
	p.module.Release()
}

func (d *wgpuDevice) Dispatch(ctx context.Context, p Pipeline, bindings []Buffer, groups [3]uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return ErrDeviceReleased
	}
	wp, ok := p.(*wgpuPipeline)
	if !ok {
		return fmt.Errorf("dispatch: pipeline %T does not belong to the webgpu device", p)
	}
	for i, g := range groups {
		if g == 0 || g > MaxWorkgroupsPerDimension {
			return fmt.Errorf("dispatch %s: workgroup count %d on axis %d out of range", wp.name, g, i)
		}
	}

	entries := make([]wgpu.BindGroupEntry, len(bindings))
	for i, b := range bindings {
		wb, err := d.buffer(b)
		if err != nil {
			return fmt.Errorf("dispatch %s: binding %d: %w", wp.name, i, err)
		}
		entries[i] = wgpu.BindGroupEntry{
			Binding: uint32(i),
			Buffer:  wb.buf,
			Size:    wgpu.WholeSize,
		}
	}
	group, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  wp.layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("dispatch %s: bind group: %w", wp.name, err)
	}
	defer group.Release()

	cmd, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	defer cmd.Release()
	pass := cmd.BeginComputePass(nil)
	pass.SetPipeline(wp.pipeline)
	pass.SetBindGroup(0, group, nil)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()
	pass.Release()

	cb, err := cmd.Finish(nil)
	if err != nil {
		return err
	}
	d.queue.Submit(cb)
	cb.Release()
	return nil
}

// Release destroys remaining resources and the device in reverse order of
// creation.
func (d *wgpuDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	if n := len(d.buffers); n > 0 {
		d.log.Warn("releasing webgpu device with live buffers", zap.Int("buffers", n))
	}
	for b := range d.buffers {
		b.buf.Release()
	}
	for p := range d.pipelines {
		releasePipeline(p)
	}
	d.buffers = nil
	d.pipelines = nil

	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	d.released = true
	d.log.Debug("webgpu device released")
	return nil
}
