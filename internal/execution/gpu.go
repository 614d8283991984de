package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/metrics"
	"github.com/fxnlabs/adaptive-compute/internal/pool"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

// GPU executes the shipped compute shaders on an opened device.
type GPU struct {
	device  gpu.Device
	pool    *pool.Pool[gpu.Buffer]
	results *Results
	cfg     Config
	log     *zap.Logger

	builds    singleflight.Group
	mu        sync.Mutex
	pipelines map[string]gpu.Pipeline
}

// NewGPU wires a device, its buffer pool and the shared result cache. A nil
// device makes every call fail with GpuUnavailable.
func NewGPU(device gpu.Device, p *pool.Pool[gpu.Buffer], results *Results, cfg Config, log *zap.Logger) *GPU {
	log = logger.OrNop(log).Named("exec")
	if p == nil && device != nil {
		p = pool.New[gpu.Buffer]("gpu", deviceSource{device}, pool.Config{Passthrough: true}, log)
	}
	return &GPU{
		device:    device,
		pool:      p,
		results:   results,
		cfg:       cfg.withDefaults(),
		log:       log,
		pipelines: make(map[string]gpu.Pipeline),
	}
}

// deviceSource creates buffers straight from a device.
type deviceSource struct{ dev gpu.Device }

func (s deviceSource) Create(_ context.Context, size uint64, tag string) (gpu.Buffer, error) {
	return s.dev.CreateBuffer(size, gpu.UsageForTag(tag))
}

func (s deviceSource) Destroy(_ context.Context, b gpu.Buffer, _ uint64) error {
	return s.dev.DestroyBuffer(b)
}

// Available reports whether calls can run.
func (g *GPU) Available() bool { return g != nil && g.device != nil }

// Pool returns the buffer pool, nil without a device.
func (g *GPU) Pool() *pool.Pool[gpu.Buffer] {
	if g == nil {
		return nil
	}
	return g.pool
}

// Pipelines returns the number of compiled pipelines held.
func (g *GPU) Pipelines() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pipelines)
}

// pipeline returns the compiled pipeline for shader, building it once.
func (g *GPU) pipeline(shader string) (gpu.Pipeline, error) {
	g.mu.Lock()
	p, ok := g.pipelines[shader]
	g.mu.Unlock()
	if ok {
		return p, nil
	}

	v, err, _ := g.builds.Do(shader, func() (any, error) {
		g.mu.Lock()
		if p, ok := g.pipelines[shader]; ok {
			g.mu.Unlock()
			return p, nil
		}
		g.mu.Unlock()

		s, ok := gpu.LookupShader(shader)
		if !ok {
			return nil, fmt.Errorf("unknown shader %q", shader)
		}
		p, err := g.device.CreatePipeline(s.Name, s.Source(g.cfg.WorkgroupSize), s.Entry)
		if err != nil {
			return nil, err
		}
		metrics.GPUPipelinesBuilt.Inc()
		g.log.Debug("pipeline built", zap.String("shader", shader), zap.Uint32("workgroup_size", g.cfg.WorkgroupSize))

		g.mu.Lock()
		g.pipelines[shader] = p
		g.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(gpu.Pipeline), nil
}

// Close destroys the compiled pipelines.
func (g *GPU) Close() {
	if !g.Available() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, p := range g.pipelines {
		g.device.DestroyPipeline(p)
		delete(g.pipelines, name)
	}
}

type gpuHandle struct {
	buf  gpu.Buffer
	size uint64
	tag  string
}

// GPUScope is the buffer scope of one call.
type GPUScope struct {
	ctx     context.Context
	fw      *GPU
	op      string
	handles []gpuHandle
}

func (s *GPUScope) alloc(size uint64, tag string) (gpu.Buffer, error) {
	size = gpu.AlignSize(max(size, 4))
	b, err := s.fw.pool.Allocate(s.ctx, size, tag)
	if err != nil {
		return nil, allocationFailed(s.op, size, err)
	}
	s.handles = append(s.handles, gpuHandle{buf: b, size: size, tag: tag})
	return b, nil
}

// Storage allocates a storage buffer holding data.
func (s *GPUScope) Storage(data []byte) (gpu.Buffer, error) {
	b, err := s.alloc(uint64(len(data)), gpu.TagStorage)
	if err != nil {
		return nil, err
	}
	return b, s.fw.device.WriteBuffer(b, 0, data)
}

// Output allocates a storage buffer of size bytes for results.
func (s *GPUScope) Output(size uint64) (gpu.Buffer, error) {
	return s.alloc(size, gpu.TagStorage)
}

// Uniform allocates a uniform buffer holding values.
func (s *GPUScope) Uniform(values ...uint32) (gpu.Buffer, error) {
	data := gpu.Uint32sToBytes(values...)
	b, err := s.alloc(uint64(len(data)), gpu.TagUniform)
	if err != nil {
		return nil, err
	}
	return b, s.fw.device.WriteBuffer(b, 0, data)
}

// Read copies size bytes of b back to the host.
func (s *GPUScope) Read(b gpu.Buffer, size uint64) ([]byte, error) {
	return s.fw.device.ReadBuffer(s.ctx, b, 0, size)
}

// Outstanding is the number of buffers the scope still holds.
func (s *GPUScope) Outstanding() int { return len(s.handles) }

func (s *GPUScope) release() error {
	var errs []error
	for _, h := range s.handles {
		if err := s.fw.pool.Deallocate(s.ctx, h.buf, h.size, h.tag); err != nil {
			errs = append(errs, err)
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}

// GPUCall describes one shader dispatch.
type GPUCall[T any] struct {
	// Shader names one of the shipped shaders; it also names the call.
	Shader string
	// Fingerprint lists the inputs that determine the result. Nil disables caching.
	Fingerprint []any
	// Grid is the number of shader invocations along x, y and z. Zero counts
	// as one.
	Grid [3]uint32
	// Setup allocates and fills buffers and returns them in binding order.
	Setup func(s *GPUScope) ([]gpu.Buffer, error)
	// Read copies results back to a plain value.
	Read func(s *GPUScope, bindings []gpu.Buffer) (T, error)
}

// RunGPU executes call on fw. Without a device it fails with GpuUnavailable
// before any allocation.
func RunGPU[T any](ctx context.Context, fw *GPU, call GPUCall[T]) (out T, err error) {
	op := call.Shader
	if !fw.Available() {
		return out, rterr.GpuUnavailable(op)
	}
	start := time.Now()
	backend := fw.device.Info().Backend

	fp, cached, ok := lookup[T](fw.results, op, call.Fingerprint, fw.log)
	if ok {
		observe(op, backend, outcomeCached, start)
		return cached, nil
	}

	tile := gpu.Tile(fw.cfg.WorkgroupSize)
	var groups [3]uint32
	for i := range groups {
		groups[i] = gpu.Workgroups(call.Grid[i], tile[i])
		if groups[i] > gpu.MaxWorkgroupsPerDimension {
			return out, fmt.Errorf("%s: %d invocations on axis %d exceed the dispatch limit", op, call.Grid[i], i)
		}
	}

	p, err := fw.pipeline(call.Shader)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}

	scope := &GPUScope{ctx: ctx, fw: fw, op: op}
	defer func() {
		err = finish(fw.log, op, err, scope.release())
		outcome := outcomeOK
		if err != nil {
			outcome = outcomeError
		}
		observe(op, backend, outcome, start)
	}()

	bindings, err := call.Setup(scope)
	if err != nil {
		return out, err
	}
	if err = fw.device.Dispatch(ctx, p, bindings, groups); err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}
	if out, err = call.Read(scope, bindings); err != nil {
		return out, fmt.Errorf("%s: read result: %w", op, err)
	}
	store(fw.results, fp, out, fw.cfg.MaxFingerprintBytes)
	return out, nil
}
