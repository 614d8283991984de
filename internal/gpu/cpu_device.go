package gpu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/logger"
)

// ErrDeviceReleased is returned by calls on a released device.
var ErrDeviceReleased = errors.New("device released")

type cpuBuffer struct {
	data  []byte
	usage Usage
}

func (b *cpuBuffer) Size() uint64 { return uint64(len(b.data)) }

// emulation runs a shader over grid, the invocation count per axis.
type emulation func(bindings [][]byte, grid [3]uint64) error

type cpuPipeline struct {
	name     string
	wg       [3]uint32
	bindings int
	run      emulation
}

func (p *cpuPipeline) Name() string { return p.name }

var emulations = map[string]emulation{
	"mat_mul":         emulateMatMul,
	"bicubic_upscale": emulateBicubic,
}

// CPUDevice runs the shipped compute shaders on the CPU. It honours buffer
// ownership, workgroup sizing and bounds checks the way a real device does,
// so the GPU execution path can run on hosts without an adapter.
type CPUDevice struct {
	log *zap.Logger

	mu         sync.Mutex
	buffers    map[*cpuBuffer]struct{}
	pipelines  map[*cpuPipeline]struct{}
	dispatches uint64
	released   bool
}

// NewCPUDevice returns a ready CPU device.
func NewCPUDevice(log *zap.Logger) *CPUDevice {
	return &CPUDevice{
		log:       logger.OrNop(log).Named("gpu"),
		buffers:   make(map[*cpuBuffer]struct{}),
		pipelines: make(map[*cpuPipeline]struct{}),
	}
}

// Info describes the emulated device.
func (d *CPUDevice) Info() DeviceInfo {
	return DeviceInfo{
		Name:          fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		Backend:       "cpu-emulated",
		DriverVersion: runtime.Version(),
		MaxBufferSize: 1 << 30,
		Emulated:      true,
	}
}

func (d *CPUDevice) CreateBuffer(size uint64, usage Usage) (Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("create buffer: zero size")
	}
	if size > d.Info().MaxBufferSize {
		return nil, fmt.Errorf("create buffer: %d bytes exceeds device limit", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrDeviceReleased
	}
	b := &cpuBuffer{data: make([]byte, size), usage: usage}
	d.buffers[b] = struct{}{}
	return b, nil
}

// buffer resolves b to a live buffer of this device. Callers hold d.mu.
func (d *CPUDevice) buffer(b Buffer) (*cpuBuffer, error) {
	if d.released {
		return nil, ErrDeviceReleased
	}
	cb, ok := b.(*cpuBuffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T does not belong to the cpu device", b)
	}
	if _, live := d.buffers[cb]; !live {
		return nil, fmt.Errorf("buffer already destroyed")
	}
	return cb, nil
}

func (d *CPUDevice) DestroyBuffer(b Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.buffer(b)
	if err != nil {
		return err
	}
	delete(d.buffers, cb)
	return nil
}

func (d *CPUDevice) WriteBuffer(b Buffer, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.buffer(b)
	if err != nil {
		return err
	}
	if cb.usage&UsageCopyDst == 0 {
		return fmt.Errorf("write buffer: missing copy-dst usage")
	}
	if offset+uint64(len(data)) > cb.Size() {
		return fmt.Errorf("write buffer: [%d, +%d) out of range (size %d)", offset, len(data), cb.Size())
	}
	copy(cb.data[offset:], data)
	return nil
}

func (d *CPUDevice) ReadBuffer(ctx context.Context, b Buffer, offset, size uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.buffer(b)
	if err != nil {
		return nil, err
	}
	if cb.usage&UsageCopySrc == 0 {
		return nil, fmt.Errorf("read buffer: missing copy-src usage")
	}
	if offset+size > cb.Size() {
		return nil, fmt.Errorf("read buffer: [%d, +%d) out of range (size %d)", offset, size, cb.Size())
	}
	out := make([]byte, size)
	copy(out, cb.data[offset:offset+size])
	return out, nil
}

func (d *CPUDevice) CreatePipeline(name, source, entry string) (Pipeline, error) {
	run, ok := emulations[name]
	if !ok {
		return nil, fmt.Errorf("create pipeline %s: no cpu emulation", name)
	}
	if !strings.Contains(source, "fn "+entry+"(") {
		return nil, fmt.Errorf("create pipeline %s: entry point %q not found", name, entry)
	}
	wg, err := parseWorkgroupSize(source)
	if err != nil {
		return nil, fmt.Errorf("create pipeline %s: %w", name, err)
	}
	shader, _ := LookupShader(name)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil, ErrDeviceReleased
	}
	p := &cpuPipeline{name: name, wg: wg, bindings: shader.Bindings, run: run}
	d.pipelines[p] = struct{}{}
	return p, nil
}

func (d *CPUDevice) DestroyPipeline(p Pipeline) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cp, ok := p.(*cpuPipeline); ok {
		delete(d.pipelines, cp)
	}
}

func (d *CPUDevice) Dispatch(ctx context.Context, p Pipeline, bindings []Buffer, groups [3]uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return ErrDeviceReleased
	}

	cp, ok := p.(*cpuPipeline)
	if !ok {
		return fmt.Errorf("dispatch: pipeline %T does not belong to the cpu device", p)
	}
	if _, live := d.pipelines[cp]; !live {
		return fmt.Errorf("dispatch %s: pipeline destroyed", cp.name)
	}
	if len(bindings) != cp.bindings {
		return fmt.Errorf("dispatch %s: expected %d bindings, got %d", cp.name, cp.bindings, len(bindings))
	}
	for i, g := range groups {
		if g == 0 || g > MaxWorkgroupsPerDimension {
			return fmt.Errorf("dispatch %s: workgroup count %d on axis %d out of range", cp.name, g, i)
		}
	}

	data := make([][]byte, len(bindings))
	for i, b := range bindings {
		cb, err := d.buffer(b)
		if err != nil {
			return fmt.Errorf("dispatch %s: binding %d: %w", cp.name, i, err)
		}
		data[i] = cb.data
	}

	var grid [3]uint64
	for i := range groups {
		grid[i] = uint64(groups[i]) * uint64(cp.wg[i])
	}
	d.dispatches++
	return cp.run(data, grid)
}

// Release destroys every remaining buffer and pipeline.
func (d *CPUDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	if n := len(d.buffers); n > 0 {
		d.log.Warn("releasing cpu device with live buffers", zap.Int("buffers", n))
	}
	d.buffers = make(map[*cpuBuffer]struct{})
	d.pipelines = make(map[*cpuPipeline]struct{})
	d.released = true
	return nil
}

// LiveBuffers returns the number of buffers created and not yet destroyed.
func (d *CPUDevice) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// Pipelines returns the number of live pipelines.
func (d *CPUDevice) Pipelines() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pipelines)
}

// Dispatches returns the number of dispatches run.
func (d *CPUDevice) Dispatches() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatches
}

func u32At(b []byte, i int) uint32 {
	return binary.LittleEndian.Uint32(b[i*4:])
}

// emulateMatMul mirrors shaders/mat_mul.wgsl.
func emulateMatMul(b [][]byte, grid [3]uint64) error {
	a, bm, out, dims := b[0], b[1], b[2], b[3]
	m, k, n := uint64(u32At(dims, 0)), uint64(u32At(dims, 1)), uint64(u32At(dims, 2))
	if uint64(len(a)) < m*k*4 || uint64(len(bm)) < k*n*4 || uint64(len(out)) < m*n*4 {
		return fmt.Errorf("mat_mul: bindings smaller than %dx%dx%d", m, k, n)
	}

	av := BytesToFloat32s(a[:m*k*4])
	bv := BytesToFloat32s(bm[:k*n*4])
	rows, cols := min(grid[1], m), min(grid[0], n)
	acc := make([]float32, cols)
	for row := uint64(0); row < rows; row++ {
		clear(acc)
		// same summation order as the shader: l ascending per element
		for l := uint64(0); l < k; l++ {
			x := av[row*k+l]
			for col, y := range bv[l*n : l*n+cols] {
				acc[col] += x * y
			}
		}
		for col, v := range acc {
			binary.LittleEndian.PutUint32(out[(row*n+uint64(col))*4:], math.Float32bits(v))
		}
	}
	return nil
}

func cubic(x float32) float32 {
	const a = -0.5
	t := float32(math.Abs(float64(x)))
	switch {
	case t <= 1:
		return (a+2)*t*t*t - (a+3)*t*t + 1
	case t < 2:
		return a*t*t*t - 5*a*t*t + 8*a*t - 4*a
	}
	return 0
}

// emulateBicubic mirrors shaders/bicubic_upscale.wgsl.
func emulateBicubic(b [][]byte, grid [3]uint64) error {
	src, dst, dims := b[0], b[1], b[2]
	sw, sh := int(u32At(dims, 0)), int(u32At(dims, 1))
	dw, dh := int(u32At(dims, 2)), int(u32At(dims, 3))
	if sw == 0 || sh == 0 || dw == 0 || dh == 0 {
		return fmt.Errorf("bicubic_upscale: empty image %dx%d -> %dx%d", sw, sh, dw, dh)
	}
	if len(src) < sw*sh*4 || len(dst) < dw*dh*4 {
		return fmt.Errorf("bicubic_upscale: bindings smaller than %dx%d -> %dx%d", sw, sh, dw, dh)
	}

	texel := func(x, y int) [4]float32 {
		x = max(0, min(x, sw-1))
		y = max(0, min(y, sh-1))
		p := src[(y*sw+x)*4:]
		return [4]float32{float32(p[0]), float32(p[1]), float32(p[2]), float32(p[3])}
	}

	cols, rows := int(min(grid[0], uint64(dw))), int(min(grid[1], uint64(dh)))
	for idx := 0; idx < rows*cols; idx++ {
		x, y := idx%cols, idx/cols
		sx := (float32(x)+0.5)*float32(sw)/float32(dw) - 0.5
		sy := (float32(y)+0.5)*float32(sh)/float32(dh) - 0.5
		fsx, fsy := float32(math.Floor(float64(sx))), float32(math.Floor(float64(sy)))
		ix, iy := int(fsx), int(fsy)
		fx, fy := sx-fsx, sy-fsy

		var acc [4]float32
		for j := -1; j <= 2; j++ {
			wy := cubic(float32(j) - fy)
			for i := -1; i <= 2; i++ {
				w := cubic(float32(i)-fx) * wy
				t := texel(ix+i, iy+j)
				for c := range acc {
					acc[c] += t[c] * w
				}
			}
		}
		for c := range acc {
			v := math.Round(float64(acc[c]))
			dst[(y*dw+x)*4+c] = byte(max(0, min(v, 255)))
		}
	}
	return nil
}
