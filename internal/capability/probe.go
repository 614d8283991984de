// Package capability inspects the host for compute backend support and ranks
// the execution mode the runtime can offer.
package capability

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/gpu"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

// Flag names used in Report.Degraded.
const (
	FlagGPU           = "gpuCompute"
	FlagLinear        = "linearMemoryRuntime"
	FlagSharedMemory  = "sharedMemory"
	FlagWorkerThreads = "workerThreads"
)

var (
	// minimalModule is the smallest valid module: magic and version only.
	minimalModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// sharedMemoryModule declares one shared memory of one page.
	sharedMemoryModule = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x05, 0x04, 0x01, 0x03, 0x01, 0x01,
	}
)

// GPUProber reports adapter support without keeping a device open.
// gpu.Opener implementations satisfy it.
type GPUProber interface {
	Probe(ctx context.Context) (gpu.Support, error)
}

// Report is the outcome of one detection run.
type Report struct {
	GPUCompute          bool      `json:"gpuCompute"`
	GPURaster           bool      `json:"gpuRaster"`
	LinearMemoryRuntime bool      `json:"linearMemoryRuntime"`
	SharedMemory        bool      `json:"sharedMemory"`
	WorkerThreads       bool      `json:"workerThreads"`
	BrowserFamily       bool      `json:"browserFamily"`
	HostOS              string    `json:"hostOS"`
	HostArch            string    `json:"hostArch"`
	GPUAdapter          string    `json:"gpuAdapter,omitempty"`
	Mode                Mode      `json:"mode"`
	Degraded            []string  `json:"degraded,omitempty"`
	DetectedAt          time.Time `json:"detectedAt"`
}

// Conservative returns the report used when detection cannot run at all.
func Conservative() Report {
	return Report{
		HostOS:     runtime.GOOS,
		HostArch:   runtime.GOARCH,
		Mode:       ModePureSoftware,
		DetectedAt: time.Now(),
	}
}

// Downgrade returns a copy of r without GPU support.
func (r Report) Downgrade() Report {
	r.GPUCompute = false
	r.GPURaster = false
	r.GPUAdapter = ""
	r.Degraded = append(slices.Clone(r.Degraded), FlagGPU)
	r.Mode = SelectMode(r)
	return r
}

// Probe runs capability detection.
type Probe struct {
	gpu GPUProber
	log *zap.Logger
}

// NewProbe returns a Probe. A nil prober reports no GPU.
func NewProbe(prober GPUProber, log *zap.Logger) *Probe {
	return &Probe{gpu: prober, log: logger.OrNop(log).Named("probe")}
}

// Detect queries each capability in isolation. A failing or panicking query
// only clears its own flag. An error is returned, together with the
// conservative report, only when detection cannot run at all.
func (p *Probe) Detect(ctx context.Context) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Conservative(), rterr.DetectionDegraded("environment", err)
	}

	r := Report{
		HostOS:        runtime.GOOS,
		HostArch:      runtime.GOARCH,
		BrowserFamily: runtime.GOOS == "js" || runtime.GOOS == "wasip1",
		DetectedAt:    time.Now(),
	}

	r.LinearMemoryRuntime = p.query(&r, FlagLinear, func() (bool, error) {
		return compiles(ctx, minimalModule, api.CoreFeaturesV2)
	})
	r.SharedMemory = p.query(&r, FlagSharedMemory, func() (bool, error) {
		return compiles(ctx, sharedMemoryModule, api.CoreFeaturesV2|experimental.CoreFeaturesThreads)
	})
	r.WorkerThreads = p.query(&r, FlagWorkerThreads, func() (bool, error) {
		return runtime.NumCPU() > 1, nil
	})

	if p.gpu != nil {
		var support gpu.Support
		p.query(&r, FlagGPU, func() (bool, error) {
			var err error
			support, err = p.gpu.Probe(ctx)
			return err == nil, err
		})
		r.GPUCompute = support.Compute
		r.GPURaster = support.Raster
		r.GPUAdapter = support.Adapter
	}

	r.Mode = SelectMode(r)
	p.log.Debug("capabilities detected",
		zap.String("mode", string(r.Mode)),
		zap.Bool("gpu_compute", r.GPUCompute),
		zap.Bool("linear", r.LinearMemoryRuntime),
		zap.Bool("shared_memory", r.SharedMemory),
		zap.Strings("degraded", r.Degraded))
	return r, nil
}

// query runs fn, turning an error or panic into a degraded flag.
func (p *Probe) query(r *Report, flag string, fn func() (bool, error)) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.degrade(r, flag, fmt.Errorf("panic: %v", rec))
			ok = false
		}
	}()
	ok, err := fn()
	if err != nil {
		p.degrade(r, flag, err)
		return false
	}
	return ok
}

func (p *Probe) degrade(r *Report, flag string, cause error) {
	r.Degraded = append(r.Degraded, flag)
	p.log.Warn("capability query failed", zap.Error(rterr.DetectionDegraded(flag, cause)))
}

// compiles reports whether a wazero runtime with features accepts wasm.
func compiles(ctx context.Context, wasm []byte, features api.CoreFeatures) (bool, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCoreFeatures(features))
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return false, err
	}
	return true, compiled.Close(ctx)
}
