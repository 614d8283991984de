package linear

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/kernels"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
)

// ErrNoModule is returned by LoadFile when no module path is configured.
var ErrNoModule = errors.New("no kernel module configured")

// Options configures LoadModule.
type Options struct {
	// Name of the instantiated module. Defaults to "kernels".
	Name string
	// MemoryLimitPages caps the module memory in 64KiB pages. 0 keeps the wazero default.
	MemoryLimitPages uint32
	Logger           *zap.Logger
}

// LoadFile reads a compiled kernel module from path and loads it.
func LoadFile(ctx context.Context, path string, opts Options) (*Backend, error) {
	if path == "" {
		return nil, ErrNoModule
	}
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kernel module: %w", err)
	}
	return LoadModule(ctx, wasm, opts)
}

// LoadModule compiles and instantiates a kernel module and binds every
// exported entry point whose name and arity match a known op. Missing
// exports are left unbound; completeness is checked by the caller.
//
// Allocation uses the module's own alloc/dealloc exports when both are
// present. Otherwise a host arena manages memory above __heap_base, or above
// the module's initial memory when that global is not exported.
func LoadModule(ctx context.Context, wasm []byte, opts Options) (*Backend, error) {
	log := logger.OrNop(opts.Logger)
	name := opts.Name
	if name == "" {
		name = "kernels"
	}

	cfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compile kernel module: %w", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiate kernel module: %w", err)
	}

	if mod.Memory() == nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("kernel module %q has no linear memory", name)
	}
	mem := &wasmMemory{mem: mod.Memory()}

	// wazero functions are not safe for concurrent calls on one instance.
	mu := &sync.Mutex{}

	set := &kernels.Set{}
	for _, op := range kernels.Ops() {
		fn := mod.ExportedFunction(op.String())
		if fn == nil {
			continue
		}
		def := fn.Definition()
		if len(def.ParamTypes()) != op.Params() || len(def.ResultTypes()) != op.Results() {
			log.Warn("kernel export has unexpected signature, ignoring",
				zap.String("op", op.String()),
				zap.Int("params", len(def.ParamTypes())),
				zap.Int("results", len(def.ResultTypes())))
			continue
		}
		set.Bind(op, func(ctx context.Context, args ...uint64) ([]uint64, error) {
			mu.Lock()
			defer mu.Unlock()
			return fn.Call(ctx, args...)
		})
	}

	var alloc Allocator
	if a, d := mod.ExportedFunction("alloc"), mod.ExportedFunction("dealloc"); a != nil && d != nil {
		alloc = &guestAllocator{alloc: a, dealloc: d, mu: mu}
	} else {
		base := mem.Size()
		if g := mod.ExportedGlobal("__heap_base"); g != nil {
			base = uint32(g.Get())
		}
		alloc = NewArena(mem, base)
	}

	log.Debug("kernel module loaded",
		zap.String("module", name),
		zap.Uint32("memory_bytes", mem.Size()),
		zap.Strings("missing", kernels.Names(set.Missing(kernels.Ops()))))

	return &Backend{
		Name:      name,
		Memory:    mem,
		Allocator: alloc,
		Kernels:   set,
		closer:    rt.Close,
	}, nil
}

// guestAllocator delegates to the module's alloc(size) -> ptr and
// dealloc(ptr, size) exports.
type guestAllocator struct {
	alloc   api.Function
	dealloc api.Function
	mu      *sync.Mutex
}

func (g *guestAllocator) Alloc(ctx context.Context, size uint32) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.alloc.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}
	if len(res) == 0 || api.DecodeU32(res[0]) == 0 {
		return 0, fmt.Errorf("%w: guest alloc(%d) returned null", ErrOutOfMemory, size)
	}
	return api.DecodeU32(res[0]), nil
}

func (g *guestAllocator) Free(ctx context.Context, ptr, size uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.dealloc.Call(ctx, api.EncodeU32(ptr), api.EncodeU32(size))
	return err
}
