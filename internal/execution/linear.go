package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/kernels"
	"github.com/fxnlabs/adaptive-compute/internal/linear"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/pool"
)

// Config tunes both frameworks.
type Config struct {
	// MaxFingerprintBytes is the caching threshold on serialized inputs.
	MaxFingerprintBytes int
	// WorkgroupSize is substituted into GPU shaders and used to size dispatches.
	WorkgroupSize uint32
}

func (c Config) withDefaults() Config {
	if c.MaxFingerprintBytes <= 0 {
		c.MaxFingerprintBytes = DefaultMaxFingerprintBytes
	}
	if c.WorkgroupSize == 0 {
		c.WorkgroupSize = 64
	}
	return c
}

// Linear executes kernels of a linear-memory backend. Calls are serialized:
// a backend instance runs one kernel at a time.
type Linear struct {
	backend *linear.Backend
	pool    *pool.Pool[uint32]
	results *Results
	cfg     Config
	log     *zap.Logger

	mu sync.Mutex
}

// NewLinear wires a backend, its memory pool and the shared result cache.
// A nil pool allocates directly from the backend; a nil cache disables caching.
func NewLinear(backend *linear.Backend, p *pool.Pool[uint32], results *Results, cfg Config, log *zap.Logger) *Linear {
	log = logger.OrNop(log).Named("exec")
	if p == nil {
		p = pool.New[uint32]("linear", backend, pool.Config{Passthrough: true}, log)
	}
	return &Linear{
		backend: backend,
		pool:    p,
		results: results,
		cfg:     cfg.withDefaults(),
		log:     log,
	}
}

// Backend returns the bound backend.
func (l *Linear) Backend() *linear.Backend { return l.backend }

// Pool returns the memory pool allocations go through.
func (l *Linear) Pool() *pool.Pool[uint32] { return l.pool }

type linearHandle struct {
	ptr  uint32
	size uint64
}

// LinearScope is the allocation scope of one call.
type LinearScope struct {
	ctx     context.Context
	fw      *Linear
	op      kernels.Op
	handles []linearHandle
}

// Alloc reserves size bytes of linear memory for the rest of the call.
func (s *LinearScope) Alloc(size uint64) (uint32, error) {
	if size == 0 {
		size = linear.Alignment
	}
	ptr, err := s.fw.pool.Allocate(s.ctx, size, "")
	if err != nil {
		return 0, allocationFailed(s.op.String(), size, err)
	}
	s.handles = append(s.handles, linearHandle{ptr: ptr, size: size})
	return ptr, nil
}

// F32s allocates room for values and copies them in.
func (s *LinearScope) F32s(values []float32) (uint32, error) {
	ptr, err := s.Alloc(uint64(len(values)) * 4)
	if err != nil {
		return 0, err
	}
	return ptr, linear.WriteF32s(s.fw.backend.Memory, ptr, values)
}

// Bytes allocates room for data and copies it in.
func (s *LinearScope) Bytes(data []byte) (uint32, error) {
	ptr, err := s.Alloc(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	return ptr, s.fw.backend.Memory.Write(ptr, data)
}

// ReadF32s reads n float32 values at ptr.
func (s *LinearScope) ReadF32s(ptr uint32, n int) ([]float32, error) {
	return linear.ReadF32s(s.fw.backend.Memory, ptr, uint32(n))
}

// ReadBytes reads n bytes at ptr.
func (s *LinearScope) ReadBytes(ptr uint32, n int) ([]byte, error) {
	return s.fw.backend.Memory.Read(ptr, uint32(n))
}

// Outstanding is the number of handles the scope still holds.
func (s *LinearScope) Outstanding() int { return len(s.handles) }

func (s *LinearScope) release() error {
	var errs []error
	for _, h := range s.handles {
		if err := s.fw.pool.Deallocate(s.ctx, h.ptr, h.size, ""); err != nil {
			errs = append(errs, err)
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}

// LinearCall describes one kernel invocation.
type LinearCall[T any] struct {
	Op kernels.Op
	// Fingerprint lists the inputs that determine the result. Nil disables caching.
	Fingerprint []any
	// Setup allocates and fills inputs and returns the kernel arguments.
	Setup func(s *LinearScope) ([]uint64, error)
	// Read turns the kernel results and memory into a plain value.
	Read func(s *LinearScope, args, results []uint64) (T, error)
}

// RunLinear executes call on fw.
func RunLinear[T any](ctx context.Context, fw *Linear, call LinearCall[T]) (out T, err error) {
	op := call.Op.String()
	start := time.Now()
	backend := fw.backend.Name

	fp, cached, ok := lookup[T](fw.results, op, call.Fingerprint, fw.log)
	if ok {
		observe(op, backend, outcomeCached, start)
		return cached, nil
	}

	fn, ok := fw.backend.Lookup(call.Op)
	if !ok {
		return out, fmt.Errorf("%s: entry point not bound on %s backend", op, backend)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	scope := &LinearScope{ctx: ctx, fw: fw, op: call.Op}
	defer func() {
		err = finish(fw.log, op, err, scope.release())
		outcome := outcomeOK
		if err != nil {
			outcome = outcomeError
		}
		observe(op, backend, outcome, start)
	}()

	var args []uint64
	if call.Setup != nil {
		if args, err = call.Setup(scope); err != nil {
			return out, err
		}
	}
	if len(args) != call.Op.Params() {
		return out, fmt.Errorf("%s: expected %d arguments, got %d", op, call.Op.Params(), len(args))
	}

	results, err := fn(ctx, args...)
	if err != nil {
		return out, fmt.Errorf("%s: %w", op, err)
	}

	if call.Read != nil {
		if out, err = call.Read(scope, args, results); err != nil {
			return out, fmt.Errorf("%s: read result: %w", op, err)
		}
	}
	store(fw.results, fp, out, fw.cfg.MaxFingerprintBytes)
	return out, nil
}
