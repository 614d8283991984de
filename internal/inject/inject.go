// Package inject resolves named dependencies to a complete implementation,
// substituting a software fallback when the candidate is missing or does not
// provide every required operation.
package inject

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/kernels"
	"github.com/fxnlabs/adaptive-compute/internal/logger"
	"github.com/fxnlabs/adaptive-compute/internal/rterr"
)

// Implementation is anything that resolves kernel ops to entry points.
type Implementation interface {
	Lookup(op kernels.Op) (kernels.EntryPoint, bool)
}

// Factory builds a fallback implementation.
type Factory[B Implementation] func() (B, error)

// Resolution is the outcome of Inject.
type Resolution[B Implementation] struct {
	Name     string
	Backend  B
	Fallback bool
	// Missing lists the required ops the candidate did not provide.
	Missing []kernels.Op
	// Notice is the DependencyIncomplete error behind a fallback, nil otherwise.
	Notice error
}

// Injector holds candidates and fallback factories by dependency name.
type Injector[B Implementation] struct {
	mu         sync.Mutex
	candidates map[string]B
	fallbacks  map[string]Factory[B]
	log        *zap.Logger
}

// New creates an empty injector.
func New[B Implementation](log *zap.Logger) *Injector[B] {
	return &Injector[B]{
		candidates: make(map[string]B),
		fallbacks:  make(map[string]Factory[B]),
		log:        logger.OrNop(log).Named("inject"),
	}
}

// Register sets the candidate implementation for name.
func (in *Injector[B]) Register(name string, candidate B) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.candidates[name] = candidate
}

// Unregister removes the candidate for name.
func (in *Injector[B]) Unregister(name string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.candidates, name)
}

// RegisterFallback sets the factory used when the candidate for name is
// absent or incomplete.
func (in *Injector[B]) RegisterFallback(name string, f Factory[B]) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fallbacks[name] = f
}

// Inject returns the candidate for name when it resolves every op in
// required, and a freshly built fallback otherwise. An error is returned only
// when no usable fallback can be constructed.
func (in *Injector[B]) Inject(name string, required []kernels.Op) (Resolution[B], error) {
	in.mu.Lock()
	candidate, ok := in.candidates[name]
	factory := in.fallbacks[name]
	in.mu.Unlock()

	missing := required
	if ok {
		missing = missingOps(candidate, required)
		if len(missing) == 0 {
			return Resolution[B]{Name: name, Backend: candidate}, nil
		}
	}

	notice := rterr.DependencyIncomplete(name, kernels.Names(missing))
	if factory == nil {
		return Resolution[B]{Name: name, Missing: missing, Notice: notice},
			rterr.BackendInitFailed("inject", fmt.Errorf("no fallback registered for %s: %w", name, notice))
	}

	fallback, err := factory()
	if err != nil {
		return Resolution[B]{Name: name, Missing: missing, Notice: notice},
			rterr.BackendInitFailed("inject", fmt.Errorf("build fallback for %s: %w", name, err))
	}
	if still := missingOps(fallback, required); len(still) > 0 {
		return Resolution[B]{Name: name, Missing: missing, Notice: notice},
			rterr.BackendInitFailed("inject", rterr.DependencyIncomplete(name+" fallback", kernels.Names(still)))
	}

	in.log.Warn("dependency incomplete, using software fallback",
		zap.String("dependency", name),
		zap.Bool("candidate_registered", ok),
		zap.Strings("missing", kernels.Names(missing)))

	return Resolution[B]{
		Name:     name,
		Backend:  fallback,
		Fallback: true,
		Missing:  missing,
		Notice:   notice,
	}, nil
}

func missingOps(impl Implementation, required []kernels.Op) []kernels.Op {
	var missing []kernels.Op
	for _, op := range required {
		if fn, ok := impl.Lookup(op); !ok || fn == nil {
			missing = append(missing, op)
		}
	}
	return missing
}
