//go:build !webgpu

package gpu

import (
	"context"

	"go.uber.org/zap"
)

type noAdapterOpener struct{}

// NewOpener returns an Opener that never finds an adapter. Build with the
// webgpu tag to use the system WebGPU implementation.
func NewOpener(*zap.Logger) Opener {
	return noAdapterOpener{}
}

func (noAdapterOpener) Probe(context.Context) (Support, error) {
	return Support{}, ErrNoAdapter
}

func (noAdapterOpener) Open(context.Context) (Device, error) {
	return nil, ErrNoAdapter
}
