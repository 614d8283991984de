// Package gpu abstracts the compute device behind the GPU execution framework.
//
// A Device exposes buffers, compiled compute pipelines and dispatch. Two
// devices ship with the package: a WebGPU device (build tag webgpu) and a
// CPU device that emulates the shipped pipelines for hosts without a GPU
// and for tests.
package gpu

import (
	"context"
	"errors"
)

// ErrNoAdapter is returned when no GPU adapter can be acquired.
var ErrNoAdapter = errors.New("no gpu adapter available")

// DeviceInfo describes an opened device.
type DeviceInfo struct {
	Name          string `json:"name"`
	Backend       string `json:"backend"`
	Vendor        string `json:"vendor,omitempty"`
	DriverVersion string `json:"driverVersion,omitempty"`
	MaxBufferSize uint64 `json:"maxBufferSize"`
	Emulated      bool   `json:"emulated"`
}

// Usage is a bitmask of buffer usages.
type Usage uint32

const (
	UsageStorage Usage = 1 << iota
	UsageUniform
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

// Buffer tags used as pool keys. Buffers with the same tag are interchangeable.
const (
	TagStorage = "storage"
	TagUniform = "uniform"
)

// UsageForTag returns the usage flags buffers with tag are created with.
func UsageForTag(tag string) Usage {
	if tag == TagUniform {
		return UsageUniform | UsageCopyDst
	}
	return UsageStorage | UsageCopySrc | UsageCopyDst
}

// Buffer is a device buffer handle.
type Buffer interface {
	Size() uint64
}

// Pipeline is a compiled compute pipeline.
type Pipeline interface {
	Name() string
}

// Device is an opened compute device.
//
// Implementations must be safe for concurrent use. Every buffer and pipeline
// created through a Device must be destroyed through the same Device before
// Release.
type Device interface {
	Info() DeviceInfo

	CreateBuffer(size uint64, usage Usage) (Buffer, error)
	DestroyBuffer(b Buffer) error
	WriteBuffer(b Buffer, offset uint64, data []byte) error
	// ReadBuffer copies size bytes back to the host, waiting for queued work.
	ReadBuffer(ctx context.Context, b Buffer, offset, size uint64) ([]byte, error)

	// CreatePipeline compiles WGSL source and returns a pipeline for entry.
	CreatePipeline(name, source, entry string) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	// Dispatch binds buffers to group 0 in order and runs groups workgroups.
	Dispatch(ctx context.Context, p Pipeline, bindings []Buffer, groups [3]uint32) error

	Release() error
}

// Support is the result of a lightweight adapter probe.
type Support struct {
	Compute bool   `json:"compute"`
	Raster  bool   `json:"raster"`
	Adapter string `json:"adapter,omitempty"`
}

// Opener acquires devices. Probe must not keep any device open.
type Opener interface {
	Probe(ctx context.Context) (Support, error)
	Open(ctx context.Context) (Device, error)
}
