package gpu

import (
	"encoding/binary"
	"math"
)

// MaxWorkgroupsPerDimension is the WebGPU default limit on dispatch size per axis.
const MaxWorkgroupsPerDimension = 65535

// Workgroups returns ceil(n / size), the number of workgroups needed to cover
// n invocations along one axis. It is at least 1.
func Workgroups(n, size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	if n == 0 {
		return 1
	}
	return (n + size - 1) / size
}

// Tile splits a workgroup of size invocations into an x*y tile for shaders
// indexed by gid.x and gid.y. x is the largest power of two with x*x <= size.
func Tile(size uint32) [3]uint32 {
	if size == 0 {
		size = 1
	}
	x := uint32(1)
	for (x*2)*(x*2) <= size {
		x *= 2
	}
	return [3]uint32{x, size / x, 1}
}

// AlignSize rounds n up to a multiple of 16, the alignment uniform and
// storage bindings require.
func AlignSize(n uint64) uint64 {
	return (n + 15) &^ 15
}

// Float32sToBytes encodes values as little-endian float32.
func Float32sToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// BytesToFloat32s decodes little-endian float32 values.
func BytesToFloat32s(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// Uint32sToBytes encodes values as little-endian uint32, padded to a
// multiple of 16 bytes for use as a uniform block.
func Uint32sToBytes(values ...uint32) []byte {
	out := make([]byte, AlignSize(uint64(len(values)*4)))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}
