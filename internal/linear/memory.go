package linear

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// PageSize is the size of one linear-memory page.
const PageSize = 65536

// Memory is a raw linear-memory accessor. Reads return copies so callers
// never hold a view into memory that a later call may reuse.
type Memory interface {
	Size() uint32
	Grow(deltaPages uint32) (previousPages uint32, ok bool)
	Read(offset, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
}

// ReadF32s reads n little-endian float32 values starting at offset.
func ReadF32s(m Memory, offset, n uint32) ([]float32, error) {
	raw, err := m.Read(offset, n*4)
	if err != nil {
		return nil, err
	}
	return BytesToF32s(raw), nil
}

// WriteF32s writes values as little-endian float32 starting at offset.
func WriteF32s(m Memory, offset uint32, values []float32) error {
	return m.Write(offset, F32sToBytes(values))
}

// F32sToBytes encodes values as little-endian float32.
func F32sToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

// BytesToF32s decodes little-endian float32 values; a trailing partial word is ignored.
func BytesToF32s(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// wasmMemory adapts a wazero module memory.
type wasmMemory struct {
	mem api.Memory
}

func (m *wasmMemory) Size() uint32 { return m.mem.Size() }

func (m *wasmMemory) Grow(deltaPages uint32) (uint32, bool) {
	return m.mem.Grow(deltaPages)
}

func (m *wasmMemory) Read(offset, length uint32) ([]byte, error) {
	view, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("read [%d, +%d) out of range (size %d)", offset, length, m.mem.Size())
	}
	return bytes.Clone(view), nil
}

func (m *wasmMemory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("write [%d, +%d) out of range (size %d)", offset, len(data), m.mem.Size())
	}
	return nil
}

// softMemory is a growable byte slice with page semantics.
type softMemory struct {
	mu       sync.RWMutex
	buf      []byte
	maxPages uint32
}

func newSoftMemory(pages, maxPages uint32) *softMemory {
	if maxPages < pages {
		maxPages = pages
	}
	return &softMemory{
		buf:      make([]byte, int(pages)*PageSize),
		maxPages: maxPages,
	}
}

func (m *softMemory) Size() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.buf))
}

func (m *softMemory) Grow(deltaPages uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := uint32(len(m.buf) / PageSize)
	if m.maxPages > 0 && prev+deltaPages > m.maxPages {
		return prev, false
	}
	m.buf = append(m.buf, make([]byte, int(deltaPages)*PageSize)...)
	return prev, true
}

func (m *softMemory) Read(offset, length uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	end := uint64(offset) + uint64(length)
	if end > uint64(len(m.buf)) {
		return nil, fmt.Errorf("read [%d, +%d) out of range (size %d)", offset, length, len(m.buf))
	}
	return bytes.Clone(m.buf[offset:end]), nil
}

func (m *softMemory) Write(offset uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(m.buf)) {
		return fmt.Errorf("write [%d, +%d) out of range (size %d)", offset, len(data), len(m.buf))
	}
	copy(m.buf[offset:end], data)
	return nil
}
