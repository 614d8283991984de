package gpu

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingOpener struct {
	dev Device
	err error
}

func (o failingOpener) Probe(context.Context) (Support, error) { return Support{}, o.err }

func (o failingOpener) Open(context.Context) (Device, error) { return o.dev, o.err }

// brokenDevice fails every buffer creation.
type brokenDevice struct {
	*CPUDevice
	released bool
}

func (d *brokenDevice) CreateBuffer(uint64, Usage) (Buffer, error) {
	return nil, errors.New("out of device memory")
}

func (d *brokenDevice) Release() error {
	d.released = true
	return d.CPUDevice.Release()
}

func TestManager_EmulatedDevice(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, EmulatedOpener{}, nil)
	require.NoError(t, err)

	assert.True(t, m.IsAvailable())
	assert.True(t, m.Info().Emulated)

	cpu := m.Device().(*CPUDevice)
	assert.Equal(t, 0, cpu.LiveBuffers(), "smoke test buffer must be destroyed")

	b, err := m.Create(ctx, 64, TagStorage)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), b.Size())
	require.NoError(t, m.Destroy(ctx, b, 64))

	require.NoError(t, m.Cleanup())
	require.NoError(t, m.Cleanup())
	assert.False(t, m.IsAvailable())
	assert.Equal(t, "No device available", m.Info().Name)

	_, err = m.Create(ctx, 64, TagStorage)
	assert.ErrorIs(t, err, ErrNoAdapter)
	assert.NoError(t, m.Destroy(ctx, b, 64))
}

func TestManager_OpenFailure(t *testing.T) {
	_, err := NewManager(context.Background(), failingOpener{err: ErrNoAdapter}, nil)
	assert.ErrorIs(t, err, ErrNoAdapter)

	_, err = NewManager(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestManager_SmokeTestFailureReleasesDevice(t *testing.T) {
	dev := &brokenDevice{CPUDevice: NewCPUDevice(nil)}
	_, err := NewManager(context.Background(), failingOpener{dev: dev}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smoke test")
	assert.True(t, dev.released)
}

func TestNewOpener_WithoutWebGPU(t *testing.T) {
	o := NewOpener(nil)
	if _, err := o.Probe(context.Background()); err == nil {
		t.Skip("webgpu adapter present")
	}
	_, err := o.Open(context.Background())
	assert.Error(t, err)
}

func TestNilManager(t *testing.T) {
	var m *Manager
	assert.False(t, m.IsAvailable())
	assert.NoError(t, m.Cleanup())
}
