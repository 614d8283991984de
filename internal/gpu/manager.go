package gpu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/adaptive-compute/internal/logger"
)

// smokeTestSize is the size of the buffer created to verify a fresh device.
const smokeTestSize = 16

// Manager owns one opened device and its release.
type Manager struct {
	log *zap.Logger

	mu     sync.RWMutex
	device Device
}

// NewManager opens a device through opener and verifies it can create,
// write and destroy a buffer. On failure the device is released again.
func NewManager(ctx context.Context, opener Opener, log *zap.Logger) (*Manager, error) {
	log = logger.OrNop(log).Named("gpu")
	if opener == nil {
		return nil, ErrNoAdapter
	}

	dev, err := opener.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	if err := smokeTest(dev); err != nil {
		return nil, errors.Join(fmt.Errorf("device smoke test: %w", err), dev.Release())
	}

	info := dev.Info()
	log.Info("gpu device ready",
		zap.String("name", info.Name),
		zap.String("backend", info.Backend),
		zap.Bool("emulated", info.Emulated))

	return &Manager{log: log, device: dev}, nil
}

func smokeTest(dev Device) error {
	b, err := dev.CreateBuffer(smokeTestSize, UsageForTag(TagStorage))
	if err != nil {
		return err
	}
	werr := dev.WriteBuffer(b, 0, make([]byte, smokeTestSize))
	return errors.Join(werr, dev.DestroyBuffer(b))
}

// Device returns the opened device, or nil after Cleanup.
func (m *Manager) Device() Device {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// IsAvailable reports whether a device is open.
func (m *Manager) IsAvailable() bool {
	return m.Device() != nil
}

// Info returns information about the open device.
func (m *Manager) Info() DeviceInfo {
	dev := m.Device()
	if dev == nil {
		return DeviceInfo{Name: "No device available"}
	}
	return dev.Info()
}

// Create allocates a buffer for tag. It lets a Manager serve as the source
// of a buffer pool.
func (m *Manager) Create(_ context.Context, size uint64, tag string) (Buffer, error) {
	dev := m.Device()
	if dev == nil {
		return nil, ErrNoAdapter
	}
	return dev.CreateBuffer(size, UsageForTag(tag))
}

// Destroy releases a buffer returned by Create.
func (m *Manager) Destroy(_ context.Context, b Buffer, _ uint64) error {
	dev := m.Device()
	if dev == nil {
		// the device and every buffer on it are already gone
		return nil
	}
	return dev.DestroyBuffer(b)
}

// Cleanup releases the device. Safe to call more than once.
func (m *Manager) Cleanup() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil
	}
	err := m.device.Release()
	m.device = nil
	if err != nil {
		return fmt.Errorf("release device: %w", err)
	}
	m.log.Debug("gpu device released")
	return nil
}

// EmulatedOpener opens CPU devices.
type EmulatedOpener struct {
	Log *zap.Logger
}

func (o EmulatedOpener) Probe(context.Context) (Support, error) {
	return Support{Compute: true, Adapter: "cpu-emulated"}, nil
}

func (o EmulatedOpener) Open(context.Context) (Device, error) {
	return NewCPUDevice(o.Log), nil
}
