package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Engine struct {
		MaxAttempts int           `yaml:"maxAttempts"`
		BaseDelay   time.Duration `yaml:"baseDelay"`
		StrictGPU   bool          `yaml:"strictGPU"`
	} `yaml:"engine"`
	Cache struct {
		MaxEntries          int `yaml:"maxEntries"`
		MaxFingerprintBytes int `yaml:"maxFingerprintBytes"`
	} `yaml:"cache"`
	Pool struct {
		MaxDepth int  `yaml:"maxDepth"`
		Disabled bool `yaml:"disabled"`
	} `yaml:"pool"`
	Linear struct {
		ModulePath          string `yaml:"modulePath"`
		MemoryLimitPages    uint32 `yaml:"memoryLimitPages"`
		SoftwareMemoryPages uint32 `yaml:"softwareMemoryPages"`
	} `yaml:"linear"`
	GPU struct {
		// Enabled is a pointer so an explicit false survives ApplyDefaults.
		Enabled       *bool  `yaml:"enabled"`
		Emulate       bool   `yaml:"emulate"`
		WorkgroupSize uint32 `yaml:"workgroupSize"`
	} `yaml:"gpu"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns a config with every value set to its default.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults replaces zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Logger.Encoding == "" {
		c.Logger.Encoding = "json"
	}
	if c.Engine.MaxAttempts <= 0 {
		c.Engine.MaxAttempts = 3
	}
	if c.Engine.BaseDelay <= 0 {
		c.Engine.BaseDelay = 100 * time.Millisecond
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 50
	}
	if c.Cache.MaxFingerprintBytes <= 0 {
		c.Cache.MaxFingerprintBytes = 4096
	}
	if c.Pool.MaxDepth == 0 {
		c.Pool.MaxDepth = 8
	}
	if c.Linear.MemoryLimitPages == 0 {
		c.Linear.MemoryLimitPages = 256
	}
	if c.Linear.SoftwareMemoryPages == 0 {
		c.Linear.SoftwareMemoryPages = 16
	}
	if c.GPU.Enabled == nil {
		enabled := true
		c.GPU.Enabled = &enabled
	}
	if c.GPU.WorkgroupSize == 0 {
		c.GPU.WorkgroupSize = 64
	}
	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
}

// GPUEnabled reports whether GPU detection should run.
func (c *Config) GPUEnabled() bool {
	return c.GPU.Enabled == nil || *c.GPU.Enabled
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}
