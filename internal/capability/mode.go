package capability

// Mode is the ranked tier of backends available together.
type Mode string

const (
	ModeGPULinear    Mode = "gpu+linear"
	ModeRasterLinear Mode = "accelerated-raster+linear"
	ModeLinearOnly   Mode = "linear-only"
	ModePureSoftware Mode = "pure-software"
)

// Modes returns every mode, best first.
func Modes() []Mode {
	return []Mode{ModeGPULinear, ModeRasterLinear, ModeLinearOnly, ModePureSoftware}
}

// Rank orders modes; lower is better. Unknown modes rank last.
func (m Mode) Rank() int {
	for i, mode := range Modes() {
		if m == mode {
			return i
		}
	}
	return len(Modes())
}

// Better reports whether m ranks above other.
func (m Mode) Better(other Mode) bool {
	return m.Rank() < other.Rank()
}

// HasGPU reports whether m includes GPU compute.
func (m Mode) HasGPU() bool {
	return m == ModeGPULinear
}

// SelectMode derives the best mode the flags in r allow.
func SelectMode(r Report) Mode {
	switch {
	case r.GPUCompute && r.LinearMemoryRuntime:
		return ModeGPULinear
	case r.GPURaster && r.LinearMemoryRuntime:
		return ModeRasterLinear
	case r.LinearMemoryRuntime:
		return ModeLinearOnly
	default:
		return ModePureSoftware
	}
}

// ModeNames returns Modes as strings.
func ModeNames() []string {
	modes := Modes()
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return names
}
