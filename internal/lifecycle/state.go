package lifecycle

import (
	"slices"
	"time"
)

// Phase is a step of the init state machine.
type Phase string

const (
	PhaseNotStarted  Phase = "not_started"
	PhaseEnvironment Phase = "environment"
	PhaseLinear      Phase = "linear"
	PhaseGPU         Phase = "gpu"
	PhaseMemory      Phase = "memory"
	PhaseValidation  Phase = "validation"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Status is the outcome of one component's phase.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSuccess  Status = "success"
	StatusFallback Status = "fallback"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// ComponentState is the state of one subsystem.
type ComponentState struct {
	Status    Status    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Components holds the state of every subsystem the manager initializes.
type Components struct {
	Environment ComponentState `json:"environment"`
	Linear      ComponentState `json:"linear"`
	GPU         ComponentState `json:"gpu"`
	Memory      ComponentState `json:"memory"`
}

func pendingComponents(now time.Time) Components {
	p := ComponentState{Status: StatusPending, UpdatedAt: now}
	return Components{Environment: p, Linear: p, GPU: p, Memory: p}
}

// Event is a warning or error recorded during init.
type Event struct {
	Phase   Phase     `json:"phase"`
	Attempt int       `json:"attempt"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// InitState is a snapshot of the init state machine.
type InitState struct {
	Phase       Phase         `json:"phase"`
	StartedAt   time.Time     `json:"startedAt,omitzero"`
	EndedAt     time.Time     `json:"endedAt,omitzero"`
	Duration    time.Duration `json:"duration"`
	Warnings    []Event       `json:"warnings,omitempty"`
	Errors      []Event       `json:"errors,omitempty"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	HealthScore int           `json:"healthScore"`
	Healthy     bool          `json:"healthy"`
}

func (s InitState) clone() InitState {
	s.Warnings = slices.Clone(s.Warnings)
	s.Errors = slices.Clone(s.Errors)
	return s
}

// Score weights per component and status. The maximum is 100.
var scoreTable = map[string]map[Status]int{
	"environment": {StatusSuccess: 25},
	"linear":      {StatusSuccess: 35, StatusFallback: 25},
	"gpu":         {StatusSuccess: 25, StatusSkipped: 15},
	"memory":      {StatusSuccess: 15, StatusFallback: 8},
}

// HealthScore rates c from 0 to 100.
func HealthScore(c Components) int {
	return scoreTable["environment"][c.Environment.Status] +
		scoreTable["linear"][c.Linear.Status] +
		scoreTable["gpu"][c.GPU.Status] +
		scoreTable["memory"][c.Memory.Status]
}

// Healthy requires a working environment probe and a linear backend, real
// or fallback. GPU and memory are advisory.
func Healthy(c Components) bool {
	return c.Environment.Status == StatusSuccess &&
		(c.Linear.Status == StatusSuccess || c.Linear.Status == StatusFallback)
}
