// Package models defines the core domain types for nvrpanel.
package models

import "time"

// StepStatus represents the current state of an install step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Done reports whether the status satisfies later steps.
func (s StepStatus) Done() bool {
	return s == StepSucceeded || s == StepSkipped
}

// StepState is the recorded status of one install step.
type StepState struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	Output    string     `json:"output,omitempty"` // diagnostic tail of the last attempt
	UpdatedAt time.Time  `json:"updated_at"`
}

// InstallationState is the per-step status table owned by the installer.
type InstallationState struct {
	Steps     []StepState `json:"steps"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Step returns the state for id, if recorded.
func (s *InstallationState) Step(id string) (StepState, bool) {
	if s == nil {
		return StepState{}, false
	}
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return StepState{}, false
}

// Pending returns the ids from ids that are not succeeded or skipped.
func (s *InstallationState) Pending(ids []string) []string {
	var out []string
	for _, id := range ids {
		st, ok := s.Step(id)
		if !ok || !st.Status.Done() {
			out = append(out, id)
		}
	}
	return out
}

// Complete reports whether every step in ids is succeeded or skipped.
func (s *InstallationState) Complete(ids []string) bool {
	return len(s.Pending(ids)) == 0
}

// Clone returns a deep copy.
func (s *InstallationState) Clone() *InstallationState {
	if s == nil {
		return nil
	}
	out := &InstallationState{UpdatedAt: s.UpdatedAt}
	out.Steps = append([]StepState(nil), s.Steps...)
	return out
}

// InstallRun is one invocation of the installer.
type InstallRun struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Outcome    string     `json:"outcome"`
	FailedStep string     `json:"failed_step,omitempty"`
}

// CapabilityStatus is the probe result for one host capability.
type CapabilityStatus struct {
	Name       string `json:"name"`
	Present    bool   `json:"present"`
	Version    string `json:"version,omitempty"`
	Compatible bool   `json:"compatible"`
	Detail     string `json:"detail,omitempty"`
}

// PrerequisiteReport is a fresh view of the host's capabilities.
type PrerequisiteReport struct {
	CheckedAt    time.Time          `json:"checked_at"`
	Capabilities []CapabilityStatus `json:"capabilities"`
}

// Get returns the status of the named capability.
func (r *PrerequisiteReport) Get(name string) (CapabilityStatus, bool) {
	if r == nil {
		return CapabilityStatus{}, false
	}
	for _, c := range r.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return CapabilityStatus{}, false
}

// Missing returns the names that are absent or incompatible.
func (r *PrerequisiteReport) Missing(names ...string) []string {
	var out []string
	for _, n := range names {
		c, ok := r.Get(n)
		if !ok || !c.Present || !c.Compatible {
			out = append(out, n)
		}
	}
	return out
}

// Clone returns a deep copy.
func (r *PrerequisiteReport) Clone() *PrerequisiteReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Capabilities = append([]CapabilityStatus(nil), r.Capabilities...)
	return &out
}

// ContainerStatus represents the lifecycle state of the recorder container.
type ContainerStatus string

const (
	ContainerStopped  ContainerStatus = "stopped"
	ContainerStarting ContainerStatus = "starting"
	ContainerRunning  ContainerStatus = "running"
	ContainerStopping ContainerStatus = "stopping"
	ContainerFailed   ContainerStatus = "failed"
)

// ContainerState is the controller's current state. Reason is set for failed.
type ContainerState struct {
	Status ContainerStatus `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Since  time.Time       `json:"since"`
}

// CommandRun is a persisted record of one external command.
type CommandRun struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Command   string        `json:"command"`
	Args      []string      `json:"args"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// Lock represents an operation lock shared between nvrpanel processes.
type Lock struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Subject    string    `json:"subject,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
