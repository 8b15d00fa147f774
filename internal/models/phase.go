package models

import "time"

// PhaseKind enumerates the coarse workflow stages.
type PhaseKind string

const (
	PhaseNeedsInstall PhaseKind = "needs_install"
	PhaseInstalling   PhaseKind = "installing"
	PhaseNeedsConfig  PhaseKind = "needs_config"
	PhaseConfiguring  PhaseKind = "configuring"
	PhaseReady        PhaseKind = "ready"
)

// Phase is the orchestrator's workflow position. Only the field matching
// Kind carries data: Pending for needs_install, Progress for installing and
// Issues for configuring. Use the constructors below.
type Phase struct {
	Kind     PhaseKind   `json:"kind"`
	Pending  []string    `json:"pending,omitempty"`
	Progress []StepState `json:"progress,omitempty"`
	Issues   []string    `json:"issues,omitempty"`
}

func NeedsInstall(pending []string) Phase {
	return Phase{Kind: PhaseNeedsInstall, Pending: append([]string(nil), pending...)}
}

func Installing(progress []StepState) Phase {
	return Phase{Kind: PhaseInstalling, Progress: append([]StepState(nil), progress...)}
}

func NeedsConfig() Phase {
	return Phase{Kind: PhaseNeedsConfig}
}

func Configuring(issues []string) Phase {
	return Phase{Kind: PhaseConfiguring, Issues: append([]string(nil), issues...)}
}

func Ready() Phase {
	return Phase{Kind: PhaseReady}
}

// Installed reports whether the phase is past installation.
func (p Phase) Installed() bool {
	return p.Kind != PhaseNeedsInstall && p.Kind != PhaseInstalling
}

// Label is the human-readable phase name.
func (p Phase) Label() string {
	switch p.Kind {
	case PhaseNeedsInstall:
		return "Install required"
	case PhaseInstalling:
		return "Installing"
	case PhaseNeedsConfig:
		return "Configuration required"
	case PhaseConfiguring:
		return "Configuration incomplete"
	case PhaseReady:
		return "Ready"
	default:
		return string(p.Kind)
	}
}

// Snapshot is an immutable view of orchestrator state handed to presenters.
type Snapshot struct {
	Phase         Phase               `json:"phase"`
	Install       *InstallationState  `json:"install,omitempty"`
	Prerequisites *PrerequisiteReport `json:"prerequisites,omitempty"`
	Container     ContainerState      `json:"container"`
	ConfigPath    string              `json:"config_path"`
	Operation     string              `json:"operation,omitempty"` // in-flight operation, if any
	Warnings      []string            `json:"warnings,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so the receiver can't be mutated through it.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Phase.Pending = append([]string(nil), s.Phase.Pending...)
	out.Phase.Progress = append([]StepState(nil), s.Phase.Progress...)
	out.Phase.Issues = append([]string(nil), s.Phase.Issues...)
	out.Install = s.Install.Clone()
	out.Prerequisites = s.Prerequisites.Clone()
	out.Warnings = append([]string(nil), s.Warnings...)
	return out
}
