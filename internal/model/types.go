package model

import "time"

// SchedulerClass is the coarse work-class hint the scheduler ranks by.
type SchedulerClass string

const (
	ClassInteractive SchedulerClass = "interactive"
	ClassBackground  SchedulerClass = "background"
)

// ClassPrecedence resolves competing classes during frame selection.
// Lower ranks first.
var ClassPrecedence = map[SchedulerClass]int{
	ClassInteractive: 1,
	ClassBackground:  2,
}

// DomainKind identifies the connection context of a pane.
type DomainKind string

const (
	DomainKindLocal DomainKind = "local"
	DomainKindSSH   DomainKind = "ssh"
	DomainKindMux   DomainKind = "mux"
)

// Domain is the connection context a pane belongs to. It partitions
// panes for fair-share accounting only; it never affects correctness.
// Host is set for ssh domains, Endpoint for mux domains.
type Domain struct {
	Kind     DomainKind
	Host     string
	Endpoint string
}

func LocalDomain() Domain {
	return Domain{Kind: DomainKindLocal}
}

func SSHDomain(host string) Domain {
	return Domain{Kind: DomainKindSSH, Host: host}
}

func MuxDomain(endpoint string) Domain {
	return Domain{Kind: DomainKindMux, Endpoint: endpoint}
}

// FairShareKey collapses a domain into the string key used for
// per-domain pick accounting. Two ssh hosts are distinct domains; all
// local panes share one.
func (d Domain) FairShareKey() string {
	switch d.Kind {
	case DomainKindSSH:
		return "ssh|" + d.Host
	case DomainKindMux:
		return "mux|" + d.Endpoint
	default:
		return "local"
	}
}

// ExecutionPhase is the lifecycle phase of a pane's active resize work.
type ExecutionPhase string

const (
	PhasePreparing  ExecutionPhase = "preparing"
	PhaseReflowing  ExecutionPhase = "reflowing"
	PhasePresenting ExecutionPhase = "presenting"
	PhaseCompleted  ExecutionPhase = "completed"
	PhaseCancelled  ExecutionPhase = "cancelled"
)

// Intent is one pane's request to have resize work scheduled. IntentSeq
// is monotonically increasing per pane; sequence spaces of different
// panes are unrelated.
type Intent struct {
	PaneID            string
	IntentSeq         uint64
	Class             SchedulerClass
	WorkUnits         uint32
	SubmittedAtMillis int64
	Domain            Domain
	TabID             string
}

// PressureTier is the memory-pressure signal supplied by the eviction
// subsystem. It only influences how callers choose planner inputs; the
// planner and scheduler never see it directly.
type PressureTier string

const (
	PressureNominal  PressureTier = "nominal"
	PressureElevated PressureTier = "elevated"
	PressureCritical PressureTier = "critical"
)

// Error codes defined by API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrRefConflict        = "E_REF_CONFLICT"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
	ErrSchedulerDisabled  = "E_SCHEDULER_DISABLED"
	ErrOverloaded         = "E_OVERLOADED"
)

// PaneRecord is a pane attached to the daemon.
type PaneRecord struct {
	RegistrationID string
	PaneID         string
	TabID          string
	Domain         Domain
	AttachedAt     time.Time
	LastResizeAt   *time.Time
}
