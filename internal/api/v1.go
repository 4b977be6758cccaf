package api

import "time"

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type DomainRef struct {
	Kind     string `json:"kind"`
	Host     string `json:"host,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

type PaneAttachRequest struct {
	PaneID     string    `json:"pane_id"`
	TabID      string    `json:"tab_id"`
	Domain     DomainRef `json:"domain"`
	Class      string    `json:"class,omitempty"`
	Cols       uint32    `json:"cols"`
	Rows       uint32    `json:"rows"`
	TotalLines uint32    `json:"total_lines,omitempty"`
}

type PaneAttachResponse struct {
	SchemaVersion  string    `json:"schema_version"`
	GeneratedAt    time.Time `json:"generated_at"`
	RegistrationID string    `json:"registration_id"`
	PaneID         string    `json:"pane_id"`
	ResultCode     string    `json:"result_code"`
}

type PaneDetachResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	PaneID        string    `json:"pane_id"`
	ResultCode    string    `json:"result_code"`
}

type PaneItem struct {
	PaneID         string    `json:"pane_id"`
	RegistrationID string    `json:"registration_id"`
	TabID          string    `json:"tab_id"`
	Domain         DomainRef `json:"domain"`
	Class          string    `json:"class"`
	Cols           uint32    `json:"cols"`
	Rows           uint32    `json:"rows"`
	TotalLines     uint32    `json:"total_lines"`
	ViewportTop    uint32    `json:"viewport_top"`
	PressureTier   string    `json:"pressure_tier"`
	LastIntentSeq  uint64    `json:"last_intent_seq"`
	AttachedAt     string    `json:"attached_at"`
}

type PanesEnvelope struct {
	SchemaVersion string     `json:"schema_version"`
	GeneratedAt   time.Time  `json:"generated_at"`
	Panes         []PaneItem `json:"panes"`
}

type ResizeRequest struct {
	Cols           uint32 `json:"cols"`
	Rows           uint32 `json:"rows"`
	TotalLines     uint32 `json:"total_lines"`
	ViewportTop    uint32 `json:"viewport_top"`
	ViewportHeight uint32 `json:"viewport_height,omitempty"`
	NowMillis      *int64 `json:"now_millis,omitempty"`
}

type PlanBatchItem struct {
	Priority  string `json:"priority"`
	Class     string `json:"class"`
	LineStart uint32 `json:"line_start"`
	LineEnd   uint32 `json:"line_end"`
	WorkUnits uint32 `json:"work_units"`
	Selected  bool   `json:"selected"`
}

type ResizeResponse struct {
	SchemaVersion  string          `json:"schema_version"`
	GeneratedAt    time.Time       `json:"generated_at"`
	PaneID         string          `json:"pane_id"`
	IntentSeq      uint64          `json:"intent_seq"`
	Outcome        string          `json:"outcome"`
	ReplacedSeq    *uint64         `json:"replaced_seq,omitempty"`
	FrameWorkUnits uint32          `json:"frame_work_units"`
	FrameBudget    uint32          `json:"frame_budget_units"`
	Batches        []PlanBatchItem `json:"batches"`
}

type FrameRequest struct {
	NowMillis    *int64 `json:"now_millis,omitempty"`
	InputBacklog *int   `json:"input_backlog,omitempty"`
}

type ScheduledItem struct {
	PaneID    string `json:"pane_id"`
	IntentSeq uint64 `json:"intent_seq"`
	Class     string `json:"class"`
	WorkUnits uint32 `json:"work_units"`
	Forced    bool   `json:"forced"`
}

type FrameResponse struct {
	SchemaVersion   string          `json:"schema_version"`
	GeneratedAt     time.Time       `json:"generated_at"`
	Frame           uint64          `json:"frame"`
	Scheduled       []ScheduledItem `json:"scheduled"`
	BudgetSpent     uint32          `json:"budget_spent_units"`
	EffectiveBudget uint32          `json:"effective_budget_units"`
	InputReserved   uint32          `json:"input_reserved_units"`
	PendingAfter    int             `json:"pending_after"`
}

type PressureTierRequest struct {
	PaneID string `json:"pane_id"`
	Tier   string `json:"tier"`
}

type ControlRequest struct {
	EmergencyDisable    *bool                `json:"emergency_disable,omitempty"`
	ControlPlaneEnabled *bool                `json:"control_plane_enabled,omitempty"`
	InputBacklog        *int                 `json:"input_backlog,omitempty"`
	PressureTier        *PressureTierRequest `json:"pressure_tier,omitempty"`
}

type ControlResponse struct {
	SchemaVersion       string    `json:"schema_version"`
	GeneratedAt         time.Time `json:"generated_at"`
	EmergencyDisable    bool      `json:"emergency_disable"`
	ControlPlaneEnabled bool      `json:"control_plane_enabled"`
	GateOpen            bool      `json:"gate_open"`
	InputBacklog        int       `json:"input_backlog"`
}

type PaneSlotItem struct {
	PaneID      string  `json:"pane_id"`
	PendingSeq  *uint64 `json:"pending_seq,omitempty"`
	ActiveSeq   *uint64 `json:"active_seq,omitempty"`
	ActivePhase string  `json:"active_phase,omitempty"`
	AgingCredit uint32  `json:"aging_credit"`
	Deferrals   int     `json:"deferrals"`
}

type LifecycleEventItem struct {
	Kind      string `json:"kind"`
	PaneID    string `json:"pane_id"`
	IntentSeq uint64 `json:"intent_seq"`
	Phase     string `json:"phase,omitempty"`
	AtMillis  int64  `json:"at_millis"`
}

type DebugEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	GateOpen      bool                 `json:"gate_open"`
	PendingTotal  int                  `json:"pending_total"`
	ActiveTotal   int                  `json:"active_total"`
	Panes         []PaneSlotItem       `json:"panes"`
	RecentEvents  []LifecycleEventItem `json:"recent_events"`
}

type MetricsEnvelope struct {
	SchemaVersion      string    `json:"schema_version"`
	GeneratedAt        time.Time `json:"generated_at"`
	Frames             uint64    `json:"frames"`
	SuppressedFrames   uint64    `json:"suppressed_frames"`
	SuppressedIntents  uint64    `json:"suppressed_intents"`
	DroppedOverload    uint64    `json:"dropped_overload"`
	SupersededIntents  uint64    `json:"superseded_intents"`
	CompletedActive    uint64    `json:"completed_active"`
	CancelledActive    uint64    `json:"cancelled_active"`
	CompletionRejected uint64    `json:"completion_rejected"`
	ForcedAdmissions   uint64    `json:"forced_admissions"`
	StormThrottled     uint64    `json:"storm_throttled_picks"`
	LastFrameSpent     uint32    `json:"last_frame_spent_units"`
	LastFrameScheduled int       `json:"last_frame_scheduled"`
	LastFramePending   int       `json:"last_frame_pending_after"`
}
