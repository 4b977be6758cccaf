package resize

import (
	"sort"

	"github.com/g960059/paneflow/internal/model"
)

// maxStormWindowEntries caps the per-tab submission timestamp window
// so a runaway tab cannot grow it without bound.
const maxStormWindowEntries = 512

// SubmitOutcomeKind classifies the result of an admission attempt.
type SubmitOutcomeKind string

const (
	SubmitAccepted               SubmitOutcomeKind = "accepted"
	SubmitDroppedOverload        SubmitOutcomeKind = "dropped_overload"
	SubmitSuppressedByKillSwitch SubmitOutcomeKind = "suppressed_by_kill_switch"
)

// SubmitOutcome reports what admission did with an intent. When an
// accepted intent replaced a pending one, ReplacedPendingSeq holds the
// superseded sequence number.
type SubmitOutcome struct {
	Kind               SubmitOutcomeKind
	ReplacedPendingSeq *uint64
}

// GateState is the derived control-plane gate. Active is true only
// while the control plane is enabled and the emergency disable is off.
type GateState struct {
	ControlPlaneEnabled bool
	EmergencyDisable    bool
	Active              bool
}

// Metrics exposes the scheduler's counters plus the last frame's
// budget accounting. All values are cumulative for the lifetime of
// the scheduler instance; nothing is persisted.
type Metrics struct {
	Frames              uint64
	SuppressedFrames    uint64
	SuppressedIntents   uint64
	DroppedOverload     uint64
	SupersededIntents   uint64
	CompletedActive     uint64
	CancelledActive     uint64
	CompletionRejected  uint64
	ForcedAdmissions    uint64
	StormThrottledPicks uint64

	LastFrameBudgetUnits          uint32
	LastFrameEffectiveBudgetUnits uint32
	LastFrameInputReservedUnits   uint32
	LastFrameSpentUnits           uint32
	LastFrameScheduled            int
	LastFramePendingAfter         int
}

// PaneSnapshot is one pane's scheduling state as seen from outside.
type PaneSnapshot struct {
	PaneID      string
	PendingSeq  *uint64
	ActiveSeq   *uint64
	ActivePhase model.ExecutionPhase
	AgingCredit uint32
	Deferrals   int
}

// DebugSnapshot bundles pane state and recent lifecycle events for
// inspection. Diagnostic only.
type DebugSnapshot struct {
	Gate    GateState
	Panes   []PaneSnapshot
	Events  []LifecycleEvent
	Metrics Metrics
}

// paneState is the per-pane slot arena: at most one pending intent
// (latest submitted, unexecuted) and at most one active intent
// (in-flight). Replacing the pending intent is an in-place overwrite;
// only the latest pending intent per pane is ever meaningful.
type paneState struct {
	pending           *model.Intent
	active            *model.Intent
	activePhase       model.ExecutionPhase
	agingCredit       uint32
	deferrals         int
	lastEventAtMillis int64
}

// Scheduler admits, orders, paces, and retires resize work across
// panes under per-frame work-unit budgets.
//
// The scheduler is a single-threaded cooperative component: every
// method must be called from one render/control loop or under an
// equivalent external mutual-exclusion boundary. Cross-pane state
// (aging credits, domain counters, storm windows) is deliberately
// shared, not sharded, because fairness needs a global view each
// frame. No method blocks, reads the wall clock, or panics.
type Scheduler struct {
	cfg   Config
	panes map[string]*paneState

	controlPlaneEnabled bool
	emergencyDisable    bool

	// domainPicks counts admissions per fair-share domain key; lower
	// counts rank higher when the domain budget is enabled.
	domainPicks map[string]uint64

	// tabSubmissions holds recent submission timestamps per tab for
	// storm detection, pruned to the trailing window.
	tabSubmissions map[string][]int64

	events  *lifecycleLog
	metrics Metrics
}

func NewScheduler(cfg Config) *Scheduler {
	cfg = cfg.normalized()
	return &Scheduler{
		cfg:                 cfg,
		panes:               make(map[string]*paneState),
		controlPlaneEnabled: true,
		domainPicks:         make(map[string]uint64),
		tabSubmissions:      make(map[string][]int64),
		events:              newLifecycleLog(cfg.LifecycleLogCapacity),
	}
}

// Submit offers an intent for admission. A pending intent for the
// same pane is replaced (rapid resizes coalesce to the latest
// geometry); an active intent is never preempted. Zero work units are
// normalized to one.
func (s *Scheduler) Submit(intent model.Intent) SubmitOutcome {
	if !s.GateState().Active {
		s.metrics.SuppressedIntents++
		s.recordEvent(LifecycleEvent{
			Kind:      EventSuppressed,
			PaneID:    intent.PaneID,
			IntentSeq: intent.IntentSeq,
			AtMillis:  intent.SubmittedAtMillis,
		})
		return SubmitOutcome{Kind: SubmitSuppressedByKillSwitch}
	}

	if intent.WorkUnits == 0 {
		intent.WorkUnits = 1
	}

	state := s.panes[intent.PaneID]
	if state == nil || (state.pending == nil && state.active == nil) {
		if s.pendingPaneCount()+1 > s.cfg.MaxPendingPanes {
			s.metrics.DroppedOverload++
			s.recordEvent(LifecycleEvent{
				Kind:      EventDroppedOverload,
				PaneID:    intent.PaneID,
				IntentSeq: intent.IntentSeq,
				AtMillis:  intent.SubmittedAtMillis,
			})
			return SubmitOutcome{Kind: SubmitDroppedOverload}
		}
	}
	if state == nil {
		state = &paneState{}
		s.panes[intent.PaneID] = state
	}

	s.recordTabSubmission(intent.TabID, intent.SubmittedAtMillis)
	state.lastEventAtMillis = intent.SubmittedAtMillis

	accepted := intent
	if state.pending != nil {
		replaced := state.pending.IntentSeq
		state.pending = &accepted
		s.metrics.SupersededIntents++
		s.recordEvent(LifecycleEvent{
			Kind:      EventSuperseded,
			PaneID:    intent.PaneID,
			IntentSeq: replaced,
			AtMillis:  intent.SubmittedAtMillis,
		})
		return SubmitOutcome{Kind: SubmitAccepted, ReplacedPendingSeq: &replaced}
	}
	state.pending = &accepted
	s.recordEvent(LifecycleEvent{
		Kind:      EventSubmitted,
		PaneID:    intent.PaneID,
		IntentSeq: intent.IntentSeq,
		AtMillis:  intent.SubmittedAtMillis,
	})
	return SubmitOutcome{Kind: SubmitAccepted}
}

// MarkActivePhase records a phase transition for the pane's active
// intent. A stale or unknown (pane, seq) pair is a no-op returning
// false; that is the expected path for a slow caller whose work has
// been superseded. Phase order is the caller's responsibility.
func (s *Scheduler) MarkActivePhase(paneID string, intentSeq uint64, phase model.ExecutionPhase, atMillis int64) bool {
	state := s.panes[paneID]
	if state == nil || state.active == nil || state.active.IntentSeq != intentSeq {
		return false
	}
	state.activePhase = phase
	state.lastEventAtMillis = atMillis
	s.recordEvent(LifecycleEvent{
		Kind:      EventPhase,
		PaneID:    paneID,
		IntentSeq: intentSeq,
		Phase:     phase,
		AtMillis:  atMillis,
	})
	return true
}

// CompleteActive retires the pane's active intent if the sequence
// matches. A mismatch leaves all state untouched and counts toward
// completion_rejected.
func (s *Scheduler) CompleteActive(paneID string, intentSeq uint64) bool {
	state := s.panes[paneID]
	if state == nil || state.active == nil || state.active.IntentSeq != intentSeq {
		s.metrics.CompletionRejected++
		return false
	}
	s.recordEvent(LifecycleEvent{
		Kind:      EventCompleted,
		PaneID:    paneID,
		IntentSeq: intentSeq,
		Phase:     model.PhaseCompleted,
		AtMillis:  state.lastEventAtMillis,
	})
	state.active = nil
	state.activePhase = ""
	s.metrics.CompletedActive++
	s.dropPaneIfIdle(paneID, state)
	return true
}

// CancelActiveIfSuperseded cancels the pane's active intent when a
// newer pending intent exists, so the fresher geometry can be promoted
// sooner. Cancelled work is never resumed; the pending intent restarts
// planning from scratch.
func (s *Scheduler) CancelActiveIfSuperseded(paneID string) bool {
	state := s.panes[paneID]
	if state == nil || state.active == nil || state.pending == nil {
		return false
	}
	s.recordEvent(LifecycleEvent{
		Kind:      EventCancelled,
		PaneID:    paneID,
		IntentSeq: state.active.IntentSeq,
		Phase:     model.PhaseCancelled,
		AtMillis:  state.pending.SubmittedAtMillis,
	})
	state.active = nil
	state.activePhase = ""
	s.metrics.CancelledActive++
	return true
}

// SetEmergencyDisable toggles the operator kill switch. Disabling
// suppresses all future admission and scheduling without discarding
// already-active work.
func (s *Scheduler) SetEmergencyDisable(disabled bool) {
	s.emergencyDisable = disabled
}

// SetControlPlaneEnabled toggles the control-plane gate.
func (s *Scheduler) SetControlPlaneEnabled(enabled bool) {
	s.controlPlaneEnabled = enabled
}

// GateState derives the current gate; it is never stored.
func (s *Scheduler) GateState() GateState {
	return GateState{
		ControlPlaneEnabled: s.controlPlaneEnabled,
		EmergencyDisable:    s.emergencyDisable,
		Active:              s.controlPlaneEnabled && !s.emergencyDisable,
	}
}

// PendingTotal counts panes holding a pending intent.
func (s *Scheduler) PendingTotal() int {
	return s.pendingPaneCount()
}

// ActiveTotal counts panes with in-flight work.
func (s *Scheduler) ActiveTotal() int {
	count := 0
	for _, state := range s.panes {
		if state.active != nil {
			count++
		}
	}
	return count
}

// Snapshot enumerates every known pane's scheduling state, ordered by
// pane ID.
func (s *Scheduler) Snapshot() []PaneSnapshot {
	ids := make([]string, 0, len(s.panes))
	for paneID := range s.panes {
		ids = append(ids, paneID)
	}
	sort.Strings(ids)
	out := make([]PaneSnapshot, 0, len(ids))
	for _, paneID := range ids {
		state := s.panes[paneID]
		snapshot := PaneSnapshot{
			PaneID:      paneID,
			ActivePhase: state.activePhase,
			AgingCredit: state.agingCredit,
			Deferrals:   state.deferrals,
		}
		if state.pending != nil {
			seq := state.pending.IntentSeq
			snapshot.PendingSeq = &seq
		}
		if state.active != nil {
			seq := state.active.IntentSeq
			snapshot.ActiveSeq = &seq
		}
		out = append(out, snapshot)
	}
	return out
}

// LifecycleEvents returns the most recent limit events in
// chronological order; limit zero means all retained events.
func (s *Scheduler) LifecycleEvents(limit int) []LifecycleEvent {
	return s.events.recent(limit)
}

// LifecycleEventsSince returns the events recorded after cursor in
// chronological order plus the advanced cursor. Telemetry uses this to
// drain incrementally without clearing the debug ring; a cursor of
// zero starts from the oldest retained event.
func (s *Scheduler) LifecycleEventsSince(cursor uint64) ([]LifecycleEvent, uint64) {
	return s.events.since(cursor)
}

// Snapshot plus events plus metrics, for the debug surface.
func (s *Scheduler) DebugSnapshot(limit int) DebugSnapshot {
	return DebugSnapshot{
		Gate:    s.GateState(),
		Panes:   s.Snapshot(),
		Events:  s.LifecycleEvents(limit),
		Metrics: s.metrics,
	}
}

// Metrics returns a copy of the counters.
func (s *Scheduler) Metrics() Metrics {
	return s.metrics
}

func (s *Scheduler) pendingPaneCount() int {
	count := 0
	for _, state := range s.panes {
		if state.pending != nil {
			count++
		}
	}
	return count
}

func (s *Scheduler) dropPaneIfIdle(paneID string, state *paneState) {
	if state.pending == nil && state.active == nil {
		delete(s.panes, paneID)
	}
}

func (s *Scheduler) recordEvent(event LifecycleEvent) {
	s.events.append(event)
}

func (s *Scheduler) recordTabSubmission(tabID string, atMillis int64) {
	if tabID == "" {
		return
	}
	window := append(s.tabSubmissions[tabID], atMillis)
	cutoff := atMillis - s.cfg.StormWindowMillis
	trimmed := window[:0]
	for _, ts := range window {
		if ts > cutoff {
			trimmed = append(trimmed, ts)
		}
	}
	if len(trimmed) > maxStormWindowEntries {
		trimmed = trimmed[len(trimmed)-maxStormWindowEntries:]
	}
	s.tabSubmissions[tabID] = trimmed
}

// stormLimitedTabs returns the tabs whose submission count within the
// trailing window exceeds the storm threshold, pruning stale entries
// as a side effect.
func (s *Scheduler) stormLimitedTabs(nowMillis int64) map[string]bool {
	cutoff := nowMillis - s.cfg.StormWindowMillis
	limited := make(map[string]bool)
	for tabID, window := range s.tabSubmissions {
		trimmed := window[:0]
		for _, ts := range window {
			if ts > cutoff {
				trimmed = append(trimmed, ts)
			}
		}
		if len(trimmed) == 0 {
			delete(s.tabSubmissions, tabID)
			continue
		}
		s.tabSubmissions[tabID] = trimmed
		if len(trimmed) > s.cfg.StormThresholdIntents {
			limited[tabID] = true
		}
	}
	return limited
}
