package resize

import (
	"math"
	"sort"

	"github.com/g960059/paneflow/internal/model"
)

// ScheduledWork is one admitted unit of frame work. The execution
// pipeline performs the actual reflow and reports back through
// MarkActivePhase and CompleteActive.
type ScheduledWork struct {
	PaneID    string
	IntentSeq uint64
	Class     model.SchedulerClass
	WorkUnits uint32
	Forced    bool
}

// FrameResult is the outcome of one frame's selection pass.
type FrameResult struct {
	Scheduled                  []ScheduledWork
	BudgetSpentUnits           uint32
	PendingAfter               int
	InputReservedUnits         uint32
	EffectiveResizeBudgetUnits uint32
}

// frameCandidate pairs a pending intent with its pane bookkeeping for
// the selection sort.
type frameCandidate struct {
	paneID string
	state  *paneState
	intent model.Intent
	forced bool
}

// ScheduleFrame runs one selection pass under the configured nominal
// budget.
func (s *Scheduler) ScheduleFrame(nowMillis int64) FrameResult {
	return s.ScheduleFrameWithBudget(nowMillis, s.cfg.FrameBudgetUnits)
}

// ScheduleFrameWithBudget runs one selection pass under an explicit
// budget, with no input backlog reported.
func (s *Scheduler) ScheduleFrameWithBudget(nowMillis int64, budgetUnits uint32) FrameResult {
	return s.ScheduleFrameWithInputBacklog(nowMillis, budgetUnits, 0)
}

// ScheduleFrameWithInputBacklog is the full selection pass: input
// guardrail reservation, storm throttling, class/aging/domain-fair
// ranking, greedy budget admission with optional single
// oversubscription, and forced admission past the starvation bound.
func (s *Scheduler) ScheduleFrameWithInputBacklog(nowMillis int64, budgetUnits uint32, inputBacklog int) FrameResult {
	if !s.GateState().Active {
		s.metrics.SuppressedFrames++
		return FrameResult{}
	}

	var reserved uint32
	effective := budgetUnits
	if s.cfg.InputGuardrailEnabled && inputBacklog > s.cfg.InputBacklogThreshold {
		reserved = s.cfg.InputReserveUnits
		if reserved > effective {
			reserved = effective
		}
		effective -= reserved
	}

	candidates := s.frameCandidates()
	s.rankCandidates(candidates)
	stormTabs := s.stormLimitedTabs(nowMillis)

	picksPerTab := make(map[string]int)
	var scheduled []ScheduledWork
	var spent uint32
	oversubscribed := false

	for _, candidate := range candidates {
		if stormTabs[candidate.intent.TabID] &&
			picksPerTab[candidate.intent.TabID] >= s.cfg.MaxStormPicksPerTab {
			s.metrics.StormThrottledPicks++
			s.deferPane(candidate.state)
			continue
		}

		units := candidate.intent.WorkUnits
		fits := uint64(spent)+uint64(units) <= uint64(effective)
		switch {
		case candidate.forced:
			// Starvation bound: admitted regardless of budget.
		case fits:
		case s.cfg.AllowSingleOversubscription && !oversubscribed && spent < effective:
			oversubscribed = true
		default:
			s.deferPane(candidate.state)
			continue
		}

		s.promote(candidate, nowMillis)
		picksPerTab[candidate.intent.TabID]++
		spent = saturatingAddUnits(spent, units)
		scheduled = append(scheduled, ScheduledWork{
			PaneID:    candidate.paneID,
			IntentSeq: candidate.intent.IntentSeq,
			Class:     candidate.intent.Class,
			WorkUnits: units,
			Forced:    candidate.forced,
		})
	}

	pendingAfter := s.pendingPaneCount()

	s.metrics.Frames++
	s.metrics.LastFrameBudgetUnits = budgetUnits
	s.metrics.LastFrameEffectiveBudgetUnits = effective
	s.metrics.LastFrameInputReservedUnits = reserved
	s.metrics.LastFrameSpentUnits = spent
	s.metrics.LastFrameScheduled = len(scheduled)
	s.metrics.LastFramePendingAfter = pendingAfter

	return FrameResult{
		Scheduled:                  scheduled,
		BudgetSpentUnits:           spent,
		PendingAfter:               pendingAfter,
		InputReservedUnits:         reserved,
		EffectiveResizeBudgetUnits: effective,
	}
}

// frameCandidates collects every pane that has pending work and no
// in-flight active intent, in deterministic pane-ID order.
func (s *Scheduler) frameCandidates() []frameCandidate {
	ids := make([]string, 0, len(s.panes))
	for paneID, state := range s.panes {
		if state.pending != nil && state.active == nil {
			ids = append(ids, paneID)
		}
	}
	sort.Strings(ids)

	candidates := make([]frameCandidate, 0, len(ids))
	for _, paneID := range ids {
		state := s.panes[paneID]
		forced := s.cfg.MaxDeferralsBeforeForce > 0 &&
			state.deferrals >= s.cfg.MaxDeferralsBeforeForce
		candidates = append(candidates, frameCandidate{
			paneID: paneID,
			state:  state,
			intent: *state.pending,
			forced: forced,
		})
	}
	return candidates
}

// rankCandidates orders candidates by: forced admissions first, then
// class (interactive over background), then accumulated aging credit,
// then domain fair-share debt when enabled, then submission time, then
// pane ID for stability. The ordering is lexicographic by
// construction, which keeps the required monotonicity properties
// without tunable weights.
func (s *Scheduler) rankCandidates(candidates []frameCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.forced != b.forced {
			return a.forced
		}
		if pa, pb := model.ClassPrecedence[a.intent.Class], model.ClassPrecedence[b.intent.Class]; pa != pb {
			return pa < pb
		}
		if a.state.agingCredit != b.state.agingCredit {
			return a.state.agingCredit > b.state.agingCredit
		}
		if s.cfg.DomainBudgetEnabled {
			da := s.domainPicks[a.intent.Domain.FairShareKey()]
			db := s.domainPicks[b.intent.Domain.FairShareKey()]
			if da != db {
				return da < db
			}
		}
		if a.intent.SubmittedAtMillis != b.intent.SubmittedAtMillis {
			return a.intent.SubmittedAtMillis < b.intent.SubmittedAtMillis
		}
		return a.paneID < b.paneID
	})
}

// promote moves the candidate's pending intent into the active slot,
// entering the preparing phase, and resets its fairness bookkeeping.
func (s *Scheduler) promote(candidate frameCandidate, nowMillis int64) {
	state := candidate.state
	state.active = state.pending
	state.pending = nil
	state.activePhase = model.PhasePreparing
	state.agingCredit = 0
	state.deferrals = 0
	state.lastEventAtMillis = nowMillis
	s.domainPicks[candidate.intent.Domain.FairShareKey()]++
	if candidate.forced {
		s.metrics.ForcedAdmissions++
		s.recordEvent(LifecycleEvent{
			Kind:      EventForced,
			PaneID:    candidate.paneID,
			IntentSeq: candidate.intent.IntentSeq,
			AtMillis:  nowMillis,
		})
	}
	s.recordEvent(LifecycleEvent{
		Kind:      EventScheduled,
		PaneID:    candidate.paneID,
		IntentSeq: candidate.intent.IntentSeq,
		Phase:     model.PhasePreparing,
		AtMillis:  nowMillis,
	})
}

// deferPane ages a pane that was passed over this frame.
func (s *Scheduler) deferPane(state *paneState) {
	credit := uint64(state.agingCredit) + uint64(s.cfg.AgingCreditPerFrame)
	if credit > uint64(s.cfg.MaxAgingCredit) {
		credit = uint64(s.cfg.MaxAgingCredit)
	}
	state.agingCredit = uint32(credit)
	state.deferrals++
}

func saturatingAddUnits(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sum)
}
