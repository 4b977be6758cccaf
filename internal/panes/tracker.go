// Package panes tracks attached panes and turns their geometry events
// into planner runs. The tracker is pure bookkeeping: it owns no
// goroutines and callers serialize access.
package panes

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/paneflow/internal/config"
	"github.com/g960059/paneflow/internal/model"
	"github.com/g960059/paneflow/internal/reflow"
)

var (
	ErrAlreadyAttached = errors.New("pane already attached")
	ErrNotAttached     = errors.New("pane not attached")
)

// Pane is one attached pane's registration plus its last known
// geometry. The intent sequence is per pane and monotonic; a later
// geometry event always carries a larger sequence.
type Pane struct {
	model.PaneRecord
	Class          model.SchedulerClass
	Cols           uint32
	Rows           uint32
	TotalLines     uint32
	ViewportTop    uint32
	ViewportHeight uint32
	PressureTier   model.PressureTier
	LastIntentSeq  uint64
}

// AttachSpec is the caller-supplied half of a pane registration.
type AttachSpec struct {
	PaneID     string
	TabID      string
	Domain     model.Domain
	Class      model.SchedulerClass
	Cols       uint32
	Rows       uint32
	TotalLines uint32
}

// Geometry is one resize event: the pane's new dimensions and scroll
// position. A zero ViewportHeight means the viewport spans the full
// pane height.
type Geometry struct {
	Cols           uint32
	Rows           uint32
	TotalLines     uint32
	ViewportTop    uint32
	ViewportHeight uint32
}

// Tracker owns the registry of attached panes.
type Tracker struct {
	planner config.Planner
	panes   map[string]*Pane
}

func NewTracker(planner config.Planner) *Tracker {
	return &Tracker{
		planner: planner,
		panes:   make(map[string]*Pane),
	}
}

// Attach registers a pane and assigns its registration ID. The pane
// starts at the nominal pressure tier with sequence zero; the first
// resize event produces sequence one.
func (t *Tracker) Attach(spec AttachSpec) (Pane, error) {
	if spec.PaneID == "" {
		return Pane{}, fmt.Errorf("attach: empty pane id")
	}
	if _, ok := t.panes[spec.PaneID]; ok {
		return Pane{}, fmt.Errorf("attach %s: %w", spec.PaneID, ErrAlreadyAttached)
	}
	class := spec.Class
	if class == "" {
		class = model.ClassInteractive
	}
	pane := &Pane{
		PaneRecord: model.PaneRecord{
			RegistrationID: uuid.NewString(),
			PaneID:         spec.PaneID,
			TabID:          spec.TabID,
			Domain:         spec.Domain,
			AttachedAt:     time.Now().UTC(),
		},
		Class:          class,
		Cols:           spec.Cols,
		Rows:           spec.Rows,
		TotalLines:     spec.TotalLines,
		ViewportHeight: spec.Rows,
		PressureTier:   model.PressureNominal,
	}
	t.panes[spec.PaneID] = pane
	return *pane, nil
}

func (t *Tracker) Detach(paneID string) error {
	if _, ok := t.panes[paneID]; !ok {
		return fmt.Errorf("detach %s: %w", paneID, ErrNotAttached)
	}
	delete(t.panes, paneID)
	return nil
}

// SetPressureTier records the eviction subsystem's pressure signal for
// one pane. Unknown tiers are rejected so a typoed control request
// cannot silently disable batch shrinking.
func (t *Tracker) SetPressureTier(paneID string, tier model.PressureTier) error {
	pane, ok := t.panes[paneID]
	if !ok {
		return fmt.Errorf("pressure %s: %w", paneID, ErrNotAttached)
	}
	switch tier {
	case model.PressureNominal, model.PressureElevated, model.PressureCritical:
		pane.PressureTier = tier
		return nil
	default:
		return fmt.Errorf("pressure %s: unknown tier %q", paneID, tier)
	}
}

// ApplyResize records a geometry event, bumps the pane's intent
// sequence, and plans the reflow. The returned intent is what the
// caller submits to the scheduler for this geometry change.
func (t *Tracker) ApplyResize(paneID string, geo Geometry, nowMillis int64) (reflow.Plan, model.Intent, error) {
	pane, ok := t.panes[paneID]
	if !ok {
		return reflow.Plan{}, model.Intent{}, fmt.Errorf("resize %s: %w", paneID, ErrNotAttached)
	}
	pane.Cols = geo.Cols
	pane.Rows = geo.Rows
	pane.TotalLines = geo.TotalLines
	pane.ViewportTop = geo.ViewportTop
	pane.ViewportHeight = geo.ViewportHeight
	if pane.ViewportHeight == 0 {
		pane.ViewportHeight = geo.Rows
	}
	pane.LastIntentSeq++
	resizedAt := time.UnixMilli(nowMillis).UTC()
	pane.LastResizeAt = &resizedAt

	plan := reflow.PlanReflow(reflow.PlannerInput{
		TotalLogicalLines: pane.TotalLines,
		ViewportTop:       pane.ViewportTop,
		ViewportHeight:    pane.ViewportHeight,
		OverscanLines:     t.planner.OverscanLines,
		MaxBatchLines:     t.maxBatchLines(pane.PressureTier),
		LinesPerWorkUnit:  t.planner.LinesPerWorkUnit,
		FrameBudgetUnits:  t.planner.FrameBudgetUnits,
	})
	intent := plan.FrameIntent(paneID, pane.LastIntentSeq, nowMillis)
	intent.Domain = pane.Domain
	intent.TabID = pane.TabID
	if pane.Class == model.ClassBackground {
		intent.Class = model.ClassBackground
	}
	return plan, intent, nil
}

// maxBatchLines shrinks the configured batch ceiling under memory
// pressure so a single batch pins less of the scrollback at once.
func (t *Tracker) maxBatchLines(tier model.PressureTier) uint32 {
	limit := t.planner.MaxBatchLines
	switch tier {
	case model.PressureElevated:
		limit /= 2
	case model.PressureCritical:
		limit /= 4
	}
	if limit == 0 {
		limit = 1
	}
	return limit
}

func (t *Tracker) Get(paneID string) (Pane, bool) {
	pane, ok := t.panes[paneID]
	if !ok {
		return Pane{}, false
	}
	return *pane, true
}

// List returns all attached panes sorted by pane ID.
func (t *Tracker) List() []Pane {
	out := make([]Pane, 0, len(t.panes))
	for _, pane := range t.panes {
		out = append(out, *pane)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaneID < out[j].PaneID })
	return out
}

func (t *Tracker) Len() int {
	return len(t.panes)
}
