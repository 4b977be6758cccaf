package reflow

import (
	"math"

	"github.com/g960059/paneflow/internal/model"
)

// PlannerInput is one pane's buffer geometry plus the frame budget the
// caller proposes for this planning pass. All fields are raw 32-bit
// values; degenerate settings are normalized inside PlanReflow rather
// than rejected.
type PlannerInput struct {
	TotalLogicalLines uint32
	ViewportTop       uint32
	ViewportHeight    uint32
	OverscanLines     uint32
	MaxBatchLines     uint32
	LinesPerWorkUnit  uint32
	FrameBudgetUnits  uint32
}

// LineRange is a half-open range of logical line indices [Start, End).
type LineRange struct {
	Start uint32
	End   uint32
}

// Lines returns the number of lines covered by the range.
func (r LineRange) Lines() uint32 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// BatchPriority orders batches for frame selection. Smaller values
// rank first.
type BatchPriority int

const (
	PriorityViewportCore BatchPriority = iota
	PriorityViewportOverscan
	PriorityColdScrollback
)

func (p BatchPriority) String() string {
	switch p {
	case PriorityViewportCore:
		return "viewport_core"
	case PriorityViewportOverscan:
		return "viewport_overscan"
	case PriorityColdScrollback:
		return "cold_scrollback"
	default:
		return "unknown"
	}
}

// Class maps a priority onto the scheduler's coarse work classes.
// Viewport work is interactive; cold scrollback is background.
func (p BatchPriority) Class() model.SchedulerClass {
	switch p {
	case PriorityViewportCore, PriorityViewportOverscan:
		return model.ClassInteractive
	default:
		return model.ClassBackground
	}
}

// Batch is one contiguous slice of a pane's logical lines, tagged with
// the priority and cost the scheduler needs. Batches from a single
// plan partition the whole buffer: gapless, non-overlapping, and never
// empty.
type Batch struct {
	Range            LineRange
	Priority         BatchPriority
	Class            model.SchedulerClass
	WorkUnits        uint32
	SelectedForFrame bool
	Rationale        string
}

// Plan is the planner's complete answer for one geometry change. It is
// a pure value: identical inputs always produce an identical plan.
type Plan struct {
	Batches          []Batch
	FrameWorkUnits   uint32
	FrameBudgetUnits uint32
}

// PlanReflow decomposes one pane's reflow into prioritized batches and
// marks which of them fit this frame's budget. It is total over its
// input domain: it never fails, and all arithmetic saturates at the
// 32-bit boundary instead of wrapping.
//
// The first batch is always the clamped viewport window and is always
// selected, even when the nominal budget cannot cover it. That is the
// progress guarantee: the visible region reflows this frame no matter
// what.
func PlanReflow(input PlannerInput) Plan {
	budget := input.FrameBudgetUnits
	if budget == 0 {
		budget = 1
	}

	if input.ViewportHeight == 0 || input.TotalLogicalLines == 0 {
		return Plan{FrameBudgetUnits: budget}
	}

	maxBatchLines := input.MaxBatchLines
	if maxBatchLines == 0 {
		maxBatchLines = 1
	}
	linesPerUnit := input.LinesPerWorkUnit
	if linesPerUnit == 0 {
		linesPerUnit = 1
	}

	total := input.TotalLogicalLines
	viewport := clampViewport(total, input.ViewportTop, input.ViewportHeight)

	batches := make([]Batch, 0, 4)
	batches = append(batches, Batch{
		Range:     viewport,
		Priority:  PriorityViewportCore,
		Class:     PriorityViewportCore.Class(),
		WorkUnits: workUnits(viewport.Lines(), linesPerUnit),
		Rationale: "visible viewport",
	})

	// Overscan margins directly above and below the viewport. coldTop
	// and coldBottom are the boundaries the cold-scrollback pass works
	// outward from; overscan moves them away from the viewport edges.
	coldTop := viewport.Start
	coldBottom := viewport.End
	if input.OverscanLines > 0 {
		above := LineRange{Start: saturatingSub(viewport.Start, input.OverscanLines), End: viewport.Start}
		below := LineRange{Start: viewport.End, End: saturatingAddClamped(viewport.End, input.OverscanLines, total)}
		coversRemainder := above.Start == 0 && below.End == total
		if !coversRemainder {
			if above.Lines() > 0 {
				batches = append(batches, Batch{
					Range:     above,
					Priority:  PriorityViewportOverscan,
					Class:     PriorityViewportOverscan.Class(),
					WorkUnits: workUnits(above.Lines(), linesPerUnit),
					Rationale: "overscan above viewport",
				})
				coldTop = above.Start
			}
			if below.Lines() > 0 {
				batches = append(batches, Batch{
					Range:     below,
					Priority:  PriorityViewportOverscan,
					Class:     PriorityViewportOverscan.Class(),
					WorkUnits: workUnits(below.Lines(), linesPerUnit),
					Rationale: "overscan below viewport",
				})
				coldBottom = below.End
			}
		}
	}

	batches = append(batches, coldScrollbackBatches(total, coldTop, coldBottom, maxBatchLines, linesPerUnit)...)

	// Selection pass: walk in priority order (which is emission order),
	// admitting batches while they fit. The viewport batch is force
	// selected first and its cost counts against the budget even when
	// it alone exceeds it.
	var spent uint32
	for i := range batches {
		if i == 0 {
			batches[i].SelectedForFrame = true
			spent = saturatingAdd32(spent, batches[i].WorkUnits)
			continue
		}
		next := saturatingAdd32(spent, batches[i].WorkUnits)
		if next <= budget {
			batches[i].SelectedForFrame = true
			spent = next
		}
	}

	return Plan{
		Batches:          batches,
		FrameWorkUnits:   spent,
		FrameBudgetUnits: budget,
	}
}

// clampViewport slides the requested viewport window into the buffer.
// A window that runs past the buffer end is relocated so its end
// aligns with the buffer end; a window at least as tall as the buffer
// covers the whole buffer.
func clampViewport(total, top, height uint32) LineRange {
	if height >= total {
		return LineRange{Start: 0, End: total}
	}
	end := uint64(top) + uint64(height)
	if end > uint64(total) {
		return LineRange{Start: total - height, End: total}
	}
	return LineRange{Start: top, End: uint32(end)}
}

// coldScrollbackBatches partitions everything outside the viewport and
// overscan into background batches of at most maxBatchLines lines.
// The above-side region is chunked from the viewport outward toward
// line zero, the below-side from the viewport outward toward the
// buffer end, and the two sides are interleaved so neither starves.
func coldScrollbackBatches(total, coldTop, coldBottom, maxBatchLines, linesPerUnit uint32) []Batch {
	var above []LineRange
	for end := coldTop; end > 0; {
		start := saturatingSub(end, maxBatchLines)
		above = append(above, LineRange{Start: start, End: end})
		end = start
	}
	var below []LineRange
	for start := coldBottom; start < total; {
		end := saturatingAddClamped(start, maxBatchLines, total)
		below = append(below, LineRange{Start: start, End: end})
		start = end
	}

	batches := make([]Batch, 0, len(above)+len(below))
	for i := 0; i < len(above) || i < len(below); i++ {
		if i < len(above) {
			batches = append(batches, Batch{
				Range:     above[i],
				Priority:  PriorityColdScrollback,
				Class:     PriorityColdScrollback.Class(),
				WorkUnits: workUnits(above[i].Lines(), linesPerUnit),
				Rationale: "cold scrollback above",
			})
		}
		if i < len(below) {
			batches = append(batches, Batch{
				Range:     below[i],
				Priority:  PriorityColdScrollback,
				Class:     PriorityColdScrollback.Class(),
				WorkUnits: workUnits(below[i].Lines(), linesPerUnit),
				Rationale: "cold scrollback below",
			})
		}
	}
	return batches
}

// workUnits is ceil(lines / linesPerUnit) with saturation. A non-empty
// range always costs at least one unit.
func workUnits(lines, linesPerUnit uint32) uint32 {
	if lines == 0 {
		return 0
	}
	units := (uint64(lines) + uint64(linesPerUnit) - 1) / uint64(linesPerUnit)
	if units > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(units)
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

func saturatingAdd32(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sum)
}

func saturatingAddClamped(a, b, limit uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > uint64(limit) {
		return limit
	}
	return uint32(sum)
}
