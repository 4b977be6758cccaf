package reflow

import (
	"fmt"

	"github.com/g960059/paneflow/internal/model"
)

// Hook is a batch projected into the scheduler's vocabulary. It drops
// the planner-internal priority and keeps exactly what an intent
// needs, plus the selection flag and rationale for diagnostics.
type Hook struct {
	Range            LineRange
	Class            model.SchedulerClass
	WorkUnits        uint32
	SelectedForFrame bool
	Rationale        string
}

// Hooks projects every batch of the plan, in plan order.
func (p Plan) Hooks() []Hook {
	hooks := make([]Hook, 0, len(p.Batches))
	for _, batch := range p.Batches {
		hooks = append(hooks, Hook{
			Range:            batch.Range,
			Class:            batch.Class,
			WorkUnits:        batch.WorkUnits,
			SelectedForFrame: batch.SelectedForFrame,
			Rationale:        batch.Rationale,
		})
	}
	return hooks
}

// ResizeIntent materializes the hook into a scheduler intent. The
// planner knows nothing about pane identity or wall-clock time, so the
// caller supplies both.
func (h Hook) ResizeIntent(paneID string, intentSeq uint64, submittedAtMillis int64) model.Intent {
	units := h.WorkUnits
	if units == 0 {
		units = 1
	}
	return model.Intent{
		PaneID:            paneID,
		IntentSeq:         intentSeq,
		Class:             h.Class,
		WorkUnits:         units,
		SubmittedAtMillis: submittedAtMillis,
	}
}

// FrameIntent collapses the plan's selected work into the single
// intent a pane submits for this geometry change. The class is
// interactive whenever any selected batch is interactive, which in
// practice is always (the viewport batch is force selected).
func (p Plan) FrameIntent(paneID string, intentSeq uint64, submittedAtMillis int64) model.Intent {
	class := model.ClassBackground
	for _, batch := range p.Batches {
		if batch.SelectedForFrame && batch.Class == model.ClassInteractive {
			class = model.ClassInteractive
			break
		}
	}
	units := p.FrameWorkUnits
	if units == 0 {
		units = 1
	}
	return model.Intent{
		PaneID:            paneID,
		IntentSeq:         intentSeq,
		Class:             class,
		WorkUnits:         units,
		SubmittedAtMillis: submittedAtMillis,
	}
}

// LogLines renders one human-readable line per batch for operational
// logging. The output is diagnostic only; nothing parses it back.
func (p Plan) LogLines() []string {
	lines := make([]string, 0, len(p.Batches))
	for i, batch := range p.Batches {
		selected := " "
		if batch.SelectedForFrame {
			selected = "*"
		}
		lines = append(lines, fmt.Sprintf(
			"batch %d %s class=%s priority=%s range=[%d,%d) lines=%d units=%d %s",
			i, selected, batch.Class, batch.Priority,
			batch.Range.Start, batch.Range.End, batch.Range.Lines(),
			batch.WorkUnits, batch.Rationale,
		))
	}
	return lines
}
