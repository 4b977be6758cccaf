package reflow

import (
	"math"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/g960059/paneflow/internal/model"
)

func verifyCoverage(t *testing.T, input PlannerInput, plan Plan) {
	t.Helper()
	ranges := make([]LineRange, 0, len(plan.Batches))
	for _, batch := range plan.Batches {
		if batch.Range.Start >= batch.Range.End {
			t.Fatalf("empty batch range [%d,%d)", batch.Range.Start, batch.Range.End)
		}
		ranges = append(ranges, batch.Range)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	var cursor uint32
	for _, r := range ranges {
		if r.Start != cursor {
			t.Fatalf("coverage gap or overlap at line %d (next range starts at %d)", cursor, r.Start)
		}
		cursor = r.End
	}
	if cursor != input.TotalLogicalLines {
		t.Fatalf("coverage ends at %d, want %d", cursor, input.TotalLogicalLines)
	}
}

func TestPlanReflowCoversBufferExactly(t *testing.T) {
	inputs := []PlannerInput{
		{TotalLogicalLines: 200, ViewportTop: 0, ViewportHeight: 24, OverscanLines: 8, MaxBatchLines: 32, LinesPerWorkUnit: 16, FrameBudgetUnits: 4},
		{TotalLogicalLines: 200, ViewportTop: 200, ViewportHeight: 24, OverscanLines: 8, MaxBatchLines: 32, LinesPerWorkUnit: 16, FrameBudgetUnits: 4},
		{TotalLogicalLines: 1_000_000, ViewportTop: 500_000, ViewportHeight: 50, OverscanLines: 200, MaxBatchLines: 4096, LinesPerWorkUnit: 256, FrameBudgetUnits: 10},
		{TotalLogicalLines: 1, ViewportTop: 0, ViewportHeight: 1, MaxBatchLines: 1, LinesPerWorkUnit: 1, FrameBudgetUnits: 1},
		{TotalLogicalLines: 30, ViewportTop: 10, ViewportHeight: 10, OverscanLines: 15, MaxBatchLines: 4, LinesPerWorkUnit: 2, FrameBudgetUnits: 3},
		{TotalLogicalLines: 500, ViewportTop: 490, ViewportHeight: 24, OverscanLines: 10, MaxBatchLines: 0, LinesPerWorkUnit: 0, FrameBudgetUnits: 0},
		{TotalLogicalLines: math.MaxUint32, ViewportTop: math.MaxUint32, ViewportHeight: 100, OverscanLines: math.MaxUint32, MaxBatchLines: math.MaxUint32, LinesPerWorkUnit: 1, FrameBudgetUnits: 1},
	}
	for _, input := range inputs {
		plan := PlanReflow(input)
		verifyCoverage(t, input, plan)
	}
}

func TestPlanReflowProgressGuarantee(t *testing.T) {
	input := PlannerInput{
		TotalLogicalLines: 10_000,
		ViewportTop:       4000,
		ViewportHeight:    40,
		MaxBatchLines:     100,
		LinesPerWorkUnit:  1,
		FrameBudgetUnits:  0,
	}
	plan := PlanReflow(input)
	if len(plan.Batches) == 0 {
		t.Fatalf("expected batches for non-empty viewport")
	}
	first := plan.Batches[0]
	if first.Priority != PriorityViewportCore {
		t.Fatalf("first batch priority = %s, want %s", first.Priority, PriorityViewportCore)
	}
	if !first.SelectedForFrame {
		t.Fatalf("viewport core batch must be selected even at zero budget")
	}
	// 40 lines at one line per unit exceeds the floor budget of 1; the
	// forced viewport still accounts into frame work units.
	if plan.FrameWorkUnits != 40 {
		t.Fatalf("frame work units = %d, want 40", plan.FrameWorkUnits)
	}
}

func TestPlanReflowDeterminism(t *testing.T) {
	input := PlannerInput{
		TotalLogicalLines: 123_456,
		ViewportTop:       60_000,
		ViewportHeight:    48,
		OverscanLines:     120,
		MaxBatchLines:     1000,
		LinesPerWorkUnit:  64,
		FrameBudgetUnits:  7,
	}
	first := PlanReflow(input)
	second := PlanReflow(input)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("plans for identical input differ")
	}
}

func TestPlanReflowZeroViewportHeight(t *testing.T) {
	plan := PlanReflow(PlannerInput{TotalLogicalLines: 500, ViewportTop: 10, FrameBudgetUnits: 5})
	if len(plan.Batches) != 0 {
		t.Fatalf("expected zero batches, got %d", len(plan.Batches))
	}
	if plan.FrameWorkUnits != 0 {
		t.Fatalf("expected zero frame work units, got %d", plan.FrameWorkUnits)
	}
}

func TestPlanReflowViewportSlidesBackAtBufferEnd(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 200,
		ViewportTop:       200,
		ViewportHeight:    24,
		MaxBatchLines:     50,
		LinesPerWorkUnit:  24,
		FrameBudgetUnits:  2,
	})
	first := plan.Batches[0]
	if first.Range != (LineRange{Start: 176, End: 200}) {
		t.Fatalf("viewport range = [%d,%d), want [176,200)", first.Range.Start, first.Range.End)
	}
}

func TestPlanReflowWholeBufferViewport(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 20,
		ViewportTop:       5,
		ViewportHeight:    64,
		OverscanLines:     10,
		MaxBatchLines:     5,
		LinesPerWorkUnit:  1,
		FrameBudgetUnits:  100,
	})
	if len(plan.Batches) != 1 {
		t.Fatalf("expected single viewport batch, got %d batches", len(plan.Batches))
	}
	if plan.Batches[0].Range != (LineRange{Start: 0, End: 20}) {
		t.Fatalf("viewport range = %+v, want [0,20)", plan.Batches[0].Range)
	}
	if plan.Batches[0].Priority != PriorityViewportCore {
		t.Fatalf("priority = %s, want viewport_core", plan.Batches[0].Priority)
	}
}

func TestPlanReflowOverscanAndColdScrollbackScenario(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 500,
		ViewportTop:       200,
		ViewportHeight:    20,
		OverscanLines:     10,
		MaxBatchLines:     64,
		LinesPerWorkUnit:  32,
		FrameBudgetUnits:  3,
	})

	var overscan []Batch
	var cold []Batch
	for _, batch := range plan.Batches {
		switch batch.Priority {
		case PriorityViewportOverscan:
			overscan = append(overscan, batch)
		case PriorityColdScrollback:
			cold = append(cold, batch)
		}
	}
	if len(overscan) != 2 {
		t.Fatalf("expected two overscan batches, got %d", len(overscan))
	}
	if overscan[0].Range != (LineRange{Start: 190, End: 200}) {
		t.Fatalf("overscan above = %+v, want [190,200)", overscan[0].Range)
	}
	if overscan[1].Range != (LineRange{Start: 220, End: 230}) {
		t.Fatalf("overscan below = %+v, want [220,230)", overscan[1].Range)
	}
	if len(cold) < 2 {
		t.Fatalf("expected at least two cold scrollback batches, got %d", len(cold))
	}
	var sawAbove, sawBelow bool
	for _, batch := range cold {
		if batch.Class != model.ClassBackground {
			t.Fatalf("cold scrollback batch classified %s, want background", batch.Class)
		}
		if batch.Range.End <= 190 {
			sawAbove = true
		}
		if batch.Range.Start >= 230 {
			sawBelow = true
		}
	}
	if !sawAbove || !sawBelow {
		t.Fatalf("cold scrollback must cover both sides: above=%v below=%v", sawAbove, sawBelow)
	}
}

func TestPlanReflowOverscanOmittedWhenCoveringRemainder(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 30,
		ViewportTop:       10,
		ViewportHeight:    10,
		OverscanLines:     15,
		MaxBatchLines:     5,
		LinesPerWorkUnit:  1,
		FrameBudgetUnits:  100,
	})
	for _, batch := range plan.Batches {
		if batch.Priority == PriorityViewportOverscan {
			t.Fatalf("overscan batch emitted although it covers the whole remainder")
		}
	}
	verifyCoverage(t, PlannerInput{TotalLogicalLines: 30}, plan)
}

func TestPlanReflowColdScrollbackInterleavesSides(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 1000,
		ViewportTop:       500,
		ViewportHeight:    10,
		MaxBatchLines:     100,
		LinesPerWorkUnit:  100,
		FrameBudgetUnits:  1,
	})
	var cold []Batch
	for _, batch := range plan.Batches {
		if batch.Priority == PriorityColdScrollback {
			cold = append(cold, batch)
		}
	}
	if len(cold) < 4 {
		t.Fatalf("expected several cold batches, got %d", len(cold))
	}
	// First two cold batches must come from opposite sides of the
	// viewport: one above it, one below it.
	aboveFirst := cold[0].Range.End <= 500
	belowSecond := cold[1].Range.Start >= 510
	if !aboveFirst || !belowSecond {
		t.Fatalf("cold batches not interleaved: first=%+v second=%+v", cold[0].Range, cold[1].Range)
	}
}

func TestPlanReflowSingleLineBatchesWhenMaxBatchLinesZero(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 10,
		ViewportTop:       4,
		ViewportHeight:    2,
		MaxBatchLines:     0,
		LinesPerWorkUnit:  1,
		FrameBudgetUnits:  100,
	})
	for _, batch := range plan.Batches {
		if batch.Priority == PriorityColdScrollback && batch.Range.Lines() != 1 {
			t.Fatalf("cold batch spans %d lines, want 1 when max batch lines is zero", batch.Range.Lines())
		}
	}
	verifyCoverage(t, PlannerInput{TotalLogicalLines: 10}, plan)
}

func TestPlanReflowWorkUnitCeiling(t *testing.T) {
	cases := []struct {
		lines        uint32
		linesPerUnit uint32
		want         uint32
	}{
		{lines: 1, linesPerUnit: 16, want: 1},
		{lines: 16, linesPerUnit: 16, want: 1},
		{lines: 17, linesPerUnit: 16, want: 2},
		{lines: 100, linesPerUnit: 0, want: 100},
	}
	for _, tc := range cases {
		plan := PlanReflow(PlannerInput{
			TotalLogicalLines: tc.lines,
			ViewportTop:       0,
			ViewportHeight:    tc.lines,
			LinesPerWorkUnit:  tc.linesPerUnit,
			MaxBatchLines:     tc.lines,
			FrameBudgetUnits:  1,
		})
		if plan.Batches[0].WorkUnits != tc.want {
			t.Fatalf("workUnits(%d lines, %d per unit) = %d, want %d",
				tc.lines, tc.linesPerUnit, plan.Batches[0].WorkUnits, tc.want)
		}
	}
}

func TestPlanReflowBudgetSelection(t *testing.T) {
	// Viewport costs 1 unit, each cold batch costs 1 unit; budget 3
	// admits the viewport plus two cold batches.
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 500,
		ViewportTop:       200,
		ViewportHeight:    100,
		MaxBatchLines:     100,
		LinesPerWorkUnit:  100,
		FrameBudgetUnits:  3,
	})
	var selected int
	for _, batch := range plan.Batches {
		if batch.SelectedForFrame {
			selected++
		}
	}
	if selected != 3 {
		t.Fatalf("selected %d batches, want 3", selected)
	}
	if plan.FrameWorkUnits != 3 {
		t.Fatalf("frame work units = %d, want 3", plan.FrameWorkUnits)
	}
}

func TestPlanReflowSaturatesAt32BitBoundary(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: math.MaxUint32,
		ViewportTop:       math.MaxUint32,
		ViewportHeight:    1000,
		OverscanLines:     math.MaxUint32,
		MaxBatchLines:     math.MaxUint32,
		LinesPerWorkUnit:  1,
		FrameBudgetUnits:  math.MaxUint32,
	})
	first := plan.Batches[0]
	if first.Range.End != math.MaxUint32 {
		t.Fatalf("viewport end = %d, want %d", first.Range.End, uint32(math.MaxUint32))
	}
	if first.Range.Lines() != 1000 {
		t.Fatalf("viewport lines = %d, want 1000", first.Range.Lines())
	}
}

func TestHooksRoundTripBatchFields(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 300,
		ViewportTop:       100,
		ViewportHeight:    20,
		OverscanLines:     10,
		MaxBatchLines:     50,
		LinesPerWorkUnit:  10,
		FrameBudgetUnits:  5,
	})
	hooks := plan.Hooks()
	if len(hooks) != len(plan.Batches) {
		t.Fatalf("got %d hooks for %d batches", len(hooks), len(plan.Batches))
	}
	for i, hook := range hooks {
		batch := plan.Batches[i]
		if hook.Range != batch.Range || hook.Class != batch.Class ||
			hook.WorkUnits != batch.WorkUnits || hook.SelectedForFrame != batch.SelectedForFrame ||
			hook.Rationale != batch.Rationale {
			t.Fatalf("hook %d does not match batch: %+v vs %+v", i, hook, batch)
		}
	}
}

func TestHookResizeIntent(t *testing.T) {
	hook := Hook{
		Range:     LineRange{Start: 10, End: 30},
		Class:     model.ClassInteractive,
		WorkUnits: 4,
	}
	intent := hook.ResizeIntent("pane-1", 7, 1234)
	if intent.PaneID != "pane-1" || intent.IntentSeq != 7 || intent.SubmittedAtMillis != 1234 {
		t.Fatalf("intent identity fields wrong: %+v", intent)
	}
	if intent.Class != model.ClassInteractive || intent.WorkUnits != 4 {
		t.Fatalf("intent work fields wrong: %+v", intent)
	}

	zero := Hook{Class: model.ClassBackground}
	if got := zero.ResizeIntent("p", 1, 0).WorkUnits; got != 1 {
		t.Fatalf("zero-unit hook normalized to %d units, want 1", got)
	}
}

func TestFrameIntentAggregatesSelectedWork(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 400,
		ViewportTop:       100,
		ViewportHeight:    25,
		MaxBatchLines:     50,
		LinesPerWorkUnit:  25,
		FrameBudgetUnits:  2,
	})
	intent := plan.FrameIntent("pane-9", 3, 99)
	if intent.Class != model.ClassInteractive {
		t.Fatalf("frame intent class = %s, want interactive", intent.Class)
	}
	if intent.WorkUnits != plan.FrameWorkUnits {
		t.Fatalf("frame intent units = %d, want %d", intent.WorkUnits, plan.FrameWorkUnits)
	}
}

func TestLogLinesRenderEveryBatch(t *testing.T) {
	plan := PlanReflow(PlannerInput{
		TotalLogicalLines: 500,
		ViewportTop:       200,
		ViewportHeight:    20,
		OverscanLines:     10,
		MaxBatchLines:     64,
		LinesPerWorkUnit:  32,
		FrameBudgetUnits:  3,
	})
	lines := plan.LogLines()
	if len(lines) != len(plan.Batches) {
		t.Fatalf("got %d log lines for %d batches", len(lines), len(plan.Batches))
	}
	if !strings.Contains(lines[0], "visible viewport") {
		t.Fatalf("first log line missing viewport rationale: %q", lines[0])
	}
	if !strings.Contains(lines[0], "range=[200,220)") {
		t.Fatalf("first log line missing range: %q", lines[0])
	}
}
