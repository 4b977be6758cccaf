package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/paneflow/internal/db"
	"github.com/g960059/paneflow/internal/model"
	"github.com/g960059/paneflow/internal/resize"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "paneflow-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedFrameSamples inserts count synthetic frame samples with
// increasing frame numbers.
func SeedFrameSamples(t *testing.T, store *db.Store, ctx context.Context, count int) {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < count; i++ {
		sample := db.FrameSample{
			Frame:                uint64(i + 1),
			BudgetUnits:          8,
			EffectiveBudgetUnits: 8,
			SpentUnits:           uint32(i % 9),
			ScheduledPanes:       i % 4,
			PendingAfter:         i % 3,
			RecordedAt:           now.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.InsertFrameSample(ctx, sample); err != nil {
			t.Fatalf("seed frame sample %d: %v", i, err)
		}
	}
}

// SeedLifecycleEvents inserts a plausible submit/schedule/complete
// sequence for one pane.
func SeedLifecycleEvents(t *testing.T, store *db.Store, ctx context.Context, paneID string) {
	t.Helper()
	events := []resize.LifecycleEvent{
		{Kind: resize.EventSubmitted, PaneID: paneID, IntentSeq: 1, AtMillis: 100},
		{Kind: resize.EventScheduled, PaneID: paneID, IntentSeq: 1, Phase: model.PhasePreparing, AtMillis: 116},
		{Kind: resize.EventPhase, PaneID: paneID, IntentSeq: 1, Phase: model.PhaseReflowing, AtMillis: 118},
		{Kind: resize.EventCompleted, PaneID: paneID, IntentSeq: 1, Phase: model.PhaseCompleted, AtMillis: 130},
	}
	if err := store.InsertLifecycleEvents(ctx, events, time.Now().UTC()); err != nil {
		t.Fatalf("seed lifecycle events: %v", err)
	}
}
