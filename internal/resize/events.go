package resize

import "github.com/g960059/paneflow/internal/model"

// LifecycleEventKind names what happened to an intent.
type LifecycleEventKind string

const (
	EventSubmitted       LifecycleEventKind = "submitted"
	EventSuperseded      LifecycleEventKind = "superseded"
	EventSuppressed      LifecycleEventKind = "suppressed"
	EventDroppedOverload LifecycleEventKind = "dropped_overload"
	EventScheduled       LifecycleEventKind = "scheduled"
	EventForced          LifecycleEventKind = "forced"
	EventPhase           LifecycleEventKind = "phase"
	EventCompleted       LifecycleEventKind = "completed"
	EventCancelled       LifecycleEventKind = "cancelled"
)

// LifecycleEvent is one entry in the scheduler's bounded event ring.
// The ring is diagnostic state only; scheduling decisions never read
// it back.
type LifecycleEvent struct {
	Kind      LifecycleEventKind
	PaneID    string
	IntentSeq uint64
	Phase     model.ExecutionPhase
	AtMillis  int64
}

// lifecycleLog is a fixed-capacity ring of lifecycle events. Oldest
// entries are overwritten once the ring fills.
type lifecycleLog struct {
	entries  []LifecycleEvent
	next     int
	size     int
	appended uint64
}

func newLifecycleLog(capacity int) *lifecycleLog {
	return &lifecycleLog{entries: make([]LifecycleEvent, capacity)}
}

func (l *lifecycleLog) append(event LifecycleEvent) {
	if len(l.entries) == 0 {
		return
	}
	l.entries[l.next] = event
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
	l.appended++
}

// since returns the events appended after the given cursor in
// chronological order, plus the new cursor. Events that scrolled out
// of the ring before the caller drained them are lost.
func (l *lifecycleLog) since(cursor uint64) ([]LifecycleEvent, uint64) {
	missed := l.appended - cursor
	if cursor > l.appended {
		missed = l.appended
	}
	count := int(missed)
	if count > l.size {
		count = l.size
	}
	if count == 0 {
		return nil, l.appended
	}
	return l.recent(count), l.appended
}

// recent returns the most recent limit events in chronological order.
// A limit of zero (or one exceeding the retained count) returns every
// retained event.
func (l *lifecycleLog) recent(limit int) []LifecycleEvent {
	count := l.size
	if limit > 0 && limit < count {
		count = limit
	}
	out := make([]LifecycleEvent, 0, count)
	start := l.next - count
	if start < 0 {
		start += len(l.entries)
	}
	for i := 0; i < count; i++ {
		out = append(out, l.entries[(start+i)%len(l.entries)])
	}
	return out
}
