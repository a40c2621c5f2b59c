package emit

import (
	"context"
	"sync"
)

// BufferedEmitter keeps every event in memory, indexed by BatchKey, so a
// test or a local debugging session can inspect exactly what an
// invocation did after the fact. Not meant for production: nothing ever
// evicts old batch keys short of an explicit Clear.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter narrows GetHistoryWithFilter. Zero-valued fields are
// unfiltered; all set fields are combined with AND.
type HistoryFilter struct {
	TaskID  string
	Msg     string
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter returns an empty BufferedEmitter. Safe for concurrent
// use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.BatchKey] = append(b.events[event.BatchKey], event)
}

func (b *BufferedEmitter) EmitBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, event := range events {
		b.events[event.BatchKey] = append(b.events[event.BatchKey], event)
	}
	return nil
}

// Flush is a no-op: BufferedEmitter has no downstream backend to drain.
func (b *BufferedEmitter) Flush(ctx context.Context) error { return nil }

// GetHistory returns every event recorded for batchKey, in emission
// order. Never nil.
func (b *BufferedEmitter) GetHistory(batchKey string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[batchKey]
	if events == nil {
		return []Event{}
	}
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns batchKey's events matching filter, e.g. to
// pull just the "process"-phase events (MinStep/MaxStep = 1) or just the
// events for one task (TaskID).
func (b *BufferedEmitter) GetHistoryWithFilter(batchKey string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[batchKey]
	if events == nil {
		return []Event{}
	}
	if filter.TaskID == "" && filter.Msg == "" && filter.MinStep == nil && filter.MaxStep == nil {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	var result []Event
	for _, event := range events {
		if b.matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	if result == nil {
		return []Event{}
	}
	return result
}

func (b *BufferedEmitter) matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.TaskID != "" && event.TaskID != filter.TaskID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinStep != nil && event.Step < *filter.MinStep {
		return false
	}
	if filter.MaxStep != nil && event.Step > *filter.MaxStep {
		return false
	}
	return true
}

// Clear drops the recorded history for batchKey, or every batch key when
// batchKey is empty.
func (b *BufferedEmitter) Clear(batchKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if batchKey == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, batchKey)
}
