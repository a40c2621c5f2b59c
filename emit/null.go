package emit

import "context"

// NullEmitter discards every event. It is the default used by
// NewOrchestrator when the caller doesn't configure an Emitter, and is
// useful in tests that don't care about observability output.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that drops everything handed to it.
// Safe for concurrent use; zero overhead.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

func (n *NullEmitter) Emit(event Event) {}

func (n *NullEmitter) EmitBatch(ctx context.Context, events []Event) error { return nil }

func (n *NullEmitter) Flush(ctx context.Context) error { return nil }
