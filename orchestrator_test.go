package streamcore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/streamlane-io/streamcore/checkpoint"
	"github.com/streamlane-io/streamcore/identity"
	"github.com/streamlane-io/streamcore/task"
)

func orchestratorConfig(t *testing.T, processOne func(message any) *task.Template) *Config {
	t.Helper()
	opts := []Option{
		WithStreamType(StreamKinesis),
		WithExtractMessageFromRecord(func(record, userRecord any) (any, error) { return record, nil }),
		WithEventIdentityResolver(func(record, userRecord any) (identity.Coordinates, error) {
			rec := record.(*Record)
			return identity.Coordinates{EventID: rec.EventID, EventSeqNo: rec.EventSeqNo}, nil
		}),
		WithDiscardUnusableRecord(func(ctx context.Context, record any, reason string, batch *Batch) error { return nil }),
		WithDiscardRejectedMessage(func(ctx context.Context, message any, reason string, batch *Batch) error { return nil }),
		WithDeadLetterQueues("state-table", "drq", "dmq"),
		WithConsumerID("test-consumer", ""),
		WithTimeoutPercentage(0.8),
	}
	if processOne != nil {
		opts = append(opts, WithProcessOneTemplate(processOne))
	}
	return NewConfig(opts...)
}

func hostInvocation(records []*Record, remaining time.Duration) HostInvocation {
	return HostInvocation{
		FunctionName: "test-fn",
		StreamName:   "orders",
		ShardID:      "shard-1",
		Records:      records,
		RemainingTime: func() time.Duration { return remaining },
	}
}

// TestOrchestrator_Invoke_HappyPath exercises a single-message batch that
// fully finalises within the process and finalise deadlines.
func TestOrchestrator_Invoke_HappyPath(t *testing.T) {
	var ran int32
	cfg := orchestratorConfig(t, func(message any) *task.Template {
		return &task.Template{
			Name: "handle",
			Execute: func(ctx context.Context) (any, error) {
				ran++
				return nil, nil
			},
		}
	})
	store := checkpoint.NewMemoryStore()
	orch := NewOrchestrator(cfg, store, nil, nil, nil, nil)

	records := []*Record{{EventID: "e1", EventSeqNo: "1"}}
	b, err := orch.Invoke(context.Background(), hostInvocation(records, time.Minute))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !b.IsFullyFinalised() {
		t.Fatalf("expected batch to be fully finalised, got %s", b.Describe())
	}
	if ran != 1 {
		t.Fatalf("expected the process-one task to run exactly once, ran=%d", ran)
	}
}

// TestOrchestrator_Invoke_IdempotentShortCircuit exercises the idempotent
// re-invocation scenario from spec.md §8: replaying the same batch after it
// was already fully finalised must not re-run any process-one task.
func TestOrchestrator_Invoke_IdempotentShortCircuit(t *testing.T) {
	var ran int32
	mk := func() *Config {
		return orchestratorConfig(t, func(message any) *task.Template {
			return &task.Template{
				Name: "handle",
				Execute: func(ctx context.Context) (any, error) {
					ran++
					return nil, nil
				},
			}
		})
	}
	store := checkpoint.NewMemoryStore()
	records := []*Record{{EventID: "e1", EventSeqNo: "1"}}

	orch1 := NewOrchestrator(mk(), store, nil, nil, nil, nil)
	if _, err := orch1.Invoke(context.Background(), hostInvocation(records, time.Minute)); err != nil {
		t.Fatalf("first Invoke: %v", err)
	}
	if ran != 1 {
		t.Fatalf("expected 1 run after first invocation, got %d", ran)
	}

	orch2 := NewOrchestrator(mk(), store, nil, nil, nil, nil)
	b2, err := orch2.Invoke(context.Background(), hostInvocation(records, time.Minute))
	if err != nil {
		t.Fatalf("second Invoke: %v", err)
	}
	if !b2.IsFullyFinalised() {
		t.Fatalf("expected replayed batch to be fully finalised")
	}
	if ran != 1 {
		t.Fatalf("expected no additional runs on idempotent replay, got %d total", ran)
	}
}

// TestOrchestrator_Invoke_ProcessTimeoutReplays exercises the process-phase
// timeout scenario from spec.md §8: a task that never returns causes the
// process deadline to elapse, and Invoke must surface a replay-worthy error
// without the batch having fully finalised.
func TestOrchestrator_Invoke_ProcessTimeoutReplays(t *testing.T) {
	block := make(chan struct{})
	cfg := orchestratorConfig(t, func(message any) *task.Template {
		return &task.Template{
			Name: "handle",
			Execute: func(ctx context.Context) (any, error) {
				select {
				case <-block:
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}
	})
	store := checkpoint.NewMemoryStore()
	orch := NewOrchestrator(cfg, store, nil, nil, nil, nil)

	records := []*Record{{EventID: "e1", EventSeqNo: "1"}}
	// A tiny remaining time forces the process-phase deadline to elapse
	// almost immediately, well before block is ever closed.
	_, err := orch.Invoke(context.Background(), hostInvocation(records, 20*time.Millisecond))
	close(block)

	if err == nil {
		t.Fatalf("expected an error forcing redelivery on process-phase timeout")
	}
	if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrReplay) && !errors.Is(err, ErrFatal) {
		t.Fatalf("expected a timeout/replay/fatal-rooted error, got %v", err)
	}
}

// TestOrchestrator_Invoke_UnusableRecordIsDiscarded exercises the
// unusable-record scenario from spec.md §8: a record the extractor cannot
// turn into a message is routed to the dead-record queue and does not
// block the rest of the batch from finalising.
func TestOrchestrator_Invoke_UnusableRecordIsDiscarded(t *testing.T) {
	cfg := NewConfig(
		WithStreamType(StreamKinesis),
		WithExtractMessageFromRecord(func(record, userRecord any) (any, error) {
			rec := record.(*Record)
			if rec.EventID == "bad" {
				return nil, errors.New("cannot decode")
			}
			return record, nil
		}),
		WithEventIdentityResolver(func(record, userRecord any) (identity.Coordinates, error) {
			rec := record.(*Record)
			return identity.Coordinates{EventID: rec.EventID, EventSeqNo: rec.EventSeqNo}, nil
		}),
		WithDiscardUnusableRecord(func(ctx context.Context, record any, reason string, batch *Batch) error { return nil }),
		WithDiscardRejectedMessage(func(ctx context.Context, message any, reason string, batch *Batch) error { return nil }),
		WithDeadLetterQueues("state-table", "drq", "dmq"),
		WithConsumerID("test-consumer", ""),
		WithProcessOneTemplate(func(message any) *task.Template {
			return &task.Template{Name: "handle", Execute: func(ctx context.Context) (any, error) { return nil, nil }}
		}),
	)
	store := checkpoint.NewMemoryStore()
	orch := NewOrchestrator(cfg, store, nil, nil, nil, nil)

	records := []*Record{{EventID: "good", EventSeqNo: "1"}, {EventID: "bad", EventSeqNo: "2"}}
	b, err := orch.Invoke(context.Background(), hostInvocation(records, time.Minute))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !b.IsFullyFinalised() {
		t.Fatalf("expected batch to be fully finalised, got %s", b.Describe())
	}
	if len(b.Messages()) != 1 {
		t.Fatalf("expected 1 usable message, got %d", len(b.Messages()))
	}
	if len(b.UnusableRecords()) != 1 {
		t.Fatalf("expected 1 unusable record, got %d", len(b.UnusableRecords()))
	}
}
