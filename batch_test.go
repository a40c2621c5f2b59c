package streamcore

import (
	"context"
	"testing"

	"github.com/streamlane-io/streamcore/checkpoint"
	"github.com/streamlane-io/streamcore/identity"
	"github.com/streamlane-io/streamcore/task"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return NewConfig(
		WithStreamType(StreamKinesis),
		WithExtractMessageFromRecord(func(record, userRecord any) (any, error) {
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
	)
}

func testKey() checkpoint.Key {
	return checkpoint.Key{StreamConsumerID: "K|stream|consumer", ShardOrEventID: "S|shard-1"}
}

func newTestBatch(t *testing.T, cfg *Config) *Batch {
	t.Helper()
	return NewBatch(testKey(), "corr-1", cfg)
}

func TestBatch_AddMessage_TracksInOrder(t *testing.T) {
	cfg := testConfig(t)
	b := newTestBatch(t, cfg)
	ctx := context.Background()

	r1 := &Record{EventID: "e1", EventSeqNo: "1"}
	r2 := &Record{EventID: "e2", EventSeqNo: "2"}
	b.trackRecord(r1)
	b.trackRecord(r2)

	if _, err := b.AddMessage(ctx, r1, r1, nil); err != nil {
		t.Fatalf("AddMessage r1: %v", err)
	}
	if _, err := b.AddMessage(ctx, r2, r2, nil); err != nil {
		t.Fatalf("AddMessage r2: %v", err)
	}

	msgs := b.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if len(b.Records()) != 2 {
		t.Fatalf("expected 2 tracked records, got %d", len(b.Records()))
	}
}

func TestBatch_AddMessage_NilRoutesToUnusable(t *testing.T) {
	cfg := testConfig(t)
	b := newTestBatch(t, cfg)
	ctx := context.Background()

	r := &Record{EventID: "e1", EventSeqNo: "1"}
	if _, err := b.AddMessage(ctx, nil, r, nil); err != nil {
		t.Fatalf("AddMessage nil: %v", err)
	}
	if len(b.Messages()) != 0 {
		t.Fatalf("expected no messages")
	}
	if len(b.UnusableRecords()) != 1 {
		t.Fatalf("expected 1 unusable record, got %d", len(b.UnusableRecords()))
	}
}

// TestBatch_SequenceOrdersReversedSameKeyMessages exercises the
// reversed-arrival-order scenario from spec.md §8: with no key resolver
// configured, every message falls into one global chain ordered by
// eventSeqNo regardless of arrival order.
func TestBatch_SequenceOrdersReversedSameKeyMessages(t *testing.T) {
	cfg := testConfig(t)
	b := newTestBatch(t, cfg)
	ctx := context.Background()

	r2 := &Record{EventID: "e2", EventSeqNo: "20"}
	r1 := &Record{EventID: "e1", EventSeqNo: "10"}
	if _, err := b.AddMessage(ctx, r2, r2, nil); err != nil {
		t.Fatalf("AddMessage r2: %v", err)
	}
	if _, err := b.AddMessage(ctx, r1, r1, nil); err != nil {
		t.Fatalf("AddMessage r1: %v", err)
	}

	if err := b.Sequence(); err != nil {
		t.Fatalf("Sequence: %v", err)
	}

	heads := b.FirstMessagesToProcess()
	if len(heads) != 1 {
		t.Fatalf("expected 1 head for a single global chain (no keys), got %d heads", len(heads))
	}
	head := heads[0]
	if head.Coords.EventID != "e1" {
		t.Fatalf("expected chain head to be the lower seqNo (e1), got %s", head.Coords.EventID)
	}
	next := b.NextMessage(head)
	if next == nil || next.Coords.EventID != "e2" {
		t.Fatalf("expected e1 -> e2, got next=%v", next)
	}
}

func TestBatch_ReviveTasks_MaterializesTrees(t *testing.T) {
	cfg := testConfig(t)
	cfg.ProcessOneTemplates = append(cfg.ProcessOneTemplates, func(message any) *task.Template {
		return &task.Template{
			Name:    "handle",
			Execute: func(ctx context.Context) (any, error) { return nil, nil },
		}
	})
	b := newTestBatch(t, cfg)
	ctx := context.Background()

	r := &Record{EventID: "e1", EventSeqNo: "1"}
	st, err := b.AddMessage(ctx, r, r, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := b.Sequence(); err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if err := b.ReviveTasks(nil); err != nil {
		t.Fatalf("ReviveTasks: %v", err)
	}

	if _, ok := st.Ones["handle"]; !ok {
		t.Fatalf("expected a 'handle' process-one task, got %v", st.Ones)
	}
	if b.IsFullyFinalised() {
		t.Fatalf("fresh batch should not be fully finalised before any task runs")
	}
}

// TestBatch_DiscardProcessingTasksIfOverAttempted exercises the
// retry-exhaustion scenario from spec.md §8: a process-one task that
// always fails is discarded once it has used its attempt budget.
func TestBatch_DiscardProcessingTasksIfOverAttempted(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxNumberOfAttempts = 1
	cfg.ProcessOneTemplates = append(cfg.ProcessOneTemplates, func(message any) *task.Template {
		return &task.Template{
			Name:    "handle",
			Execute: func(ctx context.Context) (any, error) { return nil, context.DeadlineExceeded },
		}
	})
	b := newTestBatch(t, cfg)
	ctx := context.Background()

	r := &Record{EventID: "e1", EventSeqNo: "1"}
	st, err := b.AddMessage(ctx, r, r, nil)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	if err := b.Sequence(); err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if err := b.ReviveTasks(nil); err != nil {
		t.Fatalf("ReviveTasks: %v", err)
	}

	tsk := st.Ones["handle"]
	if _, err := tsk.Execute(ctx).Result(ctx); err == nil {
		t.Fatalf("expected the task's Execute to fail")
	}

	b.discardProcessingTasksIfOverAttempted()
	if tsk.State != task.Discarded {
		t.Fatalf("expected task to be discarded after reaching MaxNumberOfAttempts=1, got %v", tsk.State)
	}
}

// TestBatch_CheckpointRoundTrip exercises the serialize/restore round trip:
// a batch's state is saved, a new batch is constructed from the same
// records, and RestoreFromPrior must bring the completed task's state back
// so ReviveTasks doesn't re-run it.
func TestBatch_CheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()

	build := func() (*Batch, *TrackedState) {
		cfg := testConfig(t)
		calls := 0
		cfg.ProcessOneTemplates = append(cfg.ProcessOneTemplates, func(message any) *task.Template {
			return &task.Template{
				Name: "handle",
				Execute: func(ctx context.Context) (any, error) {
					calls++
					return nil, nil
				},
			}
		})
		b := NewBatch(testKey(), "corr-1", cfg)
		r := &Record{EventID: "e1", EventSeqNo: "1"}
		st, err := b.AddMessage(ctx, r, r, nil)
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		return b, st
	}

	b1, st1 := build()
	if err := b1.Sequence(); err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	prior, err := b1.LoadCheckpoint(ctx, store)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if prior != nil {
		t.Fatalf("expected no prior checkpoint on first invocation")
	}
	b1.RestoreFromPrior(prior)
	if err := b1.ReviveTasks(nil); err != nil {
		t.Fatalf("ReviveTasks: %v", err)
	}
	if _, err := st1.Ones["handle"].Execute(ctx).Result(ctx); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := b1.SaveCheckpoint(ctx, store); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	b2, st2 := build()
	if err := b2.Sequence(); err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	prior2, err := b2.LoadCheckpoint(ctx, store)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if prior2 == nil {
		t.Fatalf("expected a prior checkpoint on second invocation")
	}
	b2.RestoreFromPrior(prior2)
	if err := b2.ReviveTasks(nil); err != nil {
		t.Fatalf("ReviveTasks: %v", err)
	}
	if !st2.Ones["handle"].IsFullyFinalised() {
		t.Fatalf("expected revived task to already be fully finalised, got state %v", st2.Ones["handle"].State)
	}
}
