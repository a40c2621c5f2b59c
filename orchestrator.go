package streamcore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamlane-io/streamcore/checkpoint"
	"github.com/streamlane-io/streamcore/dlq"
	"github.com/streamlane-io/streamcore/emit"
	"github.com/streamlane-io/streamcore/task"
)

const (
	phaseInitiate = "initiate"
	phaseProcess  = "process"
	phaseFinalise = "finalise"

	// timeoutUnwindGrace bounds how long process/finalise wait for their
	// background goroutine to actually stop once its deadline has elapsed,
	// before the next phase is allowed to touch the same task trees. A
	// well-behaved ExecuteFunc returns promptly once its ctx is Done; this
	// only guards against one that doesn't.
	timeoutUnwindGrace = 5 * time.Second
)

// HostInvocation carries everything the host runtime supplies for one
// invocation: the inbound batch of records plus the facades the core reads
// but never controls (spec §6 "host runtime surface").
type HostInvocation struct {
	FunctionName string
	FunctionAlias string

	StreamName      string
	StreamTimestamp string
	ShardID         string
	EventID         string
	UserRecords     []any // parallel to Records when the caller aggregates records into "user records"

	Records []*Record

	// RemainingTime reports time left in the invocation at the moment it is
	// called; the orchestrator reads it once at the start of each phase.
	RemainingTime func() time.Duration
}

// Orchestrator drives one invocation's initiate/process/finalise phases
// (spec §4.6) over a Config, a checkpoint Store, and the terminal-action
// collaborators.
type Orchestrator struct {
	Config  *Config
	Store   checkpoint.Store
	Publisher dlq.Publisher
	ESM     *dlq.ESMController
	Emitter emit.Emitter
	Metrics *Metrics

	inflight int64 // atomic: process-phase tasks currently inside Execute
}

// NewOrchestrator builds an Orchestrator. emitter and metrics may be nil:
// a NullEmitter is substituted for a nil emitter, and a nil metrics is kept
// as is, so nothing is recorded.
func NewOrchestrator(cfg *Config, store checkpoint.Store, pub dlq.Publisher, esm *dlq.ESMController, emitter emit.Emitter, metrics *Metrics) *Orchestrator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Orchestrator{Config: cfg, Store: store, Publisher: pub, ESM: esm, Emitter: emitter, Metrics: metrics}
}

// Invoke runs one full invocation lifecycle: initiate, process, finalise,
// returning the finished Batch and, if the batch was not fully finalised
// (or a fatal/transient condition occurred), the error the host should
// treat as "redeliver this batch".
func (o *Orchestrator) Invoke(ctx context.Context, in HostInvocation) (*Batch, error) {
	if err := o.Config.Validate(); err != nil {
		return nil, o.fatal(ctx, in, nil, err)
	}

	bk, err := o.buildKey(in)
	if err != nil {
		return nil, o.fatal(ctx, in, nil, err)
	}

	b := NewBatch(bk.Key, bk.CorrelationID, o.Config)
	batchKeyStr := bk.String()

	if err := o.initiate(ctx, b, in); err != nil {
		return b, o.fatal(ctx, in, b, err)
	}

	if b.IsFullyFinalised() {
		o.emit(batchKeyStr, phaseInitiate, "", "already fully finalised, skipping process phase", nil)
		return b, o.finalise(ctx, b, in)
	}

	processErr := o.process(ctx, b, in)
	finaliseErr := o.finalise(ctx, b, in)

	if !b.IsFullyFinalised() {
		replayErr := o.selectReplayError(processErr, finaliseErr)
		if o.Metrics != nil {
			o.Metrics.IncrementReplay()
		}
		if errors.Is(replayErr, ErrFatal) {
			return b, o.fatal(ctx, in, b, replayErr)
		}
		return b, replayErr
	}

	for _, phaseErr := range []error{processErr, finaliseErr} {
		if errors.Is(phaseErr, ErrFatal) {
			return b, o.fatal(ctx, in, b, phaseErr)
		}
	}
	return b, nil
}

func (o *Orchestrator) buildKey(in HostInvocation) (BatchKey, error) {
	consumerID, err := o.Config.EffectiveConsumerID()
	if err != nil {
		return BatchKey{}, err
	}
	streamConsumerID := BuildStreamConsumerID(o.Config.StreamType, in.StreamName, consumerID, in.StreamTimestamp)

	keyedOnEventID := o.Config.BatchKeyedOnEventID || o.Config.StreamType == StreamDynamoDB
	eventID := in.EventID
	if eventID == "" && len(in.Records) > 0 {
		eventID = in.Records[0].EventID
	}
	shardOrEventID := BuildShardOrEventID(keyedOnEventID, in.ShardID, eventID)

	bk := NewBatchKey(streamConsumerID, shardOrEventID)
	if !bk.IsValid() {
		return BatchKey{}, fmt.Errorf("%w: resolved batch key is invalid (streamConsumerId=%q shardOrEventID=%q)", ErrConfig, streamConsumerID, shardOrEventID)
	}
	return bk, nil
}

// initiate extracts messages from every record, sequences them, loads and
// restores any prior checkpoint, revives task trees, and runs the optional
// preProcessBatch hook. No deadline race: spec §4.6 only races process and
// finalise.
func (o *Orchestrator) initiate(ctx context.Context, b *Batch, in HostInvocation) error {
	start := time.Now()
	o.emit(b.Key.String(), phaseInitiate, "", "initiate started", nil)

	if err := o.extract(ctx, b, in); err != nil {
		return err
	}

	if err := b.Sequence(); err != nil {
		return err
	}

	var prior *checkpoint.Item
	if o.Config.LoadBatchState != nil {
		state, err := o.Config.LoadBatchState(ctx)
		if err != nil {
			return &FatalError{Cause: err}
		}
		b.setCallerState(state)
	}
	if o.Store == nil {
		return &FatalError{Cause: fmt.Errorf("streamcore: no checkpoint store configured")}
	}
	p, err := b.LoadCheckpoint(ctx, o.Store)
	if err != nil {
		return err
	}
	prior = p

	b.RestoreFromPrior(prior)
	if err := b.ReviveTasks(o.Publisher); err != nil {
		return &FatalError{Cause: err}
	}

	if o.Config.PreProcessBatch != nil {
		if err := o.Config.PreProcessBatch(ctx, b); err != nil {
			return &FatalError{Cause: err}
		}
	}

	if o.Metrics != nil {
		o.Metrics.RecordPhaseLatency(phaseInitiate, "completed", time.Since(start))
	}
	o.emit(b.Key.String(), phaseInitiate, "", "initiate completed", nil)
	return nil
}

// extract runs the caller's extractor over every record, routing each
// outcome to messages, rejectedMessages or unusableRecords via Batch.
func (o *Orchestrator) extract(ctx context.Context, b *Batch, in HostInvocation) error {
	for i, rec := range in.Records {
		b.trackRecord(rec)
		var userRecord any
		if i < len(in.UserRecords) {
			userRecord = in.UserRecords[i]
		} else if rec != nil {
			userRecord = rec.UserRecord
		}

		switch {
		case o.Config.ExtractMessagesFromRecord != nil:
			msgs, err := o.Config.ExtractMessagesFromRecord(rec, userRecord)
			if err != nil {
				if _, aerr := b.AddUnusableRecord(ctx, rec, userRecord, err.Error()); aerr != nil {
					return aerr
				}
				continue
			}
			if len(msgs) == 0 {
				if _, aerr := b.AddUnusableRecord(ctx, rec, userRecord, "extractor returned no messages"); aerr != nil {
					return aerr
				}
				continue
			}
			for _, m := range msgs {
				if _, aerr := b.AddMessage(ctx, m, rec, userRecord); aerr != nil {
					return aerr
				}
			}
		case o.Config.ExtractMessageFromRecord != nil:
			m, err := o.Config.ExtractMessageFromRecord(rec, userRecord)
			if err != nil {
				if _, aerr := b.AddUnusableRecord(ctx, rec, userRecord, err.Error()); aerr != nil {
					return aerr
				}
				continue
			}
			if _, aerr := b.AddMessage(ctx, m, rec, userRecord); aerr != nil {
				return aerr
			}
		default:
			return &FatalError{Cause: fmt.Errorf("streamcore: no message extractor configured")}
		}
	}
	return nil
}

// process runs every per-key chain and every batch-wide process-all task
// concurrently, plus discard-unusable-records and the pre-finalise hook,
// raced against the process-phase deadline (spec §4.6/§6).
func (o *Orchestrator) process(ctx context.Context, b *Batch, in HostInvocation) error {
	start := time.Now()
	remaining := o.remainingTime(in)
	timeout := time.Duration(float64(remaining) * o.Config.TimeoutAtPercentageOfRemainingTime)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.emit(b.Key.String(), phaseProcess, "", "process started", map[string]any{"timeout_ms": timeout.Milliseconds()})

	done := make(chan error, 1)
	go func() {
		g, gctx := errgroup.WithContext(pctx)
		for _, head := range b.FirstMessagesToProcess() {
			head := head
			g.Go(func() error { return o.runChain(gctx, head) })
		}
		for _, t := range b.allMasterAlls() {
			t := t
			g.Go(func() error { return o.executeTree(gctx, t) })
		}
		g.Go(func() error { return b.discardUnusableRecords(gctx, o.Metrics) })
		done <- g.Wait()
	}()

	var outcome error
	select {
	case outcome = <-done:
	case <-pctx.Done():
		// The errgroup above is still running (ctx cancellation is
		// cooperative, not forcible); finalise must not start mutating
		// the same task trees until it has actually stopped. Wait for it,
		// bounded by a grace period, before touching any task.
		select {
		case <-done:
		case <-time.After(timeoutUnwindGrace):
			o.emit(b.Key.String(), phaseProcess, "", "process goroutine did not unwind within grace period after timeout", nil)
		}
		b.timeoutProcessingTasks(ErrTimeout)
		outcome = ErrTimeout
	}

	if o.Config.PreFinaliseBatch != nil && outcome == nil {
		if err := o.Config.PreFinaliseBatch(ctx, b); err != nil {
			outcome = &FatalError{Cause: err}
		}
	}

	status := "completed"
	if outcome != nil {
		status = "timed_out"
		if !errors.Is(outcome, ErrTimeout) {
			status = "failed"
		}
	}
	if o.Metrics != nil {
		o.Metrics.RecordPhaseLatency(phaseProcess, status, time.Since(start))
	}
	o.emit(b.Key.String(), phaseProcess, "", "process "+status, nil)
	return outcome
}

// runChain advances one per-key sequencing chain: message m2 cannot begin
// until every process-one task of prev(m2) is fully finalised (spec §5).
func (o *Orchestrator) runChain(ctx context.Context, head *TrackedState) error {
	cur := head
	var firstErr error
	for cur != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for _, t := range cur.Ones {
			if t.IsFullyFinalised() {
				continue
			}
			if err := o.executeTree(ctx, t); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		cur = o.batchNext(cur)
	}
	return firstErr
}

func (o *Orchestrator) batchNext(st *TrackedState) *TrackedState {
	if st.nextMessage == nil {
		return nil
	}
	return st.nextMessage.(*TrackedState)
}

// executeTree runs a task tree depth-first: children execute concurrently
// first (and must all be fully finalised before the parent runs), then the
// node's own execute function (if any) runs. A pure grouping node with no
// execute function and no unfinalised children is marked complete.
func (o *Orchestrator) executeTree(ctx context.Context, t *task.Task) error {
	if t.IsFullyFinalised() {
		return nil
	}

	if len(t.Children) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range t.Children {
			c := c
			g.Go(func() error { return o.executeTree(gctx, c) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if t.State.IsTerminal() {
		return nil
	}

	if o.Metrics != nil {
		n := atomic.AddInt64(&o.inflight, 1)
		o.Metrics.SetInflightTasks(phaseProcess, int(n))
	}
	future := t.Execute(ctx)
	_, err := future.Result(ctx)
	if o.Metrics != nil {
		n := atomic.AddInt64(&o.inflight, -1)
		o.Metrics.SetInflightTasks(phaseProcess, int(n))
	}
	if o.Metrics != nil {
		outcome := "started"
		if err != nil {
			outcome = "failed"
		} else if t.State == task.Completed {
			outcome = "completed"
		}
		o.Metrics.IncrementTaskAttempts(phaseProcess, outcome)
	}
	if errors.Is(err, task.ErrNoExecute) {
		for _, c := range t.Children {
			if !c.IsFullyFinalised() {
				return nil
			}
		}
		_ = t.Complete(nil)
		return nil
	}
	if err != nil {
		return err
	}
	return nil
}

// finalise discards over-attempted/dead processing tasks, freezes them,
// discards rejected messages, freezes finalising tasks, and saves the
// checkpoint, all raced against the finalise-phase deadline from
// finaliseTimeout. That deadline is the larger of remaining-1s and the
// configured fraction (at least 0.8) of remaining, so at most 1s of the
// remaining time is left once it passes.
func (o *Orchestrator) finalise(ctx context.Context, b *Batch, in HostInvocation) error {
	start := time.Now()
	remaining := o.remainingTime(in)
	timeout := finaliseTimeout(remaining, o.Config.TimeoutAtPercentageOfRemainingTime)
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	o.emit(b.Key.String(), phaseFinalise, "", "finalise started", map[string]any{"timeout_ms": timeout.Milliseconds()})

	done := make(chan error, 1)
	go func() {
		b.discardProcessingTasksIfOverAttempted()
		b.abandonDeadProcessingTasks()
		b.freezeProcessingTasks()

		if err := b.discardRejectedMessages(fctx, o.Publisher, o.Metrics); err != nil {
			done <- err
			return
		}

		b.discardFinalisingTasksIfOverAttempted()
		b.abandonDeadFinalisingTasks()
		b.freezeFinalisingTasks()

		if o.Config.SaveBatchState != nil {
			if err := o.Config.SaveBatchState(fctx, b.CallerState()); err != nil {
				done <- err
				return
			}
		}

		saveStart := time.Now()
		err := b.SaveCheckpoint(fctx, o.Store)
		if o.Metrics != nil {
			o.Metrics.RecordCheckpointSaveLatency(time.Since(saveStart))
		}
		done <- err
	}()

	var outcome error
	select {
	case outcome = <-done:
	case <-fctx.Done():
		// Same unwind guarantee as process: don't mutate finalising task
		// trees while the background goroutine above may still be running.
		select {
		case <-done:
		case <-time.After(timeoutUnwindGrace):
			o.emit(b.Key.String(), phaseFinalise, "", "finalise goroutine did not unwind within grace period after timeout", nil)
		}
		b.timeoutFinalisingTasks(ErrTimeout)
		outcome = &ReplayError{Phase: phaseFinalise}
	}

	if outcome == nil && o.Config.PostFinaliseBatch != nil {
		if err := o.Config.PostFinaliseBatch(ctx, b); err != nil {
			outcome = &FatalError{Cause: err}
		}
	}

	status := "completed"
	if outcome != nil {
		status = "failed"
	}
	if o.Metrics != nil {
		o.Metrics.RecordPhaseLatency(phaseFinalise, status, time.Since(start))
	}
	o.emit(b.Key.String(), phaseFinalise, "", "finalise "+status, nil)
	o.emit(b.Key.String(), "", "", b.SummarizeFinalResults(outcome), nil)
	return outcome
}

// finaliseTimeout implements spec §4.6's finalise deadline formula:
// max(remaining - 1s, remaining * max(configured, 0.8)), guaranteeing a
// reserve for the save itself even at a tight configured percentage.
func finaliseTimeout(remaining time.Duration, configuredPct float64) time.Duration {
	pct := configuredPct
	if pct < 0.8 {
		pct = 0.8
	}
	byPct := time.Duration(float64(remaining) * pct)
	byReserve := remaining - time.Second
	if byReserve > byPct {
		return byReserve
	}
	return byPct
}

func (o *Orchestrator) remainingTime(in HostInvocation) time.Duration {
	if in.RemainingTime == nil {
		return 0
	}
	return in.RemainingTime()
}

// selectReplayError picks the error the host sees when the batch ends not
// fully finalised (spec §4.6/§7 replay policy): an ErrFatal condition
// wins, else the first process-phase failure, else the
// first finalise-phase failure, else a generic incomplete-batch error.
func (o *Orchestrator) selectReplayError(processErr, finaliseErr error) error {
	if processErr != nil && errors.Is(processErr, ErrFatal) {
		return processErr
	}
	if finaliseErr != nil && errors.Is(finaliseErr, ErrFatal) {
		return finaliseErr
	}
	if processErr != nil {
		return processErr
	}
	if finaliseErr != nil {
		return finaliseErr
	}
	return &ReplayError{Phase: "finalise"}
}

func (o *Orchestrator) fatal(ctx context.Context, in HostInvocation, b *Batch, err error) error {
	wrapped := err
	var fe *FatalError
	if !errors.As(err, &fe) {
		wrapped = &FatalError{Cause: err}
	}
	if o.ESM != nil {
		return &FatalError{Cause: dlq.HandleFatalError(ctx, o.ESM, in.FunctionName, wrapped)}
	}
	return wrapped
}

func (o *Orchestrator) emit(batchKey, phase, taskID, msg string, meta map[string]any) {
	if o.Emitter == nil {
		return
	}
	step := 0
	switch phase {
	case phaseProcess:
		step = 1
	case phaseFinalise:
		step = 2
	}
	o.Emitter.Emit(emit.Event{BatchKey: batchKey, Step: step, TaskID: taskID, Msg: msg, Meta: meta})
}
