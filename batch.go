package streamcore

import (
	"context"
	"fmt"
	"sync"

	"github.com/streamlane-io/streamcore/checkpoint"
	"github.com/streamlane-io/streamcore/dlq"
	"github.com/streamlane-io/streamcore/identity"
	"github.com/streamlane-io/streamcore/task"
)

// Record is the opaque input element handed to one invocation: at least an
// event identifier, event sequence number and source identifier, optionally
// carrying a "user record" (a sub-item produced by aggregated encodings).
type Record struct {
	EventID      string
	EventSeqNo   string
	SourceID     string
	UserRecord   any
	Raw          []byte
}

// TrackedStateKind discriminates the three shapes a TrackedState may take.
type TrackedStateKind int

const (
	MessageKind TrackedStateKind = iota
	UnusableRecordKind
	BatchKind
)

// TrackedState is the per-item mutable state kept in Batch.states, keyed by
// item identity. Exactly one of the three shapes in spec.md §3 applies,
// selected by Kind.
type TrackedState struct {
	Kind TrackedStateKind

	// Populated for MessageKind and UnusableRecordKind.
	Message    any
	Record     *Record
	UserRecord any

	Coords  identity.Coordinates
	ID      identity.Identity
	Digests identity.Digests

	ReasonRejected string
	ReasonUnusable string

	// Ones holds this message's process-one tasks, keyed by template name.
	// Only meaningful for MessageKind.
	Ones map[string]*task.Task
	// Alls holds per-message mirrors (MessageKind) or master tasks
	// (BatchKind) of batch-wide process-all templates.
	Alls map[string]*task.Task
	// Discards holds the discard-unusable or discard-rejected task for
	// this item (MessageKind/UnusableRecordKind), keyed by template name.
	Discards map[string]*task.Task

	// Phase task trees, BatchKind only.
	Initiating map[string]*task.Task
	Processing map[string]*task.Task
	Finalising map[string]*task.Task

	// prevMessage/nextMessage are identity keys into Batch.states (never
	// owning references), set by the sequencer. MessageKind only.
	prevMessage any
	nextMessage any

	// pending* hold a prior invocation's persisted task snapshots, attached
	// by RestoreFromPrior and consumed by DefineProcessTasks/
	// DefineDiscardTasks/definePhaseTasks when they materialize the live
	// task tree for a name: present means "revive with this state",
	// absent means "create fresh". Batch-kind states use pendingAlls for
	// the master "alls" plus the three pendingInitiating/Processing/
	// Finalising maps; message/unusable-record states use pendingOnes/
	// pendingAlls/pendingDiscards.
	pendingOnes       map[string]checkpoint.TaskNode
	pendingAlls       map[string]checkpoint.TaskNode
	pendingDiscards   map[string]checkpoint.TaskNode
	pendingInitiating map[string]checkpoint.TaskNode
	pendingProcessing map[string]checkpoint.TaskNode
	pendingFinalising map[string]checkpoint.TaskNode
}

// newOrRevive creates a fresh task from tmpl, or revives it from a pending
// persisted snapshot when pending carries an entry for tmpl.Name, merging
// the snapshot's state/attempts/children onto the live template subtree.
func newOrRevive(tmpl *task.Template, pending map[string]checkpoint.TaskNode) *task.Task {
	node, ok := pending[tmpl.Name]
	if !ok {
		return task.New(tmpl)
	}
	return task.Revive(tmpl, map[string]*task.Snapshot{tmpl.Name: nodeToSnapshot(node)}, task.ReviveAndCreateMissing)
}

// itemRef is the stable identity key used inside Batch.states: items are
// tracked by pointer identity of the TrackedState's owning slot, since
// messages/records are arbitrary user-supplied values that may not be
// comparable. A small box avoids requiring Message/Record to implement
// any interface.
type itemRef = *TrackedState

// Batch is the aggregate container for one invocation: owns records,
// messages, rejected messages, unusable records, and every item's tracked
// state, including task trees.
type Batch struct {
	mu sync.Mutex

	Key             checkpoint.Key
	CorrelationID   string
	cfg             *Config

	records         []*Record
	messages        []itemRef
	rejectedMessages []itemRef
	unusableRecords []itemRef

	states map[itemRef]*TrackedState

	batchState itemRef

	firstMessagesToProcess []itemRef

	previouslySaved checkpoint.PreviouslySaved

	// callerState holds whatever LoadBatchState returned during initiate,
	// for PreProcessBatch/PreFinaliseBatch to read and SaveBatchState to
	// persist back out during finalise.
	callerState any
}

// CallerState returns the value LoadBatchState produced during initiate
// (nil if no LoadBatchState hook is configured, or it hasn't run yet).
func (b *Batch) CallerState() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callerState
}

func (b *Batch) setCallerState(state any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callerState = state
}

// NewBatch constructs an empty Batch for key, ready for message/record
// extraction.
func NewBatch(key checkpoint.Key, correlationID string, cfg *Config) *Batch {
	b := &Batch{
		Key:             key,
		CorrelationID:   correlationID,
		cfg:             cfg,
		states:          map[itemRef]*TrackedState{},
		previouslySaved: checkpoint.Unknown,
	}
	bs := &TrackedState{Kind: BatchKind, Alls: map[string]*task.Task{}}
	b.batchState = bs
	b.states[bs] = bs
	return b
}

// BatchState returns the batch-wide tracked state (master "alls" and the
// three phase task trees).
func (b *Batch) BatchState() *TrackedState { return b.batchState }

// Records returns every raw record handed to this invocation, in arrival
// order.
func (b *Batch) Records() []*Record { return append([]*Record(nil), b.records...) }

// trackRecord appends record to the batch's records list. Called once per
// inbound record during extraction, independent of how many messages (zero,
// one, or many) it yields.
func (b *Batch) trackRecord(record *Record) {
	if record != nil {
		b.records = append(b.records, record)
	}
}

// Messages returns the current not-yet-rejected messages, in extraction
// order. Callers must not retain the slice across a call that mutates the
// batch (AddMessage, discardUnusableRecords/discardRejectedMessages move
// items between lists).
func (b *Batch) Messages() []*TrackedState { return append([]itemRef(nil), b.messages...) }

// RejectedMessages returns the current rejected messages.
func (b *Batch) RejectedMessages() []*TrackedState { return append([]itemRef(nil), b.rejectedMessages...) }

// UnusableRecords returns the current unusable records.
func (b *Batch) UnusableRecords() []*TrackedState { return append([]itemRef(nil), b.unusableRecords...) }

// FirstMessagesToProcess returns the heads of every per-key sequencing
// chain, set by Sequence.
func (b *Batch) FirstMessagesToProcess() []*TrackedState {
	return append([]itemRef(nil), b.firstMessagesToProcess...)
}

// NextMessage returns the message that follows m in its sequencing chain,
// or nil at the tail.
func (b *Batch) NextMessage(m *TrackedState) *TrackedState {
	if m.nextMessage == nil {
		return nil
	}
	return m.nextMessage.(itemRef)
}

// AddUnusableRecord creates tracked state for a record that could not be
// decoded into a message, attaching digests and event coordinates on a
// best-effort basis (a record that can't even yield coordinates still gets
// an unusable entry; its BFK will simply be empty).
func (b *Batch) AddUnusableRecord(ctx context.Context, record *Record, userRecord any, reason string) (*TrackedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := &TrackedState{Kind: UnusableRecordKind, Record: record, UserRecord: userRecord, ReasonUnusable: reason}

	if record != nil && b.cfg.ResolveEventIDAndSeqNos != nil {
		coords, err := identity.ResolveEventCoordinates(b.cfg.ResolveEventIDAndSeqNos, record, userRecord)
		if err == nil {
			st.Coords = coords
		}
	}
	st.Digests = b.deriveDigests(nil, record, userRecord)

	b.states[st] = st
	b.unusableRecords = append(b.unusableRecords, st)
	return st, nil
}

// AddMessage resolves identity for a freshly extracted message and routes
// it to messages, or to rejectedMessages when event-coordinate or identity
// resolution fails. A nil maybeMessage is routed to unusableRecords with a
// "no message" reason.
func (b *Batch) AddMessage(ctx context.Context, maybeMessage any, record *Record, userRecord any) (*TrackedState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if maybeMessage == nil {
		st := &TrackedState{Kind: UnusableRecordKind, Record: record, UserRecord: userRecord, ReasonUnusable: "extractor returned no message"}
		st.Digests = b.deriveDigests(nil, record, userRecord)
		b.states[st] = st
		b.unusableRecords = append(b.unusableRecords, st)
		return st, nil
	}

	st := &TrackedState{Kind: MessageKind, Message: maybeMessage, Record: record, UserRecord: userRecord}
	st.Digests = b.deriveDigests(maybeMessage, record, userRecord)

	if record != nil && b.cfg.ResolveEventIDAndSeqNos != nil {
		coords, err := identity.ResolveEventCoordinates(b.cfg.ResolveEventIDAndSeqNos, record, userRecord)
		if err != nil {
			st.Kind = MessageKind
			st.ReasonRejected = fmt.Sprintf("resolve event coordinates: %v", err)
			b.states[st] = st
			b.rejectedMessages = append(b.rejectedMessages, st)
			return st, nil
		}
		st.Coords = coords
	}

	id, err := identity.ResolveMessageIdentity(b.cfg.ResolveMessageIDsAndSeqNos, maybeMessage, record, userRecord, st.Coords, st.Digests)
	if err != nil {
		st.ReasonRejected = fmt.Sprintf("resolve message identity: %v", err)
		b.states[st] = st
		b.rejectedMessages = append(b.rejectedMessages, st)
		return st, nil
	}
	st.ID = id

	b.states[st] = st
	b.messages = append(b.messages, st)
	return st, nil
}

func (b *Batch) deriveDigests(message any, record *Record, userRecord any) identity.Digests {
	var raw []byte
	if record != nil {
		raw = record.Raw
	}
	if b.cfg.GenerateMD5s != nil {
		d, err := b.cfg.GenerateMD5s(message, record, userRecord, raw)
		if err == nil {
			return d
		}
	}
	d, _ := identity.DeriveDigests(identity.DigestInputs{Message: message, Record: record, UserRecord: userRecord, RawData: raw})
	return d
}

// DefineDiscardTasks materializes discard-unusable and discard-rejected
// task templates for every unusable record / rejected message that doesn't
// already have one (e.g. revived from a checkpoint). Required callbacks
// absent is a construction error (Fatal role).
func (b *Batch) DefineDiscardTasks(pub dlq.Publisher) error {
	if b.cfg.DiscardUnusableRecord == nil || b.cfg.DiscardRejectedMessage == nil {
		return fmt.Errorf("%w: discard callbacks required to define discard tasks", ErrConfig)
	}

	for _, st := range b.unusableRecords {
		if st.Discards == nil {
			st.Discards = map[string]*task.Task{}
		}
		if _, ok := st.Discards["discardUnusable"]; ok {
			continue
		}
		st.Discards["discardUnusable"] = newOrRevive(b.discardUnusableTemplate(st, pub), st.pendingDiscards)
	}
	for _, st := range b.rejectedMessages {
		if st.Discards == nil {
			st.Discards = map[string]*task.Task{}
		}
		if _, ok := st.Discards["discardRejected"]; ok {
			continue
		}
		st.Discards["discardRejected"] = newOrRevive(b.discardRejectedTemplate(st, pub), st.pendingDiscards)
	}
	return nil
}

func (b *Batch) discardUnusableTemplate(st *TrackedState, pub dlq.Publisher) *task.Template {
	return &task.Template{
		Name: "discardUnusable",
		Execute: func(ctx context.Context) (any, error) {
			if b.cfg.DiscardUnusableRecord != nil {
				if err := b.cfg.DiscardUnusableRecord(ctx, st.Record, st.ReasonUnusable, b); err != nil {
					return nil, err
				}
			}
			if pub != nil {
				env := dlq.Envelope{BatchKey: b.Key.String(), Identifier: identity.BigFatKey(st.Coords, st.ID, st.Digests), Item: st.Record, Reason: st.ReasonUnusable}
				if err := dlq.DiscardUnusableRecordToDRQ(ctx, pub, b.cfg.DeadRecordQueueName, env); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	}
}

func (b *Batch) discardRejectedTemplate(st *TrackedState, pub dlq.Publisher) *task.Template {
	return &task.Template{
		Name: "discardRejected",
		Execute: func(ctx context.Context) (any, error) {
			if b.cfg.DiscardRejectedMessage != nil {
				if err := b.cfg.DiscardRejectedMessage(ctx, st.Message, st.ReasonRejected, b); err != nil {
					return nil, err
				}
			}
			if pub != nil {
				env := dlq.Envelope{BatchKey: b.Key.String(), Identifier: identity.BigFatKey(st.Coords, st.ID, st.Digests), Item: st.Message, Reason: st.ReasonRejected}
				if err := dlq.DiscardRejectedMessageToDMQ(ctx, pub, b.cfg.DeadMessageQueueName, env); err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	}
}

// DefineProcessTasks materializes process-one task trees for every message
// (from cfg.ProcessOneTemplates) and process-all task trees on the batch
// state (from cfg.ProcessAllTemplates), skipping any name already present
// (e.g. revived).
func (b *Batch) DefineProcessTasks() {
	for _, st := range b.messages {
		if st.Ones == nil {
			st.Ones = map[string]*task.Task{}
		}
		for _, mk := range b.cfg.ProcessOneTemplates {
			tmpl := mk(st.Message)
			if tmpl == nil {
				continue
			}
			if _, ok := st.Ones[tmpl.Name]; ok {
				continue
			}
			st.Ones[tmpl.Name] = newOrRevive(tmpl, st.pendingOnes)
		}
	}

	bs := b.batchState
	if bs.Alls == nil {
		bs.Alls = map[string]*task.Task{}
	}
	for _, mk := range b.cfg.ProcessAllTemplates {
		tmpl := mk(b)
		if tmpl == nil {
			continue
		}
		if _, ok := bs.Alls[tmpl.Name]; ok {
			continue
		}
		master := newOrRevive(tmpl, bs.pendingAlls)
		bs.Alls[tmpl.Name] = master
		for _, st := range b.messages {
			if st.Alls == nil {
				st.Alls = map[string]*task.Task{}
			}
			mirror := task.New(&task.Template{Name: tmpl.Name})
			master.AddSlave(mirror) // brings mirror's state in line with the (possibly revived) master
			st.Alls[tmpl.Name] = mirror
		}
	}
}

// definePhaseTasks builds the three phase task trees on the batch state,
// one tree per phase, each a pure grouping root with no execute function
// of its own (the orchestrator drives their children directly).
func (b *Batch) definePhaseTasks() {
	bs := b.batchState
	if bs.Initiating == nil {
		bs.Initiating = map[string]*task.Task{"initiate": newOrRevive(&task.Template{Name: "initiate"}, bs.pendingInitiating)}
	}
	if bs.Processing == nil {
		bs.Processing = map[string]*task.Task{"process": newOrRevive(&task.Template{Name: "process"}, bs.pendingProcessing)}
	}
	if bs.Finalising == nil {
		bs.Finalising = map[string]*task.Task{"finalise": newOrRevive(&task.Template{Name: "finalise"}, bs.pendingFinalising)}
	}
}

// ReviveTasks is the single entry point that materializes every per-item
// and per-batch task tree for this invocation, reviving from whatever
// pending snapshots RestoreFromPrior attached and creating fresh trees
// everywhere else (spec §4.4 reviveTasks). Must run after RestoreFromPrior
// and before the process phase.
func (b *Batch) ReviveTasks(pub dlq.Publisher) error {
	if err := b.DefineDiscardTasks(pub); err != nil {
		return err
	}
	b.DefineProcessTasks()
	b.definePhaseTasks()
	return nil
}

// allOnes returns every process-one task across every tracked message.
func (b *Batch) allOnes() []*task.Task {
	var out []*task.Task
	for _, st := range b.messages {
		for _, t := range st.Ones {
			out = append(out, t)
		}
	}
	return out
}

// allMasterAlls returns the batch-level master process-all tasks.
func (b *Batch) allMasterAlls() []*task.Task {
	var out []*task.Task
	for _, t := range b.batchState.Alls {
		out = append(out, t)
	}
	return out
}

func (b *Batch) allUnusableDiscards() []*task.Task {
	var out []*task.Task
	for _, st := range b.unusableRecords {
		if t, ok := st.Discards["discardUnusable"]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (b *Batch) allRejectedDiscards() []*task.Task {
	var out []*task.Task
	for _, st := range b.rejectedMessages {
		if t, ok := st.Discards["discardRejected"]; ok {
			out = append(out, t)
		}
	}
	return out
}

// discardProcessingTasksIfOverAttempted walks every process-one and
// process-all task and applies the retry cap (spec §4.4).
func (b *Batch) discardProcessingTasksIfOverAttempted() {
	max := b.cfg.MaxNumberOfAttempts
	for _, t := range b.allOnes() {
		t.DiscardIfOverAttempted(max, true)
	}
	for _, t := range b.allMasterAlls() {
		t.DiscardIfOverAttempted(max, true)
	}
}

// discardFinalisingTasksIfOverAttempted applies the retry cap to discard
// tasks (discard-unusable, discard-rejected).
func (b *Batch) discardFinalisingTasksIfOverAttempted() {
	max := b.cfg.MaxNumberOfAttempts
	for _, t := range b.allUnusableDiscards() {
		t.DiscardIfOverAttempted(max, false)
	}
	for _, t := range b.allRejectedDiscards() {
		t.DiscardIfOverAttempted(max, false)
	}
}

// abandonDeadProcessingTasks unblocks roots held alive only by unstarted
// subtasks that can never run (their root is otherwise fully finalised).
func (b *Batch) abandonDeadProcessingTasks() {
	for _, root := range b.allOnes() {
		if !root.State.IsTerminal() {
			continue
		}
		root.Walk(func(t *task.Task) {
			if t != root {
				t.AbandonDead("root already fully finalised")
			}
		})
	}
}

func (b *Batch) abandonDeadFinalisingTasks() {
	for _, t := range b.allUnusableDiscards() {
		if t.State == task.Unstarted && t.Root().IsFullyFinalised() {
			t.AbandonDead("root already fully finalised")
		}
	}
	for _, t := range b.allRejectedDiscards() {
		if t.State == task.Unstarted && t.Root().IsFullyFinalised() {
			t.AbandonDead("root already fully finalised")
		}
	}
}

// freezeProcessingTasks stops mutation of every process-one/process-all
// task after the process-phase race is decided.
func (b *Batch) freezeProcessingTasks() {
	for _, t := range b.allOnes() {
		_ = t.Freeze()
	}
	for _, t := range b.allMasterAlls() {
		_ = t.Freeze()
	}
}

func (b *Batch) freezeFinalisingTasks() {
	for _, t := range b.allUnusableDiscards() {
		_ = t.Freeze()
	}
	for _, t := range b.allRejectedDiscards() {
		_ = t.Freeze()
	}
}

// timeoutProcessingTasks marks every not-yet-finalised process-one/
// process-all task TimedOut, reversing the in-progress attempt.
func (b *Batch) timeoutProcessingTasks(err error) {
	for _, t := range b.allOnes() {
		if !t.State.IsTerminal() {
			_ = t.Timeout(err, task.TimeoutOptions{})
		}
	}
	for _, t := range b.allMasterAlls() {
		if !t.State.IsTerminal() {
			_ = t.Timeout(err, task.TimeoutOptions{})
		}
	}
}

func (b *Batch) timeoutFinalisingTasks(err error) {
	for _, t := range b.allUnusableDiscards() {
		if !t.State.IsTerminal() {
			_ = t.Timeout(err, task.TimeoutOptions{})
		}
	}
	for _, t := range b.allRejectedDiscards() {
		if !t.State.IsTerminal() {
			_ = t.Timeout(err, task.TimeoutOptions{})
		}
	}
}

// moveFullyFinalisedButRejectedMessages scans current messages whose task
// trees are all fully finalised but include a Rejected node, and migrates
// them to rejectedMessages before discard-rejected runs over them (spec
// §4.4 discardRejectedMessages precondition).
func (b *Batch) moveFullyFinalisedButRejectedMessages(pub dlq.Publisher) {
	var keep []itemRef
	for _, st := range b.messages {
		if messageIsFullyFinalisedButRejected(st) {
			if st.ReasonRejected == "" {
				st.ReasonRejected = "over-attempted: task discarded after exhausting retry budget"
			}
			if st.Discards == nil {
				st.Discards = map[string]*task.Task{}
			}
			if _, ok := st.Discards["discardRejected"]; !ok {
				st.Discards["discardRejected"] = task.New(b.discardRejectedTemplate(st, pub))
			}
			b.rejectedMessages = append(b.rejectedMessages, st)
			continue
		}
		keep = append(keep, st)
	}
	b.messages = keep
}

func messageIsFullyFinalisedButRejected(st *TrackedState) bool {
	sawRejected := false
	allFinalised := true
	walk := func(t *task.Task) {
		if !t.IsFullyFinalised() {
			allFinalised = false
		}
		t.Walk(func(n *task.Task) {
			if n.State == task.Rejected || n.State == task.Discarded {
				sawRejected = true
			}
		})
	}
	for _, t := range st.Ones {
		walk(t)
	}
	for _, t := range st.Alls {
		walk(t)
	}
	return allFinalised && sawRejected && len(st.Ones)+len(st.Alls) > 0
}

// discardUnusableRecords executes every not-yet-finalised discard-unusable
// task, returning the first error encountered; later errors are neither
// returned nor emitted.
// Each task that completes here represents one record actually routed to
// the dead-record queue, counted against metrics' discarded_total.
func (b *Batch) discardUnusableRecords(ctx context.Context, metrics *Metrics) error {
	var firstErr error
	for _, t := range b.allUnusableDiscards() {
		if t.IsFullyFinalised() {
			continue
		}
		_, err := t.Execute(ctx).Result(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if metrics != nil && t.State == task.Completed {
			metrics.IncrementDiscarded("unusable_record")
		}
	}
	return firstErr
}

// discardRejectedMessages moves any fully-finalised-but-rejected messages
// across first, then executes every not-yet-finalised discard-rejected
// task, counting each completed one against metrics' discarded_total.
func (b *Batch) discardRejectedMessages(ctx context.Context, pub dlq.Publisher, metrics *Metrics) error {
	b.moveFullyFinalisedButRejectedMessages(pub)

	var firstErr error
	for _, t := range b.allRejectedDiscards() {
		if t.IsFullyFinalised() {
			continue
		}
		_, err := t.Execute(ctx).Result(ctx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if metrics != nil && t.State == task.Completed {
			metrics.IncrementDiscarded("rejected_message")
		}
	}
	return firstErr
}

// IsFullyFinalised reports whether every per-message task, every batch-wide
// master "alls" task, and every unusable-record discard task is terminal
// (spec §4.4). Rejected messages' discard tasks are included too: a message
// routed to rejectedMessages but not yet discarded is not fully finalised.
func (b *Batch) IsFullyFinalised() bool {
	for _, st := range b.messages {
		for _, t := range st.Ones {
			if !t.IsFullyFinalised() {
				return false
			}
		}
		for _, t := range st.Alls {
			if !t.IsFullyFinalised() {
				return false
			}
		}
	}
	for _, t := range b.allMasterAlls() {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	for _, t := range b.allUnusableDiscards() {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	for _, t := range b.allRejectedDiscards() {
		if !t.IsFullyFinalised() {
			return false
		}
	}
	return true
}

// Progress is a snapshot produced by AssessProgress/SummarizeFinalResults.
type Progress struct {
	Messages          int
	RejectedMessages  int
	UnusableRecords   int
	FullyFinalised    bool
	Completed         int
	Rejected          int
	Discarded         int
	Abandoned         int
}

// AssessProgress walks every tracked task and tallies terminal outcomes,
// used for the periodic/diagnostic log line and for the orchestrator's
// replay-error selection.
func (b *Batch) AssessProgress() Progress {
	p := Progress{
		Messages:         len(b.messages),
		RejectedMessages: len(b.rejectedMessages),
		UnusableRecords:  len(b.unusableRecords),
		FullyFinalised:   b.IsFullyFinalised(),
	}
	tally := func(t *task.Task) {
		t.Walk(func(n *task.Task) {
			switch n.State {
			case task.Completed:
				p.Completed++
			case task.Rejected:
				p.Rejected++
			case task.Discarded:
				p.Discarded++
			case task.Abandoned:
				p.Abandoned++
			}
		})
	}
	for _, st := range b.messages {
		for _, t := range st.Ones {
			tally(t)
		}
	}
	for _, t := range b.allMasterAlls() {
		tally(t)
	}
	for _, t := range b.allUnusableDiscards() {
		tally(t)
	}
	for _, t := range b.allRejectedDiscards() {
		tally(t)
	}
	return p
}

// Describe renders a short diagnostic string for log lines.
func (b *Batch) Describe() string {
	p := b.AssessProgress()
	return fmt.Sprintf("batch[%s]: messages=%d rejected=%d unusable=%d completed=%d discarded=%d abandoned=%d fullyFinalised=%v",
		b.Key.String(), p.Messages, p.RejectedMessages, p.UnusableRecords, p.Completed, p.Discarded, p.Abandoned, p.FullyFinalised)
}

// SummarizeFinalResults renders the end-of-invocation log line, folding in
// a final error if the invocation is about to fail.
func (b *Batch) SummarizeFinalResults(finalErr error) string {
	s := b.Describe()
	if finalErr != nil {
		s += fmt.Sprintf(" finalError=%q", finalErr.Error())
	}
	return s
}

// Config returns the Config this batch was constructed with.
func (b *Batch) Config() *Config { return b.cfg }
