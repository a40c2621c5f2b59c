// Package task implements the generic hierarchical task state machine
// shared by the per-message, per-record and per-batch task trees: lifecycle
// transitions, attempt accounting with reversible timeouts, freezing,
// master/slave mirroring, and revival from persisted snapshots.
package task

import (
	"context"
	"errors"
	"fmt"
)

// State is a task's lifecycle state.
type State int

const (
	Unstarted State = iota
	Started
	Completed
	Failed
	TimedOut
	Rejected
	Discarded
	Abandoned
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case Started:
		return "started"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timedOut"
	case Rejected:
		return "rejected"
	case Discarded:
		return "discarded"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether s is one of the four absorbing terminal
// states. failed/timedOut are deliberately excluded: they are retryable.
func (s State) IsTerminal() bool {
	switch s {
	case Completed, Rejected, Discarded, Abandoned:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a task in this state is eligible to be
// retried (and therefore a candidate for the over-attempt cap).
func (s State) IsRetryable() bool {
	switch s {
	case Failed, TimedOut, Unstarted:
		return true
	default:
		return false
	}
}

var (
	// ErrFrozen is returned by a transition attempted on a frozen task.
	ErrFrozen = errors.New("task: frozen task admits no further transitions")
	// ErrNoExecute is returned by Execute when the task's template carries
	// no execute function (e.g. a pure grouping/phase node).
	ErrNoExecute = errors.New("task: template has no execute function")
)

// ExecuteFunc is the reusable unit of work a template attaches to every
// task instantiated from it.
type ExecuteFunc func(ctx context.Context) (any, error)

// Template is a small descriptor record: name, execute function, and child
// templates, forming a tree that Task instances are parameterised by. The
// same engine drives the per-message/per-record trees and the three
// phase trees by sharing this one Template/Task model.
type Template struct {
	Name     string
	Execute  ExecuteFunc
	Describe func() string
	Children []*Template
}

// transitionOpts carries the optional override flag accepted by every
// transition method, following the functional-options convention used
// throughout this module's configuration surface.
type transitionOpts struct {
	override bool
}

// TransitionOption configures a single call to a Task transition method.
type TransitionOption func(*transitionOpts)

// WithOverride forces the transition through even if the task is already
// in a terminal (absorbing) state. It has no effect on a frozen task:
// freezing is a harder stop than absorption and is never overridden.
func WithOverride() TransitionOption {
	return func(o *transitionOpts) { o.override = true }
}

func resolveOpts(opts []TransitionOption) transitionOpts {
	var o transitionOpts
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Future resolves once with either the execute function's return value or
// the error that failed it.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	select {
	case <-f.done:
		return // already resolved
	default:
	}
	f.value, f.err = value, err
	close(f.done)
}

// Done returns a channel closed once the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the future resolves (or ctx is cancelled) and
// returns the execute function's value and error.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Task is one node in a task tree.
type Task struct {
	Name     string
	Parent   *Task
	Children []*Task

	State     State
	Attempts  int
	LastError error
	Frozen    bool

	// Slaves are mirrored on every master transition; a slave holds no
	// pointer back to its master, keeping ownership one-directional.
	Slaves []*Task

	template *Template
	done     *Future // resolves when this task's own state becomes terminal
}

// New builds the full template subtree fresh (the "create fresh" mode of
// spec §4.3), every task starting Unstarted with zero attempts.
func New(tmpl *Template) *Task {
	t := &Task{Name: tmpl.Name, State: Unstarted, template: tmpl, done: newFuture()}
	for _, childTmpl := range tmpl.Children {
		child := New(childTmpl)
		child.Parent = t
		t.Children = append(t.Children, child)
	}
	return t
}

// Snapshot is a persisted, structural view of a task used to revive a live
// Task across invocations.
type Snapshot struct {
	State     State
	Attempts  int
	LastError string
	Children  map[string]*Snapshot
}

// ReviveMode chooses how Revive treats template children absent from the
// snapshot map.
type ReviveMode int

const (
	// ReviveOnlyExisting reconstitutes only tasks present in the snapshot
	// map; template children without a matching snapshot are skipped.
	ReviveOnlyExisting ReviveMode = iota
	// ReviveAndCreateMissing reconstitutes snapshot matches and creates
	// fresh Unstarted tasks for every template child without one.
	ReviveAndCreateMissing
)

// Revive reconstitutes a live task tree from a template and a (possibly
// partial) map of persisted snapshots keyed by task name, merging snapshot
// fields (state, attempts, last error) onto the fresh structure.
func Revive(tmpl *Template, snapshots map[string]*Snapshot, mode ReviveMode) *Task {
	snap, ok := snapshots[tmpl.Name]
	if !ok && mode == ReviveOnlyExisting {
		return nil
	}

	t := &Task{Name: tmpl.Name, State: Unstarted, template: tmpl, done: newFuture()}
	if ok {
		t.State = snap.State
		t.Attempts = snap.Attempts
		if snap.LastError != "" {
			t.LastError = errors.New(snap.LastError)
		}
	}
	if t.State.IsTerminal() {
		t.done.resolve(nil, t.LastError)
	}

	childSnapshots := map[string]*Snapshot{}
	if ok && snap.Children != nil {
		childSnapshots = snap.Children
	}
	for _, childTmpl := range tmpl.Children {
		child := Revive(childTmpl, childSnapshots, mode)
		if child == nil {
			continue
		}
		child.Parent = t
		t.Children = append(t.Children, child)
	}
	return t
}

// ToSnapshot captures this task (and its children) as a persistable
// Snapshot for the checkpoint codec.
func (t *Task) ToSnapshot() *Snapshot {
	s := &Snapshot{State: t.State, Attempts: t.Attempts}
	if t.LastError != nil {
		s.LastError = t.LastError.Error()
	}
	if len(t.Children) > 0 {
		s.Children = make(map[string]*Snapshot, len(t.Children))
		for _, c := range t.Children {
			s.Children[c.Name] = c.ToSnapshot()
		}
	}
	return s
}

// AddSlave registers slave as mirroring every future transition of t. The
// slave's current state is immediately brought in line with the master's.
func (t *Task) AddSlave(slave *Task) {
	t.Slaves = append(t.Slaves, slave)
	slave.mirror(t.State, t.Attempts, t.LastError, t.Frozen)
}

// mirror forces this task's fields to match a master's, bypassing the
// normal frozen/absorbing guards: mirroring is the master's prerogative.
func (t *Task) mirror(state State, attempts int, lastErr error, frozen bool) {
	t.State, t.Attempts, t.LastError, t.Frozen = state, attempts, lastErr, frozen
	if state.IsTerminal() {
		t.done.resolve(nil, lastErr)
	}
	for _, s := range t.Slaves {
		s.mirror(state, attempts, lastErr, frozen)
	}
}

func (t *Task) settle(next State, lastErr error) {
	t.State, t.LastError = next, lastErr
	if next.IsTerminal() {
		t.done.resolve(nil, lastErr)
	}
	for _, s := range t.Slaves {
		s.mirror(next, t.Attempts, lastErr, t.Frozen)
	}
}

// Start transitions any non-terminal task (or, with WithOverride, a
// terminal one too) to Started and counts an attempt. A terminal task
// without WithOverride is left unchanged.
func (t *Task) Start(opts ...TransitionOption) error {
	o := resolveOpts(opts)
	if t.Frozen {
		return ErrFrozen
	}
	if t.State.IsTerminal() && !o.override {
		return nil
	}
	t.Attempts++
	t.settle(Started, nil)
	return nil
}

// Complete transitions to Completed, resolving the done future with result.
func (t *Task) Complete(result any, opts ...TransitionOption) error {
	o := resolveOpts(opts)
	if t.Frozen {
		return ErrFrozen
	}
	if t.State.IsTerminal() && !o.override {
		return nil
	}
	t.State, t.LastError = Completed, nil
	t.done.resolve(result, nil)
	for _, s := range t.Slaves {
		s.mirror(Completed, t.Attempts, nil, t.Frozen)
	}
	return nil
}

// Fail transitions to Failed. The attempt counted by Start is kept (a
// failure consumes retry budget).
func (t *Task) Fail(err error, opts ...TransitionOption) error {
	o := resolveOpts(opts)
	if t.Frozen {
		return ErrFrozen
	}
	if t.State.IsTerminal() && !o.override {
		return nil
	}
	t.settle(Failed, err)
	return nil
}

// TimeoutOptions controls absorption overrides specific to Timeout: a
// late-arriving timeout is ignored on a Completed task unless
// OverrideCompleted is set, and on an Unstarted task unless
// OverrideUnstarted is set. Rejected, Discarded and Abandoned tasks always
// ignore it.
type TimeoutOptions struct {
	OverrideCompleted bool
	OverrideUnstarted bool
}

// Timeout transitions to TimedOut and reverses the in-progress attempt so
// the retry budget is not consumed by a deadline rather than a real
// failure.
func (t *Task) Timeout(err error, timeoutOpts TimeoutOptions) error {
	if t.Frozen {
		return ErrFrozen
	}
	if t.State == Completed && !timeoutOpts.OverrideCompleted {
		return nil
	}
	if t.State == Unstarted && !timeoutOpts.OverrideUnstarted {
		return nil
	}
	if t.State.IsTerminal() && t.State != Completed {
		return nil // rejected/discarded/abandoned remain absorbing
	}
	if t.Attempts > 0 {
		t.Attempts--
	}
	t.settle(TimedOut, err)
	return nil
}

// Reject transitions to Rejected, terminal for the owning message.
func (t *Task) Reject(reason string, opts ...TransitionOption) error {
	o := resolveOpts(opts)
	if t.Frozen {
		return ErrFrozen
	}
	if t.State.IsTerminal() && !o.override {
		return nil
	}
	err := errors.New(reason)
	t.settle(Rejected, err)
	t.done.resolve(nil, err)
	return nil
}

// Discard transitions to Discarded.
func (t *Task) Discard(opts ...TransitionOption) error {
	o := resolveOpts(opts)
	if t.Frozen {
		return ErrFrozen
	}
	if t.State.IsTerminal() && !o.override {
		return nil
	}
	t.settle(Discarded, t.LastError)
	t.done.resolve(nil, t.LastError)
	return nil
}

// Abandon transitions to Abandoned, unblocking a root whose remaining
// unstarted work will never run.
func (t *Task) Abandon(reason string, opts ...TransitionOption) error {
	o := resolveOpts(opts)
	if t.Frozen {
		return ErrFrozen
	}
	if t.State.IsTerminal() && !o.override {
		return nil
	}
	err := errors.New(reason)
	t.settle(Abandoned, err)
	t.done.resolve(nil, err)
	return nil
}

// Freeze idempotently stops all further transitions on t and mirrors the
// freeze onto every slave.
func (t *Task) Freeze() error {
	if t.Frozen {
		return nil
	}
	t.Frozen = true
	for _, s := range t.Slaves {
		_ = s.Freeze()
	}
	return nil
}

// Execute runs the template's execute function (if any), driving Start and
// then Complete/Fail from its outcome, and returns the resulting future.
// A template with no execute function (a pure grouping node) resolves its
// future immediately with ErrNoExecute.
func (t *Task) Execute(ctx context.Context) *Future {
	f := newFuture()
	if t.template == nil || t.template.Execute == nil {
		f.resolve(nil, ErrNoExecute)
		return f
	}
	if err := t.Start(); err != nil {
		f.resolve(nil, err)
		return f
	}
	value, err := t.template.Execute(ctx)
	if err != nil {
		_ = t.Fail(err)
		f.resolve(nil, err)
		return f
	}
	_ = t.Complete(value)
	f.resolve(value, nil)
	return f
}

// DoneFuture returns the future that resolves once this task's own state
// (not its subtree) becomes terminal. Already-terminal tasks resolve it
// immediately.
func (t *Task) DoneFuture() *Future {
	if t.State.IsTerminal() {
		select {
		case <-t.done.done:
		default:
			t.done.resolve(nil, t.LastError)
		}
	}
	return t.done
}

// IsFullyFinalised reports whether this task's own state is terminal and
// every descendant is, recursively, also fully finalised.
func (t *Task) IsFullyFinalised() bool {
	if !t.State.IsTerminal() {
		return false
	}
	for _, c := range t.Children {
		if !c.IsFullyFinalised() {
			return false
		}
	}
	return true
}

// DiscardIfOverAttempted marks t Discarded when it has exhausted its
// retry budget: no children (or, when onlyWithFinalisedChildren is set,
// every child terminal), attempts at or above maxAttempts, and t's own
// state is a retryable non-terminal one. Reports whether it discarded.
func (t *Task) DiscardIfOverAttempted(maxAttempts int, onlyWithFinalisedChildren bool) bool {
	if !t.State.IsRetryable() {
		return false
	}
	if t.Attempts < maxAttempts {
		return false
	}
	if onlyWithFinalisedChildren {
		for _, c := range t.Children {
			if !c.IsFullyFinalised() {
				return false
			}
		}
	} else if len(t.Children) > 0 {
		return false
	}
	return t.Discard() == nil
}

// AbandonDead abandons t if it is still Unstarted and reports whether it
// did. It checks nothing else: deciding that t's work can never complete
// the batch (its root is already finalised apart from this subtree, or the
// subtree itself is unusable) is the caller's job. Abandoning unblocks the
// root's own IsFullyFinalised check.
func (t *Task) AbandonDead(reason string) bool {
	if t.State != Unstarted {
		return false
	}
	return t.Abandon(reason) == nil
}

// Root walks up to the root of t's tree.
func (t *Task) Root() *Task {
	cur := t
	for cur.Parent != nil {
		cur = cur.Parent
	}
	return cur
}

// Walk calls fn for t and every descendant, depth-first.
func (t *Task) Walk(fn func(*Task)) {
	fn(t)
	for _, c := range t.Children {
		c.Walk(fn)
	}
}

// Find returns the descendant (or t itself) with the given name, or nil.
func (t *Task) Find(name string) *Task {
	var found *Task
	t.Walk(func(c *Task) {
		if found == nil && c.Name == name {
			found = c
		}
	})
	return found
}
