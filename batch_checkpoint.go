package streamcore

import (
	"context"
	"encoding/json"

	"github.com/streamlane-io/streamcore/checkpoint"
	"github.com/streamlane-io/streamcore/identity"
	"github.com/streamlane-io/streamcore/task"
)

// toItemState reduces one TrackedState to its storable checkpoint.ItemState,
// computing the BFK and, when no identifier is available, a canonicalized
// content copy for the content-equality fallback match path.
func toItemState(st *TrackedState) checkpoint.ItemState {
	out := checkpoint.ItemState{
		EventID:        st.Coords.EventID,
		EventSeqNo:     st.Coords.EventSeqNo,
		EventSubSeqNo:  st.Coords.EventSubSeqNo,
		IDs:            st.ID.IDs.Joined,
		Keys:           st.ID.Keys.Joined,
		SeqNos:         st.ID.SeqNos.Joined,
		MsgDigest:      st.Digests.Msg,
		RecDigest:      st.Digests.Rec,
		UserRecDigest:  st.Digests.UserRec,
		DataDigest:     st.Digests.Data,
		ReasonRejected: st.ReasonRejected,
		ReasonUnusable: st.ReasonUnusable,
		Ones:           taskMapToNodes(st.Ones),
		Alls:           taskMapToNodes(st.Alls),
		Discards:       taskMapToNodes(st.Discards),
	}

	if identity.HasIdentifier(st.Coords, st.ID, st.Digests) {
		out.BFK = identity.BigFatKey(st.Coords, st.ID, st.Digests)
	} else if cc, err := checkpoint.CanonicalizeContentCopy(contentOf(st)); err == nil {
		out.ContentCopy = cc
	}

	return out
}

func contentOf(st *TrackedState) any {
	switch {
	case st.Message != nil:
		return st.Message
	case st.UserRecord != nil:
		return st.UserRecord
	case st.Record != nil:
		return st.Record
	default:
		return nil
	}
}

func taskMapToNodes(m map[string]*task.Task) map[string]checkpoint.TaskNode {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]checkpoint.TaskNode, len(m))
	for name, t := range m {
		out[name] = snapshotToNode(t.ToSnapshot())
	}
	return out
}

func snapshotToNode(s *task.Snapshot) checkpoint.TaskNode {
	n := checkpoint.TaskNode{State: s.State.String(), Attempts: s.Attempts, LastError: s.LastError}
	if len(s.Children) > 0 {
		n.Children = make(map[string]checkpoint.TaskNode, len(s.Children))
		for name, c := range s.Children {
			n.Children[name] = snapshotToNode(c)
		}
	}
	return n
}

func nodeToSnapshot(n checkpoint.TaskNode) *task.Snapshot {
	s := &task.Snapshot{State: parseState(n.State), Attempts: n.Attempts, LastError: n.LastError}
	if len(n.Children) > 0 {
		s.Children = make(map[string]*task.Snapshot, len(n.Children))
		for name, c := range n.Children {
			s.Children[name] = nodeToSnapshot(c)
		}
	}
	return s
}

func parseState(s string) task.State {
	switch s {
	case "unstarted":
		return task.Unstarted
	case "started":
		return task.Started
	case "completed":
		return task.Completed
	case "failed":
		return task.Failed
	case "timedOut":
		return task.TimedOut
	case "rejected":
		return task.Rejected
	case "discarded":
		return task.Discarded
	case "abandoned":
		return task.Abandoned
	default:
		return task.Unstarted
	}
}

// ToItem serializes the batch's full current state into a durable
// checkpoint.Item (spec §4.5 serialization).
func (b *Batch) ToItem() *checkpoint.Item {
	item := &checkpoint.Item{Key: b.Key}
	for _, st := range b.messages {
		item.MessageStates = append(item.MessageStates, toItemState(st))
	}
	for _, st := range b.rejectedMessages {
		item.RejectedMessageStates = append(item.RejectedMessageStates, toItemState(st))
	}
	for _, st := range b.unusableRecords {
		item.UnusableRecordStates = append(item.UnusableRecordStates, toItemState(st))
	}
	bs := b.batchState
	item.BatchState = &checkpoint.BatchItemState{
		Alls:       taskMapToNodes(bs.Alls),
		Initiating: taskMapToNodes(bs.Initiating),
		Processing: taskMapToNodes(bs.Processing),
		Finalising: taskMapToNodes(bs.Finalising),
	}
	return item
}

// LoadCheckpoint reads the prior item for the batch's key from store
// (spec §4.5 loading). A missing item is not an error: the batch proceeds
// as new, with previouslySaved left at Unknown ("try insert first").
func (b *Batch) LoadCheckpoint(ctx context.Context, store checkpoint.Store) (*checkpoint.Item, error) {
	item, err := store.Load(ctx, b.Key)
	if err != nil {
		if err == checkpoint.ErrNotFound {
			return nil, nil
		}
		return nil, &TransientError{Cause: err}
	}
	b.previouslySaved = checkpoint.Saved
	return item, nil
}

// SaveCheckpoint serializes the batch and persists it via store, retrying
// once in the other conditional-write mode on a conditional-check failure
// (spec §4.5 persistence). Known-retryable store errors are wrapped as
// TransientError; a missing table is wrapped as FatalError.
func (b *Batch) SaveCheckpoint(ctx context.Context, store checkpoint.Store) error {
	if !b.Key.IsValid() {
		return &FatalError{Cause: ErrConfig}
	}
	item := b.ToItem()
	err := store.Save(ctx, b.Key, item, b.previouslySaved)
	if err == nil {
		b.previouslySaved = checkpoint.Saved
		return nil
	}
	if err == checkpoint.ErrTableMissing {
		return &FatalError{Cause: err}
	}
	return &TransientError{Cause: err}
}

// RestoreFromPrior overlays a prior checkpoint item's task maps onto the
// batch's current items by BFK or content-equality match (spec §4.5 steps
// 1-5), moving messages between messages/rejectedMessages when the match
// crosses buckets, and stashing the matched task maps as "pending" so that
// ReviveTasks reconstitutes live Task trees from them. Unmatched items are
// left with empty pending maps and get fresh trees from ReviveTasks.
func (b *Batch) RestoreFromPrior(prior *checkpoint.Item) {
	if prior == nil {
		return
	}
	restorer := checkpoint.NewRestorer(prior)

	movedToRejected := b.matchAndOverlay(b.messages, restorer.MatchMessage, checkpoint.MatchedRejectedMessage)
	b.messages = subtract(b.messages, movedToRejected)
	b.rejectedMessages = append(b.rejectedMessages, movedToRejected...)

	movedToMessages := b.matchAndOverlay(b.rejectedMessages, restorer.MatchRejectedMessage, checkpoint.MatchedMessage)
	b.rejectedMessages = subtract(b.rejectedMessages, movedToMessages)
	b.messages = append(b.messages, movedToMessages...)

	b.matchAndOverlay(b.unusableRecords, restorer.MatchUnusableRecord, checkpoint.NoMatch)

	if prior.BatchState != nil {
		bs := b.batchState
		bs.pendingAlls = prior.BatchState.Alls
		bs.pendingInitiating = prior.BatchState.Initiating
		bs.pendingProcessing = prior.BatchState.Processing
		bs.pendingFinalising = prior.BatchState.Finalising
	}
}

// matchAndOverlay runs matchFn against every item in items, overlaying the
// prior state's task maps as pending snapshots on a match. Items matched in
// crossBucket (a bucket other than the one items came from) are returned so
// the caller can migrate them; crossBucket == NoMatch means "never migrate"
// (used for unusable records, which never cross buckets).
func (b *Batch) matchAndOverlay(items []itemRef, matchFn func(bfk string, content json.RawMessage) checkpoint.Match, crossBucket checkpoint.MatchBucket) []itemRef {
	var moved []itemRef
	for _, st := range items {
		bfk := identity.BigFatKey(st.Coords, st.ID, st.Digests)
		content, _ := checkpoint.CanonicalizeContentCopy(contentOf(st))
		m := matchFn(bfk, content)
		if m.Bucket == checkpoint.NoMatch {
			continue
		}
		st.pendingOnes = m.Prior.Ones
		st.pendingAlls = m.Prior.Alls
		st.pendingDiscards = m.Prior.Discards
		if crossBucket != checkpoint.NoMatch && m.Bucket == crossBucket {
			moved = append(moved, st)
		}
	}
	return moved
}

func subtract(items, remove []itemRef) []itemRef {
	if len(remove) == 0 {
		return items
	}
	skip := make(map[itemRef]bool, len(remove))
	for _, r := range remove {
		skip[r] = true
	}
	var out []itemRef
	for _, it := range items {
		if !skip[it] {
			out = append(out, it)
		}
	}
	return out
}
