package streamcore

import (
	"fmt"

	"github.com/streamlane-io/streamcore/sequence"
)

// Sequence normalizes every current message's seqNo parts and links
// per-key (or global) processing chains, setting prevMessage/nextMessage
// and firstMessagesToProcess (spec §4.2). Must run once, during initiate,
// after every record has been extracted into messages/rejectedMessages/
// unusableRecords.
func (b *Batch) Sequence() error {
	items := make([]sequence.Item, 0, len(b.messages))
	for _, st := range b.messages {
		items = append(items, sequence.Item{Ref: itemRef(st), Key: st.ID.Keys.Joined, SeqNo: st.ID.SeqNos.Parts})
	}

	opts := sequence.Options{PerKey: b.cfg.SequencingPerKey, Strict: b.cfg.SequencingRequired}

	sortables, _, err := sequence.Normalize(items, opts)
	if err != nil {
		return fmt.Errorf("streamcore: sequence normalize: %w", err)
	}

	linked, err := sequence.Link(items, sortables, opts)
	if err != nil {
		return fmt.Errorf("streamcore: sequence link: %w", err)
	}

	for _, st := range b.messages {
		if next, ok := linked.Next[itemRef(st)]; ok {
			st.nextMessage = next
		} else {
			st.nextMessage = nil
		}
		if prev, ok := linked.Prev[itemRef(st)]; ok {
			st.prevMessage = prev
		} else {
			st.prevMessage = nil
		}
	}

	b.firstMessagesToProcess = b.firstMessagesToProcess[:0]
	for _, head := range linked.Heads {
		b.firstMessagesToProcess = append(b.firstMessagesToProcess, head.(itemRef))
	}

	return nil
}
