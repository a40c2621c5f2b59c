package checkpoint

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// transientContentPaths lists fields stripped from a content copy before
// it is attached for equality-based matching: these are the per-invocation
// linked-list pointers and cached projections that must never survive a
// round trip through the checkpoint table.
var transientContentPaths = []string{"prevMessage", "nextMessage", "_identity", "_digests"}

// CanonicalizeContentCopy JSON-encodes v and strips the transient fields
// listed above using sjson, producing the safely-copied form attached to
// an ItemState that has no usable identifier. Returns nil (not an error)
// when v is nil: an absent value has no content copy.
func CanonicalizeContentCopy(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	for _, path := range transientContentPaths {
		if !gjson.GetBytes(b, path).Exists() {
			continue
		}
		b, err = sjson.DeleteBytes(b, path)
		if err != nil {
			return nil, err
		}
	}
	return json.RawMessage(b), nil
}

// BigFatKey concatenates every available identifier field of an ItemState
// into the stable BFK used to match prior states against current items.
// Mirrors identity.BigFatKey's field set and ordering so a state's BFK is
// identical whether computed freshly or read back off a stored ItemState.
func BigFatKey(s ItemState) string {
	var b strings.Builder
	write := func(label, v string) {
		if v == "" {
			return
		}
		b.WriteString(label)
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte(';')
	}
	write("eventID", s.EventID)
	write("eventSeqNo", s.EventSeqNo)
	write("eventSubSeqNo", s.EventSubSeqNo)
	write("id", s.IDs)
	write("key", s.Keys)
	write("seqNo", s.SeqNos)
	write("msgDigest", s.MsgDigest)
	write("recDigest", s.RecDigest)
	write("userRecDigest", s.UserRecDigest)
	write("dataDigest", s.DataDigest)
	return b.String()
}

// index speeds up restoration lookups for one bucket of prior states: an
// exact BFK map plus a linear list for content-equality fallback (bucket
// sizes here are per-invocation batches, not a scaling concern).
type index struct {
	byBFK      map[string]*ItemState
	byContent  []*ItemState
}

func buildIndex(states []ItemState) index {
	idx := index{byBFK: map[string]*ItemState{}}
	for i := range states {
		s := &states[i]
		if s.BFK != "" {
			idx.byBFK[s.BFK] = s
			continue
		}
		if len(s.ContentCopy) > 0 {
			idx.byContent = append(idx.byContent, s)
		}
	}
	return idx
}

func (idx index) lookup(bfk string, content json.RawMessage) *ItemState {
	if bfk != "" {
		if s, ok := idx.byBFK[bfk]; ok {
			return s
		}
		return nil
	}
	if len(content) == 0 {
		return nil
	}
	for _, s := range idx.byContent {
		if bytes.Equal(bytes.TrimSpace(s.ContentCopy), bytes.TrimSpace(content)) {
			return s
		}
	}
	return nil
}

// MatchBucket names which bucket of the prior item a restoration match was
// found in, so the batch layer knows whether to move the current item
// between its messages/rejectedMessages lists.
type MatchBucket int

const (
	NoMatch MatchBucket = iota
	MatchedMessage
	MatchedRejectedMessage
	MatchedUnusableRecord
)

// Match is the outcome of looking up one current item's identity against a
// prior checkpoint Item.
type Match struct {
	Bucket MatchBucket
	Prior  *ItemState
}

// Restorer indexes a prior Item once and answers repeated lookups for the
// current batch's items, per spec §4.5 step 3's cross-bucket fallback
// rules.
type Restorer struct {
	messages  index
	rejected  index
	unusable  index
}

// NewRestorer builds the lookup indexes for prior. A nil prior (no
// checkpoint found) yields a Restorer that matches nothing.
func NewRestorer(prior *Item) *Restorer {
	if prior == nil {
		return &Restorer{}
	}
	return &Restorer{
		messages: buildIndex(prior.MessageStates),
		rejected: buildIndex(prior.RejectedMessageStates),
		unusable: buildIndex(prior.UnusableRecordStates),
	}
}

// MatchMessage looks up a current message: by BFK/equality in the prior
// messages bucket first, then the rejected-messages bucket. A match in the
// rejected bucket signals the batch layer to move this message to
// rejectedMessages before overlaying its task maps.
func (r *Restorer) MatchMessage(bfk string, content json.RawMessage) Match {
	if s := r.messages.lookup(bfk, content); s != nil {
		return Match{Bucket: MatchedMessage, Prior: s}
	}
	if s := r.rejected.lookup(bfk, content); s != nil {
		return Match{Bucket: MatchedRejectedMessage, Prior: s}
	}
	return Match{}
}

// MatchRejectedMessage looks up a current rejected message: rejected
// bucket first, then messages (symmetric with MatchMessage).
func (r *Restorer) MatchRejectedMessage(bfk string, content json.RawMessage) Match {
	if s := r.rejected.lookup(bfk, content); s != nil {
		return Match{Bucket: MatchedRejectedMessage, Prior: s}
	}
	if s := r.messages.lookup(bfk, content); s != nil {
		return Match{Bucket: MatchedMessage, Prior: s}
	}
	return Match{}
}

// MatchUnusableRecord looks up a current unusable record within the
// unusable-records bucket only; unusable records never cross into the
// message buckets.
func (r *Restorer) MatchUnusableRecord(bfk string, content json.RawMessage) Match {
	if s := r.unusable.lookup(bfk, content); s != nil {
		return Match{Bucket: MatchedUnusableRecord, Prior: s}
	}
	return Match{}
}

// Describe renders a short trace-log string for an unmatched item, reading
// back the few fields worth mentioning via gjson rather than re-parsing
// the whole content copy into a struct.
func Describe(content json.RawMessage) string {
	if len(content) == 0 {
		return "<no content copy>"
	}
	id := gjson.GetBytes(content, "id")
	if id.Exists() {
		return "content~" + id.String()
	}
	return "content(" + gjson.GetBytes(content, "@this").Raw + ")"
}
