// Package identity derives stable fingerprints for stream records and the
// messages extracted from them: content digests, event coordinates, and the
// ordered id/key/seqNo projections used by the sequencer and the checkpoint
// codec to recognise the same logical item across invocations.
package identity

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Part is a single named component of an id/key/seqNo projection.
type Part struct {
	Name  string
	Value any
}

// Projection is an ordered list of Parts plus cached string/value forms.
// The joined string uses ":" between name and value and "|" between parts,
// matching the wire-friendly forms spec'd for logs and BFK construction.
type Projection struct {
	Parts  []Part
	Joined string
}

func newProjection(parts []Part) Projection {
	joined := make([]string, 0, len(parts))
	for _, p := range parts {
		joined = append(joined, fmt.Sprintf("%s:%v", p.Name, p.Value))
	}
	return Projection{Parts: parts, Joined: strings.Join(joined, "|")}
}

// IsEmpty reports whether the projection carries no parts.
func (p Projection) IsEmpty() bool { return len(p.Parts) == 0 }

// Digests holds stable content fingerprints for the pieces of an item that
// may be present: the extracted message, the source record, an optional
// aggregated "user record", and a raw payload when one is exposed.
type Digests struct {
	Msg     string
	Rec     string
	UserRec string
	Data    string
}

// Coordinates identifies a record's position within its source stream.
type Coordinates struct {
	EventID      string
	EventSeqNo   string
	EventSubSeqNo string // empty when the stream has no sub-sequence concept
}

// Identity carries the resolved ids/keys/seqNos plus their joined string
// projections for a single message.
type Identity struct {
	IDs    Projection
	Keys   Projection
	SeqNos Projection

	// Description is a short cached string for log lines, e.g.
	// "id=orderId:o-1 key=customerId:c-9 seqNo=eventSeqNo:00000012".
	Description string
}

// DigestInputs are the raw values digests are computed from. Any may be nil;
// callers pass only what is available for a given item.
type DigestInputs struct {
	Message    any
	Record     any
	UserRecord any
	RawData    []byte
}

// DeriveDigests computes stable content digests of the JSON-encoded forms of
// message/record/userRecord, plus a digest of the raw payload when exposed.
// It fails only if JSON-encoding one of the supplied values fails, which
// callers should treat as a fatal configuration/callback error since it
// indicates the user-supplied value is not serializable.
func DeriveDigests(in DigestInputs) (Digests, error) {
	var out Digests
	var err error

	if in.Message != nil {
		if out.Msg, err = digestJSON(in.Message); err != nil {
			return Digests{}, fmt.Errorf("identity: digest message: %w", err)
		}
	}
	if in.Record != nil {
		if out.Rec, err = digestJSON(in.Record); err != nil {
			return Digests{}, fmt.Errorf("identity: digest record: %w", err)
		}
	}
	if in.UserRecord != nil {
		if out.UserRec, err = digestJSON(in.UserRecord); err != nil {
			return Digests{}, fmt.Errorf("identity: digest user record: %w", err)
		}
	}
	if len(in.RawData) > 0 {
		sum := md5.Sum(in.RawData) //nolint:gosec
		out.Data = hex.EncodeToString(sum[:])
	}

	return out, nil
}

func digestJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// CoordinateResolver extracts a record's event triple. Supplied by the
// caller; implementations typically read stream-specific fields (Kinesis
// sequence numbers, DynamoDB Streams event IDs, and so on).
type CoordinateResolver func(record, userRecord any) (Coordinates, error)

// ResolveEventCoordinates runs the caller-supplied resolver. It is a thin
// pass-through so the rest of the package has one place to attach future
// validation (e.g. requiring a non-blank EventID).
func ResolveEventCoordinates(resolve CoordinateResolver, record, userRecord any) (Coordinates, error) {
	coords, err := resolve(record, userRecord)
	if err != nil {
		return Coordinates{}, fmt.Errorf("identity: resolve event coordinates: %w", err)
	}
	return coords, nil
}

// MessageIdentityResolver produces the raw id/key/seqNo part lists for a
// message. Any of the three may be nil; see ResolveMessageIdentity for the
// fallback applied then.
type MessageIdentityResolver func(message, record, userRecord any, coords Coordinates, digests Digests) (ids, keys, seqNos []Part, err error)

// ResolveMessageIdentity runs the caller's resolver (or the default
// fallback policy when resolve is nil) and returns the fully-formed Identity
// with joined projections and a cached log description.
//
// Fallback policy, applied whenever the caller's seqNos/keys/ids come back
// empty: seqNos defaults to [("eventSeqNo", coords.EventSeqNo)]; keys may
// stay empty (all messages then sequence together); ids defaults to the
// concatenation of keys and seqNos.
func ResolveMessageIdentity(resolve MessageIdentityResolver, message, record, userRecord any, coords Coordinates, digests Digests) (Identity, error) {
	var ids, keys, seqNos []Part
	var err error

	if resolve != nil {
		ids, keys, seqNos, err = resolve(message, record, userRecord, coords, digests)
		if err != nil {
			return Identity{}, fmt.Errorf("identity: resolve message identity: %w", err)
		}
	}

	if len(seqNos) == 0 {
		seqNos = []Part{{Name: "eventSeqNo", Value: coords.EventSeqNo}}
	}
	if len(ids) == 0 {
		ids = append(append([]Part{}, keys...), seqNos...)
	}

	idP, keyP, seqP := newProjection(ids), newProjection(keys), newProjection(seqNos)

	return Identity{
		IDs:    idP,
		Keys:   keyP,
		SeqNos: seqP,
		Description: fmt.Sprintf("id=%s key=%s seqNo=%s", orDash(idP.Joined), orDash(keyP.Joined), orDash(seqP.Joined)),
	}, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// BigFatKey concatenates every available identifier field of a tracked
// state — event coordinates, joined id/key/seqNo forms, and every digest —
// into the stable BFK used to match prior checkpoint states against the
// current batch by identity rather than by content equality.
func BigFatKey(coords Coordinates, id Identity, digests Digests) string {
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
	write("eventID", coords.EventID)
	write("eventSeqNo", coords.EventSeqNo)
	write("eventSubSeqNo", coords.EventSubSeqNo)
	write("id", id.IDs.Joined)
	write("key", id.Keys.Joined)
	write("seqNo", id.SeqNos.Joined)
	write("msgDigest", digests.Msg)
	write("recDigest", digests.Rec)
	write("userRecDigest", digests.UserRec)
	write("dataDigest", digests.Data)
	return b.String()
}

// HasIdentifier reports whether any BFK-contributing field is present. When
// false, the checkpoint codec must fall back to content-equality matching
// instead of BFK lookup for this state.
func HasIdentifier(coords Coordinates, id Identity, digests Digests) bool {
	return coords.EventID != "" || coords.EventSeqNo != "" ||
		!id.IDs.IsEmpty() || !id.Keys.IsEmpty() || !id.SeqNos.IsEmpty() ||
		digests.Msg != "" || digests.Rec != "" || digests.UserRec != "" || digests.Data != ""
}
