package identity

import "testing"

func TestDeriveDigests_StableAcrossCalls(t *testing.T) {
	in := DigestInputs{Message: map[string]any{"a": 1, "b": "two"}}

	d1, err := DeriveDigests(in)
	if err != nil {
		t.Fatalf("DeriveDigests: %v", err)
	}
	d2, err := DeriveDigests(in)
	if err != nil {
		t.Fatalf("DeriveDigests: %v", err)
	}

	if d1.Msg != d2.Msg {
		t.Errorf("digest not stable: %q vs %q", d1.Msg, d2.Msg)
	}
	if d1.Msg == "" {
		t.Error("expected non-empty message digest")
	}
}

func TestDeriveDigests_DifferentInputsDifferentDigests(t *testing.T) {
	d1, err := DeriveDigests(DigestInputs{Message: map[string]any{"a": 1}})
	if err != nil {
		t.Fatalf("DeriveDigests: %v", err)
	}
	d2, err := DeriveDigests(DigestInputs{Message: map[string]any{"a": 2}})
	if err != nil {
		t.Fatalf("DeriveDigests: %v", err)
	}

	if d1.Msg == d2.Msg {
		t.Error("expected different digests for different messages")
	}
}

func TestDeriveDigests_UnencodableFails(t *testing.T) {
	_, err := DeriveDigests(DigestInputs{Message: func() {}})
	if err == nil {
		t.Fatal("expected error for unencodable message")
	}
}

func TestResolveMessageIdentity_FallbackSeqNo(t *testing.T) {
	coords := Coordinates{EventID: "e1", EventSeqNo: "000012"}

	id, err := ResolveMessageIdentity(nil, nil, nil, nil, coords, Digests{})
	if err != nil {
		t.Fatalf("ResolveMessageIdentity: %v", err)
	}

	if len(id.SeqNos.Parts) != 1 || id.SeqNos.Parts[0].Name != "eventSeqNo" {
		t.Fatalf("expected fallback seqNo part, got %+v", id.SeqNos.Parts)
	}
	if id.SeqNos.Parts[0].Value != "000012" {
		t.Errorf("expected fallback seqNo value 000012, got %v", id.SeqNos.Parts[0].Value)
	}
	if !id.Keys.IsEmpty() {
		t.Errorf("expected empty keys by default, got %+v", id.Keys)
	}
	// ids defaults to keys++seqNos when resolver supplies none.
	if id.IDs.Joined != id.SeqNos.Joined {
		t.Errorf("expected ids to default to seqNos when keys empty, got ids=%q seqNos=%q", id.IDs.Joined, id.SeqNos.Joined)
	}
}

func TestResolveMessageIdentity_CustomResolver(t *testing.T) {
	resolve := func(message, record, userRecord any, coords Coordinates, digests Digests) (ids, keys, seqNos []Part, err error) {
		return nil, []Part{{Name: "customerId", Value: "c-9"}}, []Part{{Name: "orderSeq", Value: 3}}, nil
	}

	id, err := ResolveMessageIdentity(resolve, nil, nil, nil, Coordinates{}, Digests{})
	if err != nil {
		t.Fatalf("ResolveMessageIdentity: %v", err)
	}

	if id.Keys.Joined != "customerId:c-9" {
		t.Errorf("keys = %q, want %q", id.Keys.Joined, "customerId:c-9")
	}
	if id.SeqNos.Joined != "orderSeq:3" {
		t.Errorf("seqNos = %q, want %q", id.SeqNos.Joined, "orderSeq:3")
	}
	want := "customerId:c-9|orderSeq:3"
	if id.IDs.Joined != want {
		t.Errorf("ids = %q, want %q", id.IDs.Joined, want)
	}
	if id.Description == "" {
		t.Error("expected non-empty description")
	}
}

func TestResolveMessageIdentity_ResolverError(t *testing.T) {
	resolve := func(message, record, userRecord any, coords Coordinates, digests Digests) (ids, keys, seqNos []Part, err error) {
		return nil, nil, nil, errResolverFailed
	}

	_, err := ResolveMessageIdentity(resolve, nil, nil, nil, Coordinates{}, Digests{})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

var errResolverFailed = fmtError("resolver exploded")

type fmtError string

func (e fmtError) Error() string { return string(e) }

func TestBigFatKey_EmptyWhenNoIdentifiers(t *testing.T) {
	bfk := BigFatKey(Coordinates{}, Identity{}, Digests{})
	if bfk != "" {
		t.Errorf("expected empty BFK, got %q", bfk)
	}
	if HasIdentifier(Coordinates{}, Identity{}, Digests{}) {
		t.Error("expected HasIdentifier false for fully empty inputs")
	}
}

func TestBigFatKey_IncludesAllFields(t *testing.T) {
	coords := Coordinates{EventID: "e1", EventSeqNo: "12", EventSubSeqNo: "0"}
	id, _ := ResolveMessageIdentity(nil, nil, nil, nil, coords, Digests{})
	digests := Digests{Msg: "sha256:abc", Rec: "sha256:def"}

	bfk := BigFatKey(coords, id, digests)

	for _, want := range []string{"eventID:e1", "eventSeqNo:12", "eventSubSeqNo:0", "msgDigest:sha256:abc", "recDigest:sha256:def"} {
		if !contains(bfk, want) {
			t.Errorf("BFK %q missing %q", bfk, want)
		}
	}
	if !HasIdentifier(coords, id, digests) {
		t.Error("expected HasIdentifier true")
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
