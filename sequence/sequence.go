// Package sequence normalizes per-message sequence-number parts into
// comparable form and links messages that share a key into ordered
// processing chains.
package sequence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/streamlane-io/streamcore/identity"
)

// SortKind identifies how a part name's values are compared.
type SortKind int

const (
	// SortInteger compares values as signed 64-bit integers.
	SortInteger SortKind = iota
	// SortDecimal compares values as floating point numbers.
	SortDecimal
	// SortString compares values as strings in natural string order.
	SortString
	// SortLexicographic is the fallback: values are stringified with
	// fmt.Sprintf and compared byte-for-byte. Used when a part name's
	// values are neither uniformly numeric nor uniformly string-typed.
	SortLexicographic
)

func (k SortKind) String() string {
	switch k {
	case SortInteger:
		return "integer"
	case SortDecimal:
		return "decimal"
	case SortString:
		return "string"
	case SortLexicographic:
		return "lexicographic"
	default:
		return "unknown"
	}
}

// Sortable is a resolved comparison strategy for one distinct part name.
type Sortable struct {
	Kind    SortKind
	compare func(a, b any) int
}

// Compare orders two raw values using this sortable's kind.
func (s Sortable) Compare(a, b any) int { return s.compare(a, b) }

// Item is one message's view into the sequencer: its joined key projection
// (empty string when keys are unused) and its ordered seqNo parts.
type Item struct {
	Ref    any // opaque identity the caller uses to recover the message, e.g. a states-map key
	Key    string
	SeqNo  []identity.Part
}

// Options configures normalization and linking.
type Options struct {
	// PerKey groups messages by Key into independent chains; otherwise
	// every message forms a single global chain.
	PerKey bool
	// Strict causes a part-name clash at the same ordinal position to
	// fail normalization instead of merely warning.
	Strict bool
}

// ErrSortKindMismatch is returned by Compare when the sortables for one
// part name disagree on kind. Normalize never returns it: it resolves
// exactly one Sortable per part name (SortLexicographic when a name's
// values mix types), so sortables built by Normalize never trigger it.
var ErrSortKindMismatch = fmt.Errorf("sequence: sort kind mismatch for part name")

// ErrPartNameClash is returned in strict mode when two distinct part
// names appear at the same ordinal position across the batch.
var ErrPartNameClash = fmt.Errorf("sequence: part name clash at ordinal position")

// Normalize scans every item's seqNo parts and resolves one Sortable per
// distinct part name observed in the batch. It also validates, per
// Options.Strict, that no two distinct part names occupy the same ordinal
// position across different items (a sign the caller's seqNoPropertyNames
// configuration is inconsistent).
func Normalize(items []Item, opts Options) (map[string]Sortable, []string, error) {
	valuesByName := map[string][]any{}
	namesAtOrdinal := map[int]map[string]bool{}
	var warnings []string

	for _, it := range items {
		for p, part := range it.SeqNo {
			valuesByName[part.Name] = append(valuesByName[part.Name], part.Value)

			if namesAtOrdinal[p] == nil {
				namesAtOrdinal[p] = map[string]bool{}
			}
			namesAtOrdinal[p][part.Name] = true
		}
	}

	for ordinal, names := range namesAtOrdinal {
		if len(names) <= 1 {
			continue
		}
		sorted := make([]string, 0, len(names))
		for n := range names {
			sorted = append(sorted, n)
		}
		sort.Strings(sorted)
		msg := fmt.Sprintf("ordinal %d has distinct part names %v", ordinal, sorted)
		if opts.Strict {
			return nil, nil, fmt.Errorf("%w: %s", ErrPartNameClash, msg)
		}
		warnings = append(warnings, msg)
	}

	sortables := make(map[string]Sortable, len(valuesByName))
	for name, values := range valuesByName {
		sortables[name] = resolveSortable(values)
	}

	return sortables, warnings, nil
}

func resolveSortable(values []any) Sortable {
	switch classify(values) {
	case SortInteger:
		return Sortable{Kind: SortInteger, compare: compareInteger}
	case SortDecimal:
		return Sortable{Kind: SortDecimal, compare: compareDecimal}
	case SortString:
		return Sortable{Kind: SortString, compare: compareString}
	default:
		return Sortable{Kind: SortLexicographic, compare: compareLexicographic}
	}
}

func classify(values []any) SortKind {
	allInt, allDecimal, allString := true, true, true
	for _, v := range values {
		if _, ok := asInt64(v); !ok {
			allInt = false
		}
		if _, ok := asFloat64(v); !ok {
			allDecimal = false
		}
		if _, ok := v.(string); !ok {
			allString = false
		}
	}
	switch {
	case allInt:
		return SortInteger
	case allDecimal:
		return SortDecimal
	case allString:
		return SortString
	default:
		return SortLexicographic
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
		return 0, false
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func compareInteger(a, b any) int {
	ai, _ := asInt64(a)
	bi, _ := asInt64(b)
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	default:
		return 0
	}
}

func compareDecimal(a, b any) int {
	af, _ := asFloat64(a)
	bf, _ := asFloat64(b)
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func compareString(a, b any) int {
	as, _ := a.(string)
	bs, _ := b.(string)
	return strings.Compare(as, bs)
}

func compareLexicographic(a, b any) int {
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

// Compare implements the ordering contract for two messages' seqNo
// projections:
//  1. Compare part-key names ordinal by ordinal; a mismatch breaks the tie
//     by part-key name.
//  2. At matching part-keys, a sortable kind disagreement is a hard
//     failure (guarded defensively here; Normalize is expected to have
//     already prevented this by resolving one kind per name).
//  3. Otherwise compare values via the sortable's compare function.
//  4. A message with fewer parts sorts after a message with more parts.
//  5. Returns -1, 0, or +1.
func Compare(a, b []identity.Part, sortables map[string]Sortable) (int, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	for p := 0; p < n; p++ {
		pa, pb := a[p], b[p]
		if pa.Name != pb.Name {
			return strings.Compare(pa.Name, pb.Name), nil
		}

		sa, aok := sortables[pa.Name]
		sb, bok := sortables[pb.Name]
		if aok && bok && sa.Kind != sb.Kind {
			return 0, fmt.Errorf("%w: %q", ErrSortKindMismatch, pa.Name)
		}
		sortable := sa
		if !aok {
			sortable = sb
		}

		if c := sortable.Compare(pa.Value, pb.Value); c != 0 {
			return c, nil
		}
	}

	switch {
	case len(a) < len(b):
		return 1, nil
	case len(a) > len(b):
		return -1, nil
	default:
		return 0, nil
	}
}

// LinkResult is the outcome of Link: per-item next/prev references keyed by
// Item.Ref, plus the heads of every chain in firstMessagesToProcess order.
type LinkResult struct {
	Next  map[any]any
	Prev  map[any]any
	Heads []any
}

// Link groups items (by Key, when Options.PerKey is set; otherwise into one
// global chain), sorts each group with Compare, and wires prevMessage/
// nextMessage links along the sorted order. The returned Heads are the
// firstMessagesToProcess: the head of every chain, in key-group order.
func Link(items []Item, sortables map[string]Sortable, opts Options) (LinkResult, error) {
	result := LinkResult{Next: map[any]any{}, Prev: map[any]any{}}

	if len(items) == 0 {
		return result, nil
	}

	groupOrder := make([]string, 0)
	groups := map[string][]Item{}

	keyOf := func(it Item) string {
		if !opts.PerKey {
			return ""
		}
		return it.Key
	}

	for _, it := range items {
		k := keyOf(it)
		if _, seen := groups[k]; !seen {
			groupOrder = append(groupOrder, k)
		}
		groups[k] = append(groups[k], it)
	}

	for _, k := range groupOrder {
		group := groups[k]
		sorted := make([]Item, len(group))
		copy(sorted, group)

		var sortErr error
		sort.SliceStable(sorted, func(i, j int) bool {
			if sortErr != nil {
				return false
			}
			c, err := Compare(sorted[i].SeqNo, sorted[j].SeqNo, sortables)
			if err != nil {
				sortErr = err
				return false
			}
			return c < 0
		})
		if sortErr != nil {
			return LinkResult{}, sortErr
		}

		for i, it := range sorted {
			if i == 0 {
				result.Heads = append(result.Heads, it.Ref)
			} else {
				prev := sorted[i-1].Ref
				result.Next[prev] = it.Ref
				result.Prev[it.Ref] = prev
			}
		}
	}

	return result, nil
}
