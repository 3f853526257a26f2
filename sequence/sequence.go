// Package sequence normalizes message sequence-number parts into comparable
// form and produces the per-key processing chains that enforce ordering. All
// values observed for a part name are scanned to choose a sort kind (integer,
// decimal, string or lexicographic); values are never silently coerced
// between kinds.
package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"goa.design/shardflow/identify"
	"goa.design/shardflow/telemetry"
)

type (
	// Kind is the sort kind resolved for a sequence part.
	Kind int

	// Options configures sequencing.
	Options struct {
		// Required enables strict sequencing: conflicting part names at the
		// same ordinal position fail normalization instead of warning.
		Required bool
		// PerKey groups messages into one chain per key; when false the whole
		// batch forms a single chain.
		PerKey bool
	}

	// Entry is a sequenceable item: anything carrying a key string and an
	// ordered list of sequence-number pairs.
	Entry interface {
		SequenceKey() string
		SequencePairs() []identify.Pair
	}

	// normPart is a sequence part with its comparable value substituted.
	normPart struct {
		name string
		kind Kind
		i    *big.Int
		f    float64
		s    string
	}
)

const (
	// KindInteger compares values as arbitrary-precision integers (stream
	// sequence numbers routinely exceed 64 bits).
	KindInteger Kind = iota
	// KindDecimal compares values numerically with a fractional part.
	KindDecimal
	// KindString compares values as plain strings.
	KindString
	// KindLexicographic is the fallback for mixed value types; each value is
	// compared via its canonical string form.
	KindLexicographic
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindDecimal:
		return "decimal"
	case KindString:
		return "string"
	default:
		return "lexicographic"
	}
}

// Chains normalizes the sequence parts of all items and returns the ordered
// processing chains: one per distinct key when opts.PerKey is set, otherwise
// a single chain over the whole batch. Within a chain, items are ordered by
// the part-wise comparator; an item with fewer parts sorts after one with
// more parts.
func Chains[T Entry](ctx context.Context, items []T, opts Options, logger telemetry.Logger) ([][]T, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if len(items) == 0 {
		return nil, nil
	}

	norms, err := normalize(ctx, items, opts, logger)
	if err != nil {
		return nil, err
	}

	groups := map[string][]int{}
	var keys []string
	for i, item := range items {
		key := ""
		if opts.PerKey {
			key = item.SequenceKey()
		}
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], i)
	}
	sort.Strings(keys)

	chains := make([][]T, 0, len(keys))
	for _, key := range keys {
		idxs := groups[key]
		var sortErr error
		sort.SliceStable(idxs, func(a, b int) bool {
			c, err := compareParts(norms[idxs[a]], norms[idxs[b]])
			if err != nil && sortErr == nil {
				sortErr = err
			}
			return c < 0
		})
		if sortErr != nil {
			return nil, sortErr
		}
		chain := make([]T, len(idxs))
		for i, idx := range idxs {
			chain[i] = items[idx]
		}
		chains = append(chains, chain)
	}
	return chains, nil
}

// Compare orders two items by their normalized sequence parts. It is exposed
// for property tests; Chains uses the same comparator. Both items must have
// been normalized against the same batch.
func Compare[T Entry](ctx context.Context, a, b T, opts Options, logger telemetry.Logger) (int, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	norms, err := normalize(ctx, []T{a, b}, opts, logger)
	if err != nil {
		return 0, err
	}
	return compareParts(norms[0], norms[1])
}

// normalize resolves a sort kind per part name and substitutes comparable
// values for every item's parts.
func normalize[T Entry](ctx context.Context, items []T, opts Options, logger telemetry.Logger) ([][]normPart, error) {
	// Scan ordinal positions for conflicting part names.
	maxParts := 0
	for _, item := range items {
		if n := len(item.SequencePairs()); n > maxParts {
			maxParts = n
		}
	}
	for p := 0; p < maxParts; p++ {
		names := map[string]bool{}
		for _, item := range items {
			pairs := item.SequencePairs()
			if p < len(pairs) {
				names[pairs[p].Name] = true
			}
		}
		if len(names) > 1 {
			if opts.Required {
				return nil, fmt.Errorf("sequence: conflicting part names %v at ordinal %d with strict sequencing enabled", nameList(names), p)
			}
			logger.Warn(ctx, "conflicting sequence part names at same ordinal", "ordinal", p, "names", nameList(names))
		}
	}

	// Resolve a sort kind per part name from every value observed for it.
	values := map[string][]any{}
	for _, item := range items {
		for _, pair := range item.SequencePairs() {
			values[pair.Name] = append(values[pair.Name], pair.Value)
		}
	}
	kinds := make(map[string]Kind, len(values))
	for name, vals := range values {
		kinds[name] = resolveKind(vals)
	}

	norms := make([][]normPart, len(items))
	for i, item := range items {
		pairs := item.SequencePairs()
		parts := make([]normPart, len(pairs))
		for j, pair := range pairs {
			parts[j] = normalizeValue(pair.Name, kinds[pair.Name], pair.Value)
		}
		norms[i] = parts
	}
	return norms, nil
}

// compareParts implements the ordering contract: part names break ties first,
// then values under the part's sort kind; disagreeing kinds at a matching
// part name fail hard; fewer parts sort after more parts.
func compareParts(a, b []normPart) (int, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].name != b[i].name {
			return sign(strings.Compare(a[i].name, b[i].name)), nil
		}
		if a[i].kind != b[i].kind {
			return 0, fmt.Errorf("sequence: sort kind mismatch for part %q (%s vs %s)", a[i].name, a[i].kind, b[i].kind)
		}
		if c := a[i].compare(b[i]); c != 0 {
			return c, nil
		}
	}
	// A message with fewer parts sorts after a message with more parts.
	switch {
	case len(a) < len(b):
		return 1, nil
	case len(a) > len(b):
		return -1, nil
	}
	return 0, nil
}

func (p normPart) compare(q normPart) int {
	switch p.kind {
	case KindInteger:
		if p.i == nil || q.i == nil {
			return sign(strings.Compare(p.s, q.s))
		}
		return sign(p.i.Cmp(q.i))
	case KindDecimal:
		switch {
		case p.f < q.f:
			return -1
		case p.f > q.f:
			return 1
		}
		return 0
	default:
		return sign(strings.Compare(p.s, q.s))
	}
}

// resolveKind picks the narrowest kind every observed value fits: integer,
// then decimal, then string; mixed value types fall back to lexicographic.
func resolveKind(vals []any) Kind {
	allInt, allNum, allStr := true, true, true
	for _, v := range vals {
		switch val := v.(type) {
		case int, int64:
			allStr = false
		case float64:
			allStr = false
			if val != float64(int64(val)) {
				allInt = false
			}
		case string:
			s := strings.TrimSpace(val)
			if _, ok := new(big.Int).SetString(s, 10); !ok {
				allInt = false
				if _, err := strconv.ParseFloat(s, 64); err != nil {
					allNum = false
				}
			}
		case json.Number:
			allStr = false
			if _, ok := new(big.Int).SetString(val.String(), 10); !ok {
				allInt = false
				if _, err := val.Float64(); err != nil {
					allNum = false
				}
			}
		default:
			return KindLexicographic
		}
	}
	switch {
	case allInt:
		return KindInteger
	case allNum:
		return KindDecimal
	case allStr:
		return KindString
	}
	return KindLexicographic
}

func normalizeValue(name string, kind Kind, v any) normPart {
	p := normPart{name: name, kind: kind, s: identify.Stringify(v)}
	switch kind {
	case KindInteger:
		p.i, _ = new(big.Int).SetString(strings.TrimSpace(p.s), 10)
	case KindDecimal:
		p.f, _ = strconv.ParseFloat(strings.TrimSpace(p.s), 64)
	}
	return p
}

func nameList(names map[string]bool) []string {
	list := make([]string, 0, len(names))
	for n := range names {
		list = append(list, n)
	}
	sort.Strings(list)
	return list
}

func sign(c int) int {
	switch {
	case c < 0:
		return -1
	case c > 0:
		return 1
	}
	return 0
}
