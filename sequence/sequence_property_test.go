package sequence

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"goa.design/shardflow/identify"
)

// genEntry generates entries sharing the "seq"/"sub" part names so every pair
// of generated entries is comparable (same-name parts resolve a common kind).
func genEntry() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(0, 1_000_000),
		gen.Int64Range(0, 100),
		gen.Bool(),
	).Map(func(vals []any) entry {
		pairs := []identify.Pair{{Name: "seq", Value: vals[0].(int64)}}
		if vals[2].(bool) {
			pairs = append(pairs, identify.Pair{Name: "sub", Value: vals[1].(int64)})
		}
		return entry{key: "k", pairs: pairs}
	})
}

func TestComparatorIsTotalOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	ctx := context.Background()

	cmp := func(a, b entry) int {
		c, err := Compare(ctx, a, b, Options{}, nil)
		if err != nil {
			t.Fatalf("compare: %v", err)
		}
		return c
	}

	properties.Property("antisymmetric", prop.ForAll(
		func(a, b entry) bool { return cmp(a, b) == -cmp(b, a) },
		genEntry(), genEntry(),
	))

	properties.Property("reflexive", prop.ForAll(
		func(a entry) bool { return cmp(a, a) == 0 },
		genEntry(),
	))

	properties.Property("transitive", prop.ForAll(
		func(a, b, c entry) bool {
			if cmp(a, b) <= 0 && cmp(b, c) <= 0 {
				return cmp(a, c) <= 0
			}
			return true
		},
		genEntry(), genEntry(), genEntry(),
	))

	properties.Property("chains come back sorted", prop.ForAll(
		func(items []entry) bool {
			chains, err := Chains(ctx, items, Options{PerKey: true}, nil)
			if err != nil {
				return false
			}
			for _, chain := range chains {
				for i := 1; i < len(chain); i++ {
					if cmp(chain[i-1], chain[i]) > 0 {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genEntry()),
	))

	properties.TestingRun(t)
}
