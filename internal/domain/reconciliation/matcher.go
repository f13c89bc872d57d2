package reconciliation

import (
	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExactMatchReason is attached to every exact match.
const ExactMatchReason = "same amount and date"

var (
	// exactAmountEpsilon absorbs rounding noise between manual and imported amounts
	exactAmountEpsilon = decimal.New(5, -3)

	matchNamespace = uuid.MustParse("6f1d8a52-3c0e-4b8e-9a57-2f4b8c1d0e93")
)

// MatchID derives the stable identifier of a manual/import pair. The same
// pair gets the same id on every run, so a client can confirm ids from a
// view it fetched earlier.
func MatchID(manualID, importID string) string {
	return uuid.NewSHA1(matchNamespace, []byte(manualID+"|"+importID)).String()
}

type bucketKey struct {
	cents int64
	date  civil.Date
}

func keyOf(t Transaction) bucketKey {
	return bucketKey{cents: t.Amount.Round(2).Shift(2).IntPart(), date: t.PostedAt}
}

// AutoMatchExact pairs manuals with imports of equal signed amount and equal
// date. Inputs must belong to one account. Manuals are visited in input order
// and each takes the earliest unconsumed import that qualifies, so reruns on
// unchanged input give the same pairs.
func AutoMatchExact(manuals, imports []Transaction) MatchResult {
	result := MatchResult{
		ExactMatches:     []ExactMatch{},
		UnmatchedManuals: []Transaction{},
		UnmatchedImports: []Transaction{},
	}

	if len(manuals) == 0 || len(imports) == 0 {
		result.UnmatchedManuals = append(result.UnmatchedManuals, manuals...)
		result.UnmatchedImports = append(result.UnmatchedImports, imports...)
		return result
	}

	// Indices are appended in input order, so every bucket is ascending.
	buckets := make(map[bucketKey][]int, len(imports))
	for i, imp := range imports {
		k := keyOf(imp)
		buckets[k] = append(buckets[k], i)
	}

	consumed := make([]bool, len(imports))
	for _, manual := range manuals {
		idx := earliestImport(manual, imports, buckets, consumed)
		if idx < 0 {
			result.UnmatchedManuals = append(result.UnmatchedManuals, manual)
			continue
		}
		consumed[idx] = true
		imp := imports[idx]
		result.ExactMatches = append(result.ExactMatches, ExactMatch{
			ID:       MatchID(manual.ID, imp.ID),
			Manual:   manual,
			Imported: imp,
			Reason:   ExactMatchReason,
		})
	}

	for i, imp := range imports {
		if !consumed[i] {
			result.UnmatchedImports = append(result.UnmatchedImports, imp)
		}
	}

	return result
}

// earliestImport returns the smallest import index that is unconsumed, on the
// manual's date and within the epsilon, or -1. Neighbouring cent buckets are
// searched too since rounding can split amounts that differ by less than the
// epsilon.
func earliestImport(manual Transaction, imports []Transaction, buckets map[bucketKey][]int, consumed []bool) int {
	k := keyOf(manual)
	best := -1
	for _, delta := range [...]int64{-1, 0, 1} {
		for _, i := range buckets[bucketKey{cents: k.cents + delta, date: k.date}] {
			if consumed[i] {
				continue
			}
			if imports[i].Amount.Sub(manual.Amount).Abs().GreaterThan(exactAmountEpsilon) {
				continue
			}
			if best < 0 || i < best {
				best = i
			}
			break
		}
	}
	return best
}
