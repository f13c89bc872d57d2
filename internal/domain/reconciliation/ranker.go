package reconciliation

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

const (
	maxDatePenalty      = 40
	maxAmountPenalty    = 40
	maxDescriptionBonus = 20

	// Edit-distance similarity below this counts as no overlap.
	minFuzzySimilarity = 0.75
)

var fortyPoints = decimal.NewFromInt(maxAmountPenalty)

// RankCandidates scores every import in pool that passes the hard filters for
// manual and returns them best first. Ties are broken by smaller date distance,
// then smaller amount distance, then pool order.
func RankCandidates(manual Transaction, pool []Transaction, settings Settings, allowCrossAccount bool) []Candidate {
	tolerance := settings.AmountTolerance(manual.Amount)
	window := settings.DateWindow()
	manualMagnitude := manual.Amount.Abs()

	candidates := make([]Candidate, 0)
	for _, imp := range pool {
		if imp.ID == manual.ID || !imp.IsImported() {
			continue
		}
		cross := imp.AccountID != manual.AccountID
		if cross && !allowCrossAccount {
			continue
		}
		days := dayDistance(manual, imp)
		if days > window {
			continue
		}
		amountDiff := manualMagnitude.Sub(imp.Amount.Abs()).Abs()
		if amountDiff.GreaterThan(tolerance) {
			continue
		}
		if !manual.ReconciliationHint.Accepts(imp) {
			continue
		}

		similarity := 0.0
		if settings.DescriptionMatching {
			similarity = descriptionSimilarity(manual, imp)
		}

		candidates = append(candidates, Candidate{
			Imported:     imp,
			Score:        score(days, window, amountDiff, tolerance, settings.DescriptionMatching, similarity),
			Reason:       reason(manual, imp, days, amountDiff, settings.DescriptionMatching, similarity),
			CrossAccount: cross,
			DateDiffDays: days,
			AmountDiff:   amountDiff,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DateDiffDays != b.DateDiffDays {
			return a.DateDiffDays < b.DateDiffDays
		}
		return a.AmountDiff.LessThan(b.AmountDiff)
	})

	return candidates
}

func dayDistance(a, b Transaction) int {
	d := a.PostedAt.DaysSince(b.PostedAt)
	if d < 0 {
		return -d
	}
	return d
}

// score starts from 100, or 80 when description matching reserves 20 points
// for the description, and subtracts date and amount penalties of up to 40
// points each, proportional to the distance over the tolerance.
//
// With description matching on, an exact date and amount hit with no
// description overlap scores 80, so the 60 and 80 bands sit lower than
// without it.
func score(days, window int, amountDiff, tolerance decimal.Decimal, descriptionMatching bool, similarity float64) int {
	base := 100
	if descriptionMatching {
		base -= maxDescriptionBonus
	}

	datePenalty := 0
	if days > 0 {
		denom := window
		if denom < 1 {
			denom = 1
		}
		datePenalty = min(maxDatePenalty, days*maxDatePenalty/denom)
	}

	amountPenalty := 0
	if amountDiff.IsPositive() && tolerance.IsPositive() {
		amountPenalty = int(amountDiff.Mul(fortyPoints).Div(tolerance).IntPart())
		amountPenalty = min(maxAmountPenalty, amountPenalty)
	}

	s := base - datePenalty - amountPenalty
	if descriptionMatching {
		s += int(similarity*maxDescriptionBonus + 0.5)
	}
	return max(0, min(100, s))
}

func reason(manual, imp Transaction, days int, amountDiff decimal.Decimal, descriptionMatching bool, similarity float64) string {
	var parts []string

	switch days {
	case 0:
		parts = append(parts, "date exact")
	case 1:
		parts = append(parts, "date within 1 day")
	default:
		parts = append(parts, fmt.Sprintf("date within %d days", days))
	}

	if amountDiff.IsZero() {
		parts = append(parts, "amount exact")
	} else {
		parts = append(parts, fmt.Sprintf("amount within tolerance (diff %s)", amountDiff.StringFixed(2)))
	}

	if descriptionMatching {
		if similarity > 0 {
			parts = append(parts, "description similar")
		} else {
			parts = append(parts, "description differs")
		}
	}

	if !manual.ReconciliationHint.IsEmpty() {
		parts = append(parts, "hint matched")
	}

	if imp.AccountID != manual.AccountID {
		name := imp.AccountName
		if name == "" {
			name = imp.AccountID
		}
		parts = append(parts, "other account: "+name)
	}

	return strings.Join(parts, ", ")
}

// descriptionSimilarity compares the manual description with the import's
// description and original description and returns the best score in 0..1.
func descriptionSimilarity(manual, imp Transaction) float64 {
	best := textSimilarity(manual.Description, imp.Description)
	if imp.OriginalDescription != nil {
		if s := textSimilarity(manual.Description, *imp.OriginalDescription); s > best {
			best = s
		}
	}
	return best
}

func textSimilarity(a, b string) float64 {
	a, b = normalizeText(a), normalizeText(b)
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 1
	}

	overlap := tokenOverlap(strings.Fields(a), strings.Fields(b))

	longest := max(len([]rune(a)), len([]rune(b)))
	fuzzy := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
	if fuzzy < minFuzzySimilarity {
		fuzzy = 0
	}

	return max(overlap, fuzzy)
}

// tokenOverlap is the share of the shorter token set found in the other set.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, tok := range b {
		set[tok] = struct{}{}
	}
	seen := make(map[string]struct{}, len(a))
	shared := 0
	for _, tok := range a {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if _, ok := set[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(min(len(seen), len(set)))
}

// normalizeText lowercases and keeps letters and digits, collapsing everything
// else into single spaces.
func normalizeText(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
