package aggregate

import (
	"cmp"
	"math"
	"slices"
)

// Breakdown is the summed self cost per Kind. Every kind is always present.
type Breakdown map[Kind]int64

func (b Breakdown) Total() int64 {
	var total int64
	for _, v := range b {
		total += v
	}
	return total
}

func hidden(r Record, hideInternals bool) bool {
	return hideInternals && r.Kind == Internal
}

// ComputeBreakdown sums every record into its kind bucket, whatever
// hideInternals says. shownTotal only covers the records that stay visible.
func ComputeBreakdown(records []Record, hideInternals bool) (Breakdown, int64) {
	breakdown := make(Breakdown, len(Kinds))
	for _, k := range Kinds {
		breakdown[k] = 0
	}

	var shownTotal int64
	for _, r := range records {
		breakdown[r.Kind] += r.SelfCost
		if !hidden(r, hideInternals) {
			shownTotal += r.SelfCost
		}
	}
	return breakdown, shownTotal
}

// Shown drops internal functions when hideInternals is set.
func Shown(records []Record, hideInternals bool) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !hidden(r, hideInternals) {
			out = append(out, r)
		}
	}
	return out
}

// SelectTopByFraction returns the most expensive records until fraction of
// their total self cost is covered. Records are ordered by descending self
// cost, ties keep their input order. Each record is appended before the
// remaining budget is checked, and the walk stops once the budget drops
// below zero. A fraction of 1 therefore returns every record and a fraction
// of 0 only the most expensive one, or none when the total is 0.
func SelectTopByFraction(records []Record, fraction float64) []Record {
	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	var total int64
	for _, r := range records {
		total += r.SelfCost
	}
	if total == 0 && fraction == 0 {
		return []Record{}
	}

	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b Record) int {
		return cmp.Compare(b.SelfCost, a.SelfCost)
	})

	remaining := float64(total) * fraction
	out := make([]Record, 0, len(sorted))
	for _, r := range sorted {
		remaining -= float64(r.SelfCost)
		out = append(out, r)
		if remaining < 0 {
			break
		}
	}
	return out
}
