package table

import (
	"slices"

	"mdquery/internal/domain"
)

// Order sorts rows by the dimension columns from left to right. Within a
// column, total cells come first (or last when totals.Position is bottom),
// values listed in explicit keep that order, and remaining values sort with
// Compare. Total rows are dropped when totals are hidden.
func (t *ColumnarTable) Order(totals domain.TotalsOption, explicit map[string][]any) *ColumnarTable {
	rows := make([]int, 0, t.Count())
	for r := 0; r < t.Count(); r++ {
		if !totals.Visible && t.Level(r) > 0 {
			continue
		}
		rows = append(rows, r)
	}

	totalRank := -1
	if totals.Position == domain.TotalsBottom {
		totalRank = 1
	}
	dims := t.DimensionIndexes()
	ranks := make(map[int]map[string]int, len(explicit))
	for _, c := range dims {
		values, ok := explicit[t.headers[c].Name]
		if !ok {
			continue
		}
		rank := make(map[string]int, len(values))
		for i, v := range values {
			rank[valueKey(v)] = i
		}
		ranks[c] = rank
	}

	slices.SortStableFunc(rows, func(a, b int) int {
		for _, c := range dims {
			ta, tb := t.IsTotal(a, c), t.IsTotal(b, c)
			switch {
			case ta && tb:
				continue
			case ta:
				return totalRank
			case tb:
				return -totalRank
			}
			va, vb := t.columns[c][a], t.columns[c][b]
			if rank, ok := ranks[c]; ok {
				if n := compareRank(rank, va, vb); n != 0 {
					return n
				}
				continue
			}
			if n := Compare(va, vb); n != 0 {
				return n
			}
		}
		return 0
	})
	return t.selectRows(rows)
}

// compareRank orders listed values by position; unlisted values follow them.
func compareRank(rank map[string]int, a, b any) int {
	ra, oka := rank[valueKey(a)]
	rb, okb := rank[valueKey(b)]
	switch {
	case oka && okb:
		return ra - rb
	case oka:
		return -1
	case okb:
		return 1
	}
	return Compare(a, b)
}
