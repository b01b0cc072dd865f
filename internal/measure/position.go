package measure

import (
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"mdquery/internal/domain"
	"mdquery/internal/table"
)

var shiftPattern = regexp.MustCompile(`^(.+?)\s*([+-])\s*(\d+)$`)

// Position keywords.
const (
	PositionFirst = "first"
	PositionLast  = "last"
)

// shifter moves one dimension of a point to its reference value.
type shifter struct {
	col int
	// position: a literal, an edge keyword or an offset
	fixed    any
	hasFixed bool
	offset   int
	edge     string
	// domain of values the column walks through; nil for arithmetic shifts on ints
	order []any
	// per-bucket orders keyed by bucket name, used inside a BUCKET column set
	bucketCol int
	byBucket  map[string][]any
}

// parsePosition interprets a reference position for field f:
//
//	"first" / "last"       first or last value of the column
//	"<name>"               the current value
//	"<name>-k", "<name>+k" the value k steps before or after
//	anything else          a literal value
func parsePosition(f domain.TypedField, pos string) (offset int, edge string, literal any, isLiteral bool) {
	p := strings.TrimSpace(pos)
	switch strings.ToLower(p) {
	case PositionFirst, PositionLast:
		return 0, strings.ToLower(p), nil, false
	}
	if p == f.OutputName() || p == f.Name {
		return 0, "", nil, false
	}
	if m := shiftPattern.FindStringSubmatch(p); m != nil && (m[1] == f.OutputName() || m[1] == f.Name) {
		k, _ := strconv.Atoi(m[3])
		if m[2] == "-" {
			k = -k
		}
		return k, "", nil, false
	}
	switch f.Type {
	case domain.TypeInt:
		if v, err := cast.ToInt64E(p); err == nil {
			return 0, "", v, true
		}
	case domain.TypeFloat:
		if v, err := cast.ToFloat64E(p); err == nil {
			return 0, "", v, true
		}
	case domain.TypeBool:
		if v, err := cast.ToBoolE(p); err == nil {
			return 0, "", v, true
		}
	}
	return 0, "", p, true
}

// distinctValues returns the sorted non-total values of column c.
func distinctValues(t *table.ColumnarTable, c int) []any {
	col, _ := t.Column(c)
	seen := map[string]bool{}
	var out []any
	for r, v := range col {
		if t.IsTotal(r, c) {
			continue
		}
		k := table.PointKey([]any{v})
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	slices.SortFunc(out, table.Compare)
	return out
}

// shift returns the reference value for the cell at row r, or false when the
// reference falls outside the known values.
func (s *shifter) shift(t *table.ColumnarTable, r int) (any, bool) {
	if s.hasFixed {
		return s.fixed, true
	}
	col, _ := t.Column(s.col)
	v := col[r]
	order := s.order
	if s.byBucket != nil {
		bucketCol, _ := t.Column(s.bucketCol)
		order = s.byBucket[cast.ToString(bucketCol[r])]
	}

	switch s.edge {
	case PositionFirst:
		if len(order) == 0 {
			return nil, false
		}
		return order[0], true
	case PositionLast:
		if len(order) == 0 {
			return nil, false
		}
		return order[len(order)-1], true
	}
	if s.offset == 0 {
		return v, true
	}
	if order == nil {
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, false
		}
		return n + int64(s.offset), true
	}
	i := slices.IndexFunc(order, func(o any) bool { return table.Compare(o, v) == 0 })
	if i < 0 || i+s.offset < 0 || i+s.offset >= len(order) {
		return nil, false
	}
	return order[i+s.offset], true
}
