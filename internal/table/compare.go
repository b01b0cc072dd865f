package table

import (
	"cmp"
	"strings"
	"time"

	"github.com/spf13/cast"

	"mdquery/internal/domain"
)

// Compare orders two cell values. Nulls sort last; numbers of any kind compare
// numerically; mixed kinds fall back to their string forms.
func Compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	ta, tb := domain.TypeOf(a), domain.TypeOf(b)
	if ta.IsNumeric() && tb.IsNumeric() {
		return cmp.Compare(cast.ToFloat64(a), cast.ToFloat64(b))
	}
	if ta != tb {
		return strings.Compare(cast.ToString(a), cast.ToString(b))
	}
	switch x := a.(type) {
	case time.Time:
		return x.Compare(b.(time.Time))
	case bool:
		return cmp.Compare(boolRank(x), boolRank(b.(bool)))
	case string:
		return strings.Compare(x, b.(string))
	}
	return strings.Compare(cast.ToString(a), cast.ToString(b))
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}
