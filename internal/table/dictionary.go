package table

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"mdquery/internal/domain"
)

// PointDictionary maps each dimension tuple to the row holding it.
type PointDictionary struct {
	index  map[string]int
	points [][]any
}

func newPointDictionary(size int) *PointDictionary {
	return &PointDictionary{index: make(map[string]int, size), points: make([][]any, 0, size)}
}

func (d *PointDictionary) add(point []any, row int) error {
	key := PointKey(point)
	if prev, ok := d.index[key]; ok {
		return domain.ErrCompilation("rows %d and %d share the dimension tuple %v", prev, row, point)
	}
	d.index[key] = row
	d.points = append(d.points, point)
	return nil
}

// Lookup returns the row holding point.
func (d *PointDictionary) Lookup(point []any) (int, bool) {
	r, ok := d.index[PointKey(point)]
	return r, ok
}

// Len is the number of indexed points.
func (d *PointDictionary) Len() int { return len(d.points) }

// Point returns the tuple of the i-th indexed row.
func (d *PointDictionary) Point(i int) []any { return d.points[i] }

// totalCell stands for a rollup sentinel inside a dimension tuple.
type totalCell struct{}

// PointKey encodes a tuple so that equal values of different numeric kinds
// collide: int64(3), int32(3) and 3.0 share a key.
func PointKey(point []any) string {
	var sb strings.Builder
	for _, v := range point {
		sb.WriteString(valueKey(v))
		sb.WriteByte(0x1f)
	}
	return sb.String()
}

func valueKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case totalCell:
		return "\x01"
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	case float32, float64:
		f := cast.ToFloat64(x)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(f), 10)
		}
		return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "n:" + cast.ToString(x)
	default:
		return "v:" + cast.ToString(x)
	}
}
