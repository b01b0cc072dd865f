package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sentinel values substituted for dimensions collapsed by a rollup.
const (
	Total      = "Total"
	GrandTotal = "Grand Total"
)

// QueryScope is the canonical compiled query. It is produced by the scope
// resolver and consumed by the SQL builder, the result table and the cache.
type QueryScope struct {
	Table      string                           `json:"table,omitempty"`
	SubQuery   *QueryScope                      `json:"subQuery,omitempty"`
	Joins      []JoinScope                      `json:"joins,omitempty"`
	Columns    []Field                          `json:"columns,omitempty"`
	Measures   []Measure                        `json:"measures,omitempty"`
	Outputs    []string                         `json:"outputs,omitempty"`
	Rollup     []Field                          `json:"rollup,omitempty"`
	Where      *Criteria                        `json:"where,omitempty"`
	ColumnSets map[ColumnSetKey]BucketColumnSet `json:"columnSets,omitempty"`
	Context    map[string]map[string]any        `json:"context,omitempty"`
	Totals     TotalsOption                     `json:"totals"`
	Limit      int                              `json:"limit,omitempty"`
}

// JoinScope joins a physical or virtual table.
type JoinScope struct {
	Table   string        `json:"table,omitempty"`
	Virtual *VirtualTable `json:"virtual,omitempty"`
	Type    JoinType      `json:"type"`
	On      *Criteria     `json:"on,omitempty"`
}

// Name returns the table name the join introduces.
func (j JoinScope) Name() string {
	if j.Virtual != nil {
		return j.Virtual.Name
	}
	return j.Table
}

// VirtualTable is an inline literal table with typed columns.
type VirtualTable struct {
	Name    string       `json:"name"`
	Columns []TypedField `json:"columns"`
	Rows    [][]any      `json:"rows"`
}

// BucketColumnSet exposes the bucket each value of Field falls in as column Name.
type BucketColumnSet struct {
	Name    string     `json:"name"`
	Field   TypedField `json:"field"`
	Buckets []Bucket   `json:"buckets"`
}

// Bucket is a named, ordered group of values.
type Bucket struct {
	Name   string `json:"name"`
	Values []any  `json:"values"`
}

// BucketFor returns the index of the bucket containing v, or -1.
func (cs BucketColumnSet) BucketFor(v any) int {
	for i, b := range cs.Buckets {
		for _, bv := range b.Values {
			if fmt.Sprint(bv) == fmt.Sprint(v) {
				return i
			}
		}
	}
	return -1
}

// Criteria is a compiled filter tree. Leaves compare Field with either Other or
// literal Value/Values; inner nodes combine Children with AND/OR.
type Criteria struct {
	Field     Field         `json:"field,omitempty"`
	Other     Field         `json:"other,omitempty"`
	Condition ConditionType `json:"condition"`
	Value     any           `json:"value,omitempty"`
	Values    []any         `json:"values,omitempty"`
	Children  []*Criteria   `json:"children,omitempty"`
}

// TotalsOption controls visibility and placement of total rows.
type TotalsOption struct {
	Visible  bool   `json:"visible"`
	Position string `json:"position"`
}

// DefaultTotals shows totals above detail rows.
var DefaultTotals = TotalsOption{Visible: true, Position: TotalsTop}

// SQLMeasures returns the measures compiled to SQL.
func (s *QueryScope) SQLMeasures() []Measure {
	var out []Measure
	for _, m := range s.Measures {
		if IsSQLEvaluable(m) {
			out = append(out, m)
		}
	}
	return out
}

// Measure looks up a flattened measure by alias.
func (s *QueryScope) Measure(alias string) (Measure, bool) {
	for _, m := range s.Measures {
		if m.Alias() == alias {
			return m, true
		}
	}
	return nil, false
}

// IsRolledUp reports whether f is part of the rollup column set.
func (s *QueryScope) IsRolledUp(f Field) bool {
	for _, r := range s.Rollup {
		if r.OutputName() == f.OutputName() {
			return true
		}
	}
	return false
}

// CacheScope returns a copy of s without measures or presentation options. Two
// queries that differ only in their measures share a cache scope.
func (s *QueryScope) CacheScope() *QueryScope {
	c := *s
	c.Measures = nil
	c.Outputs = nil
	c.Context = nil
	c.Totals = TotalsOption{}
	return &c
}

// Fingerprint is a stable digest of the structure of s.
func (s *QueryScope) Fingerprint() string {
	return digest(s)
}

// MeasureFingerprint is a stable digest of a measure definition, kind included.
func MeasureFingerprint(m Measure) string {
	return string(m.Kind()) + ":" + digest(m)
}

func digest(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%#v", v))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SubQueryAlias names the derived table a sub-query is compiled into.
const SubQueryAlias = "__subquery__"

// GroupingAlias names the rollup indicator column emitted for f.
func GroupingAlias(f Field) string {
	return "___grouping___" + f.OutputName() + "___"
}
