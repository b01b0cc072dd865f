package domain

import (
	"fmt"
	"time"
)

// ScalarType is the declared type of a column or measure.
type ScalarType string

// Supported scalar types.
const (
	TypeInt    ScalarType = "int"
	TypeFloat  ScalarType = "float"
	TypeString ScalarType = "string"
	TypeTime   ScalarType = "time"
	TypeBool   ScalarType = "bool"
)

// Valid reports whether t is one of the supported scalar types.
func (t ScalarType) Valid() bool {
	switch t {
	case TypeInt, TypeFloat, TypeString, TypeTime, TypeBool:
		return true
	}
	return false
}

// IsNumeric reports whether values of t support arithmetic.
func (t ScalarType) IsNumeric() bool {
	return t == TypeInt || t == TypeFloat
}

// TypeOf infers the scalar type of a literal value.
func TypeOf(v any) ScalarType {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeTime
	default:
		return TypeString
	}
}

// BinaryOperator combines two operands.
type BinaryOperator string

// Supported binary operators.
const (
	OpPlus     BinaryOperator = "+"
	OpMinus    BinaryOperator = "-"
	OpMultiply BinaryOperator = "*"
	OpDivide   BinaryOperator = "/"
)

// Valid reports whether op is a supported operator.
func (op BinaryOperator) Valid() bool {
	switch op {
	case OpPlus, OpMinus, OpMultiply, OpDivide:
		return true
	}
	return false
}

// Supported scalar functions for FunctionField.
const (
	FuncYear    = "YEAR"
	FuncQuarter = "QUARTER"
	FuncMonth   = "MONTH"
)

// SupportedDateFunctions is the fixed set of date-part functions.
var SupportedDateFunctions = []string{FuncYear, FuncQuarter, FuncMonth}

// Field is a column reference or a scalar expression over columns. The set of
// implementations is closed: TypedField, FunctionField, BinaryField, ConstantField.
type Field interface {
	OutputName() string
	ScalarType() ScalarType
	isField()
}

// TypedField identifies a column of a table, virtual table or sub-query.
type TypedField struct {
	Table string     `json:"table,omitempty"`
	Name  string     `json:"name"`
	Type  ScalarType `json:"type"`
	Alias string     `json:"alias,omitempty"`
	// Virtual marks columns owned by a CTE (virtual or bucket table).
	Virtual bool `json:"virtual,omitempty"`
}

// OutputName returns the alias when set, the column name otherwise.
func (f TypedField) OutputName() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// ScalarType returns the declared type.
func (f TypedField) ScalarType() ScalarType { return f.Type }

// Equal compares two fields by (table, name).
func (f TypedField) Equal(o TypedField) bool {
	return f.Table == o.Table && f.Name == o.Name
}

func (TypedField) isField() {}

// FunctionField applies a named scalar function to a column.
type FunctionField struct {
	Function string     `json:"function"`
	Field    TypedField `json:"field"`
	Alias    string     `json:"alias,omitempty"`
}

// OutputName returns the alias or FUNCTION(name).
func (f FunctionField) OutputName() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Function + "(" + f.Field.Name + ")"
}

// ScalarType is int for every supported date-part function.
func (f FunctionField) ScalarType() ScalarType { return TypeInt }

func (FunctionField) isField() {}

// BinaryField combines two fields with an arithmetic operator.
type BinaryField struct {
	Operator BinaryOperator `json:"operator"`
	Left     Field          `json:"left"`
	Right    Field          `json:"right"`
	Alias    string         `json:"alias,omitempty"`
}

// OutputName returns the alias or "left op right".
func (f BinaryField) OutputName() string {
	if f.Alias != "" {
		return f.Alias
	}
	return fmt.Sprintf("%s %s %s", f.Left.OutputName(), f.Operator, f.Right.OutputName())
}

// ScalarType is float for divisions and mixed operands, int otherwise.
func (f BinaryField) ScalarType() ScalarType {
	return arithmeticType(f.Operator, f.Left.ScalarType(), f.Right.ScalarType())
}

func (BinaryField) isField() {}

// ConstantField is a literal operand.
type ConstantField struct {
	Value any `json:"value"`
}

// OutputName renders the literal.
func (f ConstantField) OutputName() string { return fmt.Sprintf("%v", f.Value) }

// ScalarType infers the literal type.
func (f ConstantField) ScalarType() ScalarType { return TypeOf(f.Value) }

func (ConstantField) isField() {}

func arithmeticType(op BinaryOperator, left, right ScalarType) ScalarType {
	if op == OpDivide {
		return TypeFloat
	}
	if left == TypeInt && right == TypeInt {
		return TypeInt
	}
	return TypeFloat
}

// ColumnFields returns the TypedFields referenced by f.
func ColumnFields(f Field) []TypedField {
	switch f := f.(type) {
	case TypedField:
		return []TypedField{f}
	case FunctionField:
		return []TypedField{f.Field}
	case BinaryField:
		return append(ColumnFields(f.Left), ColumnFields(f.Right)...)
	default:
		return nil
	}
}
