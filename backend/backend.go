package backend

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Mutate when the target row does not exist.
	ErrNotFound = errors.New("backend: record not found")

	// ErrUnknownTable is returned for tables the backend does not serve.
	ErrUnknownTable = errors.New("backend: unknown table")
)

// Row is one record as returned by the backend.
type Row = map[string]any

// Op is a filter operator.
type Op string

const (
	OpEq       Op = "eq"
	OpIn       Op = "in"
	OpILike    Op = "ilike"
	OpInOrNull Op = "in_or_null"
)

// Filter is a single predicate on a column.
type Filter struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Value  any    `json:"value,omitempty"`
	Values []any  `json:"values,omitempty"`
}

// Eq matches rows whose column equals v.
func Eq(column string, v any) Filter {
	return Filter{Column: column, Op: OpEq, Value: v}
}

// In matches rows whose column is one of values. An empty set matches nothing.
func In(column string, values ...any) Filter {
	return Filter{Column: column, Op: OpIn, Values: values}
}

// InStrings is In for string ids.
func InStrings(column string, values []string) Filter {
	return In(column, strings2any(values)...)
}

// InOrNull matches rows whose column is NULL or one of values.
func InOrNull(column string, values ...any) Filter {
	return Filter{Column: column, Op: OpInOrNull, Values: values}
}

// ILike is a case insensitive LIKE. pattern uses % and _ wildcards.
func ILike(column, pattern string) Filter {
	return Filter{Column: column, Op: OpILike, Value: pattern}
}

func (f Filter) String() string {
	switch f.Op {
	case OpIn, OpInOrNull:
		return fmt.Sprintf("%s %s %v", f.Column, f.Op, f.Values)
	}
	return fmt.Sprintf("%s %s %v", f.Column, f.Op, f.Value)
}

// Search matches Term against any of Columns with ILike %term%.
type Search struct {
	Columns []string `json:"columns,omitempty"`
	Term    string   `json:"term,omitempty"`
}

// Range is the window of rows to return. A zero Limit returns every row.
type Range struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Order sorts by one column.
type Order struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Query is the declarative read the dashboard issues for every page.
type Query struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
	Search  Search   `json:"search,omitempty"`
	Range   Range    `json:"range"`
	Order   []Order  `json:"order,omitempty"`
}

// Result is a window of rows and the total count of matching rows.
type Result struct {
	Rows  []Row `json:"rows"`
	Count int   `json:"count"`
}

// MutationOp is the kind of write.
type MutationOp string

const (
	OpInsert MutationOp = "insert"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// Mutation is a single row write.
type Mutation struct {
	Table  string     `json:"table"`
	Op     MutationOp `json:"op"`
	ID     string     `json:"id,omitempty"`
	Values Row        `json:"values,omitempty"`
}

// Backend is the relational store behind the dashboard.
type Backend interface {
	Select(ctx context.Context, q Query) (Result, error)
	Mutate(ctx context.Context, m Mutation) (Row, error)
}

func strings2any(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// IDColumn is the primary key column of every table.
const IDColumn = "id"
