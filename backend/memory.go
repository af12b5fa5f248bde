package backend

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Backend. It records every Select so callers can
// assert how many round trips a page load took.
type Memory struct {
	mu        sync.RWMutex
	tables    map[string][]Row
	calls     []Query
	mutations []Mutation
	failures  map[string]error
	newID     func() string
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithIDGenerator replaces the uuid generator used for inserted rows.
func WithIDGenerator(fn func() string) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewMemory creates an empty Memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tables:   make(map[string][]Row),
		failures: make(map[string]error),
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Seed appends rows to table, creating it if needed.
func (m *Memory) Seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.tables[table] = append(m.tables[table], maps.Clone(row))
	}
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = nil
	}
}

// Fail makes every Select and Mutate on table return err until cleared with a nil err.
func (m *Memory) Fail(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, table)
		return
	}
	m.failures[table] = err
}

// Calls returns the selects issued so far.
func (m *Memory) Calls() []Query {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Query(nil), m.calls...)
}

// CallsTo returns how many selects hit table.
func (m *Memory) CallsTo(table string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, q := range m.calls {
		if q.Table == table {
			n++
		}
	}
	return n
}

// Mutations returns the writes applied so far.
func (m *Memory) Mutations() []Mutation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Mutation(nil), m.mutations...)
}

// ResetCalls clears the recorded selects and writes.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.mutations = nil
}

func (m *Memory) Select(ctx context.Context, q Query) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, q)
	rows, ok := m.tables[q.Table]
	failure := m.failures[q.Table]
	m.mu.Unlock()

	if failure != nil {
		return Result{}, failure
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTable, q.Table)
	}

	var matched []Row
	for _, row := range rows {
		if matchAll(row, q.Filters) && matchSearch(row, q.Search) {
			matched = append(matched, row)
		}
	}

	if len(q.Order) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			return lessRow(matched[i], matched[j], q.Order)
		})
	}

	total := len(matched)
	matched = window(matched, q.Range)

	out := make([]Row, len(matched))
	for i, row := range matched {
		out[i] = project(row, q.Columns)
	}
	return Result{Rows: out, Count: total}, nil
}

func (m *Memory) Mutate(ctx context.Context, mut Mutation) (Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if failure := m.failures[mut.Table]; failure != nil {
		return nil, failure
	}
	rows, ok := m.tables[mut.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, mut.Table)
	}

	switch mut.Op {
	case OpInsert:
		row := maps.Clone(mut.Values)
		if row == nil {
			row = Row{}
		}
		if id, _ := row[IDColumn].(string); id == "" {
			row[IDColumn] = m.newID()
		}
		m.tables[mut.Table] = append(rows, row)
		m.mutations = append(m.mutations, mut)
		return maps.Clone(row), nil

	case OpUpdate:
		// Rows are copied on write: selects iterate them after releasing the lock.
		for i, row := range rows {
			if equalValues(row[IDColumn], mut.ID) {
				updated := maps.Clone(row)
				for k, v := range mut.Values {
					if k != IDColumn {
						updated[k] = v
					}
				}
				next := slices.Clone(rows)
				next[i] = updated
				m.tables[mut.Table] = next
				m.mutations = append(m.mutations, mut)
				return maps.Clone(updated), nil
			}
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, mut.Table, mut.ID)

	case OpDelete:
		for i, row := range rows {
			if equalValues(row[IDColumn], mut.ID) {
				m.tables[mut.Table] = append(rows[:i:i], rows[i+1:]...)
				m.mutations = append(m.mutations, mut)
				return maps.Clone(row), nil
			}
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, mut.Table, mut.ID)
	}

	return nil, fmt.Errorf("backend: unsupported mutation %q", mut.Op)
}

// MatchRow reports whether row satisfies every filter, evaluated the way
// Memory.Select evaluates them.
func MatchRow(row Row, filters ...Filter) bool {
	return matchAll(row, filters)
}

func matchAll(row Row, filters []Filter) bool {
	for _, f := range filters {
		if !match(row, f) {
			return false
		}
	}
	return true
}

func match(row Row, f Filter) bool {
	v, present := row[f.Column]
	if !present {
		v = nil
	}

	switch f.Op {
	case OpEq:
		if f.Value == nil {
			return v == nil
		}
		return v != nil && equalValues(v, f.Value)
	case OpIn:
		return v != nil && containsValue(f.Values, v)
	case OpInOrNull:
		return v == nil || containsValue(f.Values, v)
	case OpILike:
		pattern, _ := f.Value.(string)
		return v != nil && likeMatch(strings.ToLower(fmt.Sprint(v)), strings.ToLower(pattern))
	}
	return false
}

func matchSearch(row Row, s Search) bool {
	if s.Term == "" || len(s.Columns) == 0 {
		return true
	}
	pattern := "%" + strings.ToLower(s.Term) + "%"
	for _, col := range s.Columns {
		if v, ok := row[col]; ok && v != nil && likeMatch(strings.ToLower(fmt.Sprint(v)), pattern) {
			return true
		}
	}
	return false
}

func containsValue(values []any, v any) bool {
	for _, candidate := range values {
		if equalValues(candidate, v) {
			return true
		}
	}
	return false
}

// equalValues compares loosely so "7" from a URL matches 7 from a seed row.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// likeMatch implements SQL LIKE with % and _ over already lowered strings.
func likeMatch(s, pattern string) bool {
	sr, pr := []rune(s), []rune(pattern)
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(sr) {
		switch {
		case pi < len(pr) && (pr[pi] == '_' || pr[pi] == sr[si]):
			si++
			pi++
		case pi < len(pr) && pr[pi] == '%':
			star, mark = pi, si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(pr) && pr[pi] == '%' {
		pi++
	}
	return pi == len(pr)
}

func lessRow(a, b Row, order []Order) bool {
	for _, o := range order {
		c := compareValues(a[o.Column], b[o.Column])
		if c == 0 {
			continue
		}
		if o.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func window(rows []Row, r Range) []Row {
	if r.Offset > 0 {
		if r.Offset >= len(rows) {
			return nil
		}
		rows = rows[r.Offset:]
	}
	if r.Limit > 0 && r.Limit < len(rows) {
		rows = rows[:r.Limit]
	}
	return rows
}

func project(row Row, columns []string) Row {
	if len(columns) == 0 {
		return maps.Clone(row)
	}
	out := make(Row, len(columns))
	for _, col := range columns {
		if v, ok := row[col]; ok {
			out[col] = v
		}
	}
	return out
}
