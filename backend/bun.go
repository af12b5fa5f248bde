package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Bun serves tables from a SQL database through bun. Tables limits the
// tables it will touch; an empty set serves any table name.
type Bun struct {
	db     bun.IDB
	tables map[string]struct{}
}

// NewBun wraps db. Passing table names restricts access to them.
func NewBun(db bun.IDB, tables ...string) *Bun {
	b := &Bun{db: db, tables: make(map[string]struct{}, len(tables))}
	for _, t := range tables {
		b.tables[t] = struct{}{}
	}
	return b
}

func (b *Bun) allowed(table string) error {
	if table == "" {
		return fmt.Errorf("%w: empty table name", ErrUnknownTable)
	}
	if len(b.tables) == 0 {
		return nil
	}
	if _, ok := b.tables[table]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

func (b *Bun) Select(ctx context.Context, q Query) (Result, error) {
	if err := b.allowed(q.Table); err != nil {
		return Result{}, err
	}

	sel := b.db.NewSelect().TableExpr("?", bun.Ident(q.Table))
	if len(q.Columns) == 0 {
		sel = sel.ColumnExpr("*")
	} else {
		for _, col := range q.Columns {
			sel = sel.ColumnExpr("?", bun.Ident(col))
		}
	}
	sel = ApplyQuery(sel, q)

	var rows []map[string]any
	count, err := sel.ScanAndCount(ctx, &rows)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("select %s: %w", q.Table, err)
	}

	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = normalizeRow(row)
	}
	return Result{Rows: out, Count: count}, nil
}

func (b *Bun) Mutate(ctx context.Context, m Mutation) (Row, error) {
	if err := b.allowed(m.Table); err != nil {
		return nil, err
	}

	switch m.Op {
	case OpInsert:
		values := maps.Clone(m.Values)
		if values == nil {
			values = Row{}
		}
		id, _ := values[IDColumn].(string)
		if id == "" {
			id = uuid.NewString()
			values[IDColumn] = id
		}
		if _, err := b.db.NewInsert().Model(&values).TableExpr("?", bun.Ident(m.Table)).Exec(ctx); err != nil {
			return nil, fmt.Errorf("insert %s: %w", m.Table, err)
		}
		return b.byID(ctx, m.Table, id)

	case OpUpdate:
		values := maps.Clone(m.Values)
		delete(values, IDColumn)
		if len(values) == 0 {
			return b.byID(ctx, m.Table, m.ID)
		}
		res, err := b.db.NewUpdate().
			Model(&values).
			TableExpr("?", bun.Ident(m.Table)).
			Where("? = ?", bun.Ident(IDColumn), m.ID).
			Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("update %s/%s: %w", m.Table, m.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, m.Table, m.ID)
		}
		return b.byID(ctx, m.Table, m.ID)

	case OpDelete:
		row, err := b.byID(ctx, m.Table, m.ID)
		if err != nil {
			return nil, err
		}
		if _, err := b.db.NewDelete().
			TableExpr("?", bun.Ident(m.Table)).
			Where("? = ?", bun.Ident(IDColumn), m.ID).
			Exec(ctx); err != nil {
			return nil, fmt.Errorf("delete %s/%s: %w", m.Table, m.ID, err)
		}
		return row, nil
	}

	return nil, fmt.Errorf("backend: unsupported mutation %q", m.Op)
}

func (b *Bun) byID(ctx context.Context, table, id string) (Row, error) {
	res, err := b.Select(ctx, Query{
		Table:   table,
		Filters: []Filter{Eq(IDColumn, id)},
		Range:   Range{Limit: 1},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return res.Rows[0], nil
}

// ApplyQuery adds the filters, search, order and range of q to sel. It is
// shared by every bun based table so both render the same SQL.
func ApplyQuery(sel *bun.SelectQuery, q Query) *bun.SelectQuery {
	for _, f := range q.Filters {
		sel = applyFilter(sel, f)
	}

	if term := strings.TrimSpace(q.Search.Term); term != "" && len(q.Search.Columns) > 0 {
		pattern := "%" + strings.ToLower(term) + "%"
		sel = sel.WhereGroup(" AND ", func(g *bun.SelectQuery) *bun.SelectQuery {
			for _, col := range q.Search.Columns {
				g = g.WhereOr("LOWER(?) LIKE ?", bun.Ident(col), pattern)
			}
			return g
		})
	}

	for _, o := range q.Order {
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		sel = sel.OrderExpr("? "+dir, bun.Ident(o.Column))
	}

	if q.Range.Limit > 0 {
		sel = sel.Limit(q.Range.Limit)
	}
	if q.Range.Offset > 0 {
		sel = sel.Offset(q.Range.Offset)
	}
	return sel
}

func applyFilter(sel *bun.SelectQuery, f Filter) *bun.SelectQuery {
	col := bun.Ident(f.Column)
	switch f.Op {
	case OpEq:
		if f.Value == nil {
			return sel.Where("? IS NULL", col)
		}
		return sel.Where("? = ?", col, f.Value)
	case OpIn:
		if len(f.Values) == 0 {
			return sel.Where("1 = 0")
		}
		return sel.Where("? IN (?)", col, bun.In(f.Values))
	case OpInOrNull:
		if len(f.Values) == 0 {
			return sel.Where("? IS NULL", col)
		}
		return sel.WhereGroup(" AND ", func(g *bun.SelectQuery) *bun.SelectQuery {
			return g.Where("? IS NULL", col).WhereOr("? IN (?)", col, bun.In(f.Values))
		})
	case OpILike:
		pattern, _ := f.Value.(string)
		return sel.Where("LOWER(?) LIKE ?", col, strings.ToLower(pattern))
	}
	// unknown operators match nothing
	return sel.Where("1 = 0")
}

// normalizeRow turns driver byte slices into strings so rows encode the same
// way regardless of the dialect that produced them.
func normalizeRow(row map[string]any) Row {
	out := make(Row, len(row))
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			out[k] = string(b)
			continue
		}
		out[k] = v
	}
	return out
}
