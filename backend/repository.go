package backend

import (
	"bytes"
	"context"
	"fmt"
	"maps"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
	"github.com/vmihailenco/msgpack/v5"
)

// Repository is the part of a typed go-repository-bun repository a table
// needs. repository.Repository[T] satisfies it.
type Repository[T any] interface {
	List(ctx context.Context, criteria ...repository.SelectCriteria) ([]T, int, error)
	GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (T, error)
	Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error)
	Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error)
	Delete(ctx context.Context, record T) error
}

// RepositoryTable serves one table from a typed repository. Records are
// converted to rows through their json field names.
type RepositoryTable[T any] struct {
	table string
	repo  Repository[T]
}

// NewRepositoryTable binds repo to table.
func NewRepositoryTable[T any](table string, repo Repository[T]) *RepositoryTable[T] {
	return &RepositoryTable[T]{table: table, repo: repo}
}

// Table returns the table name served.
func (t *RepositoryTable[T]) Table() string { return t.table }

func (t *RepositoryTable[T]) Select(ctx context.Context, q Query) (Result, error) {
	if q.Table != t.table {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTable, q.Table)
	}

	records, total, err := t.repo.List(ctx, func(sel *bun.SelectQuery) *bun.SelectQuery {
		return ApplyQuery(sel, q)
	})
	if err != nil {
		return Result{}, fmt.Errorf("list %s: %w", t.table, err)
	}

	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row, err := toRow(rec)
		if err != nil {
			return Result{}, err
		}
		rows = append(rows, project(row, q.Columns))
	}
	return Result{Rows: rows, Count: total}, nil
}

func (t *RepositoryTable[T]) Mutate(ctx context.Context, m Mutation) (Row, error) {
	if m.Table != t.table {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, m.Table)
	}

	switch m.Op {
	case OpInsert:
		rec, err := fromRow[T](m.Values)
		if err != nil {
			return nil, err
		}
		created, err := t.repo.Create(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", t.table, err)
		}
		return toRow(created)

	case OpUpdate:
		current, err := t.load(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		merged := maps.Clone(current)
		for k, v := range m.Values {
			if k != IDColumn {
				merged[k] = v
			}
		}
		rec, err := fromRow[T](merged)
		if err != nil {
			return nil, err
		}
		updated, err := t.repo.Update(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("update %s/%s: %w", t.table, m.ID, err)
		}
		return toRow(updated)

	case OpDelete:
		rec, err := t.repo.GetByID(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s: %v", ErrNotFound, t.table, m.ID, err)
		}
		if err := t.repo.Delete(ctx, rec); err != nil {
			return nil, fmt.Errorf("delete %s/%s: %w", t.table, m.ID, err)
		}
		return toRow(rec)
	}

	return nil, fmt.Errorf("backend: unsupported mutation %q", m.Op)
}

func (t *RepositoryTable[T]) load(ctx context.Context, id string) (Row, error) {
	rec, err := t.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrNotFound, t.table, id, err)
	}
	return toRow(rec)
}

func toRow(v any) (Row, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	dec := msgpack.NewDecoder(&buf)
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return row, nil
}

func fromRow[T any](row Row) (T, error) {
	var rec T
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(row); err != nil {
		return rec, fmt.Errorf("encode row: %w", err)
	}

	dec := msgpack.NewDecoder(&buf)
	dec.SetCustomStructTag("json")
	if err := dec.Decode(&rec); err != nil {
		return rec, fmt.Errorf("decode row: %w", err)
	}
	return rec, nil
}

// Tables routes each query to the backend serving its table.
type Tables map[string]Backend

func (t Tables) Select(ctx context.Context, q Query) (Result, error) {
	b, ok := t[q.Table]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTable, q.Table)
	}
	return b.Select(ctx, q)
}

func (t Tables) Mutate(ctx context.Context, m Mutation) (Row, error) {
	b, ok := t[m.Table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, m.Table)
	}
	return b.Mutate(ctx, m)
}
