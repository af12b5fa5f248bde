package backend

import (
	"context"
	"errors"
	"testing"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type teacher struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject_id,omitempty"`
}

type fakeRepository struct {
	records  map[string]teacher
	criteria int
	created  []teacher
	updated  []teacher
	deleted  []teacher
}

func newFakeRepository(records ...teacher) *fakeRepository {
	f := &fakeRepository{records: make(map[string]teacher)}
	for _, r := range records {
		f.records[r.ID] = r
	}
	return f
}

func (f *fakeRepository) List(ctx context.Context, criteria ...repository.SelectCriteria) ([]teacher, int, error) {
	f.criteria += len(criteria)
	out := make([]teacher, 0, len(f.records))
	for _, id := range []string{"t1", "t2", "t3"} {
		if r, ok := f.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, len(out), nil
}

func (f *fakeRepository) GetByID(ctx context.Context, id string, criteria ...repository.SelectCriteria) (teacher, error) {
	r, ok := f.records[id]
	if !ok {
		return teacher{}, errors.New("sql: no rows in result set")
	}
	return r, nil
}

func (f *fakeRepository) Create(ctx context.Context, record teacher, criteria ...repository.InsertCriteria) (teacher, error) {
	if record.ID == "" {
		record.ID = "t9"
	}
	f.records[record.ID] = record
	f.created = append(f.created, record)
	return record, nil
}

func (f *fakeRepository) Update(ctx context.Context, record teacher, criteria ...repository.UpdateCriteria) (teacher, error) {
	f.records[record.ID] = record
	f.updated = append(f.updated, record)
	return record, nil
}

func (f *fakeRepository) Delete(ctx context.Context, record teacher) error {
	delete(f.records, record.ID)
	f.deleted = append(f.deleted, record)
	return nil
}

func TestRepositoryTable_Select(t *testing.T) {
	repo := newFakeRepository(
		teacher{ID: "t1", Name: "Ana", Subject: "math"},
		teacher{ID: "t2", Name: "Luis"},
	)
	table := NewRepositoryTable[teacher]("teacher", repo)

	res, err := table.Select(context.Background(), Query{Table: "teacher", Filters: []Filter{Eq("subject_id", "math")}})
	require.NoError(t, err)

	assert.Equal(t, 1, repo.criteria, "query is pushed down as one criteria")
	assert.Equal(t, 2, res.Count)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, Row{"id": "t1", "name": "Ana", "subject_id": "math"}, res.Rows[0])
	assert.Equal(t, Row{"id": "t2", "name": "Luis"}, res.Rows[1])

	_, err = table.Select(context.Background(), Query{Table: "student"})
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestRepositoryTable_Mutate(t *testing.T) {
	repo := newFakeRepository(teacher{ID: "t1", Name: "Ana", Subject: "math"})
	table := NewRepositoryTable[teacher]("teacher", repo)
	ctx := context.Background()

	created, err := table.Mutate(ctx, Mutation{Table: "teacher", Op: OpInsert, Values: Row{"name": "Eva"}})
	require.NoError(t, err)
	assert.Equal(t, "t9", created["id"])
	assert.Equal(t, []teacher{{ID: "t9", Name: "Eva"}}, repo.created)

	updated, err := table.Mutate(ctx, Mutation{Table: "teacher", Op: OpUpdate, ID: "t1", Values: Row{"name": "Ana María"}})
	require.NoError(t, err)
	assert.Equal(t, "Ana María", updated["name"])
	assert.Equal(t, teacher{ID: "t1", Name: "Ana María", Subject: "math"}, repo.updated[0], "unchanged fields are kept")

	_, err = table.Mutate(ctx, Mutation{Table: "teacher", Op: OpUpdate, ID: "nope", Values: Row{"name": "x"}})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = table.Mutate(ctx, Mutation{Table: "teacher", Op: OpDelete, ID: "t1"})
	require.NoError(t, err)
	assert.Len(t, repo.deleted, 1)
	assert.NotContains(t, repo.records, "t1")
}

func TestTables_Routes(t *testing.T) {
	students := NewMemory()
	students.Seed("student", Row{"id": "s1"})
	teachers := NewRepositoryTable[teacher]("teacher", newFakeRepository(teacher{ID: "t1", Name: "Ana"}))

	b := Tables{"student": students, "teacher": teachers}
	ctx := context.Background()

	res, err := b.Select(ctx, Query{Table: "student"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	res, err = b.Select(ctx, Query{Table: "teacher"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	_, err = b.Mutate(ctx, Mutation{Table: "exam", Op: OpInsert})
	assert.ErrorIs(t, err, ErrUnknownTable)
}
