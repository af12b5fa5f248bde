package repositorycache

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-query-cache/backend"
	"github.com/uptrace/bun"
)

var _ repository.Repository[any] = (*InvalidatingRepository[any])(nil)

// Invalidator drops the cached pages of a domain. *query.Client and the
// HTTP session registry implement it.
type Invalidator interface {
	InvalidateDomain(ctx context.Context, domain string) error
}

// Refresher drops cached scope lookups that read an entity.
// *scope.Planner implements it.
type Refresher interface {
	Refresh(ctx context.Context, entity string) (bool, error)
}

// Publisher announces a write to other processes.
type Publisher interface {
	Publish(ctx context.Context, table string, op backend.MutationOp, id string) error
}

// InvalidatingRepository decorates a go-repository-bun repository so every
// successful write invalidates the cached pages that can show the written
// rows. Reads pass through to the base repository.
type InvalidatingRepository[T any] struct {
	repository.Repository[T]

	invalidator Invalidator
	refresher   Refresher
	publisher   Publisher
	logger      *slog.Logger
	domain      string
	table       string
	dependents  []string
}

// Option configures an InvalidatingRepository.
type Option func(*settings)

type settings struct {
	refresher  Refresher
	publisher  Publisher
	logger     *slog.Logger
	domain     string
	table      string
	dependents []string
}

// WithDomain overrides the domain derived from the record type name.
func WithDomain(domain string) Option {
	return func(s *settings) { s.domain = domain }
}

// WithTable sets the table announced to the publisher. Defaults to the domain.
func WithTable(table string) Option {
	return func(s *settings) { s.table = table }
}

// WithDependents adds domains invalidated with the repository's own.
func WithDependents(domains ...string) Option {
	return func(s *settings) { s.dependents = append(s.dependents, domains...) }
}

// WithRefresher refreshes scope lookups after writes.
func WithRefresher(r Refresher) Option {
	return func(s *settings) { s.refresher = r }
}

// WithPublisher announces writes through p.
func WithPublisher(p Publisher) Option {
	return func(s *settings) { s.publisher = p }
}

// WithLogger sets the logger invalidation failures are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// New wraps base. Without WithDomain the domain is the snake_case name of T,
// so a repository of *models.LessonPlan invalidates "lesson_plan".
func New[T any](base repository.Repository[T], inv Invalidator, opts ...Option) *InvalidatingRepository[T] {
	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	if s.domain == "" {
		s.domain = DomainOf[T]()
	}
	if s.table == "" {
		s.table = s.domain
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	return &InvalidatingRepository[T]{
		Repository:  base,
		invalidator: inv,
		refresher:   s.refresher,
		publisher:   s.publisher,
		logger:      s.logger,
		domain:      s.domain,
		table:       s.table,
		dependents:  dedupeStrings(s.dependents),
	}
}

// DomainOf returns the default cache domain of records of type T.
func DomainOf[T any]() string {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return toSnake(t.Name())
}

// Domain returns the cache domain the repository invalidates.
func (r *InvalidatingRepository[T]) Domain() string { return r.domain }

// Domains returns the domains a write invalidates, without context tags.
func (r *InvalidatingRepository[T]) Domains() []string {
	return dedupeStrings(append([]string{r.domain}, r.dependents...))
}

func (r *InvalidatingRepository[T]) Create(ctx context.Context, record T, criteria ...repository.InsertCriteria) (T, error) {
	out, err := r.Repository.Create(ctx, record, criteria...)
	if err == nil {
		r.written(ctx, backend.OpInsert, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) CreateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.InsertCriteria) (T, error) {
	out, err := r.Repository.CreateTx(ctx, tx, record, criteria...)
	if err == nil {
		r.written(ctx, backend.OpInsert, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) CreateMany(ctx context.Context, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	out, err := r.Repository.CreateMany(ctx, records, criteria...)
	if err == nil {
		r.writtenMany(ctx, backend.OpInsert, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) CreateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.InsertCriteria) ([]T, error) {
	out, err := r.Repository.CreateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		r.writtenMany(ctx, backend.OpInsert, out)
	}
	return out, err
}

// GetOrCreate invalidates even when the record already existed; the base
// repository does not report which branch ran.
func (r *InvalidatingRepository[T]) GetOrCreate(ctx context.Context, record T) (T, error) {
	out, err := r.Repository.GetOrCreate(ctx, record)
	if err == nil {
		r.written(ctx, backend.OpInsert, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) GetOrCreateTx(ctx context.Context, tx bun.IDB, record T) (T, error) {
	out, err := r.Repository.GetOrCreateTx(ctx, tx, record)
	if err == nil {
		r.written(ctx, backend.OpInsert, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) Update(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	out, err := r.Repository.Update(ctx, record, criteria...)
	if err == nil {
		r.written(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) UpdateTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	out, err := r.Repository.UpdateTx(ctx, tx, record, criteria...)
	if err == nil {
		r.written(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) UpdateMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	out, err := r.Repository.UpdateMany(ctx, records, criteria...)
	if err == nil {
		r.writtenMany(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) UpdateManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	out, err := r.Repository.UpdateManyTx(ctx, tx, records, criteria...)
	if err == nil {
		r.writtenMany(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) Upsert(ctx context.Context, record T, criteria ...repository.UpdateCriteria) (T, error) {
	out, err := r.Repository.Upsert(ctx, record, criteria...)
	if err == nil {
		r.written(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) UpsertTx(ctx context.Context, tx bun.IDB, record T, criteria ...repository.UpdateCriteria) (T, error) {
	out, err := r.Repository.UpsertTx(ctx, tx, record, criteria...)
	if err == nil {
		r.written(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) UpsertMany(ctx context.Context, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	out, err := r.Repository.UpsertMany(ctx, records, criteria...)
	if err == nil {
		r.writtenMany(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) UpsertManyTx(ctx context.Context, tx bun.IDB, records []T, criteria ...repository.UpdateCriteria) ([]T, error) {
	out, err := r.Repository.UpsertManyTx(ctx, tx, records, criteria...)
	if err == nil {
		r.writtenMany(ctx, backend.OpUpdate, out)
	}
	return out, err
}

func (r *InvalidatingRepository[T]) Delete(ctx context.Context, record T) error {
	err := r.Repository.Delete(ctx, record)
	if err == nil {
		r.written(ctx, backend.OpDelete, record)
	}
	return err
}

func (r *InvalidatingRepository[T]) DeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := r.Repository.DeleteTx(ctx, tx, record)
	if err == nil {
		r.written(ctx, backend.OpDelete, record)
	}
	return err
}

func (r *InvalidatingRepository[T]) DeleteMany(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := r.Repository.DeleteMany(ctx, criteria...)
	if err == nil {
		r.invalidate(ctx, backend.OpDelete, "")
	}
	return err
}

func (r *InvalidatingRepository[T]) DeleteManyTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := r.Repository.DeleteManyTx(ctx, tx, criteria...)
	if err == nil {
		r.invalidate(ctx, backend.OpDelete, "")
	}
	return err
}

func (r *InvalidatingRepository[T]) DeleteWhere(ctx context.Context, criteria ...repository.DeleteCriteria) error {
	err := r.Repository.DeleteWhere(ctx, criteria...)
	if err == nil {
		r.invalidate(ctx, backend.OpDelete, "")
	}
	return err
}

func (r *InvalidatingRepository[T]) DeleteWhereTx(ctx context.Context, tx bun.IDB, criteria ...repository.DeleteCriteria) error {
	err := r.Repository.DeleteWhereTx(ctx, tx, criteria...)
	if err == nil {
		r.invalidate(ctx, backend.OpDelete, "")
	}
	return err
}

func (r *InvalidatingRepository[T]) ForceDelete(ctx context.Context, record T) error {
	err := r.Repository.ForceDelete(ctx, record)
	if err == nil {
		r.written(ctx, backend.OpDelete, record)
	}
	return err
}

func (r *InvalidatingRepository[T]) ForceDeleteTx(ctx context.Context, tx bun.IDB, record T) error {
	err := r.Repository.ForceDeleteTx(ctx, tx, record)
	if err == nil {
		r.written(ctx, backend.OpDelete, record)
	}
	return err
}

func (r *InvalidatingRepository[T]) written(ctx context.Context, op backend.MutationOp, record T) {
	id, _ := recordID(record)
	r.invalidate(ctx, op, id)
}

// writtenMany invalidates once; only a single record is announced by id.
func (r *InvalidatingRepository[T]) writtenMany(ctx context.Context, op backend.MutationOp, records []T) {
	id := ""
	if len(records) == 1 {
		id, _ = recordID(records[0])
	}
	r.invalidate(ctx, op, id)
}

func (r *InvalidatingRepository[T]) invalidate(ctx context.Context, op backend.MutationOp, id string) {
	domains := dedupeStrings(append(r.Domains(), cacheTagsFromContext(ctx)...))

	if r.refresher != nil {
		if _, err := r.refresher.Refresh(ctx, r.domain); err != nil {
			r.logger.Warn("scope refresh failed", "domain", r.domain, "error", err)
		}
	}

	if r.invalidator != nil {
		for _, domain := range domains {
			if err := r.invalidator.InvalidateDomain(ctx, domain); err != nil {
				r.logger.Warn("invalidate after write failed", "domain", domain, "error", err)
			}
		}
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, r.table, op, id); err != nil {
			r.logger.Warn("publish change failed", "table", r.table, "op", string(op), "error", err)
		}
	}
}

// recordID reads the ID field of a record, following pointers.
func recordID(record any) (string, error) {
	v := reflect.ValueOf(record)
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", fmt.Errorf("nil record")
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return "", fmt.Errorf("record of kind %s has no ID field", v.Kind())
	}

	for _, name := range []string{"ID", "Id"} {
		field := v.FieldByName(name)
		if !field.IsValid() || !field.CanInterface() || field.IsZero() {
			continue
		}
		return fmt.Sprint(field.Interface()), nil
	}
	return "", fmt.Errorf("no ID field found in %s", v.Type())
}
