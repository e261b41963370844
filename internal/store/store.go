// Package store defines the document-store contract used by the workflow repositories.
//
// Documents are plain structs whose JSON (and BSON) field names are the filter/update keys.
// Backends: internal/infrastructure/postgres (JSONB), internal/infrastructure/mongo and
// internal/store/memory.
package store

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// Collection names
const (
	Users         = "users"
	Prescriptions = "prescriptions"
	Delegations   = "delegations"
	Notifications = "notifications"
	AuditLogs     = "audit_logs"
)

// AllCollections lists every collection a backend must provide
var AllCollections = []string{Users, Prescriptions, Delegations, Notifications, AuditLogs}

// UniqueFields lists the secondary unique keys each backend must enforce
var UniqueFields = map[string][]string{
	Users: {"email"},
}

var (
	// ErrNotFound is returned by FindOne when no document matches
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned by Insert on a unique key violation
	ErrDuplicate = errors.New("duplicate document")
)

// Op is a filter operator
type Op string

const (
	OpEq     Op = "eq"
	OpIn     Op = "in"
	OpBefore Op = "before"
)

// Cond is a single filter condition on a top-level document field
type Cond struct {
	Field  string
	Op     Op
	Value  any
	Values []any
}

// Filter is a conjunction of conditions; an empty filter matches everything
type Filter []Cond

// Eq matches documents whose field equals v
func Eq(field string, v any) Cond { return Cond{Field: field, Op: OpEq, Value: v} }

// In matches documents whose field equals any of vs
func In(field string, vs ...any) Cond { return Cond{Field: field, Op: OpIn, Values: vs} }

// Before matches documents whose timestamp field is strictly before t
func Before(field string, t time.Time) Cond { return Cond{Field: field, Op: OpBefore, Value: t.UTC()} }

// Where builds a filter
func Where(conds ...Cond) Filter { return Filter(conds) }

// Fields is a partial document used by Update
type Fields map[string]any

// FindOptions controls Find ordering and size
type FindOptions struct {
	Limit       int
	NewestFirst bool
}

// DefaultLimit caps unbounded listings
const DefaultLimit = 100

// Collection is one named document collection
type Collection interface {
	Insert(ctx context.Context, doc any) error
	FindOne(ctx context.Context, filter Filter, out any) error
	// Find decodes matching documents into out, which must be a pointer to a slice
	Find(ctx context.Context, filter Filter, opts FindOptions, out any) error
	// Update merges fields into every matching document and returns the match count
	Update(ctx context.Context, filter Filter, fields Fields) (int64, error)
	Count(ctx context.Context, filter Filter) (int64, error)
}

// Store hands out collections
type Store interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var fieldPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidField reports whether name is safe to use as a document key
func ValidField(name string) bool { return fieldPattern.MatchString(name) }

// Validate checks every condition of the filter
func (f Filter) Validate() error {
	for _, c := range f {
		if !ValidField(c.Field) {
			return errors.New("invalid filter field: " + c.Field)
		}
		switch c.Op {
		case OpEq, OpIn:
		case OpBefore:
			if _, ok := c.Value.(time.Time); !ok {
				return errors.New("before filter requires a time value: " + c.Field)
			}
		default:
			return errors.New("unsupported filter operator: " + string(c.Op))
		}
	}
	return nil
}

// Validate checks every key of the update
func (f Fields) Validate() error {
	if len(f) == 0 {
		return errors.New("empty update")
	}
	for k := range f {
		if !ValidField(k) || k == "id" {
			return errors.New("invalid update field: " + k)
		}
	}
	return nil
}

// EffectiveLimit returns the limit to apply
func (o FindOptions) EffectiveLimit() int {
	if o.Limit <= 0 {
		return DefaultLimit
	}
	return o.Limit
}

// FindAll decodes every document matching filter into a slice of T
func FindAll[T any](ctx context.Context, c Collection, filter Filter, opts FindOptions) ([]T, error) {
	out := make([]T, 0)
	if err := c.Find(ctx, filter, opts, &out); err != nil {
		return nil, err
	}
	return out, nil
}
