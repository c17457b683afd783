// Package signaling defines the document-store contract the call negotiator
// uses as its signaling relay. Implementations live in the memory, firestore
// and mongo sub-packages.
package signaling

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("store closed")
	// ErrAbort may be returned from an UpdateFunc to leave the record untouched
	// without reporting a failure to the caller of Update.
	ErrAbort = errors.New("update aborted")
)

// Fields is the flat (or nested map) payload of a record.
type Fields = map[string]any

type serverTimestamp struct{}

// ServerTimestamp is a field value placeholder. Stores replace it with their
// own notion of the current time at write.
var ServerTimestamp any = serverTimestamp{}

// IsServerTimestamp reports whether v is the ServerTimestamp sentinel.
func IsServerTimestamp(v any) bool {
	_, ok := v.(serverTimestamp)
	return ok
}

type Record struct {
	ID     string
	Path   string
	Fields Fields
}

// String returns the string value of field, or "" when missing or not a string.
func (r Record) String(field string) string {
	s, _ := r.Fields[field].(string)
	return s
}

// Map returns the nested map value of field.
func (r Record) Map(field string) (map[string]any, bool) {
	m, ok := r.Fields[field].(map[string]any)
	return m, ok
}

// Time returns the time value of field. ok is false when the field is absent
// or still pending a server timestamp.
func (r Record) Time(field string) (time.Time, bool) {
	switch v := r.Fields[field].(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, !v.IsZero()
	default:
		return time.Time{}, false
	}
}

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

type Change struct {
	Kind   ChangeKind
	Record Record
}

// Filter is an equality predicate on a single field.
type Filter struct {
	Field string
	Value any
}

type Query struct {
	Collection string
	Filters    []Filter
	// OrderBy names a field used to order results ascending. Empty keeps the
	// store's natural (insertion) order.
	OrderBy string
}

// Where returns a copy of q with an additional equality filter.
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

// Matches reports whether fields satisfy every filter of q.
func (q Query) Matches(fields Fields) bool {
	for _, f := range q.Filters {
		if fields[f.Field] != f.Value {
			return false
		}
	}
	return true
}

// Listener receives the changes of one subscription. The first invocation
// carries the current matching state as ChangeAdded entries. err is non-nil
// when the underlying listener failed; changes is nil in that case. Calls for
// one subscription never overlap and arrive in write order.
type Listener func(changes []Change, err error)

type Subscription interface {
	// Cancel stops delivery. It is safe to call more than once.
	Cancel()
}

// UpdateFunc receives the current record and returns the fields to merge into
// it. Returning ErrAbort skips the write.
type UpdateFunc func(current Record) (Fields, error)

type Store interface {
	// Create allocates a fresh identifier in collection without writing a record.
	Create(ctx context.Context, collection string) (string, error)
	Write(ctx context.Context, path string, fields Fields, merge bool) error
	Read(ctx context.Context, path string) (Record, error)
	// Append adds a new entry to an append-only collection and returns its id.
	Append(ctx context.Context, collection string, fields Fields) (string, error)
	// Update atomically reads the record at path and merges the fields returned
	// by fn. ErrNotFound is returned when the record does not exist.
	Update(ctx context.Context, path string, fn UpdateFunc) error
	// SubscribeRecord and SubscribeQuery deliver changes until the returned
	// Subscription is cancelled or ctx is done.
	SubscribeRecord(ctx context.Context, path string, fn Listener) (Subscription, error)
	SubscribeQuery(ctx context.Context, q Query, fn Listener) (Subscription, error)
	QueryWhere(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Join builds a slash separated document path.
func Join(elem ...string) string {
	return strings.Join(elem, "/")
}

// Split returns the parent collection path and the id of a document path.
func Split(p string) (collection, id string) {
	collection, id = path.Split(p)
	return strings.TrimSuffix(collection, "/"), id
}

// SubscriptionFunc adapts a plain function to the Subscription interface.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }
