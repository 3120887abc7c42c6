// Package remote is the boundary to the authoritative document store. It
// defines the store contract, the change events a subscription produces and
// the normalization of store-native values such as timestamps.
package remote

import (
	"context"
	"errors"
	"path"
	"strings"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound         = errors.New("remote: not found")
	ErrUnavailable      = errors.New("remote: unavailable")
	ErrPermissionDenied = errors.New("remote: permission denied")
	ErrInvalidArgument  = errors.New("remote: invalid argument")
	ErrClosed           = errors.New("remote: stream closed")
)

// IsRetryable reports whether err is worth retrying later. Permission and
// argument errors are terminal; anything else is assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPermissionDenied) && !errors.Is(err, ErrInvalidArgument)
}

// Store is the remote document store.
type Store interface {
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	Subscribe(ctx context.Context, collection string, q Query) (Stream, error)
	Upsert(ctx context.Context, docPath string, fields map[string]any, opts UpsertOptions) error
}

// Stream is a live subscription. Changes is closed when the stream ends; Err
// then reports why, or nil after Close.
type Stream interface {
	Changes() <-chan Change
	Err() error
	Close() error
}

// UpsertOptions controls how Upsert treats an existing document.
type UpsertOptions struct {
	// Merge keeps fields not present in the write.
	Merge bool
}

// Document is a remote record.
type Document struct {
	Path   string         `json:"path"`
	Fields map[string]any `json:"fields"`
}

// ID is the last path segment.
func (d Document) ID() string {
	return path.Base(d.Path)
}

// Collection is the parent collection path.
func (d Document) Collection() string {
	return path.Dir(d.Path)
}

// ChangeType classifies a change event.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is one event of a subscription.
type Change struct {
	Type     ChangeType `json:"type"`
	Document Document   `json:"document"`
}

// Op is a comparison operator of a filter.
type Op string

const (
	OpEqual         Op = "=="
	OpLess          Op = "<"
	OpLessEqual     Op = "<="
	OpGreater       Op = ">"
	OpGreaterEqual  Op = ">="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query on a single field.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Query selects documents of a collection.
type Query struct {
	Filters []Filter `json:"filters,omitempty"`
	OrderBy string   `json:"orderBy,omitempty"`
	Desc    bool     `json:"desc,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Where returns a copy of q with one more filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Join builds a document or collection path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}
