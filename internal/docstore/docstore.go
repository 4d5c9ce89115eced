// Package docstore abstracts the authoritative multi-collection document
// store. Backends provide equality and array-membership queries, atomic
// read-modify-write transactions, and real-time full-snapshot subscriptions.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
)

// Collection names used by the roster engine.
const (
	Classes  = "classes"
	Users    = "users"
	Teachers = "teachers" // legacy per-teacher index
	Messages = "messages"
)

var (
	// ErrNotFound is returned when the referenced document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrConflict is returned when a transaction could not commit because a
	// document it read changed underneath it, after internal retries.
	ErrConflict = errors.New("docstore: transaction conflict")
)

// Document is one stored record with its collection key and JSON body.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Op is a query operator.
type Op string

const (
	OpEqual         Op = "=="
	OpArrayContains Op = "array-contains"
)

// Query filters a collection on a single field.
type Query struct {
	Field string
	Op    Op
	Value string
}

// Tx is the handle passed to a transaction body. Reads are tracked so the
// commit can be conditioned on every read document being unchanged.
type Tx interface {
	Get(collection, id string) (Document, error)
	Set(collection, id string, data json.RawMessage)
	Delete(collection, id string)
}

// Store is the remote document store contract.
type Store interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	// Set writes a document. With merge, top-level fields are merged into
	// the existing body instead of replacing it.
	Set(ctx context.Context, collection, id string, data json.RawMessage, merge bool) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]Document, error)
	// RunTransaction executes fn with optimistic concurrency. The backend
	// retries internally on conflict; exhausted retries surface ErrConflict.
	RunTransaction(ctx context.Context, fn func(tx Tx) error) error
	// Subscribe delivers a full snapshot of matching documents on every
	// relevant change, starting with the current state. The returned
	// teardown is idempotent.
	Subscribe(ctx context.Context, collection string, q Query, push func([]Document)) (func(), error)
}

// mergeRaw merges the top-level fields of src into dst. Both must be JSON
// objects; a non-object dst is replaced wholesale.
func mergeRaw(dst, src json.RawMessage) json.RawMessage {
	var base map[string]json.RawMessage
	if err := json.Unmarshal(dst, &base); err != nil || base == nil {
		return src
	}
	var over map[string]json.RawMessage
	if err := json.Unmarshal(src, &over); err != nil {
		return src
	}
	for k, v := range over {
		base[k] = v
	}
	out, err := json.Marshal(base)
	if err != nil {
		return src
	}
	return out
}

// matches evaluates q against a document body.
func matches(data json.RawMessage, q Query) bool {
	if q.Field == "" {
		return true
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return false
	}
	raw, ok := body[q.Field]
	if !ok {
		return false
	}
	switch q.Op {
	case OpEqual:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return false
		}
		return s == q.Value
	case OpArrayContains:
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return false
		}
		for _, el := range arr {
			var s string
			if err := json.Unmarshal(el, &s); err == nil {
				if s == q.Value {
					return true
				}
				continue
			}
			// legacy entries may be objects carrying an email field
			var obj struct {
				Email string `json:"email"`
			}
			if err := json.Unmarshal(el, &obj); err == nil && obj.Email == q.Value {
				return true
			}
		}
		return false
	}
	return false
}
