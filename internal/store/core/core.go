// Package core defines the document store contract shared by the store
// facade and the persistence drivers.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"metaupgrade/pkg/record"
)

// IDField carries the document identifier inside stored JSON. It is removed
// from records handed to the engine and re-attached on write.
const IDField = "_id"

// Document is one stored record with its identifier.
type Document struct {
	ID     string
	Record record.Record
}

// Store reads source records and writes upgraded ones.
type Store interface {
	// Fetch returns the record stored under id or an error wrapping ErrNotFound.
	Fetch(ctx context.Context, id string) (record.Record, error)
	// FetchAll yields, in identifier order and one at a time, every document
	// whose identifier sorts after the given one; "" starts at the beginning.
	// An error yielded with a non-empty Document.ID concerns that document
	// alone and iteration continues. An error with an empty ID is a cursor
	// failure and ends iteration; callers resume after the last ID they saw.
	FetchAll(ctx context.Context, after string) iter.Seq2[Document, error]
	// Upsert creates or replaces the record stored under id.
	Upsert(ctx context.Context, id string, rec record.Record) error
	Close() error
}

var (
	// ErrNotFound reports a missing document. It is never retried.
	ErrNotFound = errors.New("document not found")
	// ErrCorrupt reports a stored document that is not a JSON object. It is
	// never retried.
	ErrCorrupt = errors.New("corrupt document")
	// ErrUnencodable reports a record that cannot be serialised to JSON, such
	// as one holding NaN. It is never retried.
	ErrUnencodable = errors.New("unencodable record")
)

// Error wraps a driver failure with the operation and document it concerned.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, ID: id, Err: err}
}

// Permanent reports whether err cannot be fixed by retrying.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrCorrupt) || errors.Is(err, ErrUnencodable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Encode serialises rec with id attached under IDField.
func Encode(id string, rec record.Record) ([]byte, error) {
	out := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	out[IDField] = id
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrUnencodable, id, err)
	}
	return b, nil
}

// Decode parses a stored document and strips IDField.
func Decode(id string, data []byte) (record.Record, error) {
	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil || rec == nil {
		if err == nil {
			err = errors.New("null document")
		}
		return nil, fmt.Errorf("%w %s: %v", ErrCorrupt, id, err)
	}
	delete(rec, IDField)
	return rec, nil
}
