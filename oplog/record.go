package oplog

import (
	"errors"
	"fmt"
)

var ErrInvalidRecord = errors.New("invalid change record")

// Kind is the type of logged mutation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Record is a single entry of the change log.
//
// Exactly one payload group is populated depending on Kind: Document for
// inserts, Selector and Mutation for updates, Selector for deletes.
type Record struct {
	// Namespace identifies the logical collection the change belongs to,
	// in "database.collection" form. The engine treats it as opaque.
	Namespace string

	// Kind is the mutation type (insert, update, delete).
	Kind Kind

	// Token is the record's position in the log.
	Token Token

	// DocumentID identifies the affected document, for diagnostics.
	DocumentID string

	// Document is the full document to insert.
	Document Document

	// Selector identifies the target document(s) of an update or delete.
	Selector Document

	// Mutation is the update payload: either a full replacement document
	// or an operator patch ($set, $unset).
	Mutation Document
}

// NewInsert builds an insert record for doc.
func NewInsert(ns string, token Token, doc Document) Record {
	return Record{
		Namespace:  ns,
		Kind:       KindInsert,
		Token:      token,
		DocumentID: doc.ID(),
		Document:   doc,
	}
}

// NewUpdate builds an update record applying mutation to the documents
// matched by selector.
func NewUpdate(ns string, token Token, selector, mutation Document) Record {
	return Record{
		Namespace:  ns,
		Kind:       KindUpdate,
		Token:      token,
		DocumentID: selector.ID(),
		Selector:   selector,
		Mutation:   mutation,
	}
}

// NewDelete builds a delete record for the documents matched by selector.
func NewDelete(ns string, token Token, selector Document) Record {
	return Record{
		Namespace:  ns,
		Kind:       KindDelete,
		Token:      token,
		DocumentID: selector.ID(),
		Selector:   selector,
	}
}

// Validate checks the record's structural invariants: a known kind, a
// non-zero token, a namespace, and the payload group its kind requires.
func (r *Record) Validate() error {
	if r.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidRecord)
	}
	if r.Token.IsZero() {
		return fmt.Errorf("%w: zero token in %s", ErrInvalidRecord, r.Namespace)
	}
	switch r.Kind {
	case KindInsert:
		if r.Document == nil {
			return fmt.Errorf("%w: insert without document at %s", ErrInvalidRecord, r.Token)
		}
	case KindUpdate:
		if r.Selector == nil {
			return fmt.Errorf("%w: update without selector at %s", ErrInvalidRecord, r.Token)
		}
		if r.Mutation == nil {
			return fmt.Errorf("%w: update without mutation at %s", ErrInvalidRecord, r.Token)
		}
	case KindDelete:
		if r.Selector == nil {
			return fmt.Errorf("%w: delete without selector at %s", ErrInvalidRecord, r.Token)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q at %s", ErrInvalidRecord, r.Kind, r.Token)
	}
	return nil
}
