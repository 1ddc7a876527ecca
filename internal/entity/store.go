// Package entity is the versioned key-value store shared by workflows and
// transactions. Every write bumps the key's version; versions survive
// deletion so that a transaction can assert "still absent" as reliably as
// "still version N".
package entity

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrVersionConflict means a conditional write or assertion observed a
	// version that is no longer current.
	ErrVersionConflict = errors.New("entity version conflict")
)

// Versioned is a read result. Version 0 means the key has never been
// written; a nil Value with a non-zero version is a deleted key.
type Versioned struct {
	Value   json.RawMessage
	Version int64
}

// Exists reports whether the key currently holds a value.
func (v *Versioned) Exists() bool {
	return v.Value != nil
}

// Write is one key mutation in a commit. A nil Value deletes the key.
// ExpectedVersion conditions the write on the key's current version;
// UnconditionalWrite skips the check.
type Write struct {
	Key             string
	Value           json.RawMessage
	ExpectedVersion int64
}

// UnconditionalWrite is the ExpectedVersion wildcard.
const UnconditionalWrite int64 = -1

// Assert pins a key the committer read but did not write.
type Assert struct {
	Key     string
	Version int64
}

// Store persists versioned entities. Commit applies all writes atomically or
// none, failing with ErrVersionConflict when any expected version or
// assertion does not hold.
type Store interface {
	Get(ctx context.Context, key string) (*Versioned, error)
	Commit(ctx context.Context, writes []Write, asserts []Assert) error
}
