// Package db persists witnessd state in badger: per-index retry records and
// epoch lifecycle. Every key carries a versioned prefix and the database as a
// whole carries a schema tag that is checked at startup.
package db

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

const (
	schemaKey     = "WITNESSD:SCHEMA"
	schemaVersion = byte(1)
)

// ErrStorageCorruption is returned when persisted data cannot be interpreted.
// It is fatal at startup.
var ErrStorageCorruption = errors.New("storage corruption")

// Operation represents a database operation type
type Operation string

const (
	OpRead   Operation = "read"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

type DBError struct {
	Op  Operation
	Key []byte
	Err error
}

func (e *DBError) Unwrap() error {
	return e.Err
}

func (e *DBError) Error() string {
	return fmt.Sprintf("witnessd database: %s key: %q error: %v", e.Op, e.Key, e.Err)
}

type Database struct {
	db *badger.DB
}

// Open opens the database at path with synchronous writes, so a write that
// returned is durable.
func Open(path string) (*Database, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Database{db: db}, nil
}

// OpenInMemory opens a throwaway database for tests and dry runs.
func OpenInMemory() (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Conn() *badger.DB {
	return d.db
}

// CheckSchema stamps an empty database with the current schema version and
// verifies the stamp of an existing one.
func (d *Database) CheckSchema() error {
	return d.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(schemaKey))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if !isEmpty(txn) {
				return &DBError{Op: OpRead, Key: []byte(schemaKey), Err: fmt.Errorf("%w: database has data but no schema tag", ErrStorageCorruption)}
			}
			return txn.Set([]byte(schemaKey), []byte{schemaVersion})
		case err != nil:
			return &DBError{Op: OpRead, Key: []byte(schemaKey), Err: err}
		}

		val, err := item.ValueCopy(nil)
		if err != nil {
			return &DBError{Op: OpRead, Key: []byte(schemaKey), Err: err}
		}
		if !bytes.Equal(val, []byte{schemaVersion}) {
			return &DBError{Op: OpRead, Key: []byte(schemaKey), Err: fmt.Errorf("%w: schema version %x, expected %d", ErrStorageCorruption, val, schemaVersion)}
		}
		return nil
	})
}

func isEmpty(txn *badger.Txn) bool {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	it.Rewind()
	return !it.Valid()
}
