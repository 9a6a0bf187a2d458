// Package persistence provides SQLite-backed storage for features, agent
// specs, runs, events, and artifacts. All mutating operations go through
// DatabaseOperations; events are append-only and never updated or deleted.
package persistence

import (
	"database/sql"
	"fmt"
)

// DatabaseOperations provides typed CRUD operations over the schema.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise.
func (ops *DatabaseOperations) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nullStr converts a *string into a sql-friendly value.
func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// nullInt64 converts a *int64 into a sql-friendly value.
func nullInt64(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

// nullFloat converts a *float64 into a sql-friendly value.
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// strPtr returns a pointer for a valid sql.NullString, nil otherwise.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// int64Ptr returns a pointer for a valid sql.NullInt64, nil otherwise.
func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	n := ni.Int64
	return &n
}

// floatPtr returns a pointer for a valid sql.NullFloat64, nil otherwise.
func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	f := nf.Float64
	return &f
}
