package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertFeature inserts or updates a feature. A zero ID inserts a new row
// and fills in the assigned ID.
func (ops *DatabaseOperations) UpsertFeature(f *Feature) error {
	steps, err := marshalJSON(stringsOrEmpty(f.Steps))
	if err != nil {
		return fmt.Errorf("failed to marshal steps for feature %q: %w", f.Name, err)
	}

	var deps any
	if f.Dependencies != nil {
		encoded, err := marshalJSON(f.Dependencies)
		if err != nil {
			return fmt.Errorf("failed to marshal dependencies for feature %q: %w", f.Name, err)
		}
		deps = encoded
	}

	if f.ID == 0 {
		query := `
			INSERT INTO features (priority, category, name, description, steps, passes, in_progress, dependencies)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`
		result, err := ops.db.Exec(query,
			f.Priority, f.Category, f.Name, f.Description, steps,
			boolToInt(f.Passes), boolToInt(f.InProgress), deps,
		)
		if err != nil {
			return fmt.Errorf("failed to insert feature %q: %w", f.Name, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read feature id: %w", err)
		}
		f.ID = id
		return nil
	}

	query := `
		INSERT INTO features (id, priority, category, name, description, steps, passes, in_progress, dependencies)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			category = excluded.category,
			name = excluded.name,
			description = excluded.description,
			steps = excluded.steps,
			passes = excluded.passes,
			in_progress = excluded.in_progress,
			dependencies = excluded.dependencies
	`
	_, err = ops.db.Exec(query,
		f.ID, f.Priority, f.Category, f.Name, f.Description, steps,
		boolToInt(f.Passes), boolToInt(f.InProgress), deps,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert feature %d: %w", f.ID, err)
	}
	return nil
}

// GetFeature retrieves a feature by ID.
func (ops *DatabaseOperations) GetFeature(id int64) (*Feature, error) {
	query := `
		SELECT id, priority, category, name, description, steps, passes, in_progress, dependencies
		FROM features WHERE id = ?
	`
	f, err := scanFeature(ops.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("feature %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get feature %d: %w", id, err)
	}
	return f, nil
}

// ListFeatures returns all features ordered by priority then ID.
func (ops *DatabaseOperations) ListFeatures() ([]*Feature, error) {
	query := `
		SELECT id, priority, category, name, description, steps, passes, in_progress, dependencies
		FROM features ORDER BY priority ASC, id ASC
	`
	return ops.queryFeatures(query)
}

// ListPendingFeatures returns features that have not passed and are not
// currently in progress, ordered by priority then ID.
func (ops *DatabaseOperations) ListPendingFeatures() ([]*Feature, error) {
	query := `
		SELECT id, priority, category, name, description, steps, passes, in_progress, dependencies
		FROM features WHERE passes = 0 AND in_progress = 0
		ORDER BY priority ASC, id ASC
	`
	return ops.queryFeatures(query)
}

func (ops *DatabaseOperations) queryFeatures(query string, args ...any) ([]*Feature, error) {
	rows, err := ops.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var features []*Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feature: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// SetFeatureInProgress toggles the in_progress claim flag for a feature.
func (ops *DatabaseOperations) SetFeatureInProgress(id int64, inProgress bool) error {
	result, err := ops.db.Exec(`UPDATE features SET in_progress = ? WHERE id = ?`, boolToInt(inProgress), id)
	if err != nil {
		return fmt.Errorf("failed to update in_progress for feature %d: %w", id, err)
	}
	return requireRow(result, fmt.Sprintf("feature %d", id))
}

// SetFeaturePasses records the outcome of a feature's run. Setting passes
// also releases the in_progress claim.
func (ops *DatabaseOperations) SetFeaturePasses(id int64, passes bool) error {
	result, err := ops.db.Exec(`UPDATE features SET passes = ?, in_progress = 0 WHERE id = ?`, boolToInt(passes), id)
	if err != nil {
		return fmt.Errorf("failed to update passes for feature %d: %w", id, err)
	}
	return requireRow(result, fmt.Sprintf("feature %d", id))
}

// UpdateFeatureDependencies replaces the dependency list for one feature.
func (ops *DatabaseOperations) UpdateFeatureDependencies(id int64, deps []int64) error {
	return ops.WithTx(func(tx *sql.Tx) error {
		return updateDependenciesTx(tx, id, deps)
	})
}

// UpdateDependenciesBatch applies several dependency rewrites in one
// transaction, so repair passes land atomically.
func (ops *DatabaseOperations) UpdateDependenciesBatch(updates map[int64][]int64) error {
	if len(updates) == 0 {
		return nil
	}
	return ops.WithTx(func(tx *sql.Tx) error {
		for id, deps := range updates {
			if err := updateDependenciesTx(tx, id, deps); err != nil {
				return err
			}
		}
		return nil
	})
}

func updateDependenciesTx(tx *sql.Tx, id int64, deps []int64) error {
	var value any
	if deps != nil {
		encoded, err := marshalJSON(deps)
		if err != nil {
			return fmt.Errorf("failed to marshal dependencies for feature %d: %w", id, err)
		}
		value = encoded
	}
	result, err := tx.Exec(`UPDATE features SET dependencies = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("failed to update dependencies for feature %d: %w", id, err)
	}
	return requireRow(result, fmt.Sprintf("feature %d", id))
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFeature(row scanner) (*Feature, error) {
	var f Feature
	var steps string
	var deps sql.NullString
	var passes, inProgress int

	err := row.Scan(&f.ID, &f.Priority, &f.Category, &f.Name, &f.Description, &steps, &passes, &inProgress, &deps)
	if err != nil {
		return nil, err
	}

	if err := unmarshalJSON(steps, &f.Steps); err != nil {
		return nil, fmt.Errorf("invalid steps for feature %d: %w", f.ID, err)
	}
	if deps.Valid {
		if err := unmarshalJSON(deps.String, &f.Dependencies); err != nil {
			return nil, fmt.Errorf("invalid dependencies for feature %d: %w", f.ID, err)
		}
	}
	f.Passes = passes != 0
	f.InProgress = inProgress != 0
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func requireRow(result sql.Result, what string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
