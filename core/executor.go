package core

import (
	"context"
	"database/sql"
	"sync"
)

// QueryRequest is an untrusted SQL submission with positionally bound
// parameters. Immutable once received.
type QueryRequest struct {
	Text   string
	Params []any
}

// Result holds the outcome of an executed statement: rows with their
// column order for reads, an affected-row count for mutations.
type Result struct {
	Columns      []string
	Rows         []map[string]any
	AffectedRows int64
	Mutation     bool
}

// Executor runs approved statements against the embedded database.
// Parameters are always bound, never interpolated; injection through
// the SQL text itself is the policy layer's concern, not the
// executor's.
//
// Mutations are serialized through a single-writer mutex so concurrent
// writes never interleave at the statement level. Reads share the pool
// and may run concurrently.
type Executor struct {
	db   *sql.DB
	path string

	writeMu sync.Mutex
}

// NewExecutor wraps an open database handle. path is retained for
// reporting only.
func NewExecutor(db *sql.DB, path string) *Executor {
	return &Executor{db: db, path: path}
}

// Path returns the database file path the executor was opened with.
func (e *Executor) Path() string { return e.path }

// DB exposes the underlying handle for canned, fixed-text reads.
func (e *Executor) DB() *sql.DB { return e.db }

// Close closes the underlying database handle.
func (e *Executor) Close() error { return e.db.Close() }

// Query runs a read statement and returns its rows as ordered
// field-name to value mappings.
func (e *Executor) Query(ctx context.Context, text string, params []any) (*Result, error) {
	rows, err := e.db.QueryContext(ctx, text, params...)
	if err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}

	res := &Result{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &ExecutionError{Message: err.Error()}
		}

		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(vals[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}
	return res, nil
}

// Exec runs a mutation under the single-writer lock and returns the
// affected-row count. A failed statement leaves no partial mutation;
// sqlite statements are atomic.
func (e *Executor) Exec(ctx context.Context, text string, params []any) (*Result, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	res, err := e.db.ExecContext(ctx, text, params...)
	if err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, &ExecutionError{Message: err.Error()}
	}
	return &Result{AffectedRows: n, Mutation: true}, nil
}

// normalizeValue makes driver values JSON friendly: raw byte columns
// become strings, everything else passes through.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
