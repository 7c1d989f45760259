// Package sqlquery executes generated SQL against a database/sql handle and
// returns rows as structured payloads. The default driver is the pure-Go
// sqlite driver so the query pipeline can run without cgo or an external
// server; any database/sql driver works through NewFromDB.
package sqlquery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/siteworks/siteflow/provider"
	_ "modernc.org/sqlite"
)

// Provider executes read-only SQL statements handed to it in Input.Text.
type Provider struct {
	db      *sql.DB
	maxRows int
}

// Options tune the SQL provider.
type Options struct {
	// MaxRows caps the result set; 0 means the default of 500.
	MaxRows int
}

// New opens a sqlite database at dsn (":memory:" for ephemeral) and wraps it.
func New(dsn string, optFns ...func(o *Options)) (*Provider, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	return NewFromDB(db, optFns...), nil
}

// NewFromDB wraps an existing handle. The caller keeps ownership of db.
func NewFromDB(db *sql.DB, optFns ...func(o *Options)) *Provider {
	opts := Options{MaxRows: 500}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 500
	}
	return &Provider{db: db, maxRows: opts.MaxRows}
}

// DB exposes the underlying handle so callers can seed schema and fixtures.
func (p *Provider) DB() *sql.DB { return p.db }

// Close closes the underlying handle.
func (p *Provider) Close() error { return p.db.Close() }

// Invoke runs Input.Text as a query. Only SELECT statements are accepted;
// anything else is a provider error, never executed. Rows are returned in
// Payload["rows"] as []map[string]any with Payload["count"] alongside.
func (p *Provider) Invoke(ctx context.Context, in provider.Input) (*provider.Result, error) {
	stmt := strings.TrimSpace(in.Text)
	if stmt == "" {
		return nil, &provider.Error{Provider: "sqlquery", Err: fmt.Errorf("empty statement")}
	}
	if !strings.HasPrefix(strings.ToUpper(stmt), "SELECT") {
		return nil, &provider.Error{Provider: "sqlquery", Err: fmt.Errorf("only SELECT statements are allowed")}
	}

	rows, err := p.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, &provider.Error{Provider: "sqlquery", Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, &provider.Error{Provider: "sqlquery", Err: err}
	}

	out := []map[string]any{}
	for rows.Next() {
		if len(out) >= p.maxRows {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &provider.Error{Provider: "sqlquery", Err: err}
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, &provider.Error{Provider: "sqlquery", Err: err}
	}

	return &provider.Result{
		Payload: map[string]any{
			"rows":  out,
			"count": len(out),
		},
		Confidence: 1,
	}, nil
}
