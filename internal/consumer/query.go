package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
)

// Querier is satisfied by *pgx.Conn and *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// queryBackend turns the rows of one SQL query into a newline-delimited
// stream of JSON objects, one object per row keyed by column name.
type queryBackend struct {
	db     Querier
	query  string
	listed bool
}

func (b *queryBackend) next(ctx context.Context) (Source, error) {
	_ = ctx
	if b.listed {
		return Source{}, io.EOF
	}
	b.listed = true
	return Source{Name: "query"}, nil
}

func (b *queryBackend) open(ctx context.Context, src Source) (io.ReadCloser, error) {
	_ = src
	if b.db == nil {
		return nil, errors.New("no database configured")
	}
	rows, err := b.db.Query(ctx, b.query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(renderRows(rows, pw))
	}()
	return pr, nil
}

func renderRows(rows pgx.Rows, w io.Writer) error {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		doc := make(map[string]any, len(fields))
		for i, f := range fields {
			doc[f.Name] = values[i]
		}
		// Encode terminates each object with "\n", the file mode EOM.
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("render row: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read rows: %w", err)
	}
	return bw.Flush()
}
