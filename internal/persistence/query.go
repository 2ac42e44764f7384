package persistence

import (
	"context"
	"fmt"
)

// runQuery executes an arbitrary row-returning statement and materializes the
// result set. BLOB columns come back from the driver as []byte; they are
// converted to strings so results survive being handed across goroutines
// without sharing driver-owned buffers.
func runQuery(ctx context.Context, q dbtx, sqlText string, params []any) ([][]any, error) {
	rows, err := q.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("query scan: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	return out, nil
}
