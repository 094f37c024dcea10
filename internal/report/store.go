package report

import (
	"context"
	"fmt"
	"time"

	"github.com/granary-farm/granary/internal/platform/database"
)

// Store runs the report aggregations.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// CategoryTotals sums the farm's transactions by type and category
// between start and end inclusive. Zero bounds are open.
func (s *Store) CategoryTotals(ctx context.Context, q database.Querier, farmID string, start, end time.Time) ([]Row, error) {
	var from, to *time.Time
	if !start.IsZero() {
		from = &start
	}
	if !end.IsZero() {
		to = &end
	}
	rows, err := q.Query(ctx,
		`SELECT type, category, sum(amount)::float8, count(*)
		 FROM transactions
		 WHERE farm_id = $1
		   AND ($2::date IS NULL OR occurred_on >= $2)
		   AND ($3::date IS NULL OR occurred_on <= $3)
		 GROUP BY type, category`,
		farmID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating transactions: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Type, &r.Category, &r.Amount, &r.Count); err != nil {
			return nil, fmt.Errorf("scanning aggregate: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
