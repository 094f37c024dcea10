package finance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/granary-farm/granary/internal/platform/database"
)

// Store handles transaction persistence. Callers run it on a farm
// connection so row-level security scopes every statement.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

const txColumns = `id, farm_id, type, category, amount, description, occurred_on, created_by, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.FarmID, &t.Type, &t.Category, &t.Amount, &t.Description,
		&t.OccurredOn, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) Create(ctx context.Context, q database.Querier, farmID, createdBy string, n NewTransaction) (*Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx,
		`INSERT INTO transactions (farm_id, type, category, amount, description, occurred_on, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+txColumns,
		farmID, n.Type, n.Category, n.Amount, n.Description, n.OccurredOn, createdBy,
	))
	if err != nil {
		return nil, fmt.Errorf("creating transaction: %w", err)
	}
	return t, nil
}

func (s *Store) GetByID(ctx context.Context, q database.Querier, farmID, id string) (*Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE farm_id = $1 AND id = $2`, farmID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("getting transaction: %w", err)
	}
	return t, nil
}

// List returns a page of the farm's transactions and the total count.
func (s *Store) List(ctx context.Context, q database.Querier, farmID string, f ListFilter) ([]Transaction, int, error) {
	where, args := buildListFilter(farmID, f)

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	n := len(args)
	sql := `SELECT ` + txColumns + ` FROM transactions ` + where + ` ` + orderBy(f.Sort, f.Desc) +
		` LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := q.Query(ctx, sql, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	txs := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning transaction: %w", err)
		}
		txs = append(txs, *t)
	}
	return txs, total, rows.Err()
}

// sortColumns maps the accepted sort keys onto columns.
var sortColumns = map[string]string{
	"occurredOn": "occurred_on",
	"amount":     "amount",
	"category":   "category",
	"createdAt":  "created_at",
}

// orderBy sorts by the requested key, occurredOn by default. Ties fall
// back to insertion order so pages stay stable.
func orderBy(sort string, desc bool) string {
	col, ok := sortColumns[sort]
	if !ok {
		col = sortColumns["occurredOn"]
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return "ORDER BY " + col + " " + dir + ", created_at " + dir + ", id " + dir
}

func buildListFilter(farmID string, f ListFilter) (string, []any) {
	conds := []string{"farm_id = $1"}
	args := []any{farmID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}
	if f.Type != "" {
		add("type = ?", f.Type)
	}
	if f.Category != "" {
		add("category = ?", f.Category)
	}
	if !f.From.IsZero() {
		add("occurred_on >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_on <= ?", f.To)
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (s *Store) Delete(ctx context.Context, q database.Querier, farmID, id string) error {
	tag, err := q.Exec(ctx, `DELETE FROM transactions WHERE farm_id = $1 AND id = $2`, farmID, id)
	if err != nil {
		return fmt.Errorf("deleting transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
