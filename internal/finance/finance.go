// Package finance records farm income and expense transactions.
package finance

import (
	"errors"
	"time"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// Type is income or expense.
type Type string

const (
	TypeIncome  Type = "income"
	TypeExpense Type = "expense"
)

// Transaction is one money movement on a farm.
type Transaction struct {
	ID          string    `json:"id"`
	FarmID      string    `json:"farmId"`
	Type        Type      `json:"type"`
	Category    string    `json:"category"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	OccurredOn  time.Time `json:"occurredOn"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewTransaction is the input to Store.Create.
type NewTransaction struct {
	Type        Type
	Category    string
	Amount      float64
	Description string
	OccurredOn  time.Time
}

// ListFilter narrows Store.List.
type ListFilter struct {
	Type     Type
	Category string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
	Sort     string
	Desc     bool
}
