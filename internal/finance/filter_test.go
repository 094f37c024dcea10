package finance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildListFilter(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		filter    ListFilter
		wantWhere string
		wantArgs  int
	}{
		{"farm only", ListFilter{}, "WHERE farm_id = $1", 1},
		{"type", ListFilter{Type: TypeIncome}, "WHERE farm_id = $1 AND type = $2", 2},
		{
			"everything",
			ListFilter{Type: TypeExpense, Category: "feed", From: from, To: to},
			"WHERE farm_id = $1 AND type = $2 AND category = $3 AND occurred_on >= $4 AND occurred_on <= $5",
			5,
		},
		{"range only", ListFilter{To: to}, "WHERE farm_id = $1 AND occurred_on <= $2", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildListFilter("farm-1", tt.filter)
			assert.Equal(t, tt.wantWhere, where)
			assert.Len(t, args, tt.wantArgs)
			assert.Equal(t, "farm-1", args[0])
		})
	}
}

func TestOrderBy(t *testing.T) {
	assert.Equal(t, "ORDER BY occurred_on DESC, created_at DESC, id DESC", orderBy("", true))
	assert.Equal(t, "ORDER BY amount ASC, created_at ASC, id ASC", orderBy("amount", false))
	assert.Equal(t, "ORDER BY occurred_on ASC, created_at ASC, id ASC", orderBy("amount; DROP TABLE transactions", false))
}

func TestListQuery_SortKeys(t *testing.T) {
	assert.Equal(t, []string{"amount", "category", "createdAt", "occurredOn"}, ListQuery{}.SortKeys())
}
