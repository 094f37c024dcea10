package validate

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultLimit is the page size when a route does not pick its own.
const DefaultLimit = 20

// Pagination is the common page/limit/sort/order query fragment.
type Pagination struct {
	Page  int    `query:"page" json:"page" validate:"gte=1"`
	Limit int    `query:"limit" json:"limit" validate:"gte=1,lte=100"`
	Sort  string `query:"sort" json:"sort,omitempty" validate:"omitempty,max=64"`
	Order string `query:"order" json:"order" validate:"omitempty,oneof=asc desc"`
}

func (p *Pagination) ApplyDefaults() {
	p.DefaultsWithLimit(DefaultLimit)
}

// DefaultsWithLimit applies defaults using a route-specific page size.
func (p *Pagination) DefaultsWithLimit(limit int) {
	if p.Page == 0 {
		p.Page = 1
	}
	if p.Limit == 0 {
		p.Limit = limit
	}
	if p.Order == "" {
		p.Order = "desc"
	}
}

// SortKey returns the requested sort key.
func (p Pagination) SortKey() string { return p.Sort }

// Sortable is implemented by queries that accept a fixed set of sort keys.
// Request rejects any other key.
type Sortable interface {
	SortKey() string
	SortKeys() []string
}

func (p Pagination) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// IDParam is a UUID {id} path parameter.
type IDParam struct {
	ID string `path:"id" validate:"required,uuid"`
}

// DateRange is a startDate/endDate query fragment. When both are set the
// end must be strictly after the start.
type DateRange struct {
	StartDate time.Time `query:"startDate" json:"startDate"`
	EndDate   time.Time `query:"endDate" json:"endDate"`
}

// DateFromTo is the dateFrom/dateTo spelling of DateRange.
type DateFromTo struct {
	DateFrom time.Time `query:"dateFrom" json:"dateFrom"`
	DateTo   time.Time `query:"dateTo" json:"dateTo"`
}

func validateDateRange(sl validator.StructLevel) {
	dr := sl.Current().Interface().(DateRange)
	if !dr.StartDate.IsZero() && !dr.EndDate.IsZero() && !dr.EndDate.After(dr.StartDate) {
		sl.ReportError(dr.EndDate, "endDate", "EndDate", "after", "startDate")
	}
}

func validateDateFromTo(sl validator.StructLevel) {
	dr := sl.Current().Interface().(DateFromTo)
	if !dr.DateFrom.IsZero() && !dr.DateTo.IsZero() && !dr.DateTo.After(dr.DateFrom) {
		sl.ReportError(dr.DateTo, "dateTo", "DateTo", "after", "dateFrom")
	}
}
