package document

import (
	"fmt"
	"net/url"
	"strings"
)

// QueryBuilder constructs PostgREST-style query strings for the tracking
// store's status/time-bucket filters.
type QueryBuilder struct {
	filters []string
	order   string
	limit   int
}

// NewQuery creates an empty query builder.
func NewQuery() *QueryBuilder {
	return &QueryBuilder{}
}

// Eq adds an equality filter: field=eq.value
func (q *QueryBuilder) Eq(field, value string) *QueryBuilder {
	q.filters = append(q.filters, fmt.Sprintf("%s=eq.%s", field, url.QueryEscape(value)))
	return q
}

// Gte adds a greater-than-or-equal filter: field=gte.value
func (q *QueryBuilder) Gte(field, value string) *QueryBuilder {
	q.filters = append(q.filters, fmt.Sprintf("%s=gte.%s", field, url.QueryEscape(value)))
	return q
}

// Lte adds a less-than-or-equal filter: field=lte.value
func (q *QueryBuilder) Lte(field, value string) *QueryBuilder {
	q.filters = append(q.filters, fmt.Sprintf("%s=lte.%s", field, url.QueryEscape(value)))
	return q
}

// In adds an IN filter: field=in.(value1,value2,...)
func (q *QueryBuilder) In(field string, values []string) *QueryBuilder {
	if len(values) == 0 {
		return q
	}
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = url.QueryEscape(v)
	}
	q.filters = append(q.filters, fmt.Sprintf("%s=in.(%s)", field, strings.Join(escaped, ",")))
	return q
}

// OrderAsc adds ascending order: order=field.asc
func (q *QueryBuilder) OrderAsc(field string) *QueryBuilder {
	q.order = fmt.Sprintf("order=%s.asc", field)
	return q
}

// OrderDesc adds descending order: order=field.desc
func (q *QueryBuilder) OrderDesc(field string) *QueryBuilder {
	q.order = fmt.Sprintf("order=%s.desc", field)
	return q
}

// Limit caps the number of returned rows.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limit = n
	return q
}

// Build assembles the final query string.
func (q *QueryBuilder) Build() string {
	parts := append([]string(nil), q.filters...)
	if q.order != "" {
		parts = append(parts, q.order)
	}
	if q.limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", q.limit))
	}
	return strings.Join(parts, "&")
}
