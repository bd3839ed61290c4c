package database

import (
	"fmt"
	"net/url"
	"strings"
)

// Query builds PostgREST query strings.
type Query struct {
	parts []string
}

// NewQuery creates an empty query builder.
func NewQuery() *Query {
	return &Query{}
}

// Eq adds an equality filter on a column.
func (q *Query) Eq(column, value string) *Query {
	q.parts = append(q.parts, fmt.Sprintf("%s=eq.%s", column, url.QueryEscape(value)))
	return q
}

// Lt adds a less-than filter on a column.
func (q *Query) Lt(column, value string) *Query {
	q.parts = append(q.parts, fmt.Sprintf("%s=lt.%s", column, url.QueryEscape(value)))
	return q
}

// Or adds a disjunction of raw conditions, e.g. Or("id.eq.1", "name.eq.a").
func (q *Query) Or(conditions ...string) *Query {
	q.parts = append(q.parts, fmt.Sprintf("or=(%s)", strings.Join(conditions, ",")))
	return q
}

// Select restricts the returned columns.
func (q *Query) Select(columns string) *Query {
	q.parts = append(q.parts, "select="+url.QueryEscape(columns))
	return q
}

// OrderAsc orders results ascending by column.
func (q *Query) OrderAsc(column string) *Query {
	q.parts = append(q.parts, "order="+column+".asc")
	return q
}

// OrderDesc orders results descending by column.
func (q *Query) OrderDesc(column string) *Query {
	q.parts = append(q.parts, "order="+column+".desc")
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.parts = append(q.parts, fmt.Sprintf("limit=%d", n))
	return q
}

// OnConflict sets the upsert conflict target column.
func (q *Query) OnConflict(column string) *Query {
	q.parts = append(q.parts, "on_conflict="+column)
	return q
}

// Build renders the query string without a leading separator.
func (q *Query) Build() string {
	return strings.Join(q.parts, "&")
}

// Cond renders a raw condition for use inside Or.
func Cond(column, op, value string) string {
	return fmt.Sprintf("%s.%s.%s", column, op, url.QueryEscape(value))
}
