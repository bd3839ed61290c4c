package database

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// GenericCreate inserts rec into table. apply receives the inserted rows so
// callers can adopt server-assigned fields.
func GenericCreate[T any](r *Repository, ctx context.Context, table string, rec *T, apply func(rows []T)) error {
	respBody, err := r.request(ctx, http.MethodPost, table, rec, "", "")
	if err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}
	var rows []T
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return fmt.Errorf("decode %s rows: %w", table, err)
	}
	if apply != nil {
		apply(rows)
	}
	return nil
}

// GenericUpsert inserts rec into table, merging on the conflict column.
func GenericUpsert[T any](r *Repository, ctx context.Context, table, conflictColumn string, rec *T, apply func(rows []T)) error {
	query := NewQuery().OnConflict(conflictColumn).Build()
	respBody, err := r.request(ctx, http.MethodPost, table, rec, query,
		"resolution=merge-duplicates,return=representation")
	if err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	var rows []T
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return fmt.Errorf("decode %s rows: %w", table, err)
	}
	if apply != nil {
		apply(rows)
	}
	return nil
}

// GenericUpdate patches the row of table where field equals value.
func GenericUpdate[T any](r *Repository, ctx context.Context, table, field, value string, rec *T) error {
	query := NewQuery().Eq(field, value).Build()
	if _, err := r.request(ctx, http.MethodPatch, table, rec, query, ""); err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// GenericGetByField fetches a single row of table where field equals value.
// Returns (nil, nil) when no row matches.
func GenericGetByField[T any](r *Repository, ctx context.Context, table, field, value string) (*T, error) {
	query := NewQuery().Eq(field, value).Limit(1).Build()
	rows, err := GenericListWithQuery[T](r, ctx, table, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GenericListByField lists rows of table where field equals value.
func GenericListByField[T any](r *Repository, ctx context.Context, table, field, value string) ([]T, error) {
	return GenericListWithQuery[T](r, ctx, table, NewQuery().Eq(field, value).Build())
}

// GenericListWithQuery lists rows of table matching a prebuilt query string.
func GenericListWithQuery[T any](r *Repository, ctx context.Context, table, query string) ([]T, error) {
	respBody, err := r.request(ctx, http.MethodGet, table, nil, query, "")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	var rows []T
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", table, err)
	}
	return rows, nil
}

// GenericDelete removes rows of table where field equals value.
func GenericDelete(r *Repository, ctx context.Context, table, field, value string) error {
	query := NewQuery().Eq(field, value).Build()
	if _, err := r.request(ctx, http.MethodDelete, table, nil, query, "minimal"); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}
