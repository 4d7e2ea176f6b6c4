package sqlite

import (
	"context"
	"strconv"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities/history"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

func (s *Store) InstanceHistory(ctx context.Context, tc tenant.Context, resourceType, id string, params history.Params) (history.Result, error) {
	clause, args := tenantClause(tc)
	clause += " AND resource_type = ? AND id = ?"
	args = append(args, resourceType, id)

	result, err := s.historyPage(ctx, tc, clause, args, params, "history/"+resourceType+"/"+id)
	if err != nil {
		return history.Result{}, err
	}
	if result.Total != nil && *result.Total == 0 {
		return history.Result{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	return result, nil
}

func (s *Store) TypeHistory(ctx context.Context, tc tenant.Context, resourceType string, params history.Params) (history.Result, error) {
	clause, args := tenantClause(tc)
	clause += " AND resource_type = ?"
	args = append(args, resourceType)
	return s.historyPage(ctx, tc, clause, args, params, "history/"+resourceType)
}

func (s *Store) SystemHistory(ctx context.Context, tc tenant.Context, params history.Params) (history.Result, error) {
	clause, args := tenantClause(tc)
	return s.historyPage(ctx, tc, clause, args, params, "history")
}

func (s *Store) historyPage(ctx context.Context, tc tenant.Context, clause string, args []any, params history.Params, shape string) (history.Result, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return history.Result{}, err
	}

	offset := 0
	if params.Cursor != "" {
		payload, err := search.DecodeCursor(params.Cursor, s.Name(), shape)
		if err != nil {
			return history.Result{}, err
		}
		offset, err = strconv.Atoi(string(payload))
		if err != nil || offset < 0 {
			return history.Result{}, &outcome.ValidationError{Detail: "malformed cursor"}
		}
	}

	if !params.Since.IsZero() {
		clause += " AND last_updated >= ?"
		args = append(args, params.Since.UTC().Format(time.RFC3339Nano))
	}
	if !params.At.IsZero() {
		clause += " AND last_updated <= ?"
		args = append(args, params.At.UTC().Format(time.RFC3339Nano))
	}

	result := history.Result{}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resource_history WHERE `+clause, args...).Scan(&total); err != nil {
		return history.Result{}, err
	}
	result.Total = &total

	query := `SELECT tenant_id, resource_type, id, version_id, last_updated, deleted, body
		FROM resource_history WHERE ` + clause + `
		ORDER BY last_updated DESC, version_id DESC`
	if params.Count > 0 {
		// one extra row decides whether another page exists
		query += " LIMIT ? OFFSET ?"
		args = append(args, params.Count+1, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return history.Result{}, err
	}
	defer rows.Close()

	var entries []model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return history.Result{}, err
		}
		entries = append(entries, r)
	}
	if err := rows.Err(); err != nil {
		return history.Result{}, err
	}

	if params.Count > 0 && len(entries) > params.Count {
		entries = entries[:params.Count]
		next := strconv.Itoa(offset + params.Count)
		result.Next = search.EncodeCursor(s.Name(), shape, []byte(next))
	}
	result.Entries = entries
	return result, nil
}
