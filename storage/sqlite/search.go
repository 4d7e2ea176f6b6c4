package sqlite

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

// nativeParameters is nil on purpose: the backend serves only the builtin
// parameters every backend carries (_id, _lastUpdated, _tag, _profile).
var nativeParameters map[string]map[string]search.ParameterDef

// dialect renders _id and _lastUpdated fragments into SQL over the current
// resource table. Everything else is post-filtered in Go.
type dialect struct{}

var _ search.Dialect = dialect{}

func (dialect) RenderFragment(resourceType string, f search.Fragment) (search.Native, error) {
	c := f.Condition
	if f.Class != search.FragmentBasic || c.Key.Modifier != "" {
		return search.Native{}, fmt.Errorf("no native rendering for %s", c.String())
	}

	switch c.Key.Name {
	case "_id":
		return renderID(c)
	case "_lastUpdated":
		return renderLastUpdated(c)
	default:
		return search.Native{}, fmt.Errorf("no native rendering for parameter %s", c.Key.Name)
	}
}

func renderID(c search.Condition) (search.Native, error) {
	native := search.Native{}
	for _, group := range c.Values {
		placeholders := make([]string, 0, len(group))
		for _, v := range group {
			token, ok := v.(search.Token)
			if !ok {
				return search.Native{}, fmt.Errorf("unexpected _id value %s", v)
			}
			placeholders = append(placeholders, "?")
			native.Args = append(native.Args, token.Code)
		}
		if native.Expr != "" {
			native.Expr += " AND "
		}
		native.Expr += "id IN (" + strings.Join(placeholders, ", ") + ")"
	}
	return native, nil
}

func renderLastUpdated(c search.Condition) (search.Native, error) {
	native := search.Native{}
	for _, group := range c.Values {
		clauses := make([]string, 0, len(group))
		for _, v := range group {
			date, ok := v.(search.Date)
			if !ok {
				return search.Native{}, fmt.Errorf("unexpected _lastUpdated value %s", v)
			}
			start, end := date.Range()
			startArg := start.UTC().Format(time.RFC3339Nano)
			endArg := end.UTC().Format(time.RFC3339Nano)

			switch date.Prefix {
			case "", search.PrefixEqual:
				clauses = append(clauses, "(last_updated >= ? AND last_updated < ?)")
				native.Args = append(native.Args, startArg, endArg)
			case search.PrefixNotEqual:
				clauses = append(clauses, "(last_updated < ? OR last_updated >= ?)")
				native.Args = append(native.Args, startArg, endArg)
			case search.PrefixGreaterThan, search.PrefixStartsAfter:
				clauses = append(clauses, "last_updated >= ?")
				native.Args = append(native.Args, endArg)
			case search.PrefixGreaterOrEqual:
				clauses = append(clauses, "last_updated >= ?")
				native.Args = append(native.Args, startArg)
			case search.PrefixLessThan, search.PrefixEndsBefore:
				clauses = append(clauses, "last_updated < ?")
				native.Args = append(native.Args, startArg)
			case search.PrefixLessOrEqual:
				clauses = append(clauses, "last_updated < ?")
				native.Args = append(native.Args, endArg)
			default:
				return search.Native{}, fmt.Errorf("no native rendering for prefix %s", date.Prefix)
			}
		}
		if native.Expr != "" {
			native.Expr += " AND "
		}
		native.Expr += "(" + strings.Join(clauses, " OR ") + ")"
	}
	return native, nil
}

// Search evaluates a query over the current resource table. Conditions that
// render to SQL narrow the scan; the rest of the builtin surface is
// post-filtered in Go. Pagination is offset based and reruns the query, so
// pages reflect the current state.
func (s *Store) Search(ctx context.Context, tc tenant.Context, q search.Query) (search.Result, error) {
	if err := requireTenant(tc, tenant.PermissionSearch); err != nil {
		return search.Result{}, err
	}

	caps, _ := s.Capabilities(ctx)
	if err := search.Validate(q, caps.Search); err != nil {
		return search.Result{}, err
	}

	offset := 0
	if q.Cursor != "" {
		payload, err := search.DecodeCursor(q.Cursor, s.Name(), q.Shape())
		if err != nil {
			return search.Result{}, err
		}
		offset, err = strconv.Atoi(string(payload))
		if err != nil || offset < 0 {
			return search.Result{}, &outcome.ValidationError{Detail: "malformed cursor"}
		}
	}

	clause, args := tenantClause(tc)
	clause += " AND resource_type = ? AND deleted = 0"
	args = append(args, q.ResourceType)

	var residual []search.Condition
	for _, f := range search.Fragments(q) {
		native, err := f.Render(q.ResourceType, dialect{})
		if err != nil {
			residual = append(residual, f.Condition)
			continue
		}
		clause += " AND " + native.Expr
		args = append(args, native.Args...)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, resource_type, id, version_id, last_updated, deleted, body
		 FROM resources WHERE `+clause+` ORDER BY id`, args...)
	if err != nil {
		return search.Result{}, err
	}
	defer rows.Close()

	var matched []model.Resource
	evaluator := &search.Evaluator{Caps: caps.Search}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return search.Result{}, err
		}
		keep := true
		for _, c := range residual {
			ok, err := evaluator.MatchesCondition(ctx, r, c)
			if err != nil {
				return search.Result{}, err
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			matched = append(matched, r)
		}
	}
	if err := rows.Err(); err != nil {
		return search.Result{}, err
	}

	search.SortResources(matched, q.Sort, caps.Search)

	result := search.Result{Applied: q.Keys(), Ignored: q.Ignored}
	if q.Total {
		total := len(matched)
		result.Total = &total
	}

	if offset > len(matched) {
		offset = len(matched)
	}
	page := matched[offset:]
	if q.Count > 0 && len(page) > q.Count {
		page = page[:q.Count]
		next := strconv.Itoa(offset + q.Count)
		result.Next = search.EncodeCursor(s.Name(), q.Shape(), []byte(next))
	}

	result.Resources = make([]model.Resource, 0, len(page))
	for _, r := range page {
		result.Resources = append(result.Resources, search.Shape(q, r))
	}
	return result, nil
}

// Source returns a tenant-scoped resource source backed by the current
// resource table.
func (s *Store) Source(tc tenant.Context) search.Source {
	return &sqlView{store: s, tc: tc}
}

type sqlView struct {
	store *Store
	tc    tenant.Context
}

func (v *sqlView) Resolve(ctx context.Context, resourceType, id string) (model.Resource, bool, error) {
	r, err := v.store.Read(ctx, v.tc, resourceType, id)
	if outcome.IsNotFound(err) {
		return model.Resource{}, false, nil
	}
	if err != nil {
		return model.Resource{}, false, err
	}
	if r.Deleted {
		return model.Resource{}, false, nil
	}
	return r, true, nil
}

func (v *sqlView) List(ctx context.Context, resourceType string) ([]model.Resource, error) {
	clause, args := tenantClause(v.tc)
	rows, err := v.store.db.QueryContext(ctx,
		`SELECT tenant_id, resource_type, id, version_id, last_updated, deleted, body
		 FROM resources WHERE `+clause+` AND resource_type = ? AND deleted = 0 ORDER BY id`,
		append(args, resourceType)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
