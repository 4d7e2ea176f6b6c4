package memory

import (
	"context"
	"slices"
	"strconv"

	"github.com/DAMEDIC/fhir-store-go/capabilities/history"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
)

// Search evaluates the whole query in memory: every condition, sort,
// accurate totals and offset-based pagination. Includes are resolved by the
// router, not here.
func (s *Store) Search(ctx context.Context, tc tenant.Context, q search.Query) (search.Result, error) {
	if err := requireTenant(tc, tenant.PermissionSearch); err != nil {
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

	s.mu.RLock()
	candidates := s.currentOfType(tc, q.ResourceType)
	snapshot := make([]model.Resource, len(candidates))
	for i, r := range candidates {
		snapshot[i] = r.Clone()
	}
	s.mu.RUnlock()

	evaluator := s.evaluator(tc)
	matched := make([]model.Resource, 0, len(snapshot))
	for _, r := range snapshot {
		ok, err := evaluator.Matches(ctx, r, q)
		if err != nil {
			return search.Result{}, err
		}
		if ok {
			matched = append(matched, r)
		}
	}

	search.SortResources(matched, q.Sort, evaluator.Caps)

	result := search.Result{Applied: q.Keys(), Ignored: q.Ignored}
	if q.Total {
		total := len(matched)
		result.Total = &total
	}

	page := matched
	if offset > len(page) {
		offset = len(page)
	}
	page = page[offset:]
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

func (s *Store) InstanceHistory(ctx context.Context, tc tenant.Context, resourceType, id string, params history.Params) (history.Result, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return history.Result{}, err
	}

	s.mu.RLock()
	lineage := s.visibleLineage(tc, resourceType, id)
	entries := make([]model.Resource, 0, len(lineage))
	for _, version := range lineage {
		entries = append(entries, version.Clone())
	}
	s.mu.RUnlock()

	if len(entries) == 0 {
		return history.Result{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	return s.historyPage(entries, params, "history/"+resourceType+"/"+id)
}

func (s *Store) TypeHistory(ctx context.Context, tc tenant.Context, resourceType string, params history.Params) (history.Result, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return history.Result{}, err
	}
	return s.historyPage(s.collectHistory(tc, resourceType), params, "history/"+resourceType)
}

func (s *Store) SystemHistory(ctx context.Context, tc tenant.Context, params history.Params) (history.Result, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return history.Result{}, err
	}
	return s.historyPage(s.collectHistory(tc, ""), params, "history")
}

// collectHistory gathers every visible version, optionally restricted to
// one resource type.
func (s *Store) collectHistory(tc tenant.Context, resourceType string) []model.Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.Resource
	collect := func(tenantID string) {
		for typeName, ids := range s.lineages[tenantID] {
			if resourceType != "" && typeName != resourceType {
				continue
			}
			for _, lineage := range ids {
				for _, version := range lineage {
					entries = append(entries, version.Clone())
				}
			}
		}
	}
	collect(tc.ID())
	if !tc.IsSystem() && tc.SharedAccess() {
		collect("")
	}
	return entries
}

// historyPage filters, orders reverse chronologically and pages a version
// list. The shape string ties cursors to the history scope they came from.
func (s *Store) historyPage(entries []model.Resource, params history.Params, shape string) (history.Result, error) {
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

	filtered := entries[:0:0]
	for _, version := range entries {
		if !params.Since.IsZero() && version.LastUpdated.Before(params.Since) {
			continue
		}
		if !params.At.IsZero() && version.LastUpdated.After(params.At) {
			continue
		}
		filtered = append(filtered, version)
	}

	slices.SortFunc(filtered, func(a, b model.Resource) int {
		if c := b.LastUpdated.Compare(a.LastUpdated); c != 0 {
			return c
		}
		return model.CompareVersions(b.VersionID, a.VersionID)
	})

	result := history.Result{}
	total := len(filtered)
	result.Total = &total

	if offset > len(filtered) {
		offset = len(filtered)
	}
	page := filtered[offset:]
	if params.Count > 0 && len(page) > params.Count {
		page = page[:params.Count]
		next := strconv.Itoa(offset + params.Count)
		result.Next = search.EncodeCursor(s.Name(), shape, []byte(next))
	}
	result.Entries = page
	return result, nil
}
