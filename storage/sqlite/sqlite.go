// Package sqlite provides a durable storage backend on modernc.org/sqlite.
//
// It implements the full versioned store contract but only a narrow native
// search surface (_id and _lastUpdated). Richer search is expected to be
// served by another backend through the router.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/DAMEDIC/fhir-store-go/capabilities"
	"github.com/DAMEDIC/fhir-store-go/capabilities/search"
	"github.com/DAMEDIC/fhir-store-go/capabilities/update"
	"github.com/DAMEDIC/fhir-store-go/model"
	"github.com/DAMEDIC/fhir-store-go/outcome"
	"github.com/DAMEDIC/fhir-store-go/tenant"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var (
	_ capabilities.VersionProvider   = (*Store)(nil)
	_ capabilities.SearchCapable     = (*Store)(nil)
	_ capabilities.AtomicApplier     = (*Store)(nil)
	_ capabilities.BulkExportCapable = (*Store)(nil)
)

// Store persists versioned resources in a SQLite database.
type Store struct {
	db           *sql.DB
	updateCreate bool
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithUpdateCreate enables client-assigned ids on create and update.
func WithUpdateCreate() Option {
	return func(s *Store) { s.updateCreate = true }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (and if necessary creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	// WAL keeps readers and the single writer from blocking each other.
	// NORMAL synchronous is safe under WAL and avoids an fsync per commit.
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	tenant_id     TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	id            TEXT NOT NULL,
	version_id    INTEGER NOT NULL,
	last_updated  TEXT NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	body          TEXT,
	PRIMARY KEY (tenant_id, resource_type, id)
);

CREATE TABLE IF NOT EXISTS resource_history (
	tenant_id     TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	id            TEXT NOT NULL,
	version_id    INTEGER NOT NULL,
	last_updated  TEXT NOT NULL,
	deleted       INTEGER NOT NULL DEFAULT 0,
	body          TEXT,
	PRIMARY KEY (tenant_id, resource_type, id, version_id)
);

CREATE INDEX IF NOT EXISTS idx_history_updated
	ON resource_history (tenant_id, last_updated);
CREATE INDEX IF NOT EXISTS idx_resources_updated
	ON resources (tenant_id, resource_type, last_updated);
`

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Name() string {
	return "sqlite"
}

func (s *Store) Capabilities(ctx context.Context) (capabilities.Capabilities, error) {
	return capabilities.Capabilities{
		Interactions: []capabilities.Interaction{
			capabilities.InteractionRead,
			capabilities.InteractionVRead,
			capabilities.InteractionCreate,
			capabilities.InteractionUpdate,
			capabilities.InteractionDelete,
			capabilities.InteractionSearchType,
			capabilities.InteractionHistorySystem,
			capabilities.InteractionTransaction,
		},
		Search: search.Capabilities{
			Parameters: nativeParameters,
		},
		Isolation: []capabilities.IsolationLevel{
			capabilities.IsolationSerializable,
		},
		UpdateCreate: s.updateCreate,
		HistoryPurge: true,
		Paging:       capabilities.PagingRerun,
	}, nil
}

func requireTenant(tc tenant.Context, p tenant.Permission) error {
	if !tc.IsValid() {
		return &outcome.ValidationError{Detail: "operation without tenant context"}
	}
	if !tc.Allows(p) {
		return &outcome.ValidationError{Detail: fmt.Sprintf("tenant %s lacks %s permission", tc.ID(), p)}
	}
	return nil
}

// tenantClause returns a WHERE fragment matching every tenant the context
// may read, own tenant plus the system tenant under shared access.
func tenantClause(tc tenant.Context) (string, []any) {
	if !tc.IsSystem() && tc.SharedAccess() {
		return "tenant_id IN (?, '')", []any{tc.ID()}
	}
	return "tenant_id = ?", []any{tc.ID()}
}

func (s *Store) Create(ctx context.Context, tc tenant.Context, resource model.Resource) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return model.Resource{}, err
	}
	if resource.Type == "" {
		return model.Resource{}, &outcome.ValidationError{Detail: "resource without type"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Resource{}, err
	}
	defer tx.Rollback()

	if resource.ID == "" {
		resource.ID = uuid.NewString()
	} else {
		if !s.updateCreate {
			return model.Resource{}, &outcome.ValidationError{Detail: "client-assigned ids are not enabled"}
		}
		current, err := s.readCurrentTx(ctx, tx, tc.ID(), resource.Type, resource.ID)
		if err == nil && !current.Deleted {
			return model.Resource{}, &outcome.PreconditionError{
				Detail:  fmt.Sprintf("%s/%s already exists", resource.Type, resource.ID),
				Matches: 1,
			}
		}
		if err != nil && !outcome.IsNotFound(err) {
			return model.Resource{}, err
		}
	}

	written, err := s.writeVersionTx(ctx, tx, tc.ID(), resource, false)
	if err != nil {
		return model.Resource{}, err
	}
	return written, tx.Commit()
}

func (s *Store) Read(ctx context.Context, tc tenant.Context, resourceType, id string) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return model.Resource{}, err
	}

	clause, args := tenantClause(tc)
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, resource_type, id, version_id, last_updated, deleted, body
		 FROM resources WHERE `+clause+` AND resource_type = ? AND id = ?`,
		append(args, resourceType, id)...)
	r, err := scanResource(row)
	if err == sql.ErrNoRows {
		return model.Resource{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	return r, err
}

func (s *Store) Update(ctx context.Context, tc tenant.Context, resource model.Resource) (update.Result, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return update.Result{}, err
	}
	if resource.Type == "" || resource.ID == "" {
		return update.Result{}, &outcome.ValidationError{Detail: "update requires type and id"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return update.Result{}, err
	}
	defer tx.Rollback()

	created := false
	if _, err := s.readCurrentTx(ctx, tx, tc.ID(), resource.Type, resource.ID); err != nil {
		if !outcome.IsNotFound(err) {
			return update.Result{}, err
		}
		if !s.updateCreate {
			return update.Result{}, err
		}
		created = true
	}

	written, err := s.writeVersionTx(ctx, tx, tc.ID(), resource, false)
	if err != nil {
		return update.Result{}, err
	}
	return update.Result{Resource: written, Created: created}, tx.Commit()
}

func (s *Store) UpdateWithMatch(ctx context.Context, tc tenant.Context, resource model.Resource, expectedVersion string) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return model.Resource{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Resource{}, err
	}
	defer tx.Rollback()

	current, err := s.readCurrentTx(ctx, tx, tc.ID(), resource.Type, resource.ID)
	if err != nil {
		return model.Resource{}, err
	}
	if current.VersionID != expectedVersion {
		return model.Resource{}, &outcome.VersionConflictError{
			ResourceType: resource.Type,
			ID:           resource.ID,
			Expected:     expectedVersion,
			Actual:       current.VersionID,
		}
	}

	written, err := s.writeVersionTx(ctx, tx, tc.ID(), resource, false)
	if err != nil {
		return model.Resource{}, err
	}
	return written, tx.Commit()
}

func (s *Store) Delete(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	if err := requireTenant(tc, tenant.PermissionDelete); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := s.readCurrentTx(ctx, tx, tc.ID(), resourceType, id)
	if err != nil {
		return err
	}
	if current.Deleted {
		return nil
	}
	if _, err := s.writeVersionTx(ctx, tx, tc.ID(), model.Resource{Type: resourceType, ID: id}, true); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) VRead(ctx context.Context, tc tenant.Context, resourceType, id, versionID string) (model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return model.Resource{}, err
	}
	version, err := strconv.Atoi(versionID)
	if err != nil {
		return model.Resource{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id, VersionID: versionID}
	}

	clause, args := tenantClause(tc)
	row := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, resource_type, id, version_id, last_updated, deleted, body
		 FROM resource_history WHERE `+clause+` AND resource_type = ? AND id = ? AND version_id = ?`,
		append(args, resourceType, id, version)...)
	r, err := scanResource(row)
	if err == sql.ErrNoRows {
		return model.Resource{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id, VersionID: versionID}
	}
	return r, err
}

// Purge physically removes a resource's whole lineage.
func (s *Store) Purge(ctx context.Context, tc tenant.Context, resourceType, id string) error {
	if err := requireTenant(tc, tenant.PermissionDelete); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM resource_history WHERE tenant_id = ? AND resource_type = ? AND id = ?`,
		tc.ID(), resourceType, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM resources WHERE tenant_id = ? AND resource_type = ? AND id = ?`,
		tc.ID(), resourceType, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Export(ctx context.Context, tc tenant.Context, resourceTypes []string, since time.Time, yield func(model.Resource) error) error {
	if err := requireTenant(tc, tenant.PermissionRead); err != nil {
		return err
	}

	clause, args := tenantClause(tc)
	for _, resourceType := range resourceTypes {
		query := `SELECT tenant_id, resource_type, id, version_id, last_updated, deleted, body
			FROM resources WHERE ` + clause + ` AND resource_type = ? AND deleted = 0`
		typeArgs := append(append([]any{}, args...), resourceType)
		if !since.IsZero() {
			query += ` AND last_updated >= ?`
			typeArgs = append(typeArgs, since.UTC().Format(time.RFC3339Nano))
		}
		query += ` ORDER BY id`

		rows, err := s.db.QueryContext(ctx, query, typeArgs...)
		if err != nil {
			return err
		}
		for rows.Next() {
			r, err := scanResource(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if err := yield(r); err != nil {
				rows.Close()
				return err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}
	return nil
}

// ApplyAll runs all staged writes in a single database transaction.
func (s *Store) ApplyAll(ctx context.Context, tc tenant.Context, writes []capabilities.StagedWrite) ([]model.Resource, error) {
	if err := requireTenant(tc, tenant.PermissionWrite); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, w := range writes {
		if w.ExpectedVersion == "" {
			continue
		}
		actual := ""
		current, err := s.readCurrentTx(ctx, tx, tc.ID(), w.Resource.Type, w.Resource.ID)
		if err == nil {
			actual = current.VersionID
		} else if !outcome.IsNotFound(err) {
			return nil, err
		}
		if actual != w.ExpectedVersion {
			return nil, &outcome.VersionConflictError{
				ResourceType: w.Resource.Type,
				ID:           w.Resource.ID,
				Expected:     w.ExpectedVersion,
				Actual:       actual,
			}
		}
	}

	applied := make([]model.Resource, 0, len(writes))
	for _, w := range writes {
		if w.Delete {
			if _, err := s.readCurrentTx(ctx, tx, tc.ID(), w.Resource.Type, w.Resource.ID); err != nil {
				return nil, err
			}
			written, err := s.writeVersionTx(ctx, tx, tc.ID(), model.Resource{Type: w.Resource.Type, ID: w.Resource.ID}, true)
			if err != nil {
				return nil, err
			}
			applied = append(applied, written)
			continue
		}
		resource := w.Resource
		if resource.ID == "" {
			resource.ID = uuid.NewString()
		}
		written, err := s.writeVersionTx(ctx, tx, tc.ID(), resource, false)
		if err != nil {
			return nil, err
		}
		applied = append(applied, written)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return applied, nil
}

// readCurrentTx reads the current version of a resource within a
// transaction, own tenant only.
func (s *Store) readCurrentTx(ctx context.Context, tx *sql.Tx, tenantID, resourceType, id string) (model.Resource, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT tenant_id, resource_type, id, version_id, last_updated, deleted, body
		 FROM resources WHERE tenant_id = ? AND resource_type = ? AND id = ?`,
		tenantID, resourceType, id)
	r, err := scanResource(row)
	if err == sql.ErrNoRows {
		return model.Resource{}, &outcome.NotFoundError{ResourceType: resourceType, ID: id}
	}
	return r, err
}

// writeVersionTx appends the next version to the history table and upserts
// the current row.
func (s *Store) writeVersionTx(ctx context.Context, tx *sql.Tx, tenantID string, resource model.Resource, tombstone bool) (model.Resource, error) {
	var last sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(version_id) FROM resource_history
		 WHERE tenant_id = ? AND resource_type = ? AND id = ?`,
		tenantID, resource.Type, resource.ID).Scan(&last)
	if err != nil {
		return model.Resource{}, err
	}
	next := int64(1)
	if last.Valid {
		next = last.Int64 + 1
	}

	version := model.Resource{
		Type:        resource.Type,
		ID:          resource.ID,
		VersionID:   strconv.FormatInt(next, 10),
		LastUpdated: s.now().UTC(),
		TenantID:    tenantID,
		Deleted:     tombstone,
	}

	var body sql.NullString
	if !tombstone {
		version.Body = model.CloneBody(resource.Body)
		if version.Body == nil {
			version.Body = map[string]any{}
		}
		version.Body["resourceType"] = resource.Type
		version.Body["id"] = resource.ID
		meta, _ := version.Body["meta"].(map[string]any)
		if meta == nil {
			meta = map[string]any{}
		}
		meta["versionId"] = version.VersionID
		meta["lastUpdated"] = version.LastUpdated.Format(time.RFC3339)
		version.Body["meta"] = meta

		raw, err := json.Marshal(version.Body)
		if err != nil {
			return model.Resource{}, &outcome.ValidationError{Detail: fmt.Sprintf("resource body is not serializable: %v", err)}
		}
		body = sql.NullString{String: string(raw), Valid: true}
	}

	updated := version.LastUpdated.Format(time.RFC3339Nano)
	deleted := 0
	if tombstone {
		deleted = 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_history (tenant_id, resource_type, id, version_id, last_updated, deleted, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tenantID, resource.Type, resource.ID, next, updated, deleted, body); err != nil {
		return model.Resource{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resources (tenant_id, resource_type, id, version_id, last_updated, deleted, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, resource_type, id) DO UPDATE SET
			version_id = excluded.version_id,
			last_updated = excluded.last_updated,
			deleted = excluded.deleted,
			body = excluded.body`,
		tenantID, resource.Type, resource.ID, next, updated, deleted, body); err != nil {
		return model.Resource{}, err
	}
	return version, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(sc scanner) (model.Resource, error) {
	var r model.Resource
	var version int64
	var updated string
	var deleted int
	var body sql.NullString

	if err := sc.Scan(&r.TenantID, &r.Type, &r.ID, &version, &updated, &deleted, &body); err != nil {
		return model.Resource{}, err
	}
	r.VersionID = strconv.FormatInt(version, 10)
	r.Deleted = deleted != 0

	t, err := time.Parse(time.RFC3339Nano, updated)
	if err != nil {
		return model.Resource{}, fmt.Errorf("corrupt last_updated %q: %w", updated, err)
	}
	r.LastUpdated = t

	if body.Valid {
		if err := json.Unmarshal([]byte(body.String), &r.Body); err != nil {
			return model.Resource{}, fmt.Errorf("corrupt body of %s/%s: %w", r.Type, r.ID, err)
		}
	}
	return r, nil
}
