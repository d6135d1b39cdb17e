// Package sqlite provides the SQLite-backed storage adapter.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // database/sql driver

	"github.com/polisai/fleetpolicy/pkg/domain"
	"github.com/polisai/fleetpolicy/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS admin_policies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    admin_type INTEGER NOT NULL,
    package_name TEXT NOT NULL,
    class_name TEXT NOT NULL,
    ent_name TEXT,
    ent_desc TEXT,
    permissions TEXT,
    subscribe_events TEXT,
    UNIQUE (user_id, package_name)
);
CREATE TABLE IF NOT EXISTS device_policies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    policy_name TEXT NOT NULL,
    admin_name TEXT NOT NULL,
    policy_value TEXT NOT NULL,
    UNIQUE (user_id, policy_name, admin_name)
);
`

// Store persists administrator and policy rows in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the SQLite store at path and applies the
// schema idempotently.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// UpsertAdmin inserts or fully replaces the administrator's row.
func (s *Store) UpsertAdmin(ctx context.Context, admin *domain.Admin) error {
	permissions, err := json.Marshal(admin.Permissions)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}
	events, err := json.Marshal(admin.Events)
	if err != nil {
		return fmt.Errorf("encode subscribe events: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO admin_policies (user_id, admin_type, package_name, class_name, ent_name, ent_desc, permissions, subscribe_events)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, package_name) DO UPDATE SET
    admin_type = excluded.admin_type,
    class_name = excluded.class_name,
    ent_name = excluded.ent_name,
    ent_desc = excluded.ent_desc,
    permissions = excluded.permissions,
    subscribe_events = excluded.subscribe_events`,
		admin.Scope, int32(admin.Type), admin.Identity.BundleName, admin.Identity.ClassName,
		admin.EntInfo.Name, admin.EntInfo.Description, string(permissions), string(events))
	if err != nil {
		return fmt.Errorf("upsert admin %s: %w", admin.Identity.BundleName, err)
	}
	return nil
}

// DeleteAdmin removes the administrator's row.
func (s *Store) DeleteAdmin(ctx context.Context, scope int32, bundleName string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM admin_policies WHERE user_id = ? AND package_name = ?`, scope, bundleName)
	if err != nil {
		return fmt.Errorf("delete admin %s: %w", bundleName, err)
	}
	return requireRows(res)
}

// UpdateEntInfo rewrites only the enterprise-info columns.
func (s *Store) UpdateEntInfo(ctx context.Context, scope int32, bundleName string, info domain.EntInfo) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE admin_policies SET ent_name = ?, ent_desc = ? WHERE user_id = ? AND package_name = ?`,
		info.Name, info.Description, scope, bundleName)
	if err != nil {
		return fmt.Errorf("update ent info for %s: %w", bundleName, err)
	}
	return requireRows(res)
}

// UpdateEvents rewrites only the subscribed-events column.
func (s *Store) UpdateEvents(ctx context.Context, scope int32, bundleName string, events []domain.ManagedEvent) error {
	encoded, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode subscribe events: %w", err)
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE admin_policies SET subscribe_events = ? WHERE user_id = ? AND package_name = ?`,
		string(encoded), scope, bundleName)
	if err != nil {
		return fmt.Errorf("update events for %s: %w", bundleName, err)
	}
	return requireRows(res)
}

// QueryAllAdmins scans every administrator row grouped by scope. A row
// whose serialized list columns do not parse fails the whole scan: stored
// corruption is surfaced, never silently dropped.
func (s *Store) QueryAllAdmins(ctx context.Context) (map[int32][]*domain.Admin, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id, admin_type, package_name, class_name, ent_name, ent_desc, permissions, subscribe_events
FROM admin_policies`)
	if err != nil {
		return nil, fmt.Errorf("query admins: %w", err)
	}
	defer rows.Close()

	out := make(map[int32][]*domain.Admin)
	for rows.Next() {
		var (
			scope                   int32
			adminType               int32
			bundle, class           string
			entName, entDesc        sql.NullString
			permissions, subscribed sql.NullString
		)
		if err := rows.Scan(&scope, &adminType, &bundle, &class, &entName, &entDesc, &permissions, &subscribed); err != nil {
			return nil, fmt.Errorf("scan admin row: %w", err)
		}
		admin := &domain.Admin{
			Identity: domain.Identity{BundleName: bundle, ClassName: class},
			Type:     domain.AdminType(adminType),
			EntInfo:  domain.EntInfo{Name: entName.String, Description: entDesc.String},
			Scope:    scope,
		}
		if permissions.Valid && permissions.String != "" {
			if err := json.Unmarshal([]byte(permissions.String), &admin.Permissions); err != nil {
				return nil, fmt.Errorf("admin_policies row (%d, %s): corrupt permissions column: %w", scope, bundle, err)
			}
		}
		if subscribed.Valid && subscribed.String != "" {
			if err := json.Unmarshal([]byte(subscribed.String), &admin.Events); err != nil {
				return nil, fmt.Errorf("admin_policies row (%d, %s): corrupt subscribe_events column: %w", scope, bundle, err)
			}
		}
		out[scope] = append(out[scope], admin)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin rows: %w", err)
	}
	return out, nil
}

// UpsertPolicyValue inserts or replaces one policy value row.
func (s *Store) UpsertPolicyValue(ctx context.Context, scope int32, policyName, adminName, value string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO device_policies (user_id, policy_name, admin_name, policy_value)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, policy_name, admin_name) DO UPDATE SET policy_value = excluded.policy_value`,
		scope, policyName, adminName, value)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", policyName, err)
	}
	return nil
}

// DeletePolicyValue removes one policy value row.
func (s *Store) DeletePolicyValue(ctx context.Context, scope int32, policyName, adminName string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM device_policies WHERE user_id = ? AND policy_name = ? AND admin_name = ?`,
		scope, policyName, adminName)
	if err != nil {
		return fmt.Errorf("delete policy value %s: %w", policyName, err)
	}
	return requireRows(res)
}

// DeletePolicy removes every row of the policy in the scope.
func (s *Store) DeletePolicy(ctx context.Context, scope int32, policyName string) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM device_policies WHERE user_id = ? AND policy_name = ?`, scope, policyName)
	if err != nil {
		return fmt.Errorf("delete policy %s: %w", policyName, err)
	}
	return requireRows(res)
}

// QueryAllPolicies scans every policy row grouped scope → policy → admin.
func (s *Store) QueryAllPolicies(ctx context.Context) (map[int32]map[string]map[string]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, policy_name, admin_name, policy_value FROM device_policies`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	out := make(map[int32]map[string]map[string]string)
	for rows.Next() {
		var (
			scope             int32
			name, admin, value string
		)
		if err := rows.Scan(&scope, &name, &admin, &value); err != nil {
			return nil, fmt.Errorf("scan policy row: %w", err)
		}
		scoped, ok := out[scope]
		if !ok {
			scoped = make(map[string]map[string]string)
			out[scope] = scoped
		}
		record, ok := scoped[name]
		if !ok {
			record = make(map[string]string)
			scoped[name] = record
		}
		record[admin] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy rows: %w", err)
	}
	return out, nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

var _ storage.Store = (*Store)(nil)
