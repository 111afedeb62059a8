package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// PostgresBackend stores entries in the service_configs table:
//
//	CREATE TABLE service_configs (
//	  service         TEXT NOT NULL,
//	  brand           TEXT NOT NULL DEFAULT '',
//	  tenant_id       TEXT NOT NULL DEFAULT '',
//	  key             TEXT NOT NULL,
//	  value           JSONB NOT NULL,
//	  sensitive_paths TEXT[] NOT NULL DEFAULT '{}',
//	  description     TEXT NOT NULL DEFAULT '',
//	  version         BIGINT NOT NULL,
//	  updated_by      TEXT NOT NULL DEFAULT '',
//	  created_at      TIMESTAMPTZ NOT NULL,
//	  updated_at      TIMESTAMPTZ NOT NULL,
//	  UNIQUE (service, key, brand, tenant_id)
//	)
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (b *PostgresBackend) Find(ctx context.Context, service, brand, tenantID, key string) (Entry, bool, error) {
	const q = `
SELECT service, brand, tenant_id, key, value, sensitive_paths, description, version, updated_by, created_at, updated_at
FROM service_configs
WHERE service = $1 AND brand = $2 AND tenant_id = $3 AND key = $4
`
	var e Entry
	var raw []byte
	var paths string
	err := b.db.QueryRowContext(ctx, q, service, brand, tenantID, key).Scan(
		&e.Service, &e.Brand, &e.TenantID, &e.Key, &raw, &paths,
		&e.Description, &e.Version, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if err := json.Unmarshal(raw, &e.Value); err != nil {
		return Entry{}, false, err
	}
	e.SensitivePaths = decodeTextArray(paths)
	return e, true, nil
}

func (b *PostgresBackend) List(ctx context.Context, service string) ([]Entry, error) {
	const q = `
SELECT service, brand, tenant_id, key, value, sensitive_paths, description, version, updated_by, created_at, updated_at
FROM service_configs
WHERE service = $1
ORDER BY key, brand, tenant_id
`
	rows, err := b.db.QueryContext(ctx, q, service)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var raw []byte
		var paths string
		if err := rows.Scan(&e.Service, &e.Brand, &e.TenantID, &e.Key, &raw, &paths,
			&e.Description, &e.Version, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &e.Value); err != nil {
			return nil, err
		}
		e.SensitivePaths = decodeTextArray(paths)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Upsert(ctx context.Context, e Entry, expectedVersion int64) (Entry, error) {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return Entry{}, err
	}
	paths := encodeTextArray(e.SensitivePaths)

	if expectedVersion == 0 {
		const ins = `
INSERT INTO service_configs (service, brand, tenant_id, key, value, sensitive_paths, description, version, updated_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5::jsonb,$6::text[],$7,$8,$9,$10,$11)
ON CONFLICT (service, key, brand, tenant_id) DO NOTHING
`
		res, err := b.db.ExecContext(ctx, ins, e.Service, e.Brand, e.TenantID, e.Key,
			string(raw), paths, e.Description, e.Version, e.UpdatedBy, e.CreatedAt, e.UpdatedAt)
		if err != nil {
			return Entry{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return Entry{}, errs.E(errs.Conflict, "config entry already exists", "key", e.Key)
		}
		return e, nil
	}

	const upd = `
UPDATE service_configs
SET value = $5::jsonb, sensitive_paths = $6::text[], description = $7,
    version = $8, updated_by = $9, updated_at = $10
WHERE service = $1 AND brand = $2 AND tenant_id = $3 AND key = $4 AND version = $11
`
	res, err := b.db.ExecContext(ctx, upd, e.Service, e.Brand, e.TenantID, e.Key,
		string(raw), paths, e.Description, e.Version, e.UpdatedBy, e.UpdatedAt, expectedVersion)
	if err != nil {
		return Entry{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, errs.E(errs.TransientConflict, "config entry version changed", "key", e.Key)
	}
	return e, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, service, brand, tenantID, key string) error {
	const q = `
DELETE FROM service_configs
WHERE service = $1 AND brand = $2 AND tenant_id = $3 AND key = $4
`
	_, err := b.db.ExecContext(ctx, q, service, brand, tenantID, key)
	return err
}

func encodeTextArray(paths []string) string {
	if len(paths) == 0 {
		return "{}"
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = `"` + strings.ReplaceAll(p, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}

func decodeTextArray(raw string) []string {
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, `"`)
		if p != "" {
			out = append(out, strings.ReplaceAll(p, `\"`, `"`))
		}
	}
	return out
}
