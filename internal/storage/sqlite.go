package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"alertbot/internal/alert"
	"alertbot/internal/upstream"
	logx "alertbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AlertsForTenant returns definitions in the order they were stored.
func (s *sqliteStore) AlertsForTenant(ctx context.Context, tenantID string) ([]alert.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM alerts WHERE tenant_id = ? ORDER BY position`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", alert.ErrCatalogUnavailable, err)
	}
	defer rows.Close()

	var defs []alert.Definition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: %w", alert.ErrCatalogUnavailable, err)
		}
		var d alert.Definition
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			s.log.Warn("skipping undecodable alert definition", logx.Tenant(tenantID), logx.Err(err))
			continue
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", alert.ErrCatalogUnavailable, err)
	}
	return defs, nil
}

func (s *sqliteStore) PutAlerts(ctx context.Context, tenantID string, defs []alert.Definition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE tenant_id = ?`, tenantID); err != nil {
		return err
	}
	for i, d := range defs {
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alerts(tenant_id, position, id, type, enabled, definition) VALUES(?,?,?,?,?,?)`,
			tenantID, i, d.ID, d.Type, d.Enabled, string(raw),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Credentials(ctx context.Context, tenantID string) (upstream.Credentials, bool, error) {
	var (
		c       upstream.Credentials
		refresh sql.NullString
		expires sql.NullInt64
		extra   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, extra FROM credentials WHERE tenant_id = ?`, tenantID,
	).Scan(&c.AccessToken, &refresh, &expires, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return upstream.Credentials{}, false, nil
	}
	if err != nil {
		return upstream.Credentials{}, false, err
	}
	c.RefreshToken = refresh.String
	if expires.Valid {
		c.ExpiresAt = time.UnixMilli(expires.Int64)
	}
	if extra.Valid && extra.String != "" {
		if err := json.Unmarshal([]byte(extra.String), &c.Extra); err != nil {
			return upstream.Credentials{}, false, fmt.Errorf("credentials extra: %w", err)
		}
	}
	return c, true, nil
}

func (s *sqliteStore) SaveCredentials(ctx context.Context, tenantID string, c upstream.Credentials) error {
	var expires any
	if !c.ExpiresAt.IsZero() {
		expires = c.ExpiresAt.UnixMilli()
	}
	var extra any
	if len(c.Extra) > 0 {
		b, err := json.Marshal(c.Extra)
		if err != nil {
			return err
		}
		extra = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(tenant_id, access_token, refresh_token, expires_at, extra, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   access_token=excluded.access_token, refresh_token=excluded.refresh_token,
		   expires_at=excluded.expires_at, extra=excluded.extra, updated_at=excluded.updated_at`,
		tenantID, c.AccessToken, nullStr(c.RefreshToken), expires, extra, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM credentials UNION SELECT tenant_id FROM alerts ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tenant_id, actor, action, outcome, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.TenantID, nullStr(e.Actor), e.Action,
		nullStr(e.Outcome), nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
