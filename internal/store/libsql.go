// Package store mirrors the audit ledger and the credential registry into a
// libSQL database for offline forensics. The JSONL ledger stays the source
// of truth; the database is a queryable copy.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/pkg/schema"
)

const timeLayout = time.RFC3339Nano

// LibSQLStore is an export database backed by libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database. dbPath is a file URI such as
// "file:/var/lib/sealvault/audit.db"; a bare path is prefixed with "file:".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	if !strings.Contains(dbPath, ":") {
		dbPath = "file:" + dbPath
	}
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Ledger ---

// ExportLedger copies ledger entries keyed by sequence number. Running it
// again only inserts new entries; an already exported sequence whose raw
// line changed is reported in Diverged and left as first exported.
func (s *LibSQLStore) ExportLedger(ctx context.Context, entries []audit.Entry) (ExportResult, error) {
	var res ExportResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin export: %w", err)
	}
	defer tx.Rollback()

	exportedAt := s.now().Format(timeLayout)
	for _, e := range entries {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT raw FROM audit_records WHERE seq = ?`, e.Seq).Scan(&existing)
		switch {
		case err == nil:
			if bytes.Equal([]byte(existing), e.Raw) {
				res.Unchanged++
			} else {
				res.Diverged = append(res.Diverged, int64(e.Seq))
			}
			continue
		case err != sql.ErrNoRows:
			return res, fmt.Errorf("lookup seq %d: %w", e.Seq, err)
		}

		r := e.Record
		var success, errMsg any
		if r.Result != nil {
			success = boolInt(r.Result.Success)
			errMsg = nullStr(r.Result.Error)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_records (seq, timestamp, action, actor, credential, success, error, prev_hash, entry_hash, hash_version, raw, exported_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.Seq, r.Timestamp.UTC().Format(timeLayout), r.Action, r.Actor, r.Credential,
			success, errMsg, nullStr(r.PrevHash), nullStr(r.EntryHash), nullInt(r.HashVersion),
			string(e.Raw), exportedAt,
		)
		if err != nil {
			return res, fmt.Errorf("insert seq %d: %w", e.Seq, err)
		}
		res.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit export: %w", err)
	}
	return res, nil
}

// ListAudit returns exported records in sequence order, newest last.
func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditRow, error) {
	var where []string
	var args []any

	if filter.Credential != "" {
		where = append(where, "credential = ?")
		args = append(args, filter.Credential)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}

	query := "SELECT seq, timestamp, action, actor, credential, success, error, prev_hash, entry_hash, hash_version, raw FROM audit_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditRow
	for rows.Next() {
		r := &AuditRow{}
		var (
			ts                        string
			success, hashVersion      sql.NullInt64
			errMsg, prevHash, entHash sql.NullString
		)
		if err := rows.Scan(&r.Seq, &ts, &r.Action, &r.Actor, &r.Credential,
			&success, &errMsg, &prevHash, &entHash, &hashVersion, &r.Raw); err != nil {
			return nil, err
		}
		if r.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp of seq %d: %w", r.Seq, err)
		}
		if success.Valid {
			ok := success.Int64 == 1
			r.Success = &ok
		}
		r.Error = errMsg.String
		r.PrevHash = prevHash.String
		r.EntryHash = entHash.String
		r.HashVersion = int(hashVersion.Int64)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse so callers see append order while LIMIT keeps the newest.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SequenceGaps returns sequence numbers missing between 1 and the highest
// exported one.
func (s *LibSQLStore) SequenceGaps(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM audit_records ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []int64
	expected := int64(1)
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		for ; expected < seq; expected++ {
			gaps = append(gaps, expected)
		}
		expected = seq + 1
	}
	return gaps, rows.Err()
}

// --- Registry ---

// ExportRegistry replaces the credentials snapshot with vf's entries.
func (s *LibSQLStore) ExportRegistry(ctx context.Context, vf *metadata.VaultFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	snapshotAt := s.now().Format(timeLayout)
	for _, c := range vf.Credentials {
		tags, err := jsonList(c.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags of %s: %w", c.Name, err)
		}
		services, err := jsonList(c.Services)
		if err != nil {
			return fmt.Errorf("marshal services of %s: %w", c.Name, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO credentials (name, description, created_at, rotated_at, encryption_key, tags, services, rotation_schedule, snapshot_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Name, nullStr(c.Description), nullTime(c.CreatedAt), nullTime(c.RotatedAt),
			nullStr(c.EncryptionKey), tags, services, nullStr(c.RotationSchedule), snapshotAt,
		)
		if err != nil {
			return fmt.Errorf("insert credential %s: %w", c.Name, err)
		}
	}
	return tx.Commit()
}

// GetCredential returns one snapshot row.
func (s *LibSQLStore) GetCredential(ctx context.Context, name string) (*CredentialRow, error) {
	rows, err := s.queryCredentials(ctx, ` WHERE name = ?`, name)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, storeNotFound("credential", name)
	}
	return rows[0], nil
}

// ListCredentials returns the snapshot sorted by name.
func (s *LibSQLStore) ListCredentials(ctx context.Context) ([]*CredentialRow, error) {
	return s.queryCredentials(ctx, "")
}

func (s *LibSQLStore) queryCredentials(ctx context.Context, where string, args ...any) ([]*CredentialRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, description, created_at, rotated_at, encryption_key, tags, services, rotation_schedule, snapshot_at
		 FROM credentials`+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*CredentialRow
	for rows.Next() {
		c := &CredentialRow{}
		var (
			desc, created, rotated, key, sched sql.NullString
			tags, services, snapshot           string
		)
		if err := rows.Scan(&c.Name, &desc, &created, &rotated, &key, &tags, &services, &sched, &snapshot); err != nil {
			return nil, err
		}
		c.Description = desc.String
		c.EncryptionKey = key.String
		c.RotationSchedule = sched.String
		if c.CreatedAt, err = parseNullTime(created); err != nil {
			return nil, err
		}
		if c.RotatedAt, err = parseNullTime(rotated); err != nil {
			return nil, err
		}
		if c.SnapshotAt, err = time.Parse(timeLayout, snapshot); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags of %s: %w", c.Name, err)
		}
		if err := json.Unmarshal([]byte(services), &c.Services); err != nil {
			return nil, fmt.Errorf("unmarshal services of %s: %w", c.Name, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found in export", resource, id)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	b, err := json.Marshal(values)
	return string(b), err
}
