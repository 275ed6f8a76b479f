package store

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"clearbook/internal/records/models"
	txcontext "clearbook/pkg/platform/tx"
	"clearbook/pkg/platform/sentinel"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// PostgresStore persists records, signatures and the audit log in PostgreSQL.
// Writes issued inside RunInTx share one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed record store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate records schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// RunInTx runs fn in a transaction carried by ctx. A nested call joins the
// outer transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txcontext.From(ctx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, r models.Record) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO records (record_type, id, fields, record_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(r.Type), r.ID, fields, r.RecordHash, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, r models.Record) error {
	fields, err := json.Marshal(r.Fields)
	if err != nil {
		return fmt.Errorf("marshal record fields: %w", err)
	}
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE records SET fields = $3, record_hash = $4, updated_at = $5
		WHERE record_type = $1 AND id = $2
	`, string(r.Type), r.ID, fields, r.RecordHash, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindRecord(ctx context.Context, recordType models.RecordType, id string) (*models.Record, error) {
	var (
		r      = models.Record{Type: recordType, ID: id}
		fields []byte
	)
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT fields, record_hash, created_at, updated_at
		FROM records WHERE record_type = $1 AND id = $2
	`, string(recordType), id).Scan(&fields, &r.RecordHash, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find record: %w", err)
	}
	r.Fields, err = decodeFields(fields)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) SaveSignature(ctx context.Context, sig models.Signature) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO signatures (id, record_type, record_id, signature, public_key, algorithm,
			signer_name, signer_role, signer_email, signed_at, record_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sig.ID, string(sig.RecordType), sig.RecordID, sig.Signature, sig.PublicKey, sig.Algorithm,
		sig.Signer.Name, sig.Signer.Role, sig.Signer.Email, sig.Signer.SignedAt, sig.RecordHash)
	if err != nil {
		return fmt.Errorf("save signature: %w", err)
	}
	return nil
}

const signatureColumns = `id, record_type, record_id, signature, public_key, algorithm,
	signer_name, signer_role, signer_email, signed_at, record_hash`

func (s *PostgresStore) ListByRecord(ctx context.Context, recordType models.RecordType, id string) ([]models.Signature, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+signatureColumns+` FROM signatures
		WHERE record_type = $1 AND record_id = $2
		ORDER BY signed_at, id
	`, string(recordType), id)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	sigs := []models.Signature{}
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	return sigs, nil
}

// ListByRecords fetches the signatures of many records of one type in a
// single query, keyed by record id.
func (s *PostgresStore) ListByRecords(ctx context.Context, recordType models.RecordType, ids []string) (map[string][]models.Signature, error) {
	out := make(map[string][]models.Signature, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+signatureColumns+` FROM signatures
		WHERE record_type = $1 AND record_id = ANY($2)
		ORDER BY signed_at, id
	`, string(recordType), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list signatures for records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out[sig.RecordID] = append(out[sig.RecordID], sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signatures for records: %w", err)
	}
	return out, nil
}

func scanSignature(rows *sql.Rows) (models.Signature, error) {
	var (
		sig        models.Signature
		recordType string
	)
	err := rows.Scan(&sig.ID, &recordType, &sig.RecordID, &sig.Signature, &sig.PublicKey, &sig.Algorithm,
		&sig.Signer.Name, &sig.Signer.Role, &sig.Signer.Email, &sig.Signer.SignedAt, &sig.RecordHash)
	if err != nil {
		return models.Signature{}, fmt.Errorf("scan signature: %w", err)
	}
	sig.RecordType = models.RecordType(recordType)
	return sig, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, entry models.AuditEntry) error {
	oldValues, err := encodeNullableFields(entry.OldValues)
	if err != nil {
		return err
	}
	newValues, err := encodeNullableFields(entry.NewValues)
	if err != nil {
		return err
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO audit_log (id, table_name, record_id, action, old_values, new_values, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.Table, entry.RecordID, string(entry.Action), oldValues, newValues, entry.Actor, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns a record's audit entries most recent first.
func (s *PostgresStore) ListAudit(ctx context.Context, table, recordID string) ([]models.AuditEntry, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT id, action, old_values, new_values, actor, created_at
		FROM audit_log WHERE table_name = $1 AND record_id = $2
		ORDER BY created_at DESC
	`, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var (
			e                    = models.AuditEntry{Table: table, RecordID: recordID}
			action               string
			oldValues, newValues []byte
		)
		if err := rows.Scan(&e.ID, &action, &oldValues, &newValues, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		if e.OldValues, err = decodeFields(oldValues); err != nil {
			return nil, err
		}
		if e.NewValues, err = decodeFields(newValues); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}

func encodeNullableFields(f models.Fields) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal audit values: %w", err)
	}
	return b, nil
}

// decodeFields keeps numbers as json.Number so amounts are not rounded
// through float64 before canonicalization.
func decodeFields(raw []byte) (models.Fields, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var f models.Fields
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("unmarshal record fields: %w", err)
	}
	return f, nil
}
