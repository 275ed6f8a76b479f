package signing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"clearbook/pkg/platform/sentinel"
)

// PostgresKeyStore keeps the key pair in the signing_keys table.
type PostgresKeyStore struct {
	db   *sql.DB
	name string
}

// NewPostgresKeyStore constructs a key store for the named key.
func NewPostgresKeyStore(db *sql.DB, name string) *PostgresKeyStore {
	if name == "" {
		name = "portal"
	}
	return &PostgresKeyStore{db: db, name: name}
}

func (s *PostgresKeyStore) Load(ctx context.Context) (KeyMaterial, error) {
	var priv, pub string
	err := s.db.QueryRowContext(ctx,
		`SELECT private_pem, public_pem FROM signing_keys WHERE key_name = $1`, s.name,
	).Scan(&priv, &pub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return KeyMaterial{}, sentinel.ErrNotFound
		}
		return KeyMaterial{}, fmt.Errorf("load signing key: %w", err)
	}
	return KeyMaterial{PrivatePEM: []byte(priv), PublicPEM: []byte(pub)}, nil
}

// CreateIfAbsent relies on the primary key: the first insert wins and later
// inserts are ignored, then every caller reads back the stored row.
func (s *PostgresKeyStore) CreateIfAbsent(ctx context.Context, material KeyMaterial) (KeyMaterial, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_keys (key_name, private_pem, public_pem, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key_name) DO NOTHING
	`, s.name, string(material.PrivatePEM), string(material.PublicPEM))
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("insert signing key: %w", err)
	}
	return s.Load(ctx)
}
