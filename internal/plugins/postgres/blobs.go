package postgres

import (
	"context"
	"database/sql"
	"strings"
)

// BlobStore keeps uploaded bytes in the blobs table and resolves URLs
// against a public base URL that must serve them.
type BlobStore struct {
	db      *sql.DB
	baseURL string
}

func NewBlobStore(db *sql.DB, baseURL string) *BlobStore {
	return &BlobStore{db: db, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (b *BlobStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	_, err := b.db.ExecContext(ctx, `
        INSERT INTO blobs (key, data)
        VALUES ($1, $2)
        ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data`,
		key, data,
	)
	if err != nil {
		return "", err
	}
	return b.baseURL + "/" + key, nil
}
