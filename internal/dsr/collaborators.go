package dsr

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, len(fields))
		for i, f := range fields {
			m[f.Name] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// NopCipher satisfies the PII cipher contract for deployments that store
// subject fields in plaintext. Platforms with field-level encryption
// supply their own implementation.
type NopCipher struct{}

func (NopCipher) DecryptObject(_ context.Context, obj map[string]any, _ string, _ []string) (map[string]any, error) {
	return obj, nil
}

// FileBlobStore writes export artifacts under the region's storage
// endpoint, interpreted as a local directory. Expiry is recorded in a
// sidecar consumed by whatever reaps the directory.
type FileBlobStore struct{}

func (FileBlobStore) Put(_ context.Context, endpoint, path string, data []byte, ttl time.Duration) (string, error) {
	full := filepath.Join(endpoint, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", errors.Wrap(err, "create export dir")
	}
	if err := os.WriteFile(full, data, 0o640); err != nil {
		return "", errors.Wrap(err, "write export")
	}
	expiry := []byte(time.Now().UTC().Add(ttl).Format(time.RFC3339) + "\n")
	if err := os.WriteFile(full+".expires", expiry, 0o640); err != nil {
		return "", errors.Wrap(err, "write expiry sidecar")
	}
	return "file://" + full, nil
}
