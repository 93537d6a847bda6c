package archive

import (
	"context"
	"strings"
)

// NewStore picks an archive backend from the database URL: postgres for
// postgres:// URLs, sqlite for sqlite: or plain file paths, in-memory
// when unset.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgresStore(ctx, url)
	default:
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite:"))
	}
}
