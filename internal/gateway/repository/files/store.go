package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store persists file bytes keyed by <category_id>/<filename>.
type Store interface {
	Put(ctx context.Context, categoryID, name string, content []byte) error
	Get(ctx context.Context, categoryID, name string) ([]byte, error)
	GetURL(ctx context.Context, categoryID, name string) (string, error)
	List(ctx context.Context, categoryID string) ([]string, error)
}

var ErrNotFound = errors.New("file not found")

// Key returns the object key for a file.
func Key(categoryID, name string) string {
	return strings.TrimSpace(categoryID) + "/" + strings.TrimLeft(strings.TrimSpace(name), "/")
}

func validate(categoryID, name string) (string, string, error) {
	categoryID = strings.TrimSpace(categoryID)
	name = strings.TrimSpace(name)
	if categoryID == "" {
		return "", "", fmt.Errorf("category_id is required")
	}
	if name == "" {
		return "", "", fmt.Errorf("file name is required")
	}
	return categoryID, name, nil
}
