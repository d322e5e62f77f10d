// Package blob stores materialization bytes outside the database.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

var ErrNotFound = errors.New("blob not found")

// Store persists bytes under a tenant-scoped key and returns a location URI
// that can later be passed to Get.
type Store interface {
	Put(ctx context.Context, tenantID, key string, content []byte, contentType string) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
}

// objectKey joins tenant and key, rejecting keys that escape the tenant prefix.
func objectKey(tenantID, key string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if tenantID == "" {
		return "", fmt.Errorf("tenant_id is required")
	}
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	if strings.Contains(tenantID, "/") || tenantID == "." || tenantID == ".." {
		return "", fmt.Errorf("invalid tenant_id %q", tenantID)
	}
	cleaned := path.Clean(key)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("key %q escapes tenant prefix", key)
	}
	return tenantID + "/" + cleaned, nil
}

// splitLocation parses scheme://rest.
func splitLocation(location string) (scheme, rest string, err error) {
	scheme, rest, ok := strings.Cut(location, "://")
	if !ok || scheme == "" || rest == "" {
		return "", "", fmt.Errorf("invalid blob location %q", location)
	}
	return scheme, rest, nil
}
