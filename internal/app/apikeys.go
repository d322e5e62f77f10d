package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"intentline/internal/apperr"
	"intentline/internal/domain"
	"intentline/internal/repo"
)

const apiKeyPrefix = "il_"

// CreateAPIKey mints a key bound to tenantID. The returned secret is shown
// once; only its hash is persisted.
func (rt *Runtime) CreateAPIKey(ctx context.Context, tenantID, name string) (domain.APIKey, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.APIKey{}, "", apperr.New(apperr.CodeMissingContext, "tenant_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: domain.FormatTime(time.Now()),
	}
	r := repo.Repo{DB: rt.DB}
	if err := r.InsertAPIKey(ctx, rt.DB, key); err != nil {
		return domain.APIKey{}, "", err
	}
	rt.logger.Info("api key created", "id", key.ID, "tenant_id", tenantID)
	return key, secret, nil
}

func (rt *Runtime) ListAPIKeys(ctx context.Context, tenantID string) ([]domain.APIKey, error) {
	r := repo.Repo{DB: rt.DB}
	return r.ListAPIKeys(ctx, rt.DB, tenantID)
}

func (rt *Runtime) RevokeAPIKey(ctx context.Context, id string) error {
	r := repo.Repo{DB: rt.DB}
	err := r.DeleteAPIKey(ctx, rt.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound("api key", id)
	}
	if err != nil {
		return err
	}
	rt.logger.Info("api key revoked", "id", id)
	return nil
}
