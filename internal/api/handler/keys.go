package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/internal/api/response"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	rawKeyPrefix  = "tl_"
	keyPrefixLen  = 8
	keyRandomSize = 24
)

var allowedScopes = map[string]bool{"jobs": true, "ocr": true, "admin": true}

// KeyStore manages API keys of the calling tenant.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error
}

// GenerateRawKey returns a new raw API key, e.g. "tl_3f9a...".
func GenerateRawKey() (string, error) {
	buf := make([]byte, keyRandomSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return rawKeyPrefix + hex.EncodeToString(buf), nil
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears in this response only.
func NewCreateKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req struct {
			Name    string   `json:"name"`
			Scopes  []string `json:"scopes"`
			ActorID *string  `json:"actor_id"`
		}
		if !decodeBody(w, r, &req, false) {
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"jobs"}
		}
		for _, s := range req.Scopes {
			if !allowedScopes[s] {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown scope "+s, nil)
				return
			}
		}

		var actorID *uuid.UUID
		if req.ActorID != nil {
			id, err := uuid.Parse(*req.ActorID)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "actor_id must be a UUID", nil)
				return
			}
			actorID = &id
		}

		raw, err := GenerateRawKey()
		if err != nil {
			slog.Error("api key generation failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
		if err != nil {
			slog.Error("api key hashing failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			TenantID:  tenant.ID,
			ActorID:   actorID,
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: raw[:keyPrefixLen],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := ks.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "A key with this name already exists", nil)
				return
			}
			slog.Error("create api key failed", "tenant_id", tenant.ID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key", nil)
			return
		}

		slog.Info("api key created", "tenant_id", tenant.ID, "api_key_id", key.ID, "key_prefix", key.KeyPrefix)
		response.Created(w, struct {
			*models.APIKey
			Key string `json:"key"`
		}{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		keys, err := ks.ListAPIKeys(r.Context(), tenant.ID)
		if err != nil {
			slog.Error("list api keys failed", "tenant_id", tenant.ID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys", nil)
			return
		}
		response.Collection(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := requireTenant(w, r)
		if !ok {
			return
		}
		keyID, ok := uuidParam(w, r, "keyID", "INVALID_KEY_ID")
		if !ok {
			return
		}
		if err := ks.RevokeAPIKey(r.Context(), keyID, tenant.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found", nil)
				return
			}
			slog.Error("revoke api key failed", "tenant_id", tenant.ID, "api_key_id", keyID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key", nil)
			return
		}
		response.JSON(w, map[string]any{"id": keyID, "revoked": true})
	}
}
