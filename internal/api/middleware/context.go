package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

type contextKey string

const (
	tenantKey       contextKey = "tenant"
	actorIDKey      contextKey = "actor_id"
	keyPrefixKey    contextKey = "key_prefix"
	apiKeyScopesKey contextKey = "api_key_scopes"
	requestIDKey    contextKey = "request_id"
)

// SetTenant stores the authenticated tenant.
func SetTenant(ctx context.Context, t *models.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

func GetTenant(r *http.Request) (*models.Tenant, bool) {
	t, ok := r.Context().Value(tenantKey).(*models.Tenant)
	return t, ok && t != nil
}

// GetTenantID is shorthand for the id of GetTenant.
func GetTenantID(r *http.Request) (uuid.UUID, bool) {
	t, ok := GetTenant(r)
	if !ok {
		return uuid.Nil, false
	}
	return t.ID, true
}

func SetActorID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, actorIDKey, id)
}

// GetActorID returns the actor bound to the API key, if any.
func GetActorID(r *http.Request) *uuid.UUID {
	id, ok := r.Context().Value(actorIDKey).(uuid.UUID)
	if !ok {
		return nil
	}
	return &id
}

func setKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey, prefix)
}

func getKeyPrefix(r *http.Request) (string, bool) {
	prefix, ok := r.Context().Value(keyPrefixKey).(string)
	return prefix, ok
}

func setScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, apiKeyScopesKey, scopes)
}

func getScopes(r *http.Request) []string {
	scopes, _ := r.Context().Value(apiKeyScopesKey).([]string)
	return scopes
}

// GetRequestID returns the id assigned by RequestID, if that middleware ran.
func GetRequestID(r *http.Request) *string {
	id, ok := r.Context().Value(requestIDKey).(string)
	if !ok || id == "" {
		return nil
	}
	return &id
}
