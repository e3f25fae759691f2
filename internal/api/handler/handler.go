// Package handler holds the HTTP handlers of the job API. Each constructor
// takes the narrow interface it needs and returns an http.HandlerFunc.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tutorledger/internal/api/middleware"
	"github.com/kiranshivaraju/tutorledger/internal/api/response"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v. An empty body leaves v untouched
// when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

func requireTenant(w http.ResponseWriter, r *http.Request) (*models.Tenant, bool) {
	tenant, ok := mw.GetTenant(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return nil, false
	}
	return tenant, true
}

// uuidParam parses a chi path parameter, answering 400 with code on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, code, "Invalid "+name+" format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// jobKeyParam returns the {jobKey} segment; callers escape slashes as %2F.
func jobKeyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "jobKey"))
	if err != nil || key == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_JOB_KEY", "Invalid job key", nil)
		return "", false
	}
	return key, true
}
