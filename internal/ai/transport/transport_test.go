package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/tutorledger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Value string `json:"value"`
}

func TestPostJSON_SendsHeadersAndDecodes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/things", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Key"))

		var in echo
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		json.NewEncoder(w).Encode(echo{Value: in.Value + "!"})
	}))
	defer ts.Close()

	c := New(ts.URL+"/", map[string]string{"X-Key": "secret"}, 5*time.Second)

	var out echo
	require.NoError(t, c.PostJSON(context.Background(), "/v1/things", echo{Value: "hi"}, &out))
	assert.Equal(t, "hi!", out.Value)
}

func TestPostJSON_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusBadGateway, models.ErrProviderUnavailable},
		{"rate limited", http.StatusTooManyRequests, models.ErrProviderUnavailable},
		{"bad request", http.StatusBadRequest, models.ErrInvalidResponse},
		{"unauthorized", http.StatusUnauthorized, models.ErrInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer ts.Close()

			var out echo
			err := New(ts.URL, nil, 5*time.Second).PostJSON(context.Background(), "/", echo{}, &out)
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestPostJSON_MalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer ts.Close()

	var out echo
	err := New(ts.URL, nil, 5*time.Second).PostJSON(context.Background(), "/", echo{}, &out)
	assert.ErrorIs(t, err, models.ErrInvalidResponse)
}

func TestPostJSON_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := ts.URL
	ts.Close()

	var out echo
	err := New(url, nil, 5*time.Second).PostJSON(context.Background(), "/", echo{}, &out)
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}

func TestPostJSON_ContextDeadline(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out echo
	err := New(ts.URL, nil, 0).PostJSON(ctx, "/", echo{}, &out)
	assert.ErrorIs(t, err, models.ErrInferenceTimeout)
}

func TestClassifyError_PlainError(t *testing.T) {
	err := ClassifyError(errors.New("connection reset by peer"))
	assert.ErrorIs(t, err, models.ErrProviderUnavailable)
}
