package main

import (
	"context"
	"testing"

	"github.com/google/uuid"
	aimock "github.com/kiranshivaraju/tutorledger/internal/ai/mock"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	ocrmock "github.com/kiranshivaraju/tutorledger/internal/ocr/mock"
	"github.com/kiranshivaraju/tutorledger/internal/reconcile"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRegistry_CoversEveryJobType(t *testing.T) {
	reg, err := buildRegistry(aimock.NewMockProvider(`{}`), ocrmock.NewProvider())
	require.NoError(t, err)

	assert.Equal(t, models.JobTypes, reg.Types())
	for _, jt := range models.JobTypes {
		_, ok := reg.Get(jt)
		assert.True(t, ok, "no adapter for %s", jt)
	}
}

func TestNewOCRProvider(t *testing.T) {
	p, closer, err := newOCRProvider(context.Background(), config.OCRConfig{Provider: "mock"})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
	assert.NoError(t, closer.Close())

	_, _, err = newOCRProvider(context.Background(), config.OCRConfig{Provider: "tesseract"})
	assert.Error(t, err)
}

func TestMaterializeHook_PropagatesError(t *testing.T) {
	// A job the reconciler rejects surfaces as a hook error for the worker to log.
	hook := materializeHook(reconcile.NewReconciler(nil, nil, config.ReconcileConfig{}))
	job := &models.JobExecution{ID: uuid.New(), JobType: models.JobTypeLessonPlan, Status: models.JobStatusCompleted}

	err := hook(context.Background(), job)
	assert.ErrorIs(t, err, reconcile.ErrNotOCRJob)
}

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "AI_PROVIDER"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
