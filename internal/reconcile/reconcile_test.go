package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/internal/config"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockReconcileStore struct {
	mu          sync.Mutex
	extractions map[uuid.UUID]*models.OCRExtraction
	results     map[uuid.UUID]*models.ParsedResult
	order       []uuid.UUID
	roster      []*models.Student
	imports     int
	createErr   error
}

func newMockReconcileStore(roster ...*models.Student) *mockReconcileStore {
	return &mockReconcileStore{
		extractions: make(map[uuid.UUID]*models.OCRExtraction),
		results:     make(map[uuid.UUID]*models.ParsedResult),
		roster:      roster,
	}
}

func (m *mockReconcileStore) CreateOCRExtraction(_ context.Context, ext *models.OCRExtraction, results []*models.ParsedResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return false, m.createErr
	}
	if _, ok := m.extractions[ext.JobID]; ok {
		return false, nil
	}
	cp := *ext
	cp.ResultsExtracted = len(results)
	m.extractions[ext.JobID] = &cp
	for _, r := range results {
		rc := *r
		m.results[r.ID] = &rc
		m.order = append(m.order, r.ID)
	}
	return true, nil
}

func (m *mockReconcileStore) GetOCRExtraction(_ context.Context, tenantID, jobID uuid.UUID) (*models.OCRExtraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.extractions[jobID]
	if !ok || e.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockReconcileStore) ListParsedResults(_ context.Context, tenantID, ocrJobID uuid.UUID) ([]*models.ParsedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.ParsedResult{}
	for _, id := range m.order {
		r := m.results[id]
		if r.TenantID == tenantID && r.OCRJobID == ocrJobID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LineNo < out[j].LineNo })
	return out, nil
}

func (m *mockReconcileStore) GetParsedResult(_ context.Context, tenantID, id uuid.UUID) (*models.ParsedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok || r.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockReconcileStore) UpdateParsedResultMatch(_ context.Context, tenantID, id uuid.UUID, studentID *uuid.UUID, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok || r.TenantID != tenantID {
		return store.ErrNotFound
	}
	if r.IsImported {
		return store.ErrAlreadyImported
	}
	r.MatchedStudentID = studentID
	r.ConfidenceScore = confidence
	return nil
}

func (m *mockReconcileStore) ImportParsedResult(_ context.Context, tenantID, id uuid.UUID, _ time.Time) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[id]
	if !ok || r.TenantID != tenantID {
		return uuid.Nil, store.ErrNotFound
	}
	if r.IsImported {
		return *r.ImportedResultID, store.ErrAlreadyImported
	}
	if r.MatchedStudentID == nil {
		return uuid.Nil, store.ErrUnmatched
	}
	examResult := uuid.New()
	r.IsImported = true
	r.ImportedResultID = &examResult
	m.extractions[r.OCRJobID].ResultsImported++
	m.imports++
	return examResult, nil
}

func (m *mockReconcileStore) CountImportedResults(_ context.Context, _ uuid.UUID, ocrJobID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.results {
		if r.OCRJobID == ocrJobID && r.IsImported {
			n++
		}
	}
	return n, nil
}

func (m *mockReconcileStore) ListCandidateStudents(_ context.Context, _ uuid.UUID, _ uuid.UUID) ([]*models.Student, error) {
	return m.roster, nil
}

func (m *mockReconcileStore) CreateStudent(_ context.Context, s *models.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roster = append(m.roster, s)
	return nil
}

func (m *mockReconcileStore) AddExamEnrollment(context.Context, uuid.UUID, uuid.UUID, uuid.UUID) error {
	return nil
}

type mockJobs struct {
	jobs map[uuid.UUID]*models.JobExecution
}

func (m *mockJobs) GetJob(_ context.Context, id, tenantID uuid.UUID) (*models.JobExecution, error) {
	j, ok := m.jobs[id]
	if !ok || j.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return j, nil
}

// --- fixtures ---

func student(roll, name string) *models.Student {
	return &models.Student{ID: uuid.New(), RollNumber: roll, FullName: name}
}

func completedOCRJob(t *testing.T, records ...models.ExtractedRecord) *models.JobExecution {
	t.Helper()
	raw, err := json.Marshal(models.OCROutput{Provider: "mock", Records: records})
	require.NoError(t, err)
	return &models.JobExecution{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		JobType:  models.JobTypeOCRExtract,
		Status:   models.JobStatusCompleted,
		Spec:     models.OCRSpec{ExamID: uuid.New(), ImagePath: "gs://b/o.png", ExamType: "unit_test"},
		Result:   raw,
	}
}

func rec(ident string, got, total float64) models.ExtractedRecord {
	return models.ExtractedRecord{StudentIdentifier: ident, MarksObtained: got, TotalMarks: total}
}

func newTestReconciler(ms *mockReconcileStore, job *models.JobExecution, autoImport float64) *Reconciler {
	jobs := &mockJobs{jobs: map[uuid.UUID]*models.JobExecution{}}
	if job != nil {
		jobs.jobs[job.ID] = job
	}
	return NewReconciler(ms, jobs, config.ReconcileConfig{AutoImportConfidence: autoImport})
}

// --- Materialize ---

func TestMaterialize_MatchesAndIsIdempotent(t *testing.T) {
	asha := student("12", "Asha Rao")
	ms := newMockReconcileStore(asha, student("13", "Vikram"))
	job := completedOCRJob(t, rec("12", 45, 50), rec("Nobody Known", 10, 50), rec("asha rao", 40, 50))
	r := newTestReconciler(ms, job, 0)
	ctx := context.Background()

	res, err := r.Materialize(ctx, job)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 3, res.Extraction.ResultsExtracted)
	assert.Equal(t, 0, res.Extraction.ResultsImported)

	list, err := r.ListParsedResults(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, asha.ID, *list[0].MatchedStudentID)
	assert.Equal(t, ConfidenceRoll, list[0].ConfidenceScore)
	assert.Equal(t, 90.0, list[0].Percentage)
	assert.Nil(t, list[1].MatchedStudentID)
	assert.Equal(t, ConfidenceName, list[2].ConfidenceScore)

	again, err := r.Materialize(ctx, job)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Len(t, ms.results, 3, "second materialize must not add rows")
}

func TestMaterialize_NumbersLinesInRecordOrder(t *testing.T) {
	ms := newMockReconcileStore()
	job := completedOCRJob(t, rec("zed", 1, 2), rec("amy", 1, 2), rec("mo", 1, 2))
	r := newTestReconciler(ms, job, 0)

	_, err := r.Materialize(context.Background(), job)
	require.NoError(t, err)

	list, err := r.ListParsedResults(context.Background(), job.TenantID, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, want := range []string{"zed", "amy", "mo"} {
		assert.Equal(t, i+1, list[i].LineNo)
		assert.Equal(t, want, list[i].StudentIdentifier)
	}
}

func TestMaterialize_LogsOncePerExtraction(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ms := newMockReconcileStore(student("12", "Asha Rao"))
	job := completedOCRJob(t, rec("12", 45, 50), rec("nobody", 1, 50))
	r := newTestReconciler(ms, job, 0.95)

	_, err := r.Materialize(context.Background(), job)
	require.NoError(t, err)
	_, err = r.Materialize(context.Background(), job)
	require.NoError(t, err)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"msg":"ocr results materialized"`))
	assert.Contains(t, out, `"auto_imported":1`)
}

func TestMaterialize_Rejections(t *testing.T) {
	ms := newMockReconcileStore()
	r := newTestReconciler(ms, nil, 0)

	running := completedOCRJob(t)
	running.Status = models.JobStatusRunning
	_, err := r.Materialize(context.Background(), running)
	assert.ErrorIs(t, err, ErrJobNotCompleted)

	lesson := &models.JobExecution{JobType: models.JobTypeLessonPlan, Status: models.JobStatusCompleted, Spec: models.LessonPlanSpec{}}
	_, err = r.Materialize(context.Background(), lesson)
	assert.ErrorIs(t, err, ErrNotOCRJob)

	_, err = r.MaterializeJob(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMaterialize_AutoImportAboveThreshold(t *testing.T) {
	ms := newMockReconcileStore(student("12", "Asha Rao"), student("13", "Vikram Shah"))
	job := completedOCRJob(t, rec("12", 45, 50), rec("vikram shah", 30, 50))
	r := newTestReconciler(ms, job, 0.95)

	res, err := r.Materialize(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoImported, "only the roll-number match clears 0.95")
	assert.Equal(t, 1, res.Extraction.ResultsImported)
}

// --- Import ---

func TestImport_ExactlyOnce(t *testing.T) {
	ms := newMockReconcileStore(student("12", "Asha Rao"))
	job := completedOCRJob(t, rec("12", 45, 50))
	r := newTestReconciler(ms, job, 0)
	ctx := context.Background()

	_, err := r.Materialize(ctx, job)
	require.NoError(t, err)
	pr := ms.results[ms.order[0]]

	first, err := r.Import(ctx, job.TenantID, pr.ID)
	require.NoError(t, err)
	assert.False(t, first.AlreadyImported)

	second, err := r.Import(ctx, job.TenantID, pr.ID)
	require.NoError(t, err)
	assert.True(t, second.AlreadyImported)
	assert.Equal(t, first.ResultID, second.ResultID)
	assert.Equal(t, 1, ms.imports)
}

func TestImport_ConcurrentCallsCreateOneRecord(t *testing.T) {
	ms := newMockReconcileStore(student("12", "Asha Rao"))
	job := completedOCRJob(t, rec("12", 45, 50))
	r := newTestReconciler(ms, job, 0)
	_, err := r.Materialize(context.Background(), job)
	require.NoError(t, err)
	id := ms.order[0]

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.Import(context.Background(), job.TenantID, id)
			if err == nil && !out.AlreadyImported {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	audit, err := r.Verify(context.Background(), job.TenantID, job.ID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
	assert.Equal(t, 1, audit.Counter)
}

func TestImport_UnmatchedAndMissing(t *testing.T) {
	ms := newMockReconcileStore()
	job := completedOCRJob(t, rec("ghost", 1, 10))
	r := newTestReconciler(ms, job, 0)
	_, err := r.Materialize(context.Background(), job)
	require.NoError(t, err)

	_, err = r.Import(context.Background(), job.TenantID, ms.order[0])
	assert.ErrorIs(t, err, ErrNotMatched)

	_, err = r.Import(context.Background(), job.TenantID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- AssignStudent ---

func TestAssignStudent_ThenImport(t *testing.T) {
	vikram := student("13", "Vikram")
	ms := newMockReconcileStore(vikram)
	job := completedOCRJob(t, rec("V1kram", 30, 50))
	r := newTestReconciler(ms, job, 0)
	ctx := context.Background()
	_, err := r.Materialize(ctx, job)
	require.NoError(t, err)
	id := ms.order[0]

	_, err = r.AssignStudent(ctx, job.TenantID, id, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownStudent)

	pr, err := r.AssignStudent(ctx, job.TenantID, id, vikram.ID)
	require.NoError(t, err)
	assert.Equal(t, vikram.ID, *pr.MatchedStudentID)

	_, err = r.Import(ctx, job.TenantID, id)
	require.NoError(t, err)

	_, err = r.AssignStudent(ctx, job.TenantID, id, vikram.ID)
	assert.ErrorIs(t, err, ErrAlreadyImported)
}

// --- Verify ---

func TestVerify_DetectsDrift(t *testing.T) {
	ms := newMockReconcileStore(student("1", "A"), student("2", "B"))
	job := completedOCRJob(t, rec("1", 5, 10), rec("2", 6, 10))
	r := newTestReconciler(ms, job, 0)
	_, err := r.Materialize(context.Background(), job)
	require.NoError(t, err)
	_, err = r.Import(context.Background(), job.TenantID, ms.order[0])
	require.NoError(t, err)

	ms.extractions[job.ID].ResultsImported = 2

	audit, err := r.Verify(context.Background(), job.TenantID, job.ID)
	require.NoError(t, err)
	assert.False(t, audit.Consistent)
	assert.Equal(t, 2, audit.Counter)
	assert.Equal(t, 1, audit.Actual)
}

func TestMaterialize_StoreErrorWrapped(t *testing.T) {
	ms := newMockReconcileStore()
	ms.createErr = errors.New("disk full")
	job := completedOCRJob(t, rec("x", 1, 2))

	_, err := newTestReconciler(ms, job, 0).Materialize(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create ocr extraction")
}

func TestVerify_PartialImportIsConsistent(t *testing.T) {
	var (
		roster  []*models.Student
		records []models.ExtractedRecord
	)
	for i := 1; i <= 10; i++ {
		roll := fmt.Sprintf("R%02d", i)
		roster = append(roster, student(roll, "Student "+roll))
		records = append(records, rec(roll, float64(i), 10))
	}
	ms := newMockReconcileStore(roster...)
	job := completedOCRJob(t, records...)
	r := newTestReconciler(ms, job, 0)
	ctx := context.Background()

	res, err := r.Materialize(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Extraction.ResultsExtracted)
	assert.Equal(t, 10, res.Matched)

	list, err := r.ListParsedResults(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	require.Len(t, list, 10)
	for _, pr := range list[:3] {
		_, err := r.Import(ctx, job.TenantID, pr.ID)
		require.NoError(t, err)
	}

	audit, err := r.Verify(ctx, job.TenantID, job.ID)
	require.NoError(t, err)
	assert.True(t, audit.Consistent)
	assert.Equal(t, 3, audit.Counter)
	assert.Equal(t, 3, audit.Actual)
}
