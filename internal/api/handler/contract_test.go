package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tutorledger/internal/api"
	"github.com/kiranshivaraju/tutorledger/internal/api/handler"
	mw "github.com/kiranshivaraju/tutorledger/internal/api/middleware"
	"github.com/kiranshivaraju/tutorledger/internal/cache"
	"github.com/kiranshivaraju/tutorledger/internal/ledger"
	"github.com/kiranshivaraju/tutorledger/internal/quota"
	"github.com/kiranshivaraju/tutorledger/internal/reconcile"
	"github.com/kiranshivaraju/tutorledger/internal/store"
	"github.com/kiranshivaraju/tutorledger/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	testTenant = &models.Tenant{
		ID:   uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"),
		Name: "Greenfield High",
		Tier: models.TierFree,
	}
	testRawKey   = "tl_test_contract_key_1234567890"
	testPrefix   = testRawKey[:8]
	testReadKey  = "tl_read_contract_key_0987654321"
	testOCRJobID = uuid.MustParse("dddddddd-dddd-dddd-dddd-dddddddddddd")
)

func hash(raw string) string {
	h, _ := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	return string(h)
}

// ─── mock store: auth and key management ─────────────────────────────────────

type mockStore struct {
	mu   sync.Mutex
	keys []*models.APIKey
}

func newMockStore() *mockStore {
	return &mockStore{keys: []*models.APIKey{
		{
			ID:        uuid.New(),
			TenantID:  testTenant.ID,
			Name:      "test-key",
			KeyHash:   hash(testRawKey),
			KeyPrefix: testPrefix,
			Scopes:    []string{"jobs", "ocr", "admin"},
		},
		{
			ID:        uuid.New(),
			TenantID:  testTenant.ID,
			Name:      "read-key",
			KeyHash:   hash(testReadKey),
			KeyPrefix: testReadKey[:8],
			Scopes:    []string{"jobs"},
		},
	}}
}

func (s *mockStore) Ping(_ context.Context) error { return nil }

func (s *mockStore) GetTenant(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	if id == testTenant.ID {
		return testTenant, nil
	}
	return nil, store.ErrNotFound
}

func (s *mockStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *mockStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.Name == key.Name && existing.TenantID == key.TenantID {
			return store.ErrDuplicateKey
		}
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *mockStore) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockStore) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range s.keys {
		if k.ID == id && k.TenantID == tenantID {
			s.keys = append(s.keys[:i], s.keys[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// ─── mock cache ──────────────────────────────────────────────────────────────

type mockCache struct {
	mu       sync.Mutex
	counters map[string]int64
	pingErr  error
}

func newMockCache() *mockCache {
	return &mockCache{counters: make(map[string]int64)}
}

func (c *mockCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *mockCache) Get(_ context.Context, _ string) ([]byte, bool, error)            { return nil, false, nil }
func (c *mockCache) Delete(_ context.Context, _ string) error                          { return nil }
func (c *mockCache) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}
func (c *mockCache) PutJobSnapshot(_ context.Context, _ uuid.UUID, _ cache.JobSnapshot, _ time.Duration) error {
	return nil
}
func (c *mockCache) GetJobSnapshot(_ context.Context, _ uuid.UUID) (*cache.JobSnapshot, bool, error) {
	return nil, false, nil
}
func (c *mockCache) GetJobSnapshotByKey(_ context.Context, _ uuid.UUID, _ string) (*cache.JobSnapshot, bool, error) {
	return nil, false, nil
}
func (c *mockCache) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

var _ cache.Cache = (*mockCache)(nil)

// ─── fake ledger ─────────────────────────────────────────────────────────────

// fakeLedger keeps the latest row per job key and enforces the active-key
// and request-quota rules the real ledger gets from Postgres.
type fakeLedger struct {
	mu          sync.Mutex
	latest      map[string]*models.JobExecution
	maxRequests int
	used        int
	lastReq     ledger.SubmitRequest
}

func newFakeLedger(maxRequests int) *fakeLedger {
	return &fakeLedger{latest: make(map[string]*models.JobExecution), maxRequests: maxRequests}
}

func (f *fakeLedger) Submit(_ context.Context, req ledger.SubmitRequest) (*models.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if err := req.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrInvalidJob, err)
	}
	key := req.JobKey
	if key == "" {
		key = "derived:" + string(req.Spec.JobType())
	}
	if cur, ok := f.latest[key]; ok && !cur.IsTerminal() {
		return cur, ledger.ErrDuplicateActiveJob
	}
	if f.used >= f.maxRequests {
		return nil, quota.ErrQuotaExceeded
	}
	f.used++
	job := &models.JobExecution{
		ID:          uuid.New(),
		TenantID:    req.Tenant.ID,
		JobKey:      key,
		JobType:     req.Spec.JobType(),
		Status:      models.JobStatusPending,
		MaxAttempts: 3,
		Spec:        req.Spec,
		QueuedAt:    time.Now(),
	}
	f.latest[key] = job
	return job, nil
}

func (f *fakeLedger) GetStatus(_ context.Context, tenantID uuid.UUID, jobKey string) (*models.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.latest[jobKey]
	if !ok || job.TenantID != tenantID {
		return nil, fmt.Errorf("get job status: %w", ledger.ErrNotFound)
	}
	return job, nil
}

func (f *fakeLedger) CachedStatus(ctx context.Context, tenantID uuid.UUID, jobKey string) (*cache.JobSnapshot, error) {
	job, err := f.GetStatus(ctx, tenantID, jobKey)
	if err != nil {
		return nil, err
	}
	return &cache.JobSnapshot{
		JobID: job.ID, JobKey: job.JobKey, JobType: string(job.JobType),
		Status: job.Status, Attempt: job.Attempt, MaxAttempts: job.MaxAttempts,
		ErrorMessage: job.ErrorMessage,
	}, nil
}

func (f *fakeLedger) Cancel(_ context.Context, tenantID uuid.UUID, jobKey, reason string) (*models.JobExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.latest[jobKey]
	if !ok || job.TenantID != tenantID {
		return nil, fmt.Errorf("cancel job: %w", ledger.ErrNotFound)
	}
	if job.Status != models.JobStatusPending {
		return nil, fmt.Errorf("cancel job: %w", ledger.ErrInvalidTransition)
	}
	msg := "cancelled: " + reason
	job.Status = models.JobStatusFailed
	job.ErrorMessage = &msg
	return job, nil
}

func (f *fakeLedger) snapshot() (ledger.SubmitRequest, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastReq, f.used
}

// set stores a row directly, e.g. one a worker already finished.
func (f *fakeLedger) set(job *models.JobExecution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[job.JobKey] = job
}

// ─── fake quota ──────────────────────────────────────────────────────────────

type fakeQuota struct {
	mu    sync.Mutex
	usage *models.QuotaPeriod
	asked quota.Period
}

func (q *fakeQuota) lastAsked() quota.Period {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.asked
}

func (q *fakeQuota) CurrentPeriod(_ *models.Tenant, _ time.Time) quota.Period {
	return quota.Period{Year: 2026, Month: 10}
}

func (q *fakeQuota) Usage(_ context.Context, _ *models.Tenant, p quota.Period) (*models.QuotaPeriod, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.asked = p
	cp := *q.usage
	cp.Year, cp.Month = p.Year, p.Month
	return &cp, nil
}

// ─── fake reconciler ─────────────────────────────────────────────────────────

type fakeReconciler struct {
	mu           sync.Mutex
	materialized bool
	results      map[uuid.UUID]*models.ParsedResult
	roster       map[uuid.UUID]bool
}

func newFakeReconciler() *fakeReconciler {
	studentID := uuid.New()
	matched := &models.ParsedResult{
		ID: uuid.New(), TenantID: testTenant.ID, OCRJobID: testOCRJobID,
		StudentIdentifier: "12 Asha Rao", MatchedStudentID: &studentID,
		TotalMarks: 50, MarksObtained: 42, Percentage: 84, ConfidenceScore: 0.95,
	}
	unmatched := &models.ParsedResult{
		ID: uuid.New(), TenantID: testTenant.ID, OCRJobID: testOCRJobID,
		StudentIdentifier: "Unknown Kid", TotalMarks: 50, MarksObtained: 30, Percentage: 60,
	}
	return &fakeReconciler{
		results: map[uuid.UUID]*models.ParsedResult{matched.ID: matched, unmatched.ID: unmatched},
		roster:  map[uuid.UUID]bool{studentID: true},
	}
}

func (f *fakeReconciler) byMatch(matched bool) *models.ParsedResult {
	for _, pr := range f.results {
		if (pr.MatchedStudentID != nil) == matched {
			return pr
		}
	}
	return nil
}

func (f *fakeReconciler) MaterializeJob(_ context.Context, _ uuid.UUID, jobID uuid.UUID) (*reconcile.MaterializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID != testOCRJobID {
		return nil, reconcile.ErrNotFound
	}
	created := !f.materialized
	f.materialized = true
	return &reconcile.MaterializeResult{
		Extraction: &models.OCRExtraction{JobID: jobID, TenantID: testTenant.ID, ResultsExtracted: len(f.results)},
		Created:    created,
		Matched:    1,
	}, nil
}

func (f *fakeReconciler) ListParsedResults(_ context.Context, _ uuid.UUID, jobID uuid.UUID) ([]*models.ParsedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if jobID != testOCRJobID {
		return nil, fmt.Errorf("list parsed results: %w", reconcile.ErrNotFound)
	}
	var out []*models.ParsedResult
	for _, pr := range f.results {
		out = append(out, pr)
	}
	return out, nil
}

func (f *fakeReconciler) AssignStudent(_ context.Context, _ uuid.UUID, id, studentID uuid.UUID) (*models.ParsedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.results[id]
	if !ok {
		return nil, reconcile.ErrNotFound
	}
	if pr.IsImported {
		return nil, reconcile.ErrAlreadyImported
	}
	if !f.roster[studentID] {
		return nil, reconcile.ErrUnknownStudent
	}
	pr.MatchedStudentID = &studentID
	pr.ConfidenceScore = reconcile.ConfidenceRoll
	return pr, nil
}

func (f *fakeReconciler) Import(_ context.Context, _ uuid.UUID, id uuid.UUID) (reconcile.ImportOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.results[id]
	if !ok {
		return reconcile.ImportOutcome{}, reconcile.ErrNotFound
	}
	if pr.MatchedStudentID == nil {
		return reconcile.ImportOutcome{}, reconcile.ErrNotMatched
	}
	if pr.IsImported {
		return reconcile.ImportOutcome{ResultID: *pr.ImportedResultID, AlreadyImported: true}, nil
	}
	resultID := uuid.New()
	pr.IsImported = true
	pr.ImportedResultID = &resultID
	return reconcile.ImportOutcome{ResultID: resultID}, nil
}

func (f *fakeReconciler) Verify(_ context.Context, _ uuid.UUID, jobID uuid.UUID) (reconcile.Audit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, pr := range f.results {
		if pr.IsImported {
			n++
		}
	}
	return reconcile.Audit{JobID: jobID, Counter: n, Actual: n, Consistent: true}, nil
}

// ─── test harness ────────────────────────────────────────────────────────────

type testServer struct {
	server *httptest.Server
	store  *mockStore
	cache  *mockCache
	jobs   *fakeLedger
	quota  *fakeQuota
	rec    *fakeReconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ms := newMockStore()
	mc := newMockCache()
	jobs := newFakeLedger(5)
	q := &fakeQuota{usage: &models.QuotaPeriod{TenantID: testTenant.ID, MaxRequests: 5, MaxTokens: 1000, RequestsUsed: 2, TokensUsed: 1200}}
	rec := newFakeReconciler()

	deps := api.Dependencies{
		Auth:      mw.NewAuth(ms),
		RateLimit: mw.NewRateLimit(mc, 20),

		HealthHandler: handler.NewHealthHandler(ms, mc),

		SubmitJob: handler.NewSubmitJobHandler(jobs),
		GetJob:    handler.NewGetJobHandler(jobs),
		JobStatus: handler.NewJobStatusHandler(jobs),
		CancelJob: handler.NewCancelJobHandler(jobs),

		Quota: handler.NewQuotaHandler(q),

		ListParsedResults: handler.NewListParsedResultsHandler(rec),
		ReconcileOCR:      handler.NewReconcileHandler(rec),
		AssignStudent:     handler.NewAssignStudentHandler(rec),
		ImportResult:      handler.NewImportResultHandler(rec),
		VerifyImports:     handler.NewVerifyImportsHandler(rec),

		CreateKeyHandler: handler.NewCreateKeyHandler(ms),
		ListKeysHandler:  handler.NewListKeysHandler(ms),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(ms),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: ms, cache: mc, jobs: jobs, quota: q, rec: rec}
}

func (ts *testServer) request(method, path, rawKey string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.server.URL+path, &buf)
	if rawKey != "" {
		req.Header.Set("Authorization", "Bearer "+rawKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	return resp
}

func (ts *testServer) do(method, path string, body any) *http.Response {
	return ts.request(method, path, testRawKey, body)
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	return parseBody(t, resp)["error"].(map[string]any)["code"].(string)
}

func lessonPlanBody(key string) map[string]any {
	return map[string]any{
		"job_type": "lesson_plan_gen",
		"job_key":  key,
		"spec": map[string]any{
			"teacher_id": uuid.NewString(),
			"class_id":   uuid.NewString(),
			"subject_id": uuid.NewString(),
		},
	}
}

// ─── GET /api/v1/health ──────────────────────────────────────────────────────

func TestHealth_200_AllOK(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request("GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestHealth_503_CacheDown(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.mu.Lock()
	ts.cache.pingErr = fmt.Errorf("connection refused")
	ts.cache.mu.Unlock()

	resp := ts.request("GET", "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	errObj := parseBody(t, resp)["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	assert.Equal(t, "degraded", errObj["details"].(map[string]any)["cache"])
}

// ─── POST /api/v1/jobs ───────────────────────────────────────────────────────

func TestSubmitJob_202_Pending(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("POST", "/api/v1/jobs", lessonPlanBody("lesson:t1:c1:s1:2026-10"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, "lesson:t1:c1:s1:2026-10", data["job_key"])
	assert.Equal(t, "lesson_plan_gen", data["job_type"])
	assert.Equal(t, float64(0), data["attempt"])

	last, _ := ts.jobs.snapshot()
	require.NotNil(t, last.RequestID, "request id must be recorded on the job")
	assert.Equal(t, testTenant.ID, last.Tenant.ID)
}

func TestSubmitJob_409_DuplicateActive_ReturnsExisting(t *testing.T) {
	ts := newTestServer(t)

	first := parseBody(t, ts.do("POST", "/api/v1/jobs", lessonPlanBody("lesson:dup")))["data"].(map[string]any)

	resp := ts.do("POST", "/api/v1/jobs", lessonPlanBody("lesson:dup"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Equal(t, "DUPLICATE_ACTIVE_JOB", body["error"].(map[string]any)["code"])
	assert.Equal(t, first["id"], body["data"].(map[string]any)["id"])
	_, used := ts.jobs.snapshot()
	assert.Equal(t, 1, used, "duplicate must not consume quota")
}

func TestSubmitJob_ResubmitAfterTerminal_Accepted(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusAccepted, ts.do("POST", "/api/v1/jobs", lessonPlanBody("lesson:again")).StatusCode)
	require.Equal(t, http.StatusOK, ts.do("POST", "/api/v1/jobs/lesson:again/cancel", nil).StatusCode)

	resp := ts.do("POST", "/api/v1/jobs", lessonPlanBody("lesson:again"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestSubmitJob_429_QuotaExceeded(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 5; i++ {
		resp := ts.do("POST", "/api/v1/jobs", lessonPlanBody(fmt.Sprintf("lesson:%d", i)))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}

	resp := ts.do("POST", "/api/v1/jobs", lessonPlanBody("lesson:6"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "QUOTA_EXCEEDED", errCode(t, resp))
}

func TestSubmitJob_400_Validation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		code string
	}{
		{"unknown job type", map[string]any{"job_type": "poetry", "spec": map[string]any{}}, "INVALID_JOB_TYPE"},
		{"malformed spec", map[string]any{"job_type": "ocr_extract", "spec": "not-an-object"}, "INVALID_SPEC"},
		{"missing spec fields", map[string]any{"job_type": "ocr_extract", "spec": map[string]any{"exam_id": uuid.NewString()}}, "INVALID_REQUEST"},
		{"bad count", map[string]any{"job_type": "question_gen", "spec": map[string]any{
			"topic_id": uuid.NewString(), "difficulty": "medium", "question_type": "mcq", "count": 0,
		}}, "INVALID_REQUEST"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do("POST", "/api/v1/jobs", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, errCode(t, resp))
		})
	}
}

func TestSubmitJob_400_InvalidJSON(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest("POST", ts.server.URL+"/api/v1/jobs", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_REQUEST", errCode(t, resp))
}

func TestSubmitJob_401_MissingToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request("POST", "/api/v1/jobs", "", lessonPlanBody("x"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", errCode(t, resp))
}

// ─── GET /api/v1/jobs/{jobKey} and /status ──────────────────────────────────

func TestGetJob_200_CompletedWithOutput(t *testing.T) {
	ts := newTestServer(t)
	done := time.Now()
	ts.jobs.set(&models.JobExecution{
		ID: uuid.New(), TenantID: testTenant.ID, JobKey: "insight:x",
		JobType: models.JobTypeInsight, Status: models.JobStatusCompleted,
		Attempt: 1, MaxAttempts: 3, TokensUsed: 321,
		Result: json.RawMessage(`{"headline":"Attendance is up"}`), CompletedAt: &done,
	})

	resp := ts.do("GET", "/api/v1/jobs/insight:x", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, float64(1), data["attempt"])
	assert.Equal(t, float64(321), data["tokens_used"])
	assert.Equal(t, "Attendance is up", data["output"].(map[string]any)["headline"])
}

func TestGetJob_200_FailedWithError(t *testing.T) {
	ts := newTestServer(t)
	msg := "adapter timed out after 3m0s"
	ts.jobs.set(&models.JobExecution{
		ID: uuid.New(), TenantID: testTenant.ID, JobKey: "qgen:abc",
		JobType: models.JobTypeQuestionGen, Status: models.JobStatusFailed,
		Attempt: 3, MaxAttempts: 3, ErrorMessage: &msg,
	})

	resp := ts.do("GET", "/api/v1/jobs/qgen:abc/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, msg, data["error_message"])
}

func TestGetJob_EscapedSlashInKey(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.set(&models.JobExecution{
		ID: uuid.New(), TenantID: testTenant.ID, JobKey: "import/2026/term1",
		Status: models.JobStatusPending,
	})

	resp := ts.do("GET", "/api/v1/jobs/import%2F2026%2Fterm1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "import/2026/term1", data["job_key"])
}

func TestGetJob_404_Unknown(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("GET", "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(t, resp))
}

// ─── POST /api/v1/jobs/{jobKey}/cancel ──────────────────────────────────────

func TestCancelJob_200_Pending(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusAccepted, ts.do("POST", "/api/v1/jobs", lessonPlanBody("lesson:c")).StatusCode)

	resp := ts.do("POST", "/api/v1/jobs/lesson:c/cancel", map[string]string{"reason": "teacher left"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "failed", data["status"])
	assert.Equal(t, "cancelled: teacher left", data["error_message"])
}

func TestCancelJob_409_Running(t *testing.T) {
	ts := newTestServer(t)
	ts.jobs.set(&models.JobExecution{
		ID: uuid.New(), TenantID: testTenant.ID, JobKey: "lesson:r", Status: models.JobStatusRunning,
	})

	resp := ts.do("POST", "/api/v1/jobs/lesson:r/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", errCode(t, resp))
}

// ─── GET /api/v1/quota ──────────────────────────────────────────────────────

func TestQuota_200_CurrentPeriod(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("GET", "/api/v1/quota", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, "2026-10", data["period"])
	assert.Equal(t, float64(3), data["requests_remaining"])
	assert.Equal(t, float64(0), data["tokens_remaining"], "overshoot reports zero remaining")
}

func TestQuota_ExplicitPeriod(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("GET", "/api/v1/quota?year=2026&month=2", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, quota.Period{Year: 2026, Month: 2}, ts.quota.lastAsked())

	resp = ts.do("GET", "/api/v1/quota?year=2026&month=13", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_PERIOD", errCode(t, resp))
}

// ─── OCR reconciliation ─────────────────────────────────────────────────────

func TestReconcile_201_ThenIdempotent200(t *testing.T) {
	ts := newTestServer(t)
	path := "/api/v1/ocr/" + testOCRJobID.String() + "/reconcile"

	resp := ts.do("POST", path, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, parseBody(t, resp)["data"].(map[string]any)["created"])

	resp = ts.do("POST", path, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, parseBody(t, resp)["data"].(map[string]any)["created"])
}

func TestReconcile_400_BadJobID(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("POST", "/api/v1/ocr/not-a-uuid/reconcile", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_JOB_ID", errCode(t, resp))
}

func TestListParsedResults_200(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("GET", "/api/v1/ocr/"+testOCRJobID.String()+"/results", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	assert.Len(t, body["data"].([]any), 2)
	assert.Equal(t, float64(2), body["meta"].(map[string]any)["total"])

	resp = ts.do("GET", "/api/v1/ocr/"+uuid.NewString()+"/results", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestImportResult_201_ThenAlreadyImported(t *testing.T) {
	ts := newTestServer(t)
	pr := ts.rec.byMatch(true)
	path := "/api/v1/ocr/results/" + pr.ID.String() + "/import"

	resp := ts.do("POST", path, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	first := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, false, first["already_imported"])

	resp = ts.do("POST", path, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	second := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, true, second["already_imported"])
	assert.Equal(t, first["imported_result_id"], second["imported_result_id"])

	resp = ts.do("GET", "/api/v1/ocr/"+testOCRJobID.String()+"/verify", nil)
	audit := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, float64(1), audit["results_imported"])
	assert.Equal(t, true, audit["consistent"])
}

func TestImportResult_409_Unmatched(t *testing.T) {
	ts := newTestServer(t)
	pr := ts.rec.byMatch(false)

	resp := ts.do("POST", "/api/v1/ocr/results/"+pr.ID.String()+"/import", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "NOT_MATCHED", errCode(t, resp))
}

func TestAssignStudent_ThenImport(t *testing.T) {
	ts := newTestServer(t)
	pr := ts.rec.byMatch(false)
	var studentID uuid.UUID
	for id := range ts.rec.roster {
		studentID = id
	}

	resp := ts.do("POST", "/api/v1/ocr/results/"+pr.ID.String()+"/assign", map[string]string{"student_id": uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "UNKNOWN_STUDENT", errCode(t, resp))

	resp = ts.do("POST", "/api/v1/ocr/results/"+pr.ID.String()+"/assign", map[string]string{"student_id": studentID.String()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.Equal(t, studentID.String(), data["matched_student_id"])
	assert.Equal(t, float64(1), data["confidence_score"])

	resp = ts.do("POST", "/api/v1/ocr/results/"+pr.ID.String()+"/import", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do("POST", "/api/v1/ocr/results/"+pr.ID.String()+"/assign", map[string]string{"student_id": studentID.String()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "ALREADY_IMPORTED", errCode(t, resp))
}

// ─── /api/v1/admin/keys ─────────────────────────────────────────────────────

func TestCreateKey_201_WithRawKey(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("POST", "/api/v1/admin/keys", map[string]any{
		"name":   "scanner-station",
		"scopes": []string{"jobs", "ocr"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	data := parseBody(t, resp)["data"].(map[string]any)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, "scanner-station", data["name"])
	_, hasHash := data["key_hash"]
	assert.False(t, hasHash)

	raw := data["key"].(string)
	assert.Equal(t, raw[:8], data["key_prefix"])

	// The new key authenticates.
	resp = ts.request("GET", "/api/v1/quota", raw, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateKey_409_Duplicate(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("POST", "/api/v1/admin/keys", map[string]any{"name": "test-key"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "DUPLICATE_KEY", errCode(t, resp))
}

func TestCreateKey_400_UnknownScope(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("POST", "/api/v1/admin/keys", map[string]any{"name": "x", "scopes": []string{"root"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListKeys_DoesNotExposeRawKeyOrHash(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do("GET", "/api/v1/admin/keys", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	for _, item := range parseBody(t, resp)["data"].([]any) {
		k := item.(map[string]any)
		_, hasKey := k["key"]
		_, hasHash := k["key_hash"]
		assert.False(t, hasKey)
		assert.False(t, hasHash)
	}
}

func TestRevokeKey(t *testing.T) {
	ts := newTestServer(t)
	keys, _ := ts.store.ListAPIKeys(context.Background(), testTenant.ID)
	var readKeyID uuid.UUID
	for _, k := range keys {
		if k.Name == "read-key" {
			readKeyID = k.ID
		}
	}

	resp := ts.do("DELETE", "/api/v1/admin/keys/"+readKeyID.String(), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.request("GET", "/api/v1/quota", testReadKey, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.do("DELETE", "/api/v1/admin/keys/"+readKeyID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "KEY_NOT_FOUND", errCode(t, resp))
}

func TestAdminEndpoints_403_WithoutAdminScope(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.request("GET", "/api/v1/admin/keys", testReadKey, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errCode(t, resp))
}

// ─── rate limiting ──────────────────────────────────────────────────────────

func TestRateLimit_429_Exceeded(t *testing.T) {
	ts := newTestServer(t)

	for i := 0; i < 20; i++ {
		resp := ts.do("GET", "/api/v1/quota", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := ts.do("GET", "/api/v1/quota", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(t, resp))
}
