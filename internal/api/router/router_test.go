package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobplatform/internal/api/dto"
	"github.com/cuongbtq/jobplatform/internal/api/handler"
	"github.com/cuongbtq/jobplatform/internal/domain"
	"github.com/cuongbtq/jobplatform/internal/jobs"
	"github.com/cuongbtq/jobplatform/internal/queue"
	"github.com/cuongbtq/jobplatform/internal/queue/memq"
	"github.com/cuongbtq/jobplatform/internal/storage/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type brokenQueue struct {
	*memq.Queue
}

func (brokenQueue) Enqueue(context.Context, string) error {
	return domain.NewQueueError("enqueue", errors.New("connection refused"))
}

func (brokenQueue) Ping(context.Context) error {
	return errors.New("connection refused")
}

type testServer struct {
	store  *memstore.Store
	engine *gin.Engine
}

func newTestServer(t *testing.T, q queue.Queue) *testServer {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := memstore.New()
	if q == nil {
		q = memq.New(0)
	}

	registry := jobs.NewRegistry()
	require.NoError(t, jobs.RegisterBuiltins(registry, 0, 0))

	engine := SetupRouter(&handler.Dependencies{
		Logger:      logger,
		Service:     jobs.NewService(store, q, registry, logger),
		ServiceName: "job-api-service",
		Checks: map[string]handler.Checker{
			"store": store,
			"queue": q,
		},
	})
	return &testServer{store: store, engine: engine}
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmitJob(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "data job",
			target:     "/submit_job",
			body:       `{"job_type":"data","payload":{"data":"hello"}}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "image job on versioned route",
			target:     "/api/v1/jobs",
			body:       `{"job_type":"image","payload":{"image_url":"https://example.com/a.png"}}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "job type in query and payload as body",
			target:     "/submit_job?job_type=data",
			body:       `{"data":"hello"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing data",
			target:     "/submit_job",
			body:       `{"job_type":"data","payload":{"text":"hello"}}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Missing 'data' in payload",
		},
		{
			name:       "missing image url",
			target:     "/submit_job?job_type=image",
			body:       `{"url":"https://example.com/a.png"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Missing 'image_url' in payload",
		},
		{
			name:       "unknown job type",
			target:     "/submit_job",
			body:       `{"job_type":"video","payload":{}}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid job_type. Use 'data' or 'image'.",
		},
		{
			name:       "missing job type",
			target:     "/submit_job",
			body:       `{"payload":{"data":"x"}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			target:     "/submit_job",
			body:       `{"job_type":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, nil)

			rec := srv.do(http.MethodPost, tt.target, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus == http.StatusOK {
				resp := decode[dto.SubmitJobResponse](t, rec)
				assert.NotEmpty(t, resp.TaskID)
				assert.Equal(t, 1, srv.store.Len())
				return
			}

			assert.Zero(t, srv.store.Len(), "rejected submissions create nothing")
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decode[dto.ErrorResponse](t, rec).Error)
			}
		})
	}
}

func TestSubmitJob_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t, nil)

	body := `{"job_type":"data","payload":{"data":"` + strings.Repeat("x", 1<<20) + `"}}`
	rec := srv.do(http.MethodPost, "/submit_job", body)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, rec.Body.String())
	assert.Equal(t, "Request body too large", decode[dto.ErrorResponse](t, rec).Error)
	assert.Zero(t, srv.store.Len())
}

func TestSubmitJob_QueryTypeKeepsWholeBodyAsPayload(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/submit_job?job_type=data", `{"data":"hello","extra":[1,2]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	taskID := decode[dto.SubmitJobResponse](t, rec).TaskID
	job, err := srv.store.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, "data", job.JobType)
	assert.JSONEq(t, `{"data":"hello","extra":[1,2]}`, string(job.Payload))

	// an explicit job_type in the body wins over the query
	rec = srv.do(http.MethodPost, "/submit_job?job_type=data", `{"job_type":"image","payload":{"image_url":"https://example.com/a.png"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job, err = srv.store.Get(context.Background(), decode[dto.SubmitJobResponse](t, rec).TaskID)
	require.NoError(t, err)
	assert.Equal(t, "image", job.JobType)

	rec = srv.do(http.MethodPost, "/submit_job?job_type=data", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "payload is required", decode[dto.ErrorResponse](t, rec).Error)
}

func TestSubmitJob_QueueUnavailable(t *testing.T) {
	srv := newTestServer(t, brokenQueue{Queue: memq.New(0)})

	rec := srv.do(http.MethodPost, "/submit_job", `{"job_type":"data","payload":{"data":"x"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetJobStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	rec := srv.do(http.MethodPost, "/submit_job", `{"job_type":"data","payload":{"data":"hello"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	taskID := decode[dto.SubmitJobResponse](t, rec).TaskID

	rec = srv.do(http.MethodGet, "/get_job_status/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"task_id":"`+taskID+`","status":"PENDING","result":null}`, rec.Body.String())

	_, err := srv.store.Transition(ctx, taskID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
	require.NoError(t, err)
	_, err = srv.store.Transition(ctx, taskID, domain.StateRunning, domain.StateSucceeded, domain.Change{
		Result: json.RawMessage(`"Processed data: HELLO"`),
	})
	require.NoError(t, err)

	rec = srv.do(http.MethodGet, "/get_job_status/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"task_id":"`+taskID+`","status":"SUCCEEDED","result":"Processed data: HELLO"}`, rec.Body.String())
}

func TestGetJobStatus_ReportsRetryError(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	job, err := srv.store.Create(ctx, domain.JobTypeData, json.RawMessage(`{"data":"x"}`))
	require.NoError(t, err)
	_, err = srv.store.Transition(ctx, job.ID, domain.StatePending, domain.StateRunning, domain.Change{IncrementAttempt: true})
	require.NoError(t, err)
	_, err = srv.store.Transition(ctx, job.ID, domain.StateRunning, domain.StateRetrying, domain.Change{Error: "boom"})
	require.NoError(t, err)

	rec := srv.do(http.MethodGet, "/get_job_status/"+job.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"task_id":"`+job.ID+`","status":"RETRYING","result":null,"error":"boom"}`, rec.Body.String())
}

func TestGetJobStatus_NotFound(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, id := range []string{"6f9619ff-8b86-d011-b42d-00cf4fc964ff", "not-a-uuid"} {
		rec := srv.do(http.MethodGet, "/get_job_status/"+id, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
		assert.Equal(t, "Task not found", decode[dto.ErrorResponse](t, rec).Error)
	}
}

func TestGetJob(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodPost, "/api/v1/jobs", `{"job_type":"data","payload":{"data":"hello"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	taskID := decode[dto.SubmitJobResponse](t, rec).TaskID

	rec = srv.do(http.MethodGet, "/api/v1/jobs/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[dto.JobDTO](t, rec)
	assert.Equal(t, taskID, job.JobID)
	assert.Equal(t, "data", job.JobType)
	assert.Equal(t, "PENDING", job.Status)
	assert.Zero(t, job.Attempt)
	assert.JSONEq(t, `{"data":"hello"}`, string(job.Payload))

	rec = srv.do(http.MethodGet, "/api/v1/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(http.MethodGet, "/api/v1/jobs/6f9619ff-8b86-d011-b42d-00cf4fc964ff", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs_Pagination(t *testing.T) {
	srv := newTestServer(t, nil)

	for range 5 {
		rec := srv.do(http.MethodPost, "/submit_job", `{"job_type":"data","payload":{"data":"x"}}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := srv.do(http.MethodPost, "/submit_job", `{"job_type":"image","payload":{"image_url":"https://example.com/a.png"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	seen := map[string]bool{}
	target := "/api/v1/jobs?job_type=data&page_size=2"
	pages := 0
	for {
		rec := srv.do(http.MethodGet, target, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		page := decode[dto.ListJobsResponse](t, rec)
		pages++

		for _, job := range page.Jobs {
			assert.Equal(t, "data", job.JobType)
			assert.False(t, seen[job.JobID], "job listed twice")
			seen[job.JobID] = true
		}
		if page.NextCursor == "" {
			break
		}
		target = "/api/v1/jobs?job_type=data&page_size=2&cursor=" + page.NextCursor
		require.Less(t, pages, 10)
	}

	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)
}

func TestListJobs_InvalidQuery(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, target := range []string{
		"/api/v1/jobs?page_size=101",
		"/api/v1/jobs?page_size=abc",
		"/api/v1/jobs?cursor=%25%25",
		"/api/v1/jobs?status=DONE",
	} {
		rec := srv.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := srv.do(http.MethodGet, "/api/v1/jobs?status=pending", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"job-api-service","job_types":["data","image"]}`, rec.Body.String())

	rec = srv.do(http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready","service":"job-api-service","checks":{"queue":"ok","store":"ok"}}`, rec.Body.String())

	broken := newTestServer(t, brokenQueue{Queue: memq.New(0)})
	rec = broken.do(http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "not_ready", body["status"])
}

func TestMiddleware(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(http.MethodOptions, "/submit_job", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = srv.do(http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))
}

func TestRecoveryMiddleware(t *testing.T) {
	engine := gin.New()
	engine.Use(RecoveryMiddleware(slog.New(slog.DiscardHandler)))
	engine.GET("/boom", func(*gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
