package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/internal/services"
	"github.com/huangang/statbatch/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type apiFixture struct {
	router *gin.Engine
	engine *batch.Engine
	fail   atomic.Bool
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := testutil.NewDB(t)
	cfg := config.DefaultConfig().Batch

	f := &apiFixture{engine: batch.NewEngine(batch.NewGormRepository(db))}
	logs := services.NewBatchLogService(db)
	f.engine.AddJobListener(services.NewJobLogListener(logs))
	f.engine.Register(&batch.Job{
		Name: "flaky",
		Steps: []batch.Step{{Name: "work", Tasklet: batch.TaskletFunc(func(ctx context.Context, sc *batch.StepContext) error {
			if f.fail.Load() {
				return errors.New("upstream unavailable")
			}
			return nil
		})}},
	})

	admin := NewBatchAdminHandler(services.NewBatchRestartService(f.engine), services.NewBatchLockService(db, &cfg))
	logHandler := NewBatchLogHandler(logs)
	jobs := NewBatchJobHandler(f.engine)
	health := NewHealthHandler(db, services.NewLocalRestartQueue(nil, 1), nil)

	r := gin.New()
	r.GET("/health", health.CheckHealth)
	r.POST("/admin/batch/restart", admin.Restart)
	r.GET("/admin/batch/locks", admin.ListLocks)
	r.GET("/api/batch-logs/jobs", logHandler.ListJobs)
	r.GET("/api/batch-logs/jobs/:jobExecutionId", logHandler.GetJob)
	r.GET("/api/batch-logs/restarts/:originId", logHandler.ListRestarts)
	r.GET("/api/batch/jobs", jobs.ListJobs)
	r.POST("/api/batch/jobs/:name/run", jobs.Run)
	r.GET("/api/batch/executions/:id", jobs.GetExecution)
	f.router = r
	return f
}

func (f *apiFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) runFlaky(t *testing.T, fail bool) int64 {
	t.Helper()
	f.fail.Store(fail)
	exec, err := f.engine.Run(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatal(err)
	}
	return exec.ID
}

func TestBatchAdmin_Restart(t *testing.T) {
	f := newAPIFixture(t)
	failed := f.runFlaky(t, true)

	w := f.do("POST", "/admin/batch/restart", gin.H{"jobExecutionId": failed, "reason": "upstream back"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp RestartResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.OriginJobExecutionID != failed || resp.NewJobExecutionID == 0 || resp.NewJobExecutionID == failed {
		t.Errorf("resp = %+v", resp)
	}
	f.engine.Wait()

	w = f.do("GET", "/api/batch-logs/restarts/"+strconv.FormatInt(failed, 10), nil)
	var logs struct {
		Data []struct {
			JobExecutionID int64  `json:"job_execution_id"`
			ExecuteType    string `json:"execute_type"`
			RestartReason  string `json:"restart_reason"`
		} `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &logs)
	if len(logs.Data) != 1 || logs.Data[0].ExecuteType != "ADMIN_RESTART" || logs.Data[0].RestartReason != "upstream back" {
		t.Errorf("restart logs = %+v", logs.Data)
	}
}

func TestBatchAdmin_RestartRefusals(t *testing.T) {
	f := newAPIFixture(t)
	completed := f.runFlaky(t, false)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{"missing id", gin.H{"reason": "x"}, http.StatusBadRequest},
		{"unknown run", gin.H{"jobExecutionId": 9999}, http.StatusNotFound},
		{"completed without force", gin.H{"jobExecutionId": completed}, http.StatusConflict},
		{"completed with force", gin.H{"jobExecutionId": completed, "force": true}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do("POST", "/admin/batch/restart", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, expected %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
	f.engine.Wait()
}

func TestBatchJob_Run(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name       string
		job        string
		body       interface{}
		wantStatus int
	}{
		{"unknown job", "nope", nil, http.StatusNotFound},
		{"bad target date", "flaky", gin.H{"targetDate": "yesterday"}, http.StatusBadRequest},
		{"launch", "flaky", gin.H{"targetDate": "2024-03-04"}, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do("POST", "/api/batch/jobs/"+tt.job+"/run", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, expected %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
	f.engine.Wait()

	w := f.do("GET", "/api/batch/executions/1", nil)
	var view struct {
		Data ExecutionView `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &view)
	if w.Code != http.StatusOK || view.Data.Status != "COMPLETED" || view.Data.Parameters["targetDate"] != "2024-03-04" {
		t.Errorf("execution = %d %+v", w.Code, view.Data)
	}
	if len(view.Data.Steps) != 1 || view.Data.Steps[0].Name != "work" {
		t.Errorf("steps = %+v", view.Data.Steps)
	}

	if w := f.do("GET", "/api/batch/executions/404", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown execution: status = %d", w.Code)
	}
}

func TestBatchLog_BadParams(t *testing.T) {
	f := newAPIFixture(t)
	tests := []string{
		"/api/batch-logs/restarts/abc",
		"/api/batch-logs/jobs/0",
		"/api/batch-logs/jobs?limit=9999",
	}
	for _, path := range tests {
		if w := f.do("GET", path, nil); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s: status = %d, expected 400", path, w.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do("GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Status     string                 `json:"status"`
		Components map[string]interface{} `json:"components"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Status != "healthy" || body.Components["queue_mode"] != "local" {
		t.Errorf("health = %+v", body)
	}
}
