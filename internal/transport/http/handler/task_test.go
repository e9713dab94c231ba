package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/transport/http/handler"
	"github.com/ErlanBelekov/media-harvester/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
)

type fakeDispatcher struct {
	workerID string
	max      int
	tasks    []domain.RetrieveURL
}

func (f *fakeDispatcher) RequestTasks(_ context.Context, workerID string, maxTasks int) []domain.RetrieveURL {
	f.workerID, f.max = workerID, maxTasks
	return f.tasks
}

type fakeMonitor struct {
	report *domain.DoneReport
	err    error
}

func (f *fakeMonitor) HandleDone(_ context.Context, report *domain.DoneReport) error {
	f.report = report
	return f.err
}

func newTaskEngine(d *fakeDispatcher, m *fakeMonitor) *gin.Engine {
	h := handler.NewTaskHandler(d, m, discard)

	r := gin.New()
	// stands in for the Auth middleware
	r.Use(func(c *gin.Context) {
		c.Set(middleware.WorkerIDKey, "w-1")
		c.Next()
	})
	r.POST("/v1/tasks/request", h.Request)
	r.POST("/v1/tasks/done", h.Done)
	return r
}

func TestRequestTasks(t *testing.T) {
	d := &fakeDispatcher{tasks: []domain.RetrieveURL{{ID: "t1"}}}
	w := do(newTaskEngine(d, &fakeMonitor{}), http.MethodPost, "/v1/tasks/request", `{"max": 3}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if d.workerID != "w-1" || d.max != 3 {
		t.Fatalf("dispatcher got worker %q max %d", d.workerID, d.max)
	}
	var resp struct {
		Tasks []domain.RetrieveURL `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Tasks) != 1 {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestRequestTasks_NothingDispatchable(t *testing.T) {
	w := do(newTaskEngine(&fakeDispatcher{}, &fakeMonitor{}), http.MethodPost, "/v1/tasks/request", `{"max": 1}`)
	if w.Code != http.StatusOK || w.Body.String() != `{"tasks":[]}` {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestRequestTasks_InvalidMax_Returns400(t *testing.T) {
	w := do(newTaskEngine(&fakeDispatcher{}, &fakeMonitor{}), http.MethodPost, "/v1/tasks/request", `{"max": 0}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDone(t *testing.T) {
	m := &fakeMonitor{}
	w := do(newTaskEngine(&fakeDispatcher{}, m), http.MethodPost, "/v1/tasks/done",
		`{"task_id": "t1", "job_id": "j1", "state": "COMPLETED"}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if m.report == nil || m.report.TaskID != "t1" || m.report.WorkerID != "w-1" {
		t.Fatalf("report = %+v", m.report)
	}
}

func TestDone_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"missing task id", `{"job_id": "j1"}`, nil, http.StatusBadRequest},
		{"other worker", `{"task_id": "t1", "worker_id": "w-2"}`, nil, http.StatusForbidden},
		{"store failure", `{"task_id": "t1"}`, errors.New("db down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newTaskEngine(&fakeDispatcher{}, &fakeMonitor{err: tt.err}), http.MethodPost, "/v1/tasks/done", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
