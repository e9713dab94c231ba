package handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ErlanBelekov/media-harvester/internal/domain"
	"github.com/ErlanBelekov/media-harvester/internal/transport/http/handler"
	"github.com/ErlanBelekov/media-harvester/internal/usecase"
	"github.com/gin-gonic/gin"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeJobUsecase implements the unexported jobUsecaser interface via method matching.
type fakeJobUsecase struct {
	createJobs func(ctx context.Context, input usecase.CreateJobsInput) ([]*domain.Job, error)
	getByID    func(ctx context.Context, id string) (*usecase.JobStatus, error)
	pause      func(ctx context.Context, id string) (*domain.Job, error)
	resume     func(ctx context.Context, id string) (*domain.Job, error)
}

func (f *fakeJobUsecase) CreateJobs(ctx context.Context, input usecase.CreateJobsInput) ([]*domain.Job, error) {
	return f.createJobs(ctx, input)
}

func (f *fakeJobUsecase) GetByID(ctx context.Context, id string) (*usecase.JobStatus, error) {
	return f.getByID(ctx, id)
}

func (f *fakeJobUsecase) Pause(ctx context.Context, id string) (*domain.Job, error) {
	return f.pause(ctx, id)
}

func (f *fakeJobUsecase) Resume(ctx context.Context, id string) (*domain.Job, error) {
	return f.resume(ctx, id)
}

func newJobEngine(uc *fakeJobUsecase) *gin.Engine {
	h := handler.NewJobHandler(uc, discard)

	r := gin.New()
	r.POST("/v1/jobs", h.Create)
	r.GET("/v1/jobs/:id", h.GetByID)
	r.POST("/v1/jobs/:id/pause", h.Pause)
	r.POST("/v1/jobs/:id/resume", h.Resume)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

const validRecord = `{
	"owner": {"collection_id": "c1", "provider_id": "p1", "record_id": "r1"},
	"is_shown_by": "http://example.org/a.jpg",
	"limits": {"time_limit_seconds": 30}
}`

func TestCreateJobs_Returns201WithIDs(t *testing.T) {
	var got usecase.CreateJobsInput
	uc := &fakeJobUsecase{
		createJobs: func(_ context.Context, input usecase.CreateJobsInput) ([]*domain.Job, error) {
			got = input
			return []*domain.Job{{ID: "j1"}}, nil
		},
	}

	w := do(newJobEngine(uc), http.MethodPost, "/v1/jobs", validRecord)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.IDs) != 1 || resp.IDs[0] != "j1" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if got.Record.Owner.RecordID != "r1" || got.Record.IsShownBy != "http://example.org/a.jpg" {
		t.Fatalf("record = %+v", got.Record)
	}
	if got.Options.Limits.TimeLimit.Seconds() != 30 {
		t.Fatalf("time limit = %v, want 30s", got.Options.Limits.TimeLimit)
	}
	if got.Options.Limits.MaxRedirects != 0 {
		t.Fatalf("max redirects = %d, want 0 to inherit the default", got.Options.Limits.MaxRedirects)
	}
}

func TestCreateJobs_ExplicitZeroRedirects(t *testing.T) {
	var got usecase.CreateJobsInput
	uc := &fakeJobUsecase{
		createJobs: func(_ context.Context, input usecase.CreateJobsInput) ([]*domain.Job, error) {
			got = input
			return []*domain.Job{{ID: "j1"}}, nil
		},
	}
	body := `{
		"owner": {"collection_id": "c1", "provider_id": "p1", "record_id": "r1"},
		"is_shown_by": "http://example.org/a.jpg",
		"limits": {"max_redirects": 0}
	}`

	w := do(newJobEngine(uc), http.MethodPost, "/v1/jobs", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if got.Options.Limits.MaxRedirects != domain.NoRedirects {
		t.Fatalf("max redirects = %d, want NoRedirects", got.Options.Limits.MaxRedirects)
	}
}

func TestCreateJobs_InvalidBody_Returns400(t *testing.T) {
	uc := &fakeJobUsecase{}
	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{bad json}`},
		{"missing owner", `{"is_shown_by": "http://example.org/a.jpg"}`},
		{"bad url", `{"owner": {"collection_id": "c", "provider_id": "p", "record_id": "r"}, "is_shown_by": "not a url"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(newJobEngine(uc), http.MethodPost, "/v1/jobs", tt.body); w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestCreateJobs_Duplicate_Returns409(t *testing.T) {
	uc := &fakeJobUsecase{
		createJobs: func(context.Context, usecase.CreateJobsInput) ([]*domain.Job, error) {
			return nil, fmt.Errorf("create job: %w", domain.ErrDuplicateJob)
		},
	}
	if w := do(newJobEngine(uc), http.MethodPost, "/v1/jobs", validRecord); w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	uc := &fakeJobUsecase{
		getByID: func(_ context.Context, id string) (*usecase.JobStatus, error) {
			if id != "j1" {
				return nil, fmt.Errorf("get job: %w", domain.ErrJobNotFound)
			}
			return &usecase.JobStatus{
				Job:   &domain.Job{ID: "j1", State: domain.JobRunning},
				Tasks: map[domain.TaskState]int{domain.TaskProcessing: 1},
			}, nil
		},
	}
	r := newJobEngine(uc)

	w := do(r, http.MethodGet, "/v1/jobs/j1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		State string         `json:"state"`
		Tasks map[string]int `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "RUNNING" || resp.Tasks["PROCESSING"] != 1 {
		t.Fatalf("body = %s", w.Body.String())
	}

	if w := do(r, http.MethodGet, "/v1/jobs/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestPauseResume_StatusCodes(t *testing.T) {
	uc := &fakeJobUsecase{
		pause: func(_ context.Context, id string) (*domain.Job, error) {
			switch id {
			case "finished":
				return nil, domain.ErrInvalidTransition
			case "raced":
				return nil, usecase.ErrJobChanged
			}
			return &domain.Job{ID: id, State: domain.JobPause}, nil
		},
		resume: func(_ context.Context, id string) (*domain.Job, error) {
			return &domain.Job{ID: id, State: domain.JobResume}, nil
		},
	}
	r := newJobEngine(uc)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/jobs/j1/pause", http.StatusAccepted},
		{"/v1/jobs/finished/pause", http.StatusConflict},
		{"/v1/jobs/raced/pause", http.StatusConflict},
		{"/v1/jobs/j1/resume", http.StatusAccepted},
	}
	for _, tt := range tests {
		if w := do(r, http.MethodPost, tt.path, ""); w.Code != tt.want {
			t.Errorf("POST %s = %d, want %d", tt.path, w.Code, tt.want)
		}
	}
}
