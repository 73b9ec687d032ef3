package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/pipedev/pipedev/internal/activity"
	"github.com/pipedev/pipedev/internal/common/logger"
	"github.com/pipedev/pipedev/internal/db"
	"github.com/pipedev/pipedev/internal/events/bus"
	"github.com/pipedev/pipedev/internal/executor"
	"github.com/pipedev/pipedev/internal/persistence"
	"github.com/pipedev/pipedev/internal/pipeline/engine"
	pmodels "github.com/pipedev/pipedev/internal/pipeline/models"
	pstore "github.com/pipedev/pipedev/internal/pipeline/store"
	"github.com/pipedev/pipedev/internal/task/models"
	"github.com/pipedev/pipedev/internal/task/service"
	"github.com/pipedev/pipedev/internal/task/store"
)

type fakeRuns struct {
	mu      sync.Mutex
	queued  []string
	stopped []string
	stopErr error
}

func (f *fakeRuns) Execute(_ context.Context, taskID, mode, _ string) (*models.AgentRun, error) {
	return &models.AgentRun{ID: "run-" + taskID, TaskID: taskID, Mode: mode, Status: models.RunStatusRunning}, nil
}

func (f *fakeRuns) Stop(runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, runID)
	return nil
}

func (f *fakeRuns) QueueMessage(_ context.Context, taskID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, taskID+": "+text)
}

type apiEnv struct {
	router    *gin.Engine
	svc       *service.Service
	tasks     *store.Store
	pipelines *pstore.Store
	engine    *engine.Engine
	runs      *fakeRuns
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open writer: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open reader: %v", err)
	}
	pool := db.NewPool(writer, reader)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	if _, err := persistence.Migrate(context.Background(), pool, persistence.All, log); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	tasks := store.New(pool)
	pipelines := pstore.New(pool)
	recorder := activity.NewRecorder(tasks, memBus, log)
	eng := engine.New(tasks, pipelines, recorder, memBus, log)

	svc := service.New(tasks, pipelines, eng, recorder, memBus, log)
	runs := &fakeRuns{}
	svc.SetRunController(runs)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterTaskRoutes(router, svc, log)
	RegisterTransitionRoutes(router, svc, log)
	RegisterRunRoutes(router, svc, log)
	RegisterPromptRoutes(router, svc, log)
	RegisterPipelineRoutes(router, svc, log)

	return &apiEnv{router: router, svc: svc, tasks: tasks, pipelines: pipelines, engine: eng, runs: runs}
}

func (env *apiEnv) seedPipeline(t *testing.T) *pmodels.Pipeline {
	t.Helper()
	p := &pmodels.Pipeline{
		Name:     "Delivery",
		TaskType: "feature",
		Statuses: []pmodels.Status{
			{Name: "open", Label: "Open"},
			{Name: "planning", Label: "Planning"},
			{Name: "plan_review", Label: "Plan Review"},
			{Name: "done", Label: "Done", IsFinal: true},
		},
		Transitions: []pmodels.Transition{
			{From: "open", To: "planning", Trigger: pmodels.TriggerManual},
			{From: "planning", To: "plan_review", Trigger: pmodels.TriggerAgent, AgentOutcome: "plan_complete"},
			{From: "plan_review", To: "done", Trigger: pmodels.TriggerManual},
		},
	}
	if err := env.pipelines.Create(context.Background(), p); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func (env *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	env.router.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", resp.Body.String(), err)
	}
}

func (env *apiEnv) createTask(t *testing.T, pipelineID, title string) *models.Task {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/v1/tasks", service.CreateTaskRequest{PipelineID: pipelineID, Title: title})
	if resp.Code != http.StatusOK {
		t.Fatalf("create task: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var task models.Task
	decode(t, resp, &task)
	return &task
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)
	p := env.seedPipeline(t)

	task := env.createTask(t, p.ID, "Ship the feature")
	if task.ID == "" || task.Status != "open" {
		t.Fatalf("task = %+v", task)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	if resp.Code != http.StatusOK {
		t.Errorf("get: status = %d", resp.Code)
	}

	newTitle := "Ship the feature, renamed"
	resp = env.do(t, http.MethodPatch, "/api/v1/tasks/"+task.ID, service.UpdateTaskRequest{Title: &newTitle})
	if resp.Code != http.StatusOK {
		t.Fatalf("patch: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var updated models.Task
	decode(t, resp, &updated)
	if updated.Title != newTitle {
		t.Errorf("title = %q, want %q", updated.Title, newTitle)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/tasks?status=open", nil)
	var list listTasksResponse
	decode(t, resp, &list)
	if list.Total != 1 || len(list.Tasks) != 1 {
		t.Errorf("list = %+v", list)
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", resp.Code)
	}
	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID, nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", resp.Code)
	}
}

func TestCreateTaskRejections(t *testing.T) {
	env := newAPIEnv(t)
	p := env.seedPipeline(t)

	resp := env.do(t, http.MethodPost, "/api/v1/tasks", service.CreateTaskRequest{PipelineID: p.ID})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("missing title: status = %d, want 400", resp.Code)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/tasks", service.CreateTaskRequest{PipelineID: "nope", Title: "Orphan"})
	if resp.Code != http.StatusNotFound {
		t.Errorf("unknown pipeline: status = %d, want 404", resp.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}
}

func TestTransitionEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	p := env.seedPipeline(t)
	task := env.createTask(t, p.ID, "Route me")

	resp := env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/transition", service.TransitionRequest{ToStatus: "planning", Actor: "alice"})
	if resp.Code != http.StatusOK {
		t.Fatalf("transition: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var result engine.TransitionResult
	decode(t, resp, &result)
	if !result.Success || result.Task.Status != "planning" {
		t.Fatalf("result = %+v", result)
	}

	// Domain failure stays in the body with HTTP 200.
	resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/transition", service.TransitionRequest{ToStatus: "done"})
	if resp.Code != http.StatusOK {
		t.Fatalf("no-arc transition: status = %d", resp.Code)
	}
	decode(t, resp, &result)
	if result.Success || !strings.Contains(result.Error, "no manual transition") {
		t.Errorf("result = %+v", result)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/outcome", service.OutcomeRequest{Outcome: "plan_complete", AgentRunID: "run-1"})
	decode(t, resp, &result)
	if !result.Success || result.Task.Status != "plan_review" {
		t.Fatalf("outcome result = %+v", result)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/force-transition", service.TransitionRequest{ToStatus: "open", Actor: "ops"})
	decode(t, resp, &result)
	if !result.Success || result.Task.Status != "open" {
		t.Fatalf("force result = %+v", result)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/transitions", nil)
	var grouped struct {
		Transitions map[string][]pmodels.Transition `json:"transitions"`
	}
	decode(t, resp, &grouped)
	if len(grouped.Transitions["manual"]) != 1 || grouped.Transitions["manual"][0].To != "planning" {
		t.Errorf("grouped = %+v", grouped)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/history", nil)
	var history struct {
		History []*models.TransitionRecord `json:"history"`
		Total   int                        `json:"total"`
	}
	decode(t, resp, &history)
	if history.Total != 3 {
		t.Errorf("history total = %d, want 3", history.Total)
	}
	if history.Total > 0 && !history.History[0].Forced {
		t.Errorf("newest record = %+v, want the forced one first", history.History[0])
	}

	resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/transition", service.TransitionRequest{})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("missing to_status: status = %d, want 400", resp.Code)
	}
}

func TestGuardEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	env.engine.RegisterGuard("always_no", func(context.Context, *models.Task, *pmodels.Transition, engine.TransitionContext, engine.GuardStore, map[string]interface{}) engine.GuardResult {
		return engine.Deny("blocked for the test")
	})
	p := &pmodels.Pipeline{
		Name:     "Guarded",
		TaskType: "guarded",
		Statuses: []pmodels.Status{{Name: "open"}, {Name: "closed", IsFinal: true}},
		Transitions: []pmodels.Transition{
			{From: "open", To: "closed", Trigger: pmodels.TriggerManual, Guards: []pmodels.GuardRef{{Name: "always_no"}}},
		},
	}
	if err := env.pipelines.Create(context.Background(), p); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	task := env.createTask(t, p.ID, "Guarded")

	resp := env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/guards?to_status=closed", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("guards: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var check engine.GuardCheckResult
	decode(t, resp, &check)
	if check.Allowed || len(check.Guards) != 1 || check.Guards[0].Reason != "blocked for the test" {
		t.Errorf("check = %+v", check)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/guards?to_status=open", nil)
	if resp.Code != http.StatusNotFound {
		t.Errorf("no arc: status = %d, want 404", resp.Code)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/guards?to_status=closed&trigger=bogus", nil)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("bad trigger: status = %d, want 400", resp.Code)
	}
}

func TestRunEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	p := env.seedPipeline(t)
	task := env.createTask(t, p.ID, "Run me")

	resp := env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/runs", service.StartRunRequest{Mode: "planning"})
	if resp.Code != http.StatusOK {
		t.Fatalf("start run: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var run models.AgentRun
	decode(t, resp, &run)
	if run.ID != "run-"+task.ID || run.Mode != "planning" {
		t.Errorf("run = %+v", run)
	}

	// Reads go to the store, not the controller.
	stored := &models.AgentRun{ID: "run-db", TaskID: task.ID, AgentType: "mock", Mode: "implement", Status: models.RunStatusRunning}
	if err := env.tasks.CreateRun(context.Background(), stored); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	resp = env.do(t, http.MethodGet, "/api/v1/runs/run-db", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("get run: status = %d", resp.Code)
	}
	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/runs", nil)
	var listed struct {
		Runs  []*models.AgentRun `json:"runs"`
		Total int                `json:"total"`
	}
	decode(t, resp, &listed)
	if listed.Total != 1 {
		t.Errorf("runs total = %d, want 1", listed.Total)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/runs/run-db/stop", nil)
	if resp.Code != http.StatusOK {
		t.Errorf("stop: status = %d", resp.Code)
	}
	env.runs.mu.Lock()
	stopped := append([]string(nil), env.runs.stopped...)
	env.runs.mu.Unlock()
	if len(stopped) != 1 || stopped[0] != "run-db" {
		t.Errorf("stopped = %v", stopped)
	}

	env.runs.stopErr = executor.ErrRunNotLive
	resp = env.do(t, http.MethodPost, "/api/v1/runs/run-db/stop", nil)
	if resp.Code != http.StatusConflict {
		t.Errorf("stop dead run: status = %d, want 409", resp.Code)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/messages", map[string]string{"text": "also update the docs"})
	if resp.Code != http.StatusOK {
		t.Errorf("queue message: status = %d", resp.Code)
	}
	env.runs.mu.Lock()
	queued := append([]string(nil), env.runs.queued...)
	env.runs.mu.Unlock()
	if len(queued) != 1 || queued[0] != task.ID+": also update the docs" {
		t.Errorf("queued = %v", queued)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/messages", map[string]string{"text": ""})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("empty message: status = %d, want 400", resp.Code)
	}
}

func TestPromptEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	p := env.seedPipeline(t)
	task := env.createTask(t, p.ID, "Ask me")

	prompt := &models.PendingPrompt{
		TaskID:     task.ID,
		AgentRunID: "run-1",
		PromptType: "needs_info",
		Payload:    map[string]interface{}{"question": "Which database?"},
	}
	if err := env.tasks.CreatePrompt(context.Background(), prompt); err != nil {
		t.Fatalf("CreatePrompt() error = %v", err)
	}

	resp := env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/prompts", nil)
	var listed struct {
		Prompts []*models.PendingPrompt `json:"prompts"`
		Total   int                     `json:"total"`
	}
	decode(t, resp, &listed)
	if listed.Total != 1 {
		t.Fatalf("prompts = %+v", listed)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/prompts/"+prompt.ID+"/answer", map[string]interface{}{
		"response": map[string]interface{}{"answer": "postgres"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("answer: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var answered models.PendingPrompt
	decode(t, resp, &answered)
	if answered.Status != models.PromptStatusAnswered {
		t.Errorf("status = %q, want answered", answered.Status)
	}

	// Double answering is a conflict.
	resp = env.do(t, http.MethodPost, "/api/v1/prompts/"+prompt.ID+"/answer", map[string]interface{}{
		"response": map[string]interface{}{"answer": "mysql after all"},
	})
	if resp.Code != http.StatusConflict {
		t.Errorf("second answer: status = %d, want 409", resp.Code)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/prompts/"+prompt.ID+"/answer", map[string]interface{}{})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("empty response: status = %d, want 400", resp.Code)
	}
}

func TestPipelineEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	body := pmodels.Pipeline{
		Name:     "Hotfix",
		TaskType: "hotfix",
		Statuses: []pmodels.Status{{Name: "open"}, {Name: "done", IsFinal: true}},
		Transitions: []pmodels.Transition{
			{From: "open", To: "done", Trigger: pmodels.TriggerManual},
		},
	}
	resp := env.do(t, http.MethodPost, "/api/v1/pipelines", body)
	if resp.Code != http.StatusOK {
		t.Fatalf("create: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var created pmodels.Pipeline
	decode(t, resp, &created)
	if created.ID == "" {
		t.Fatal("created pipeline has no id")
	}

	resp = env.do(t, http.MethodPost, "/api/v1/pipelines", pmodels.Pipeline{Name: "Broken", TaskType: "x"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("invalid definition: status = %d, want 400", resp.Code)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	var listed struct {
		Pipelines []*pmodels.Pipeline `json:"pipelines"`
		Total     int                 `json:"total"`
	}
	decode(t, resp, &listed)
	if listed.Total != 1 {
		t.Errorf("pipelines = %+v", listed)
	}

	task := env.createTask(t, created.ID, "Bound")
	resp = env.do(t, http.MethodDelete, "/api/v1/pipelines/"+created.ID, nil)
	if resp.Code != http.StatusConflict {
		t.Errorf("delete bound pipeline: status = %d, want 409", resp.Code)
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/tasks/"+task.ID, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("delete task: status = %d", resp.Code)
	}
	resp = env.do(t, http.MethodDelete, "/api/v1/pipelines/"+created.ID, nil)
	if resp.Code != http.StatusOK {
		t.Errorf("delete unbound pipeline: status = %d", resp.Code)
	}
}

func TestSubtaskAndContextEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	p := env.seedPipeline(t)
	task := env.createTask(t, p.ID, "Checklist")

	err := env.tasks.UpdateTaskSubtasks(context.Background(), task.ID, []models.Subtask{
		{Name: "Write parser", Status: models.SubtaskStatusOpen},
	})
	if err != nil {
		t.Fatalf("UpdateTaskSubtasks() error = %v", err)
	}

	resp := env.do(t, http.MethodPut, "/api/v1/tasks/"+task.ID+"/subtasks", updateSubtaskRequest{Name: "write parser", Status: "done"})
	if resp.Code != http.StatusOK {
		t.Fatalf("subtask: status = %d, body %s", resp.Code, resp.Body.String())
	}
	var updated models.Task
	decode(t, resp, &updated)
	if len(updated.Subtasks) != 1 || updated.Subtasks[0].Status != models.SubtaskStatusDone {
		t.Errorf("subtasks = %+v", updated.Subtasks)
	}

	resp = env.do(t, http.MethodPut, "/api/v1/tasks/"+task.ID+"/subtasks", updateSubtaskRequest{Name: "write parser", Status: "finished"})
	if resp.Code != http.StatusBadRequest {
		t.Errorf("bad status: status = %d, want 400", resp.Code)
	}

	resp = env.do(t, http.MethodPost, "/api/v1/tasks/"+task.ID+"/context", addContextRequest{Content: "The parser lives in internal/parse."})
	if resp.Code != http.StatusOK {
		t.Fatalf("add context: status = %d, body %s", resp.Code, resp.Body.String())
	}
	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/context", nil)
	var entries struct {
		Entries []*models.ContextEntry `json:"entries"`
		Total   int                    `json:"total"`
	}
	decode(t, resp, &entries)
	if entries.Total != 1 || entries.Entries[0].Content == "" {
		t.Errorf("entries = %+v", entries)
	}

	resp = env.do(t, http.MethodGet, "/api/v1/tasks/"+task.ID+"/events", nil)
	if resp.Code != http.StatusOK {
		t.Errorf("events: status = %d", resp.Code)
	}
}
