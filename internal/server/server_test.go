package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"patent_agent/internal/config"
	"patent_agent/internal/convstore"
	"patent_agent/internal/doctpl"
	"patent_agent/internal/llm"
	"patent_agent/internal/prompts"
	"patent_agent/internal/taskmgr"
	"patent_agent/internal/validate"
	"patent_agent/internal/workflow"
)

type echoLLM struct{}

func (echoLLM) Call(ctx context.Context, prompt string, info llm.CallInfo) (string, error) {
	return fmt.Sprintf("%s 输出（第 %d 轮）", info.Role, info.Round), nil
}

type testEnv struct {
	server *Server
	router *gin.Engine
	store  *convstore.Store
	outDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	cfg := config.Config{}.WithDefaults()
	cfg.Storage.OutputDir = filepath.Join(dir, "output")
	cfg.Storage.FrontendDir = filepath.Join(dir, "no-frontend")

	store, err := convstore.Open(filepath.Join(dir, "conv.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := prompts.NewRegistry(filepath.Join(dir, "prompts"), log)
	ups, err := prompts.NewUserPromptStore(filepath.Join(dir, "user_prompts.json"), log)
	if err != nil {
		t.Fatalf("user prompt store: %v", err)
	}
	templates := doctpl.NewRegistry(filepath.Join(dir, "templates"), log)
	templates.Load()

	pe := prompts.NewEngine(registry, ups, templates.Name, 0, log)
	engine := workflow.NewEngine(echoLLM{}, pe, store, cfg.Storage.OutputDir, log)

	manager := taskmgr.New(engine.Run, taskmgr.Options{MaxWorkers: 1}, log)
	manager.Start()
	t.Cleanup(manager.Stop)

	srv := New(cfg, log, manager, engine, store, registry, ups, templates)
	return &testEnv{server: srv, router: srv.Router(), store: store, outDir: cfg.Storage.OutputDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var parsed map[string]any
	if w.Body.Len() > 0 {
		// Non-JSON bodies (router-level 404s) leave parsed nil.
		_ = json.Unmarshal(w.Body.Bytes(), &parsed)
	}
	return w, parsed
}

func ideaRequest() validate.Request {
	return validate.Request{
		Mode:       "idea",
		IdeaText:   "一种基于异构流水线的缓存预取与淘汰联合调度方法",
		Iterations: 1,
	}
}

func TestGenerateSync(t *testing.T) {
	env := newTestEnv(t)

	req := ideaRequest()
	req.OutputName = "sync-draft"
	w, body := env.do(t, http.MethodPost, "/api/generate", req)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %v", w.Code, body)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
	outputPath, _ := body["outputPath"].(string)
	if filepath.Base(outputPath) != "sync-draft.md" {
		t.Fatalf("outputPath = %q", outputPath)
	}
	if _, err := os.Stat(outputPath); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if prev, _ := body["lastReviewPreview"].(string); !strings.Contains(prev, "reviewer") {
		t.Fatalf("lastReviewPreview = %q", prev)
	}
}

func TestGenerateRejectsShortIdea(t *testing.T) {
	env := newTestEnv(t)

	req := ideaRequest()
	req.IdeaText = "太短"
	w, body := env.do(t, http.MethodPost, "/api/generate", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "创意文本") {
		t.Fatalf("message = %q", msg)
	}
}

func TestGenerateAsyncAndPoll(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/generate/async", ideaRequest())
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, body = %v", w.Code, body)
	}
	id, _ := body["taskId"].(string)
	if id == "" {
		t.Fatalf("body = %v", body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		w, snap := env.do(t, http.MethodGet, "/api/tasks/"+id, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("code = %d", w.Code)
		}
		status, _ := snap["status"].(string)
		if status == "completed" {
			if snap["progress"].(float64) != 100 {
				t.Fatalf("progress = %v", snap["progress"])
			}
			break
		}
		if status == "failed" || status == "cancelled" {
			t.Fatalf("snapshot = %v", snap)
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The run is recorded in the conversation store.
	w, tasks := env.do(t, http.MethodGet, "/api/conversations/tasks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	data, _ := tasks["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("tasks = %v", tasks)
	}
}

func TestTaskNotFound(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/api/tasks/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get code = %d", w.Code)
	}
	w, _ = env.do(t, http.MethodPost, "/api/tasks/missing/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cancel code = %d", w.Code)
	}
}

func TestTaskStatistics(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodGet, "/api/tasks/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	stats, _ := body["statistics"].(map[string]any)
	if stats == nil || stats["workers"].(float64) != 1 {
		t.Fatalf("body = %v", body)
	}
}

func TestUserPromptRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/user/prompts/writer", gin.H{"prompt": "自定义写作提示词 </text>"})
	if w.Code != http.StatusOK {
		t.Fatalf("set code = %d", w.Code)
	}

	w, body := env.do(t, http.MethodGet, "/api/user/prompts/writer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get code = %d", w.Code)
	}
	data, _ := body["data"].(map[string]any)
	if data["prompt"] != "自定义写作提示词 </text>" {
		t.Fatalf("data = %v", data)
	}

	w, all := env.do(t, http.MethodGet, "/api/user/prompts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list code = %d", w.Code)
	}
	listData, _ := all["data"].(map[string]any)
	promptsMap, _ := listData["prompts"].(map[string]any)
	if promptsMap["writer"] != "自定义写作提示词 </text>" {
		t.Fatalf("prompts = %v", promptsMap)
	}

	w, _ = env.do(t, http.MethodDelete, "/api/user/prompts/writer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete code = %d", w.Code)
	}
	_, body = env.do(t, http.MethodGet, "/api/user/prompts/writer", nil)
	data, _ = body["data"].(map[string]any)
	if data["prompt"] != "" {
		t.Fatalf("prompt survived delete: %v", data)
	}
}

func TestUserPromptCombinedSetAndReset(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/user/prompts", gin.H{
		"writer":   "写作提示",
		"reviewer": "评审提示",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("set code = %d", w.Code)
	}
	_, body := env.do(t, http.MethodGet, "/api/user/prompts", nil)
	data, _ := body["data"].(map[string]any)
	promptsMap, _ := data["prompts"].(map[string]any)
	if promptsMap["writer"] != "写作提示" || promptsMap["reviewer"] != "评审提示" {
		t.Fatalf("prompts = %v", promptsMap)
	}

	w, _ = env.do(t, http.MethodDelete, "/api/user/prompts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reset code = %d", w.Code)
	}
	_, body = env.do(t, http.MethodGet, "/api/user/prompts", nil)
	data, _ = body["data"].(map[string]any)
	promptsMap, _ = data["prompts"].(map[string]any)
	if len(promptsMap) != 0 {
		t.Fatalf("prompts after reset = %v", promptsMap)
	}
}

func TestUserPromptRejectsUnknownRole(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodPost, "/api/user/prompts/admin", gin.H{"prompt": "x"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.CreateTask("t1", "标题", "上下文", 2, "draft"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	for round := 1; round <= 2; round++ {
		role := "modifier"
		if round == 1 {
			role = "writer"
		}
		if _, err := env.store.LogRound("t1", round, role, "提示", "响应"); err != nil {
			t.Fatalf("LogRound: %v", err)
		}
		if _, err := env.store.LogRound("t1", round, "reviewer", "评审提示", "评审意见"); err != nil {
			t.Fatalf("LogRound: %v", err)
		}
	}

	w, body := env.do(t, http.MethodGet, "/api/conversations/tasks/t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("task code = %d", w.Code)
	}
	data, _ := body["data"].(map[string]any)
	if data["round_count"].(float64) != 2 {
		t.Fatalf("detail = %v", data)
	}

	w, body = env.do(t, http.MethodGet, "/api/conversations/tasks/t1/rounds", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rounds code = %d", w.Code)
	}
	rounds, _ := body["data"].([]any)
	if len(rounds) != 2 {
		t.Fatalf("rounds = %v", rounds)
	}

	w, body = env.do(t, http.MethodGet, "/api/conversations/tasks/t1/rounds/2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("round code = %d", w.Code)
	}
	roundData, _ := body["data"].(map[string]any)
	if roundData["modifier"] == nil || roundData["reviewer"] == nil {
		t.Fatalf("round = %v", roundData)
	}

	w, body = env.do(t, http.MethodGet, "/api/conversations/tasks/t1/rounds/1/writer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("role code = %d", w.Code)
	}
	rec, _ := body["data"].(map[string]any)
	if rec["response"] != "响应" {
		t.Fatalf("record = %v", rec)
	}

	w, _ = env.do(t, http.MethodGet, "/api/conversations/tasks/t1/rounds/9/writer", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing round code = %d", w.Code)
	}
	w, _ = env.do(t, http.MethodGet, "/api/conversations/tasks/t1/rounds/zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad round code = %d", w.Code)
	}

	w, body = env.do(t, http.MethodGet, "/api/conversations/health", nil)
	if w.Code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health = %d %v", w.Code, body)
	}
}

func TestTemplatesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodGet, "/api/templates/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v", body)
	}
	if _, present := body["templates"]; !present {
		t.Fatalf("body = %v", body)
	}
}

func TestPromptsReload(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/prompts/reload", nil)
	if w.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("reload = %d %v", w.Code, body)
	}
}

func TestOutputsListAndPreview(t *testing.T) {
	env := newTestEnv(t)

	if err := os.MkdirAll(env.outDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "# 一种缓存预取方法\n\n权利要求书内容。\n"
	if err := os.WriteFile(filepath.Join(env.outDir, "draft.md"), []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, body := env.do(t, http.MethodGet, "/api/outputs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list code = %d", w.Code)
	}
	outputs, _ := body["outputs"].([]any)
	if len(outputs) != 1 {
		t.Fatalf("outputs = %v", body)
	}

	w, body = env.do(t, http.MethodGet, "/api/outputs/draft.md/preview", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("preview code = %d", w.Code)
	}
	rendered, _ := body["html"].(string)
	if !strings.Contains(rendered, "<h1") || !strings.Contains(rendered, "一种缓存预取方法") {
		t.Fatalf("html = %q", rendered)
	}

	w, _ = env.do(t, http.MethodGet, "/api/outputs/evil..name.md/preview", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("traversal code = %d", w.Code)
	}
	w, _ = env.do(t, http.MethodGet, "/api/outputs/missing.md/preview", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing code = %d", w.Code)
	}
}

func TestSafeOutputName(t *testing.T) {
	cases := map[string]bool{
		"draft.md":        true,
		"patent-2026.md":  true,
		"draft.txt":       false,
		"":                false,
		"../draft.md":     false,
		"a/b.md":          false,
		`a\b.md`:          false,
		"..draft.md":      false,
		"notes..final.md": false,
	}
	for name, want := range cases {
		if got := safeOutputName(name); got != want {
			t.Errorf("safeOutputName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestSweepOutputs(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	dir := t.TempDir()
	oldFile := filepath.Join(dir, "old.md")
	newFile := filepath.Join(dir, "new.md")
	for _, p := range []string{oldFile, newFile} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stale := time.Now().AddDate(0, 0, -40)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	SweepOutputs(dir, 30, log)

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatalf("stale output survived: %v", err)
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Fatalf("fresh output removed: %v", err)
	}
}

func TestAPIRouteNotFound(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/api/no-such-route", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("code = %d", w.Code)
	}
}
