// Package server exposes the HTTP/JSON surface over the job manager, the
// conversation store and the prompt registries.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"patent_agent/internal/analyzer"
	"patent_agent/internal/config"
	"patent_agent/internal/convstore"
	"patent_agent/internal/doctpl"
	"patent_agent/internal/prompts"
	"patent_agent/internal/taskmgr"
	"patent_agent/internal/validate"
	"patent_agent/internal/workflow"
)

// Server wires the HTTP handlers to the application components.
type Server struct {
	cfg config.Config
	log *logrus.Logger

	manager     *taskmgr.Manager
	engine      *workflow.Engine
	store       *convstore.Store
	registry    *prompts.Registry
	userPrompts *prompts.UserPromptStore
	templates   *doctpl.Registry

	render *markdownRenderer
}

func New(cfg config.Config, log *logrus.Logger, manager *taskmgr.Manager, engine *workflow.Engine,
	store *convstore.Store, registry *prompts.Registry, userPrompts *prompts.UserPromptStore,
	templates *doctpl.Registry) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:         cfg,
		log:         log,
		manager:     manager,
		engine:      engine,
		store:       store,
		registry:    registry,
		userPrompts: userPrompts,
		templates:   templates,
		render:      newMarkdownRenderer(),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	api := r.Group("/api")
	{
		api.POST("/generate", s.handleGenerate)
		api.POST("/generate/async", s.handleGenerateAsync)

		api.GET("/tasks/statistics", s.handleTaskStatistics)
		api.GET("/tasks/:id", s.handleTaskGet)
		api.POST("/tasks/:id/cancel", s.handleTaskCancel)
		api.GET("/tasks/:id/ws", s.handleTaskWS)

		api.GET("/templates/", s.handleTemplates)
		api.POST("/prompts/reload", s.handlePromptsReload)

		api.GET("/user/prompts", s.handleUserPromptsGet)
		api.POST("/user/prompts", s.handleUserPromptsSet)
		api.DELETE("/user/prompts", s.handleUserPromptsDeleteAll)
		api.GET("/user/prompts/:role", s.handleUserPromptGet)
		api.POST("/user/prompts/:role", s.handleUserPromptSet)
		api.DELETE("/user/prompts/:role", s.handleUserPromptDelete)

		conv := api.Group("/conversations")
		{
			conv.GET("/health", s.handleConversationsHealth)
			conv.GET("/tasks", s.handleConversationTasks)
			conv.GET("/tasks/:id", s.handleConversationTask)
			conv.GET("/tasks/:id/rounds", s.handleConversationRounds)
			conv.GET("/tasks/:id/rounds/:round", s.handleConversationRound)
			conv.GET("/tasks/:id/rounds/:round/:role", s.handleConversationRoundRole)
		}

		api.GET("/outputs", s.handleOutputsList)
		api.GET("/outputs/:name/preview", s.handleOutputPreview)
	}

	s.mountFrontend(r)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"component": "http",
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"elapsed":   time.Since(start).Milliseconds(),
		}).Debug("request")
	}
}

// mountFrontend serves the built UI when it exists, with an index fallback
// for client-side routes.
func (s *Server) mountFrontend(r *gin.Engine) {
	dir := s.cfg.Storage.FrontendDir
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err != nil {
		return
	}
	r.Static("/assets", filepath.Join(dir, "assets"))
	r.StaticFile("/", index)
	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "message": "not found"})
			return
		}
		c.File(index)
	})
}

func fail(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"ok": false, "message": message})
}

// buildContext turns a sanitized request into the base technical context.
func (s *Server) buildContext(in validate.Input) (string, error) {
	if in.Mode == "idea" {
		return workflow.IdeaContext(in.IdeaText), nil
	}
	return analyzer.Summarize(in.ProjectPath, analyzer.Options{
		MaxFiles:  s.cfg.Analyzer.MaxFiles,
		HeadLines: s.cfg.Analyzer.HeadLines,
		MaxBytes:  s.cfg.Analyzer.MaxBytes,
	})
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req validate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求数据格式错误")
		return
	}
	in, err := validate.Validate(req)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	taskCtx, err := s.buildContext(in)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Tasks.TaskTimeout)
	defer cancel()

	result, err := s.engine.Run(ctx, workflow.Input{
		TaskID:     newRunID(),
		Title:      runTitle(in),
		Context:    taskCtx,
		Iterations: in.Iterations,
		OutputName: in.OutputName,
		TemplateID: in.TemplateID,
	}, nil, nil)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":                true,
		"iterations":        result.Iterations,
		"outputPath":        result.OutputPath,
		"lastReviewPreview": preview(result.LastReview, 2000),
	})
}

func (s *Server) handleGenerateAsync(c *gin.Context) {
	var req validate.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求数据格式错误")
		return
	}
	in, err := validate.Validate(req)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	taskCtx, err := s.buildContext(in)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.manager.Submit(workflow.Input{
		Title:      runTitle(in),
		Context:    taskCtx,
		Iterations: in.Iterations,
		OutputName: in.OutputName,
		TemplateID: in.TemplateID,
	})
	if errors.Is(err, taskmgr.ErrQueueFull) {
		fail(c, http.StatusServiceUnavailable, "任务队列已满，请稍后重试")
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "taskId": id, "message": "任务已提交"})
}

func runTitle(in validate.Input) string {
	if in.Mode == "idea" {
		return preview(in.IdeaText, 60)
	}
	return filepath.Base(in.ProjectPath)
}

func (s *Server) handleTaskGet(c *gin.Context) {
	snap, err := s.manager.Get(c.Param("id"))
	if errors.Is(err, taskmgr.ErrNotFound) {
		fail(c, http.StatusNotFound, "任务不存在")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	outcome, err := s.manager.Cancel(c.Param("id"))
	if errors.Is(err, taskmgr.ErrNotFound) {
		fail(c, http.StatusNotFound, "任务不存在")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "outcome": string(outcome)})
}

func (s *Server) handleTaskStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "statistics": s.manager.Statistics()})
}

func (s *Server) handleTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":                  true,
		"templates":           s.templates.List(),
		"default_template_id": s.templates.DefaultID(),
	})
}

func (s *Server) handlePromptsReload(c *gin.Context) {
	s.registry.Reload()
	s.templates.Load()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func preview(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}

func parseRound(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
