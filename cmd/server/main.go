package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"patent_agent/internal/config"
	"patent_agent/internal/convstore"
	"patent_agent/internal/doctpl"
	"patent_agent/internal/llm"
	"patent_agent/internal/prompts"
	"patent_agent/internal/server"
	"patent_agent/internal/taskmgr"
	"patent_agent/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatalf("startup failed: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	store, err := convstore.Open(cfg.Storage.ConversationsDB, log)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	registry := prompts.NewRegistry(cfg.Storage.PromptsDir, log)
	userPrompts, err := prompts.NewUserPromptStore(cfg.Storage.UserPromptsPath, log)
	if err != nil {
		return fmt.Errorf("open user prompts: %w", err)
	}
	templates := doctpl.NewRegistry(cfg.Storage.TemplatesDir, log)
	templates.Load()

	promptEngine := prompts.NewEngine(registry, userPrompts, templates.Name, cfg.LLM.MaxInputLength, log)

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}
	client := llm.NewClient(provider, cfg.LLM, log)

	engine := workflow.NewEngine(client, promptEngine, store, cfg.Storage.OutputDir, log)

	manager := taskmgr.New(engine.Run, taskmgr.Options{
		MaxWorkers:      cfg.Tasks.MaxWorkers,
		MaxPending:      cfg.Tasks.MaxPending,
		TaskTimeout:     cfg.Tasks.TaskTimeout,
		CleanupInterval: cfg.Tasks.CleanupInterval,
		Retention:       cfg.Tasks.Retention,
	}, log)
	manager.Start()
	defer manager.Stop()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@daily", func() {
		server.SweepOutputs(cfg.Storage.OutputDir, cfg.Storage.OutputKeepDays, log)
	}); err != nil {
		log.Warnf("output sweep schedule rejected: %v", err)
	}
	sweeper.Start()
	defer func() { <-sweeper.Stop().Done() }()

	srv := server.New(cfg, log, manager, engine, store, registry, userPrompts, templates)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     httpSrv.Addr,
			"provider": cfg.LLM.Provider,
			"workers":  cfg.Tasks.MaxWorkers,
		}).Info("server listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case s := <-sig:
		log.Infof("signal %s received, shutting down", s)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Warnf("shutdown: %v", err)
		}
	}
	return nil
}

func newProvider(cfg config.Config) (llm.Provider, error) {
	httpClient := &http.Client{Timeout: cfg.LLM.Timeout}
	switch cfg.LLM.Provider {
	case "anthropic":
		return llm.NewAnthropicProvider(cfg.LLM, httpClient)
	case "openai":
		return llm.NewOpenAIProvider(cfg.LLM, httpClient)
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.LLM.Provider)
	}
}
