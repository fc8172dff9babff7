// Package workflow runs the multi-round writer/reviewer loop that produces a
// patent draft.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"patent_agent/internal/llm"
	"patent_agent/internal/prompts"
)

// ErrCancelled aborts a run when the cooperative cancel flag is observed.
var ErrCancelled = errors.New("cancelled")

// LLMCaller is the gateway the engine sends prompts through.
type LLMCaller interface {
	Call(ctx context.Context, prompt string, info llm.CallInfo) (string, error)
}

// RoundStore persists the conversation history of a run.
type RoundStore interface {
	CreateTask(id, title, context string, iterations int, baseName string) error
	LogRound(taskID string, round int, role, prompt, response string) (int64, error)
	UpdateTaskStatus(taskID, status string) error
}

// Input is one sanitized generation request bound to a task id.
type Input struct {
	TaskID     string
	Title      string
	Context    string
	Iterations int
	OutputName string
	TemplateID string
}

// Result is returned on successful completion.
type Result struct {
	OutputPath   string `json:"output_path"`
	DocxPath     string `json:"docx_path,omitempty"`
	Iterations   int    `json:"iterations"`
	LastReview   string `json:"last_review"`
	TaskID       string `json:"task_id"`
	TemplateUsed string `json:"template_used,omitempty"`
}

// Engine drives the round loop: writer (round 1) or modifier (rounds 2..N),
// then reviewer, persisting both turns per round.
type Engine struct {
	llm       LLMCaller
	prompts   *prompts.Engine
	store     RoundStore
	outputDir string
	log       *logrus.Logger
}

func NewEngine(caller LLMCaller, promptEngine *prompts.Engine, store RoundStore, outputDir string, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		llm:       caller,
		prompts:   promptEngine,
		store:     store,
		outputDir: outputDir,
		log:       log,
	}
}

// Run executes the full loop. progress receives monotone percentage steps
// with a short message; cancelled is polled at every safe point. A response
// arriving after cancellation is discarded and not persisted.
func (e *Engine) Run(ctx context.Context, in Input, progress func(int, string), cancelled func() bool) (Result, error) {
	if progress == nil {
		progress = func(int, string) {}
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	total := in.Iterations
	if total < 1 {
		total = 1
	}
	share := 100 / total

	if e.store != nil {
		if err := e.store.CreateTask(in.TaskID, in.Title, in.Context, total, in.OutputName); err != nil {
			return Result{}, fmt.Errorf("record task: %w", err)
		}
	}
	progress(0, fmt.Sprintf("开始专利生成流程，共 %d 轮迭代", total))

	var draft, review string
	for i := 1; i <= total; i++ {
		role := "writer"
		if i > 1 {
			role = "modifier"
		}

		if cancelled() {
			return Result{}, e.finish(in.TaskID, ErrCancelled)
		}
		prompt, err := e.prompts.Build(prompts.BuildInput{
			Role:           role,
			Iteration:      i,
			Total:          total,
			Context:        in.Context,
			PreviousDraft:  draft,
			PreviousReview: review,
			TemplateID:     in.TemplateID,
		})
		if err != nil {
			return Result{}, e.finish(in.TaskID, err)
		}

		progress(clampShare(share*(i-1)+share/4), fmt.Sprintf("第 %d/%d 轮：调用 LLM 撰写专利", i, total))
		response, err := e.llm.Call(ctx, prompt, llm.CallInfo{Role: role, Round: i})
		if err != nil {
			return Result{}, e.finish(in.TaskID, err)
		}
		if cancelled() {
			// Discard the in-flight response, record nothing.
			return Result{}, e.finish(in.TaskID, ErrCancelled)
		}
		if strings.TrimSpace(response) == "" {
			return Result{}, e.finish(in.TaskID, fmt.Errorf("round %d: empty %s response", i, role))
		}
		draft = response
		if e.store != nil {
			if _, err := e.store.LogRound(in.TaskID, i, role, prompt, response); err != nil {
				return Result{}, e.finish(in.TaskID, err)
			}
		}

		if cancelled() {
			return Result{}, e.finish(in.TaskID, ErrCancelled)
		}
		reviewerPrompt, err := e.prompts.Build(prompts.BuildInput{
			Role:         "reviewer",
			Iteration:    i,
			Total:        total,
			Context:      in.Context,
			CurrentDraft: draft,
			TemplateID:   in.TemplateID,
		})
		if err != nil {
			return Result{}, e.finish(in.TaskID, err)
		}

		progress(clampShare(share*(i-1)+share/2), fmt.Sprintf("第 %d/%d 轮：调用 LLM 进行评审", i, total))
		reviewResp, err := e.llm.Call(ctx, reviewerPrompt, llm.CallInfo{Role: "reviewer", Round: i})
		if err != nil {
			return Result{}, e.finish(in.TaskID, err)
		}
		if cancelled() {
			return Result{}, e.finish(in.TaskID, ErrCancelled)
		}
		review = reviewResp
		if e.store != nil {
			if _, err := e.store.LogRound(in.TaskID, i, "reviewer", reviewerPrompt, reviewResp); err != nil {
				return Result{}, e.finish(in.TaskID, err)
			}
		}

		progress(roundProgress(share, total, i), fmt.Sprintf("第 %d/%d 轮：评审完成", i, total))
	}

	outputPath, err := e.writeOutput(in, draft, total)
	if err != nil {
		return Result{}, e.finish(in.TaskID, err)
	}
	if e.store != nil {
		if err := e.store.UpdateTaskStatus(in.TaskID, "completed"); err != nil {
			e.log.WithField("task_id", in.TaskID).Warnf("status update failed: %v", err)
		}
	}
	progress(100, fmt.Sprintf("专利生成完成，文件已保存到: %s", outputPath))

	return Result{
		OutputPath:   outputPath,
		Iterations:   total,
		LastReview:   review,
		TaskID:       in.TaskID,
		TemplateUsed: in.TemplateID,
	}, nil
}

// IdeaContext wraps a free-form idea in the framing the writer prompt
// expects as its technical context.
func IdeaContext(idea string) string {
	return strings.Join([]string{
		"# Idea Based Context",
		"",
		"User provided idea / requirement:",
		"",
		idea,
		"",
		"Goal: Extract key technical innovations and write a full Chinese invention patent based on this idea.",
	}, "\n")
}

// finish records the terminal store status for a non-successful run and
// passes the error through.
func (e *Engine) finish(taskID string, err error) error {
	if e.store != nil {
		status := "failed"
		if errors.Is(err, ErrCancelled) {
			status = "cancelled"
		}
		if uerr := e.store.UpdateTaskStatus(taskID, status); uerr != nil {
			e.log.WithField("task_id", taskID).Warnf("status update failed: %v", uerr)
		}
	}
	return err
}

// roundProgress gives each round floor(100/N) percent; the remainder lands on
// the last round so success always reads 100 at the manager level.
func roundProgress(share, total, i int) int {
	p := share * i
	if i == total {
		p = 100
	}
	return p
}

// clampShare keeps intra-round steps below the completion mark.
func clampShare(p int) int {
	if p >= 100 {
		p = 99
	}
	return p
}

func (e *Engine) writeOutput(in Input, draft string, total int) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	name := strings.TrimSpace(in.OutputName)
	if name == "" {
		name = "patent-" + time.Now().UTC().Format("2006-01-02T15-04-05")
	}
	path := filepath.Join(e.outputDir, name+".md")

	meta := strings.Join([]string{
		"<!--",
		"  Generated by multi-round patent generator",
		fmt.Sprintf("  Iterations: %d", total),
		fmt.Sprintf("  Generated at: %s", time.Now().UTC().Format(time.RFC3339)),
		"-->",
		"",
	}, "\n")

	if err := os.WriteFile(path, []byte(meta+draft), 0o644); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}
	return path, nil
}
