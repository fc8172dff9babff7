package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"patent_agent/internal/config"
)

// Provider is a single-shot completion backend.
type Provider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// CallInfo carries logging context for one gateway call.
type CallInfo struct {
	Role  string
	Round int
}

// Client serializes and retries calls to a Provider. One in-flight upstream
// request at a time, process-wide.
type Client struct {
	provider Provider
	log      *logrus.Logger

	timeout         time.Duration
	retryAttempts   int
	retryDelay      time.Duration
	maxInputLength  int
	maxOutputLength int

	mu sync.Mutex

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(p Provider, cfg config.LLMConfig, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		provider:        p,
		log:             log,
		timeout:         cfg.Timeout,
		retryAttempts:   cfg.RetryAttempts,
		retryDelay:      cfg.RetryDelay,
		maxInputLength:  cfg.MaxInputLength,
		maxOutputLength: cfg.MaxOutputLength,
		sleep:           sleepCtx,
	}
}

// Call sends prompt upstream and returns the completion text. Retries
// timeout/rate-limit/transient failures with exponential backoff; auth, quota
// and validation failures fail fast.
func (c *Client) Call(ctx context.Context, prompt string, info CallInfo) (string, error) {
	if c == nil || c.provider == nil {
		return "", &Error{Kind: KindInvalid, Err: errors.New("no provider configured")}
	}
	if strings.TrimSpace(prompt) == "" {
		return "", &Error{Kind: KindInvalid, Err: errors.New("empty prompt")}
	}
	if n := len([]rune(prompt)); c.maxInputLength > 0 && n > c.maxInputLength {
		return "", &Error{Kind: KindInvalid, Err: fmt.Errorf("prompt length %d exceeds limit %d", n, c.maxInputLength)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	attempts := c.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1))
			if adv, ok := AdvisoryDelay(lastErr); ok && KindOf(lastErr) == KindRateLimit && adv > delay {
				delay = adv
			}
			if err := c.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		start := time.Now()
		text, err := c.once(ctx, prompt)
		elapsed := time.Since(start)

		if err == nil {
			c.log.WithFields(logrus.Fields{
				"component":    "llm",
				"role":         info.Role,
				"round":        info.Round,
				"prompt_len":   len([]rune(prompt)),
				"response_len": len([]rune(text)),
				"elapsed_ms":   elapsed.Milliseconds(),
				"retries":      attempt,
			}).Info("llm call ok")
			return text, nil
		}

		kind := KindOf(err)
		c.log.WithFields(logrus.Fields{
			"component":  "llm",
			"role":       info.Role,
			"round":      info.Round,
			"prompt_len": len([]rune(prompt)),
			"elapsed_ms": elapsed.Milliseconds(),
			"attempt":    attempt + 1,
			"error_kind": string(kind),
		}).Warnf("llm call failed: %s", Redact(err.Error()))

		lastErr = err
		if !Retryable(kind) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	var typed *Error
	if errors.As(lastErr, &typed) {
		return "", lastErr
	}
	return "", &Error{Kind: KindOf(lastErr), Err: lastErr}
}

func (c *Client) once(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	text, err := c.provider.Complete(callCtx, prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", &Error{Kind: KindTransient, Err: errors.New("empty response from provider")}
	}
	return c.truncate(text), nil
}

// truncate caps the response at maxOutputLength runes, marking the cut.
func (c *Client) truncate(text string) string {
	if c.maxOutputLength <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= c.maxOutputLength {
		return text
	}
	return string(runes[:c.maxOutputLength]) + "\n[truncated]"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
