// Package taskmgr runs generation jobs on a bounded worker pool and exposes
// submission, polling, cancellation and statistics.
package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"patent_agent/internal/workflow"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var (
	ErrNotFound  = errors.New("task not found")
	ErrQueueFull = errors.New("task queue full")
)

// CancelOutcome reports what a cancel call did.
type CancelOutcome string

const (
	CancelOK   CancelOutcome = "ok"   // signal delivered
	CancelLate CancelOutcome = "late" // job already terminal
)

// RunFunc executes one job. It reports progress through the callback and
// polls cancelled at safe points.
type RunFunc func(ctx context.Context, in workflow.Input, progress func(int, string), cancelled func() bool) (workflow.Result, error)

// Snapshot is a consistent copy of a job's observable state.
type Snapshot struct {
	TaskID      string           `json:"taskId"`
	Status      Status           `json:"status"`
	Progress    int              `json:"progress"`
	Message     string           `json:"message"`
	CreatedAt   string           `json:"createdAt"`
	StartedAt   string           `json:"startedAt,omitempty"`
	CompletedAt string           `json:"completedAt,omitempty"`
	Result      *workflow.Result `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

type job struct {
	id    string
	input workflow.Input

	mu          sync.Mutex
	status      Status
	progress    int
	message     string
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	result      *workflow.Result
	errMsg      string

	cancelFlag atomic.Bool
}

func (j *job) snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		TaskID:    j.id,
		Status:    j.status,
		Progress:  j.progress,
		Message:   j.message,
		CreatedAt: j.createdAt.Format(time.RFC3339),
	}
	if !j.startedAt.IsZero() {
		s.StartedAt = j.startedAt.Format(time.RFC3339)
	}
	if !j.completedAt.IsZero() {
		s.CompletedAt = j.completedAt.Format(time.RFC3339)
	}
	if j.status == StatusCompleted && j.result != nil {
		r := *j.result
		s.Result = &r
	}
	if j.status == StatusFailed {
		s.Error = j.errMsg
	}
	return s
}

// setProgress stamps a running job's progress, clamped below 100 and never
// decreasing. Terminal jobs ignore updates.
func (j *job) setProgress(p int, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	if p > 99 {
		p = 99
	}
	if p > j.progress {
		j.progress = p
	}
	if msg != "" {
		j.message = msg
	}
}

// Options configures the manager.
type Options struct {
	MaxWorkers      int
	MaxPending      int
	TaskTimeout     time.Duration
	CleanupInterval time.Duration
	Retention       time.Duration
}

func (o Options) WithDefaults() Options {
	out := o
	if out.MaxWorkers <= 0 {
		out.MaxWorkers = 3
	}
	if out.MaxPending <= 0 {
		out.MaxPending = 100
	}
	if out.TaskTimeout <= 0 {
		out.TaskTimeout = 30 * time.Minute
	}
	if out.CleanupInterval <= 0 {
		out.CleanupInterval = time.Hour
	}
	if out.Retention <= 0 {
		out.Retention = 24 * time.Hour
	}
	return out
}

// Manager owns the job table, the FIFO queue and the worker pool.
type Manager struct {
	opts Options
	run  RunFunc
	log  *logrus.Logger

	mu   sync.Mutex
	jobs map[string]*job

	queue chan *job
	wg    sync.WaitGroup

	cron     *cron.Cron
	stopOnce sync.Once
	stopped  chan struct{}
}

func New(run RunFunc, opts Options, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts = opts.WithDefaults()
	return &Manager{
		opts:    opts,
		run:     run,
		log:     log,
		jobs:    make(map[string]*job),
		queue:   make(chan *job, opts.MaxPending),
		cron:    cron.New(),
		stopped: make(chan struct{}),
	}
}

// Start launches the worker pool and the cleanup schedule.
func (m *Manager) Start() {
	for i := 0; i < m.opts.MaxWorkers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	spec := fmt.Sprintf("@every %s", m.opts.CleanupInterval)
	if _, err := m.cron.AddFunc(spec, m.reap); err != nil {
		m.log.WithField("component", "taskmgr").Warnf("cleanup schedule rejected: %v", err)
	}
	m.cron.Start()
	m.log.WithFields(logrus.Fields{
		"component": "taskmgr",
		"workers":   m.opts.MaxWorkers,
		"queue_cap": m.opts.MaxPending,
	}).Info("task manager started")
}

// Stop drains the workers. Jobs still queued at shutdown are marked
// cancelled instead of executed.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		close(m.queue)
		m.wg.Wait()
		ctx := m.cron.Stop()
		<-ctx.Done()
	})
}

// Submit enqueues a job and returns its id. Fails with ErrQueueFull when the
// pending queue is at capacity.
func (m *Manager) Submit(in workflow.Input) (string, error) {
	select {
	case <-m.stopped:
		return "", errors.New("manager stopped")
	default:
	}

	j := &job{
		id:        uuid.NewString(),
		status:    StatusQueued,
		message:   "任务等待中...",
		createdAt: time.Now(),
	}
	in.TaskID = j.id
	j.input = in

	m.mu.Lock()
	m.jobs[j.id] = j
	m.mu.Unlock()

	select {
	case m.queue <- j:
	default:
		m.mu.Lock()
		delete(m.jobs, j.id)
		m.mu.Unlock()
		return "", ErrQueueFull
	}

	m.log.WithFields(logrus.Fields{"component": "taskmgr", "task_id": j.id, "iterations": in.Iterations}).Info("task queued")
	return j.id, nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return j.snapshot(), nil
}

// Cancel sets the cooperative cancellation signal. Idempotent; a terminal job
// reports CancelLate without mutation. A still-queued job goes terminal
// immediately.
func (m *Manager) Cancel(id string) (CancelOutcome, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}

	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return CancelLate, nil
	}
	if j.status == StatusQueued {
		j.status = StatusCancelled
		j.completedAt = time.Now()
		j.message = "任务已取消"
		j.cancelFlag.Store(true)
		j.mu.Unlock()
		m.log.WithFields(logrus.Fields{"component": "taskmgr", "task_id": id}).Info("queued task cancelled")
		return CancelOK, nil
	}
	j.message = "任务取消中..."
	j.mu.Unlock()

	j.cancelFlag.Store(true)
	m.log.WithFields(logrus.Fields{"component": "taskmgr", "task_id": id}).Info("cancel requested")
	return CancelOK, nil
}

// Statistics summarizes the job table.
type Statistics struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"byStatus"`
	QueueDepth int            `json:"queueDepth"`
	Workers    int            `json:"workers"`
}

func (m *Manager) Statistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		ByStatus:   make(map[Status]int),
		QueueDepth: len(m.queue),
		Workers:    m.opts.MaxWorkers,
	}
	for _, j := range m.jobs {
		j.mu.Lock()
		status := j.status
		j.mu.Unlock()
		stats.Total++
		stats.ByStatus[status]++
	}
	return stats
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for j := range m.queue {
		select {
		case <-m.stopped:
			j.finish(StatusCancelled, nil, "", "任务已取消")
			continue
		default:
		}
		m.execute(j)
	}
}

func (m *Manager) execute(j *job) {
	j.mu.Lock()
	if j.status.Terminal() {
		// Cancelled while queued.
		j.mu.Unlock()
		return
	}
	j.status = StatusRunning
	j.startedAt = time.Now()
	j.message = "任务执行中..."
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.TaskTimeout)
	defer cancel()

	result, err := m.run(ctx, j.input, j.setProgress, j.cancelFlag.Load)
	switch {
	case err == nil:
		j.finish(StatusCompleted, &result, "", "任务完成")
	case errors.Is(err, workflow.ErrCancelled):
		j.finish(StatusCancelled, nil, "", "任务已取消")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		j.finish(StatusFailed, nil, "任务执行超时", "任务失败: 任务执行超时")
	default:
		j.finish(StatusFailed, nil, err.Error(), fmt.Sprintf("任务失败: %v", err))
	}

	snap := j.snapshot()
	m.log.WithFields(logrus.Fields{
		"component": "taskmgr",
		"task_id":   j.id,
		"status":    string(snap.Status),
	}).Info("task finished")
}

// finish moves the job into a terminal state exactly once.
func (j *job) finish(status Status, result *workflow.Result, errMsg, message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = status
	j.completedAt = time.Now()
	j.message = message
	j.result = result
	j.errMsg = errMsg
	if status == StatusCompleted {
		j.progress = 100
	}
}

// reap removes terminal jobs whose completion is older than the retention
// window. Queued and running jobs are never removed.
func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, j := range m.jobs {
		j.mu.Lock()
		expired := j.status.Terminal() && !j.completedAt.IsZero() && j.completedAt.Before(cutoff)
		j.mu.Unlock()
		if expired {
			delete(m.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		m.log.WithFields(logrus.Fields{"component": "taskmgr", "removed": removed}).Info("terminal tasks reaped")
	}
}
