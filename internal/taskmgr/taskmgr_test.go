package taskmgr

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"patent_agent/internal/workflow"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func waitTerminal(t *testing.T, m *Manager, id string) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return Snapshot{}
}

func instantRun(result workflow.Result, err error) RunFunc {
	return func(ctx context.Context, in workflow.Input, progress func(int, string), cancelled func() bool) (workflow.Result, error) {
		if err != nil {
			return workflow.Result{}, err
		}
		progress(50, "halfway")
		r := result
		r.TaskID = in.TaskID
		return r, nil
	}
}

func TestSubmitAndComplete(t *testing.T) {
	m := New(instantRun(workflow.Result{Iterations: 1, OutputPath: "out/x.md"}, nil), Options{MaxWorkers: 1}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{Context: "ctx", Iterations: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	snap := waitTerminal(t, m, id)
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", snap.Status, snap.Error)
	}
	if snap.Progress != 100 {
		t.Fatalf("progress = %d", snap.Progress)
	}
	if snap.Result == nil || snap.Result.TaskID != id {
		t.Fatalf("result = %+v", snap.Result)
	}
	if snap.Message != "任务完成" {
		t.Fatalf("message = %q", snap.Message)
	}
	if snap.CreatedAt == "" || snap.StartedAt == "" || snap.CompletedAt == "" {
		t.Fatalf("timestamps missing: %+v", snap)
	}
}

func TestFailureSnapshot(t *testing.T) {
	m := New(instantRun(workflow.Result{}, errors.New("quota exhausted")), Options{MaxWorkers: 1}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{Iterations: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := waitTerminal(t, m, id)
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.Error != "quota exhausted" {
		t.Fatalf("error = %q", snap.Error)
	}
	if snap.Result != nil {
		t.Fatalf("failed job carries result: %+v", snap.Result)
	}
	if snap.Progress == 100 {
		t.Fatal("failed job reports progress 100")
	}
}

func TestQueueFull(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context, in workflow.Input, progress func(int, string), cancelled func() bool) (workflow.Result, error) {
		<-release
		return workflow.Result{}, nil
	}
	m := New(blocking, Options{MaxWorkers: 1, MaxPending: 1}, quietLogger())
	m.Start()
	defer func() {
		close(release)
		m.Stop()
	}()

	// First job occupies the worker, second fills the queue.
	if _, err := m.Submit(workflow.Input{}); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	// Give the worker a moment to pick up the first job.
	time.Sleep(50 * time.Millisecond)
	if _, err := m.Submit(workflow.Input{}); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	if _, err := m.Submit(workflow.Input{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	release := make(chan struct{})
	blocking := func(ctx context.Context, in workflow.Input, progress func(int, string), cancelled func() bool) (workflow.Result, error) {
		<-release
		return workflow.Result{}, nil
	}
	m := New(blocking, Options{MaxWorkers: 1, MaxPending: 2}, quietLogger())
	m.Start()
	defer func() {
		close(release)
		m.Stop()
	}()

	if _, err := m.Submit(workflow.Input{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	queuedID, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	outcome, err := m.Cancel(queuedID)
	if err != nil || outcome != CancelOK {
		t.Fatalf("Cancel: %v %v", outcome, err)
	}
	snap, err := m.Get(queuedID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Status != StatusCancelled {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.Message != "任务已取消" {
		t.Fatalf("message = %q", snap.Message)
	}
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	cooperative := func(ctx context.Context, in workflow.Input, progress func(int, string), cancelled func() bool) (workflow.Result, error) {
		close(started)
		for i := 0; i < 1000; i++ {
			if cancelled() {
				return workflow.Result{}, workflow.ErrCancelled
			}
			time.Sleep(2 * time.Millisecond)
		}
		return workflow.Result{}, nil
	}
	m := New(cooperative, Options{MaxWorkers: 1}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if outcome, err := m.Cancel(id); err != nil || outcome != CancelOK {
		t.Fatalf("Cancel: %v %v", outcome, err)
	}

	snap := waitTerminal(t, m, id)
	if snap.Status != StatusCancelled {
		t.Fatalf("status = %s", snap.Status)
	}
}

func TestCancelIdempotentAndLate(t *testing.T) {
	m := New(instantRun(workflow.Result{}, nil), Options{MaxWorkers: 1}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	before := waitTerminal(t, m, id)

	outcome, err := m.Cancel(id)
	if err != nil || outcome != CancelLate {
		t.Fatalf("Cancel: %v %v", outcome, err)
	}
	after, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if after.Status != before.Status || after.Progress != before.Progress || after.Message != before.Message {
		t.Fatalf("late cancel mutated terminal job: %+v vs %+v", before, after)
	}

	if _, err := m.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestTerminalSnapshotsStable(t *testing.T) {
	m := New(instantRun(workflow.Result{Iterations: 2}, nil), Options{MaxWorkers: 1}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	first := waitTerminal(t, m, id)
	second, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second && *first.Result != *second.Result {
		t.Fatalf("terminal snapshots differ:\n%+v\n%+v", first, second)
	}
}

func TestTaskTimeout(t *testing.T) {
	slow := func(ctx context.Context, in workflow.Input, progress func(int, string), cancelled func() bool) (workflow.Result, error) {
		<-ctx.Done()
		return workflow.Result{}, ctx.Err()
	}
	m := New(slow, Options{MaxWorkers: 1, TaskTimeout: 30 * time.Millisecond}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := waitTerminal(t, m, id)
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s", snap.Status)
	}
	if snap.Error != "任务执行超时" {
		t.Fatalf("error = %q", snap.Error)
	}
}

func TestProgressClampWhileRunning(t *testing.T) {
	var sawTooHigh atomic.Bool
	run := func(ctx context.Context, in workflow.Input, progress func(int, string), cancelled func() bool) (workflow.Result, error) {
		progress(150, "overshoot")
		return workflow.Result{}, errors.New("stop here")
	}
	m := New(run, Options{MaxWorkers: 1}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	snap := waitTerminal(t, m, id)
	if snap.Progress > 99 {
		sawTooHigh.Store(true)
	}
	if sawTooHigh.Load() {
		t.Fatalf("non-completed job reports progress %d", snap.Progress)
	}
	if snap.Status != StatusFailed {
		t.Fatalf("status = %s", snap.Status)
	}
}

func TestStatistics(t *testing.T) {
	m := New(instantRun(workflow.Result{}, nil), Options{MaxWorkers: 2}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, m, id)

	stats := m.Statistics()
	if stats.Total != 1 || stats.ByStatus[StatusCompleted] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Workers != 2 {
		t.Fatalf("workers = %d", stats.Workers)
	}
}

func TestReapRemovesOldTerminalJobs(t *testing.T) {
	m := New(instantRun(workflow.Result{}, nil), Options{MaxWorkers: 1, Retention: time.Millisecond}, quietLogger())
	m.Start()
	defer m.Stop()

	id, err := m.Submit(workflow.Input{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitTerminal(t, m, id)
	time.Sleep(10 * time.Millisecond)

	m.reap()
	if _, err := m.Get(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reaped job still visible: %v", err)
	}
}
