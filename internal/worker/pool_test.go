package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/kbindex/internal/kberrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echoExecutor(ctx context.Context, task Task) (any, error) {
	return task.Payload, nil
}

func TestSubmit_CompletesWithValue(t *testing.T) {
	p := New(Options{MaxWorkers: 2, MaxQueueSize: 10, HeartbeatInterval: 50 * time.Millisecond}, echoExecutor)
	defer p.Shutdown(time.Second)

	ch, err := p.Submit(Task{ID: "t1", Payload: "hello", SubmittedAt: time.Now()})
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.True(t, res.OK)
		assert.Equal(t, "hello", res.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestSubmit_RejectsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	exec := func(ctx context.Context, task Task) (any, error) {
		<-block
		return nil, nil
	}
	p := New(Options{MaxWorkers: 1, MaxQueueSize: 2, HeartbeatInterval: 50 * time.Millisecond}, exec)
	defer func() {
		close(block)
		p.Shutdown(time.Second)
	}()

	_, err := p.Submit(Task{ID: "t1", SubmittedAt: time.Now()})
	require.NoError(t, err)
	_, err = p.Submit(Task{ID: "t2", SubmittedAt: time.Now()})
	require.NoError(t, err)
	_, err = p.Submit(Task{ID: "t3", SubmittedAt: time.Now()})
	require.Error(t, err)
	assert.Equal(t, kberrors.QueueFull, kberrors.KindOf(err))
}

func TestSubmit_RejectsAfterShutdown(t *testing.T) {
	p := New(Options{MaxWorkers: 1, MaxQueueSize: 2, HeartbeatInterval: 50 * time.Millisecond}, echoExecutor)
	require.NoError(t, p.Shutdown(time.Second))

	_, err := p.Submit(Task{ID: "late", SubmittedAt: time.Now()})
	require.Error(t, err)
	assert.Equal(t, kberrors.ShuttingDown, kberrors.KindOf(err))
}

func TestSubmitBatch_PartialFailureDoesNotFailBatch(t *testing.T) {
	exec := func(ctx context.Context, task Task) (any, error) {
		if task.ID == "bad" {
			return nil, kberrors.New(kberrors.AnalysisFailure, "exec", nil)
		}
		return "ok", nil
	}
	p := New(Options{MaxWorkers: 2, MaxQueueSize: 10, HeartbeatInterval: 50 * time.Millisecond}, exec)
	defer p.Shutdown(time.Second)

	results := p.SubmitBatch([]Task{
		{ID: "good1", SubmittedAt: time.Now()},
		{ID: "bad", SubmittedAt: time.Now()},
		{ID: "good2", SubmittedAt: time.Now()},
	})

	require.Len(t, results, 3)
	oks := 0
	for _, r := range results {
		if r.OK {
			oks++
		}
	}
	assert.Equal(t, 2, oks)
}

func TestDispatch_HigherPriorityFirst(t *testing.T) {
	var order []string
	done := make(chan struct{})
	exec := func(ctx context.Context, task Task) (any, error) {
		order = append(order, task.ID)
		if len(order) == 3 {
			close(done)
		}
		return nil, nil
	}

	block := make(chan struct{})
	gatedExec := func(ctx context.Context, task Task) (any, error) {
		<-block
		return exec(ctx, task)
	}
	p := New(Options{MaxWorkers: 1, MaxQueueSize: 10, HeartbeatInterval: 50 * time.Millisecond}, gatedExec)
	defer p.Shutdown(time.Second)

	firstCh, err := p.Submit(Task{ID: "warmup", Priority: 0, SubmittedAt: time.Now()})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // ensure warmup is dispatched and blocking the sole worker
	_, _ = p.Submit(Task{ID: "low", Priority: 1, SubmittedAt: time.Now()})
	_, _ = p.Submit(Task{ID: "high", Priority: 9, SubmittedAt: time.Now()})

	close(block)
	<-firstCh
	<-done

	require.Len(t, order, 3)
	assert.Equal(t, []string{"warmup", "high", "low"}, order)
}

func TestStatus_ReportsQueueLen(t *testing.T) {
	block := make(chan struct{})
	exec := func(ctx context.Context, task Task) (any, error) {
		<-block
		return nil, nil
	}
	p := New(Options{MaxWorkers: 1, MaxQueueSize: 10, HeartbeatInterval: 50 * time.Millisecond}, exec)
	defer func() {
		close(block)
		p.Shutdown(time.Second)
	}()

	_, _ = p.Submit(Task{ID: "running", SubmittedAt: time.Now()})
	time.Sleep(20 * time.Millisecond)
	_, _ = p.Submit(Task{ID: "queued", SubmittedAt: time.Now()})

	status := p.Status()
	assert.Equal(t, 1, status.Workers)
	assert.Equal(t, 1, status.QueueLen)
	assert.Equal(t, 1, status.Active)
}

func TestStream_EmitsChunksAndProgress(t *testing.T) {
	p := New(Options{MaxWorkers: 4, MaxQueueSize: 50, HeartbeatInterval: 50 * time.Millisecond}, echoExecutor)
	defer p.Shutdown(time.Second)

	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{ID: string(rune('a' + i)), Payload: i, SubmittedAt: time.Now()}
	}

	var progressCalls int32
	out := p.Stream(tasks, StreamOptions{ChunkSize: 3, Concurrency: 2, OnProgress: func(done, total int) {
		atomic.AddInt32(&progressCalls, 1)
	}})

	total := 0
	for chunk := range out {
		assert.LessOrEqual(t, len(chunk), 3)
		total += len(chunk)
	}
	assert.Equal(t, 10, total)
	assert.Equal(t, int32(10), atomic.LoadInt32(&progressCalls))
}

func TestSafeExec_PanicBecomesWorkerCrashed(t *testing.T) {
	exec := func(ctx context.Context, task Task) (any, error) {
		panic("boom")
	}
	p := New(Options{MaxWorkers: 1, MaxQueueSize: 10, HeartbeatInterval: 50 * time.Millisecond}, exec)
	defer p.Shutdown(time.Second)

	ch, err := p.Submit(Task{ID: "crasher", SubmittedAt: time.Now()})
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.False(t, res.OK)
		assert.Equal(t, kberrors.WorkerCrashed, kberrors.KindOf(res.Error))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for crash result")
	}

	// pool should still accept work after replacing the crashed worker
	ch2, err := p.Submit(Task{ID: "after-crash", Payload: "still alive", SubmittedAt: time.Now()})
	require.NoError(t, err)
	select {
	case res := <-ch2:
		assert.True(t, res.OK)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-crash result")
	}
}

func TestSafeExec_PerTaskTimeoutFailsAndRecyclesWorker(t *testing.T) {
	slowReturned := make(chan struct{})
	exec := func(ctx context.Context, task Task) (any, error) {
		if task.ID == "slow" {
			time.Sleep(200 * time.Millisecond)
			close(slowReturned)
			return nil, nil
		}
		return task.Payload, nil
	}
	p := New(Options{MaxWorkers: 1, MaxQueueSize: 10, HeartbeatInterval: 50 * time.Millisecond}, exec)
	defer p.Shutdown(time.Second)

	ch, err := p.Submit(Task{ID: "slow", SubmittedAt: time.Now(), TimeoutMs: 20})
	require.NoError(t, err)

	select {
	case res := <-ch:
		assert.False(t, res.OK)
		assert.Equal(t, kberrors.Timeout, kberrors.KindOf(res.Error))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout result")
	}

	// the pool recycles the worker and keeps accepting work even while
	// the timed-out executor is still running in the background.
	ch2, err := p.Submit(Task{ID: "after-timeout", Payload: "still alive", SubmittedAt: time.Now()})
	require.NoError(t, err)
	select {
	case res := <-ch2:
		assert.True(t, res.OK)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-timeout result")
	}

	select {
	case <-slowReturned:
	case <-time.After(time.Second):
		t.Fatal("slow executor never returned")
	}
}

func TestShutdown_ReturnsNilWithinTimeout(t *testing.T) {
	p := New(Options{MaxWorkers: 2, MaxQueueSize: 10, HeartbeatInterval: 50 * time.Millisecond}, echoExecutor)
	require.NoError(t, p.Shutdown(time.Second))
}
