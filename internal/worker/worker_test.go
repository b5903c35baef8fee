package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/queue"
	"github.com/dyluth/botrelay/internal/testutil"
)

type callbackRecorder struct {
	mu       sync.Mutex
	payloads []CallbackPayload
	server   *httptest.Server
}

func newCallbackRecorder(t *testing.T, status int) *callbackRecorder {
	rec := &callbackRecorder{}
	rec.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p CallbackPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			rec.mu.Lock()
			rec.payloads = append(rec.payloads, p)
			rec.mu.Unlock()
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(rec.server.Close)
	return rec
}

func (c *callbackRecorder) received() []CallbackPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CallbackPayload(nil), c.payloads...)
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, *dispatch.Task) (json.RawMessage, error) {
	return nil, errors.New("bot crashed")
}

func enqueueTask(t *testing.T, q *queue.Queue, callback string, attempts int) *queue.Job {
	t.Helper()
	task := dispatch.Task{BotKey: "scraper", TargetQueue: q.Name(), Params: map[string]any{"n": 1.0}, CallbackAddress: callback, CorrelationID: "corr-9"}
	_, err := q.Enqueue(context.Background(), task.BotKey, task, queue.Options{Attempts: attempts})
	require.NoError(t, err)
	job, err := q.Claim(context.Background())
	require.NoError(t, err)
	return job
}

func TestRunner_HandleSuccess(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	rec := newCallbackRecorder(t, http.StatusOK)
	runner := NewRunner(rdb, "python-workers", EchoExecutor{}, NewCallbackSender(time.Second), 1, zerolog.Nop())

	job := enqueueTask(t, runner.queue, rec.server.URL+"/result", 1)
	result, err := runner.Handle(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, string(result.(json.RawMessage)), `"botKey":"scraper"`)

	got := rec.received()
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
	assert.Equal(t, job.ID, got[0].JobID)
	assert.Equal(t, "corr-9", got[0].CorrelationID)
	assert.Contains(t, string(got[0].Data), `"n":1`)
}

func TestRunner_HandleFailure(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	rec := newCallbackRecorder(t, http.StatusOK)
	runner := NewRunner(rdb, "q", failingExecutor{}, NewCallbackSender(time.Second), 1, zerolog.Nop())

	job := enqueueTask(t, runner.queue, rec.server.URL, 2)
	_, err := runner.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Empty(t, rec.received(), "no callback while a retry is pending")

	job.AttemptsMade = 2
	_, err = runner.Handle(context.Background(), job)
	require.Error(t, err)

	got := rec.received()
	require.Len(t, got, 1)
	assert.False(t, got[0].Success)
	assert.Equal(t, "bot crashed", got[0].Error)
}

func TestRunner_CallbackFailureDoesNotFailJob(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	rec := newCallbackRecorder(t, http.StatusBadGateway)
	runner := NewRunner(rdb, "q", EchoExecutor{}, NewCallbackSender(time.Second), 1, zerolog.Nop())

	job := enqueueTask(t, runner.queue, rec.server.URL, 1)
	_, err := runner.Handle(context.Background(), job)
	assert.NoError(t, err)
	assert.Len(t, rec.received(), 1)
}

func TestRunner_Run(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	rec := newCallbackRecorder(t, http.StatusOK)
	runner := NewRunner(rdb, "q", EchoExecutor{Delay: time.Millisecond}, NewCallbackSender(time.Second), 2, zerolog.Nop())

	q := queue.New(rdb, "q")
	job, err := q.Enqueue(context.Background(), "scraper", dispatch.Task{BotKey: "scraper", CallbackAddress: rec.server.URL}, queue.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		state, _ := q.State(context.Background(), job.ID)
		return state == queue.StateCompleted
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, rec.received(), 1)
}

func TestCommandExecutor(t *testing.T) {
	task := &dispatch.Task{BotKey: "scraper", Params: map[string]any{"x": "y"}}

	t.Run("returns stdout JSON", func(t *testing.T) {
		out, err := CommandExecutor{Command: []string{"cat"}}.Execute(context.Background(), task)
		require.NoError(t, err)
		assert.Contains(t, string(out), `"botKey":"scraper"`)
	})

	t.Run("non-zero exit fails", func(t *testing.T) {
		_, err := CommandExecutor{Command: []string{"sh", "-c", "echo oops >&2; exit 3"}}.Execute(context.Background(), task)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "code 3")
		assert.Contains(t, err.Error(), "oops")
	})

	t.Run("non-JSON output fails", func(t *testing.T) {
		_, err := CommandExecutor{Command: []string{"echo", "hello"}}.Execute(context.Background(), task)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not valid JSON")
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := CommandExecutor{Command: []string{"sleep", "5"}, Timeout: 50 * time.Millisecond}.Execute(context.Background(), task)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := CommandExecutor{}.Execute(context.Background(), task)
		assert.Error(t, err)
	})
}

func TestLimitedWriter(t *testing.T) {
	var buf testBuffer
	lw := &limitedWriter{w: &buf, limit: 5}

	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = lw.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n, "reports the full length so callers keep writing")
	assert.Equal(t, "abcde", buf.String())
}

type testBuffer struct{ data []byte }

func (b *testBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *testBuffer) String() string { return string(b.data) }
