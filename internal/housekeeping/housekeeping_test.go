package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/botrelay/internal/dispatch"
	"github.com/dyluth/botrelay/internal/metrics"
	"github.com/dyluth/botrelay/internal/queue"
	"github.com/dyluth/botrelay/internal/slotpool"
	rtest "github.com/dyluth/botrelay/internal/testutil"
	"github.com/dyluth/botrelay/pkg/store"
)

func setupHousekeeper(t *testing.T, opts Options) (*Housekeeper, *store.Client, *miniredis.Miniredis) {
	t.Helper()
	client, mr := rtest.NewStore(t)
	rtest.SaveBots(t, client,
		rtest.Bot("scraper", "python-workers", 2),
		rtest.Bot("mailer", "node-workers", 0),
	)

	rdb := client.RedisClient()
	policies := slotpool.NewRegistry(dispatch.NewPolicyLoader(client, slotpool.Policy{}), 0)
	h := New(rdb, client, policies, slotpool.New(rdb), opts, zerolog.Nop())
	return h, client, mr
}

// finishJob enqueues, claims and settles one job on q.
func finishJob(t *testing.T, q *queue.Queue, fail bool) {
	t.Helper()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, "job", map[string]string{"k": "v"}, queue.Options{Attempts: 1})
	require.NoError(t, err)
	job, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	if fail {
		_, err = q.Fail(ctx, job, "boom")
	} else {
		err = q.Complete(ctx, job, "ok")
	}
	require.NoError(t, err)
}

func TestHousekeeper_Queues(t *testing.T) {
	h, _, _ := setupHousekeeper(t, Options{})

	names, err := h.Queues(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{dispatch.MainQueue, "node-workers", "python-workers"}, names)
}

func TestHousekeeper_Clean(t *testing.T) {
	ctx := context.Background()

	t.Run("removes finished jobs past their grace period", func(t *testing.T) {
		h, client, _ := setupHousekeeper(t, Options{CompletedGrace: time.Millisecond, FailedGrace: time.Millisecond})
		main := queue.New(client.RedisClient(), dispatch.MainQueue)
		workers := queue.New(client.RedisClient(), "python-workers")
		finishJob(t, main, false)
		finishJob(t, main, true)
		finishJob(t, workers, false)

		time.Sleep(10 * time.Millisecond)

		n, err := h.Clean(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		counts, err := main.Counts(ctx)
		require.NoError(t, err)
		assert.Zero(t, counts.Completed)
		assert.Zero(t, counts.Failed)
	})

	t.Run("keeps recent jobs", func(t *testing.T) {
		h, client, _ := setupHousekeeper(t, Options{})
		main := queue.New(client.RedisClient(), dispatch.MainQueue)
		finishJob(t, main, false)
		finishJob(t, main, true)

		n, err := h.Clean(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		counts, err := main.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Completed)
		assert.Equal(t, int64(1), counts.Failed)
	})
}

func TestHousekeeper_CleanFailsStalledJobs(t *testing.T) {
	h, client, mr := setupHousekeeper(t, Options{StalledAfter: time.Millisecond})
	ctx := context.Background()
	rdb := client.RedisClient()

	main := queue.New(rdb, dispatch.MainQueue)
	_, err := main.Enqueue(ctx, "scraper", dispatch.Task{BotKey: "scraper", TargetQueue: "python-workers"}, queue.Options{Attempts: 1})
	require.NoError(t, err)
	_, err = main.Enqueue(ctx, "mailer", dispatch.Task{BotKey: "mailer", TargetQueue: "node-workers"}, queue.Options{Attempts: 2})
	require.NoError(t, err)
	for range 2 {
		job, err := main.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
	}
	require.NoError(t, mr.Set(store.ConcurrencyCounterKey("scraper"), "1"))
	require.NoError(t, mr.Set(store.ConcurrencyCounterKey("mailer"), "1"))

	workers := queue.New(rdb, "python-workers")
	_, err = workers.Enqueue(ctx, "scraper", "payload", queue.Options{Attempts: 1})
	require.NoError(t, err)
	_, err = workers.Claim(ctx)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	n, err := h.Clean(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "freshly failed jobs are within their grace period")

	counts, err := main.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Active)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(1), counts.Delayed+counts.Waiting, "a task with attempts left is retried")

	counts, err = workers.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Active)
	assert.Equal(t, int64(1), counts.Failed)

	scraper, err := mr.Get(store.ConcurrencyCounterKey("scraper"))
	require.NoError(t, err)
	assert.Equal(t, "0", scraper, "a task failed for good gives its unit back")
	mailer, err := mr.Get(store.ConcurrencyCounterKey("mailer"))
	require.NoError(t, err)
	assert.Equal(t, "1", mailer, "a retried task keeps its unit")
}

func TestHousekeeper_RefreshGauges(t *testing.T) {
	h, client, mr := setupHousekeeper(t, Options{})
	ctx := context.Background()

	q := queue.New(client.RedisClient(), "python-workers")
	_, err := q.Enqueue(ctx, "job", "a", queue.Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "job", "b", queue.Options{})
	require.NoError(t, err)
	require.NoError(t, mr.Set(store.ConcurrencyCounterKey("scraper"), "1"))

	token, err := h.pool.Acquire(ctx, "python-workers", 5, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, h.RefreshGauges(ctx))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.QueueSize.WithLabelValues("python-workers", "waiting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.QueueSize.WithLabelValues(dispatch.MainQueue, "waiting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SemaphoreUsage.WithLabelValues(store.ConcurrencyCounterKey("scraper"))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SemaphoreUsage.WithLabelValues(store.ConcurrencyCounterKey("mailer"))))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SemaphoreUsage.WithLabelValues(store.SlotPoolKey("python-workers"))))
}

func TestHousekeeper_AuditCounters(t *testing.T) {
	h, _, mr := setupHousekeeper(t, Options{})
	ctx := context.Background()

	anomalies, err := h.AuditCounters(ctx)
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	// An unlimited bot never reports, whatever its counter says.
	require.NoError(t, mr.Set(store.ConcurrencyCounterKey("mailer"), "40"))
	require.NoError(t, mr.Set(store.ConcurrencyCounterKey("scraper"), "5"))

	anomalies, err = h.AuditCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Anomaly{{BotKey: "scraper", Count: 5, Limit: 2}}, anomalies)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.CounterAudit.WithLabelValues("scraper")))

	// Observe only: the counter is left as found.
	got, err := mr.Get(store.ConcurrencyCounterKey("scraper"))
	require.NoError(t, err)
	assert.Equal(t, "5", got)

	require.NoError(t, mr.Set(store.ConcurrencyCounterKey("scraper"), "2"))
	_, err = h.AuditCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.CounterAudit.WithLabelValues("scraper")))
}

func TestHousekeeper_LogStats(t *testing.T) {
	h, _, _ := setupHousekeeper(t, Options{})
	assert.NoError(t, h.LogStats(context.Background()))
}

func TestHousekeeper_Run(t *testing.T) {
	h, client, _ := setupHousekeeper(t, Options{
		CleanupInterval: time.Second,
		CompletedGrace:  time.Millisecond,
	})
	main := queue.New(client.RedisClient(), dispatch.MainQueue)
	finishJob(t, main, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	assert.Eventually(t, func() bool {
		counts, err := main.Counts(context.Background())
		return err == nil && counts.Completed == 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("housekeeper did not stop")
	}
}
