package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/botrelay/internal/testutil"
	"github.com/dyluth/botrelay/pkg/store"
)

type payload struct {
	Bot string `json:"bot"`
	N   int    `json:"n"`
}

// fakeNow returns a clock that tests can move forward.
func fakeNow(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestQueue_EnqueueClaimComplete(t *testing.T) {
	rdb, mr := testutil.NewRedis(t)
	q := New(rdb, "bot-tasks")
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "scraper", payload{Bot: "scraper", N: 1}, Options{Priority: 5, Attempts: 2})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, job.State)
	assert.True(t, mr.Exists("queue:bot-tasks:job:"+job.ID))

	state, err := q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, state)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, StateActive, claimed.State)
	assert.Equal(t, 1, claimed.AttemptsMade)
	assert.Equal(t, 2, claimed.Attempts)
	assert.Equal(t, "scraper", claimed.Name)

	var p payload
	require.NoError(t, claimed.Decode(&p))
	assert.Equal(t, payload{Bot: "scraper", N: 1}, p)

	empty, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, q.Complete(ctx, claimed, map[string]string{"ok": "yes"}))
	state, err = q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, state)

	got, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":"yes"}`, string(got.ReturnValue))
	assert.NotZero(t, got.FinishedMs)

	err = q.Complete(ctx, claimed, nil)
	assert.True(t, errors.Is(err, ErrNotActive))
}

func TestQueue_PriorityOrder(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := New(rdb, "p")
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		prio int
	}{{"low-1", 10}, {"high", 1}, {"low-2", 10}, {"mid", 5}} {
		_, err := q.Enqueue(ctx, tc.name, nil, Options{Priority: tc.prio})
		require.NoError(t, err)
	}

	var order []string
	for {
		job, err := q.Claim(ctx)
		require.NoError(t, err)
		if job == nil {
			break
		}
		order = append(order, job.Name)
	}
	assert.Equal(t, []string{"high", "mid", "low-1", "low-2"}, order)
}

func TestQueue_Dedupe(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := New(rdb, "d")
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "a", payload{N: 1}, Options{DedupeKey: "corr-1"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "a", payload{N: 2}, Options{DedupeKey: "corr-1"})
	require.NoError(t, err)

	assert.Equal(t, "corr-1", first.ID)
	assert.Equal(t, first.ID, second.ID)

	var p payload
	require.NoError(t, second.Decode(&p))
	assert.Equal(t, 1, p.N, "the existing job is returned unchanged")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestQueue_RetryWithBackoff(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := New(rdb, "r")
	now, advance := fakeNow(time.Unix(1_700_000_000, 0))
	q.now = now
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "flaky", nil, Options{Attempts: 2, BackoffDelay: time.Second})
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	retrying, err := q.Fail(ctx, claimed, "boom")
	require.NoError(t, err)
	assert.True(t, retrying)

	state, err := q.State(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, state)

	none, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "not ready before the backoff delay")

	advance(time.Second)
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.AttemptsMade)

	retrying, err = q.Fail(ctx, again, "boom again")
	require.NoError(t, err)
	assert.False(t, retrying)

	final, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "boom again", final.FailedReason)
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, RetryDelay(time.Second, 1))
	assert.Equal(t, 2*time.Second, RetryDelay(time.Second, 2))
	assert.Equal(t, 4*time.Second, RetryDelay(time.Second, 3))
	assert.Equal(t, time.Duration(0), RetryDelay(0, 3))
}

func TestQueue_EnqueueDelayed(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := New(rdb, "later")
	now, advance := fakeNow(time.Unix(1_700_000_000, 0))
	q.now = now
	ctx := context.Background()

	job, err := q.EnqueueDelayed(ctx, "x", nil, Options{}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StateDelayed, job.State)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	advance(5 * time.Second)
	claimed, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestQueue_RemoveOnComplete(t *testing.T) {
	rdb, mr := testutil.NewRedis(t)
	q := New(rdb, "trim")
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(ctx, "x", nil, Options{RemoveOnComplete: 2})
		require.NoError(t, err)
		ids = append(ids, job.ID)
		claimed, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, claimed, nil))
		time.Sleep(2 * time.Millisecond)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)
	assert.False(t, mr.Exists("queue:trim:job:"+ids[0]), "oldest completed job is trimmed")

	_, err = q.State(ctx, ids[0])
	assert.True(t, store.IsNotFound(err))
}

func TestQueue_Clean(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := New(rdb, "clean")
	now, advance := fakeNow(time.Unix(1_700_000_000, 0))
	q.now = now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, "x", nil, Options{})
		require.NoError(t, err)
		claimed, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, claimed, nil))
	}

	n, err := q.Clean(ctx, StateCompleted, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is older than the grace period yet")

	advance(2 * time.Hour)
	n, err = q.Clean(ctx, StateCompleted, time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)

	_, err = q.Clean(ctx, StateActive, time.Hour, 0)
	assert.Error(t, err)
}

func TestQueue_GetJobNotFound(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := New(rdb, "nf")

	_, err := q.GetJob(context.Background(), "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestQueue_FailStalled(t *testing.T) {
	rdb, _ := testutil.NewRedis(t)
	q := New(rdb, "stall")
	now, advance := fakeNow(time.Unix(1_700_000_000, 0))
	q.now = now
	ctx := context.Background()

	job, err := q.Enqueue(ctx, "x", nil, Options{Attempts: 2})
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	advance(30 * time.Minute)
	stalled, err := q.FailStalled(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stalled, "recently claimed jobs are left alone")

	advance(31 * time.Minute)
	stalled, err = q.FailStalled(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, job.ID, stalled[0].ID)
	assert.Equal(t, StateDelayed, stalled[0].State, "attempts remain, so the job is retried")
	assert.Equal(t, StalledReason, stalled[0].FailedReason)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.AttemptsMade)

	advance(2 * time.Hour)
	stalled, err = q.FailStalled(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, StateFailed, stalled[0].State)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Active)
	assert.Equal(t, int64(1), counts.Failed)
}
