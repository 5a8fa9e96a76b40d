package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRefresher struct {
	calls atomic.Int32
	n     int
	err   error
}

func (r *countingRefresher) Refresh(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return r.n, r.err
}

func TestStart_NoSchedule(t *testing.T) {
	err := New("", &countingRefresher{}).Start(context.Background())
	assert.ErrorIs(t, err, ErrNoSchedule)
}

func TestStart_InvalidSchedule(t *testing.T) {
	err := New("not a cron", &countingRefresher{}).Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a cron")
}

func TestRun_RecordsState(t *testing.T) {
	r := &countingRefresher{n: 4}
	s := New("@every 1h", r)

	s.run()
	st := s.State()
	assert.Equal(t, "ok", st.LastStatus)
	assert.Equal(t, 4, st.Records)
	assert.Equal(t, 1, st.Runs)
	assert.False(t, st.LastRunAt.IsZero())

	r.err = errors.New("source down")
	s.run()
	st = s.State()
	assert.Equal(t, "error", st.LastStatus)
	assert.Equal(t, "source down", st.LastError)
	assert.Equal(t, 4, st.Records, "failed refresh keeps the last count")
	assert.Equal(t, 2, st.Runs)
}

func TestStart_FiresOnSchedule(t *testing.T) {
	r := &countingRefresher{n: 2}
	s := New("@every 1s", r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	assert.False(t, s.Next().IsZero())
	assert.Eventually(t, func() bool { return r.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "ok", s.State().LastStatus)
}

func TestStop_OnContextCancel(t *testing.T) {
	r := &countingRefresher{}
	s := New("0 0 3 * * *", r)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return s.Next().IsZero() }, time.Second, 10*time.Millisecond)
	s.Stop()
	assert.Equal(t, int32(0), r.calls.Load())
}
