package qa

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/memberqa/internal/answer"
	"github.com/stellarlinkco/memberqa/internal/cache"
	"github.com/stellarlinkco/memberqa/internal/metrics"
	"github.com/stellarlinkco/memberqa/internal/source"
)

type countingFetcher struct {
	calls  atomic.Int32
	result source.Result
}

func (f *countingFetcher) FetchAll(context.Context) source.Result {
	f.calls.Add(1)
	return f.result
}

func fallbackFetcher() *countingFetcher {
	return &countingFetcher{result: source.Result{
		Records: source.FallbackRecords(),
		Origin:  source.OriginFallback,
		Err:     errors.New("dial tcp: connection refused"),
	}}
}

func TestService_EndToEndFallback(t *testing.T) {
	f := fallbackFetcher()
	var gotContext string
	svc := NewService(cache.New(f, cache.Options{}), answer.Func(func(_ context.Context, q, c string) (string, error) {
		gotContext = c
		return "Layla is going on June 20th", nil
	}), nil)

	out, err := svc.Ask(context.Background(), "  When is Layla planning her trip to London?  ")
	require.NoError(t, err)
	assert.Equal(t, "Layla is going on June 20th", out)
	assert.True(t, strings.HasPrefix(gotContext, "User: Layla (ID: 1)"))

	st := svc.Stats()
	assert.Equal(t, 4, st.TotalMessages)
	assert.Equal(t, 4, st.UniqueUsers)
	assert.Equal(t, cache.StatusLoaded, st.CacheStatus)

	entry, err := svc.Context(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(entry.Blob, "---"))
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestService_EmptyQuestion(t *testing.T) {
	f := fallbackFetcher()
	called := false
	m := metrics.New()
	svc := NewService(cache.New(f, cache.Options{}), answer.Func(func(context.Context, string, string) (string, error) {
		called = true
		return "", nil
	}), m)

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := svc.Ask(context.Background(), q)
		assert.ErrorIs(t, err, ErrEmptyQuestion)
	}
	assert.False(t, called)
	assert.Equal(t, int32(0), f.calls.Load(), "blank questions must not touch the cache")
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Answers.WithLabelValues("rejected")))
}

func TestService_AnswerFailedKeepsCache(t *testing.T) {
	f := fallbackFetcher()
	boom := errors.New("provider timeout")
	svc := NewService(cache.New(f, cache.Options{}), answer.Func(func(context.Context, string, string) (string, error) {
		return "", boom
	}), nil)

	_, err := svc.Ask(context.Background(), "How many cars does Vikram Desai have?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAnswerFailed)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, cache.StatusLoaded, svc.Stats().CacheStatus)
	_, _ = svc.Ask(context.Background(), "again")
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestService_SourceUnavailable(t *testing.T) {
	f := &countingFetcher{result: source.Result{Origin: source.OriginNone, Err: errors.New("503")}}
	svc := NewService(cache.New(f, cache.Options{}), answer.Func(func(context.Context, string, string) (string, error) {
		t.Fatal("answerer must not be called without context")
		return "", nil
	}), nil)

	_, err := svc.Ask(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = svc.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, cache.StatusEmpty, svc.Stats().CacheStatus)
}

func TestService_NoAnswerer(t *testing.T) {
	svc := NewService(cache.New(fallbackFetcher(), cache.Options{}), nil, nil)
	_, err := svc.Ask(context.Background(), "q")
	assert.ErrorIs(t, err, ErrAnswerFailed)
}

func TestService_RefreshReportsFreshCount(t *testing.T) {
	f := fallbackFetcher()
	svc := NewService(cache.New(f, cache.Options{}), nil, nil)

	_, err := svc.Context(context.Background(), false)
	require.NoError(t, err)

	f.result = source.Result{Records: source.FallbackRecords()[:2], Origin: source.OriginRemote}
	n, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), f.calls.Load())

	entry, err := svc.Context(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, entry.Records, 2)
}

func TestService_MissingNames(t *testing.T) {
	msg := "hello"
	f := &countingFetcher{result: source.Result{
		Records: []source.Record{{Message: &msg}, {Message: &msg}},
		Origin:  source.OriginRemote,
	}}
	svc := NewService(cache.New(f, cache.Options{}), nil, nil)

	_, err := svc.Context(context.Background(), false)
	require.NoError(t, err)
	st := svc.Stats()
	assert.Equal(t, 2, st.TotalMessages)
	assert.Equal(t, 1, st.UniqueUsers)
}

func TestService_Invalidate(t *testing.T) {
	f := fallbackFetcher()
	svc := NewService(cache.New(f, cache.Options{}), nil, nil)

	_, err := svc.Context(context.Background(), false)
	require.NoError(t, err)
	svc.Invalidate()
	assert.Equal(t, cache.StatusEmpty, svc.Stats().CacheStatus)

	_, err = svc.Context(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}
