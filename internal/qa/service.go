// Package qa exposes the question answering operations on top of the context
// cache and maps failures onto a small error taxonomy.
package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/stellarlinkco/memberqa/internal/answer"
	"github.com/stellarlinkco/memberqa/internal/cache"
	"github.com/stellarlinkco/memberqa/internal/metrics"
)

var log = logging.Logger("memberqa/qa")

var (
	// ErrEmptyQuestion rejects a blank question before the cache or the model
	// is touched.
	ErrEmptyQuestion = errors.New("question cannot be empty")
	// ErrSourceUnavailable means no context could be produced.
	ErrSourceUnavailable = cache.ErrSourceUnavailable
	// ErrAnswerFailed means the model call failed. The cached context stays
	// valid.
	ErrAnswerFailed = errors.New("failed to generate answer")
)

type Service struct {
	cache    *cache.Cache
	answerer answer.Answerer
	metrics  *metrics.Metrics
}

// NewService wires the cache to an answerer. answerer may be nil for
// callers that only read stats or refresh; Ask then fails with
// ErrAnswerFailed.
func NewService(c *cache.Cache, answerer answer.Answerer, m *metrics.Metrics) *Service {
	return &Service{cache: c, answerer: answerer, metrics: m}
}

// Context returns the current context entry, populating it if needed.
func (s *Service) Context(ctx context.Context, forceRefresh bool) (*cache.Entry, error) {
	return s.cache.Get(ctx, forceRefresh)
}

func (s *Service) Stats() cache.Status {
	return s.cache.Stats()
}

// Refresh re-fetches every message and returns the new message count.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	n, err := s.cache.Refresh(ctx)
	if err != nil {
		return 0, fmt.Errorf("refresh: %w", err)
	}
	return n, nil
}

func (s *Service) Invalidate() {
	s.cache.Invalidate()
}

func (s *Service) Ask(ctx context.Context, question string) (string, error) {
	q := strings.TrimSpace(question)
	if q == "" {
		s.outcome("rejected")
		return "", ErrEmptyQuestion
	}

	entry, err := s.cache.Get(ctx, false)
	if err != nil {
		s.outcome("unavailable")
		return "", fmt.Errorf("load context: %w", err)
	}

	if s.answerer == nil {
		s.outcome("failed")
		return "", fmt.Errorf("%w: no answerer configured", ErrAnswerFailed)
	}

	start := time.Now()
	out, err := s.answerer.Answer(ctx, q, entry.Blob)
	if s.metrics != nil {
		s.metrics.AnswerDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.outcome("failed")
		log.Errorw("Answer failed", "err", err, "generation", entry.Generation)
		return "", fmt.Errorf("%w: %w", ErrAnswerFailed, err)
	}
	s.outcome("ok")
	log.Debugw("Answered question", "generation", entry.Generation, "records", len(entry.Records), "answerChars", len(out))
	return out, nil
}

func (s *Service) outcome(o string) {
	if s.metrics != nil {
		s.metrics.Answers.WithLabelValues(o).Inc()
	}
}
