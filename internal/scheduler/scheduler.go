// Package scheduler refreshes the context cache on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	rcron "github.com/robfig/cron/v3"
)

var log = logging.Logger("memberqa/scheduler")

var ErrNoSchedule = errors.New("no refresh schedule configured")

const stopTimeout = 5 * time.Second

// Refresher is the explicit refresh operation the scheduler triggers.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// RunState describes the most recent scheduled refresh.
type RunState struct {
	LastRunAt  time.Time
	LastStatus string // "ok" or "error"
	LastError  string
	Records    int
	Runs       int
}

type Service struct {
	expr      string
	refresher Refresher

	mu     sync.Mutex
	cron   *rcron.Cron
	entry  rcron.EntryID
	state  RunState
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a scheduler for the six-field cron expression expr (seconds
// first, descriptors such as "@every 10m" allowed).
func New(expr string, refresher Refresher) *Service {
	return &Service{expr: expr, refresher: refresher}
}

// Start registers the refresh job and starts the cron runner. It stops when
// ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if s.expr == "" {
		return ErrNoSchedule
	}

	c := rcron.New(rcron.WithSeconds())
	id, err := c.AddFunc(s.expr, s.run)
	if err != nil {
		return fmt.Errorf("register refresh schedule %q: %w", s.expr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cron = c
	s.entry = id
	s.ctx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	c.Start()
	log.Infow("Refresh scheduler started", "schedule", s.expr, "next", c.Entry(id).Next)

	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Service) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	n, err := s.refresher.Refresh(ctx)

	s.mu.Lock()
	s.state.LastRunAt = start
	s.state.Runs++
	if err != nil {
		s.state.LastStatus = "error"
		s.state.LastError = err.Error()
	} else {
		s.state.LastStatus = "ok"
		s.state.LastError = ""
		s.state.Records = n
	}
	s.mu.Unlock()

	if err != nil {
		log.Warnw("Scheduled refresh failed", "err", err, "duration", time.Since(start))
		return
	}
	log.Infow("Scheduled refresh done", "records", n, "duration", time.Since(start))
}

// Schedule returns the cron expression the service was created with.
func (s *Service) Schedule() string {
	return s.expr
}

// State returns a copy of the last run state.
func (s *Service) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Next reports when the refresh fires next. It is zero before Start.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// Stop halts the runner and waits briefly for a refresh in progress.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		log.Warn("Timed out waiting for scheduled refresh to finish")
	}
	log.Info("Refresh scheduler stopped")
}
