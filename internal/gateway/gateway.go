package gateway

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/stellarlinkco/memberqa/internal/answer"
	"github.com/stellarlinkco/memberqa/internal/api"
	"github.com/stellarlinkco/memberqa/internal/cache"
	"github.com/stellarlinkco/memberqa/internal/config"
	"github.com/stellarlinkco/memberqa/internal/metrics"
	"github.com/stellarlinkco/memberqa/internal/qa"
	"github.com/stellarlinkco/memberqa/internal/scheduler"
	"github.com/stellarlinkco/memberqa/internal/source"
)

var log = logging.Logger("memberqa/gateway")

// AnswererFactory creates the answering collaborator (allows mocking in tests)
type AnswererFactory func(cfg *config.Config) (answer.Answerer, error)

// Options for creating a Gateway
type Options struct {
	AnswererFactory AnswererFactory
	// Fetcher replaces the HTTP message source when set.
	Fetcher    cache.Fetcher
	SignalChan chan os.Signal // for testing signal handling
}

// DefaultAnswererFactory builds the model-backed answerer from cfg.
func DefaultAnswererFactory(cfg *config.Config) (answer.Answerer, error) {
	a, err := answer.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type Gateway struct {
	cfg        *config.Config
	metrics    *metrics.Metrics
	cache      *cache.Cache
	svc        *qa.Service
	server     *api.Server
	scheduler  *scheduler.Service
	signalChan chan os.Signal // for testing
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}
	g.metrics = metrics.New()

	fetcher := opts.Fetcher
	if fetcher == nil {
		client, err := source.NewClientFromConfig(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("create source client: %w", err)
		}
		fetcher = client
	}

	g.cache = cache.New(fetcher, cache.Options{
		PopulateTimeout: time.Duration(cfg.Cache.PopulateTimeoutSec) * time.Second,
		Metrics:         g.metrics,
	})

	factory := opts.AnswererFactory
	if factory == nil {
		factory = DefaultAnswererFactory
	}
	ans, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	g.svc = qa.NewService(g.cache, ans, g.metrics)

	if expr := strings.TrimSpace(cfg.Cache.RefreshSchedule); expr != "" {
		g.scheduler = scheduler.New(expr, g.svc)
	}

	g.server = api.New(g.svc, api.Options{
		Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Metrics:        g.metrics,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Scheduler:      g.scheduler,
	})

	return g, nil
}

// Service returns the question answering service the gateway serves.
func (g *Gateway) Service() *qa.Service {
	return g.svc
}

// Addr returns the HTTP listen address.
func (g *Gateway) Addr() string {
	return g.server.Addr()
}

// Prime loads the context once so the first question does not pay for the
// fetch. A failure is logged and the cache stays empty.
func (g *Gateway) Prime(ctx context.Context) {
	entry, err := g.svc.Context(ctx, false)
	if err != nil {
		log.Warnw("Startup cache priming failed", "err", err)
		return
	}
	log.Infow("Cache primed", "records", len(entry.Records), "origin", entry.Origin, "generation", entry.Generation)
}

// Start primes the cache, starts the HTTP server and the refresh scheduler.
func (g *Gateway) Start(ctx context.Context) error {
	g.Prime(ctx)

	if err := g.server.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}

	if g.scheduler != nil {
		if err := g.scheduler.Start(ctx); err != nil {
			log.Warnw("Refresh scheduler start failed", "err", err)
		}
	}

	log.Infow("Gateway running", "addr", g.server.Addr())
	return nil
}

// Run starts the gateway and blocks until SIGINT/SIGTERM or ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.Start(ctx); err != nil {
		return err
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Info("Gateway shutting down")
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	if g.scheduler != nil {
		g.scheduler.Stop()
	}
	if err := g.server.Shutdown(context.Background()); err != nil {
		log.Warnw("HTTP shutdown warning", "err", err)
	}
	log.Info("Gateway shutdown complete")
	return nil
}
