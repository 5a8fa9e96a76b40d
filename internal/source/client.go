package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	logging "github.com/ipfs/go-log/v2"

	"github.com/stellarlinkco/memberqa/internal/config"
)

var log = logging.Logger("memberqa/source")

const (
	messagesPath    = "/messages/"
	defaultPageSize = 100
	defaultTimeout  = 5 * time.Second
	maxBodyBytes    = 32 << 20
)

var ErrStatus = errors.New("unexpected status from message source")

// Options configures a Client.
type Options struct {
	BaseURL  string
	PageSize int
	// Timeout applies to each HTTP attempt.
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Fallback serves FallbackRecords when the remote fetch fails.
	Fallback   bool
	HTTPClient *http.Client
}

// Result is the outcome of FetchAll. Err holds the fetch failure, if any,
// even when fallback records were served.
type Result struct {
	Records []Record
	Origin  Origin
	Err     error
}

// Client pages through the remote message listing.
type Client struct {
	endpoint string
	pageSize int
	fallback bool
	rclient  *retryablehttp.Client
}

type page struct {
	Items []Record `json:"items"`
	Total int      `json:"total"`
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("source base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse source base url: %w", err)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rclient := retryablehttp.NewClient()
	if opts.HTTPClient != nil {
		// Copy so the timeout below does not leak into the caller's client.
		hc := *opts.HTTPClient
		rclient.HTTPClient = &hc
	}
	rclient.HTTPClient.Timeout = timeout
	rclient.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rclient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rclient.RetryWaitMax = opts.RetryWaitMax
	}
	rclient.CheckRetry = retryablehttp.DefaultRetryPolicy
	rclient.Backoff = retryablehttp.DefaultBackoff
	rclient.Logger = retryLogger{}

	return &Client{
		endpoint: base + messagesPath,
		pageSize: pageSize,
		fallback: opts.Fallback,
		rclient:  rclient,
	}, nil
}

// NewClientFromConfig builds a Client from the source section of the config.
func NewClientFromConfig(cfg config.SourceConfig) (*Client, error) {
	return NewClient(Options{
		BaseURL:      cfg.BaseURL,
		PageSize:     cfg.PageSize,
		Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
		RetryMax:     cfg.RetryMax,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		Fallback:     cfg.Fallback,
	})
}

// Fetch reads every page until a page comes back empty or the accumulated
// count reaches the reported total.
func (c *Client) Fetch(ctx context.Context) ([]Record, error) {
	records := make([]Record, 0)
	skip := 0
	for pages := 1; ; pages++ {
		p, err := c.fetchPage(ctx, skip)
		if err != nil {
			return nil, fmt.Errorf("fetch page skip=%d: %w", skip, err)
		}
		if len(p.Items) == 0 {
			break
		}
		records = append(records, p.Items...)
		log.Debugw("Fetched message page", "page", pages, "skip", skip, "items", len(p.Items), "total", p.Total)
		if len(records) >= p.Total {
			break
		}
		skip += len(p.Items)
	}
	return records, nil
}

// FetchAll never fails: on error it serves FallbackRecords, unless fallback
// is disabled, in which case the Result carries no records and Origin is
// OriginNone.
func (c *Client) FetchAll(ctx context.Context) Result {
	start := time.Now()
	records, err := c.Fetch(ctx)
	if err == nil {
		log.Infow("Fetched messages", "count", len(records), "duration", time.Since(start))
		return Result{Records: records, Origin: OriginRemote}
	}
	if !c.fallback {
		log.Errorw("Message fetch failed", "err", err, "duration", time.Since(start))
		return Result{Origin: OriginNone, Err: err}
	}
	log.Warnw("Message fetch failed, serving fallback records", "err", err, "duration", time.Since(start))
	return Result{Records: FallbackRecords(), Origin: OriginFallback, Err: err}
}

func (c *Client) fetchPage(ctx context.Context, skip int) (*page, error) {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(skip))
	q.Set("limit", strconv.Itoa(c.pageSize))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.rclient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %d %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &p, nil
}

// retryLogger routes retryablehttp's leveled logging into go-log.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...interface{}) { log.Errorw(msg, keysAndValues...) }
func (retryLogger) Info(msg string, keysAndValues ...interface{})  { log.Debugw(msg, keysAndValues...) }
func (retryLogger) Debug(msg string, keysAndValues ...interface{}) { log.Debugw(msg, keysAndValues...) }
func (retryLogger) Warn(msg string, keysAndValues ...interface{})  { log.Warnw(msg, keysAndValues...) }
