package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/KBT0207/tally-project-sub000/model"
)

// Failure classes surfaced to the orchestrator.
var (
	ErrTimeout        = errors.New("upstream timeout")
	ErrUpstreamStatus = errors.New("upstream returned error status")
)

// Retry tuning, applied to transient statuses (429, 5xx) and
// connection errors.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	jitterFactor   = 0.2
)

// FetchRequest describes one call. CDC fetches carry LastAlterID only;
// snapshot fetches carry the period and a zero alter-id filter.
type FetchRequest struct {
	Company     string
	FromDate    *time.Time
	ToDate      *time.Time
	LastAlterID int64
	CDC         bool
}

// Options configures a Client.
type Options struct {
	Endpoint       string // http://host:port/
	TemplateDir    string
	ConnectTimeout time.Duration // default 60s
	ReadTimeout    time.Duration // default 1800s: large snapshots take minutes
	MaxRetries     int
	MaxConnections int
}

func (o *Options) withDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 60 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 1800 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 16
	}
}

// Client talks to the upstream's single XML-over-HTTP endpoint. One
// shared instance per process; it is safe for concurrent use by the
// voucher workers.
type Client struct {
	endpoint  string
	http      *http.Client
	templates *TemplateStore
	retries   int
	logger    *zap.Logger
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	opts.withDefaults()

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.ConnectTimeout,
		}).DialContext,
		MaxIdleConns:        opts.MaxConnections,
		MaxConnsPerHost:     opts.MaxConnections,
		MaxIdleConnsPerHost: opts.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		endpoint: opts.Endpoint,
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.ReadTimeout,
		},
		templates: NewTemplateStore(opts.TemplateDir),
		retries:   opts.MaxRetries,
		logger:    logger,
	}
}

// Endpoint returns the configured upstream URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Fetch renders the request template for kind, POSTs it, and returns
// the sanitized response bytes. Transient failures are retried with
// exponential backoff before being surfaced.
func (c *Client) Fetch(ctx context.Context, kind model.EntityKind, req FetchRequest) ([]byte, error) {
	alterID := req.LastAlterID
	if !req.CDC {
		alterID = 0
	}
	body, err := c.templates.Render(kind, req.Company, req.FromDate, req.ToDate, alterID)
	if err != nil {
		return nil, err
	}

	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s for %s: %w", kind, req.Company, err)
	}

	data := Sanitize(raw)
	if req.CDC && req.LastAlterID > 0 {
		c.verifyCDCFilter(kind, req, data)
	}
	return data, nil
}

// Ping checks that the upstream answers at all. Used to distinguish
// "tenant not reachable" from per-kind failures.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	backoff := initialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := backoff + time.Duration(rand.Float64()*jitterFactor*float64(backoff))
			c.logger.Warn("retrying upstream request",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		data, retryable, err := c.doOnce(ctx, body)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retryable || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retry budget exhausted: %w", lastErr)
}

func (c *Client) doOnce(ctx context.Context, body []byte) (data []byte, retryable bool, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "text/xml; charset=utf-8")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("%w: %s", ErrUpstreamStatus, resp.Status)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, classifyNetErr(err)
	}
	return raw, false, nil
}

func classifyNetErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

var alterIDTagRe = regexp.MustCompile(`<ALTERID[^>]*>\s*(\d+)`)

// verifyCDCFilter checks that a CDC response honored the alter-id
// filter. The upstream has been observed returning unfiltered data, so
// a violation is logged as a warning, never treated as a failure.
func (c *Client) verifyCDCFilter(kind model.EntityKind, req FetchRequest, data []byte) {
	for _, m := range alterIDTagRe.FindAllSubmatch(data, -1) {
		var id int64
		fmt.Sscanf(string(m[1]), "%d", &id)
		if id <= req.LastAlterID {
			c.logger.Warn("cdc filter probably broken: response contains alter id at or below watermark",
				zap.String("kind", string(kind)),
				zap.String("company", req.Company),
				zap.Int64("watermark", req.LastAlterID),
				zap.Int64("got", id))
			return
		}
	}
}
