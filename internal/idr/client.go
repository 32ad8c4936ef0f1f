package idr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/throttle"
)

const (
	defaultCallTimeout = config.DefaultCallTimeout
	maxErrorBody       = 4096
	acceptVersion      = "investigations-preview"
	v2Prefix           = "/idr/v2/"
)

// BaseURL returns the API host for region.
func BaseURL(region string) (string, error) {
	region = config.NormalizeRegion(region)
	if err := config.ValidateRegion(region); err != nil {
		return "", err
	}
	return "https://" + region + ".api.insight.rapid7.com", nil
}

// Attempt describes one HTTP exchange. It is reported to an Observer after
// every send, successful or not.
type Attempt struct {
	Method     string
	Route      string
	N          int
	StatusCode int
	Kind       throttle.Kind
	Elapsed    time.Duration
}

// Observer receives per-attempt telemetry.
type Observer interface {
	ObserveAttempt(Attempt)
}

// Client talks to the InsightIDR REST API. It is safe for concurrent use;
// all callers share one Gate so the credential's send rate stays bounded.
type Client struct {
	region      string
	orgID       string
	baseURL     string
	cred        Credential
	httpClient  *http.Client
	gate        *throttle.Gate
	policy      throttle.Policy
	callTimeout time.Duration
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBaseURL points the client at a different host (for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithGate(g *throttle.Gate) Option {
	return func(c *Client) { c.gate = g }
}

func WithPolicy(p throttle.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithCallTimeout bounds each individual attempt.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithOrgID sets the organisation used for console links.
func WithOrgID(id string) Option {
	return func(c *Client) { c.orgID = strings.TrimSpace(id) }
}

// New returns a client for region authenticated with cred.
func New(region string, cred Credential, opts ...Option) (*Client, error) {
	base, err := BaseURL(region)
	if err != nil {
		return nil, err
	}
	if !cred.Valid() {
		return nil, fmt.Errorf("%w: empty API key", ErrAuth)
	}
	c := &Client{
		region:      config.NormalizeRegion(region),
		baseURL:     base,
		cred:        cred,
		httpClient:  &http.Client{},
		gate:        throttle.NewGate(config.DefaultMinSpacing),
		policy:      throttle.DefaultPolicy(),
		callTimeout: defaultCallTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Region returns the normalized region the client targets.
func (c *Client) Region() string { return c.region }

// Do sends one logical request, retrying transient failures per the client's
// policy. body, when non-nil, is JSON-encoded; a 2xx response is decoded into
// dst when dst is non-nil. Every send, including retries, waits on the gate.
func (c *Client) Do(ctx context.Context, method, path string, body, dst any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	route := routeOf(path)
	op := method + " " + route
	for attempt := 1; ; attempt++ {
		if _, err := c.gate.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		// A request that went out is allowed to finish; cancellation only
		// stops the gate wait, the backoff and any further attempt.
		start := c.now()
		status, apiErr := c.send(context.WithoutCancel(ctx), method, path, payload, dst)
		if c.observer != nil {
			kind := throttle.KindNone
			if apiErr != nil {
				kind = apiErr.Kind
			}
			c.observer.ObserveAttempt(Attempt{
				Method: method, Route: route, N: attempt,
				StatusCode: status, Kind: kind, Elapsed: c.now().Sub(start),
			})
		}
		if apiErr == nil {
			return nil
		}
		apiErr.Op = op
		apiErr.Attempts = attempt

		// The caller went away; do not dress that up as a remote failure.
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}

		d := c.policy.Decide(apiErr.Kind, attempt, apiErr.RetryAfter)
		if !d.Retry {
			return apiErr
		}
		c.logger.Debug("retrying request",
			"op", op, "attempt", attempt, "kind", apiErr.Kind.String(), "delay", d.Delay)

		timer := time.NewTimer(d.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}
}

// send performs a single attempt and returns the HTTP status (0 when no
// response arrived) and a classified error.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, dst any) (int, *APIError) {
	reqCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, &APIError{Kind: throttle.KindClient, Message: "creating request", Err: err}
	}
	c.setHeaders(req, path, payload != nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, &APIError{Kind: classifyTransport(err), Message: "executing request", Err: err}
	}
	defer resp.Body.Close()

	if kind := classifyStatus(resp.StatusCode); kind != throttle.KindNone {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Kind:       kind,
			Message:    errorMessage(body),
		}
		if kind == throttle.KindRateLimited {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		return resp.StatusCode, apiErr
	}

	if dst == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		if reqCtx.Err() != nil {
			return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Kind: throttle.KindTimeout, Message: "reading response", Err: err}
		}
		// The server accepted the request; resending could repeat its side
		// effect, so a malformed body is final.
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Kind: throttle.KindClient, Message: "decoding response", Err: err}
	}
	return resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request, path string, hasBody bool) {
	req.Header.Set("X-Api-Key", c.cred.key)
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.HasPrefix(path, v2Prefix) {
		req.Header.Set("Accept-version", acceptVersion)
	}
}

// routeOf reduces a request path to a low-cardinality label: the query is
// dropped and the identifier after "investigations/" is replaced.
func routeOf(path string) string {
	path, _, _ = strings.Cut(path, "?")
	parts := strings.Split(path, "/")
	for i := 0; i < len(parts)-1; i++ {
		if parts[i] == "investigations" && parts[i+1] != "" {
			parts[i+1] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
