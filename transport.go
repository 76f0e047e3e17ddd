package resilient

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single HTTP exchange. Expiry is classified as
// CategoryTimeout, which the queue treats as retriable.
const DefaultTimeout = 30 * time.Second

// Sender executes a single HTTP exchange. It returns an error only for
// transport-level failures; a response with an error status is returned
// as a Response and classified by the Client. A platform connectivity
// layer may return ErrOffline before sending any bytes.
type Sender interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// httpSender is the default Sender, backed by net/http.
type httpSender struct {
	client *http.Client
}

func (s *httpSender) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		hreq.Header.Set(k, v)
	}

	hresp, err := s.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header.Clone(),
		Body:       data,
	}, nil
}

// Client is the single choke point every API call passes through. Before
// send it attaches the managed token when the request requires auth;
// after a failed send it classifies the error once and, when the failure
// is retriable and SkipQueue is unset, hands the request to the offline
// queue while the caller keeps waiting on the same call.
type Client struct {
	tokens    *Manager
	queue     *Queue
	sender    Sender
	logger    *slog.Logger
	timeout   time.Duration
	queueOpts []QueueOption
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying *http.Client of the default
// sender (for TLS config, proxies, connection pooling).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.sender = &httpSender{client: hc}
		}
	}
}

// WithSender replaces the HTTP execution primitive entirely.
func WithSender(s Sender) ClientOption {
	return func(c *Client) {
		if s != nil {
			c.sender = s
		}
	}
}

// WithTimeout bounds each individual exchange. Zero disables the bound.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithQueueOptions forwards options to the Client's queue.
func WithQueueOptions(opts ...QueueOption) ClientOption {
	return func(c *Client) { c.queueOpts = append(c.queueOpts, opts...) }
}

// NewClient wires a transport over the given token manager and store.
// The client owns its queue; replays run through the same send path with
// SkipQueue set, so a replay failure can never re-enqueue indefinitely.
func NewClient(tokens *Manager, store Store, opts ...ClientOption) *Client {
	c := &Client{
		tokens:  tokens,
		sender:  &httpSender{client: &http.Client{}},
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = NewQueue(store, c.send, c.queueOpts...)
	return c
}

// Queue exposes the client's offline queue for draining and
// introspection.
func (c *Client) Queue() *Queue { return c.queue }

// Tokens exposes the client's token manager.
func (c *Client) Tokens() *Manager { return c.tokens }

// Do executes the request. On a retriable failure the request is queued
// and Do keeps blocking until the replay resolves; the caller cannot
// tell, and does not need to tell, whether the response came from the
// immediate path or a replay. Failures surface as *Error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.send(ctx, req)
	if err == nil {
		return resp, nil
	}
	if req.SkipQueue || !CategoryOf(err).Retriable() {
		return nil, err
	}

	c.logger.Info("queueing request after retriable failure",
		"method", req.Method, "url", req.URL, "category", string(CategoryOf(err)))
	return c.queue.Enqueue(ctx, req)
}

// send performs one attempt: attach auth, execute, classify.
func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	if req.RequiresAuth {
		token := c.tokens.AccessToken(ctx)
		if token == "" {
			// Retrying an unauthenticated call cannot succeed, so this
			// is never queued.
			return nil, &Error{Category: CategoryAuthentication, Message: "no usable access token"}
		}
		req = req.Clone()
		if req.Header == nil {
			req.Header = make(map[string]string, 1)
		}
		req.Header["Authorization"] = "Bearer " + token
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.sender.Send(ctx, req)
	if err != nil {
		return nil, &Error{Category: classifyErr(err), Message: "request failed", Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, &Error{
			Category:   classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}
	return resp, nil
}

// RoundTripper adapts the token manager to ordinary *http.Client
// traffic: it attaches the managed token to every outgoing request.
// Requests sent through it bypass the offline queue.
type RoundTripper struct {
	Base   http.RoundTripper
	Tokens *Manager
}

func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if token := t.Tokens.AccessToken(req.Context()); token != "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
