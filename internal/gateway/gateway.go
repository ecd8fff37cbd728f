package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/launchpad/launchpad/internal/metrics"
	"github.com/sirupsen/logrus"
)

// TokenSource supplies the bearer credential attached to each request.
type TokenSource interface {
	AccessToken() string
}

// Refresher performs the refresh-token exchange. Concurrent callers must
// share one exchange.
type Refresher interface {
	Exchange(ctx context.Context) bool
}

var refreshFailedBody = []byte(`{"success":false,"message":"Token refresh failed"}`)

type pendingRequest struct {
	req    *Request
	result chan outcome
}

type outcome struct {
	resp *Response
	err  error
}

// Gateway wraps every outbound API call. A 401 parks the call on a FIFO
// queue; one caller refreshes the session and replays the queue in arrival
// order with the new token.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	refresher  Refresher
	logger     *logrus.Logger

	mu       sync.Mutex
	queue    []pendingRequest
	draining bool

	hookMu           sync.RWMutex
	onSessionExpired func()
}

func New(httpClient *http.Client, baseURL string, tokens TokenSource, refresher Refresher, logger *logrus.Logger) *Gateway {
	return &Gateway{
		httpClient: httpClient,
		baseURL:    baseURL,
		tokens:     tokens,
		refresher:  refresher,
		logger:     logger,
	}
}

// OnSessionExpired registers fn to run once per failed refresh, after every
// queued caller has been resolved. It is where the client sends the user back
// to the login entry point.
func (g *Gateway) OnSessionExpired(fn func()) {
	g.hookMu.Lock()
	g.onSessionExpired = fn
	g.hookMu.Unlock()
}

// Execute issues req with the current access token. Any status other than
// 401 is returned unchanged; transport failures are returned as errors.
func (g *Gateway) Execute(ctx context.Context, req *Request) (*Response, error) {
	token := g.tokens.AccessToken()
	resp, err := g.do(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || isAuthBootstrap(req.Path) {
		return resp, nil
	}

	// The token was replaced while this call was in flight. A second 401
	// means the new token is rejected too and a refresh is due.
	if current := g.tokens.AccessToken(); current != "" && current != token {
		g.logger.WithField("path", req.Path).Debug("401 with superseded token, replaying")
		resp, err = g.do(ctx, req, current)
		if err != nil || resp.StatusCode != http.StatusUnauthorized {
			return resp, err
		}
	}

	pending := pendingRequest{req: req, result: make(chan outcome, 1)}

	g.mu.Lock()
	g.queue = append(g.queue, pending)
	startDrain := !g.draining
	if startDrain {
		g.draining = true
	}
	queued := len(g.queue)
	g.mu.Unlock()

	metrics.QueuedRequests.Inc()
	g.logger.WithFields(logrus.Fields{
		"path":   req.Path,
		"queued": queued,
	}).Debug("401 received, request queued behind refresh")

	if startDrain {
		go g.refreshAndDrain()
	}

	select {
	case o := <-pending.result:
		return o.resp, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) Get(ctx context.Context, path string) (*Response, error) {
	return g.Execute(ctx, &Request{Method: http.MethodGet, Path: path})
}

func (g *Gateway) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	req, err := NewJSONRequest(http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return g.Execute(ctx, req)
}

func (g *Gateway) Delete(ctx context.Context, path string) (*Response, error) {
	return g.Execute(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// Pending reports how many requests are parked behind a refresh.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *Gateway) refreshAndDrain() {
	g.logger.Info("401 detected, refreshing token and retrying queued requests")
	ok := g.refresher.Exchange(context.Background())

	for {
		g.mu.Lock()
		batch := g.queue
		g.queue = nil
		if len(batch) == 0 {
			g.draining = false
			g.mu.Unlock()
			break
		}
		g.mu.Unlock()

		if ok {
			g.logger.WithField("count", len(batch)).Info("Retrying queued requests")
			g.replay(batch)
		} else {
			g.logger.WithField("count", len(batch)).Warn("Refresh failed, rejecting queued requests")
			g.reject(batch)
		}
	}

	if !ok {
		g.fireSessionExpired()
	}
}

// replay re-issues each request in order with the token current at the
// moment of replay.
func (g *Gateway) replay(batch []pendingRequest) {
	for _, p := range batch {
		resp, err := g.do(context.Background(), p.req, g.tokens.AccessToken())
		metrics.ReplayedRequests.WithLabelValues("replayed").Inc()
		p.result <- outcome{resp: resp, err: err}
	}
}

func (g *Gateway) reject(batch []pendingRequest) {
	for _, p := range batch {
		metrics.ReplayedRequests.WithLabelValues("rejected").Inc()
		p.result <- outcome{resp: refreshFailedResponse()}
	}
}

func refreshFailedResponse() *Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	body := make([]byte, len(refreshFailedBody))
	copy(body, refreshFailedBody)
	return &Response{StatusCode: http.StatusUnauthorized, Header: header, Body: body}
}

func (g *Gateway) fireSessionExpired() {
	g.hookMu.RLock()
	fn := g.onSessionExpired
	g.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (g *Gateway) do(ctx context.Context, req *Request, token string) (*Response, error) {
	url := g.baseURL + req.Path
	if len(req.Query) > 0 {
		url += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}
