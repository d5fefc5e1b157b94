// Package registry locates the central store endpoint and reports this
// node's liveness. Registration is best-effort: when the registry is down
// the engine keeps working against a statically configured address.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var ErrUnresolvable = errors.New("no registry and no static address")

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("registry http %d: %s", e.StatusCode, e.Message)
}

type registration struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	TTL     int    `json:"ttlSeconds"`
}

type resolveResponse struct {
	Address string `json:"address"`
}

type ClientOptions struct {
	BaseURL       string
	ServiceName   string
	Address       string
	StaticAddress string
	TTL           time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client registers this node with the registry, renews the registration on
// a TTL cadence, and resolves the central store's address. When the store
// endpoint changes, in-flight operations against the old endpoint are
// drained before the new one is handed out, so a session's writes never
// interleave across two endpoints.
type Client struct {
	baseURL     string
	serviceName string
	address     string
	staticAddr  string
	ttl         time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu         sync.Mutex
	registered bool
	resolved   string
	inflight   map[string]*sync.WaitGroup
}

func NewClient(opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		serviceName: strings.TrimSpace(opts.ServiceName),
		address:     strings.TrimSpace(opts.Address),
		staticAddr:  strings.TrimSpace(opts.StaticAddress),
		ttl:         ttl,
		httpClient:  httpClient,
		logger:      logger,
		maxRetries:  3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    2 * time.Second,
		inflight:    map[string]*sync.WaitGroup{},
	}
}

// Register announces this node. Failure degrades to direct-address
// operation with a warning; it never returns a fatal error to the caller.
func (c *Client) Register(ctx context.Context) {
	if c.baseURL == "" {
		return
	}
	body := registration{Name: c.serviceName, Address: c.address, TTL: int(c.ttl.Seconds())}
	err := c.doJSON(ctx, http.MethodPost, "/v1/services", body, nil)
	if err != nil {
		c.logger.Warn("registry registration failed, continuing with static address",
			"service", c.serviceName, "error", err)
		return
	}
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

// RenewLoop renews the registration at half the TTL until ctx is done. A
// renewal failure re-attempts a full registration on the next tick.
func (c *Client) RenewLoop(ctx context.Context) {
	if c.baseURL == "" {
		return
	}
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path := "/v1/services/" + url.PathEscape(c.serviceName) + "/renew"
			if err := c.doJSON(ctx, http.MethodPost, path, registration{Address: c.address}, nil); err != nil {
				c.logger.Warn("registry renew failed", "service", c.serviceName, "error", err)
				c.Register(ctx)
			}
		}
	}
}

func (c *Client) Unregister(ctx context.Context) {
	c.mu.Lock()
	registered := c.registered
	c.registered = false
	c.mu.Unlock()
	if !registered || c.baseURL == "" {
		return
	}
	path := "/v1/services/" + url.PathEscape(c.serviceName)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		c.logger.Warn("registry unregister failed", "service", c.serviceName, "error", err)
	}
}

// Resolve returns the current address for a service. Registry failures fall
// back to the last successfully resolved address, then to the static one.
func (c *Client) Resolve(ctx context.Context, serviceName string) (string, error) {
	if c.baseURL != "" {
		var out resolveResponse
		path := "/v1/services/" + url.PathEscape(serviceName)
		err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
		if err == nil && strings.TrimSpace(out.Address) != "" {
			c.setResolved(serviceName, strings.TrimSpace(out.Address))
			return strings.TrimSpace(out.Address), nil
		}
		if err != nil {
			c.logger.Warn("registry resolve failed", "service", serviceName, "error", err)
		}
	}
	c.mu.Lock()
	resolved := c.resolved
	c.mu.Unlock()
	if resolved != "" {
		return resolved, nil
	}
	if c.staticAddr != "" {
		return c.staticAddr, nil
	}
	return "", ErrUnresolvable
}

// Endpoint resolves an address and pins it for the duration of one
// operation; the returned release func must be called when the operation
// finishes. A later endpoint change waits for all pinned operations on the
// old address to release before the new address is handed out.
func (c *Client) Endpoint(ctx context.Context, serviceName string) (string, func(), error) {
	address, err := c.Resolve(ctx, serviceName)
	if err != nil {
		return "", nil, err
	}
	c.mu.Lock()
	wg, ok := c.inflight[address]
	if !ok {
		wg = &sync.WaitGroup{}
		c.inflight[address] = wg
	}
	wg.Add(1)
	c.mu.Unlock()
	var once sync.Once
	release := func() { once.Do(wg.Done) }
	return address, release, nil
}

// setResolved swaps the active address, draining in-flight operations on
// the old one first.
func (c *Client) setResolved(serviceName, address string) {
	c.mu.Lock()
	previous := c.resolved
	if previous == address {
		c.mu.Unlock()
		return
	}
	var drain *sync.WaitGroup
	if previous != "" {
		drain = c.inflight[previous]
	}
	c.mu.Unlock()
	if drain != nil {
		drain.Wait()
	}
	c.mu.Lock()
	if previous != "" {
		delete(c.inflight, previous)
	}
	c.resolved = address
	c.mu.Unlock()
	if previous != "" {
		c.logger.Info("store endpoint changed", "service", serviceName, "from", previous, "to", address)
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}
		return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
