// Package delivery performs the outbound HTTP POST to a subscriber endpoint
// and classifies the outcome so the dispatch queue can decide between retry
// and dead-letter.
package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// Outcome kinds, persisted on the dispatch record's last error.
const (
	KindTimeout    = "timeout"
	KindConnection = "connection_error"
	KindHTTP4xx    = "http_4xx"
	KindHTTP5xx    = "http_5xx"
	KindOther      = "other"
)

const (
	bodySummaryCap    = 500
	defaultTimeoutSec = 30
)

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Success     bool
	StatusCode  int
	BodySummary string
	Kind        string
	Err         error
}

// DeliveryError converts the outcome into the persisted error shape. Nil on
// success.
func (o Outcome) DeliveryError() *hookbridge.DeliveryError {
	if o.Success {
		return nil
	}
	msg := o.BodySummary
	if msg == "" && o.Err != nil {
		msg = o.Err.Error()
	}
	return &hookbridge.DeliveryError{Kind: o.Kind, Code: o.StatusCode, Message: msg}
}

type clientKey struct {
	timeout  time.Duration
	insecure bool
}

// Client posts payloads to subscriber endpoints. HTTP clients are cached per
// (timeout, insecure) pair so keep-alive pools are shared across dispatches.
type Client struct {
	userAgent string
	marshaler hookbridge.Marshaler

	mu      sync.Mutex
	clients map[clientKey]*http.Client
	warned  map[int64]struct{}
}

func NewClient(options hookbridge.Options) *Client {
	options.ApplyDefaults()
	return &Client{
		userAgent: options.UserAgent,
		marshaler: hookbridge.NewMarshaler(),
		clients:   make(map[clientKey]*http.Client),
		warned:    make(map[int64]struct{}),
	}
}

func (c *Client) httpClient(sub *hookbridge.Subscriber) *http.Client {
	timeout := time.Duration(sub.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSec * time.Second
	}
	key := clientKey{timeout: timeout, insecure: sub.InsecureSkipVerify}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl
	}
	cl := &http.Client{Timeout: timeout}
	if sub.InsecureSkipVerify {
		cl.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	c.clients[key] = cl
	return cl
}

// warnInsecure logs once per subscriber per process when TLS verification is
// off.
func (c *Client) warnInsecure(sub *hookbridge.Subscriber) {
	c.mu.Lock()
	_, seen := c.warned[sub.ID]
	if !seen {
		c.warned[sub.ID] = struct{}{}
	}
	c.mu.Unlock()
	if !seen {
		log.Warn(fmt.Sprintf("subscriber %d (%s) delivers without TLS verification", sub.ID, sub.Name))
	}
}

// reservedHeader reports headers a subscriber's custom header set may not
// override.
func reservedHeader(name string, sub *hookbridge.Subscriber) bool {
	canonical := http.CanonicalHeaderKey(name)
	switch canonical {
	case "Content-Type", "User-Agent", "Authorization":
		return true
	}
	if sub.Auth == hookbridge.AuthAPIKey && canonical == http.CanonicalHeaderKey(apiKeyHeader(sub)) {
		return true
	}
	return false
}

func apiKeyHeader(sub *hookbridge.Subscriber) string {
	if sub.APIKeyHeader != "" {
		return sub.APIKeyHeader
	}
	return "X-API-Key"
}

// Deliver posts the payload to the subscriber and classifies the result.
// It never panics and never returns; every path yields an Outcome.
func (c *Client) Deliver(ctx context.Context, sub *hookbridge.Subscriber, payload map[string]any) Outcome {
	body, err := c.marshaler.Marshal(payload)
	if err != nil {
		return Outcome{Kind: KindOther, Err: fmt.Errorf("payload encode: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: KindOther, Err: fmt.Errorf("request build: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	switch sub.Auth {
	case hookbridge.AuthBasic:
		req.SetBasicAuth(sub.Username, sub.Password)
	case hookbridge.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+sub.Token)
	case hookbridge.AuthAPIKey:
		req.Header.Set(apiKeyHeader(sub), sub.APIKey)
	}
	for name, value := range sub.CustomHeaders {
		if reservedHeader(name, sub) {
			continue
		}
		req.Header.Set(name, value)
	}

	if sub.InsecureSkipVerify {
		c.warnInsecure(sub)
	}

	start := time.Now()
	resp, err := c.httpClient(sub).Do(req)
	if err != nil {
		kind := KindConnection
		var nerr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
			kind = KindTimeout
		}
		return Outcome{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	summary, _ := io.ReadAll(io.LimitReader(resp.Body, bodySummaryCap))
	out := Outcome{StatusCode: resp.StatusCode, BodySummary: string(summary)}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		out.Success = true
		log.Debug(fmt.Sprintf("delivered to subscriber %d in %dms", sub.ID, time.Since(start).Milliseconds()))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		out.Kind = KindHTTP4xx
		out.Err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		out.Kind = KindHTTP5xx
		out.Err = fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		out.Kind = KindOther
		out.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return out
}
