// Package enterprise adapts the REST side of the bridge. Outbound
// buffer messages push as JSON documents to mapped resource paths, and
// a poll loop fetches mapped resources into the buffer for delivery to
// the other sides.
package enterprise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/inletworks/bridge/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/clientcredentials"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_enterprise_requests_total",
	Help: "Requests issued against the enterprise endpoint.",
}, []string{"operation"})

var requestFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bridge_enterprise_request_failures_total",
	Help: "Requests which failed after exhausting retries.",
}, []string{"operation"})

// Client issues authenticated JSON requests against the enterprise
// endpoint. The zero value is not usable; build with NewClient.
type Client struct {
	endpoint string
	http     *http.Client

	// Set for basic auth only. OAuth2 rides the client transport.
	username string
	password string
}

// NewClient builds a Client from the enterprise configuration. OAuth2
// client-credentials tokens are fetched and refreshed by the underlying
// transport.
func NewClient(cfg config.Enterprise) (*Client, error) {
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", cfg.Endpoint, err)
	}
	var c = &Client{endpoint: strings.TrimSuffix(cfg.Endpoint, "/")}
	var timeout = time.Duration(cfg.Timeout) * time.Second

	if cfg.Auth.Type == "oauth2" {
		var cc = clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
		}
		if cfg.Auth.Scope != "" {
			cc.Scopes = []string{cfg.Auth.Scope}
		}
		c.http = cc.Client(context.Background())
		c.http.Timeout = timeout
	} else {
		c.http = &http.Client{Timeout: timeout}
		c.username = cfg.Auth.Username
		c.password = cfg.Auth.Password
	}
	return c, nil
}

// Push POSTs doc as JSON to the resource path, retrying per the mapping
// retry policy. Responses 200, 201 and 202 are success. Responses in
// the 4xx range fail without further attempts.
func (c *Client) Push(ctx context.Context, resourcePath string, doc interface{}, retry config.EnterpriseRetry) error {
	requestsTotal.WithLabelValues("push").Inc()
	retry = retry.WithDefaults()

	var body, err = json.Marshal(doc)
	if err != nil {
		requestFailuresTotal.WithLabelValues("push").Inc()
		return fmt.Errorf("encoding document for %s: %w", resourcePath, err)
	}

	var op = func() error {
		var req, err = http.NewRequestWithContext(ctx, "POST", c.resolve(resourcePath), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		c.prepare(req)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated, http.StatusAccepted:
			return nil
		}
		err = fmt.Errorf("unexpected response code %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	var policy = backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(time.Duration(retry.BackoffSeconds)*time.Second),
			uint64(retry.MaxAttempts-1)),
		ctx)
	var notify = func(err error, d time.Duration) {
		log.WithFields(log.Fields{
			"path":    resourcePath,
			"backoff": d,
			"err":     err,
		}).Warn("failed to push to enterprise (will retry)")
	}

	if err = backoff.RetryNotify(op, policy, notify); err != nil {
		requestFailuresTotal.WithLabelValues("push").Inc()
		return fmt.Errorf("pushing to %s: %w", resourcePath, err)
	}
	return nil
}

// Fetch GETs the resource path and returns its decoded items. A
// response shaped as an OData collection unwraps to the items under
// "value"; a single document returns as a one-item slice.
func (c *Client) Fetch(ctx context.Context, resourcePath string, params map[string]string) ([]interface{}, error) {
	requestsTotal.WithLabelValues("fetch").Inc()

	var items, err = c.fetch(ctx, resourcePath, params)
	if err != nil {
		requestFailuresTotal.WithLabelValues("fetch").Inc()
		return nil, fmt.Errorf("fetching %s: %w", resourcePath, err)
	}
	return items, nil
}

func (c *Client) fetch(ctx context.Context, resourcePath string, params map[string]string) ([]interface{}, error) {
	var req, err = http.NewRequestWithContext(ctx, "GET", c.resolve(resourcePath), nil)
	if err != nil {
		return nil, err
	}
	c.prepare(req)

	if len(params) != 0 {
		var q = req.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected response code %d", resp.StatusCode)
	}
	var doc interface{}
	if err = json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return unwrapItems(doc), nil
}

func (c *Client) resolve(resourcePath string) string {
	if resourcePath == "" {
		return c.endpoint
	}
	return c.endpoint + "/" + strings.TrimPrefix(resourcePath, "/")
}

func (c *Client) prepare(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

// unwrapItems normalizes a decoded response document to its item slice.
func unwrapItems(doc interface{}) []interface{} {
	switch x := doc.(type) {
	case nil:
		return nil
	case []interface{}:
		return x
	case map[string]interface{}:
		if items, ok := x["value"].([]interface{}); ok {
			return items
		}
		return []interface{}{x}
	}
	return []interface{}{doc}
}
