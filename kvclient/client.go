// Package kvclient is the typed HTTP client for the KV surface. The
// replica and the coordinator expose the same shape, so every service,
// and the coordinator itself when talking to replicas, shares this one
// client.
package kvclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/encoding/jsonutil"
)

// ErrUnavailable is returned when the remote surface answered 503, i.e.
// the coordinator could not reach enough replicas.
var ErrUnavailable = errors.New("kv unavailable")

// Client talks to one KV endpoint (replica or coordinator).
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the given base URL with the configured timeout.
func New(baseURL string) *Client {
	timeout := time.Duration(params.AirliftConfig().KVTimeoutSec * float64(time.Second))
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get reads the raw JSON value under key. The second return is false
// when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.kvURL(key), nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", key)
	}
	defer closeBody(resp)
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, false, nil
	case http.StatusServiceUnavailable:
		return nil, false, ErrUnavailable
	default:
		return nil, false, errors.Errorf("get %s: unexpected status %d", key, resp.StatusCode)
	}
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, errors.Wrapf(err, "get %s: decode", key)
	}
	return body.Value, true, nil
}

// GetJSON reads the value under key into out. The return is false when
// the key is absent.
func (c *Client) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, found, err := c.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if jsonutil.IsNull(raw) {
		return false, nil
	}
	return true, errors.Wrapf(json.Unmarshal(raw, out), "unmarshal %s", key)
}

// Put overwrites the value under key.
func (c *Client) Put(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"value": value})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.kvURL(key), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "put %s", key)
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusServiceUnavailable {
		return ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("put %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

// CAS performs a conditional swap. old of nil (or a value marshaling to
// JSON null) expects the key to be absent. On refusal the second return
// carries the current value reported by the store.
func (c *Client) CAS(ctx context.Context, key string, old, new interface{}) (bool, json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{"key": key, "old": old, "new": new})
	if err != nil {
		return false, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/kv/cas", bytes.NewReader(payload))
	if err != nil {
		return false, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, nil, errors.Wrapf(err, "cas %s", key)
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusServiceUnavailable {
		return false, nil, ErrUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return false, nil, errors.Errorf("cas %s: unexpected status %d", key, resp.StatusCode)
	}
	var body struct {
		OK      bool            `json:"ok"`
		Current json.RawMessage `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, nil, errors.Wrapf(err, "cas %s: decode", key)
	}
	return body.OK, body.Current, nil
}

// AcquireLock requests the cooperative lease for key.
func (c *Client) AcquireLock(ctx context.Context, key string, ttlSec float64) (bool, float64, error) {
	u := fmt.Sprintf("%s/lock/acquire/%s?ttl_sec=%g", c.baseURL, url.PathEscape(key), ttlSec)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return false, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, 0, errors.Wrapf(err, "lock acquire %s", key)
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return false, 0, errors.Errorf("lock acquire %s: unexpected status %d", key, resp.StatusCode)
	}
	var body struct {
		OK        bool    `json:"ok"`
		ExpiresAt float64 `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, 0, errors.Wrapf(err, "lock acquire %s: decode", key)
	}
	return body.OK, body.ExpiresAt, nil
}

// ReleaseLock drops the cooperative lease for key.
func (c *Client) ReleaseLock(ctx context.Context, key string) error {
	u := c.baseURL + "/lock/release/" + url.PathEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "lock release %s", key)
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("lock release %s: unexpected status %d", key, resp.StatusCode)
	}
	return nil
}

// Health probes the endpoint's health route.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) kvURL(key string) string {
	return c.baseURL + "/kv/" + url.PathEscape(key)
}

func closeBody(resp *http.Response) {
	_ = resp.Body.Close()
}
