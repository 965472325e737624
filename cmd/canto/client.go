package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// apiClient talks to a running canto daemon (canto serve / canto up --listen).
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &apiClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(method, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("canto daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func nameQuery(name string) url.Values {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	return q
}

func (c *apiClient) Start(name string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(http.MethodPost, "/start", nameQuery(name), &out)
	return out, err
}

func (c *apiClient) Stop(name string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(http.MethodPost, "/stop", nameQuery(name), &out)
	return out, err
}

func (c *apiClient) Restart(name string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(http.MethodPost, "/restart", nameQuery(name), &out)
	return out, err
}

func (c *apiClient) Status(name string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(http.MethodGet, "/status", nameQuery(name), &out)
	return out, err
}

func (c *apiClient) Logs(name string, tail int) (json.RawMessage, error) {
	q := nameQuery(name)
	q.Set("tail", strconv.Itoa(tail))
	var out json.RawMessage
	err := c.do(http.MethodGet, "/logs", q, &out)
	return out, err
}

func (c *apiClient) History(name string, limit int) (json.RawMessage, error) {
	q := nameQuery(name)
	q.Set("limit", strconv.Itoa(limit))
	var out json.RawMessage
	err := c.do(http.MethodGet, "/history", q, &out)
	return out, err
}
