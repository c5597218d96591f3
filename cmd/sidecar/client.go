package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/sidecar"
)

// APIClient talks to the control API of a running supervisor
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8089/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithToken sends token as a bearer credential on every request
func (c *APIClient) WithToken(token string) *APIClient {
	c.token = token
	return c
}

func (c *APIClient) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// IsReachable checks if the supervisor is running and reachable
func (c *APIClient) IsReachable() bool {
	resp, err := c.do(http.MethodGet, "/status", nil)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) Status() (sidecar.Status, error) {
	var st sidecar.Status
	resp, err := c.do(http.MethodGet, "/status", nil)
	if err != nil {
		return st, err
	}
	return st, decode(resp, &st)
}

func (c *APIClient) Start(dataDir string) (sidecar.Summary, error) {
	return c.post("/start", dataDir)
}

func (c *APIClient) Stop() (sidecar.Summary, error) {
	return c.post("/stop", "")
}

func (c *APIClient) Restart(dataDir string) (sidecar.Summary, error) {
	return c.post("/restart", dataDir)
}

func (c *APIClient) post(path, dataDir string) (sidecar.Summary, error) {
	var sum sidecar.Summary
	var body io.Reader
	if dataDir != "" {
		b, err := json.Marshal(sidecar.LaunchRequest{DataDir: dataDir})
		if err != nil {
			return sum, err
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.do(http.MethodPost, path, body)
	if err != nil {
		return sum, err
	}
	return sum, decode(resp, &sum)
}

// decode reads a JSON body into v, or the API error on a non-200 status.
func decode(resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			return fmt.Errorf("API error: status %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
