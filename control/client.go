package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running control API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for the API listening on addr, which may be
// a bare host:port.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{BaseURL: base, HTTP: &http.Client{}}
}

// Status returns the current status.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

// Connect asks the daemon to connect.
func (c *Client) Connect(ctx context.Context, req ConnectRequest) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/connect", req, &out)
	return out, err
}

// Disconnect asks the daemon to disconnect.
func (c *Client) Disconnect(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/disconnect", nil, &out)
	return out, err
}

// Reconnect asks the daemon to reconnect with its current params.
func (c *Client) Reconnect(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/reconnect", nil, &out)
	return out, err
}

// Watch calls fn for every status update until fn returns false, the
// stream ends or ctx is done.
func (c *Client) Watch(ctx context.Context, fn func(StatusResponse) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/status/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	err = ReadStatusStream(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ReadStatusStream decodes "status" server-sent events from r.
func ReadStatusStream(r io.Reader, fn func(StatusResponse) bool) error {
	scanner := bufio.NewScanner(r)
	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "status" && data.Len() > 0 {
				var s StatusResponse
				if err := json.Unmarshal(data.Bytes(), &s); err != nil {
					return fmt.Errorf("decode status event: %w", err)
				}
				if !fn(s) {
					return nil
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("control API unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("control API: %s", resp.Status)
	}
	return errors.New(body.Error)
}
