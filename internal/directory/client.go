package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a directory Server.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Register(ctx context.Context, code, addr string) error {
	body, err := json.Marshal(registerRequest{Address: addr})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPut, code, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return ErrTaken
	default:
		return unexpectedStatus(resp)
	}
}

func (c *Client) Resolve(ctx context.Context, code string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, code, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var room roomResponse
		if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
			return "", fmt.Errorf("decode directory response: %w", err)
		}
		return room.Address, nil
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", unexpectedStatus(resp)
	}
}

func (c *Client) Unregister(ctx context.Context, code string) error {
	resp, err := c.do(ctx, http.MethodDelete, code, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return unexpectedStatus(resp)
	}
}

func (c *Client) do(ctx context.Context, method, code string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/rooms/"+url.PathEscape(code), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory %s %s: %w", method, code, err)
	}
	return resp, nil
}

func unexpectedStatus(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload)
	if payload.Error != "" {
		return fmt.Errorf("directory: status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("directory: status %d", resp.StatusCode)
}
