// Package platform is the HTTP client for the external content platform's
// per-location key/value records.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrStatus = errors.New("unexpected platform status")

// StatusError carries a non-2xx response. It matches ErrStatus with errors.Is.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: platform returned %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: platform returned %d: %s", e.Op, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

type Record struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) recordsURL(locationID string) string {
	return c.baseURL + "/locations/" + url.PathEscape(locationID) + "/records"
}

// ListRecords returns every record of a location in one request.
func (c *Client) ListRecords(ctx context.Context, locationID string) ([]Record, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list records", http.MethodGet, c.recordsURL(locationID), nil, &raw); err != nil {
		return nil, err
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err == nil {
		return records, nil
	}
	var wrapped struct {
		Records []Record `json:"records"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if wrapped.Records == nil {
		wrapped.Records = []Record{}
	}
	return wrapped.Records, nil
}

// UpdateRecord replaces a record's value. The platform requires the record's
// current name on every update.
func (c *Client) UpdateRecord(ctx context.Context, locationID, recordID, name, value string) error {
	body := map[string]string{"name": name, "value": value}
	endpoint := c.recordsURL(locationID) + "/" + url.PathEscape(recordID)
	return c.do(ctx, "update record", http.MethodPut, endpoint, body, nil)
}

func (c *Client) CreateRecord(ctx context.Context, locationID, name, value string) (Record, error) {
	body := map[string]string{"name": name, "value": value}
	var created Record
	if err := c.do(ctx, "create record", http.MethodPost, c.recordsURL(locationID), body, &created); err != nil {
		return Record{}, err
	}
	return created, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
