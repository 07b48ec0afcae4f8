package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombar/coldstore/internal/meta"
	"github.com/zombar/coldstore/internal/scheduler"
)

// Client calls the admin API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for the admin API at baseURL authenticating with token.
func NewClient(baseURL, token string) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Demote moves a Hot object to ColdPending.
func (c *Client) Demote(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	var obj meta.Object
	err := c.do(ctx, http.MethodPost, "/admin/objects/demote", objectRequest(id), &obj)
	return &obj, err
}

// Promote cancels a pending demotion.
func (c *Client) Promote(ctx context.Context, id meta.ObjectID) (*meta.Object, error) {
	var obj meta.Object
	err := c.do(ctx, http.MethodPost, "/admin/objects/promote", objectRequest(id), &obj)
	return &obj, err
}

// Tapes lists the tape inventory.
func (c *Client) Tapes(ctx context.Context) ([]*meta.Tape, error) {
	var tapes []*meta.Tape
	err := c.do(ctx, http.MethodGet, "/admin/tapes", nil, &tapes)
	return tapes, err
}

// SetTapeStatus changes the status of a tape.
func (c *Client) SetTapeStatus(ctx context.Context, tapeID string, status meta.TapeStatus) error {
	return c.do(ctx, http.MethodPut, "/admin/tapes/"+tapeID+"/status", TapeStatusRequest{Status: status}, nil)
}

// RunArchive triggers an archive tick and returns its result.
func (c *Client) RunArchive(ctx context.Context) (scheduler.TickResult, error) {
	var res scheduler.TickResult
	err := c.do(ctx, http.MethodPost, "/admin/archive/run", nil, &res)
	return res, err
}

// Task fetches a recall or archive task by ID.
func (c *Client) Task(ctx context.Context, id string) (*TaskResponse, error) {
	var res TaskResponse
	err := c.do(ctx, http.MethodGet, "/admin/tasks/"+id, nil, &res)
	return &res, err
}

func objectRequest(id meta.ObjectID) ObjectRequest {
	return ObjectRequest{Bucket: id.Bucket, Key: id.Key, Version: id.Version}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RemoteError is a non-200 answer from the admin API.
type RemoteError struct {
	Status  int
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

func parseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return &RemoteError{Status: resp.StatusCode, Kind: eb.Kind, Message: eb.Error}
	}
	return &RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
