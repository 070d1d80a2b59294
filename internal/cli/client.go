package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haatos/simple-cd/internal"
	"github.com/haatos/simple-cd/internal/handler"
	"github.com/haatos/simple-cd/internal/service"
	"github.com/haatos/simple-cd/internal/store"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

// Client talks to a simplecd server's JSON API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Targets(ctx context.Context) ([]handler.TargetResponse, error) {
	var res []handler.TargetResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/targets", nil, &res)
	return res, err
}

func (c *Client) Trigger(
	ctx context.Context,
	target string,
	mode, artifactRef string,
) (*handler.TriggerResponse, error) {
	body := map[string]string{"mode": mode, "artifact_ref": artifactRef}
	res := new(handler.TriggerResponse)
	path := "/api/targets/" + url.PathEscape(target) + "/runs"
	if err := c.doJSON(ctx, http.MethodPost, path, body, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) GetRun(ctx context.Context, runID int64) (*store.Run, error) {
	run := new(store.Run)
	if err := c.doJSON(ctx, http.MethodGet, runPath(runID), nil, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (c *Client) GetRunOutput(ctx context.Context, runID int64) (string, error) {
	res, err := c.do(ctx, http.MethodGet, runPath(runID)+"/output", nil)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	return string(b), err
}

func (c *Client) ListRuns(
	ctx context.Context,
	target string,
	limit, offset int64,
) (*handler.RunsResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.FormatInt(limit, 10))
	q.Set("offset", strconv.FormatInt(offset, 10))
	path := "/api/targets/" + url.PathEscape(target) + "/runs?" + q.Encode()
	res := new(handler.RunsResponse)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) Cancel(ctx context.Context, runID int64) error {
	return c.doJSON(ctx, http.MethodPost, runPath(runID)+"/cancel", nil, nil)
}

func (c *Client) ReleaseLease(ctx context.Context, target string) (*service.LeaseInfo, error) {
	info := new(service.LeaseInfo)
	path := "/api/targets/" + url.PathEscape(target) + "/lease"
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) DeleteArtifact(ctx context.Context, ref service.ArtifactRef) error {
	path := fmt.Sprintf("/api/artifacts/%d/%s", ref.RunID, url.PathEscape(ref.Name))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// WaitRun polls the run every interval until it reaches a terminal status.
func (c *Client) WaitRun(ctx context.Context, runID int64, interval time.Duration) (*store.Run, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runPath(runID int64) string {
	return "/api/runs/" + strconv.FormatInt(runID, 10)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	res, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(internal.APIKeyHeader, c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}
	defer res.Body.Close()
	var er handler.ErrorResponse
	if err := json.NewDecoder(res.Body).Decode(&er); err != nil || er.Message == "" {
		er.Message = http.StatusText(res.StatusCode)
	}
	return nil, &APIError{Status: res.StatusCode, Message: er.Message}
}
