// Package client talks to a running squeeze HTTP API.
package client

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

	"squeeze/pkg/jobs"
	"squeeze/pkg/squeeze"
	"squeeze/pkg/squeezeerr"
	"squeeze/pkg/types"
)

// APIError is a non-2xx answer. It matches the squeezeerr sentinel of its
// kind, so squeezeerr.KindOf works across the wire.
type APIError struct {
	StatusCode  int
	Kind        squeezeerr.Kind
	Message     string
	SafeToRetry bool
	// Result is set when the server reported where staging data was left.
	Result *squeeze.Result
}

func (e *APIError) Error() string {
	return fmt.Sprintf("squeeze api: status=%d kind=%s: %s", e.StatusCode, e.Kind, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch e.Kind {
	case squeezeerr.KindValidation:
		return target == squeezeerr.ErrValidation
	case squeezeerr.KindPermission:
		return target == squeezeerr.ErrPermission
	case squeezeerr.KindCompaction:
		return target == squeezeerr.ErrCompaction
	case squeezeerr.KindRename:
		return target == squeezeerr.ErrRename
	case squeezeerr.KindLocked:
		return target == squeezeerr.ErrLocked
	}
	return false
}

// Retryable carries the server's retry verdict through squeezeerr.SafeToRetry.
func (e *APIError) Retryable() bool {
	return e.SafeToRetry
}

// envelope mirrors the server response body.
type envelope struct {
	Status      string          `json:"status"`
	Result      *squeeze.Result `json:"result"`
	Job         *jobs.Job       `json:"job"`
	Error       string          `json:"error"`
	Kind        squeezeerr.Kind `json:"kind"`
	SafeToRetry bool            `json:"safe_to_retry"`
}

type Client struct {
	baseURL string
	client  *http.Client
}

// New returns a client for baseURL. A nil hc means http.DefaultClient.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  hc,
	}
}

// Compact runs criteria synchronously on the server.
func (c *Client) Compact(ctx context.Context, criteria types.CompactionCriteria) (squeeze.Result, error) {
	env, err := c.post(ctx, "/api/compact", criteria, http.StatusOK)
	if err != nil {
		return squeeze.Result{}, err
	}
	if env.Result == nil {
		return squeeze.Result{}, errors.New("squeeze api: response without result")
	}
	return *env.Result, nil
}

// Submit queues criteria and returns the new job.
func (c *Client) Submit(ctx context.Context, criteria types.CompactionCriteria) (jobs.Job, error) {
	env, err := c.post(ctx, "/api/jobs", criteria, http.StatusAccepted)
	if err != nil {
		return jobs.Job{}, err
	}
	if env.Job == nil {
		return jobs.Job{}, errors.New("squeeze api: response without job")
	}
	return *env.Job, nil
}

// Job fetches the status of id. found is false for unknown ids.
func (c *Client) Job(ctx context.Context, id string) (job jobs.Job, found bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("create GET request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return jobs.Job{}, false, fmt.Errorf("GET do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return jobs.Job{}, false, nil
	}
	env, err := decode(resp, http.StatusOK)
	if err != nil {
		return jobs.Job{}, false, err
	}
	if env.Job == nil {
		return jobs.Job{}, false, errors.New("squeeze api: response without job")
	}
	return *env.Job, true, nil
}

// Wait polls id every interval until the job finishes or ctx is done.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (jobs.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, found, err := c.Job(ctx, id)
		switch {
		case err != nil:
			return job, err
		case !found:
			return job, fmt.Errorf("squeeze api: job %s not found", id)
		case job.Finished():
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body any, want int) (envelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return envelope{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return envelope{}, fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("POST do: %w", err)
	}
	defer resp.Body.Close()
	return decode(resp, want)
}

func decode(resp *http.Response, want int) (envelope, error) {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("decode: %w status=%d body=%s", err, resp.StatusCode, string(b))
	}
	if resp.StatusCode != want {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return env, &APIError{
			StatusCode:  resp.StatusCode,
			Kind:        env.Kind,
			Message:     msg,
			SafeToRetry: env.SafeToRetry,
			Result:      env.Result,
		}
	}
	return env, nil
}
