package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL points at the production profiler endpoint.
const DefaultBaseURL = "https://cloudprofiler.googleapis.com/v2"

// maxErrorBody bounds how much of an error response is read for the
// backoff hint and the error message.
const maxErrorBody = 64 * 1024

////////////////////////////////////////////////////////////////////////////////

// ErrNoProfile is returned when the server answers the poll without an
// assignment.
var ErrNoProfile = errors.New("profiler API: no profile requested")

// APIError is a non-2xx response from the control plane. Backoff carries
// the server-provided retry delay when the response included one.
type APIError struct {
	StatusCode int
	Status     string
	Backoff    time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("profiler API: %s", e.Status)
}

////////////////////////////////////////////////////////////////////////////////

// Client talks to the profiler control plane. The underlying http.Client
// must not enforce a request timeout: CreateProfile hangs until the server
// wants a profile, which can be many minutes. Cancellation is
// context-driven.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, hc *http.Client, l *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    hc,
		logger:  l.Named("client"),
	}
}

// CreateProfile issues the long-hanging poll. The server responds when it
// wants the agent to collect a profile of one of the offered types.
func (c *Client) CreateProfile(ctx context.Context, d *Deployment, types []ProfileType) (*Profile, error) {
	url := fmt.Sprintf("%s/projects/%s/profiles", c.baseURL, d.ProjectID)
	body, err := json.Marshal(&createProfileRequest{Deployment: d, ProfileType: types})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.apiError(resp)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoProfile
	}

	profile := &Profile{}
	if err := json.NewDecoder(resp.Body).Decode(profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return profile, nil
}

// UpdateProfile uploads the collected bytes under the server-assigned
// profile name.
func (c *Client) UpdateProfile(ctx context.Context, p *Profile) error {
	url := fmt.Sprintf("%s/%s", c.baseURL, p.Name)
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPatch, url, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}

func (c *Client) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Backoff:    backoffHint(resp, body),
	}
}

////////////////////////////////////////////////////////////////////////////////

type errorDetails struct {
	Error struct {
		Details []struct {
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

// backoffHint extracts the server-requested retry delay from a Retry-After
// header or a RetryInfo detail in the error body. Zero means no hint.
func backoffHint(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseInt(h, 10, 64); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	var details errorDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return 0
	}
	for _, d := range details.Error.Details {
		if d.RetryDelay == "" {
			continue
		}
		if delay, err := time.ParseDuration(d.RetryDelay); err == nil && delay > 0 {
			return delay
		}
	}
	return 0
}
