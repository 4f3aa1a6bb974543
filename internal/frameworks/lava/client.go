package lava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/streamspace-dev/fc-coordinator/internal/fcerrors"
)

// HTTPClient implements Client against LAVA's REST scheduler API
// (api/v0.2/jobs/, api/v0.2/devices/, api/v0.2/devices/<hostname>/).
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds a Client for a LAVA server at baseURL,
// authenticating with token (a LAVA API token from frameworks_config).
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling lava at %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("lava returned status %d for %s", resp.StatusCode, u)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", fcerrors.ErrMalformedResponse, err)
	}
	return nil
}

type jobListResponse struct {
	Results []struct {
		ID                   int      `json:"id"`
		RequireType          []string `json:"tags"`
		RequestedDeviceType  string   `json:"requested_device_type"`
		ActualDevice         string   `json:"actual_device"`
	} `json:"results"`
}

// WaitingJobs lists every job LAVA has queued with state "Submitted".
func (c *HTTPClient) WaitingJobs(ctx context.Context) ([]Job, error) {
	var resp jobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v0.2/jobs/", url.Values{"state": {"Submitted"}}, &resp); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(resp.Results))
	for _, r := range resp.Results {
		jobs = append(jobs, Job{ID: fmt.Sprint(r.ID), DeviceType: r.RequestedDeviceType, Tags: r.RequireType})
	}
	return jobs, nil
}

// RunningJobs lists every job LAVA currently has in state "Running",
// each annotated with the device it was actually dispatched to, so
// the plugin can detect jobs that started outside coordinator control.
func (c *HTTPClient) RunningJobs(ctx context.Context) ([]Job, error) {
	var resp jobListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v0.2/jobs/", url.Values{"state": {"Running"}}, &resp); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(resp.Results))
	for _, r := range resp.Results {
		jobs = append(jobs, Job{ID: fmt.Sprint(r.ID), DeviceType: r.RequestedDeviceType, Tags: r.RequireType, Device: r.ActualDevice})
	}
	return jobs, nil
}

type deviceListResponse struct {
	Results []struct {
		Hostname   string   `json:"hostname"`
		DeviceType string   `json:"device_type"`
		Tags       []string `json:"tags"`
		Health     string   `json:"health"`
	} `json:"results"`
}

// Devices lists every device in LAVA's inventory.
func (c *HTTPClient) Devices(ctx context.Context) ([]Device, error) {
	var resp deviceListResponse
	if err := c.do(ctx, http.MethodGet, "/api/v0.2/devices/", nil, &resp); err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(resp.Results))
	for _, r := range resp.Results {
		devices = append(devices, Device{
			Hostname:   r.Hostname,
			DeviceType: r.DeviceType,
			Tags:       r.Tags,
			Health:     r.Health,
		})
	}
	return devices, nil
}

// CancelRunningJob cancels whatever job LAVA currently has running on
// hostname, if any. Used when a device is seized away to another
// framework: the displaced framework's ForceKickOff must stop using
// the device before the coordinator hands it over.
func (c *HTTPClient) CancelRunningJob(ctx context.Context, hostname string) error {
	running, err := c.RunningJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range running {
		if job.Device != hostname {
			continue
		}
		return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v0.2/jobs/%s/cancel/", job.ID), nil, nil)
	}
	return nil
}

// SetDeviceHealth updates a device's health state (Good/Maintenance).
func (c *HTTPClient) SetDeviceHealth(ctx context.Context, hostname, health string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v0.2/devices/%s/", hostname),
		url.Values{"health": {health}}, nil)
}
