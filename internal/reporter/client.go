package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/septivank/packetmeter/internal/apperr"
	"github.com/septivank/packetmeter/internal/bytecount"
	"github.com/septivank/packetmeter/internal/timezone"
	"github.com/septivank/packetmeter/internal/validator"
)

// Version is reported in the client tag.
var Version = "dev"

// ClientTag identifies the daemon to the server, which infers the device
// kind from it on the first health check.
func ClientTag() string {
	return fmt.Sprintf("PacketMeter-%s-Daemon/%s", runtime.GOOS, Version)
}

// APIError is a non-2xx response. It unwraps to the matching apperr kind
// so callers can tell "retry later" from "fatal".
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusUnauthorized:
		return apperr.ErrUnauthorized
	case e.Code == "device_not_activated":
		return apperr.ErrDeviceNotActivated
	case e.Status == http.StatusBadRequest:
		return apperr.ErrValidation
	case e.Status == http.StatusNotFound:
		return apperr.ErrNotFound
	default:
		return nil
	}
}

// DeviceInfo is the health-check answer.
type DeviceInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DeviceType  string `json:"deviceType"`
	IsActivated bool   `json:"isActivated"`
}

// Client talks to the ingestion API. Every request gets its own timeout,
// independent of the report interval.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, token: token, timeout: timeout, http: &http.Client{}}
}

// HasToken reports whether a device token is configured.
func (c *Client) HasToken() bool {
	return c.token != ""
}

// SubmitUsage sends one hour's per-app totals.
func (c *Client) SubmitUsage(ctx context.Context, s Snapshot) (int, error) {
	report := validator.UsageReport{
		Timestamp: s.Hour.UTC().Format(time.RFC3339),
		Date:      s.Hour.UTC().Format(timezone.DateLayout),
		Apps:      make([]validator.AppUsage, 0, len(s.Apps)),
	}
	for _, id := range s.Identifiers() {
		cnt := s.Apps[id]
		report.Apps = append(report.Apps, validator.AppUsage{
			Identifier: id,
			TotalRx:    bytecount.FromUint64(cnt.Rx),
			TotalTx:    bytecount.FromUint64(cnt.Tx),
		})
	}
	var out struct {
		Applied int `json:"applied"`
	}
	if err := c.post(ctx, "/api/v1/traffic/per-process", report, &out); err != nil {
		return 0, err
	}
	return out.Applied, nil
}

// RegisterApps sends display metadata for identifiers.
func (c *Client) RegisterApps(ctx context.Context, apps []validator.AppRegistration) (int, error) {
	var out struct {
		Applied int `json:"applied"`
	}
	if err := c.post(ctx, "/api/v1/traffic/register-apps", validator.RegisterAppsRequest{Apps: apps}, &out); err != nil {
		return 0, err
	}
	return out.Applied, nil
}

// HealthCheck announces the device. It succeeds for pending devices too.
func (c *Client) HealthCheck(ctx context.Context) (DeviceInfo, error) {
	var out struct {
		Device DeviceInfo `json:"device"`
	}
	if err := c.post(ctx, "/api/v1/device/health-check", nil, &out); err != nil {
		return DeviceInfo{}, err
	}
	return out.Device, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var payload io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", ClientTag())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Code, apiErr.Message = envelope.Code, envelope.Message
		}
		return apiErr
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
