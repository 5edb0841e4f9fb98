// Package api provides the signed HTTP client for the EcoFlow IoT open API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tbuchboeck/EcoFlowMon/internal/errors"
	"github.com/tbuchboeck/EcoFlowMon/internal/quota"
	"github.com/tbuchboeck/EcoFlowMon/internal/types"
	"github.com/tbuchboeck/EcoFlowMon/pkg/device"
)

const (
	// DefaultBaseURL is the EU endpoint of the open API.
	DefaultBaseURL = "https://api-e.ecoflow.com"

	deviceListPath = "/iot-open/sign/device/list"
	quotaAllPath   = "/iot-open/sign/device/quota/all"
	quotaPath      = "/iot-open/sign/device/quota"

	successCode     = "0"
	protocolVersion = "1.0"
	contentType     = "application/json;charset=UTF-8"
	maxResponseSize = 10 << 20
)

// Call outcome labels passed to a CallObserver.
const (
	StatusSuccess        = "success"
	StatusAPIError       = "api_error"
	StatusTransportError = "transport_error"
)

// CallObserver receives the duration and outcome of every API call.
type CallObserver interface {
	ObserveAPICall(endpoint, status string, duration time.Duration)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL   string
	AccessKey string
	SecretKey string
	Timeout   time.Duration
	// RateLimit caps outgoing requests per second; zero disables pacing.
	RateLimit float64
	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
	Observer   CallObserver
}

// Client provides HTTP client functionality for the EcoFlow open API. It
// never retries; the caller decides what a failure means.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accessKey  string
	secretKey  string
	limiter    *rate.Limiter
	observer   CallObserver
}

// NewClient creates a new EcoFlow API client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  false,
				MaxIdleConnsPerHost: 2,
			},
		}
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		accessKey:  cfg.AccessKey,
		secretKey:  cfg.SecretKey,
		limiter:    limiter,
		observer:   cfg.Observer,
	}
}

// ListDevices returns the device directory of the account.
func (c *Client) ListDevices(ctx context.Context) ([]device.Device, error) {
	env, err := c.do(ctx, http.MethodGet, deviceListPath, nil, nil)
	if err != nil {
		return nil, err
	}

	var entries []apiDevice
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &entries); err != nil {
			return nil, fmt.Errorf("failed to decode device list: %w", err)
		}
	}

	devices := make([]device.Device, 0, len(entries))
	for _, e := range entries {
		if d, ok := convertDevice(e); ok {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

// GetAllQuotas returns every quota of one device. The serial travels in the
// query string and is not part of the signed payload.
func (c *Client) GetAllQuotas(ctx context.Context, sn types.SerialNumber) (quota.Mapping, error) {
	query := url.Values{"sn": {sn.String()}}
	env, err := c.do(ctx, http.MethodGet, quotaAllPath, query, nil)
	if err != nil {
		return quota.Mapping{}, err
	}
	return decodeQuotaData(env.Data)
}

// GetQuotas returns the named quotas of one device. The serial is part of
// the signed JSON body here.
func (c *Client) GetQuotas(ctx context.Context, sn types.SerialNumber, quotaNames []string) (quota.Mapping, error) {
	if quotaNames == nil {
		quotaNames = []string{}
	}
	body := quotaRequest{
		SN:     sn.String(),
		Params: quotaParams{Quotas: quotaNames},
	}
	env, err := c.do(ctx, http.MethodPost, quotaPath, nil, body)
	if err != nil {
		return quota.Mapping{}, err
	}
	return decodeQuotaData(env.Data)
}

// Ack is the acknowledgement of a SetParameters call.
type Ack struct {
	Message string
	Data    json.RawMessage
}

// SetParameters writes device parameters. The request id is the current
// time in milliseconds.
func (c *Client) SetParameters(ctx context.Context, sn types.SerialNumber, moduleType int, operateType string, params any) (Ack, error) {
	if params == nil {
		params = map[string]any{}
	}
	body := setRequest{
		ID:          time.Now().UnixMilli(),
		Version:     protocolVersion,
		SN:          sn.String(),
		ModuleType:  moduleType,
		OperateType: operateType,
		Params:      params,
	}
	env, err := c.do(ctx, http.MethodPut, quotaPath, nil, body)
	if err != nil {
		return Ack{}, err
	}
	return Ack{Message: env.Message, Data: env.Data}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*envelope, error) {
	start := time.Now()
	env, err := c.roundTrip(ctx, method, path, query, body)

	if c.observer != nil {
		status := StatusSuccess
		if err != nil {
			status = StatusAPIError
			if errors.IsTransport(err) {
				status = StatusTransportError
			}
		}
		c.observer.ObserveAPICall(path, status, time.Since(start))
	}
	return env, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &errors.TransportError{Endpoint: path, Underlying: err}
		}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	sig, err := Sign(body, c.accessKey, c.secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	// The vendor documents these header names in lower camel case; assign
	// them directly so net/http does not canonicalize them.
	req.Header.Set("Content-Type", contentType)
	req.Header["accessKey"] = []string{c.accessKey}
	req.Header["nonce"] = []string{sig.Nonce}
	req.Header["timestamp"] = []string{sig.Timestamp}
	req.Header["sign"] = []string{sig.Sign}

	slog.Debug("calling EcoFlow API", "method", method, "endpoint", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &errors.TransportError{Endpoint: path, Underlying: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &errors.TransportError{Endpoint: path, Underlying: fmt.Errorf("failed to read response: %w", err)}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode != http.StatusOK {
		message := env.Message
		if decodeErr != nil || message == "" {
			message = excerpt(raw)
		}
		return nil, errors.NewAPIError(path, resp.StatusCode, string(env.Code), message)
	}
	if decodeErr != nil {
		return nil, errors.NewAPIError(path, resp.StatusCode, "", fmt.Sprintf("failed to decode response envelope: %v", decodeErr))
	}
	if string(env.Code) != successCode {
		return nil, errors.NewAPIError(path, resp.StatusCode, string(env.Code), env.Message)
	}

	return &env, nil
}

func decodeQuotaData(data json.RawMessage) (quota.Mapping, error) {
	m, err := quota.DecodeMapping(data)
	if err != nil {
		return quota.Mapping{}, fmt.Errorf("failed to decode quota data: %w", err)
	}
	return m, nil
}

func convertDevice(d apiDevice) (device.Device, bool) {
	sn, err := types.NewSerialNumber(d.SN)
	if err != nil {
		slog.Warn("skipping device with invalid serial number", "device", d, "error", err)
		return device.Device{}, false
	}

	rawName := d.ProductName
	if strings.TrimSpace(rawName) == "" {
		rawName = d.DeviceName
	}
	if strings.TrimSpace(rawName) == "" {
		rawName = d.SN
	}
	name, err := types.NewDeviceName(rawName)
	if err != nil {
		slog.Warn("skipping device with invalid name", "device", d, "error", err)
		return device.Device{}, false
	}

	return device.Device{
		SN:     sn,
		Name:   name,
		Online: bool(d.Online),
	}, true
}

func excerpt(body []byte) string {
	const limit = 1024
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

// envelope is the response wrapper of every open API call.
type envelope struct {
	Code    flexString      `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// apiDevice represents a device as returned by the device list endpoint.
type apiDevice struct {
	SN          string   `json:"sn"`
	DeviceName  string   `json:"deviceName"`
	ProductName string   `json:"productName"`
	Online      flexBool `json:"online"`
}

type quotaRequest struct {
	SN     string      `json:"sn"`
	Params quotaParams `json:"params"`
}

type quotaParams struct {
	Quotas []string `json:"quotas"`
}

type setRequest struct {
	ID          int64  `json:"id"`
	Version     string `json:"version"`
	SN          string `json:"sn"`
	ModuleType  int    `json:"moduleType"`
	OperateType string `json:"operateType"`
	Params      any    `json:"params"`
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("code is neither string nor number: %s", string(data))
	}
	*s = flexString(num.String())
	return nil
}

// flexBool accepts true/false, 0/1 and "0"/"1".
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch s {
	case "true":
		*b = true
		return nil
	case "false", "null", "":
		*b = false
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("online flag is not boolean: %s", string(data))
	}
	*b = n != 0
	return nil
}
