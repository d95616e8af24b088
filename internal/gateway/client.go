package gateway

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

	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultDeviceName     = "tasklane-bridge"
)

// ErrGatewayUnavailable is returned for every transport failure against the
// gateway process. Retry policy belongs to callers, not to this client.
var ErrGatewayUnavailable = errors.New("gateway: unavailable")

var errMissingBaseURL = errors.New("gateway: base url is required")

// ClientConfig configures the gateway HTTP client.
type ClientConfig struct {
	BaseURL    string
	Account    string
	DeviceName string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client wraps the external Signal gateway process behind typed calls.
type Client struct {
	baseURL    *url.URL
	account    string
	deviceName string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimSpace(cfg.BaseURL)
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid base url: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	deviceName := strings.TrimSpace(cfg.DeviceName)
	if deviceName == "" {
		deviceName = defaultDeviceName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    parsed,
		account:    strings.TrimSpace(cfg.Account),
		deviceName: deviceName,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// RequestLinkQRCode asks the gateway for a fresh, single-use linking QR code
// and returns the raw PNG bytes. Codes are time limited and must not be
// cached across requests.
func (c *Client) RequestLinkQRCode(ctx context.Context) ([]byte, error) {
	endpoint := c.endpoint("/v1/qrcodelink")
	endpoint.RawQuery = url.Values{"device_name": []string{c.deviceName}}.Encode()

	body, err := c.get(ctx, endpoint.String())
	if err != nil {
		return nil, err
	}
	return body, nil
}

// LinkResult reports whether a previously requested link handshake has been
// confirmed, and if so which phone number was registered.
type LinkResult struct {
	Complete bool   `json:"linked"`
	Number   string `json:"number"`
}

// CheckLinkComplete polls the gateway for the outcome of the most recent
// linking QR code.
func (c *Client) CheckLinkComplete(ctx context.Context) (LinkResult, error) {
	body, err := c.get(ctx, c.endpoint("/v1/qrcodelink/status").String())
	if err != nil {
		return LinkResult{}, err
	}
	var result LinkResult
	if err := json.Unmarshal(body, &result); err != nil {
		return LinkResult{}, fmt.Errorf("%w: malformed link status: %v", ErrGatewayUnavailable, err)
	}
	return result, nil
}

// ListAccounts returns the phone numbers currently registered with the
// gateway process.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, c.endpoint("/v1/accounts").String())
	if err != nil {
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, fmt.Errorf("%w: malformed account list: %v", ErrGatewayUnavailable, err)
	}
	return accounts, nil
}

// SendReceipt acknowledges an accepted outbound message.
type SendReceipt struct {
	Timestamp int64 `json:"timestamp"`
}

type sendRequest struct {
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	TextMode   string   `json:"text_mode,omitempty"`
}

// SendMessage delivers a single text message through the gateway. Styled
// messages carry inline formatting markers interpreted by the gateway.
func (c *Client) SendMessage(ctx context.Context, recipient, text string, styled bool) (SendReceipt, error) {
	payload := sendRequest{
		Number:     c.account,
		Recipients: []string{recipient},
		Message:    text,
	}
	if styled {
		payload.TextMode = "styled"
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return SendReceipt{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v2/send").String(), bytes.NewReader(encoded))
	if err != nil {
		return SendReceipt{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return SendReceipt{}, fmt.Errorf("%w: send returned status %d", ErrGatewayUnavailable, response.StatusCode)
	}

	var receipt SendReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return SendReceipt{}, fmt.Errorf("%w: malformed send receipt: %v", ErrGatewayUnavailable, err)
	}
	return receipt, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("%w: gateway returned status %d", ErrGatewayUnavailable, response.StatusCode)
	}
	return body, nil
}

func (c *Client) endpoint(path string) *url.URL {
	copied := *c.baseURL
	copied.Path = strings.TrimRight(copied.Path, "/") + path
	copied.RawQuery = ""
	return &copied
}
