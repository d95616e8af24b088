package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRequestTimeout = 10 * time.Second

var (
	// ErrChatUnavailable is returned for any transport failure against the
	// main application's chat API.
	ErrChatUnavailable = errors.New("chat: unavailable")

	errMissingBaseURL = errors.New("chat: base url is required")
	errMissingTokens  = errors.New("chat: token source is required")
)

// TokenSource mints service tokens for bridge-to-app calls.
type TokenSource interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
}

// ClientConfig configures the chat pipeline client.
type ClientConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client deposits Signal-originated messages into the main application's
// chat pipeline over its internal HTTP API.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    base,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type addMessageRequest struct {
	UserID     string `json:"user_id"`
	ProjectID  string `json:"project_id,omitempty"`
	Body       string `json:"body"`
	AuthorRole string `json:"author_role"`
	Source     string `json:"source"`
}

type addMessageResponse struct {
	MessageID string `json:"message_id"`
}

// AddMessage creates a chat message authored by the resolved user and
// returns the created message id.
func (c *Client) AddMessage(ctx context.Context, userID, projectID, body, authorRole string) (string, error) {
	token, _, err := c.tokens.IssueToken(ctx, "signal-bridge")
	if err != nil {
		return "", fmt.Errorf("chat: token issue failed: %w", err)
	}

	payload := addMessageRequest{
		UserID:     userID,
		ProjectID:  projectID,
		Body:       body,
		AuthorRole: authorRole,
		Source:     "signal",
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/internal/messages", bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChatUnavailable, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrChatUnavailable, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return "", fmt.Errorf("%w: chat api returned status %d", ErrChatUnavailable, response.StatusCode)
	}

	var decoded addMessageResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("%w: malformed response: %v", ErrChatUnavailable, err)
	}
	return decoded.MessageID, nil
}
