// Package backend implements the platform REST client: message create,
// history pages, typing signals, reactions, and attachment upload.
package backend

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

	"classchat/internal/domain"
)

// Client talks to the platform API with bearer auth.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	uploads *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Logger  *slog.Logger
}

var _ domain.Backend = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    newHTTPClient(cfg.Timeout),
		uploads: newUploadClient(),
		logger:  cfg.Logger,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// decodeError turns a non-2xx response into a *domain.APIError. Responses
// without a parseable {"error","kind"} body fall back to a status-derived kind.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	apiErr := &domain.APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Kind == "" {
		apiErr.Kind = domain.KindForStatus(resp.StatusCode)
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}
	return apiErr
}

func decodeInto(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateMessage posts a draft. Deliberately not retried: the fallback timer
// and dedupe rules upstream handle a lost response, while a blind retry
// could post the message twice.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, draft domain.Draft) (*domain.Message, error) {
	payload, err := json.Marshal(draft)
	if err != nil {
		return nil, fmt.Errorf("marshal draft: %w", err)
	}

	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(conversationID))
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	var msg domain.Message
	if err := decodeInto(resp, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// History fetches up to limit messages older than beforeID, oldest first.
func (c *Client) History(ctx context.Context, conversationID string, limit int, beforeID string) (*domain.HistoryPage, error) {
	if limit <= 0 {
		limit = 40
	}

	path := fmt.Sprintf("/v1/conversations/%s/messages", url.PathEscape(conversationID))
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeID != "" {
		q.Set("before", beforeID)
	}
	full := path + "?" + q.Encode()

	resp, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, full, nil)
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	var page domain.HistoryPage
	if err := decodeInto(resp, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Typing signals that the user is composing. Callers treat failures as
// non-fatal; this method just reports them.
func (c *Client) Typing(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/v1/conversations/%s/typing", url.PathEscape(conversationID))
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("typing signal: %w", err)
	}
	return decodeInto(resp, nil)
}

// ToggleReaction adds or removes the caller's reaction on a message and
// returns the updated message.
func (c *Client) ToggleReaction(ctx context.Context, messageID, emoji string) (*domain.Message, error) {
	payload, err := json.Marshal(map[string]string{"emoji": emoji})
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/v1/messages/%s/reactions", url.PathEscape(messageID))
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}

	var msg domain.Message
	if err := decodeInto(resp, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Conversation returns the caller's view of conversation metadata, including
// whether they are muted.
func (c *Client) Conversation(ctx context.Context, id string) (*domain.ConversationInfo, error) {
	path := fmt.Sprintf("/v1/conversations/%s", url.PathEscape(id))

	resp, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, nil)
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}

	var info domain.ConversationInfo
	if err := decodeInto(resp, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Healthz probes the platform API.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform not reachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("platform returned %d", resp.StatusCode)
	}
	return nil
}
