// Package backend is the HTTP client for the marketplace messaging API. It
// implements the engine's RPC contracts: optimistic sends, history pages,
// consistency snapshots and conversation flag commands. HTTP failures are
// classified into the engine's error taxonomy so callers can decide between
// retry and surface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/caiofn/chatsync/internal/outbox"
	"github.com/caiofn/chatsync/internal/pager"
	"github.com/caiofn/chatsync/internal/poller"
	"github.com/caiofn/chatsync/internal/realtime"
	"github.com/caiofn/chatsync/internal/store"
	"github.com/caiofn/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// Client talks to the messaging API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates an API client. timeout bounds each request; the per-call
// context can shorten it further.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Send implements outbox.Sender. The backend persists client_ref and echoes
// it on the response and on push rows.
func (c *Client) Send(ctx context.Context, req outbox.SendRequest) (store.Message, error) {
	body := map[string]string{
		"conversation_id": req.ConversationID,
		"receiver_id":     req.ReceiverID,
		"content":         req.Content,
		"content_type":    string(req.ContentType),
		"client_ref":      req.ClientRef,
	}
	var row realtime.MessageRow
	if err := c.do(ctx, http.MethodPost, "/v1/messages", body, &row); err != nil {
		return store.Message{}, err
	}
	if row.ID == "" {
		return store.Message{}, fmt.Errorf("send response without id")
	}
	return row.Message(), nil
}

// FetchMessagesBefore implements pager.HistoryFetcher.
func (c *Client) FetchMessagesBefore(ctx context.Context, conversationID string, before pager.Cursor, limit int) ([]store.Message, error) {
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	if before.ID != "" {
		q.Set("before_at", strconv.FormatInt(before.CreatedAt, 10))
		q.Set("before_id", before.ID)
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var rows []realtime.MessageRow
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	msgs := make([]store.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].Message())
	}
	return msgs, nil
}

type snapshotResponse struct {
	Conversations []realtime.ConversationRow `json:"conversations"`
	Messages      []realtime.MessageRow      `json:"messages"`
}

// FetchSnapshot implements poller.Fetcher: all conversation summaries plus
// the recent messages of each, with client_ref echoes intact.
func (c *Client) FetchSnapshot(ctx context.Context) (poller.Snapshot, error) {
	var resp snapshotResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sync/snapshot", nil, &resp); err != nil {
		return poller.Snapshot{}, err
	}

	snap := poller.Snapshot{
		Conversations: make([]store.Conversation, 0, len(resp.Conversations)),
		Messages:      make([]poller.RemoteMessage, 0, len(resp.Messages)),
	}
	for i := range resp.Conversations {
		snap.Conversations = append(snap.Conversations, resp.Conversations[i].Conversation())
	}
	for i := range resp.Messages {
		snap.Messages = append(snap.Messages, poller.RemoteMessage{
			Message:   resp.Messages[i].Message(),
			ClientRef: resp.Messages[i].ClientRef,
		})
	}
	return snap, nil
}

// MarkConversationRead marks every inbound message of a conversation read.
func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// SetStarred flips a conversation's starred flag.
func (c *Client) SetStarred(ctx context.Context, conversationID string, starred bool) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID)
	return c.do(ctx, http.MethodPatch, path, map[string]bool{"starred": starred}, nil)
}

// SetArchived flips a conversation's archived flag.
func (c *Client) SetArchived(ctx context.Context, conversationID string, archived bool) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID)
	return c.do(ctx, http.MethodPatch, path, map[string]bool{"archived": archived}, nil)
}

// do runs one request and decodes the response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("path", path), zap.Error(err))
		return &syncerr.NetworkError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp, method, path); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type apiError struct {
	Message string `json:"message"`
}

// classifyStatus maps HTTP status codes onto the error taxonomy: 5xx and 429
// are transient, 401/403 end the session, 4xx are the caller's fault.
func classifyStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
	reason := apiErr.Message
	if reason == "" {
		reason = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &syncerr.AuthError{Reason: reason}
	case resp.StatusCode == http.StatusConflict:
		return &syncerr.ConflictError{CorrelationID: reason}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &syncerr.NetworkError{
			Op:  method + " " + path,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, reason),
		}
	default:
		return &syncerr.ValidationError{Field: method + " " + path, Reason: reason}
	}
}
