package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/venda/license-gateway/pkg/logger"
)

var ErrChatUnavailable = errors.New("chat platform unavailable")

// CommandEvent is one inbound command delivered by the chat platform's
// event feed.
type CommandEvent struct {
	ID        string `json:"id"`
	IssuerID  string `json:"issuer_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	RawText   string `json:"raw_text"`
}

type ChatConfig struct {
	BaseURL  string
	BotToken string
	Timeout  time.Duration
	MaxConns int
}

// ChatClient is the bot-side client for the chat platform's REST API:
// member role reads/writes, channel messages and the command event feed.
// Constructed once at startup, safe for concurrent use.
type ChatClient struct {
	config *ChatConfig
	client *fasthttp.Client
}

func NewChatClient(config *ChatConfig) (*ChatClient, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.MaxConns <= 0 {
		config.MaxConns = 32
	}

	client := &ChatClient{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     config.MaxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}

	logger.Info("Chat client initialized", "base_url", config.BaseURL)

	return client, nil
}

// GetMemberRoles returns the role ids currently held by a guild member.
func (c *ChatClient) GetMemberRoles(ctx context.Context, guildID, memberID string) ([]string, error) {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles", guildID, memberID)
	body, err := c.doRequest(ctx, fasthttp.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Roles []string `json:"roles"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return resp.Roles, nil
}

// SetMemberRoles replaces a guild member's role set in a single call.
func (c *ChatClient) SetMemberRoles(ctx context.Context, guildID, memberID string, roles []string) error {
	path := fmt.Sprintf("/guilds/%s/members/%s/roles", guildID, memberID)
	reqBody, err := json.Marshal(struct {
		Roles []string `json:"roles"`
	}{Roles: roles})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = c.doRequest(ctx, fasthttp.MethodPut, path, reqBody)
	return err
}

// SendMessage posts a text message to a channel.
func (c *ChatClient) SendMessage(ctx context.Context, channelID, text string) error {
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	reqBody, err := json.Marshal(struct {
		Content string `json:"content"`
	}{Content: text})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = c.doRequest(ctx, fasthttp.MethodPost, path, reqBody)
	return err
}

// PollEvents fetches command events published after the given cursor and
// returns them with the cursor to resume from. An empty cursor starts from
// the current tail of the feed.
func (c *ChatClient) PollEvents(ctx context.Context, cursor string) ([]CommandEvent, string, error) {
	path := "/gateway/events"
	if cursor != "" {
		path += "?after=" + cursor
	}

	body, err := c.doRequest(ctx, fasthttp.MethodGet, path, nil)
	if err != nil {
		return nil, cursor, err
	}

	var resp struct {
		Events []CommandEvent `json:"events"`
		Cursor string         `json:"cursor"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, cursor, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	next := resp.Cursor
	if next == "" {
		next = cursor
	}

	return resp.Events, next, nil
}

func (c *ChatClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.config.BotToken != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bot "+c.config.BotToken)
	}

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		logger.Warn("Chat platform request failed", "method", method, "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrChatUnavailable, err)
	}

	statusCode := resp.StatusCode()
	if statusCode < fasthttp.StatusOK || statusCode >= 300 {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", statusCode, resp.Body())
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return result, nil
}
