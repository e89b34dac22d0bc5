package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gremlinbot/pkg/logger"
)

// SecretHeader carries the webhook secret on every webhook delivery.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// API is the part of tgbotapi.BotAPI the client uses.
type API interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Client wraps the Bot API methods the bot calls.
type Client struct {
	api API
}

// Connect authorizes token against the Bot API. timeout bounds every HTTP
// call and must exceed the long-poll timeout.
func Connect(token string, timeout time.Duration, debug bool) (*Client, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	bot.Debug = debug

	logger.Info().Str("username", bot.Self.UserName).Msg("Telegram bot authorized")

	return &Client{api: bot}, nil
}

// NewClient wraps an existing API implementation.
func NewClient(api API) *Client {
	return &Client{api: api}
}

// RegisterWebhook points the platform at url and sets the secret it must
// echo on every delivery. Pending updates are kept.
func (c *Client) RegisterWebhook(ctx context.Context, url, secret string) error {
	params := tgbotapi.Params{}
	params["url"] = url
	params.AddNonEmpty("secret_token", secret)
	params["drop_pending_updates"] = "false"

	if _, err := c.call(ctx, "setWebhook", params); err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes any registered webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	params := tgbotapi.Params{"drop_pending_updates": "false"}

	if _, err := c.call(ctx, "deleteWebhook", params); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// GetUpdates long-polls for updates starting at offset. Items are returned
// undecoded so one bad item does not hide the rest of the batch.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]json.RawMessage, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("offset", offset)
	params.AddNonZero("limit", limit)
	params.AddNonZero("timeout", int(timeout/time.Second))

	resp, err := c.call(ctx, "getUpdates", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get updates: %w", err)
	}

	var items []json.RawMessage
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &items); err != nil {
			return nil, fmt.Errorf("failed to decode updates: %w", err)
		}
	}
	return items, nil
}

type callResult struct {
	resp *tgbotapi.APIResponse
	err  error
}

// call runs one Bot API request and gives up when ctx ends. The request
// itself is not cancellable and keeps running until its HTTP timeout.
func (c *Client) call(ctx context.Context, endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	done := make(chan callResult, 1)
	go func() {
		resp, err := c.api.MakeRequest(endpoint, params)
		done <- callResult{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil || !r.resp.Ok {
			desc := ""
			if r.resp != nil {
				desc = r.resp.Description
			}
			return nil, fmt.Errorf("%s: %s", endpoint, desc)
		}
		return r.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
