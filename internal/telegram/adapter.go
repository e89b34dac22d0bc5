// Package telegram adapts the Telegram Bot API to normalized domain updates.
// It owns the webhook endpoint, the long-polling loop and the few Bot API
// calls the bot makes to manage its webhook.
package telegram

import (
	"encoding/json"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gremlinbot/internal/domain"
)

// DecodeUpdate parses one raw Bot API update and normalizes it.
func DecodeUpdate(data []byte, receivedAt time.Time) (domain.Update, error) {
	var raw tgbotapi.Update
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Update{}, domain.Malformed("decode update", err)
	}
	return Normalize(raw, receivedAt)
}

// Normalize maps a Bot API update onto a domain update.
//
// New messages and channel posts become message or command updates, edits
// become edited_message. Anything else is unknown; its chat id is kept when
// the payload names a chat.
func Normalize(raw tgbotapi.Update, receivedAt time.Time) (domain.Update, error) {
	if raw.UpdateID <= 0 {
		return domain.Update{}, domain.Malformed("update_id must be positive", nil)
	}

	u := domain.Update{
		ID:         int64(raw.UpdateID),
		ReceivedAt: receivedAt.UTC(),
	}

	var msg *tgbotapi.Message
	switch {
	case raw.Message != nil:
		msg, u.Kind, u.RawType = raw.Message, domain.KindMessage, "message"
	case raw.ChannelPost != nil:
		msg, u.Kind, u.RawType = raw.ChannelPost, domain.KindMessage, "channel_post"
	case raw.EditedMessage != nil:
		msg, u.Kind, u.RawType = raw.EditedMessage, domain.KindEditedMessage, "edited_message"
	case raw.EditedChannelPost != nil:
		msg, u.Kind, u.RawType = raw.EditedChannelPost, domain.KindEditedMessage, "edited_channel_post"
	default:
		u.Kind = domain.KindUnknown
		u.RawType, u.Chat = describeOther(raw)
		if u.Chat != nil {
			u.ChatID = u.Chat.ID
		}
		return u, nil
	}

	if msg.Chat == nil || msg.Chat.ID == 0 {
		return domain.Update{}, domain.Malformed(u.RawType+" without chat", nil)
	}
	if msg.MessageID <= 0 {
		return domain.Update{}, domain.Malformed(u.RawType+" without message_id", nil)
	}

	u.Chat = chatInfo(msg.Chat)
	u.ChatID = u.Chat.ID
	u.Message = inboundMessage(msg)
	if u.Kind == domain.KindMessage {
		if cmd := parseCommand(msg); cmd != nil {
			u.Kind = domain.KindCommand
			u.Command = cmd
		}
	}
	return u, nil
}

func describeOther(raw tgbotapi.Update) (string, *domain.ChatInfo) {
	switch {
	case raw.CallbackQuery != nil:
		if m := raw.CallbackQuery.Message; m != nil && m.Chat != nil {
			return "callback_query", chatInfo(m.Chat)
		}
		return "callback_query", nil
	case raw.MyChatMember != nil:
		return "my_chat_member", chatInfo(&raw.MyChatMember.Chat)
	case raw.ChatMember != nil:
		return "chat_member", chatInfo(&raw.ChatMember.Chat)
	case raw.ChatJoinRequest != nil:
		return "chat_join_request", chatInfo(&raw.ChatJoinRequest.Chat)
	case raw.InlineQuery != nil:
		return "inline_query", nil
	case raw.ChosenInlineResult != nil:
		return "chosen_inline_result", nil
	case raw.ShippingQuery != nil:
		return "shipping_query", nil
	case raw.PreCheckoutQuery != nil:
		return "pre_checkout_query", nil
	case raw.Poll != nil:
		return "poll", nil
	case raw.PollAnswer != nil:
		return "poll_answer", nil
	}
	return "unknown", nil
}

func chatInfo(c *tgbotapi.Chat) *domain.ChatInfo {
	if c == nil || c.ID == 0 {
		return nil
	}
	return &domain.ChatInfo{ID: c.ID, Type: c.Type, Title: c.Title}
}

func inboundMessage(msg *tgbotapi.Message) *domain.InboundMessage {
	in := &domain.InboundMessage{
		MessageID: int64(msg.MessageID),
		SentAt:    msg.Time().UTC(),
	}
	if msg.Date == 0 {
		in.SentAt = time.Time{}
	}
	if msg.From != nil {
		in.From = &domain.Author{
			ID:          msg.From.ID,
			DisplayName: displayName(msg.From),
			Username:    msg.From.UserName,
			IsBot:       msg.From.IsBot,
		}
	}
	switch {
	case msg.Text != "":
		text := msg.Text
		in.Text = &text
	case msg.Caption != "":
		caption := msg.Caption
		in.Text = &caption
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.MessageID > 0 {
		id := int64(msg.ReplyToMessage.MessageID)
		in.ReplyToID = &id
	}
	return in
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// parseCommand returns the leading bot command of msg, if any. The name is
// lower-cased and loses its @botname suffix.
func parseCommand(msg *tgbotapi.Message) *domain.Command {
	if !msg.IsCommand() {
		return nil
	}
	name := strings.ToLower(msg.Command())
	if name == "" {
		return nil
	}
	return &domain.Command{Name: name, Args: strings.TrimSpace(msg.CommandArguments())}
}
