package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/logger"
)

// BotSender is the part of the Telegram Bot API the notice handler uses.
// *telego.Bot satisfies it.
type BotSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// NewTelegramBot creates a bot client for token.
func NewTelegramBot(token string) (BotSender, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telegram bot: %w", err)
	}
	return bot, nil
}

// TelegramJob handles SEND_TELEGRAM_MESSAGE.
type TelegramJob struct {
	bot      BotSender
	activity ActivityRecorder
	logger   *logger.Logger
}

// NewTelegramJob creates the handler.
func NewTelegramJob(deps Deps) *TelegramJob {
	return &TelegramJob{
		bot:      deps.Telegram,
		activity: deps.Activity,
		logger:   deps.Logger,
	}
}

// Handle expects chat_id and text; parse_mode "html" is optional.
func (j *TelegramJob) Handle(ctx context.Context, params map[string]any) error {
	chatID, err := chatIDParam(params)
	if err != nil {
		return err
	}
	text, err := stringParam(params, "text")
	if err != nil {
		return err
	}

	if err := recordActivity(ctx, j.activity, constants.EventSendTelegramMessage, chatLabel(chatID)); err != nil {
		return err
	}

	sendParams := telego.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if mode, _ := params["parse_mode"].(string); strings.EqualFold(mode, "html") {
		sendParams.ParseMode = telego.ModeHTML
	}

	_, err = j.bot.SendMessage(ctx, &sendParams)
	if err != nil && sendParams.ParseMode != "" {
		// HTML не прошёл - пробуем plain text
		j.logger.WarnCtx(ctx, "telegram HTML send failed, retrying as plain text",
			logger.Field{Key: "chat", Value: chatLabel(chatID)},
			logger.Field{Key: "error", Value: err.Error()})
		sendParams.ParseMode = ""
		_, err = j.bot.SendMessage(ctx, &sendParams)
	}
	if err != nil {
		return fmt.Errorf("failed to send telegram message to %s: %w", chatLabel(chatID), err)
	}
	return nil
}

// chatIDParam accepts a numeric id (JSON number or digit string) or an @username.
func chatIDParam(params map[string]any) (telego.ChatID, error) {
	raw, ok := params["chat_id"]
	if !ok || raw == nil {
		return telego.ChatID{}, fmt.Errorf("%w: chat_id", ErrMissingParam)
	}

	switch v := raw.(type) {
	case float64:
		if v != float64(int64(v)) {
			return telego.ChatID{}, fmt.Errorf("%w: chat_id must be an integer", ErrInvalidParam)
		}
		return telego.ChatID{ID: int64(v)}, nil
	case int:
		return telego.ChatID{ID: int64(v)}, nil
	case int64:
		return telego.ChatID{ID: v}, nil
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(s, "@") && len(s) > 1 {
			return telego.ChatID{Username: s}, nil
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return telego.ChatID{}, fmt.Errorf("%w: chat_id %q", ErrInvalidParam, v)
		}
		return telego.ChatID{ID: id}, nil
	default:
		return telego.ChatID{}, fmt.Errorf("%w: chat_id has type %T", ErrInvalidParam, raw)
	}
}

func chatLabel(id telego.ChatID) string {
	if id.Username != "" {
		return id.Username
	}
	return strconv.FormatInt(id.ID, 10)
}
