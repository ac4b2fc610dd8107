package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/queue"
)

// MetadataChatID names the payload metadata key holding a Telegram chat id.
const MetadataChatID = "telegram_chat_id"

type TelegramConfig struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

// TelegramSender sends nudges as direct messages through the Bot API.
// telebot requests take no context, so Send bounds each request by the
// context deadline through the HTTP client timeout. Cancellation without a
// deadline is only observed before the request starts.
type TelegramSender struct {
	bot      *tele.Bot
	settings tele.Settings
	timeout  time.Duration
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	settings := tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	return &TelegramSender{bot: b, settings: settings, timeout: timeout}, nil
}

// botFor returns a bot whose requests end no later than ctx's deadline.
func (s *TelegramSender) botFor(ctx context.Context) (*tele.Bot, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return s.bot, nil
	}
	remaining := time.Until(deadline)
	if remaining >= s.timeout {
		return s.bot, nil
	}
	if remaining <= 0 {
		return nil, context.DeadlineExceeded
	}
	settings := s.settings
	settings.Client = &http.Client{Timeout: remaining}
	return tele.NewBot(settings)
}

func (s *TelegramSender) Send(ctx context.Context, item models.QueueItem) error {
	chatID, err := chatIDFor(item)
	if err != nil {
		return queue.Permanent(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := s.botFor(ctx)
	if err != nil {
		return err
	}

	_, err = bot.Send(tele.ChatID(chatID), item.Payload.Message)
	if err == nil {
		return nil
	}
	var terr *tele.Error
	if errors.As(err, &terr) && (terr.Code == http.StatusBadRequest || terr.Code == http.StatusForbidden) {
		return queue.Permanent(err)
	}
	return err
}

func chatIDFor(item models.QueueItem) (int64, error) {
	if v, ok := item.Payload.Metadata[MetadataChatID]; ok {
		switch id := v.(type) {
		case float64:
			return int64(id), nil
		case int64:
			return id, nil
		case int:
			return int64(id), nil
		case string:
			if n, err := strconv.ParseInt(id, 10, 64); err == nil {
				return n, nil
			}
		}
		return 0, fmt.Errorf("invalid %s %v", MetadataChatID, v)
	}
	if n, err := strconv.ParseInt(item.MemberID, 10, 64); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("member %s has no telegram chat id", item.MemberID)
}
