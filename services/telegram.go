package services

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"sprout/config"

	"github.com/cenkalti/backoff/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramService delivers notifications to the grower's chat and accepts
// text commands from the same chat.
type TelegramService struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewTelegramService(cfg *config.Config, logger *zap.Logger) (*TelegramService, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	ts := &TelegramService{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}

	if err := ts.testConnection(); err != nil {
		logger.Error("Telegram connection test failed", zap.Error(err))
		return nil, fmt.Errorf("telegram connection test failed: %w", err)
	}

	return ts, nil
}

// testConnection tests Telegram connection with retry logic
func (ts *TelegramService) testConnection() error {
	const maxRetries = 3
	attempt := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second

	return backoff.Retry(func() error {
		attempt++
		ts.logger.Info("Testing Telegram connection", zap.Int("attempt", attempt), zap.Int("max_retries", maxRetries))
		if _, err := ts.bot.GetMe(); err != nil {
			ts.logger.Warn("Telegram connection failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		ts.logger.Info("Telegram connection successful")
		return nil
	}, backoff.WithMaxRetries(bo, maxRetries-1))
}

// Notify sends a titled HTML message to the configured chat.
func (ts *TelegramService) Notify(ctx context.Context, title, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ts.SendStatusMessage(formatNotification(title, body)); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	ts.logger.Info("Sent notification", zap.String("title", title))
	return nil
}

// SendStatusMessage sends a general status message
func (ts *TelegramService) SendStatusMessage(message string) error {
	msg := tgbotapi.NewMessage(ts.chatID, message)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	_, err := ts.bot.Send(msg)
	return err
}

// SendStartupMessage sends a message when the service starts
func (ts *TelegramService) SendStartupMessage(pumps []string, smartEnabled bool) error {
	mode := "manual"
	if smartEnabled {
		mode = "smart"
	}
	message := "🌱 <b>Sprout irrigation service started</b>\n\n" +
		fmt.Sprintf("🚰 Pumps: %s\n", html.EscapeString(strings.Join(pumps, ", "))) +
		fmt.Sprintf("🤖 Watering mode: %s\n\n", mode) +
		"Send /status for the current state."

	return ts.SendStatusMessage(message)
}

// ListenCommands long-polls the bot for messages from the configured chat and
// answers each with the reply returned by handle. It blocks until ctx is done.
func (ts *TelegramService) ListenCommands(ctx context.Context, handle func(ctx context.Context, text string) string) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := ts.bot.GetUpdatesChan(u)

	ts.logger.Info("Listening for Telegram commands")
	defer ts.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			ts.logger.Info("Telegram command listener stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || update.Message.Chat == nil || update.Message.Chat.ID != ts.chatID {
				continue
			}

			reply := handle(ctx, update.Message.Text)
			if reply == "" {
				continue
			}
			msg := tgbotapi.NewMessage(ts.chatID, reply)
			msg.ReplyToMessageID = update.Message.MessageID
			if _, err := ts.bot.Send(msg); err != nil {
				ts.logger.Warn("Failed to reply to command", zap.Error(err))
			}
		}
	}
}

func formatNotification(title, body string) string {
	var sb strings.Builder
	sb.WriteString("<b>")
	sb.WriteString(html.EscapeString(title))
	sb.WriteString("</b>")
	if body != "" {
		sb.WriteString("\n\n")
		sb.WriteString(html.EscapeString(body))
	}
	return sb.String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0f seconds", d.Seconds())
	} else if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d days %d hr", days, hours)
}
