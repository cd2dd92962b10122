package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"grandmaster/internal/domain"
	"grandmaster/internal/persona"
	"grandmaster/internal/transcript"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3

	callbackAgentPrefix = "agent:"
	callbackTeam        = "team"
)

// Telegram implements domain.Channel for a Telegram bot. Each Telegram chat
// is its own session.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)
	parseMode string
	personas  *persona.Registry

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	ParseMode string
	Personas  *persona.Registry
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tgbotapi.ModeMarkdown
	}
	if cfg.Personas == nil {
		cfg.Personas = persona.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		personas:  cfg.Personas,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", t.handleOutbound)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context is
// cancelled, and calling it twice panics.
func (t *Telegram) Stop() error {
	return nil
}

func (t *Telegram) Send(_ context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendMessage(id, content)
	return nil
}

func (t *Telegram) handleOutbound(msg domain.OutboundMessage) {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
		return
	}

	switch msg.Type {
	case domain.EventPending:
		_, _ = t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	case domain.EventFinal:
		if msg.Entry == nil || msg.Entry.IsUser() {
			return
		}
		t.sendMessage(chatID, formatEntry(*msg.Entry, t.personas))
	case domain.EventDocument:
		t.sendDocument(chatID, msg)
	default:
		t.sendMessage(chatID, msg.Content)
	}
}

// formatEntry prefixes a persona reply with its speaker.
func formatEntry(m transcript.Message, r *persona.Registry) string {
	return "*" + r.DisplayName(m.SpeakerID) + "*\n\n" + m.Content
}

func (t *Telegram) sendDocument(chatID int64, msg domain.OutboundMessage) {
	if msg.Attachment == nil {
		t.sendMessage(chatID, msg.Content)
		return
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{
		Name:  msg.Attachment.Filename,
		Bytes: msg.Attachment.Data,
	})
	doc.Caption = msg.Content
	if _, err := t.bot.Send(doc); err != nil {
		t.logger.Error("telegram document upload failed", "chat_id", chatID, "file", msg.Attachment.Filename, "err", err)
		t.sendMessage(chatID, "Export failed: could not upload "+msg.Attachment.Filename)
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		t.handleCallback(update.CallbackQuery)
		return
	}

	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	if update.Message.IsCommand() && update.Message.Command() == "start" {
		t.sendWelcome(chatID)
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	t.publish(chatID, userID, text, time.Unix(int64(update.Message.Date), 0))
}

func (t *Telegram) publish(chatID, userID int64, text string, ts time.Time) {
	err := t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: ts,
	})
	if err != nil {
		t.logger.Error("message not queued", "chat_id", chatID, "err", err)
		t.sendMessage(chatID, "The team is busy right now. Please try again in a moment.")
	}
}

// sendWelcome introduces the team with one button per persona.
func (t *Telegram) sendWelcome(chatID int64) {
	var sb strings.Builder
	sb.WriteString("Welcome to Grandmaster, your data science team.\n\n")
	sb.WriteString("Describe a problem and the team answers in turn, or pick one agent below.\n\nTry:\n")
	for _, p := range persona.SamplePrompts {
		sb.WriteString("• " + p + "\n")
	}
	sb.WriteString("\n/help lists all commands.")

	msg := tgbotapi.NewMessage(chatID, sb.String())
	msg.ReplyMarkup = personaKeyboard(t.personas.List())
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram welcome failed", "chat_id", chatID, "err", err)
	}
}

func personaKeyboard(list []persona.Persona) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, p := range list {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(p.Name+" · "+string(p.Role), callbackAgentPrefix+p.ID),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("Team Mode", callbackTeam),
	))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// callbackCommand maps keyboard data to the chat command it stands for.
func callbackCommand(data string) (string, bool) {
	switch {
	case data == callbackTeam:
		return "/team", true
	case strings.HasPrefix(data, callbackAgentPrefix) && len(data) > len(callbackAgentPrefix):
		return "/agent " + strings.TrimPrefix(data, callbackAgentPrefix), true
	default:
		return "", false
	}
}

func (t *Telegram) handleCallback(cq *tgbotapi.CallbackQuery) {
	if cq.Message == nil || cq.Message.Chat == nil || cq.From == nil {
		return
	}
	_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))

	if !t.isAllowed(cq.From.ID) {
		return
	}
	cmd, ok := callbackCommand(cq.Data)
	if !ok {
		t.logger.Warn("unknown telegram callback", "data", cq.Data)
		return
	}
	t.publish(cq.Message.Chat.ID, cq.From.ID, cmd, time.Now())
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends one chunk: parse mode first, plain text on a parse error,
// backoff on rate limits and transient failures.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Model output is often not valid Telegram markdown.
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Debug("telegram markdown parse error, retrying as plain text", "err", err)
			if _, err2 := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err2 == nil {
				return
			}
		}

		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
