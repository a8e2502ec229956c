// Package telegram renders approval prompts as messages with an inline
// Approve/Deny keyboard and resolves requests from the callback queries.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// ChannelName is recorded as resolvedFrom for decisions made here.
const ChannelName = "telegram"

// Callback data format: gk:<decision>:<request id>. Telegram caps callback
// data at 64 bytes, which fits a UUID with room to spare.
const callbackPrefix = "gk:"

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string

	// ChatID is the chat approval prompts are posted to.
	ChatID int64
}

// Adapter implements channels.Adapter for Telegram.
type Adapter struct {
	cfg    Config
	bot    *bot.Bot
	svc    *approvals.Service
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(cfg Config, svc *approvals.Service, logger *slog.Logger) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With("adapter", ChannelName),
	}
	b, err := bot.New(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, callbackPrefix, bot.MatchTypePrefix, a.handleCallback)
	a.bot = b
	return a, nil
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return ChannelName }

// Start begins long polling and relaying prompts.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bot.Start(ctx) // blocks until ctx is cancelled
	}()

	events := a.svc.Subscribe(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for event := range events {
			if event.Event != models.EventApprovalRequest {
				continue
			}
			var data models.RequestEventData
			if err := json.Unmarshal(event.Data, &data); err != nil || data.Request == nil {
				continue
			}
			a.postPrompt(ctx, data.Request)
		}
	}()
	return nil
}

// Stop shuts the adapter down.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) postPrompt(ctx context.Context, req *models.ApprovalRequest) {
	text := fmt.Sprintf("🔒 Agent wants to run %s", req.Tool)
	if req.Thought != "" {
		text += "\n" + req.Thought
	}
	text += fmt.Sprintf("\nSession %s · expires %s", req.SessionID, req.ExpiresAt.Format("15:04:05 MST"))

	keyboard := tgmodels.InlineKeyboardMarkup{
		InlineKeyboard: [][]tgmodels.InlineKeyboardButton{{
			{Text: "✅ Approve", CallbackData: callbackPrefix + "approve:" + req.ID},
			{Text: "⛔ Deny", CallbackData: callbackPrefix + "deny:" + req.ID},
		}},
	}
	_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      a.cfg.ChatID,
		Text:        text,
		ReplyMarkup: keyboard,
	})
	if err != nil {
		a.logger.Error("post prompt failed", "request_id", req.ID, "error", err)
	}
}

// parseCallbackData splits "gk:<decision>:<request id>". Unknown decisions
// deny: a garbled approval must never approve.
func parseCallbackData(data string) (models.Decision, string, bool) {
	if !strings.HasPrefix(data, callbackPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(data, callbackPrefix), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	decision := models.DecisionDeny
	if parts[0] == "approve" {
		decision = models.DecisionApprove
	}
	return decision, parts[1], true
}

func (a *Adapter) handleCallback(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	cb := update.CallbackQuery
	if cb == nil {
		return
	}

	decision, requestID, ok := parseCallbackData(cb.Data)
	if !ok {
		return
	}

	respondedBy := cb.From.Username
	if respondedBy == "" {
		respondedBy = fmt.Sprintf("%d", cb.From.ID)
	}

	accepted, err := a.svc.Resolve(ctx, &models.ApprovalResponse{
		RequestID:     requestID,
		Decision:      decision,
		RespondedBy:   respondedBy,
		RespondedFrom: ChannelName,
	})
	if err != nil {
		a.logger.Error("resolve failed", "request_id", requestID, "error", err)
		return
	}

	answer := "Decision recorded."
	if !accepted {
		answer = "Already handled."
	}
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
		Text:            answer,
	}); err != nil {
		a.logger.Debug("answer callback failed", "error", err)
	}

	// Strip the keyboard so the prompt cannot be answered twice from the
	// same message.
	if accepted && cb.Message.Message != nil {
		outcome := "approved"
		if decision == models.DecisionDeny {
			outcome = "denied"
		}
		if _, err := b.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    cb.Message.Message.Chat.ID,
			MessageID: cb.Message.Message.ID,
			Text:      fmt.Sprintf("%s by @%s", outcome, respondedBy),
		}); err != nil {
			a.logger.Debug("edit prompt failed", "error", err)
		}
	}
}
