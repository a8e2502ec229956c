// Package slack renders approval prompts as Block Kit messages with
// Approve/Deny buttons, delivered over Socket Mode, and resolves requests
// from the button interactions.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// ChannelName is recorded as resolvedFrom for decisions made here.
const ChannelName = "slack"

const (
	actionApprove = "approve"
	actionDeny    = "deny"

	// promptRetention bounds how long we remember a posted prompt for
	// later message updates.
	promptRetention = time.Hour
)

// Config holds the Slack adapter configuration.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode
	Channel  string // channel ID to post prompts to
}

type postedPrompt struct {
	timestamp string
	postedAt  time.Time
}

// Adapter implements channels.Adapter for Slack.
type Adapter struct {
	cfg    Config
	client *slack.Client
	sock   *socketmode.Client
	svc    *approvals.Service
	logger *slog.Logger

	mu      sync.Mutex
	prompts map[string]postedPrompt // request id -> posted message

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Slack adapter.
func NewAdapter(cfg Config, svc *approvals.Service, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:     cfg,
		client:  client,
		sock:    socketmode.New(client),
		svc:     svc,
		logger:  logger.With("adapter", ChannelName),
		prompts: make(map[string]postedPrompt),
	}
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return ChannelName }

// Start connects Socket Mode and begins relaying prompts and decisions.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.sock.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("socket mode terminated", "error", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.interactionLoop(ctx)
	}()

	events := a.svc.Subscribe(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for event := range events {
			a.handleBusEvent(ctx, event)
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

func (a *Adapter) interactionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.sock.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeInteractive {
				continue
			}
			callback, ok := evt.Data.(slack.InteractionCallback)
			if !ok {
				continue
			}
			if evt.Request != nil {
				a.sock.Ack(*evt.Request)
			}
			a.handleInteraction(ctx, callback)
		}
	}
}

func (a *Adapter) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	if callback.Type != slack.InteractionTypeBlockActions || len(callback.ActionCallback.BlockActions) == 0 {
		return
	}
	action := callback.ActionCallback.BlockActions[0]
	var decision models.Decision
	switch action.ActionID {
	case actionApprove:
		decision = models.DecisionApprove
	case actionDeny:
		decision = models.DecisionDeny
	default:
		return
	}

	requestID := action.Value
	respondedBy := callback.User.Name
	if respondedBy == "" {
		respondedBy = callback.User.ID
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
	if !accepted {
		// Already handled elsewhere; the resolved event will update the
		// message with the winner's outcome.
		a.postEphemeral(callback.Channel.ID, callback.User.ID, "This request was already handled.")
	}
}

func (a *Adapter) handleBusEvent(ctx context.Context, event *models.Event) {
	switch event.Event {
	case models.EventApprovalRequest:
		var data models.RequestEventData
		if err := json.Unmarshal(event.Data, &data); err != nil || data.Request == nil {
			return
		}
		a.postPrompt(ctx, data.Request)
	case models.EventApprovalResolved:
		var data models.ResolvedEventData
		if err := json.Unmarshal(event.Data, &data); err != nil || data.Request == nil {
			return
		}
		a.retirePrompt(ctx, &data)
	}
	a.prunePrompts()
}

func (a *Adapter) postPrompt(ctx context.Context, req *models.ApprovalRequest) {
	blocks := promptBlocks(req)
	_, ts, err := a.client.PostMessageContext(ctx, a.cfg.Channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		a.logger.Error("post prompt failed", "request_id", req.ID, "error", err)
		return
	}
	a.mu.Lock()
	a.prompts[req.ID] = postedPrompt{timestamp: ts, postedAt: time.Now()}
	a.mu.Unlock()
}

func (a *Adapter) retirePrompt(ctx context.Context, data *models.ResolvedEventData) {
	a.mu.Lock()
	prompt, ok := a.prompts[data.Request.ID]
	delete(a.prompts, data.Request.ID)
	a.mu.Unlock()
	if !ok {
		return
	}

	text := fmt.Sprintf(":white_check_mark: *%s* approved by %s", data.Request.Tool, data.ResolvedBy)
	if data.Status == models.StatusDenied {
		text = fmt.Sprintf(":no_entry: *%s* denied by %s", data.Request.Tool, data.ResolvedBy)
	}
	section := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	if _, _, _, err := a.client.UpdateMessageContext(ctx, a.cfg.Channel, prompt.timestamp, slack.MsgOptionBlocks(section)); err != nil {
		a.logger.Warn("update prompt failed", "request_id", data.Request.ID, "error", err)
	}
}

func (a *Adapter) prunePrompts() {
	cutoff := time.Now().Add(-promptRetention)
	a.mu.Lock()
	for id, prompt := range a.prompts {
		if prompt.postedAt.Before(cutoff) {
			delete(a.prompts, id)
		}
	}
	a.mu.Unlock()
}

func (a *Adapter) postEphemeral(channelID, userID, text string) {
	if _, err := a.client.PostEphemeral(channelID, userID, slack.MsgOptionText(text, false)); err != nil {
		a.logger.Debug("post ephemeral failed", "error", err)
	}
}

func promptBlocks(req *models.ApprovalRequest) []slack.Block {
	text := fmt.Sprintf(":lock: Agent wants to run *%s*", req.Tool)
	if req.Thought != "" {
		text += "\n> " + req.Thought
	}
	text += fmt.Sprintf("\nSession `%s` · expires <!date^%d^{time_secs}|%s>",
		req.SessionID, req.ExpiresAt.Unix(), req.ExpiresAt.Format(time.RFC3339))

	approve := slack.NewButtonBlockElement(actionApprove, req.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approve.Style = slack.StylePrimary
	deny := slack.NewButtonBlockElement(actionDeny, req.ID,
		slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false))
	deny.Style = slack.StyleDanger

	return []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
		slack.NewActionBlock("approval_actions", approve, deny),
	}
}
