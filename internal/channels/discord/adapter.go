// Package discord renders approval prompts as embeds with Approve/Deny
// message components and resolves requests from the component interactions.
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/gatekeeper/internal/approvals"
	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// ChannelName is recorded as resolvedFrom for decisions made here.
const ChannelName = "discord"

const customIDPrefix = "gk:"

// Config holds the Discord adapter configuration.
type Config struct {
	BotToken  string
	ChannelID string // channel to post prompts to
}

// Adapter implements channels.Adapter for Discord.
type Adapter struct {
	cfg     Config
	session *discordgo.Session
	svc     *approvals.Service
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter creates a Discord adapter.
func NewAdapter(cfg Config, svc *approvals.Service, logger *slog.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	session, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	a := &Adapter{
		cfg:     cfg,
		session: session,
		svc:     svc,
		logger:  logger.With("adapter", ChannelName),
	}
	session.AddHandler(a.handleInteraction)
	return a, nil
}

// Name implements channels.Adapter.
func (a *Adapter) Name() string { return ChannelName }

// Start opens the gateway connection and begins relaying prompts.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	ctx, a.cancel = context.WithCancel(ctx)

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
			a.postPrompt(data.Request)
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
	return a.session.Close()
}

func (a *Adapter) postPrompt(req *models.ApprovalRequest) {
	embed := &discordgo.MessageEmbed{
		Title:       "Approval required: " + req.Tool,
		Description: req.Thought,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Session", Value: req.SessionID, Inline: true},
			{Name: "Expires", Value: req.ExpiresAt.Format("15:04:05 MST"), Inline: true},
		},
	}
	_, err := a.session.ChannelMessageSendComplex(a.cfg.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Approve",
					Style:    discordgo.SuccessButton,
					CustomID: customIDPrefix + "approve:" + req.ID,
				},
				discordgo.Button{
					Label:    "Deny",
					Style:    discordgo.DangerButton,
					CustomID: customIDPrefix + "deny:" + req.ID,
				},
			}},
		},
	})
	if err != nil {
		a.logger.Error("post prompt failed", "request_id", req.ID, "error", err)
	}
}

// parseCustomID splits "gk:<decision>:<request id>". Unknown decisions deny.
func parseCustomID(customID string) (models.Decision, string, bool) {
	if !strings.HasPrefix(customID, customIDPrefix) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(customID, customIDPrefix), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	decision := models.DecisionDeny
	if parts[0] == "approve" {
		decision = models.DecisionApprove
	}
	return decision, parts[1], true
}

func (a *Adapter) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	decision, requestID, ok := parseCustomID(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	respondedBy := "unknown"
	switch {
	case i.Member != nil && i.Member.User != nil:
		respondedBy = i.Member.User.Username
	case i.User != nil:
		respondedBy = i.User.Username
	}

	accepted, err := a.svc.Resolve(context.Background(), &models.ApprovalResponse{
		RequestID:     requestID,
		Decision:      decision,
		RespondedBy:   respondedBy,
		RespondedFrom: ChannelName,
	})
	if err != nil {
		a.logger.Error("resolve failed", "request_id", requestID, "error", err)
		return
	}

	content := "Request already handled."
	if accepted {
		outcome := "Approved"
		if decision == models.DecisionDeny {
			outcome = "Denied"
		}
		content = fmt.Sprintf("%s by %s", outcome, respondedBy)
	}
	// Replace the buttons so the prompt cannot be answered twice.
	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	})
	if err != nil {
		a.logger.Debug("interaction respond failed", "error", err)
	}
}
