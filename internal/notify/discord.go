package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
)

// colorRed is the embed color for failures.
const colorRed = 0xE74C3C

// webhookExecutor abstracts the discordgo session method we use.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOpts holds parameters for creating a Discord notifier.
type DiscordOpts struct {
	WebhookID    string
	WebhookToken string
	// For testing: inject a mock session instead of the real Discord API.
	Session webhookExecutor
}

// Discord posts events to a channel webhook.
type Discord struct {
	sess  webhookExecutor
	id    string
	token string
}

// NewDiscord returns a Discord notifier. Webhooks carry their own token, so
// the session needs no bot authentication.
func NewDiscord(opts DiscordOpts) (*Discord, error) {
	if opts.WebhookID == "" || opts.WebhookToken == "" {
		return nil, fmt.Errorf("discord: webhook id and token are required")
	}
	sess := opts.Session
	if sess == nil {
		dg, err := discordgo.New("")
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = dg
	}
	return &Discord{sess: sess, id: opts.WebhookID, token: opts.WebhookToken}, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, ev Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       title(ev),
		Description: truncate(ev.Reason, maxReasonLen),
		Color:       colorRed,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Scope", Value: ev.Scope, Inline: true},
			{Name: "Status", Value: ev.Status, Inline: true},
		},
	}
	if ev.BuildRef != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Build", Value: ev.BuildRef})
	}
	if !ev.Time.IsZero() {
		embed.Timestamp = ev.Time.UTC().Format(time.RFC3339)
	}

	_, err := d.sess.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{embed},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: execute webhook: %w", err)
	}
	return nil
}
