package notify

import (
	"context"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	WebhookURL string
	// For testing: replace the webhook call.
	Post func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error
}

// Slack posts events to an incoming webhook.
type Slack struct {
	url  string
	post func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error
}

// NewSlack returns a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("slack: webhook url is required")
	}
	post := opts.Post
	if post == nil {
		post = slackapi.PostWebhookContext
	}
	return &Slack{url: opts.WebhookURL, post: post}, nil
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, ev Event) error {
	fields := []slackapi.AttachmentField{
		{Title: "Scope", Value: ev.Scope, Short: true},
		{Title: "Status", Value: ev.Status, Short: true},
	}
	if ev.BuildRef != "" {
		fields = append(fields, slackapi.AttachmentField{Title: "Build", Value: ev.BuildRef})
	}
	msg := &slackapi.WebhookMessage{
		Text: title(ev),
		Attachments: []slackapi.Attachment{{
			Color:  "danger",
			Text:   truncate(ev.Reason, maxReasonLen),
			Fields: fields,
			Footer: footer(ev),
		}},
	}
	if err := s.post(ctx, s.url, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	return nil
}

func footer(ev Event) string {
	if ev.Time.IsZero() {
		return ""
	}
	return ev.Time.UTC().Format(time.RFC3339)
}
