package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/monocle-dev/huddle/internal/models"
)

type DiscordWebhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type DiscordEmbed struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Color       int                   `json:"color"`
	Fields      []DiscordWebhookField `json:"fields"`
	Footer      *DiscordFooter        `json:"footer,omitempty"`
	Timestamp   string                `json:"timestamp"`
}

type DiscordFooter struct {
	Text string `json:"text"`
}

type DiscordWebhookRequest struct {
	Username string         `json:"username"`
	Embeds   []DiscordEmbed `json:"embeds"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields"`
	Footer    string       `json:"footer"`
	Timestamp int64        `json:"ts"`
}

type SlackWebhookRequest struct {
	Username    string            `json:"username"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments"`
}

const (
	ColorRed    = 16711680 // #FF0000 - deleted
	ColorGreen  = 65280    // #00FF00 - created
	ColorOrange = 16753920 // #FFA500 - updated

	Username = "Huddle"
)

type Field struct {
	Name  string
	Value string
}

// Activity is one project event worth announcing to a team chat.
type Activity struct {
	Project models.Project
	Title   string
	Text    string
	Actor   string
	Color   int
	Fields  []Field
	At      time.Time
}

func colorFor(action string) int {
	switch action {
	case "created":
		return ColorGreen
	case "deleted":
		return ColorRed
	default:
		return ColorOrange
	}
}

func slackColor(color int) string {
	switch color {
	case ColorGreen:
		return "good"
	case ColorRed:
		return "danger"
	default:
		return "warning"
	}
}

func TaskActivity(project models.Project, task models.Task, action, actor string) Activity {
	fields := []Field{
		{Name: "Status", Value: task.Status},
	}
	if task.Priority != "" {
		fields = append(fields, Field{Name: "Priority", Value: task.Priority})
	}
	if task.DueDate != nil {
		fields = append(fields, Field{Name: "Due", Value: task.DueDate.UTC().Format("2006-01-02 15:04 UTC")})
	}

	return Activity{
		Project: project,
		Title:   fmt.Sprintf("Task %s", action),
		Text:    task.Title,
		Actor:   actor,
		Color:   colorFor(action),
		Fields:  fields,
		At:      time.Now(),
	}
}

func MessageActivity(project models.Project, message models.Message, actor string) Activity {
	text := message.Body
	if len(text) > 280 {
		text = text[:277] + "..."
	}

	return Activity{
		Project: project,
		Title:   "New message",
		Text:    text,
		Actor:   actor,
		Color:   ColorGreen,
		At:      time.Now(),
	}
}

// Webhooks posts project activity to the Discord and Slack webhooks
// configured on the project.
type Webhooks struct {
	client *http.Client
}

func NewWebhooks(client *http.Client) *Webhooks {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhooks{client: client}
}

func (w *Webhooks) Send(ctx context.Context, activity Activity) error {
	project := activity.Project

	if project.DiscordWebhook != "" {
		if err := w.post(ctx, project.DiscordWebhook, discordPayload(activity)); err != nil {
			return fmt.Errorf("discord: %w", err)
		}
	}

	if project.SlackWebhook != "" {
		if err := w.post(ctx, project.SlackWebhook, slackPayload(activity)); err != nil {
			return fmt.Errorf("slack: %w", err)
		}
	}

	return nil
}

func discordPayload(activity Activity) DiscordWebhookRequest {
	fields := []DiscordWebhookField{
		{Name: "By", Value: activity.Actor, Inline: true},
	}
	for _, f := range activity.Fields {
		fields = append(fields, DiscordWebhookField{Name: f.Name, Value: f.Value, Inline: true})
	}

	return DiscordWebhookRequest{
		Username: Username,
		Embeds: []DiscordEmbed{
			{
				Title:       activity.Title,
				Description: activity.Text,
				Color:       activity.Color,
				Fields:      fields,
				Footer: &DiscordFooter{
					Text: fmt.Sprintf("Project: %s", activity.Project.Name),
				},
				Timestamp: activity.At.Format(time.RFC3339),
			},
		},
	}
}

func slackPayload(activity Activity) SlackWebhookRequest {
	fields := []SlackField{
		{Title: "By", Value: activity.Actor, Short: true},
	}
	for _, f := range activity.Fields {
		fields = append(fields, SlackField{Title: f.Name, Value: f.Value, Short: true})
	}

	return SlackWebhookRequest{
		Username: Username,
		Text:     fmt.Sprintf("*%s* in %s", activity.Title, activity.Project.Name),
		Attachments: []SlackAttachment{
			{
				Color:     slackColor(activity.Color),
				Title:     activity.Title,
				Text:      activity.Text,
				Fields:    fields,
				Footer:    fmt.Sprintf("Project: %s", activity.Project.Name),
				Timestamp: activity.At.Unix(),
			},
		},
	}
}

func (w *Webhooks) post(ctx context.Context, webhookURL string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
