// Package notify pushes operator notifications through the LINE Messaging
// API. Delivery is best effort: the orchestrator logs failures and moves
// on, a missed message must never stall the polling loop.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultAPIURL = "https://api.line.me/v2/bot/message/push"

type Notifier struct {
	http    *resty.Client
	token   string
	groupID string
	apiURL  string
}

type Options struct {
	ChannelAccessToken string
	GroupID            string
	APIURL             string
	Timeout            time.Duration
}

func New(opts Options) *Notifier {
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Second * 10
	}

	client := resty.New()
	client.SetTimeout(timeout)

	return &Notifier{
		http:    client,
		token:   opts.ChannelAccessToken,
		groupID: opts.GroupID,
		apiURL:  opts.APIURL,
	}
}

// Configured reports whether real delivery is possible. Unconfigured
// notifiers degrade to log-only mode so the bot still runs in dev.
func (n *Notifier) Configured() bool {
	return n.token != "" && n.groupID != ""
}

type mentionee struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type substitution struct {
	Type      string    `json:"type"`
	Mentionee mentionee `json:"mentionee"`
}

type textMessage struct {
	Type         string                  `json:"type"`
	Text         string                  `json:"text"`
	Substitution map[string]substitution `json:"substitution,omitempty"`
}

type pushRequest struct {
	To       string        `json:"to"`
	Messages []textMessage `json:"messages"`
}

// Send pushes a plain text message to the configured group.
func (n *Notifier) Send(ctx context.Context, text string) error {
	return n.push(ctx, text, nil)
}

// SendWithMentions prefixes the message with @-mentions for the given LINE
// user ids, using textV2 substitution placeholders.
func (n *Notifier) SendWithMentions(ctx context.Context, text string, userIDs []string) error {
	return n.push(ctx, text, userIDs)
}

func (n *Notifier) push(ctx context.Context, text string, userIDs []string) error {
	if !n.Configured() {
		slog.InfoContext(ctx, "mock notification", "text", text, "mentions", userIDs)
		return nil
	}

	message := textMessage{Type: "textV2", Text: text}
	if len(userIDs) > 0 {
		subs := make(map[string]substitution, len(userIDs))
		var prefix strings.Builder
		for i, id := range userIDs {
			placeholder := fmt.Sprintf("user%d", i)
			subs[placeholder] = substitution{
				Type:      "mention",
				Mentionee: mentionee{Type: "user", UserID: id},
			}
			prefix.WriteString("{" + placeholder + "} ")
		}
		message.Text = prefix.String() + "\n" + text
		message.Substitution = subs
	}

	res, err := n.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+n.token).
		SetBody(pushRequest{
			To:       n.groupID,
			Messages: []textMessage{message},
		}).
		Post(n.apiURL)
	if err != nil {
		return fmt.Errorf("push line message: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("push line message: %s: %s", res.Status(), res.String())
	}
	return nil
}
