// File: notification/slack/sclient.go
package slack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"Shellback/pkg/broker"
	"Shellback/utilities"
)

// Client sends notifications to a Slack incoming webhook. Every method is
// a no-op when the webhook URL is unset, so callers never have to guard.
type Client struct {
	webhookURL string
	HTTPClient *http.Client
	logger     *utilities.Logger
}

// SlackMessage is the payload Slack's incoming webhooks accept.
// See: https://api.slack.com/messaging/webhooks
type SlackMessage struct {
	Text   string       `json:"text,omitempty"`
	Blocks []SlackBlock `json:"blocks,omitempty"`
}

type SlackBlock struct {
	Type   string      `json:"type"`
	Text   *SlackText  `json:"text,omitempty"`
	Fields []SlackText `json:"fields,omitempty"`
}

type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func NewClient(cfg utilities.SlackConfig, logger *utilities.Logger) *Client {
	if logger == nil {
		logger = utilities.NewLogger(utilities.Info)
	}
	if cfg.WebhookURL == "" {
		logger.LogWarn("Slack Client: webhook URL is empty. Notifications will not be sent.")
	} else {
		logger.LogInfo("Slack Client initialized with webhook URL.")
	}
	return &Client{
		webhookURL: cfg.WebhookURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendMessage sends a plain text message.
func (c *Client) SendMessage(message string) error {
	if c.webhookURL == "" || strings.TrimSpace(message) == "" {
		return nil
	}
	return c.sendPayload(SlackMessage{Text: message})
}

// SendSummary sends a titled section with mrkdwn key/value fields, used for
// the daily report and the post-cycle trade recap.
func (c *Client) SendSummary(title string, fields map[string]string) error {
	if c.webhookURL == "" {
		return nil
	}
	blocks := []SlackBlock{
		{Type: "header", Text: &SlackText{Type: "plain_text", Text: title}},
	}
	if len(fields) > 0 {
		section := SlackBlock{Type: "section"}
		for name, value := range fields {
			section.Fields = append(section.Fields, SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*%s*\n%s", name, value),
			})
		}
		blocks = append(blocks, section)
	}
	return c.sendPayload(SlackMessage{Blocks: blocks})
}

// NotifyOrderFilled sends a formatted notification for a filled order.
func (c *Client) NotifyOrderFilled(order broker.Order, details string) error {
	if c.webhookURL == "" {
		return nil
	}

	var prefix string
	switch strings.ToUpper(order.Side) {
	case "BUY":
		prefix = ":white_check_mark: BUY filled"
	case "SELL":
		prefix = ":moneybag: SELL filled"
	default:
		prefix = ":information_source: Order update"
	}

	body := fmt.Sprintf("%s: *%s*\n>Qty: `%.0f` @ `%.2f`\n>Order ID: `%s`",
		prefix, order.Ticker, order.FilledQty, order.FilledAvgPrice, order.ID)
	if details != "" {
		body += "\n" + details
	}
	return c.sendPayload(SlackMessage{Text: body})
}

func (c *Client) sendPayload(payload SlackMessage) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.LogError("Slack sendPayload: request failed: %v", err)
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	c.logger.LogError("Slack sendPayload: non-OK status %s: %s", resp.Status, string(bodyBytes))
	return fmt.Errorf("slack API error: %s", resp.Status)
}
