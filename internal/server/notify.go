package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanmeadows/vigil/internal/config"
	"github.com/alanmeadows/vigil/internal/pipeline"
)

// notifyHTTPClient is a dedicated HTTP client for notifications,
// isolated from http.DefaultClient to avoid global state mutation.
var notifyHTTPClient = &http.Client{Timeout: 15 * time.Second}

// NotificationEvent represents the type of event that triggers a notification.
type NotificationEvent string

const (
	EventPRReady        NotificationEvent = "pr_ready"
	EventPRManualReview NotificationEvent = "pr_manual_review"
	EventPRClosed       NotificationEvent = "pr_closed"
)

// eventFor maps a terminal decision to its notification event. Non-terminal
// decisions never notify.
func eventFor(state pipeline.State) (NotificationEvent, bool) {
	switch {
	case state == pipeline.StateUserReviewReady:
		return EventPRReady, true
	case state.NeedsHuman():
		return EventPRManualReview, true
	case state == pipeline.StateClosedMerged, state == pipeline.StateClosedUnmerged:
		return EventPRClosed, true
	}
	return "", false
}

// Notify sends a report's terminal decision to the configured Teams webhook.
// Returns nil immediately if no webhook is configured, the decision is not
// terminal, or the event is filtered out.
func Notify(ctx context.Context, cfg *config.NotificationsConfig, report pipeline.Report) error {
	if cfg.TeamsWebhookURL == "" {
		return nil
	}

	event, ok := eventFor(report.Decision.State)
	if !ok {
		return nil
	}

	// Event filtering: a non-empty list only notifies for listed events.
	if len(cfg.Events) > 0 {
		allowed := false
		for _, e := range cfg.Events {
			if e == string(event) {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Debug("notification event filtered out", "event", string(event))
			return nil
		}
	}

	card := buildAdaptiveCard(event, report)

	body, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshaling notification payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.TeamsWebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("sending notification", "event", string(event), "pr", report.PR.Number)

	resp, err := notifyHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	// Drain the body so the connection can be reused.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	slog.Debug("notification sent successfully", "event", string(event))
	return nil
}

// buildAdaptiveCard constructs an Adaptive Card wrapped in the Power Automate envelope.
func buildAdaptiveCard(event NotificationEvent, report pipeline.Report) map[string]any {
	headerText := string(event)
	switch event {
	case EventPRReady:
		headerText = "✅ PR Ready for Review"
	case EventPRManualReview:
		headerText = "⚠️ PR Needs Manual Review"
	case EventPRClosed:
		headerText = "📦 PR Closed"
	}

	facts := []map[string]any{
		{"title": "PR", "value": fmt.Sprintf("#%d %s", report.PR.Number, report.PR.Title)},
		{"title": "State", "value": string(report.Decision.State)},
	}
	if report.Attempt > 0 {
		facts = append(facts, map[string]any{
			"title": "Polls",
			"value": fmt.Sprintf("%d", report.Attempt),
		})
	}
	if report.PreviewURL != "" {
		facts = append(facts, map[string]any{"title": "Preview", "value": report.PreviewURL})
	}
	if c := report.Decision.LastBotComment; c != nil {
		facts = append(facts, map[string]any{"title": "Last Bot Report", "value": c.Excerpt})
	}

	cardBody := []map[string]any{
		{
			"type":   "TextBlock",
			"size":   "Medium",
			"weight": "Bolder",
			"text":   headerText,
		},
		{
			"type":  "FactSet",
			"facts": facts,
		},
	}

	if report.Decision.Severity == pipeline.SeverityError {
		cardBody = append(cardBody, map[string]any{
			"type":   "TextBlock",
			"text":   report.Decision.Summary,
			"color":  "Attention",
			"wrap":   true,
			"weight": "Bolder",
		})
	}

	var actions []map[string]any
	if report.PR.URL != "" {
		actions = append(actions, map[string]any{
			"type":  "Action.OpenUrl",
			"title": "Open PR",
			"url":   report.PR.URL,
		})
	}
	if report.PreviewURL != "" {
		actions = append(actions, map[string]any{
			"type":  "Action.OpenUrl",
			"title": "Open Preview",
			"url":   report.PreviewURL,
		})
	}

	card := map[string]any{
		"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
		"type":    "AdaptiveCard",
		"version": "1.4",
		"body":    cardBody,
	}
	if len(actions) > 0 {
		card["actions"] = actions
	}

	return map[string]any{
		"type": "message",
		"attachments": []map[string]any{
			{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content":     card,
			},
		},
	}
}
