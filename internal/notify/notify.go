// Package notify implements the notification sink (C9): a best-effort
// Slack webhook post describing a run's outcome or a manual-override
// observation. Adapted from the JSON http-request action this codebase
// used for generic webhook delivery, specialized to a single fixed message
// shape instead of a templated config.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rebasebot/rebasebot/internal/logfields"
)

const loggerName = "notify"

const httpClientTimeout = 10 * time.Second

// Outcome describes why a notification is being sent.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeNoop           Outcome = "noop"
	OutcomeFailure        Outcome = "failure"
	OutcomeManualOverride Outcome = "manual_override"
	OutcomeBlocked        Outcome = "blocked"
)

// Sink posts a structured message to a configured webhook. A nil *Sink (zero
// webhook url configured) is valid and turns every Notify call into a no-op,
// so callers never need to branch on whether notifications are enabled.
type Sink struct {
	webhookURL string
	httpClient *http.Client
	logger     *zap.Logger
}

// New returns a Sink posting to webhookURL. If webhookURL is empty, the
// returned Sink silently drops every notification.
func New(webhookURL string) *Sink {
	return &Sink{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: httpClientTimeout},
		logger:     zap.L().Named(loggerName),
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

// Notify posts a message describing outcome to the configured webhook.
// Delivery failures are logged, not returned: spec.md requires that
// notification failure never change the run's exit status.
func (s *Sink) Notify(ctx context.Context, outcome Outcome, detail string) {
	if s == nil || s.webhookURL == "" {
		return
	}

	text := message(outcome, detail)

	if err := s.post(ctx, text); err != nil {
		s.logger.Warn("sending notification failed",
			logfields.Event("notify_delivery_failed"),
			logfields.Outcome(string(outcome)),
			zap.Error(err),
		)
	}
}

// NotifyManualOverride satisfies prmanager.Notifier.
func (s *Sink) NotifyManualOverride(ctx context.Context, prNumber int) {
	s.Notify(ctx, OutcomeManualOverride, fmt.Sprintf("pull request #%d", prNumber))
}

// NotifyBlocked satisfies prmanager.Notifier.
func (s *Sink) NotifyBlocked(ctx context.Context, prNumber int, reason string) {
	s.Notify(ctx, OutcomeBlocked, fmt.Sprintf("pull request #%d: %s", prNumber, reason))
}

func (s *Sink) post(ctx context.Context, text string) error {
	body, err := json.Marshal(slackPayload{Text: text})
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ErrDelivery{Status: resp.StatusCode, Body: respBody}
	}

	return nil
}

// ErrDelivery is returned when the webhook responds with a non-2xx status.
type ErrDelivery struct {
	Status int
	Body   []byte
}

func (e *ErrDelivery) Error() string {
	return fmt.Sprintf("webhook returned http %d: %s", e.Status, e.Body)
}

func message(outcome Outcome, detail string) string {
	switch outcome {
	case OutcomeSuccess:
		return "rebasebot: run completed, rebase branch pushed and pull request reconciled. " + detail
	case OutcomeNoop:
		return "rebasebot: run completed, nothing to rebase. " + detail
	case OutcomeFailure:
		return "rebasebot: run failed: " + detail
	case OutcomeManualOverride:
		return "rebasebot: " + detail + " carries the manual override label, leaving it untouched"
	case OutcomeBlocked:
		return "rebasebot: " + detail + ", leaving it untouched"
	default:
		return "rebasebot: " + detail
	}
}
