// Package digest accumulates summarized entries for rules whose actions are
// flagged "digest" instead of acting on the message immediately. An external
// scheduler closes windows on the account's cadence and composes the digest
// email; this package only guarantees ordered, duplicate-free accumulation
// and window rollover.
package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/metrics"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// Accumulator appends digest items and rolls windows over.
type Accumulator struct {
	store     *storage.Store
	ai        ai.Client
	bodyLimit int
	logger    zerolog.Logger
}

// New creates a digest accumulator
func New(store *storage.Store, aiClient ai.Client, bodyLimit int, logger zerolog.Logger) *Accumulator {
	if bodyLimit <= 0 {
		bodyLimit = 2000
	}
	return &Accumulator{
		store:     store,
		ai:        aiClient,
		bodyLimit: bodyLimit,
		logger:    logger.With().Str("component", "digest").Logger(),
	}
}

// WindowStart aligns a point in time to the start of its digest window.
func WindowStart(now time.Time, every time.Duration) time.Time {
	if every <= 0 {
		every = 24 * time.Hour
	}
	return now.UTC().Truncate(every)
}

// Add appends one summarized item to the current open window for
// (account, rule). A message already present in the window is dropped, so
// replays cannot duplicate digest lines.
func (a *Accumulator) Add(ctx context.Context, acct *storage.Account, ruleID int64, msg *email.Message) error {
	item := storage.DigestItem{
		MessageID: msg.MessageID,
		From:      msg.From.String(),
		Subject:   msg.Subject,
		Summary:   a.summarize(ctx, msg),
		AddedAt:   time.Now().UTC(),
	}

	window := WindowStart(time.Now(), acct.DigestEvery)
	if err := a.store.AppendDigestItem(ctx, acct.ID, ruleID, window, item); err != nil {
		return fmt.Errorf("failed to append digest item: %w", err)
	}

	metrics.DigestItems.Inc()
	a.logger.Debug().
		Int64("account_id", acct.ID).
		Int64("rule_id", ruleID).
		Str("message_id", msg.MessageID).
		Time("window", window).
		Msg("Digest item accumulated")
	return nil
}

// CloseDue archives every window older than the current one and returns the
// closed entries for delivery.
func (a *Accumulator) CloseDue(ctx context.Context, acct *storage.Account) ([]*storage.DigestEntry, error) {
	cutoff := WindowStart(time.Now(), acct.DigestEvery)
	entries, err := a.store.CloseDigestWindows(ctx, acct.ID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to close digest windows: %w", err)
	}
	if len(entries) > 0 {
		a.logger.Info().
			Int64("account_id", acct.ID).
			Int("windows", len(entries)).
			Msg("Digest windows closed")
	}
	return entries, nil
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

const summarySystemPrompt = `You summarize an email in one short line for a digest.
Respond with JSON: {"summary": "<one line>"}.`

// summarize produces the one-line AI summary, falling back to the message
// snippet when the model is unavailable or answers badly.
func (a *Accumulator) summarize(ctx context.Context, msg *email.Message) string {
	promptCtx, err := json.Marshal(msg.ToPromptContext(a.bodyLimit))
	if err != nil {
		return msg.Snippet
	}

	var resp summaryResponse
	if err := a.ai.Complete(ctx, ai.Request{System: summarySystemPrompt, Prompt: string(promptCtx), MaxTokens: 120}, &resp); err != nil || resp.Summary == "" {
		metrics.AICalls.WithLabelValues("summary", "error").Inc()
		a.logger.Debug().Err(err).Str("message_id", msg.MessageID).Msg("Summary fallback to snippet")
		return msg.Snippet
	}
	metrics.AICalls.WithLabelValues("summary", "ok").Inc()
	return resp.Summary
}
