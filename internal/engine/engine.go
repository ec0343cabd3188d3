// Package engine matches messages against an account's ordered rules and
// runs the winning rule's actions. Matching is first-match-wins over rules in
// priority order; execution is at-most-once per (account, message, rule),
// enforced by the store's unique execution key.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/convo"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/metrics"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// Engine ties rule selection, argument generation and execution together for
// one message at a time.
type Engine struct {
	store    *storage.Store
	selector *Selector
	arggen   *ArgGen
	executor *Executor
	tracker  *convo.Tracker
	logger   zerolog.Logger
}

// New creates a rule engine
func New(store *storage.Store, selector *Selector, arggen *ArgGen, executor *Executor, tracker *convo.Tracker, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		selector: selector,
		arggen:   arggen,
		executor: executor,
		tracker:  tracker,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// ProcessMessage runs the full pipeline for one message: select the first
// matching rule, resolve AI placeholders, execute or hold for approval. A
// message no rule matches is recorded as unhandled so replays skip it too.
// Returns ErrRateLimited when the provider throttled execution; the caller
// should stop the pass without advancing its checkpoint.
func (e *Engine) ProcessMessage(ctx context.Context, acct *storage.Account, msg *email.Message) error {
	start := time.Now()
	dir := msg.DirectionFor(acct.Email)

	rules, err := e.store.ListEnabledRules(ctx, acct.ID)
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	sel, err := e.selector.Select(ctx, acct, msg, rules, dir)
	if err != nil {
		return fmt.Errorf("rule selection failed: %w", err)
	}

	if sel == nil {
		return e.recordUnhandled(ctx, acct, msg, start)
	}

	actions := e.arggen.Resolve(ctx, acct, msg, sel.Rule, sel.Rule.Actions)

	er, err := e.executor.Execute(ctx, acct, msg, sel.Rule, actions)
	switch {
	case errors.Is(err, storage.ErrDuplicateExecution):
		metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
		e.logger.Debug().
			Str("message_id", msg.MessageID).
			Int64("rule_id", sel.Rule.ID).
			Msg("Message already handled by this rule, skipping")
		return nil
	case errors.Is(err, ErrRateLimited):
		metrics.MessagesProcessed.WithLabelValues("failed").Inc()
		return err
	case err != nil:
		metrics.MessagesProcessed.WithLabelValues("failed").Inc()
		return fmt.Errorf("execution failed: %w", err)
	}

	switch er.Status {
	case storage.ExecutionPendingApproval:
		metrics.MessagesProcessed.WithLabelValues("pending_approval").Inc()
	case storage.ExecutionFailed:
		metrics.MessagesProcessed.WithLabelValues("failed").Inc()
	default:
		metrics.MessagesProcessed.WithLabelValues("executed").Inc()
	}
	metrics.PassDuration.Observe(time.Since(start).Seconds())
	return nil
}

// recordUnhandled writes the rule-id-zero execution row that marks a message
// as seen with no matching rule.
func (e *Engine) recordUnhandled(ctx context.Context, acct *storage.Account, msg *email.Message, start time.Time) error {
	er := &storage.ExecutedRule{
		AccountID: acct.ID,
		MessageID: msg.MessageID,
		ThreadID:  msg.ThreadID,
		RuleID:    0,
		Status:    storage.ExecutionSkipped,
		Reason:    "no rule matched",
	}
	err := e.store.InsertPendingExecution(ctx, er)
	switch {
	case errors.Is(err, storage.ErrDuplicateExecution):
		metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
		return nil
	case err != nil:
		return fmt.Errorf("failed to record unhandled message: %w", err)
	}

	// The insert claims the message, so this observation fires once even
	// when the feed redelivers. Untracked threads ignore it.
	dir := msg.DirectionFor(acct.Email)
	if err := e.tracker.Observe(ctx, acct.ID, msg.ThreadID, convo.Event{Direction: dir}); err != nil {
		e.logger.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("Failed to observe thread")
	}

	metrics.MessagesProcessed.WithLabelValues("unhandled").Inc()
	metrics.PassDuration.Observe(time.Since(start).Seconds())
	e.logger.Debug().Str("message_id", msg.MessageID).Msg("No rule matched")
	return nil
}
