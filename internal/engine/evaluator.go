package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/catcache"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/metrics"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// MatchResult is the outcome of evaluating one rule against one message.
type MatchResult struct {
	Matched bool
	Reason  string
}

// Evaluator decides whether a message satisfies a rule's condition set.
// STATIC, CATEGORY and GROUP conditions never touch the network beyond the
// read-through cache; AI conditions cost one LLM call each, so the AND/OR
// combination short-circuits to keep that cost down.
type Evaluator struct {
	cache     *catcache.Cache
	ai        ai.Client
	bodyLimit int
	logger    zerolog.Logger
}

// NewEvaluator creates a condition evaluator
func NewEvaluator(cache *catcache.Cache, aiClient ai.Client, bodyLimit int, logger zerolog.Logger) *Evaluator {
	if bodyLimit <= 0 {
		bodyLimit = 2000
	}
	return &Evaluator{
		cache:     cache,
		ai:        aiClient,
		bodyLimit: bodyLimit,
		logger:    logger.With().Str("component", "evaluator").Logger(),
	}
}

// EvaluateRule combines the rule's condition results under its logical
// operator. AND stops at the first false, OR at the first true. A rule
// without conditions matches everything in its direction.
func (e *Evaluator) EvaluateRule(ctx context.Context, acct *storage.Account, msg *email.Message, rule *storage.Rule) (MatchResult, error) {
	if len(rule.Conditions) == 0 {
		return MatchResult{Matched: true, Reason: "no conditions"}, nil
	}

	var reasons []string
	for i := range rule.Conditions {
		cond := &rule.Conditions[i]
		matched, reason, err := e.evaluateCondition(ctx, acct, msg, cond)
		if err != nil {
			return MatchResult{}, fmt.Errorf("condition %d: %w", cond.ID, err)
		}
		if reason != "" {
			reasons = append(reasons, reason)
		}

		switch rule.Operator {
		case storage.OperatorOr:
			if matched {
				return MatchResult{Matched: true, Reason: strings.Join(reasons, "; ")}, nil
			}
		default: // AND
			if !matched {
				return MatchResult{Matched: false, Reason: reason}, nil
			}
		}
	}

	if rule.Operator == storage.OperatorOr {
		return MatchResult{Matched: false, Reason: strings.Join(reasons, "; ")}, nil
	}
	return MatchResult{Matched: true, Reason: strings.Join(reasons, "; ")}, nil
}

func (e *Evaluator) evaluateCondition(ctx context.Context, acct *storage.Account, msg *email.Message, cond *storage.Condition) (bool, string, error) {
	switch cond.Type {
	case storage.ConditionStatic:
		return e.evaluateStatic(msg, cond), "", nil

	case storage.ConditionCategory:
		return e.evaluateCategory(ctx, acct, msg, cond)

	case storage.ConditionGroup:
		return e.evaluateGroup(ctx, msg, cond)

	case storage.ConditionAI:
		return e.evaluateAI(ctx, msg, cond)

	default:
		return false, "", fmt.Errorf("unknown condition type %q", cond.Type)
	}
}

// evaluateStatic does case-insensitive substring matching on the specified
// fields. Empty fields are wildcards; all specified fields must match.
func (e *Evaluator) evaluateStatic(msg *email.Message, cond *storage.Condition) bool {
	if cond.From != "" && !containsFold(msg.From.Address, cond.From) && !containsFold(msg.From.Name, cond.From) {
		return false
	}
	if cond.To != "" {
		matched := false
		for _, to := range msg.To {
			if containsFold(to.Address, cond.To) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if cond.Subject != "" && !containsFold(msg.Subject, cond.Subject) {
		return false
	}
	if cond.Body != "" && !containsFold(msg.Body(), cond.Body) {
		return false
	}
	return true
}

func (e *Evaluator) evaluateCategory(ctx context.Context, acct *storage.Account, msg *email.Message, cond *storage.Condition) (bool, string, error) {
	categoryID, found, err := e.cache.SenderCategory(ctx, acct.ID, msg.From.Address)
	if err != nil {
		return false, "", fmt.Errorf("category lookup: %w", err)
	}

	member := found && categoryID == cond.CategoryID
	if cond.Exclude {
		return !member, "", nil
	}
	return member, "", nil
}

func (e *Evaluator) evaluateGroup(ctx context.Context, msg *email.Message, cond *storage.Condition) (bool, string, error) {
	patterns, err := e.cache.GroupPatterns(ctx, cond.GroupID)
	if err != nil {
		return false, "", fmt.Errorf("group lookup: %w", err)
	}

	for _, p := range patterns {
		switch p.Type {
		case storage.PatternSender:
			if containsFold(msg.From.Address, p.Value) {
				return true, "", nil
			}
		case storage.PatternSubject:
			if containsFold(msg.Subject, p.Value) {
				return true, "", nil
			}
		}
	}
	return false, "", nil
}

type aiVerdict struct {
	Match  bool   `json:"match"`
	Reason string `json:"reason"`
}

const conditionSystemPrompt = `You decide whether an email satisfies a user's instructions.
Respond with JSON: {"match": true|false, "reason": "<one short sentence>"}.`

// evaluateAI asks the model for a structured yes/no. Any failure, including
// malformed output or a timeout, resolves to non-match so one bad model
// response never sinks the whole rule pass.
func (e *Evaluator) evaluateAI(ctx context.Context, msg *email.Message, cond *storage.Condition) (bool, string, error) {
	promptCtx, err := json.MarshalIndent(msg.ToPromptContext(e.bodyLimit), "", "  ")
	if err != nil {
		return false, "", fmt.Errorf("failed to build prompt: %w", err)
	}

	prompt := fmt.Sprintf("Instructions:\n%s\n\nEmail:\n%s", cond.Instructions, promptCtx)

	var verdict aiVerdict
	if err := e.ai.Complete(ctx, ai.Request{System: conditionSystemPrompt, Prompt: prompt}, &verdict); err != nil {
		metrics.AICalls.WithLabelValues("condition", "error").Inc()
		e.logger.Warn().Err(err).
			Int64("condition_id", cond.ID).
			Str("message_id", msg.MessageID).
			Msg("AI condition failed, treating as non-match")
		return false, "ai evaluation failed", nil
	}

	metrics.AICalls.WithLabelValues("condition", "ok").Inc()
	return verdict.Match, verdict.Reason, nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
