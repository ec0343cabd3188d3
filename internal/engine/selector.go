package engine

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// Selection is the rule chosen for a message, with the evaluator's reason.
type Selection struct {
	Rule   *storage.Rule
	Reason string
}

// Selector applies first-match-wins over the account's enabled rules in
// priority order. Rules are evaluated in small concurrent windows so
// independent AI conditions overlap, but the selected rule is always the
// first matching one in priority order and no window beyond it is started.
type Selector struct {
	eval        *Evaluator
	concurrency int
	logger      zerolog.Logger
}

// NewSelector creates a rule selector. concurrency bounds how many rules are
// evaluated at once.
func NewSelector(eval *Evaluator, concurrency int, logger zerolog.Logger) *Selector {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Selector{
		eval:        eval,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "selector").Logger(),
	}
}

// Select returns the first matching rule for the message, or nil when no
// rule matches. A rule whose evaluation errors is logged and treated as
// non-matching; it never aborts the pass.
func (s *Selector) Select(ctx context.Context, acct *storage.Account, msg *email.Message, rules []*storage.Rule, dir email.Direction) (*Selection, error) {
	candidates := make([]*storage.Rule, 0, len(rules))
	for _, r := range rules {
		if dir == email.DirectionInbound && !r.Inbound() {
			continue
		}
		if dir == email.DirectionOutbound && !r.Outbound() {
			continue
		}
		candidates = append(candidates, r)
	}

	for start := 0; start < len(candidates); start += s.concurrency {
		end := start + s.concurrency
		if end > len(candidates) {
			end = len(candidates)
		}
		window := candidates[start:end]
		results := make([]MatchResult, len(window))

		g, gctx := errgroup.WithContext(ctx)
		for i, rule := range window {
			i, rule := i, rule
			g.Go(func() error {
				res, err := s.eval.EvaluateRule(gctx, acct, msg, rule)
				if err != nil {
					s.logger.Warn().Err(err).
						Int64("rule_id", rule.ID).
						Str("message_id", msg.MessageID).
						Msg("Rule evaluation failed, treating as non-match")
					return nil
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, res := range results {
			if res.Matched {
				rule := window[i]
				s.logger.Debug().
					Int64("rule_id", rule.ID).
					Str("rule", rule.Name).
					Str("message_id", msg.MessageID).
					Msg("Rule selected")
				return &Selection{Rule: rule, Reason: res.Reason}, nil
			}
		}
	}

	return nil, nil
}
