package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/metrics"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// ArgGen resolves AI placeholders in action fields before execution. One
// request covers every placeholder in the selected rule. Failure degrades
// gracefully: fields keep their literal content, and an action left with
// nothing but the placeholder is skipped by the executor rather than sent
// empty.
type ArgGen struct {
	store     *storage.Store
	ai        ai.Client
	bodyLimit int
	logger    zerolog.Logger
}

// NewArgGen creates an action argument generator
func NewArgGen(store *storage.Store, aiClient ai.Client, bodyLimit int, logger zerolog.Logger) *ArgGen {
	if bodyLimit <= 0 {
		bodyLimit = 2000
	}
	return &ArgGen{
		store:     store,
		ai:        aiClient,
		bodyLimit: bodyLimit,
		logger:    logger.With().Str("component", "arggen").Logger(),
	}
}

const arggenSystemPrompt = `You write concrete values for fields of email automation actions
on behalf of the user. Match the user's voice where style notes are given.
Respond with JSON: {"values": {"<field key>": "<value>", ...}} covering every requested key.`

type placeholderField struct {
	key    string
	action *storage.Action
	field  string
}

type arggenResponse struct {
	Values map[string]string `json:"values"`
}

// Resolve returns a copy of the actions with placeholders replaced. The
// input slice is never mutated; callers snapshot the returned actions into
// the execution record.
func (g *ArgGen) Resolve(ctx context.Context, acct *storage.Account, msg *email.Message, rule *storage.Rule, actions []storage.Action) []storage.Action {
	resolved := make([]storage.Action, len(actions))
	copy(resolved, actions)

	var fields []placeholderField
	for i := range resolved {
		a := &resolved[i]
		for _, f := range []struct {
			name  string
			value string
		}{
			{"label", a.Label},
			{"to", a.To},
			{"subject", a.Subject},
			{"content", a.Content},
		} {
			if strings.Contains(f.value, storage.AIPlaceholder) {
				fields = append(fields, placeholderField{
					key:    fmt.Sprintf("%d.%s", a.Position, f.name),
					action: a,
					field:  f.name,
				})
			}
		}
	}
	if len(fields) == 0 {
		return resolved
	}

	values, err := g.generate(ctx, acct, msg, rule, fields)
	if err != nil {
		metrics.AICalls.WithLabelValues("arggen", "error").Inc()
		g.logger.Warn().Err(err).
			Int64("rule_id", rule.ID).
			Str("message_id", msg.MessageID).
			Msg("Argument generation failed, keeping literal content")
		return resolved
	}
	metrics.AICalls.WithLabelValues("arggen", "ok").Inc()

	for _, f := range fields {
		value, ok := values[f.key]
		if !ok || value == "" {
			continue
		}
		g.apply(f.action, f.field, value)
	}

	return resolved
}

func (g *ArgGen) generate(ctx context.Context, acct *storage.Account, msg *email.Message, rule *storage.Rule, fields []placeholderField) (map[string]string, error) {
	promptCtx, err := json.MarshalIndent(msg.ToPromptContext(g.bodyLimit), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rule: %s\n\nEmail:\n%s\n\n", rule.Name, promptCtx)
	if acct.AboutMe != "" {
		fmt.Fprintf(&b, "About the user:\n%s\n\n", acct.AboutMe)
	}
	if acct.StyleNotes != "" && hasComposeField(fields) {
		fmt.Fprintf(&b, "The user's writing style:\n%s\n\n", acct.StyleNotes)
	}
	if hasComposeField(fields) {
		if history := g.threadHistory(ctx, acct.ID, msg.ThreadID); history != "" {
			fmt.Fprintf(&b, "Messages the user already sent on this thread, oldest first:\n%s\n", history)
		}
	}
	b.WriteString("Fields to fill:\n")
	for _, f := range fields {
		template := strings.TrimSpace(strings.ReplaceAll(fieldValue(f.action, f.field), storage.AIPlaceholder, ""))
		fmt.Fprintf(&b, "- key %q: the %q field of a %q action", f.key, f.field, f.action.Type)
		if template != "" {
			fmt.Fprintf(&b, " (surrounding template: %q)", fieldValue(f.action, f.field))
		}
		b.WriteString("\n")
	}

	var resp arggenResponse
	if err := g.ai.Complete(ctx, ai.Request{System: arggenSystemPrompt, Prompt: b.String()}, &resp); err != nil {
		return nil, err
	}
	if resp.Values == nil {
		return nil, fmt.Errorf("%w: missing values", ai.ErrMalformedOutput)
	}
	return resp.Values, nil
}

const (
	historyExecutions  = 5
	historyCharPerItem = 500
)

// threadHistory collects what this engine already sent on the thread, so a
// composed reply does not contradict or repeat it. Only succeeded compose
// items carry content worth quoting.
func (g *ArgGen) threadHistory(ctx context.Context, accountID int64, threadID string) string {
	if g.store == nil || threadID == "" {
		return ""
	}
	execs, err := g.store.ListThreadExecutions(ctx, accountID, threadID, historyExecutions)
	if err != nil {
		g.logger.Warn().Err(err).Str("thread_id", threadID).Msg("Failed to load thread history")
		return ""
	}

	var b strings.Builder
	// Newest first from storage; quote oldest first.
	for i := len(execs) - 1; i >= 0; i-- {
		for _, item := range execs[i].Items {
			if item.Status != storage.ActionItemSucceeded {
				continue
			}
			switch item.Type {
			case storage.ActionReply, storage.ActionSend, storage.ActionDraft, storage.ActionForward:
				content := item.Content
				if len(content) > historyCharPerItem {
					content = content[:historyCharPerItem] + "..."
				}
				if strings.TrimSpace(content) == "" {
					continue
				}
				fmt.Fprintf(&b, "- (%s) %s\n", item.Type, content)
			}
		}
	}
	return b.String()
}

// hasComposeField reports whether any placeholder belongs to a reply, draft,
// send or forward body, where the writing-style profile matters.
func hasComposeField(fields []placeholderField) bool {
	for _, f := range fields {
		switch f.action.Type {
		case storage.ActionReply, storage.ActionDraft, storage.ActionSend, storage.ActionForward:
			if f.field == "content" || f.field == "subject" {
				return true
			}
		}
	}
	return false
}

func fieldValue(a *storage.Action, field string) string {
	switch field {
	case "label":
		return a.Label
	case "to":
		return a.To
	case "subject":
		return a.Subject
	case "content":
		return a.Content
	}
	return ""
}

func (g *ArgGen) apply(a *storage.Action, field, value string) {
	replace := func(s string) string {
		if strings.TrimSpace(strings.ReplaceAll(s, storage.AIPlaceholder, "")) == "" {
			return value
		}
		return strings.ReplaceAll(s, storage.AIPlaceholder, value)
	}
	switch field {
	case "label":
		a.Label = replace(a.Label)
	case "to":
		a.To = replace(a.To)
	case "subject":
		a.Subject = replace(a.Subject)
	case "content":
		a.Content = replace(a.Content)
	}
}
