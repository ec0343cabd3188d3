package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/convo"
	"github.com/mailpilot/mailpilot/internal/digest"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/metrics"
	"github.com/mailpilot/mailpilot/internal/provider"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// ProviderResolver yields the provider client for an account.
type ProviderResolver interface {
	For(acct *storage.Account) (provider.Provider, error)
}

// ErrRateLimited tells the ingestor to pause the account's pass and resume
// later instead of failing it.
var ErrRateLimited = errors.New("provider rate limited")

// errSkipAction marks an action that cannot run but should be recorded as
// skipped, not failed (e.g. a reply with no content at all).
var errSkipAction = errors.New("action skipped")

// Executor runs a selected rule's action list in order against the provider.
// It claims the (account, message, rule) key first; losing that insert means
// another worker already handled the pair and everything is skipped. Each
// action runs independently: one failure is recorded on its item and the
// rest still attempt.
type Executor struct {
	store     *storage.Store
	providers ProviderResolver
	arggen    *ArgGen
	digest    *digest.Accumulator
	tracker   *convo.Tracker
	retry     provider.RetryPolicy
	client    *http.Client
	logger    zerolog.Logger
}

// NewExecutor creates an action executor
func NewExecutor(
	store *storage.Store,
	providers ProviderResolver,
	arggen *ArgGen,
	digestAcc *digest.Accumulator,
	tracker *convo.Tracker,
	retry provider.RetryPolicy,
	logger zerolog.Logger,
) *Executor {
	return &Executor{
		store:     store,
		providers: providers,
		arggen:    arggen,
		digest:    digestAcc,
		tracker:   tracker,
		retry:     retry,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Execute claims and runs the rule for the message. The actions are already
// resolved by the argument generator and are snapshotted into the execution
// record before anything touches the provider. Returns
// storage.ErrDuplicateExecution when another worker holds the key.
func (x *Executor) Execute(ctx context.Context, acct *storage.Account, msg *email.Message, rule *storage.Rule, actions []storage.Action) (*storage.ExecutedRule, error) {
	status := storage.ExecutionPending
	if !rule.Automate {
		status = storage.ExecutionPendingApproval
	}

	er := &storage.ExecutedRule{
		AccountID: acct.ID,
		MessageID: msg.MessageID,
		ThreadID:  msg.ThreadID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Status:    status,
		Automated: rule.Automate,
	}
	for _, a := range actions {
		er.Items = append(er.Items, storage.ExecutedAction{
			Type:    a.Type,
			Label:   a.Label,
			To:      a.To,
			Cc:      a.Cc,
			Bcc:     a.Bcc,
			Subject: a.Subject,
			Content: a.Content,
			URL:     a.URL,
			Folder:  a.Folder,
			Status:  storage.ActionItemPending,
		})
	}

	if err := x.store.InsertPendingExecution(ctx, er); err != nil {
		return nil, err
	}

	// The message counts as a reply-tracking observation exactly once, on
	// the pass that won the insert. Observing before the claim would let a
	// redelivered message flip a resolved thread back to needs_reply.
	ev := convo.Event{Direction: msg.DirectionFor(acct.Email)}
	if err := x.tracker.Observe(ctx, acct.ID, msg.ThreadID, ev); err != nil {
		x.logger.Warn().Err(err).Str("thread_id", msg.ThreadID).Msg("Failed to observe thread")
	}

	if !rule.Automate {
		x.logger.Info().
			Int64("execution_id", er.ID).
			Str("rule", rule.Name).
			Str("message_id", msg.MessageID).
			Msg("Execution held for approval")
		return er, nil
	}

	return er, x.run(ctx, acct, msg, er)
}

// Approve runs a held execution. It re-enters the same path as automated
// execution; the record's snapshot, not the live rule, decides what runs.
func (x *Executor) Approve(ctx context.Context, executionID int64) error {
	er, err := x.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if er.Status != storage.ExecutionPendingApproval {
		return fmt.Errorf("execution %d is %s, not pending approval", executionID, er.Status)
	}

	acct, err := x.store.GetAccount(ctx, er.AccountID)
	if err != nil {
		return err
	}

	prov, err := x.providers.For(acct)
	if err != nil {
		return err
	}
	msg, err := prov.GetMessage(ctx, er.MessageID)
	if err != nil {
		return fmt.Errorf("failed to fetch message for approval: %w", err)
	}

	x.refreshPlaceholders(ctx, acct, msg, er)

	return x.run(ctx, acct, msg, er)
}

// refreshPlaceholders fills AI placeholders that survived into a held
// snapshot, typically because generation failed at match time. Resolution is
// best effort: items that still carry the placeholder afterwards are skipped
// by the compose path rather than sent raw.
func (x *Executor) refreshPlaceholders(ctx context.Context, acct *storage.Account, msg *email.Message, er *storage.ExecutedRule) {
	if x.arggen == nil {
		return
	}

	var pending []int
	actions := make([]storage.Action, 0, len(er.Items))
	for i := range er.Items {
		item := &er.Items[i]
		a := storage.Action{
			Position: item.Position,
			Type:     item.Type,
			Label:    item.Label,
			To:       item.To,
			Cc:       item.Cc,
			Bcc:      item.Bcc,
			Subject:  item.Subject,
			Content:  item.Content,
			URL:      item.URL,
			Folder:   item.Folder,
		}
		if item.Status == storage.ActionItemPending && a.NeedsAI() {
			pending = append(pending, i)
		}
		actions = append(actions, a)
	}
	if len(pending) == 0 {
		return
	}

	rule := &storage.Rule{ID: er.RuleID, AccountID: er.AccountID, Name: er.RuleName}
	resolved := x.arggen.Resolve(ctx, acct, msg, rule, actions)

	for _, i := range pending {
		item := &er.Items[i]
		a := resolved[i]
		if a.Label == item.Label && a.To == item.To && a.Subject == item.Subject && a.Content == item.Content {
			continue
		}
		item.Label = a.Label
		item.To = a.To
		item.Subject = a.Subject
		item.Content = a.Content
		if err := x.store.UpdateActionItemContent(ctx, item); err != nil {
			x.logger.Error().Err(err).Int64("item_id", item.ID).Msg("Failed to persist resolved fields")
		}
	}
}

// Reject marks a held execution as skipped without running anything.
func (x *Executor) Reject(ctx context.Context, executionID int64) error {
	er, err := x.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if er.Status != storage.ExecutionPendingApproval {
		return fmt.Errorf("execution %d is %s, not pending approval", executionID, er.Status)
	}
	return x.store.UpdateExecutionStatus(ctx, er.ID, storage.ExecutionSkipped, "rejected by user")
}

func (x *Executor) run(ctx context.Context, acct *storage.Account, msg *email.Message, er *storage.ExecutedRule) error {
	prov, err := x.providers.For(acct)
	if err != nil {
		return err
	}

	var succeeded, failed int
	rateLimited := false

	for i := range er.Items {
		item := &er.Items[i]
		if item.Status != storage.ActionItemPending {
			continue
		}

		runErr := x.runItem(ctx, prov, acct, msg, er, item)
		switch {
		case runErr == nil:
			item.Status = storage.ActionItemSucceeded
			succeeded++
		case errors.Is(runErr, errSkipAction):
			item.Status = storage.ActionItemSkipped
			item.Error = strings.TrimPrefix(runErr.Error(), errSkipAction.Error()+": ")
		default:
			item.Status = storage.ActionItemFailed
			item.Error = runErr.Error()
			failed++
			if provider.IsRateLimited(runErr) {
				rateLimited = true
			}
			x.logger.Warn().Err(runErr).
				Int64("execution_id", er.ID).
				Str("action", string(item.Type)).
				Msg("Action failed")
		}

		metrics.ActionsExecuted.WithLabelValues(string(item.Type), string(item.Status)).Inc()
		if err := x.store.UpdateActionItem(ctx, item.ID, item.Status, item.Error); err != nil {
			x.logger.Error().Err(err).Int64("item_id", item.ID).Msg("Failed to record action outcome")
		}
	}

	status := storage.ExecutionExecuted
	reason := ""
	if failed > 0 && succeeded == 0 {
		status = storage.ExecutionFailed
		reason = fmt.Sprintf("%d of %d actions failed", failed, len(er.Items))
	} else if failed > 0 {
		reason = fmt.Sprintf("%d of %d actions failed", failed, len(er.Items))
	}
	er.Status = status
	if err := x.store.UpdateExecutionStatus(ctx, er.ID, status, reason); err != nil {
		return fmt.Errorf("failed to finalize execution: %w", err)
	}

	x.logger.Info().
		Int64("execution_id", er.ID).
		Str("rule", er.RuleName).
		Str("message_id", er.MessageID).
		Str("status", string(status)).
		Int("succeeded", succeeded).
		Int("failed", failed).
		Msg("Execution completed")

	// The tracker sees which action types actually ran so reply tracking
	// reflects reality, not intent.
	var executedTypes []storage.ActionType
	for _, item := range er.Items {
		if item.Status == storage.ActionItemSucceeded {
			executedTypes = append(executedTypes, item.Type)
		}
	}
	if len(executedTypes) > 0 {
		ev := convo.Event{Direction: msg.DirectionFor(acct.Email), Actions: executedTypes}
		if err := x.tracker.Observe(ctx, acct.ID, er.ThreadID, ev); err != nil {
			x.logger.Warn().Err(err).Str("thread_id", er.ThreadID).Msg("Failed to update thread state")
		}
	}

	if rateLimited {
		return ErrRateLimited
	}
	return nil
}

func (x *Executor) runItem(ctx context.Context, prov provider.Provider, acct *storage.Account, msg *email.Message, er *storage.ExecutedRule, item *storage.ExecutedAction) error {
	switch item.Type {
	case storage.ActionArchive:
		return x.retry.Do(ctx, func() error { return prov.Archive(ctx, er.MessageID) })

	case storage.ActionMarkRead:
		return x.retry.Do(ctx, func() error { return prov.MarkRead(ctx, er.MessageID) })

	case storage.ActionMarkSpam:
		return x.retry.Do(ctx, func() error { return prov.MarkSpam(ctx, er.MessageID) })

	case storage.ActionMoveFolder:
		if item.Folder == "" {
			return fmt.Errorf("%w: no folder configured", errSkipAction)
		}
		return x.retry.Do(ctx, func() error { return prov.MoveFolder(ctx, er.MessageID, item.Folder) })

	case storage.ActionLabel:
		return x.applyLabel(ctx, prov, er.MessageID, item.Label)

	case storage.ActionReply:
		out, err := x.composeReply(acct, msg, item)
		if err != nil {
			return err
		}
		return x.retry.Do(ctx, func() error { return prov.Reply(ctx, msg, out) })

	case storage.ActionForward:
		out, err := x.composeForward(acct, msg, item)
		if err != nil {
			return err
		}
		return x.retry.Do(ctx, func() error { return prov.Forward(ctx, msg, out) })

	case storage.ActionSend:
		out, err := x.composeSend(acct, item)
		if err != nil {
			return err
		}
		return x.retry.Do(ctx, func() error { return prov.Send(ctx, out) })

	case storage.ActionDraft:
		out, err := x.composeReply(acct, msg, item)
		if err != nil {
			return err
		}
		return x.retry.Do(ctx, func() error { return prov.Draft(ctx, out) })

	case storage.ActionCallWebhook:
		return x.callWebhook(ctx, acct, msg, er, item)

	case storage.ActionTrackThread:
		return x.tracker.Track(ctx, acct.ID, er.ThreadID)

	case storage.ActionDigest:
		return x.digest.Add(ctx, acct, er.RuleID, msg)

	default:
		return fmt.Errorf("unknown action type %q", item.Type)
	}
}

func (x *Executor) applyLabel(ctx context.Context, prov provider.Provider, messageID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: no label configured", errSkipAction)
	}

	var labelID string
	err := x.retry.Do(ctx, func() error {
		id, err := prov.GetLabel(ctx, name)
		if provider.IsNotFound(err) {
			id, err = prov.CreateLabel(ctx, name)
		}
		if err != nil {
			return err
		}
		labelID = id
		return nil
	})
	if err != nil {
		return err
	}

	return x.retry.Do(ctx, func() error { return prov.AddLabel(ctx, messageID, labelID) })
}

// usableContent rejects content that is empty or still carries an unfilled
// placeholder; a reply with nothing to say is skipped, never sent empty.
func usableContent(content string) bool {
	stripped := strings.ReplaceAll(content, storage.AIPlaceholder, "")
	return strings.TrimSpace(stripped) != "" && !strings.Contains(content, storage.AIPlaceholder)
}

func (x *Executor) composeReply(acct *storage.Account, msg *email.Message, item *storage.ExecutedAction) (*email.Outbound, error) {
	if !usableContent(item.Content) {
		return nil, fmt.Errorf("%w: no content generated", errSkipAction)
	}

	to := msg.From
	if msg.ReplyTo != nil {
		to = *msg.ReplyTo
	}

	subject := item.Subject
	if subject == "" {
		subject = msg.Subject
		if !strings.HasPrefix(strings.ToLower(subject), "re:") {
			subject = "Re: " + subject
		}
	}

	return &email.Outbound{
		From:       email.Address{Address: acct.Email},
		To:         []email.Address{to},
		Subject:    subject,
		TextBody:   item.Content,
		InReplyTo:  msg.MessageID,
		References: append(referencesOf(msg), msg.MessageID),
		ThreadID:   msg.ThreadID,
	}, nil
}

func (x *Executor) composeForward(acct *storage.Account, msg *email.Message, item *storage.ExecutedAction) (*email.Outbound, error) {
	to := parseRecipients(item.To)
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: no recipient configured", errSkipAction)
	}

	subject := msg.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "fwd:") {
		subject = "Fwd: " + subject
	}

	body := item.Content
	if body != "" && !usableContent(body) {
		body = ""
	}
	body += fmt.Sprintf("\n\n---------- Forwarded message ----------\nFrom: %s\nDate: %s\nSubject: %s\n\n%s",
		msg.From.String(), msg.Date.Format(time.RFC1123), msg.Subject, msg.Body())

	return &email.Outbound{
		From:     email.Address{Address: acct.Email},
		To:       to,
		Subject:  subject,
		TextBody: body,
		ThreadID: msg.ThreadID,
	}, nil
}

func (x *Executor) composeSend(acct *storage.Account, item *storage.ExecutedAction) (*email.Outbound, error) {
	to := parseRecipients(item.To)
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: no recipient configured", errSkipAction)
	}
	if !usableContent(item.Content) {
		return nil, fmt.Errorf("%w: no content generated", errSkipAction)
	}

	return &email.Outbound{
		From:     email.Address{Address: acct.Email},
		To:       to,
		Cc:       parseRecipients(item.Cc),
		Bcc:      parseRecipients(item.Bcc),
		Subject:  item.Subject,
		TextBody: item.Content,
	}, nil
}

// callWebhook posts the rule-match event to the configured URL. Transient
// HTTP failures and 5xx/429 responses retry with the same backoff policy as
// provider calls.
func (x *Executor) callWebhook(ctx context.Context, acct *storage.Account, msg *email.Message, er *storage.ExecutedRule, item *storage.ExecutedAction) error {
	if item.URL == "" {
		return fmt.Errorf("%w: no webhook url configured", errSkipAction)
	}
	if !strings.HasPrefix(item.URL, "http://") && !strings.HasPrefix(item.URL, "https://") {
		return fmt.Errorf("webhook url must start with http:// or https://")
	}

	payload := map[string]interface{}{
		"event":      "rule.matched",
		"account":    acct.Email,
		"rule":       er.RuleName,
		"message_id": er.MessageID,
		"thread_id":  er.ThreadID,
		"email":      msg.ToPromptContext(0),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	return x.retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.URL, bytes.NewReader(body))
		if err != nil {
			return provider.NewError(provider.KindInvalidRequest, "webhook", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := x.client.Do(req)
		if err != nil {
			return provider.NewError(provider.KindTransient, "webhook", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return provider.NewError(provider.KindRateLimited, "webhook", fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 500:
			return provider.NewError(provider.KindTransient, "webhook", fmt.Errorf("status %d", resp.StatusCode))
		default:
			return provider.NewError(provider.KindInvalidRequest, "webhook", fmt.Errorf("status %d", resp.StatusCode))
		}
	})
}

func referencesOf(msg *email.Message) []string {
	refs := strings.Fields(msg.Headers["References"])
	for i, r := range refs {
		refs[i] = strings.Trim(r, "<>")
	}
	return refs
}

func parseRecipients(s string) []email.Address {
	var out []email.Address
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.Contains(part, storage.AIPlaceholder) {
			continue
		}
		out = append(out, email.Address{Address: part})
	}
	return out
}
