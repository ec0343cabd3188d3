package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/outbound"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// Deliverer closes due digest windows and mails each one to its account as a
// single summary email.
type Deliverer struct {
	store  *storage.Store
	acc    *Accumulator
	sender outbound.Sender
	from   email.Address
	logger zerolog.Logger
}

// NewDeliverer creates a digest deliverer
func NewDeliverer(store *storage.Store, acc *Accumulator, sender outbound.Sender, from email.Address, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		store:  store,
		acc:    acc,
		sender: sender,
		from:   from,
		logger: logger.With().Str("component", "digest-deliverer").Logger(),
	}
}

// DeliverDue closes and mails every due window for the account. A failed send
// is logged and does not block the remaining windows; the entry is already
// closed, so a lost digest is not re-accumulated.
func (d *Deliverer) DeliverDue(ctx context.Context, acct *storage.Account) error {
	entries, err := d.acc.CloseDue(ctx, acct)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if len(entry.Items) == 0 {
			continue
		}
		out := &email.Outbound{
			From:     d.from,
			To:       []email.Address{{Address: acct.Email}},
			Subject:  d.subject(ctx, entry),
			TextBody: renderDigest(entry),
		}
		if err := d.sender.Send(ctx, out); err != nil {
			d.logger.Error().Err(err).
				Int64("account_id", acct.ID).
				Int64("rule_id", entry.RuleID).
				Time("window", entry.WindowStart).
				Msg("Failed to deliver digest")
			continue
		}
		d.logger.Info().
			Int64("account_id", acct.ID).
			Int64("rule_id", entry.RuleID).
			Int("items", len(entry.Items)).
			Msg("Digest delivered")
	}
	return nil
}

// DeliverAll sweeps every enabled account.
func (d *Deliverer) DeliverAll(ctx context.Context) {
	accounts, err := d.store.ListAccounts(ctx)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list accounts")
		return
	}
	for _, acct := range accounts {
		if acct.Disabled {
			continue
		}
		if err := d.DeliverDue(ctx, acct); err != nil {
			d.logger.Error().Err(err).Int64("account_id", acct.ID).Msg("Digest delivery failed")
		}
	}
}

func (d *Deliverer) subject(ctx context.Context, entry *storage.DigestEntry) string {
	name := "Digest"
	rule, err := d.store.GetRule(ctx, entry.RuleID)
	switch {
	case err == nil:
		name = rule.Name
	case !errors.Is(err, storage.ErrNotFound):
		d.logger.Warn().Err(err).Int64("rule_id", entry.RuleID).Msg("Failed to load rule for digest subject")
	}
	return fmt.Sprintf("%s: %d messages (%s)", name, len(entry.Items), entry.WindowStart.Format("Jan 2"))
}

func renderDigest(entry *storage.DigestEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Digest for window starting %s\n\n", entry.WindowStart.Format("Mon, 02 Jan 2006 15:04 MST"))
	for i, item := range entry.Items {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, item.From, item.Subject)
		if item.Summary != "" {
			fmt.Fprintf(&b, "   %s\n", item.Summary)
		}
		b.WriteString("\n")
	}
	return b.String()
}
