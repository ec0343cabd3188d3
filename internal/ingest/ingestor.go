// Package ingest drives the idempotent intake pipeline: it pulls the
// provider change feed from the account's checkpoint, hands each new message
// to the rule engine, and advances the checkpoint only after the whole batch
// is handled. Crashing mid-batch replays messages; the engine's execution key
// makes the replay harmless.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/engine"
	"github.com/mailpilot/mailpilot/internal/metrics"
	"github.com/mailpilot/mailpilot/internal/provider"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// Ingestor runs intake passes. Passes for the same account are serialized;
// passes for different accounts may run concurrently.
type Ingestor struct {
	store       *storage.Store
	engine      *engine.Engine
	providers   engine.ProviderResolver
	categorizer *engine.Categorizer
	resyncLimit int
	logger      zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates an ingestor. resyncLimit bounds how far back the fallback
// resync reaches when an account has no usable checkpoint.
func New(store *storage.Store, eng *engine.Engine, providers engine.ProviderResolver, categorizer *engine.Categorizer, resyncLimit int, logger zerolog.Logger) *Ingestor {
	if resyncLimit <= 0 {
		resyncLimit = 100
	}
	return &Ingestor{
		store:       store,
		engine:      eng,
		providers:   providers,
		categorizer: categorizer,
		resyncLimit: resyncLimit,
		logger:      logger.With().Str("component", "ingest").Logger(),
		locks:       make(map[int64]*sync.Mutex),
	}
}

func (in *Ingestor) accountLock(accountID int64) *sync.Mutex {
	in.mu.Lock()
	defer in.mu.Unlock()
	l, ok := in.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		in.locks[accountID] = l
	}
	return l
}

// RunPass executes one intake pass for the account. A provider rate limit
// stops the pass early without advancing the checkpoint; the next pass picks
// up from the same cursor.
func (in *Ingestor) RunPass(ctx context.Context, accountID int64) error {
	lock := in.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	acct, err := in.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	if acct.Disabled {
		in.logger.Debug().Int64("account_id", accountID).Msg("Account disabled, skipping pass")
		return nil
	}

	prov, err := in.providers.For(acct)
	if err != nil {
		return fmt.Errorf("failed to resolve provider: %w", err)
	}

	ids, cursor, err := in.listNew(ctx, acct, prov)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		if cursor != "" && cursor != acct.Checkpoint {
			return in.advance(ctx, acct, cursor)
		}
		return nil
	}

	in.logger.Info().
		Int64("account_id", acct.ID).
		Str("email", acct.Email).
		Int("messages", len(ids)).
		Msg("Intake pass started")

	var senders []string
	var failed int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		// The account may be disabled while a long batch is in flight;
		// honoring the flag mid-pass stops work promptly. The checkpoint
		// stays put so re-enabling resumes from here.
		current, err := in.store.GetAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to reload account: %w", err)
		}
		if current.Disabled {
			in.logger.Info().Int64("account_id", accountID).Msg("Account disabled mid-pass, stopping")
			return nil
		}

		msg, err := prov.GetMessage(ctx, id)
		if err != nil {
			if provider.IsRateLimited(err) {
				metrics.RateLimitPauses.Inc()
				in.logger.Warn().Str("message_id", id).Msg("Rate limited fetching message, pausing pass")
				return nil
			}
			if provider.IsNotFound(err) {
				// Deleted between the feed listing and the fetch.
				in.logger.Debug().Str("message_id", id).Msg("Message gone, skipping")
				continue
			}
			// One bad message never aborts the batch, but it does hold
			// the checkpoint so the next pass retries it.
			failed++
			in.logger.Error().Err(err).Str("message_id", id).Msg("Failed to fetch message")
			continue
		}

		if err := in.engine.ProcessMessage(ctx, acct, msg); err != nil {
			if errors.Is(err, engine.ErrRateLimited) {
				metrics.RateLimitPauses.Inc()
				in.logger.Warn().Str("message_id", id).Msg("Rate limited during execution, pausing pass")
				return nil
			}
			failed++
			in.logger.Error().Err(err).Str("message_id", id).Msg("Failed to process message")
			continue
		}

		if msg.DirectionFor(acct.Email) == email.DirectionInbound {
			senders = append(senders, msg.From.Address)
		}
	}

	if failed > 0 {
		// Advancing past a transient failure would drop the message for
		// good; the handled ones replay harmlessly against the execution
		// key on the retry.
		return fmt.Errorf("%d of %d messages failed, checkpoint held", failed, len(ids))
	}

	if err := in.advance(ctx, acct, cursor); err != nil {
		return err
	}

	if acct.AutoGroup && in.categorizer != nil && len(senders) > 0 {
		if _, err := in.categorizer.Categorize(ctx, acct, senders); err != nil {
			in.logger.Warn().Err(err).Int64("account_id", acct.ID).Msg("Bulk categorization failed")
		}
	}

	return nil
}

// listNew resolves the ids to process for this pass, in feed order with
// duplicates collapsed to their first occurrence. An empty or expired
// checkpoint falls back to a bounded resync of the most recent messages.
func (in *Ingestor) listNew(ctx context.Context, acct *storage.Account, prov provider.Provider) ([]string, string, error) {
	if acct.Checkpoint == "" {
		return in.resync(ctx, acct, prov)
	}

	events, cursor, err := prov.ListChangesSince(ctx, acct.Checkpoint)
	if err != nil {
		if provider.IsCheckpointExpired(err) {
			in.logger.Warn().
				Int64("account_id", acct.ID).
				Str("checkpoint", acct.Checkpoint).
				Msg("Checkpoint expired, falling back to resync")
			return in.resync(ctx, acct, prov)
		}
		if provider.IsRateLimited(err) {
			metrics.RateLimitPauses.Inc()
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to list changes: %w", err)
	}

	var ids []string
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind != provider.EventMessageAdded || seen[ev.MessageID] {
			continue
		}
		seen[ev.MessageID] = true
		ids = append(ids, ev.MessageID)
	}
	return ids, cursor, nil
}

func (in *Ingestor) resync(ctx context.Context, acct *storage.Account, prov provider.Provider) ([]string, string, error) {
	ids, cursor, err := prov.ListRecentMessages(ctx, in.resyncLimit)
	if err != nil {
		if provider.IsRateLimited(err) {
			metrics.RateLimitPauses.Inc()
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to resync: %w", err)
	}
	return ids, cursor, nil
}

func (in *Ingestor) advance(ctx context.Context, acct *storage.Account, cursor string) error {
	if cursor == "" || cursor == acct.Checkpoint {
		return nil
	}
	if err := in.store.UpdateCheckpoint(ctx, acct.ID, cursor); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	in.logger.Debug().
		Int64("account_id", acct.ID).
		Str("checkpoint", cursor).
		Msg("Checkpoint advanced")
	return nil
}

// RunAll runs one pass for every enabled account. Per-account failures are
// logged and do not stop the sweep.
func (in *Ingestor) RunAll(ctx context.Context) {
	accounts, err := in.store.ListAccounts(ctx)
	if err != nil {
		in.logger.Error().Err(err).Msg("Failed to list accounts")
		return
	}
	for _, acct := range accounts {
		if acct.Disabled {
			continue
		}
		if err := in.RunPass(ctx, acct.ID); err != nil {
			in.logger.Error().Err(err).
				Int64("account_id", acct.ID).
				Str("email", acct.Email).
				Msg("Intake pass failed")
		}
	}
}
