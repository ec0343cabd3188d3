package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/catcache"
	"github.com/mailpilot/mailpilot/internal/metrics"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// Categorizer assigns sender addresses to the account's categories in bulk
// using the AI collaborator. Category conditions then match on the stored
// assignment without further AI calls.
type Categorizer struct {
	store     *storage.Store
	ai        ai.Client
	cache     *catcache.Cache
	batchSize int
	logger    zerolog.Logger
}

// NewCategorizer creates a bulk sender categorizer
func NewCategorizer(store *storage.Store, aiClient ai.Client, cache *catcache.Cache, logger zerolog.Logger) *Categorizer {
	return &Categorizer{
		store:     store,
		ai:        aiClient,
		cache:     cache,
		batchSize: 25,
		logger:    logger.With().Str("component", "categorizer").Logger(),
	}
}

const categorizeSystemPrompt = `You assign email sender addresses to the user's categories.
Use only the category names given. Omit senders that fit no category.
Respond with JSON: {"assignments": {"<sender address>": "<category name>", ...}}.`

type categorizeResponse struct {
	Assignments map[string]string `json:"assignments"`
}

// Categorize assigns the given senders to the account's categories, skipping
// senders that already have one. Returns the number of new assignments.
func (c *Categorizer) Categorize(ctx context.Context, acct *storage.Account, senders []string) (int, error) {
	categories, err := c.store.ListCategories(ctx, acct.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to list categories: %w", err)
	}
	if len(categories) == 0 {
		return 0, nil
	}
	byName := make(map[string]int64, len(categories))
	names := make([]string, 0, len(categories))
	for _, cat := range categories {
		byName[strings.ToLower(cat.Name)] = cat.ID
		names = append(names, cat.Name)
	}

	var pending []string
	seen := make(map[string]bool)
	for _, sender := range senders {
		sender = strings.ToLower(strings.TrimSpace(sender))
		if sender == "" || seen[sender] {
			continue
		}
		seen[sender] = true

		if _, ok, err := c.store.GetSenderCategory(ctx, acct.ID, sender); err != nil {
			return 0, fmt.Errorf("failed to check sender: %w", err)
		} else if ok {
			continue
		}
		pending = append(pending, sender)
	}

	assigned := 0
	for start := 0; start < len(pending); start += c.batchSize {
		end := start + c.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		n, err := c.categorizeBatch(ctx, acct, names, byName, pending[start:end])
		if err != nil {
			return assigned, err
		}
		assigned += n
	}

	if assigned > 0 {
		c.cache.InvalidateAccount(acct.ID)
		c.logger.Info().
			Int64("account_id", acct.ID).
			Int("assigned", assigned).
			Int("considered", len(pending)).
			Msg("Senders categorized")
	}
	return assigned, nil
}

func (c *Categorizer) categorizeBatch(ctx context.Context, acct *storage.Account, names []string, byName map[string]int64, senders []string) (int, error) {
	prompt, err := json.Marshal(struct {
		Categories []string `json:"categories"`
		Senders    []string `json:"senders"`
	}{names, senders})
	if err != nil {
		return 0, fmt.Errorf("failed to build prompt: %w", err)
	}

	var resp categorizeResponse
	if err := c.ai.Complete(ctx, ai.Request{System: categorizeSystemPrompt, Prompt: string(prompt)}, &resp); err != nil {
		metrics.AICalls.WithLabelValues("categorize", "error").Inc()
		return 0, fmt.Errorf("categorization failed: %w", err)
	}
	metrics.AICalls.WithLabelValues("categorize", "ok").Inc()

	assigned := 0
	for sender, name := range resp.Assignments {
		catID, ok := byName[strings.ToLower(name)]
		if !ok {
			// The model invented a category; drop the assignment.
			continue
		}
		if err := c.store.AssignSenderCategory(ctx, acct.ID, sender, catID); err != nil {
			return assigned, fmt.Errorf("failed to assign sender: %w", err)
		}
		assigned++
	}
	return assigned, nil
}
