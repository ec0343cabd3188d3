// Package convo tracks per-thread conversation status for reply tracking: a
// three-state machine over needs-reply, awaiting-reply and resolved. The
// tracker is purely derived state, fed by executed actions and by the
// account's own sent mail; replaying the same event sequence always yields
// the same terminal state.
package convo

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/storage"
)

// Event is one observed input to the state machine: the direction of the
// latest message on the thread plus the action types executed on it.
type Event struct {
	Direction email.Direction
	Actions   []storage.ActionType
}

func (ev Event) replied() bool {
	for _, a := range ev.Actions {
		switch a {
		case storage.ActionReply, storage.ActionSend:
			return true
		}
	}
	return false
}

// Next is the pure transition function. replyResolves selects whether a
// reply executed on an inbound message closes the thread or leaves it
// awaiting the other party.
//
//	needs_reply    -> awaiting_reply | resolved
//	awaiting_reply -> needs_reply | resolved
//	resolved       -> needs_reply (new inbound mail reopens the thread)
func Next(current storage.ConversationState, ev Event, replyResolves bool) storage.ConversationState {
	if ev.Direction == email.DirectionOutbound {
		// The account spoke last; the ball is in the other court.
		return storage.StateAwaitingReply
	}

	if ev.replied() {
		if replyResolves {
			return storage.StateResolved
		}
		return storage.StateAwaitingReply
	}

	// Plain inbound message: the thread needs the account's attention,
	// whatever state it was in.
	return storage.StateNeedsReply
}

// Tracker persists conversation state per thread.
type Tracker struct {
	store         *storage.Store
	replyResolves bool
	logger        zerolog.Logger
}

// NewTracker creates a conversation tracker
func NewTracker(store *storage.Store, replyResolves bool, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:         store,
		replyResolves: replyResolves,
		logger:        logger.With().Str("component", "convo").Logger(),
	}
}

// Track starts tracking a thread, used by the track-thread action. The
// thread enters needs-reply; tracking an already-tracked thread re-applies
// the inbound observation and is therefore idempotent under replay.
func (t *Tracker) Track(ctx context.Context, accountID int64, threadID string) error {
	return t.apply(ctx, accountID, threadID, Event{Direction: email.DirectionInbound}, true)
}

// Observe feeds one event for an already-tracked thread. Untracked threads
// are ignored: tracking starts only through Track.
func (t *Tracker) Observe(ctx context.Context, accountID int64, threadID string, ev Event) error {
	return t.apply(ctx, accountID, threadID, ev, false)
}

func (t *Tracker) apply(ctx context.Context, accountID int64, threadID string, ev Event, create bool) error {
	if threadID == "" {
		return nil
	}

	current := storage.StateNeedsReply
	ts, err := t.store.GetThreadState(ctx, accountID, threadID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if !create {
			return nil
		}
	case err != nil:
		return fmt.Errorf("failed to load thread state: %w", err)
	default:
		current = ts.State
	}

	next := Next(current, ev, t.replyResolves)
	if ts != nil && next == current {
		return nil
	}

	if err := t.store.SetThreadState(ctx, accountID, threadID, next); err != nil {
		return fmt.Errorf("failed to set thread state: %w", err)
	}

	t.logger.Debug().
		Int64("account_id", accountID).
		Str("thread_id", threadID).
		Str("from", string(current)).
		Str("to", string(next)).
		Msg("Thread state transition")
	return nil
}
