// Package provider abstracts the email provider consumed by the engine:
// change-feed listing, message fetch, and the mailbox/send operations the
// action executor drives. Implementations wrap the Gmail/Outlook SDKs or the
// local SMTP-intake mailbox; the engine only sees this interface and the
// error taxonomy below.
package provider

import (
	"context"

	"github.com/mailpilot/mailpilot/internal/email"
)

// EventKind discriminates change-feed events.
type EventKind string

const (
	EventMessageAdded   EventKind = "message_added"
	EventMessageDeleted EventKind = "message_deleted"
	EventLabelChanged   EventKind = "label_changed"
)

// Event is one entry of the provider's change feed.
type Event struct {
	Kind      EventKind
	MessageID string
}

// Provider is the email-provider collaborator. All calls are synchronous
// request/response; errors carry the Kind taxonomy so callers can decide
// whether to retry.
type Provider interface {
	// ListChangesSince returns the events after the given cursor plus the
	// new cursor. A cursor the provider no longer accepts yields an error
	// of KindCheckpointExpired.
	ListChangesSince(ctx context.Context, cursor string) ([]Event, string, error)

	// ListRecentMessages returns the ids of the most recent messages plus a
	// fresh cursor. Used for the bounded resync fallback when the
	// checkpoint is missing or expired.
	ListRecentMessages(ctx context.Context, max int) ([]string, string, error)

	// GetMessage fetches and parses one message.
	GetMessage(ctx context.Context, id string) (*email.Message, error)

	Archive(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, messageID string) error
	MarkSpam(ctx context.Context, messageID string) error
	MoveFolder(ctx context.Context, messageID, folder string) error

	// GetLabel resolves a label name to its id, KindNotFound if absent.
	GetLabel(ctx context.Context, name string) (string, error)
	// CreateLabel creates a label and returns its id.
	CreateLabel(ctx context.Context, name string) (string, error)
	// AddLabel attaches a label id to a message.
	AddLabel(ctx context.Context, messageID, labelID string) error

	Reply(ctx context.Context, original *email.Message, out *email.Outbound) error
	Forward(ctx context.Context, original *email.Message, out *email.Outbound) error
	Send(ctx context.Context, out *email.Outbound) error
	Draft(ctx context.Context, out *email.Outbound) error
}
