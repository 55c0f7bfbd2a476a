package chat

import (
	"context"

	"PPMessenger/module/chat/model"
)

// MutationKind tags a committed change that subscribers must hear about.
type MutationKind int

const (
	MessageCreated MutationKind = iota + 1
	MessageEdited
	MessageDeleted
	ConversationCreated
	ConversationDeleted
	MembersChanged
)

func (k MutationKind) String() string {
	switch k {
	case MessageCreated:
		return "message_created"
	case MessageEdited:
		return "message_edited"
	case MessageDeleted:
		return "message_deleted"
	case ConversationCreated:
		return "conversation_created"
	case ConversationDeleted:
		return "conversation_deleted"
	case MembersChanged:
		return "members_changed"
	}
	return "unknown"
}

// Mutation is a committed store change. Which fields are set depends on Kind:
// message kinds carry Message, conversation kinds carry Conversation, and
// MembersChanged also carries Added and Removed user ids.
type Mutation struct {
	Kind         MutationKind
	Message      *model.Message
	Conversation *model.Conversation
	Added        []int64
	Removed      []int64
}

// Gateway is called by the write path after each commit.
type Gateway interface {
	OnMessageCreated(ctx context.Context, m *model.Message) error
	OnMessageEdited(ctx context.Context, m *model.Message) error
	OnMessageDeleted(ctx context.Context, m *model.Message) error
	OnConversationCreated(ctx context.Context, c *model.Conversation) error
	OnConversationDeleted(ctx context.Context, c *model.Conversation) error
	OnMembersChanged(ctx context.Context, c *model.Conversation, added, removed []int64) error
	Apply(ctx context.Context, m Mutation) error
}
