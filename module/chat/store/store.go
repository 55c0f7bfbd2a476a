package store

import (
	"context"

	"PPMessenger/module/chat/model"
	"PPMessenger/tools/errs"
)

var (
	// ErrNotFound is returned (wrapped) for missing users, conversations and messages.
	ErrNotFound = &errs.ErrRecordNotFound
	// ErrExists is returned when a unique value is taken.
	ErrExists = &errs.ErrRecordIsExist
	// ErrNotMember is returned when a user acts on a conversation they do not belong to.
	ErrNotMember = &errs.ErrNotMember
)

type UserStore interface {
	CreateUser(ctx context.Context, username, pgpPublic string) (*model.User, error)
	UserByID(ctx context.Context, id int64) (*model.User, error)
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, name string, memberIDs []int64) (*model.Conversation, error)
	ConversationByID(ctx context.Context, id int64) (*model.Conversation, error)
	// DeleteConversation removes the conversation with its messages and
	// returns it as it was before deletion.
	DeleteConversation(ctx context.Context, id int64) (*model.Conversation, error)
	// UpdateMembers applies add then remove and reports which ids actually
	// changed membership.
	UpdateMembers(ctx context.Context, id int64, add, remove []int64) (conv *model.Conversation, added, removed []int64, err error)
	// MemberConversationIDs lists, ascending, the conversations userID
	// belongs to. A non-nil filter restricts the result to ids in filter.
	MemberConversationIDs(ctx context.Context, userID int64, filter []int64) ([]int64, error)
}

type MessageStore interface {
	// CreateMessage inserts a message and records its PrevID in the same
	// atomic step. The author must be a member of the conversation.
	CreateMessage(ctx context.Context, conversationID, authorID int64, body string) (*model.Message, error)
	MessageByID(ctx context.Context, id int64) (*model.Message, error)
	UpdateMessage(ctx context.Context, id int64, body string) (*model.Message, error)
	DeleteMessage(ctx context.Context, id int64) (*model.Message, error)
}

// Store is the persistence boundary of the messenger.
type Store interface {
	UserStore
	ConversationStore
	MessageStore
	Close()
}

func dedupeIDs(in []int64) []int64 {
	seen := make(map[int64]struct{}, len(in))
	out := make([]int64, 0, len(in))
	for _, id := range in {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
