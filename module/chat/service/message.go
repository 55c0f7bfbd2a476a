package service

import (
	"context"
	"strings"
	"sync"

	"PPMessenger/module/chat/model"
	"PPMessenger/module/chat/store"
	"PPMessenger/service/chat"
	"PPMessenger/tools/errs"

	"go.uber.org/zap"
)

// MessageService is the write path. Every method commits to the store first
// and only then hands the committed entity to the gateway. Commit and
// dispatch run under one lock so each topic publishes in commit order:
// convs covers a conversation's topic, members covers the user topics that
// conversation and membership changes publish to. members is taken first.
type MessageService struct {
	store store.Store
	gw    chat.Gateway
	log   *zap.Logger

	convs   stripedLock
	members sync.Mutex
}

func NewMessageService(st store.Store, gw chat.Gateway, log *zap.Logger) *MessageService {
	return &MessageService{store: st, gw: gw, log: log}
}

// notify reports gateway failures without failing the request; the change
// is already durable.
func (s *MessageService) notify(kind chat.MutationKind, err error) {
	if err != nil {
		s.log.Warn("fan-out failed after commit", zap.String("kind", kind.String()), zap.Error(err))
	}
}

// PostMessage stores a message from a conversation member and fans it out.
func (s *MessageService) PostMessage(ctx context.Context, authorID, conversationID int64, body string) (*model.Message, error) {
	defer s.convs.lock(conversationID)()
	msg, err := s.store.CreateMessage(ctx, conversationID, authorID, body)
	if err != nil {
		return nil, err
	}
	s.notify(chat.MessageCreated, s.gw.OnMessageCreated(ctx, msg))
	return msg, nil
}

// EditMessage replaces the body of the caller's own message. The stored
// prev id is left as it was.
func (s *MessageService) EditMessage(ctx context.Context, userID, messageID int64, body string) (*model.Message, error) {
	own, err := s.ownMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	defer s.convs.lock(own.ConversationID)()
	msg, err := s.store.UpdateMessage(ctx, messageID, body)
	if err != nil {
		return nil, err
	}
	s.notify(chat.MessageEdited, s.gw.OnMessageEdited(ctx, msg))
	return msg, nil
}

func (s *MessageService) DeleteMessage(ctx context.Context, userID, messageID int64) (*model.Message, error) {
	own, err := s.ownMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	defer s.convs.lock(own.ConversationID)()
	msg, err := s.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.notify(chat.MessageDeleted, s.gw.OnMessageDeleted(ctx, msg))
	return msg, nil
}

func (s *MessageService) ownMessage(ctx context.Context, userID, messageID int64) (*model.Message, error) {
	msg, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.AuthorID != userID {
		return nil, errs.ErrForbidden.WrapMsg("not the author", "message", messageID, "user", userID)
	}
	return msg, nil
}

// CreateConversation creates a conversation. The creator is always a member.
func (s *MessageService) CreateConversation(ctx context.Context, userID int64, name string, memberIDs []int64) (*model.Conversation, error) {
	members := append([]int64{userID}, memberIDs...)
	s.members.Lock()
	defer s.members.Unlock()
	conv, err := s.store.CreateConversation(ctx, strings.TrimSpace(name), members)
	if err != nil {
		return nil, err
	}
	s.notify(chat.ConversationCreated, s.gw.OnConversationCreated(ctx, conv))
	return conv, nil
}

// DeleteConversation removes a conversation the caller belongs to.
func (s *MessageService) DeleteConversation(ctx context.Context, userID, conversationID int64) (*model.Conversation, error) {
	if err := s.member(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	s.members.Lock()
	defer s.members.Unlock()
	defer s.convs.lock(conversationID)()
	conv, err := s.store.DeleteConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	s.notify(chat.ConversationDeleted, s.gw.OnConversationDeleted(ctx, conv))
	return conv, nil
}

// UpdateMembers adds and removes members of a conversation the caller
// belongs to.
func (s *MessageService) UpdateMembers(ctx context.Context, userID, conversationID int64, add, remove []int64) (*model.Conversation, error) {
	if err := s.member(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	s.members.Lock()
	defer s.members.Unlock()
	defer s.convs.lock(conversationID)()
	conv, added, removed, err := s.store.UpdateMembers(ctx, conversationID, add, remove)
	if err != nil {
		return nil, err
	}
	if len(added) > 0 || len(removed) > 0 {
		s.notify(chat.MembersChanged, s.gw.OnMembersChanged(ctx, conv, added, removed))
	}
	return conv, nil
}

func (s *MessageService) member(ctx context.Context, userID, conversationID int64) error {
	conv, err := s.store.ConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasMember(userID) {
		return store.ErrNotMember.WrapMsg("", "conversation", conversationID, "user", userID)
	}
	return nil
}

// Conversation returns a conversation the caller belongs to.
func (s *MessageService) Conversation(ctx context.Context, userID, conversationID int64) (*model.Conversation, error) {
	if err := s.member(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ConversationByID(ctx, conversationID)
}
