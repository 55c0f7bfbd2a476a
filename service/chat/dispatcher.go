package chat

import (
	"context"

	"PPMessenger/module/chat/model"
	"PPMessenger/tools/ids"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type routedEvent struct {
	topic string
	ev    *Event
}

// MutationHandler turns a mutation into the events to publish.
type MutationHandler func(m Mutation) ([]routedEvent, error)

// Dispatcher implements Gateway. It selects a handler by mutation kind and
// publishes the resulting events through the broker.
type Dispatcher struct {
	broker   Broker
	log      *zap.Logger
	handlers map[MutationKind]MutationHandler
}

func NewDispatcher(broker Broker, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		broker:   broker,
		log:      log,
		handlers: make(map[MutationKind]MutationHandler),
	}
	d.Register(MessageCreated, messageCreated)
	d.Register(MessageEdited, messageEdited)
	d.Register(MessageDeleted, messageDeleted)
	d.Register(ConversationCreated, conversationCreated)
	d.Register(ConversationDeleted, conversationDeleted)
	d.Register(MembersChanged, membersChanged)
	return d
}

func (d *Dispatcher) Register(kind MutationKind, h MutationHandler) { d.handlers[kind] = h }

// Apply publishes the events for m. Every event is attempted; the first
// publish error is returned.
func (d *Dispatcher) Apply(ctx context.Context, m Mutation) error {
	h, ok := d.handlers[m.Kind]
	if !ok {
		return errors.Errorf("no handler for mutation kind=%d", m.Kind)
	}
	events, err := h(m)
	if err != nil {
		return errors.WithMessagef(err, "mutation %s", m.Kind)
	}
	var first error
	for _, re := range events {
		if err := d.broker.Publish(ctx, re.topic, re.ev); err != nil {
			d.log.Warn("publish failed",
				zap.String("kind", m.Kind.String()), zap.String("topic", re.topic), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	d.log.Debug("mutation dispatched", zap.String("kind", m.Kind.String()), zap.Int("events", len(events)))
	return first
}

func (d *Dispatcher) OnMessageCreated(ctx context.Context, m *model.Message) error {
	return d.Apply(ctx, Mutation{Kind: MessageCreated, Message: m})
}

func (d *Dispatcher) OnMessageEdited(ctx context.Context, m *model.Message) error {
	return d.Apply(ctx, Mutation{Kind: MessageEdited, Message: m})
}

func (d *Dispatcher) OnMessageDeleted(ctx context.Context, m *model.Message) error {
	return d.Apply(ctx, Mutation{Kind: MessageDeleted, Message: m})
}

func (d *Dispatcher) OnConversationCreated(ctx context.Context, c *model.Conversation) error {
	return d.Apply(ctx, Mutation{Kind: ConversationCreated, Conversation: c})
}

func (d *Dispatcher) OnConversationDeleted(ctx context.Context, c *model.Conversation) error {
	return d.Apply(ctx, Mutation{Kind: ConversationDeleted, Conversation: c})
}

func (d *Dispatcher) OnMembersChanged(ctx context.Context, c *model.Conversation, added, removed []int64) error {
	return d.Apply(ctx, Mutation{Kind: MembersChanged, Conversation: c, Added: added, Removed: removed})
}

func newEvent(typ, topic string, convID int64, payload []byte) *Event {
	return &Event{ID: ids.Generate(), Type: typ, Topic: topic, ConversationID: convID, Payload: payload}
}

func messageEvent(m Mutation, typ string, encode func(*model.Message) ([]byte, error)) ([]routedEvent, error) {
	if m.Message == nil {
		return nil, errors.New("message missing")
	}
	payload, err := encode(m.Message)
	if err != nil {
		return nil, err
	}
	topic := ConversationTopic(m.Message.ConversationID)
	return []routedEvent{{topic: topic, ev: newEvent(typ, topic, m.Message.ConversationID, payload)}}, nil
}

// messageCreated forwards the prev id recorded by the store at insert time.
func messageCreated(m Mutation) ([]routedEvent, error) {
	return messageEvent(m, TypeNewMessage, encodeNewMessage)
}

func messageEdited(m Mutation) ([]routedEvent, error) {
	return messageEvent(m, TypeEditMessage, encodeEditMessage)
}

func messageDeleted(m Mutation) ([]routedEvent, error) {
	return messageEvent(m, TypeDeleteMessage, encodeDeleteMessage)
}

func perUser(userIDs []int64, typ string, convID int64, payload []byte) []routedEvent {
	out := make([]routedEvent, 0, len(userIDs))
	for _, uid := range userIDs {
		topic := UserTopic(uid)
		out = append(out, routedEvent{topic: topic, ev: newEvent(typ, topic, convID, payload)})
	}
	return out
}

func conversationCreated(m Mutation) ([]routedEvent, error) {
	if m.Conversation == nil {
		return nil, errors.New("conversation missing")
	}
	payload, err := encodeNewConversation(m.Conversation)
	if err != nil {
		return nil, err
	}
	return perUser(m.Conversation.MemberIDs(), TypeNewConversation, m.Conversation.ID, payload), nil
}

func conversationDeleted(m Mutation) ([]routedEvent, error) {
	if m.Conversation == nil {
		return nil, errors.New("conversation missing")
	}
	payload, err := encodeDeleteConversation(m.Conversation.ID)
	if err != nil {
		return nil, err
	}
	return perUser(m.Conversation.MemberIDs(), TypeDelConversation, m.Conversation.ID, payload), nil
}

// membersChanged tells added users about the conversation as if it were new
// and removed users as if it were deleted.
func membersChanged(m Mutation) ([]routedEvent, error) {
	if m.Conversation == nil {
		return nil, errors.New("conversation missing")
	}
	var out []routedEvent
	if len(m.Added) > 0 {
		payload, err := encodeNewConversation(m.Conversation)
		if err != nil {
			return nil, err
		}
		out = append(out, perUser(m.Added, TypeNewConversation, m.Conversation.ID, payload)...)
	}
	if len(m.Removed) > 0 {
		payload, err := encodeDeleteConversation(m.Conversation.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, perUser(m.Removed, TypeDelConversation, m.Conversation.ID, payload)...)
	}
	return out, nil
}
