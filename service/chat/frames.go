package chat

import (
	"encoding/json"
	"time"

	"PPMessenger/module/chat/model"
	"PPMessenger/tools/errs"
)

// Server -> client frame types.
const (
	TypeAccept            = "websocket.accept"
	TypeListSubscriptions = "websocket.list_subscriptions"
	TypeError             = "websocket.error"
	TypeNewMessage        = "chat.new_message"
	TypeEditMessage       = "chat.edit_message"
	TypeDeleteMessage     = "chat.delete_message"
	TypeNewConversation   = "user.new_conversation"
	TypeDelConversation   = "user.delete_conversation"
)

// Client -> server methods.
const (
	MethodSubscribe         = "websocket.subscribe"
	MethodUnsubscribe       = "websocket.unsubscribe"
	MethodListSubscriptions = "websocket.list_subscriptions"
	MethodNewMessage        = "chat.new_message"
)

// Event is one fan-out unit. Payload is the encoded client frame, built once
// per mutation and shared by every recipient.
type Event struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Topic          string          `json:"topic"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

type acceptFrame struct {
	Type          string  `json:"type"`
	Conversations []int64 `json:"conversations"`
}

type listFrame struct {
	Type     string   `json:"type"`
	Streams  []string `json:"streams"`
	AllChats bool     `json:"all@chat"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

type messageFields struct {
	ID           int64   `json:"id"`
	User         string  `json:"user"`
	Conversation int64   `json:"conversation"`
	Message      string  `json:"message"`
	CreatedAt    float64 `json:"created_at"`
	UpdatedAt    float64 `json:"updated_at"`
}

type newMessageFrame struct {
	Type   string `json:"type"`
	PrevID *int64 `json:"prevId"`
	messageFields
}

type editMessageFrame struct {
	Type string `json:"type"`
	messageFields
}

type deleteMessageFrame struct {
	Type         string `json:"type"`
	Conversation int64  `json:"conversation"`
	ID           int64  `json:"id"`
}

type conversationFrame struct {
	Type  string         `json:"type"`
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Users []model.Member `json:"users"`
}

type deleteConversationFrame struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fieldsOf(m *model.Message) messageFields {
	return messageFields{
		ID:           m.ID,
		User:         m.Author,
		Conversation: m.ConversationID,
		Message:      m.Body,
		CreatedAt:    unixSeconds(m.CreatedAt),
		UpdatedAt:    unixSeconds(m.UpdatedAt),
	}
}

func encodeNewMessage(m *model.Message) ([]byte, error) {
	return json.Marshal(newMessageFrame{Type: TypeNewMessage, PrevID: m.PrevID, messageFields: fieldsOf(m)})
}

func encodeEditMessage(m *model.Message) ([]byte, error) {
	return json.Marshal(editMessageFrame{Type: TypeEditMessage, messageFields: fieldsOf(m)})
}

func encodeDeleteMessage(m *model.Message) ([]byte, error) {
	return json.Marshal(deleteMessageFrame{Type: TypeDeleteMessage, Conversation: m.ConversationID, ID: m.ID})
}

func encodeNewConversation(c *model.Conversation) ([]byte, error) {
	users := c.Members
	if users == nil {
		users = []model.Member{}
	}
	return json.Marshal(conversationFrame{Type: TypeNewConversation, ID: c.ID, Name: c.Name, Users: users})
}

func encodeDeleteConversation(id int64) ([]byte, error) {
	return json.Marshal(deleteConversationFrame{Type: TypeDelConversation, ID: id})
}

func encodeAccept(ids []int64) []byte {
	if ids == nil {
		ids = []int64{}
	}
	b, _ := json.Marshal(acceptFrame{Type: TypeAccept, Conversations: ids})
	return b
}

func encodeList(streams []string, all bool) []byte {
	if streams == nil {
		streams = []string{}
	}
	b, _ := json.Marshal(listFrame{Type: TypeListSubscriptions, Streams: streams, AllChats: all})
	return b
}

// encodeError renders err for the client. Only CodeErrors below the internal
// range expose their message; everything else becomes a generic internal error.
func encodeError(err error) []byte {
	f := errorFrame{Type: TypeError, Error: errs.ErrInternal.Msg, Code: errs.ErrInternal.Code}
	if ce, ok := errs.As(err); ok && ce.Code != errs.ServerInternalError {
		f.Error = ce.Msg
		f.Code = ce.Code
	}
	b, _ := json.Marshal(f)
	return b
}
