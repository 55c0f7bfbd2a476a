package model

import "time"

const MsgTableName = "message"

// Message is one ciphertext posted to a conversation. Body is opaque to the
// server.
//
// PrevID is the greatest message id in the same conversation that existed
// when this message was inserted. It is fixed at creation and never
// rewritten, so clients can use it as a sync checkpoint.
type Message struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID int64     `json:"conversation" db:"conversation_id"`
	AuthorID       int64     `json:"-" db:"author_id"`
	Author         string    `json:"user" db:"username"`
	Body           string    `json:"message" db:"body"`
	PrevID         *int64    `json:"-" db:"prev_id"`
	CreatedAt      time.Time `json:"-" db:"created_at"`
	UpdatedAt      time.Time `json:"-" db:"updated_at"`
}

func (m *Message) GetTableName() string {
	return MsgTableName
}
