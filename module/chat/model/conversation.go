package model

import "time"

// Conversation is a named group of users exchanging messages.
type Conversation struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Members   []Member  `json:"users"`
	CreatedAt time.Time `json:"-" db:"created_at"`
}

func (c *Conversation) GetTableName() string {
	return "conversation"
}

// Member is the public projection of a user inside a conversation.
type Member struct {
	ID        int64  `json:"-" db:"id"`
	Username  string `json:"username" db:"username"`
	PGPPublic string `json:"pgp_public" db:"pgp_public"`
}

// MemberIDs returns the ids of every member, in member order.
func (c *Conversation) MemberIDs() []int64 {
	out := make([]int64, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, m.ID)
	}
	return out
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID int64) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

// ConversationMemberTableName is the join table between users and conversations.
const ConversationMemberTableName = "conversation_member"
