package chat

import (
	"regexp"
	"strconv"
)

// StreamKind classifies a client-facing stream name.
type StreamKind int

const (
	StreamInvalid StreamKind = iota
	StreamConversation
	StreamAllChats
	StreamUser
)

// Stream is a parsed client stream name such as "7@chat", "all@chat" or "user".
type Stream struct {
	Kind           StreamKind
	ConversationID int64
}

const (
	AllChatsStream = "all@chat"
	UserStream     = "user"
)

var streamPattern = regexp.MustCompile(`^(?:([0-9]+|all)@chat|chat:([0-9]+|all)|chat_([0-9]+)|(user))$`)

// ParseStream matches s against the stream grammar. Besides the canonical
// "<id>@chat", "all@chat" and "user" it accepts the "chat:<id>", "chat:all"
// and "chat_<id>" spellings.
func ParseStream(s string) (Stream, bool) {
	m := streamPattern.FindStringSubmatch(s)
	if m == nil {
		return Stream{}, false
	}
	if m[4] != "" {
		return Stream{Kind: StreamUser}, true
	}
	target := m[1] + m[2] + m[3]
	if target == "all" {
		return Stream{Kind: StreamAllChats}, true
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil || id <= 0 {
		return Stream{}, false
	}
	return Stream{Kind: StreamConversation, ConversationID: id}, true
}

// String renders the canonical client spelling.
func (s Stream) String() string {
	switch s.Kind {
	case StreamConversation:
		return ConversationStream(s.ConversationID)
	case StreamAllChats:
		return AllChatsStream
	case StreamUser:
		return UserStream
	}
	return ""
}

func ConversationStream(id int64) string {
	return strconv.FormatInt(id, 10) + "@chat"
}

// ConversationTopic is the registry topic carrying a conversation's events.
func ConversationTopic(id int64) string {
	return "chat:" + strconv.FormatInt(id, 10)
}

// UserTopic is the registry topic carrying a user's personal events.
func UserTopic(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}
