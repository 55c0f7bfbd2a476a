package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"PPMessenger/module/chat/model"
	"PPMessenger/tools/errs"
)

// Memory is an in-process Store. It is used by tests and by single-node
// deployments without a database.
type Memory struct {
	mu sync.RWMutex

	users    map[int64]*model.User
	convs    map[int64]*memConv
	messages map[int64]*model.Message

	nextUser, nextConv, nextMsg int64
	now                         func() time.Time
}

type memConv struct {
	id        int64
	name      string
	members   []int64 // insertion order
	createdAt time.Time
	lastMsg   int64 // 0 when the conversation has no messages
}

func NewMemory() *Memory {
	return &Memory{
		users:    make(map[int64]*model.User),
		convs:    make(map[int64]*memConv),
		messages: make(map[int64]*model.Message),
		now:      time.Now,
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateUser(_ context.Context, username, pgpPublic string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errs.ErrMalformedPayload.WrapMsg("empty username")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return nil, ErrExists.WrapMsg("user", "username", username)
		}
	}
	m.nextUser++
	u := &model.User{ID: m.nextUser, Username: username, PGPPublic: pgpPublic, IsActive: true}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *Memory) UserByID(_ context.Context, id int64) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok || !u.IsActive {
		return nil, ErrNotFound.WrapMsg("user", "id", id)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) CreateConversation(_ context.Context, name string, memberIDs []int64) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	memberIDs = dedupeIDs(memberIDs)
	for _, id := range memberIDs {
		if _, ok := m.users[id]; !ok {
			return nil, ErrNotFound.WrapMsg("conversation member", "user", id)
		}
	}
	m.nextConv++
	c := &memConv{id: m.nextConv, name: name, members: memberIDs, createdAt: m.now()}
	m.convs[c.id] = c
	return m.viewLocked(c), nil
}

func (m *Memory) ConversationByID(_ context.Context, id int64) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound.WrapMsg("conversation", "id", id)
	}
	return m.viewLocked(c), nil
}

func (m *Memory) DeleteConversation(_ context.Context, id int64) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, ErrNotFound.WrapMsg("conversation", "id", id)
	}
	view := m.viewLocked(c)
	for mid, msg := range m.messages {
		if msg.ConversationID == id {
			delete(m.messages, mid)
		}
	}
	delete(m.convs, id)
	return view, nil
}

func (m *Memory) UpdateMembers(_ context.Context, id int64, add, remove []int64) (*model.Conversation, []int64, []int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, nil, nil, ErrNotFound.WrapMsg("conversation", "id", id)
	}
	for _, uid := range add {
		if _, ok := m.users[uid]; !ok {
			return nil, nil, nil, ErrNotFound.WrapMsg("conversation member", "user", uid)
		}
	}

	current := make(map[int64]struct{}, len(c.members))
	for _, uid := range c.members {
		current[uid] = struct{}{}
	}
	var added, removed []int64
	for _, uid := range dedupeIDs(add) {
		if _, ok := current[uid]; ok {
			continue
		}
		current[uid] = struct{}{}
		c.members = append(c.members, uid)
		added = append(added, uid)
	}
	drop := make(map[int64]struct{}, len(remove))
	for _, uid := range dedupeIDs(remove) {
		if _, ok := current[uid]; !ok {
			continue
		}
		drop[uid] = struct{}{}
		removed = append(removed, uid)
	}
	if len(drop) > 0 {
		kept := c.members[:0]
		for _, uid := range c.members {
			if _, ok := drop[uid]; !ok {
				kept = append(kept, uid)
			}
		}
		c.members = kept
	}
	return m.viewLocked(c), added, removed, nil
}

func (m *Memory) MemberConversationIDs(_ context.Context, userID int64, filter []int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var want map[int64]struct{}
	if filter != nil {
		want = make(map[int64]struct{}, len(filter))
		for _, id := range filter {
			want[id] = struct{}{}
		}
	}
	out := make([]int64, 0)
	for id, c := range m.convs {
		if want != nil {
			if _, ok := want[id]; !ok {
				continue
			}
		}
		for _, uid := range c.members {
			if uid == userID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, conversationID, authorID int64, body string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[conversationID]
	if !ok {
		return nil, ErrNotFound.WrapMsg("conversation", "id", conversationID)
	}
	author, ok := m.users[authorID]
	if !ok {
		return nil, ErrNotFound.WrapMsg("user", "id", authorID)
	}
	if !containsID(c.members, authorID) {
		return nil, ErrNotMember.WrapMsg("post", "conversation", conversationID, "user", authorID)
	}

	m.nextMsg++
	now := m.now()
	msg := &model.Message{
		ID:             m.nextMsg,
		ConversationID: conversationID,
		AuthorID:       authorID,
		Author:         author.Username,
		Body:           body,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.lastMsg != 0 {
		if _, alive := m.messages[c.lastMsg]; alive {
			prev := c.lastMsg
			msg.PrevID = &prev
		} else if prev := m.lastAliveLocked(conversationID, msg.ID); prev != 0 {
			msg.PrevID = &prev
		}
	}
	c.lastMsg = msg.ID
	m.messages[msg.ID] = msg
	return copyMessage(msg), nil
}

func (m *Memory) MessageByID(_ context.Context, id int64) (*model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound.WrapMsg("message", "id", id)
	}
	return copyMessage(msg), nil
}

func (m *Memory) UpdateMessage(_ context.Context, id int64, body string) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound.WrapMsg("message", "id", id)
	}
	msg.Body = body
	msg.UpdatedAt = m.now()
	return copyMessage(msg), nil
}

func (m *Memory) DeleteMessage(_ context.Context, id int64) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound.WrapMsg("message", "id", id)
	}
	delete(m.messages, id)
	return copyMessage(msg), nil
}

// lastAliveLocked returns the greatest live message id below before.
func (m *Memory) lastAliveLocked(conversationID, before int64) int64 {
	var best int64
	for id, msg := range m.messages {
		if msg.ConversationID == conversationID && id < before && id > best {
			best = id
		}
	}
	return best
}

func (m *Memory) viewLocked(c *memConv) *model.Conversation {
	out := &model.Conversation{ID: c.id, Name: c.name, CreatedAt: c.createdAt}
	out.Members = make([]model.Member, 0, len(c.members))
	for _, uid := range c.members {
		if u, ok := m.users[uid]; ok {
			out.Members = append(out.Members, u.AsMember())
		}
	}
	return out
}

func containsID(ids []int64, id int64) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func copyMessage(msg *model.Message) *model.Message {
	cp := *msg
	if msg.PrevID != nil {
		prev := *msg.PrevID
		cp.PrevID = &prev
	}
	return &cp
}
