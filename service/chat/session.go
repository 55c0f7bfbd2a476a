package chat

import (
	"context"
	"sort"
	"sync/atomic"

	"PPMessenger/module/chat/model"
	"PPMessenger/tools/decode"
	"PPMessenger/tools/errs"
	"PPMessenger/tools/safe"

	"go.uber.org/zap"
)

type SessionState int32

const (
	Connecting SessionState = iota
	Active
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MessagePoster persists a new message. Implementations commit first and
// then notify the Gateway, so the poster's own session sees the message
// through normal fan-out only.
type MessagePoster interface {
	PostMessage(ctx context.Context, authorID, conversationID int64, body string) (*model.Message, error)
}

// MembershipStore resolves which conversations a user may subscribe to.
type MembershipStore interface {
	MemberConversationIDs(ctx context.Context, userID int64, filter []int64) ([]int64, error)
}

type SessionConfig struct {
	ID   string
	User *model.User
	// Fixed, when non-zero, pins the session to that one conversation and
	// disables subscribe and unsubscribe.
	Fixed int64

	Registry *Registry
	Store    MembershipStore
	Poster   MessagePoster
	Log      *zap.Logger

	InboxSize    int
	CommandQueue int
	SendQueue    int
}

func (c *SessionConfig) norm() {
	if c.InboxSize <= 0 {
		c.InboxSize = 256
	}
	if c.CommandQueue <= 0 {
		c.CommandQueue = 16
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
}

// Session is the subscription state of one connection. All state below is
// owned by the goroutine running Run; other goroutines talk to it through
// Enqueue and Deliver only.
type Session struct {
	id    string
	user  *model.User
	fixed int64

	reg    *Registry
	store  MembershipStore
	poster MessagePoster
	log    *zap.Logger

	state atomic.Int32
	cmds  chan []byte
	inbox chan *Event
	out   chan []byte
	done  chan struct{}

	tracked  map[int64]struct{}
	allChats bool
	userFeed bool
}

func NewSession(c SessionConfig) *Session {
	c.norm()
	safe.MustNotNil(c.User, "session user")
	safe.MustNotNil(c.Registry, "session registry")
	return &Session{
		id:      c.ID,
		user:    c.User,
		fixed:   c.Fixed,
		reg:     c.Registry,
		store:   c.Store,
		poster:  c.Poster,
		log:     c.Log.With(zap.String("session", c.ID), zap.Int64("user", c.User.ID)),
		cmds:    make(chan []byte, c.CommandQueue),
		inbox:   make(chan *Event, c.InboxSize),
		out:     make(chan []byte, c.SendQueue),
		done:    make(chan struct{}),
		tracked: make(map[int64]struct{}),
	}
}

func (s *Session) ID() string            { return s.id }
func (s *Session) User() *model.User     { return s.user }
func (s *Session) State() SessionState   { return SessionState(s.state.Load()) }
func (s *Session) Done() <-chan struct{} { return s.done }

// Outbound yields encoded frames for the client. It is closed when the
// session closes.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Activate joins the personal topic and the initial conversations, and
// queues the accept frame when announce is set. Call it once, before Run.
func (s *Session) Activate(initial []int64, announce bool) {
	s.reg.Join(UserTopic(s.user.ID), s)
	for _, id := range initial {
		s.joinConversation(id)
	}
	s.state.Store(int32(Active))
	if announce {
		s.out <- encodeAccept(initial)
	}
	s.log.Debug("session active", zap.Int64s("conversations", initial), zap.Int64("fixed", s.fixed))
}

// Enqueue hands a raw client frame to the session. It blocks while the
// command queue is full and returns false once the session is closed.
func (s *Session) Enqueue(raw []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.cmds <- raw:
		return true
	case <-s.done:
		return false
	}
}

// Deliver queues a fan-out event without blocking. A full inbox drops the
// event for this session only.
func (s *Session) Deliver(ev *Event) bool {
	if s.State() == Closed {
		return false
	}
	select {
	case <-s.done:
		return false
	case s.inbox <- ev:
		return true
	default:
		s.log.Warn("inbox full, event dropped", zap.Int64("event", ev.ID), zap.String("topic", ev.Topic))
		return false
	}
}

// Run processes commands and events in order until ctx ends, then leaves
// every topic and closes Outbound.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.state.Store(int32(Closed))
		left := s.reg.LeaveAll(s)
		close(s.done)
		close(s.out)
		s.log.Debug("session closed", zap.Strings("topics", left))
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.cmds:
			s.handleCommand(ctx, raw)
		case ev := <-s.inbox:
			if !s.handleEvent(ctx, ev) {
				return
			}
		}
	}
}

func (s *Session) send(ctx context.Context, b []byte) {
	select {
	case s.out <- b:
	case <-ctx.Done():
	}
}

func (s *Session) sendError(ctx context.Context, err error) {
	if ce, ok := errs.As(err); !ok || ce.Code == errs.ServerInternalError {
		s.log.Error("command failed", zap.Error(err))
	} else {
		s.log.Debug("command rejected", zap.Error(err))
	}
	s.send(ctx, encodeError(err))
}

type streamsCmd struct {
	Streams []string `json:"streams"`
}

type newMessageCmd struct {
	Message      *string `json:"message"`
	Conversation *int64  `json:"conversation"`
}

func (s *Session) handleCommand(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.sendError(ctx, errs.ErrPanic(r))
		}
	}()

	m, err := decode.Object(raw)
	if err != nil {
		s.sendError(ctx, errs.ErrMalformedPayload.WrapMsg(err.Error()))
		return
	}
	v, ok := m["method"]
	if !ok || v == nil || v == "" {
		s.sendError(ctx, errs.ErrMissingMethod.Wrap())
		return
	}
	method, ok := v.(string)
	if !ok {
		s.sendError(ctx, errs.ErrMalformedPayload.WrapMsg("method is not a string"))
		return
	}

	switch method {
	case MethodSubscribe, MethodUnsubscribe:
		if s.fixed != 0 {
			s.sendError(ctx, errs.ErrForbidden.WrapMsg("single conversation connection", "method", method))
			return
		}
		cmd, err := decode.DecodeMap[streamsCmd](m)
		if err != nil {
			s.sendError(ctx, errs.ErrMalformedPayload.WrapMsg(err.Error()))
			return
		}
		if method == MethodSubscribe {
			err = s.subscribe(ctx, cmd.Streams)
		} else {
			s.unsubscribe(cmd.Streams)
		}
		if err != nil {
			s.sendError(ctx, err)
			return
		}
		s.send(ctx, s.listFrame())
	case MethodListSubscriptions:
		s.send(ctx, s.listFrame())
	case MethodNewMessage:
		cmd, err := decode.DecodeMap[newMessageCmd](m)
		if err != nil {
			s.sendError(ctx, errs.ErrMalformedPayload.WrapMsg(err.Error()))
			return
		}
		if err := s.newMessage(ctx, cmd); err != nil {
			s.sendError(ctx, err)
		}
	default:
		s.sendError(ctx, errs.ErrUnknownMethod.WrapMsg("", "method", method))
	}
}

// subscribe joins the streams the user is allowed to see. Conversations the
// user is not a member of are dropped without error.
func (s *Session) subscribe(ctx context.Context, streams []string) error {
	var (
		want    []int64
		seen    = make(map[int64]struct{})
		wantAll bool
	)
	for _, name := range streams {
		st, ok := ParseStream(name)
		if !ok {
			continue
		}
		switch st.Kind {
		case StreamConversation:
			if _, dup := seen[st.ConversationID]; !dup {
				seen[st.ConversationID] = struct{}{}
				want = append(want, st.ConversationID)
			}
		case StreamAllChats:
			wantAll = true
		case StreamUser:
			s.userFeed = true
		}
	}

	if wantAll {
		ids, err := s.store.MemberConversationIDs(ctx, s.user.ID, nil)
		if err != nil {
			return err
		}
		for _, id := range ids {
			s.joinConversation(id)
		}
		s.allChats = true
	}
	if len(want) > 0 {
		ids, err := s.store.MemberConversationIDs(ctx, s.user.ID, want)
		if err != nil {
			return err
		}
		for _, id := range ids {
			s.joinConversation(id)
		}
	}
	return nil
}

// unsubscribe leaves the given streams. Leaving all@chat also leaves every
// conversation currently tracked.
func (s *Session) unsubscribe(streams []string) {
	for _, name := range streams {
		st, ok := ParseStream(name)
		if !ok {
			continue
		}
		switch st.Kind {
		case StreamConversation:
			s.leaveConversation(st.ConversationID)
		case StreamAllChats:
			s.allChats = false
			for id := range s.tracked {
				s.leaveConversation(id)
			}
		case StreamUser:
			s.userFeed = false
		}
	}
}

func (s *Session) newMessage(ctx context.Context, cmd *newMessageCmd) error {
	if cmd.Message == nil {
		return errs.ErrMalformedPayload.WrapMsg("message required")
	}
	var convID int64
	switch {
	case cmd.Conversation != nil:
		convID = *cmd.Conversation
	case s.fixed != 0:
		convID = s.fixed
	default:
		return errs.ErrMalformedPayload.WrapMsg("conversation required")
	}
	if s.fixed != 0 && convID != s.fixed {
		return errs.ErrNotSubscribed.WrapMsg("", "conversation", convID)
	}
	if _, ok := s.tracked[convID]; !ok && !s.allChats {
		return errs.ErrNotSubscribed.WrapMsg("", "conversation", convID)
	}
	if s.poster == nil {
		return errs.ErrInternal.WrapMsg("no message poster")
	}
	// the write completes even if the client goes away meanwhile
	_, err := s.poster.PostMessage(context.WithoutCancel(ctx), s.user.ID, convID, *cmd.Message)
	return err
}

// handleEvent forwards ev to the client when the session still wants it.
// It returns false when the session must end.
func (s *Session) handleEvent(ctx context.Context, ev *Event) bool {
	switch ev.Type {
	case TypeNewConversation:
		if s.fixed == 0 && s.allChats {
			s.joinConversation(ev.ConversationID)
		}
		if s.userFeed {
			s.send(ctx, ev.Payload)
		}
	case TypeDelConversation:
		s.leaveConversation(ev.ConversationID)
		if s.userFeed {
			s.send(ctx, ev.Payload)
		}
		if s.fixed != 0 && s.fixed == ev.ConversationID {
			s.log.Info("fixed conversation gone, closing session")
			return false
		}
	default:
		if _, ok := s.tracked[ev.ConversationID]; ok {
			s.send(ctx, ev.Payload)
		}
	}
	return true
}

func (s *Session) joinConversation(id int64) {
	s.tracked[id] = struct{}{}
	s.reg.Join(ConversationTopic(id), s)
}

func (s *Session) leaveConversation(id int64) {
	if _, ok := s.tracked[id]; !ok {
		return
	}
	delete(s.tracked, id)
	s.reg.Leave(ConversationTopic(id), s)
}

// streams returns the tracked conversations as client stream names, sorted
// by id, followed by "user" when the personal feed is on.
func (s *Session) streams() []string {
	ids := make([]int64, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		out = append(out, ConversationStream(id))
	}
	if s.userFeed {
		out = append(out, UserStream)
	}
	return out
}

func (s *Session) listFrame() []byte {
	return encodeList(s.streams(), s.allChats)
}
