package chat

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"PPMessenger/module/chat/model"
	"PPMessenger/module/chat/store"
	"PPMessenger/tools/ids"

	"go.uber.org/zap"
)

const frameWait = 2 * time.Second

// frame is the union of every server frame field the tests look at.
type frame struct {
	Type          string   `json:"type"`
	Streams       []string `json:"streams"`
	AllChats      bool     `json:"all@chat"`
	Conversations []int64  `json:"conversations"`
	Error         string   `json:"error"`
	Code          int      `json:"code"`

	ID           int64   `json:"id"`
	PrevID       *int64  `json:"prevId"`
	User         string  `json:"user"`
	Conversation int64   `json:"conversation"`
	Message      string  `json:"message"`
	Name         string  `json:"name"`
	CreatedAt    float64 `json:"created_at"`
}

// storePoster commits through the store, then notifies the gateway, the
// same order the message service uses.
type storePoster struct {
	st store.Store
	gw Gateway
}

func (p *storePoster) PostMessage(ctx context.Context, authorID, conversationID int64, body string) (*model.Message, error) {
	msg, err := p.st.CreateMessage(ctx, conversationID, authorID, body)
	if err != nil {
		return nil, err
	}
	_ = p.gw.OnMessageCreated(ctx, msg)
	return msg, nil
}

type harness struct {
	t      *testing.T
	st     *store.Memory
	reg    *Registry
	fan    *Fanout
	gw     *Dispatcher
	poster MessagePoster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	reg := NewRegistry()
	fan := NewFanout(reg, zap.NewNop(), 4, 64)
	t.Cleanup(fan.Stop)
	gw := NewDispatcher(NewLocalBroker(fan), zap.NewNop())
	return &harness{
		t:      t,
		st:     st,
		reg:    reg,
		fan:    fan,
		gw:     gw,
		poster: &storePoster{st: st, gw: gw},
	}
}

func (h *harness) user(name string) *model.User {
	h.t.Helper()
	u, err := h.st.CreateUser(context.Background(), name, "pgp-"+name)
	if err != nil {
		h.t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return u
}

func (h *harness) conversation(name string, members ...*model.User) *model.Conversation {
	h.t.Helper()
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	c, err := h.st.CreateConversation(context.Background(), name, ids)
	if err != nil {
		h.t.Fatalf("CreateConversation(%s): %v", name, err)
	}
	return c
}

// session starts a running session. The session is stopped when the test
// ends.
func (h *harness) session(u *model.User, fixed int64, initial []int64, announce bool) *Session {
	h.t.Helper()
	s := NewSession(SessionConfig{
		ID:       ids.GenerateString(),
		User:     u,
		Fixed:    fixed,
		Registry: h.reg,
		Store:    h.st,
		Poster:   h.poster,
	})
	s.Activate(initial, announce)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	h.t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s
}

func (h *harness) command(s *Session, v any) {
	h.t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		h.t.Fatalf("marshal: %v", err)
	}
	if !s.Enqueue(raw) {
		h.t.Fatalf("session %s closed", s.ID())
	}
}

func nextFrame(t *testing.T, s *Session) frame {
	t.Helper()
	select {
	case raw, ok := <-s.Outbound():
		if !ok {
			t.Fatalf("session %s closed while waiting for a frame", s.ID())
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		return f
	case <-time.After(frameWait):
		t.Fatalf("session %s: no frame within %s", s.ID(), frameWait)
	}
	return frame{}
}

func expectType(t *testing.T, s *Session, typ string) frame {
	t.Helper()
	f := nextFrame(t, s)
	if f.Type != typ {
		t.Fatalf("frame type = %q (%+v), want %q", f.Type, f, typ)
	}
	return f
}

func expectNoFrame(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	select {
	case raw, ok := <-s.Outbound():
		if ok {
			t.Fatalf("unexpected frame %s", raw)
		}
	case <-time.After(d):
	}
}

func subscribeCmd(streams ...string) map[string]any {
	return map[string]any{"method": MethodSubscribe, "streams": streams}
}

func unsubscribeCmd(streams ...string) map[string]any {
	return map[string]any{"method": MethodUnsubscribe, "streams": streams}
}

func newMessageCmdFor(conv int64, body string) map[string]any {
	m := map[string]any{"method": MethodNewMessage, "message": body}
	if conv != 0 {
		m["conversation"] = conv
	}
	return m
}
