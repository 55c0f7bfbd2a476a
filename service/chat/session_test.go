package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"PPMessenger/module/chat/model"
	"PPMessenger/tools/errs"

	"github.com/google/go-cmp/cmp"
)

func TestSessionAcceptFrame(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	c1 := h.conversation("c1", alice)

	s := h.session(alice, 0, []int64{c1.ID}, true)
	f := expectType(t, s, TypeAccept)
	if diff := cmp.Diff([]int64{c1.ID}, f.Conversations); diff != "" {
		t.Fatalf("accept conversations (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{ConversationTopic(c1.ID), UserTopic(alice.ID)}, h.reg.Topics(s)); diff != "" {
		t.Fatalf("topics (-want +got):\n%s", diff)
	}
	if s.State() != Active {
		t.Fatalf("state = %s", s.State())
	}
}

func TestSessionSubscribeDropsNonMember(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user("alice"), h.user("bob")
	mine := h.conversation("mine", alice)
	theirs := h.conversation("theirs", bob)

	s := h.session(alice, 0, nil, true)
	expectType(t, s, TypeAccept)

	h.command(s, subscribeCmd(ConversationStream(mine.ID), ConversationStream(theirs.ID), "garbage"))
	f := expectType(t, s, TypeListSubscriptions)
	if diff := cmp.Diff([]string{ConversationStream(mine.ID)}, f.Streams); diff != "" {
		t.Fatalf("streams (-want +got):\n%s", diff)
	}
	if f.AllChats {
		t.Fatalf("all@chat set without asking")
	}
	if got := len(h.reg.MembersOf(ConversationTopic(theirs.ID))); got != 0 {
		t.Fatalf("joined a conversation the user is not in: %d members", got)
	}
}

func TestSessionAlternateStreamSpellings(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	c1 := h.conversation("c1", alice)
	c2 := h.conversation("c2", alice)

	s := h.session(alice, 0, nil, false)
	h.command(s, subscribeCmd(fmt.Sprintf("chat:%d", c1.ID), fmt.Sprintf("chat_%d", c2.ID)))
	f := expectType(t, s, TypeListSubscriptions)
	want := []string{ConversationStream(c1.ID), ConversationStream(c2.ID)}
	if diff := cmp.Diff(want, f.Streams); diff != "" {
		t.Fatalf("streams (-want +got):\n%s", diff)
	}
}

func TestSessionAllChatsFollowsNewConversations(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user("alice"), h.user("bob")
	c1 := h.conversation("c1", alice, bob)

	s := h.session(alice, 0, nil, false)
	h.command(s, subscribeCmd(AllChatsStream, UserStream))
	f := expectType(t, s, TypeListSubscriptions)
	if diff := cmp.Diff([]string{ConversationStream(c1.ID), UserStream}, f.Streams); diff != "" {
		t.Fatalf("streams (-want +got):\n%s", diff)
	}
	if !f.AllChats {
		t.Fatalf("all@chat not reported")
	}

	c2 := h.conversation("c2", alice, bob)
	if err := h.gw.OnConversationCreated(context.Background(), c2); err != nil {
		t.Fatalf("OnConversationCreated: %v", err)
	}
	f = expectType(t, s, TypeNewConversation)
	if f.ID != c2.ID || f.Name != "c2" {
		t.Fatalf("new conversation frame = %+v", f)
	}

	h.command(s, map[string]any{"method": MethodListSubscriptions})
	f = expectType(t, s, TypeListSubscriptions)
	want := []string{ConversationStream(c1.ID), ConversationStream(c2.ID), UserStream}
	if diff := cmp.Diff(want, f.Streams); diff != "" {
		t.Fatalf("streams after create (-want +got):\n%s", diff)
	}
}

func TestSessionNewConversationWithoutUserFeed(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")

	s := h.session(alice, 0, nil, false)
	h.command(s, subscribeCmd(AllChatsStream))
	expectType(t, s, TypeListSubscriptions)

	c := h.conversation("quiet", alice)
	if err := h.gw.OnConversationCreated(context.Background(), c); err != nil {
		t.Fatalf("OnConversationCreated: %v", err)
	}
	// joined silently; the next frame is the list reply
	h.command(s, map[string]any{"method": MethodListSubscriptions})
	f := expectType(t, s, TypeListSubscriptions)
	if diff := cmp.Diff([]string{ConversationStream(c.ID)}, f.Streams); diff != "" {
		t.Fatalf("streams (-want +got):\n%s", diff)
	}
}

func TestSessionUnsubscribeAllChats(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	h.conversation("c1", alice)
	h.conversation("c2", alice)

	s := h.session(alice, 0, nil, false)
	h.command(s, subscribeCmd(AllChatsStream))
	f := expectType(t, s, TypeListSubscriptions)
	if len(f.Streams) != 2 || !f.AllChats {
		t.Fatalf("after subscribe = %+v", f)
	}

	h.command(s, unsubscribeCmd(AllChatsStream))
	f = expectType(t, s, TypeListSubscriptions)
	if len(f.Streams) != 0 || f.AllChats {
		t.Fatalf("after unsubscribe = %+v", f)
	}
	if diff := cmp.Diff([]string{UserTopic(alice.ID)}, h.reg.Topics(s)); diff != "" {
		t.Fatalf("topics (-want +got):\n%s", diff)
	}
}

func TestSessionUnsubscribeOne(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	c1 := h.conversation("c1", alice)
	c2 := h.conversation("c2", alice)

	s := h.session(alice, 0, []int64{c1.ID, c2.ID}, false)
	h.command(s, unsubscribeCmd(ConversationStream(c1.ID), ConversationStream(999)))
	f := expectType(t, s, TypeListSubscriptions)
	if diff := cmp.Diff([]string{ConversationStream(c2.ID)}, f.Streams); diff != "" {
		t.Fatalf("streams (-want +got):\n%s", diff)
	}
}

func TestSessionProtocolErrors(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	s := h.session(alice, 0, nil, false)

	for _, raw := range []string{`{}`, `{"method":""}`, `{"method":"websocket.dance"}`, `not json`, `[1,2]`} {
		if !s.Enqueue([]byte(raw)) {
			t.Fatalf("session closed")
		}
		f := expectType(t, s, TypeError)
		if f.Code != errs.ProtocolError {
			t.Fatalf("%s: code = %d, want %d", raw, f.Code, errs.ProtocolError)
		}
	}
	// still usable
	h.command(s, map[string]any{"method": MethodListSubscriptions})
	expectType(t, s, TypeListSubscriptions)
}

type panicPoster struct{}

func (panicPoster) PostMessage(context.Context, int64, int64, string) (*model.Message, error) {
	panic("store exploded")
}

func TestSessionCommandPanicReplies(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	c1 := h.conversation("c1", alice)
	h.poster = panicPoster{}

	s := h.session(alice, 0, []int64{c1.ID}, false)
	h.command(s, newMessageCmdFor(c1.ID, "boom"))
	f := expectType(t, s, TypeError)
	if f.Code != errs.ServerInternalError || f.Error != errs.ErrInternal.Msg {
		t.Fatalf("error frame = %+v", f)
	}
	// the loop survives the panic
	h.command(s, map[string]any{"method": MethodListSubscriptions})
	expectType(t, s, TypeListSubscriptions)
}

func TestSessionPostRequiresSubscription(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	c1 := h.conversation("c1", alice)

	s := h.session(alice, 0, nil, false)
	h.command(s, newMessageCmdFor(c1.ID, "hello"))
	f := expectType(t, s, TypeError)
	if f.Code != errs.AuthorizationViolation {
		t.Fatalf("code = %d, want %d", f.Code, errs.AuthorizationViolation)
	}

	h.command(s, newMessageCmdFor(0, "hello"))
	f = expectType(t, s, TypeError)
	if f.Code != errs.ProtocolError {
		t.Fatalf("missing conversation: code = %d", f.Code)
	}
}

func TestSessionNoDuplicateEcho(t *testing.T) {
	h := newHarness(t)
	alice, bob, carol := h.user("alice"), h.user("bob"), h.user("carol")
	c1 := h.conversation("c1", alice, bob, carol)

	a := h.session(alice, 0, []int64{c1.ID}, false)
	b := h.session(bob, 0, []int64{c1.ID}, false)
	c := h.session(carol, 0, nil, false) // member, not subscribed

	h.command(a, newMessageCmdFor(c1.ID, "ciphertext"))
	fa := expectType(t, a, TypeNewMessage)
	fb := expectType(t, b, TypeNewMessage)
	if fa.ID != fb.ID || fa.Message != "ciphertext" || fa.User != "alice" || fa.Conversation != c1.ID {
		t.Fatalf("frames differ: %+v vs %+v", fa, fb)
	}
	if fa.CreatedAt == 0 {
		t.Fatalf("created_at missing")
	}
	expectNoFrame(t, a, 100*time.Millisecond)
	expectNoFrame(t, b, 50*time.Millisecond)
	expectNoFrame(t, c, 50*time.Millisecond)
}

func TestSessionPrevIDForwarded(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	c1 := h.conversation("c1", alice)

	s := h.session(alice, 0, []int64{c1.ID}, false)
	h.command(s, newMessageCmdFor(c1.ID, "one"))
	first := expectType(t, s, TypeNewMessage)
	if first.PrevID != nil {
		t.Fatalf("first prevId = %d, want null", *first.PrevID)
	}
	h.command(s, newMessageCmdFor(c1.ID, "two"))
	second := expectType(t, s, TypeNewMessage)
	if second.PrevID == nil || *second.PrevID != first.ID {
		t.Fatalf("second prevId = %v, want %d", second.PrevID, first.ID)
	}
}

func TestSessionFixedVariant(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user("alice"), h.user("bob")
	c1 := h.conversation("c1", alice, bob)
	c2 := h.conversation("c2", alice)

	s := h.session(alice, c1.ID, []int64{c1.ID}, false)

	h.command(s, subscribeCmd(ConversationStream(c2.ID)))
	f := expectType(t, s, TypeError)
	if f.Code != errs.AuthorizationViolation {
		t.Fatalf("subscribe on fixed: code = %d", f.Code)
	}
	h.command(s, unsubscribeCmd(ConversationStream(c1.ID)))
	expectType(t, s, TypeError)

	// conversation defaults to the fixed one
	h.command(s, newMessageCmdFor(0, "hi"))
	m := expectType(t, s, TypeNewMessage)
	if m.Conversation != c1.ID {
		t.Fatalf("posted to %d, want %d", m.Conversation, c1.ID)
	}
	h.command(s, newMessageCmdFor(c2.ID, "elsewhere"))
	expectType(t, s, TypeError)
}

func TestSessionFixedClosesOnDelete(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	c1 := h.conversation("c1", alice)

	s := h.session(alice, c1.ID, []int64{c1.ID}, false)
	conv, err := h.st.DeleteConversation(context.Background(), c1.ID)
	if err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if err := h.gw.OnConversationDeleted(context.Background(), conv); err != nil {
		t.Fatalf("OnConversationDeleted: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(frameWait):
		t.Fatalf("fixed session still open after its conversation was deleted")
	}
	if s.State() != Closed {
		t.Fatalf("state = %s", s.State())
	}
	if n := len(h.reg.Topics(s)); n != 0 {
		t.Fatalf("closed session still in %d topics", n)
	}
}

func TestSessionDeleteConversationLeavesTopic(t *testing.T) {
	h := newHarness(t)
	alice, bob := h.user("alice"), h.user("bob")
	c1 := h.conversation("c1", alice, bob)

	s := h.session(alice, 0, []int64{c1.ID}, false)
	h.command(s, subscribeCmd(UserStream))
	expectType(t, s, TypeListSubscriptions)

	conv, _, removed, err := h.st.UpdateMembers(context.Background(), c1.ID, nil, []int64{alice.ID})
	if err != nil {
		t.Fatalf("UpdateMembers: %v", err)
	}
	if err := h.gw.OnMembersChanged(context.Background(), conv, nil, removed); err != nil {
		t.Fatalf("OnMembersChanged: %v", err)
	}
	f := expectType(t, s, TypeDelConversation)
	if f.ID != c1.ID {
		t.Fatalf("deleted id = %d", f.ID)
	}
	h.command(s, map[string]any{"method": MethodListSubscriptions})
	f = expectType(t, s, TypeListSubscriptions)
	if diff := cmp.Diff([]string{UserStream}, f.Streams); diff != "" {
		t.Fatalf("streams (-want +got):\n%s", diff)
	}
}

func TestSessionDeliverAfterClose(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	s := NewSession(SessionConfig{ID: "x", User: alice, Registry: h.reg, Store: h.st})
	s.Activate(nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if s.Deliver(&Event{ID: 1, Type: TypeNewMessage}) {
		t.Fatalf("closed session accepted an event")
	}
	if s.Enqueue([]byte(`{}`)) {
		t.Fatalf("closed session accepted a command")
	}
	if _, ok := <-s.Outbound(); ok {
		t.Fatalf("outbound not closed")
	}
	if h.reg.Len() != 0 {
		t.Fatalf("registry still has %d topics", h.reg.Len())
	}
}

func TestSessionInboxFullDrops(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice")
	// not running: nothing drains the inbox
	s := NewSession(SessionConfig{ID: "slow", User: alice, Registry: h.reg, Store: h.st, InboxSize: 2})
	s.Activate(nil, false)
	for i := 0; i < 2; i++ {
		if !s.Deliver(&Event{ID: int64(i)}) {
			t.Fatalf("event %d dropped early", i)
		}
	}
	if s.Deliver(&Event{ID: 3}) {
		t.Fatalf("full inbox accepted an event")
	}
}
