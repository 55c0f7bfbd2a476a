package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"PPMessenger/service/ticket"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type wsEnv struct {
	*harness
	tickets *ticket.MemoryStore
	server  *Server
	http    *httptest.Server
}

func newWSEnv(t *testing.T, cfg ServerConfig) *wsEnv {
	t.Helper()
	h := newHarness(t)
	tickets := ticket.NewMemoryStore(ticket.DefaultTTL)
	auth := NewAuthorizer(tickets, h.st, zap.NewNop())
	srv := NewServer(cfg, auth, h.reg, h.st, h.poster, zap.NewNop())

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	srv.Register(engine)
	hs := httptest.NewServer(engine)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
		tickets.Stop()
	})
	return &wsEnv{harness: h, tickets: tickets, server: srv, http: hs}
}

func (e *wsEnv) ticket(uid int64) string {
	e.t.Helper()
	id, err := e.tickets.Issue(context.Background(), uid)
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return id
}

func (e *wsEnv) dial(path string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	return websocket.DefaultDialer.Dial(u, nil)
}

func (e *wsEnv) mustDial(path string) *websocket.Conn {
	e.t.Helper()
	ws, _, err := e.dial(path)
	if err != nil {
		e.t.Fatalf("dial %s: %v", path, err)
	}
	e.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(frameWait))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("bad frame %s: %v", raw, err)
	}
	return f
}

func writeWS(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWSConversationScenario(t *testing.T) {
	e := newWSEnv(t, ServerConfig{})
	alice, bob := e.user("alice"), e.user("bob")
	c1 := e.conversation("c1", alice, bob)

	a := e.mustDial("/ws/" + e.ticket(alice.ID) + "?conversations=all")
	if f := readWS(t, a); f.Type != TypeAccept || len(f.Conversations) != 1 || f.Conversations[0] != c1.ID {
		t.Fatalf("accept = %+v", f)
	}
	b := e.mustDial(fmt.Sprintf("/ws/%s?conversations=%s", e.ticket(bob.ID), url.QueryEscape(fmt.Sprintf("[%d]", c1.ID))))
	if f := readWS(t, b); f.Type != TypeAccept {
		t.Fatalf("accept = %+v", f)
	}

	writeWS(t, a, newMessageCmdFor(c1.ID, "hello bob"))
	fa, fb := readWS(t, a), readWS(t, b)
	for _, f := range []frame{fa, fb} {
		if f.Type != TypeNewMessage || f.Message != "hello bob" || f.User != "alice" || f.PrevID != nil {
			t.Fatalf("frame = %+v", f)
		}
	}
	if fa.ID != fb.ID {
		t.Fatalf("ids differ: %d vs %d", fa.ID, fb.ID)
	}

	writeWS(t, b, newMessageCmdFor(c1.ID, "hi alice"))
	reply := readWS(t, a)
	if reply.PrevID == nil || *reply.PrevID != fa.ID {
		t.Fatalf("reply prevId = %v, want %d", reply.PrevID, fa.ID)
	}
	readWS(t, b)

	writeWS(t, a, map[string]any{"method": MethodListSubscriptions})
	if f := readWS(t, a); f.Type != TypeListSubscriptions || len(f.Streams) != 1 {
		t.Fatalf("list = %+v", f)
	}
	if n := e.server.Conns().Count(); n != 2 {
		t.Fatalf("connections = %d", n)
	}
}

func TestWSTicketReuseRefused(t *testing.T) {
	e := newWSEnv(t, ServerConfig{})
	alice := e.user("alice")
	tk := e.ticket(alice.ID)

	e.mustDial("/ws/" + tk)
	_, resp, err := e.dial("/ws/" + tk)
	if err == nil {
		t.Fatalf("second connection with the same ticket accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %+v, want 403", resp)
	}
}

func TestWSMalformedAttemptBurnsTicket(t *testing.T) {
	e := newWSEnv(t, ServerConfig{})
	alice := e.user("alice")
	c1 := e.conversation("c1", alice)

	for _, bad := range []string{"/ws/%s?conversations=nope", "/ws/chat/zero/%s"} {
		tk := e.ticket(alice.ID)
		if _, resp, err := e.dial(fmt.Sprintf(bad, tk)); err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: err=%v resp=%+v, want 403", bad, err, resp)
		}
		// the same ticket with a valid request is refused too
		for _, good := range []string{"/ws/" + tk, fmt.Sprintf("/ws/chat/%d/%s", c1.ID, tk)} {
			_, resp, err := e.dial(good)
			if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Fatalf("%s after %s: err=%v resp=%+v, want 403", good, bad, err, resp)
			}
		}
	}
}

func TestWSRejectedScopes(t *testing.T) {
	e := newWSEnv(t, ServerConfig{})
	alice, bob := e.user("alice"), e.user("bob")
	theirs := e.conversation("theirs", bob)

	for _, path := range []string{
		fmt.Sprintf("/ws/%s?conversations=%s", e.ticket(alice.ID), url.QueryEscape(fmt.Sprintf("[%d]", theirs.ID))),
		"/ws/" + e.ticket(alice.ID) + "?conversations=nope",
		fmt.Sprintf("/ws/chat/%d?ticket_uuid=%s", theirs.ID, e.ticket(alice.ID)),
		"/ws/chat/zero/" + e.ticket(alice.ID),
	} {
		_, resp, err := e.dial(path)
		if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: err=%v resp=%+v, want 403", path, err, resp)
		}
	}
}

func TestWSFixedVariant(t *testing.T) {
	e := newWSEnv(t, ServerConfig{})
	alice := e.user("alice")
	c1 := e.conversation("c1", alice)

	ws := e.mustDial(fmt.Sprintf("/ws/chat/%d/%s", c1.ID, e.ticket(alice.ID)))
	// no accept frame: the first frame is the reply to our message
	writeWS(t, ws, map[string]any{"method": MethodNewMessage, "message": "solo"})
	f := readWS(t, ws)
	if f.Type != TypeNewMessage || f.Conversation != c1.ID {
		t.Fatalf("frame = %+v", f)
	}
}

func TestWSMaxConnsPerUser(t *testing.T) {
	e := newWSEnv(t, ServerConfig{MaxConnsPerUser: 1})
	alice := e.user("alice")

	first := e.mustDial("/ws/" + e.ticket(alice.ID))
	readWS(t, first)
	second := e.mustDial("/ws/" + e.ticket(alice.ID))
	_ = second.SetReadDeadline(time.Now().Add(frameWait))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("second connection: err = %v, want policy violation close", err)
	}
}

func TestWSShutdownClosesClients(t *testing.T) {
	e := newWSEnv(t, ServerConfig{})
	alice := e.user("alice")
	ws := e.mustDial("/ws/" + e.ticket(alice.ID))
	readWS(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(frameWait))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatalf("connection still open after shutdown")
	}
	if n := e.server.Conns().Count(); n != 0 {
		t.Fatalf("connections = %d after shutdown", n)
	}
	if e.reg.Len() != 0 {
		t.Fatalf("registry still has %d topics", e.reg.Len())
	}
}

func TestWSRefusedAfterShutdown(t *testing.T) {
	e := newWSEnv(t, ServerConfig{})
	alice := e.user("alice")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, resp, err := e.dial("/ws/" + e.ticket(alice.ID))
	if err == nil || resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("err=%v resp=%+v, want 503", err, resp)
	}
	if n := e.server.Conns().Count(); n != 0 {
		t.Fatalf("connections = %d after shutdown", n)
	}
}
