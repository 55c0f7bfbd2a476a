package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

// Runs against a live database; set PPM_POSTGRES_DSN to enable.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PPM_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PPM_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := NewPostgres(ctx, PostgresConfig{DSN: dsn, AutoMigrate: true})
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()

	suffix := "-" + uuid.NewString()[:8]
	users := seedUsers(t, p, "alice"+suffix, "bob"+suffix, "carol"+suffix)
	if _, err := p.CreateUser(ctx, "alice"+suffix, ""); !ErrExists.Is(err) {
		t.Fatalf("duplicate username err = %v", err)
	}

	conv, err := p.CreateConversation(ctx, "pair", []int64{users[0], users[1], users[0]})
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if diff := cmp.Diff([]int64{users[0], users[1]}, conv.MemberIDs()); diff != "" {
		t.Fatalf("members (-want +got):\n%s", diff)
	}

	if _, err := p.CreateMessage(ctx, conv.ID, users[2], "intruder"); !ErrNotMember.Is(err) {
		t.Fatalf("non-member post err = %v", err)
	}
	m1, err := p.CreateMessage(ctx, conv.ID, users[0], "one")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if m1.PrevID != nil || m1.Author != "alice"+suffix {
		t.Fatalf("m1 = %+v", m1)
	}
	m2, err := p.CreateMessage(ctx, conv.ID, users[1], "two")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if prevOf(m2) != m1.ID {
		t.Fatalf("m2 prev = %d, want %d", prevOf(m2), m1.ID)
	}
	edited, err := p.UpdateMessage(ctx, m2.ID, "two!")
	if err != nil || edited.Body != "two!" || prevOf(edited) != m1.ID {
		t.Fatalf("UpdateMessage = %+v, %v", edited, err)
	}
	if _, err := p.DeleteMessage(ctx, m2.ID); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if _, err := p.MessageByID(ctx, m2.ID); !ErrNotFound.Is(err) {
		t.Fatalf("deleted message err = %v", err)
	}

	_, added, removed, err := p.UpdateMembers(ctx, conv.ID, []int64{users[2], users[0]}, []int64{users[1]})
	if err != nil {
		t.Fatalf("UpdateMembers: %v", err)
	}
	if diff := cmp.Diff([]int64{users[2]}, added); diff != "" {
		t.Fatalf("added (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{users[1]}, removed); diff != "" {
		t.Fatalf("removed (-want +got):\n%s", diff)
	}

	ids, err := p.MemberConversationIDs(ctx, users[2], []int64{conv.ID, conv.ID + 1_000_000})
	if err != nil {
		t.Fatalf("MemberConversationIDs: %v", err)
	}
	if diff := cmp.Diff([]int64{conv.ID}, ids); diff != "" {
		t.Fatalf("memberships (-want +got):\n%s", diff)
	}
	if ids, _ := p.MemberConversationIDs(ctx, users[1], nil); len(ids) != 0 {
		t.Fatalf("removed member still in %v", ids)
	}

	if _, err := p.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := p.ConversationByID(ctx, conv.ID); !ErrNotFound.Is(err) {
		t.Fatalf("deleted conversation err = %v", err)
	}
	if _, err := p.MessageByID(ctx, m1.ID); !ErrNotFound.Is(err) {
		t.Fatalf("message survived its conversation: %v", err)
	}
}
