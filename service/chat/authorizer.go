package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"PPMessenger/module/chat/model"
	"PPMessenger/module/chat/store"
	"PPMessenger/service/ticket"
	"PPMessenger/tools/errs"

	"go.uber.org/zap"
)

// ScopeKind says which conversations a connection asks for at connect time.
type ScopeKind int

const (
	ScopeNone ScopeKind = iota
	ScopeSingle
	ScopeAll
	ScopeList
	ScopeMalformed // the request could not be parsed; always rejected
)

// Scope is the parsed conversation request of a connection attempt.
type Scope struct {
	Kind ScopeKind
	IDs  []int64 // ScopeSingle: one id; ScopeList: the requested ids
	Err  error   // ScopeMalformed: why parsing failed
}

// MalformedScope wraps a parse failure so the attempt still consumes its
// ticket before it is rejected.
func MalformedScope(err error) Scope { return Scope{Kind: ScopeMalformed, Err: err} }

func SingleScope(id int64) Scope { return Scope{Kind: ScopeSingle, IDs: []int64{id}} }

// ParseScope reads the conversations query value: empty, "all", or a JSON
// array of ids.
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "":
		return Scope{Kind: ScopeNone}, nil
	case "all":
		return Scope{Kind: ScopeAll}, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return Scope{}, errs.ErrMalformedPayload.WrapMsg("conversations", "value", raw)
	}
	return Scope{Kind: ScopeList, IDs: ids}, nil
}

// ParseConversationID parses a path segment naming one conversation.
func ParseConversationID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrMalformedPayload.WrapMsg("conversation", "value", raw)
	}
	return id, nil
}

// AttemptState is where a connection attempt is in authorization.
type AttemptState int

const (
	Pending AttemptState = iota
	Authorized
	Rejected
)

func (s AttemptState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Authorized:
		return "authorized"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Attempt is one connection authorization. Once out of Pending it does not
// change again.
type Attempt struct {
	TicketID string
	Scope    Scope
	State    AttemptState

	// Set when Authorized.
	User          *model.User
	Conversations []int64

	// Set when Rejected. Never shown to the client.
	Reason error
}

// AuthStore is the part of the store the authorizer reads.
type AuthStore interface {
	UserByID(ctx context.Context, id int64) (*model.User, error)
	MemberConversationIDs(ctx context.Context, userID int64, filter []int64) ([]int64, error)
}

// Authorizer turns a ticket plus scope into an authenticated user and the
// conversations the connection starts with.
type Authorizer struct {
	tickets ticket.Store
	store   AuthStore
	log     *zap.Logger
}

func NewAuthorizer(tickets ticket.Store, st AuthStore, log *zap.Logger) *Authorizer {
	return &Authorizer{tickets: tickets, store: st, log: log}
}

// Authorize consumes the ticket exactly once, whatever the outcome, and
// resolves scope against the user's memberships. A malformed scope is
// rejected after the ticket is gone. A list scope is intersected with memberships and fails
// when nothing is left. A single scope fails unless the user is a member.
func (a *Authorizer) Authorize(ctx context.Context, ticketID string, scope Scope) *Attempt {
	at := &Attempt{TicketID: ticketID, Scope: scope, State: Pending}

	uid, err := a.tickets.Consume(ctx, ticketID)
	if err != nil {
		return a.reject(at, err)
	}
	user, err := a.store.UserByID(ctx, uid)
	if err != nil {
		if store.ErrNotFound.Is(err) {
			return a.reject(at, errs.ErrUnauthorized.WrapMsg("unknown user", "user", uid))
		}
		return a.reject(at, err)
	}

	var convs []int64
	switch scope.Kind {
	case ScopeMalformed:
		err = scope.Err
		if err == nil {
			err = errs.ErrMalformedPayload.WrapMsg("scope")
		}
	case ScopeNone:
		convs = []int64{}
	case ScopeAll:
		convs, err = a.store.MemberConversationIDs(ctx, uid, nil)
	case ScopeSingle, ScopeList:
		filter := scope.IDs
		if filter == nil {
			filter = []int64{}
		}
		convs, err = a.store.MemberConversationIDs(ctx, uid, filter)
		if err == nil && len(convs) == 0 {
			err = errs.ErrUnauthorized.WrapMsg("not a member", "user", uid, "conversations", scope.IDs)
		}
	default:
		err = errs.ErrMalformedPayload.WrapMsg("scope", "kind", scope.Kind)
	}
	if err != nil {
		return a.reject(at, err)
	}

	at.State = Authorized
	at.User = user
	at.Conversations = convs
	return at
}

func (a *Authorizer) reject(at *Attempt, err error) *Attempt {
	at.State = Rejected
	at.Reason = err
	if ce, ok := errs.As(err); ok && ce.Code != errs.ServerInternalError {
		a.log.Info("connection rejected", zap.String("ticket", at.TicketID), zap.Error(err))
		return at
	}
	// unexpected failure; keep the detail in the log only
	a.log.Error("connection authorization failed", zap.String("ticket", at.TicketID), zap.Error(err))
	at.Reason = errs.ErrInternal.Wrap()
	return at
}
