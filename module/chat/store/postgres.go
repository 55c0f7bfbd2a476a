package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"PPMessenger/module/chat/model"
	"PPMessenger/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema bootstraps the tables the messenger needs. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS app_user (
	id         BIGSERIAL PRIMARY KEY,
	username   TEXT NOT NULL UNIQUE,
	pgp_public TEXT NOT NULL DEFAULT '',
	is_active  BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS conversation (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS conversation_member (
	conversation_id BIGINT NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
	user_id         BIGINT NOT NULL REFERENCES app_user(id) ON DELETE CASCADE,
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS conversation_member_user_idx ON conversation_member (user_id);
CREATE TABLE IF NOT EXISTS message (
	id              BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversation(id) ON DELETE CASCADE,
	author_id       BIGINT NOT NULL REFERENCES app_user(id) ON DELETE CASCADE,
	body            TEXT NOT NULL,
	prev_id         BIGINT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS message_conversation_idx ON message (conversation_id, id);
`

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// PostgresConfig configures the pool.
type PostgresConfig struct {
	DSN         string
	MaxConns    int32
	ConnTimeout time.Duration
	AutoMigrate bool
}

// NewPostgres connects, pings and optionally applies Schema.
func NewPostgres(ctx context.Context, c PostgresConfig) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse postgres dsn")
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	timeout := c.ConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(cctx, pc)
	if err != nil {
		return nil, errs.WrapMsg(err, "connect postgres")
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "ping postgres")
	}
	p := &Postgres{pool: pool}
	if c.AutoMigrate {
		if err := p.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, Schema)
	return errs.WrapMsg(err, "apply schema")
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) CreateUser(ctx context.Context, username, pgpPublic string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errs.ErrMalformedPayload.WrapMsg("empty username")
	}
	u := &model.User{Username: username, PGPPublic: pgpPublic, IsActive: true}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO app_user (username, pgp_public) VALUES ($1, $2) RETURNING id`,
		username, pgpPublic,
	).Scan(&u.ID)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return nil, ErrExists.WrapMsg("user", "username", username)
		}
		return nil, errs.WrapMsg(err, "insert user")
	}
	return u, nil
}

func (p *Postgres) UserByID(ctx context.Context, id int64) (*model.User, error) {
	u := &model.User{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, username, pgp_public, is_active FROM app_user WHERE id = $1 AND is_active`,
		id,
	).Scan(&u.ID, &u.Username, &u.PGPPublic, &u.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound.WrapMsg("user", "id", id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "select user", "id", id)
	}
	return u, nil
}

func (p *Postgres) CreateConversation(ctx context.Context, name string, memberIDs []int64) (*model.Conversation, error) {
	memberIDs = dedupeIDs(memberIDs)
	var conv *model.Conversation
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx,
			`INSERT INTO conversation (name) VALUES ($1) RETURNING id`, name,
		).Scan(&id); err != nil {
			return errs.WrapMsg(err, "insert conversation")
		}
		if err := insertMembers(ctx, tx, id, memberIDs); err != nil {
			return err
		}
		c, err := loadConversation(ctx, tx, id)
		conv = c
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (p *Postgres) ConversationByID(ctx context.Context, id int64) (*model.Conversation, error) {
	return loadConversation(ctx, p.pool, id)
}

func (p *Postgres) DeleteConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var conv *model.Conversation
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := lockConversation(ctx, tx, id); err != nil {
			return err
		}
		c, err := loadConversation(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM conversation WHERE id = $1`, id); err != nil {
			return errs.WrapMsg(err, "delete conversation", "id", id)
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (p *Postgres) UpdateMembers(ctx context.Context, id int64, add, remove []int64) (*model.Conversation, []int64, []int64, error) {
	var (
		conv           *model.Conversation
		added, removed []int64
	)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := lockConversation(ctx, tx, id); err != nil {
			return err
		}
		if len(add) > 0 {
			rows, err := tx.Query(ctx, `
				INSERT INTO conversation_member (conversation_id, user_id)
				SELECT $1, u FROM unnest($2::bigint[]) AS u
				ON CONFLICT DO NOTHING
				RETURNING user_id`, id, dedupeIDs(add))
			if err != nil {
				return errs.WrapMsg(err, "add members", "conversation", id)
			}
			added, err = pgx.CollectRows(rows, pgx.RowTo[int64])
			if err != nil {
				if pgCode(err) == pgForeignKeyViolation {
					return ErrNotFound.WrapMsg("conversation member", "conversation", id)
				}
				return errs.WrapMsg(err, "add members", "conversation", id)
			}
		}
		if len(remove) > 0 {
			rows, err := tx.Query(ctx, `
				DELETE FROM conversation_member
				WHERE conversation_id = $1 AND user_id = ANY($2)
				RETURNING user_id`, id, dedupeIDs(remove))
			if err != nil {
				return errs.WrapMsg(err, "remove members", "conversation", id)
			}
			removed, err = pgx.CollectRows(rows, pgx.RowTo[int64])
			if err != nil {
				return errs.WrapMsg(err, "remove members", "conversation", id)
			}
		}
		c, err := loadConversation(ctx, tx, id)
		conv = c
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return conv, added, removed, nil
}

func (p *Postgres) MemberConversationIDs(ctx context.Context, userID int64, filter []int64) ([]int64, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if filter == nil {
		rows, err = p.pool.Query(ctx,
			`SELECT conversation_id FROM conversation_member WHERE user_id = $1 ORDER BY conversation_id`,
			userID)
	} else {
		rows, err = p.pool.Query(ctx,
			`SELECT conversation_id FROM conversation_member
			 WHERE user_id = $1 AND conversation_id = ANY($2) ORDER BY conversation_id`,
			userID, filter)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "select memberships", "user", userID)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errs.WrapMsg(err, "scan memberships", "user", userID)
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

// CreateMessage serialises inserts per conversation with a row lock so that
// ids, prev_id and commit order agree.
func (p *Postgres) CreateMessage(ctx context.Context, conversationID, authorID int64, body string) (*model.Message, error) {
	var msg *model.Message
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := lockConversation(ctx, tx, conversationID); err != nil {
			return err
		}
		var member bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM conversation_member WHERE conversation_id = $1 AND user_id = $2)`,
			conversationID, authorID,
		).Scan(&member); err != nil {
			return errs.WrapMsg(err, "check membership")
		}
		if !member {
			return ErrNotMember.WrapMsg("post", "conversation", conversationID, "user", authorID)
		}
		m := &model.Message{ConversationID: conversationID, AuthorID: authorID, Body: body}
		err := tx.QueryRow(ctx, `
			INSERT INTO message (conversation_id, author_id, body, prev_id)
			VALUES ($1, $2, $3, (SELECT max(id) FROM message WHERE conversation_id = $1))
			RETURNING id, prev_id, created_at, updated_at,
				(SELECT username FROM app_user WHERE id = $2)`,
			conversationID, authorID, body,
		).Scan(&m.ID, &m.PrevID, &m.CreatedAt, &m.UpdatedAt, &m.Author)
		if err != nil {
			return errs.WrapMsg(err, "insert message", "conversation", conversationID)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

const selectMessage = `
	SELECT m.id, m.conversation_id, m.author_id, u.username, m.body, m.prev_id, m.created_at, m.updated_at
	FROM message m JOIN app_user u ON u.id = m.author_id`

func (p *Postgres) MessageByID(ctx context.Context, id int64) (*model.Message, error) {
	return scanMessage(p.pool.QueryRow(ctx, selectMessage+` WHERE m.id = $1`, id), id)
}

func (p *Postgres) UpdateMessage(ctx context.Context, id int64, body string) (*model.Message, error) {
	return scanMessage(p.pool.QueryRow(ctx, `
		WITH m AS (
			UPDATE message SET body = $2, updated_at = now() WHERE id = $1
			RETURNING id, conversation_id, author_id, body, prev_id, created_at, updated_at
		)
		SELECT m.id, m.conversation_id, m.author_id, u.username, m.body, m.prev_id, m.created_at, m.updated_at
		FROM m JOIN app_user u ON u.id = m.author_id`, id, body), id)
}

func (p *Postgres) DeleteMessage(ctx context.Context, id int64) (*model.Message, error) {
	return scanMessage(p.pool.QueryRow(ctx, `
		WITH m AS (
			DELETE FROM message WHERE id = $1
			RETURNING id, conversation_id, author_id, body, prev_id, created_at, updated_at
		)
		SELECT m.id, m.conversation_id, m.author_id, u.username, m.body, m.prev_id, m.created_at, m.updated_at
		FROM m JOIN app_user u ON u.id = m.author_id`, id), id)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func lockConversation(ctx context.Context, tx pgx.Tx, id int64) error {
	var got int64
	err := tx.QueryRow(ctx, `SELECT id FROM conversation WHERE id = $1 FOR UPDATE`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound.WrapMsg("conversation", "id", id)
	}
	return errs.WrapMsg(err, "lock conversation", "id", id)
}

func insertMembers(ctx context.Context, tx pgx.Tx, convID int64, memberIDs []int64) error {
	if len(memberIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO conversation_member (conversation_id, user_id)
		SELECT $1, u FROM unnest($2::bigint[]) AS u`, convID, memberIDs)
	if pgCode(err) == pgForeignKeyViolation {
		return ErrNotFound.WrapMsg("conversation member", "conversation", convID)
	}
	return errs.WrapMsg(err, "insert members", "conversation", convID)
}

func loadConversation(ctx context.Context, q querier, id int64) (*model.Conversation, error) {
	c := &model.Conversation{}
	err := q.QueryRow(ctx,
		`SELECT id, name, created_at FROM conversation WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound.WrapMsg("conversation", "id", id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "select conversation", "id", id)
	}
	rows, err := q.Query(ctx, `
		SELECT u.id, u.username, u.pgp_public
		FROM conversation_member cm JOIN app_user u ON u.id = cm.user_id
		WHERE cm.conversation_id = $1
		ORDER BY cm.joined_at, u.id`, id)
	if err != nil {
		return nil, errs.WrapMsg(err, "select members", "conversation", id)
	}
	c.Members, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Member, error) {
		var m model.Member
		err := row.Scan(&m.ID, &m.Username, &m.PGPPublic)
		return m, err
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "scan members", "conversation", id)
	}
	return c, nil
}

func scanMessage(row pgx.Row, id int64) (*model.Message, error) {
	m := &model.Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Author, &m.Body, &m.PrevID, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound.WrapMsg("message", "id", id)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, fmt.Sprintf("scan message %d", id))
	}
	return m, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
