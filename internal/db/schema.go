package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Schema is the persisted state layout. It is shared with sibling
// services (auth, media upload), so column names and indexes must be
// preserved: clients depend on cursor semantics and unread counts.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id          BIGSERIAL PRIMARY KEY,
	email       TEXT NOT NULL UNIQUE,
	name        TEXT NOT NULL,
	avatar_url  TEXT,
	status      TEXT NOT NULL DEFAULT 'offline',
	last_seen   TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
	id               BIGSERIAL PRIMARY KEY,
	pair_key         TEXT NOT NULL UNIQUE,
	last_message_id  BIGINT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations (updated_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id  BIGINT NOT NULL REFERENCES conversations(id),
	user_id          BIGINT NOT NULL REFERENCES users(id),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_participants_user
	ON conversation_participants (user_id);

CREATE TABLE IF NOT EXISTS messages (
	id               BIGSERIAL PRIMARY KEY,
	conversation_id  BIGINT NOT NULL REFERENCES conversations(id),
	sender_id        BIGINT NOT NULL REFERENCES users(id),
	type             TEXT NOT NULL,
	content          TEXT,
	media_url        TEXT,
	media_mime_type  TEXT,
	media_duration   DOUBLE PRECISION,
	waveform         TEXT,
	reply_to_id      BIGINT REFERENCES messages(id) ON DELETE SET NULL,
	is_deleted       BOOLEAN NOT NULL DEFAULT FALSE,
	deleted_at       TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (conversation_id, is_deleted, created_at);

CREATE TABLE IF NOT EXISTS message_reads (
	id          BIGSERIAL PRIMARY KEY,
	message_id  BIGINT NOT NULL REFERENCES messages(id),
	user_id     BIGINT NOT NULL REFERENCES users(id),
	status      TEXT NOT NULL DEFAULT 'sent',
	read_at     TIMESTAMPTZ,
	UNIQUE (message_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_message_reads_user_status
	ON message_reads (user_id, status);
`

// EnsureSchema applies the DDL. Used for dev bootstrap and tests;
// production deployments run migrations out of band.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return err
	}
	log.Info().Msg("database schema ensured")
	return nil
}
