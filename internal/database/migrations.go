package database

import "database/sql"

// NotifyChannel carries one notification per committed message insert or
// update, in commit order.
const NotifyChannel = "message_changes"

const schema = `
CREATE EXTENSION IF NOT EXISTS "pgcrypto";

CREATE TABLE IF NOT EXISTS users (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name       VARCHAR(100) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS rooms (
    id         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name       VARCHAR(100) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS room_members (
    room_id  UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    user_id  UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    position INT NOT NULL DEFAULT 0,
    PRIMARY KEY (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members (user_id);

CREATE TABLE IF NOT EXISTS messages (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    room_id      UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    sender_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    text         TEXT NOT NULL,
    delivered_to JSONB NOT NULL DEFAULT '[]'::jsonb,
    read_by      JSONB NOT NULL DEFAULT '[]'::jsonb,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at);

CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
DECLARE
    fields TEXT[] := ARRAY[]::TEXT[];
BEGIN
    IF TG_OP = 'UPDATE' THEN
        IF NEW.delivered_to IS DISTINCT FROM OLD.delivered_to THEN
            fields := fields || 'deliveredTo'::TEXT;
        END IF;
        IF NEW.read_by IS DISTINCT FROM OLD.read_by THEN
            fields := fields || 'readBy'::TEXT;
        END IF;
        IF NEW.text IS DISTINCT FROM OLD.text THEN
            fields := fields || 'text'::TEXT;
        END IF;
    END IF;
    PERFORM pg_notify('message_changes', json_build_object(
        'op', lower(TG_OP),
        'id', NEW.id,
        'room_id', NEW.room_id,
        'fields', fields
    )::TEXT);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS messages_notify ON messages;
CREATE TRIGGER messages_notify
    AFTER INSERT OR UPDATE ON messages
    FOR EACH ROW EXECUTE FUNCTION notify_message_change();
`

func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
