package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults and applies the schema.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(context.Background()); err != nil {
		return &DB{Client: db}, err
	}
	if err := migrate(db); err != nil {
		return &DB{Client: db}, fmt.Errorf("migrate: %w", err)
	}
	return &DB{Client: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id             UUID PRIMARY KEY,
		name           TEXT NOT NULL,
		email          TEXT UNIQUE NOT NULL,
		password_hash  TEXT NOT NULL,
		role           TEXT NOT NULL DEFAULT 'student',
		student_number TEXT NOT NULL DEFAULT '',
		department     TEXT NOT NULL DEFAULT '',
		year           TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id            UUID PRIMARY KEY,
		token         TEXT UNIQUE NOT NULL,
		teacher_id    UUID NOT NULL REFERENCES users(id),
		subject       TEXT NOT NULL,
		longitude     DOUBLE PRECISION NOT NULL,
		latitude      DOUBLE PRECISION NOT NULL,
		qr_payload    TEXT UNIQUE NOT NULL,
		issued_at     TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		capacity      INTEGER NOT NULL DEFAULT 100,
		current_count INTEGER NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_teacher_active ON sessions(teacher_id, active);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires        ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id             UUID PRIMARY KEY,
		student_id     UUID NOT NULL REFERENCES users(id),
		student_number TEXT NOT NULL DEFAULT '',
		student_name   TEXT NOT NULL,
		teacher_id     UUID NOT NULL,
		teacher_name   TEXT NOT NULL,
		subject        TEXT NOT NULL,
		marked_at      TIMESTAMPTZ NOT NULL,
		time_of_day    TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'present',
		longitude      DOUBLE PRECISION NOT NULL,
		latitude       DOUBLE PRECISION NOT NULL,
		user_agent     TEXT NOT NULL DEFAULT '',
		platform       TEXT NOT NULL DEFAULT '',
		browser        TEXT NOT NULL DEFAULT '',
		qr_payload     TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (student_id, qr_payload)
	);

	CREATE INDEX IF NOT EXISTS idx_records_student ON attendance_records(student_id, marked_at DESC);
	CREATE INDEX IF NOT EXISTS idx_records_teacher ON attendance_records(teacher_id, marked_at DESC);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token      TEXT PRIMARY KEY,
		user_id    UUID NOT NULL REFERENCES users(id),
		expires_at TIMESTAMPTZ NOT NULL,
		revoked    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
