package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Session is one attendance window opened by a teacher. Rows are never
// resurrected or extended: they expire passively via expires_at, or are cut
// short by the one-way active flag.
type Session struct {
	ID           string    `json:"id"`
	Token        string    `json:"session_id"`
	TeacherID    string    `json:"teacher_id"`
	Subject      string    `json:"subject"`
	Longitude    float64   `json:"longitude"`
	Latitude     float64   `json:"latitude"`
	QRPayload    string    `json:"-"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"is_active"`
	Capacity     int       `json:"max_attendance"`
	CurrentCount int       `json:"current_attendance"`
	CreatedAt    time.Time `json:"created_at"`
}

const sessionCols = `id, token, teacher_id, subject, longitude, latitude, qr_payload,
	issued_at, expires_at, active, capacity, current_count, created_at`

// Repository persists sessions in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a new session row. Token and payload uniqueness are enforced
// by the table constraints.
func (r *Repository) Insert(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, token, teacher_id, subject, longitude, latitude, qr_payload,
			issued_at, expires_at, active, capacity, current_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at
	`, s.ID, s.Token, s.TeacherID, s.Subject, s.Longitude, s.Latitude, s.QRPayload,
		s.IssuedAt, s.ExpiresAt, s.Active, s.Capacity, s.CurrentCount)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return Session{}, err
	}
	return s, nil
}

// GetLiveByToken fetches a session that is still accepting marks: active and
// unexpired as of now. The time filter here is the authoritative expiry check.
func (r *Repository) GetLiveByToken(ctx context.Context, token string, now time.Time) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+`
		FROM sessions
		WHERE token = $1 AND active AND expires_at > $2
	`, token, now)
	return scanSession(row)
}

// GetByID fetches a session regardless of liveness.
func (r *Repository) GetByID(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Token, &s.TeacherID, &s.Subject, &s.Longitude, &s.Latitude,
		&s.QRPayload, &s.IssuedAt, &s.ExpiresAt, &s.Active, &s.Capacity, &s.CurrentCount, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// IncrementCount bumps the attendance counter by one. The update is a single
// atomic statement so concurrent marks never lose increments.
func (r *Repository) IncrementCount(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET current_count = current_count + 1 WHERE token = $1
	`, token)
	return err
}

// Deactivate flips active to false on a session the teacher owns and returns
// the updated row. nil,nil means no row matched: not found and not owned are
// indistinguishable on purpose.
func (r *Repository) Deactivate(ctx context.Context, id, teacherID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sessions SET active = FALSE
		WHERE id = $1 AND teacher_id = $2
		RETURNING `+sessionCols+`
	`, id, teacherID)
	return scanSession(row)
}

// ListLive returns the teacher's active, unexpired sessions, newest first.
func (r *Repository) ListLive(ctx context.Context, teacherID string, now time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionCols+`
		FROM sessions
		WHERE teacher_id = $1 AND active AND expires_at > $2
		ORDER BY created_at DESC
	`, teacherID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Token, &s.TeacherID, &s.Subject, &s.Longitude, &s.Latitude,
			&s.QRPayload, &s.IssuedAt, &s.ExpiresAt, &s.Active, &s.Capacity, &s.CurrentCount, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SubjectStat aggregates a teacher's sessions per subject.
type SubjectStat struct {
	Subject           string  `json:"subject"`
	TotalSessions     int     `json:"total_sessions"`
	TotalAttendance   int     `json:"total_attendance"`
	AverageAttendance float64 `json:"average_attendance"`
}

// StatsBySubject rolls up session counts and attendance per subject since the
// given time.
func (r *Repository) StatsBySubject(ctx context.Context, teacherID string, since time.Time) ([]SubjectStat, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject, COUNT(*), COALESCE(SUM(current_count), 0), COALESCE(AVG(current_count), 0)
		FROM sessions
		WHERE teacher_id = $1 AND created_at >= $2
		GROUP BY subject
		ORDER BY subject
	`, teacherID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []SubjectStat
	for rows.Next() {
		var st SubjectStat
		if err := rows.Scan(&st.Subject, &st.TotalSessions, &st.TotalAttendance, &st.AverageAttendance); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

// PurgeExpiredBefore deletes sessions whose expiry is older than the cutoff.
// Housekeeping only; the protocol never requires deletion.
func (r *Repository) PurgeExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
