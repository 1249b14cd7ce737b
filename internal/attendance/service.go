package attendance

import (
	"context"
	"errors"
	"log"
	"time"

	"qrollcall/internal/qr"
	"qrollcall/internal/session"
	"qrollcall/internal/users"
)

// Rejection outcomes of a scan. All are terminal for the request and leave no
// partial state behind.
var (
	// ErrInvalidPayload means the scanned string is not a payload we issued.
	ErrInvalidPayload = errors.New("invalid qr payload")
	// ErrPayloadExpired means the payload's embedded timestamp is outside the
	// validity window. Rejected before any storage access.
	ErrPayloadExpired = errors.New("qr payload expired")
	// ErrSessionExpired covers unknown tokens, deactivated sessions, and
	// sessions past expires_at. Deliberately one error for all three.
	ErrSessionExpired = errors.New("session expired or invalid")
	// ErrAlreadyMarked means this student already has a record for this
	// payload. Safe to retry; the ledger is unchanged.
	ErrAlreadyMarked = errors.New("attendance already marked for this session")
	// ErrIssuerNotFound means the session references a missing teacher
	// account. A data-integrity anomaly, surfaced as a server error.
	ErrIssuerNotFound = errors.New("issuing teacher not found")
)

// sessionStore is the slice of the session repository the recorder needs.
type sessionStore interface {
	GetLiveByToken(ctx context.Context, token string, now time.Time) (*session.Session, error)
	IncrementCount(ctx context.Context, token string) error
}

// ledger is the slice of the attendance repository the recorder needs.
type ledger interface {
	Exists(ctx context.Context, studentID, payload string) (bool, error)
	Insert(ctx context.Context, rec Record) (Record, error)
}

// userDirectory resolves the issuing teacher.
type userDirectory interface {
	GetByID(ctx context.Context, id string) (*users.User, error)
}

// Service validates scanned payloads and commits marks at most once per
// (student, payload) pair.
type Service struct {
	sessions sessionStore
	ledger   ledger
	users    userDirectory
	window   time.Duration
	now      func() time.Time
}

// NewService creates a recorder. window is the payload freshness window and
// must match the issuer's validity window.
func NewService(sessions sessionStore, ledger ledger, users userDirectory, window time.Duration) *Service {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Service{sessions: sessions, ledger: ledger, users: users, window: window, now: time.Now}
}

// Mark runs the scan state machine: decode, freshness pre-check, authoritative
// session lookup, duplicate check, issuer resolution, commit, then best-effort
// capacity accounting. Every state re-reads storage; nothing is cached between
// requests because active/expires_at/duplicate status must be current.
//
// Returns the created record, or one of the sentinel rejections. Under
// concurrent duplicate scans the ledger's uniqueness constraint is the only
// serialization point: exactly one call returns a record, the rest return
// ErrAlreadyMarked.
func (s *Service) Mark(ctx context.Context, student users.User, payload string, coords [2]float64, device DeviceInfo) (Record, error) {
	desc, err := qr.Decode(payload)
	if err != nil {
		return Record{}, ErrInvalidPayload
	}

	now := s.now().UTC()
	if !qr.IsFresh(desc, now, s.window) {
		return Record{}, ErrPayloadExpired
	}

	// Authoritative check: the row's active flag and expires_at supersede the
	// payload's own timestamp, so deactivation takes effect instantly.
	sess, err := s.sessions.GetLiveByToken(ctx, desc.SessionToken, now)
	if err != nil {
		return Record{}, err
	}
	if sess == nil {
		return Record{}, ErrSessionExpired
	}

	dup, err := s.ledger.Exists(ctx, student.ID, payload)
	if err != nil {
		return Record{}, err
	}
	if dup {
		return Record{}, ErrAlreadyMarked
	}

	teacher, err := s.users.GetByID(ctx, sess.TeacherID)
	if err != nil {
		return Record{}, err
	}
	if teacher == nil {
		return Record{}, ErrIssuerNotFound
	}

	rec, err := s.ledger.Insert(ctx, Record{
		StudentID:     student.ID,
		StudentNumber: student.StudentNumber,
		StudentName:   student.Name,
		TeacherID:     teacher.ID,
		TeacherName:   teacher.Name,
		Subject:       sess.Subject,
		MarkedAt:      now,
		TimeOfDay:     now.Format("15:04:05"),
		Status:        "present",
		Longitude:     coords[0],
		Latitude:      coords[1],
		Device:        device,
		QRPayload:     payload,
	})
	if err != nil {
		// A constraint violation here means a concurrent scan won the race.
		return Record{}, err
	}

	// Reporting-only counter; a failed increment never invalidates the mark
	// and is never retried (a retry could double count).
	if err := s.sessions.IncrementCount(ctx, sess.Token); err != nil {
		log.Printf("attendance: count increment failed for session %s: %v", sess.Token, err)
	}
	return rec, nil
}
