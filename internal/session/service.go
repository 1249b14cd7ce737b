package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"qrollcall/internal/qr"
)

var (
	// ErrInvalidInput wraps field-level validation failures.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCapacity is returned when capacity falls outside 1..max.
	ErrInvalidCapacity = errors.New("invalid capacity")
	// ErrNotFound covers both unknown and not-owned sessions.
	ErrNotFound = errors.New("session not found")
)

const maxSubjectLen = 200

// store is the persistence surface the issuer needs.
type store interface {
	Insert(ctx context.Context, s Session) (Session, error)
	Deactivate(ctx context.Context, id, teacherID string) (*Session, error)
	ListLive(ctx context.Context, teacherID string, now time.Time) ([]Session, error)
	StatsBySubject(ctx context.Context, teacherID string, since time.Time) ([]SubjectStat, error)
}

// Service issues, lists, and deactivates QR sessions.
type Service struct {
	store           store
	validityWindow  time.Duration
	defaultCapacity int
	maxCapacity     int
	now             func() time.Time
}

// NewService creates an issuer with the given validity window and capacity bounds.
func NewService(store store, validityWindow time.Duration, defaultCapacity, maxCapacity int) *Service {
	if validityWindow <= 0 {
		validityWindow = 15 * time.Minute
	}
	if defaultCapacity <= 0 {
		defaultCapacity = 100
	}
	if maxCapacity <= 0 {
		maxCapacity = 1000
	}
	return &Service{
		store:           store,
		validityWindow:  validityWindow,
		defaultCapacity: defaultCapacity,
		maxCapacity:     maxCapacity,
		now:             time.Now,
	}
}

// Issued is the result handed back to the teacher.
type Issued struct {
	Session       Session `json:"session"`
	Payload       string  `json:"payload"`
	QRCodeDataURL string  `json:"qr_code_data_url"`
}

// Issue creates a new session: random token, fixed validity window, active
// flag on, count zero. Exactly one row is written per successful call.
func (s *Service) Issue(ctx context.Context, teacherID, subject string, coords [2]float64, capacity int) (Issued, error) {
	if teacherID == "" {
		return Issued{}, fmt.Errorf("%w: teacher id required", ErrInvalidInput)
	}
	if subject == "" || len(subject) > maxSubjectLen {
		return Issued{}, fmt.Errorf("%w: subject must be 1-%d characters", ErrInvalidInput, maxSubjectLen)
	}
	if err := validateCoordinates(coords); err != nil {
		return Issued{}, err
	}
	if capacity == 0 {
		capacity = s.defaultCapacity
	}
	if capacity < 1 || capacity > s.maxCapacity {
		return Issued{}, fmt.Errorf("%w: capacity must be 1-%d", ErrInvalidCapacity, s.maxCapacity)
	}

	token, err := newToken()
	if err != nil {
		return Issued{}, err
	}

	issuedAt := s.now().UTC()
	payload, err := qr.Encode(qr.Descriptor{
		SessionToken: token,
		Subject:      subject,
		TeacherID:    teacherID,
		Coordinates:  coords,
		IssuedAt:     issuedAt,
	})
	if err != nil {
		return Issued{}, err
	}

	created, err := s.store.Insert(ctx, Session{
		Token:        token,
		TeacherID:    teacherID,
		Subject:      subject,
		Longitude:    coords[0],
		Latitude:     coords[1],
		QRPayload:    payload,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(s.validityWindow),
		Active:       true,
		Capacity:     capacity,
		CurrentCount: 0,
	})
	if err != nil {
		return Issued{}, err
	}

	// Rendering is pure; a failure here leaves the session valid and is
	// surfaced to the caller without the image.
	dataURL, err := qr.RenderDataURL(payload)
	if err != nil {
		return Issued{Session: created, Payload: payload}, nil
	}
	return Issued{Session: created, Payload: payload, QRCodeDataURL: dataURL}, nil
}

// Deactivate turns a session off. Idempotent: an already-inactive session
// succeeds and returns its current state.
func (s *Service) Deactivate(ctx context.Context, id, teacherID string) (Session, error) {
	if id == "" || teacherID == "" {
		return Session{}, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	updated, err := s.store.Deactivate(ctx, id, teacherID)
	if err != nil {
		return Session{}, err
	}
	if updated == nil {
		return Session{}, ErrNotFound
	}
	return *updated, nil
}

// ListLive returns the teacher's currently scannable sessions.
func (s *Service) ListLive(ctx context.Context, teacherID string) ([]Session, error) {
	return s.store.ListLive(ctx, teacherID, s.now().UTC())
}

// Stats aggregates the teacher's sessions per subject over a named period
// (week, month, or year; month when unrecognized).
func (s *Service) Stats(ctx context.Context, teacherID, period string) ([]SubjectStat, error) {
	now := s.now().UTC()
	var since time.Time
	switch period {
	case "week":
		since = now.AddDate(0, 0, -7)
	case "year":
		since = now.AddDate(-1, 0, 0)
	default:
		since = now.AddDate(0, -1, 0)
	}
	return s.store.StatsBySubject(ctx, teacherID, since)
}

// newToken generates 16 random bytes, hex encoded. Collisions are negligible;
// the unique index on sessions.token is the hard backstop.
func newToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func validateCoordinates(coords [2]float64) error {
	lon, lat := coords[0], coords[1]
	if math.IsNaN(lon) || math.IsInf(lon, 0) || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return fmt.Errorf("%w: coordinates must be finite", ErrInvalidInput)
	}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	return nil
}
