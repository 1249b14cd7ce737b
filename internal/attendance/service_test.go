package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qrollcall/internal/qr"
	"qrollcall/internal/session"
	"qrollcall/internal/users"
)

// fakeSessions holds sessions in memory and applies the same liveness filter
// the SQL lookup does.
type fakeSessions struct {
	mu       sync.Mutex
	byToken  map[string]*session.Session
	incerr   error
	incCalls int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byToken: map[string]*session.Session{}}
}

func (f *fakeSessions) GetLiveByToken(_ context.Context, token string, now time.Time) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byToken[token]
	if !ok || !s.Active || !s.ExpiresAt.After(now) {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) IncrementCount(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incCalls++
	if f.incerr != nil {
		return f.incerr
	}
	if s, ok := f.byToken[token]; ok {
		s.CurrentCount++
	}
	return nil
}

// fakeLedger enforces the same (student, payload) uniqueness the DB
// constraint does, atomically under its lock.
type fakeLedger struct {
	mu   sync.Mutex
	rows map[[2]string]Record
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[[2]string]Record{}}
}

func (f *fakeLedger) Exists(_ context.Context, studentID, payload string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[[2]string{studentID, payload}]
	return ok, nil
}

func (f *fakeLedger) Insert(_ context.Context, rec Record) (Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]string{rec.StudentID, rec.QRPayload}
	if _, ok := f.rows[key]; ok {
		return Record{}, ErrAlreadyMarked
	}
	rec.ID = "rec-" + rec.StudentID
	rec.CreatedAt = time.Now().UTC()
	f.rows[key] = rec
	return rec, nil
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeUsers struct {
	byID map[string]*users.User
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*users.User, error) {
	return f.byID[id], nil
}

// fixture wires a recorder around one live session and returns its payload.
type fixture struct {
	svc      *Service
	sessions *fakeSessions
	ledger   *fakeLedger
	payload  string
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	issuedAt := now.Add(-1 * time.Minute)

	payload, err := qr.Encode(qr.Descriptor{
		SessionToken: "tok123",
		Subject:      "CS101",
		TeacherID:    "teacher-1",
		Coordinates:  [2]float64{12.34, 56.78},
		IssuedAt:     issuedAt,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	sess := newFakeSessions()
	sess.byToken["tok123"] = &session.Session{
		ID:        "sess-1",
		Token:     "tok123",
		TeacherID: "teacher-1",
		Subject:   "CS101",
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(15 * time.Minute),
		Active:    true,
		Capacity:  1,
	}

	led := newFakeLedger()
	dir := &fakeUsers{byID: map[string]*users.User{
		"teacher-1": {ID: "teacher-1", Name: "Dr. Rao", Role: users.RoleTeacher},
	}}

	svc := NewService(sess, led, dir, 15*time.Minute)
	svc.now = func() time.Time { return now }

	return &fixture{svc: svc, sessions: sess, ledger: led, payload: payload, now: now}
}

func studentA() users.User {
	return users.User{ID: "student-a", Name: "Asha", StudentNumber: "S001", Role: users.RoleStudent}
}

func TestMarkSuccess(t *testing.T) {
	fx := newFixture(t)

	rec, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{12.35, 56.79}, DeviceInfo{Browser: "firefox"})
	if err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if rec.Status != "present" {
		t.Errorf("Status = %q, want present", rec.Status)
	}
	if rec.Subject != "CS101" {
		t.Errorf("Subject = %q, want CS101", rec.Subject)
	}
	if rec.TeacherName != "Dr. Rao" || rec.StudentName != "Asha" {
		t.Errorf("denormalized names = %q/%q, want Dr. Rao/Asha", rec.TeacherName, rec.StudentName)
	}
	if rec.Longitude != 12.35 || rec.Latitude != 56.79 {
		t.Errorf("student location = [%v %v], want the scanned coordinates", rec.Longitude, rec.Latitude)
	}
	if got := fx.sessions.byToken["tok123"].CurrentCount; got != 1 {
		t.Errorf("CurrentCount = %d, want 1", got)
	}
}

func TestMarkGarbagePayload(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.svc.Mark(context.Background(), studentA(), "definitely not a payload", [2]float64{0, 0}, DeviceInfo{})
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Mark(garbage) error = %v, want ErrInvalidPayload", err)
	}
	if fx.ledger.count() != 0 {
		t.Errorf("ledger rows = %d, want 0", fx.ledger.count())
	}
}

func TestMarkStalePayloadRejectedBeforeStorage(t *testing.T) {
	fx := newFixture(t)

	stale, err := qr.Encode(qr.Descriptor{
		SessionToken: "tok123",
		Subject:      "CS101",
		TeacherID:    "teacher-1",
		Coordinates:  [2]float64{12.34, 56.78},
		IssuedAt:     fx.now.Add(-16 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	_, err = fx.svc.Mark(context.Background(), studentA(), stale, [2]float64{0, 0}, DeviceInfo{})
	if !errors.Is(err, ErrPayloadExpired) {
		t.Errorf("Mark(stale) error = %v, want ErrPayloadExpired", err)
	}
}

func TestMarkUnknownToken(t *testing.T) {
	fx := newFixture(t)

	foreign, _ := qr.Encode(qr.Descriptor{
		SessionToken: "no-such-token",
		Subject:      "CS101",
		TeacherID:    "teacher-1",
		Coordinates:  [2]float64{12.34, 56.78},
		IssuedAt:     fx.now,
	})
	_, err := fx.svc.Mark(context.Background(), studentA(), foreign, [2]float64{0, 0}, DeviceInfo{})
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Mark(unknown token) error = %v, want ErrSessionExpired", err)
	}
}

func TestMarkDeactivatedSessionRejectsFreshPayload(t *testing.T) {
	fx := newFixture(t)
	fx.sessions.byToken["tok123"].Active = false

	_, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{})
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Mark(deactivated) error = %v, want ErrSessionExpired", err)
	}
}

func TestMarkSessionPastExpiry(t *testing.T) {
	fx := newFixture(t)
	// Row expiry shortened below the payload window: the lookup must win.
	fx.sessions.byToken["tok123"].ExpiresAt = fx.now.Add(-1 * time.Second)

	_, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{})
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Mark(expired row) error = %v, want ErrSessionExpired", err)
	}
}

func TestMarkIdempotent(t *testing.T) {
	fx := newFixture(t)

	if _, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{}); err != nil {
		t.Fatalf("first Mark() error = %v", err)
	}
	_, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{})
	if !errors.Is(err, ErrAlreadyMarked) {
		t.Errorf("second Mark() error = %v, want ErrAlreadyMarked", err)
	}
	if fx.ledger.count() != 1 {
		t.Errorf("ledger rows = %d, want exactly 1", fx.ledger.count())
	}
	if got := fx.sessions.byToken["tok123"].CurrentCount; got != 1 {
		t.Errorf("CurrentCount = %d, want 1 (no increment on rejection)", got)
	}
}

func TestMarkConcurrentDuplicatesCreateOneRecord(t *testing.T) {
	fx := newFixture(t)

	const n = 32
	var wg sync.WaitGroup
	accepted := make(chan Record, n)
	rejected := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{})
			if err != nil {
				rejected <- err
				return
			}
			accepted <- rec
		}()
	}
	wg.Wait()
	close(accepted)
	close(rejected)

	if got := len(accepted); got != 1 {
		t.Fatalf("accepted marks = %d, want exactly 1", got)
	}
	for err := range rejected {
		if !errors.Is(err, ErrAlreadyMarked) {
			t.Errorf("rejected mark error = %v, want ErrAlreadyMarked", err)
		}
	}
	if fx.ledger.count() != 1 {
		t.Errorf("ledger rows = %d, want 1", fx.ledger.count())
	}
}

func TestMarkSecondStudentSucceedsPastCapacity(t *testing.T) {
	fx := newFixture(t) // capacity 1

	if _, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{}); err != nil {
		t.Fatalf("student A Mark() error = %v", err)
	}

	studentB := users.User{ID: "student-b", Name: "Ben", StudentNumber: "S002", Role: users.RoleStudent}
	rec, err := fx.svc.Mark(context.Background(), studentB, fx.payload, [2]float64{0, 0}, DeviceInfo{})
	if err != nil {
		t.Fatalf("student B Mark() error = %v (capacity is a soft cap)", err)
	}
	if rec.Status != "present" {
		t.Errorf("Status = %q, want present", rec.Status)
	}
	if got := fx.sessions.byToken["tok123"].CurrentCount; got != 2 {
		t.Errorf("CurrentCount = %d, want 2", got)
	}
}

func TestMarkIssuerMissing(t *testing.T) {
	fx := newFixture(t)
	fx.svc.users = &fakeUsers{byID: map[string]*users.User{}}

	_, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{})
	if !errors.Is(err, ErrIssuerNotFound) {
		t.Errorf("Mark() error = %v, want ErrIssuerNotFound", err)
	}
	if fx.ledger.count() != 0 {
		t.Errorf("ledger rows = %d, want 0", fx.ledger.count())
	}
}

func TestMarkSucceedsWhenIncrementFails(t *testing.T) {
	fx := newFixture(t)
	fx.sessions.incerr = errors.New("connection reset")

	rec, err := fx.svc.Mark(context.Background(), studentA(), fx.payload, [2]float64{0, 0}, DeviceInfo{})
	if err != nil {
		t.Fatalf("Mark() error = %v, want nil (increment is best-effort)", err)
	}
	if rec.ID == "" {
		t.Error("record not returned despite successful commit")
	}
	if fx.sessions.incCalls != 1 {
		t.Errorf("increment calls = %d, want 1 (no silent retry)", fx.sessions.incCalls)
	}
}
