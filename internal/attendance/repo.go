package attendance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceInfo is descriptive browser/device metadata captured with a mark.
// Informational only; never validated.
type DeviceInfo struct {
	UserAgent string `json:"user_agent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Browser   string `json:"browser,omitempty"`
}

// Record is one accepted attendance mark. Student and teacher display fields
// are denormalized on purpose: the row shows who they were at mark time, even
// if the profile changes later. Rows are immutable after insert.
type Record struct {
	ID            string     `json:"id"`
	StudentID     string     `json:"student_id"`
	StudentNumber string     `json:"student_number"`
	StudentName   string     `json:"student_name"`
	TeacherID     string     `json:"teacher_id"`
	TeacherName   string     `json:"teacher_name"`
	Subject       string     `json:"subject"`
	MarkedAt      time.Time  `json:"marked_at"`
	TimeOfDay     string     `json:"time"`
	Status        string     `json:"status"`
	Longitude     float64    `json:"longitude"`
	Latitude      float64    `json:"latitude"`
	Device        DeviceInfo `json:"device_info"`
	QRPayload     string     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Exists reports whether the student already has a record for this exact
// payload. This is the friendly pre-check; the UNIQUE constraint consulted by
// Insert is what actually serializes concurrent duplicates.
func (r *Repository) Exists(ctx context.Context, studentID, payload string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM attendance_records WHERE student_id = $1 AND qr_payload = $2
	`, studentID, payload).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Insert writes a new record. A conflict on (student_id, qr_payload) returns
// ErrAlreadyMarked: under concurrent duplicate scans exactly one insert wins.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, student_id, student_number, student_name,
			teacher_id, teacher_name, subject, marked_at, time_of_day, status,
			longitude, latitude, user_agent, platform, browser, qr_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (student_id, qr_payload) DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.StudentID, rec.StudentNumber, rec.StudentName,
		rec.TeacherID, rec.TeacherName, rec.Subject, rec.MarkedAt, rec.TimeOfDay, rec.Status,
		rec.Longitude, rec.Latitude, rec.Device.UserAgent, rec.Device.Platform, rec.Device.Browser, rec.QRPayload)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrAlreadyMarked
		}
		return Record{}, err
	}
	return rec, nil
}

// HistoryFilter narrows paginated history queries.
type HistoryFilter struct {
	Subject   string
	StartDate time.Time
	EndDate   time.Time
	Page      int
	Limit     int
}

// Page is one page of history plus pagination totals.
type Page struct {
	Records []Record `json:"attendances"`
	Current int      `json:"current"`
	Pages   int      `json:"pages"`
	Total   int      `json:"total"`
}

// ListByStudent returns the student's marks, newest first.
func (r *Repository) ListByStudent(ctx context.Context, studentID string, f HistoryFilter) (Page, error) {
	return r.list(ctx, "student_id", studentID, f)
}

// ListByTeacher returns marks recorded against the teacher's sessions.
func (r *Repository) ListByTeacher(ctx context.Context, teacherID string, f HistoryFilter) (Page, error) {
	return r.list(ctx, "teacher_id", teacherID, f)
}

func (r *Repository) list(ctx context.Context, ownerCol, ownerID string, f HistoryFilter) (Page, error) {
	if f.Limit <= 0 {
		f.Limit = 10
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	where := ownerCol + " = $1"
	args := []any{ownerID}
	if f.Subject != "" {
		args = append(args, "%"+f.Subject+"%")
		where += fmt.Sprintf(" AND subject ILIKE $%d", len(args))
	}
	if !f.StartDate.IsZero() {
		args = append(args, f.StartDate)
		where += fmt.Sprintf(" AND marked_at >= $%d", len(args))
	}
	if !f.EndDate.IsZero() {
		args = append(args, f.EndDate)
		where += fmt.Sprintf(" AND marked_at <= $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_records WHERE `+where, args...).Scan(&total); err != nil {
		return Page{}, err
	}

	query := `
		SELECT id, student_id, student_number, student_name, teacher_id, teacher_name,
			subject, marked_at, time_of_day, status, longitude, latitude,
			user_agent, platform, browser, qr_payload, created_at
		FROM attendance_records
		WHERE ` + where + fmt.Sprintf(`
		ORDER BY marked_at DESC
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, f.Limit, (f.Page-1)*f.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.StudentNumber, &rec.StudentName,
			&rec.TeacherID, &rec.TeacherName, &rec.Subject, &rec.MarkedAt, &rec.TimeOfDay, &rec.Status,
			&rec.Longitude, &rec.Latitude, &rec.Device.UserAgent, &rec.Device.Platform, &rec.Device.Browser,
			&rec.QRPayload, &rec.CreatedAt); err != nil {
			return Page{}, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	pages := (total + f.Limit - 1) / f.Limit
	return Page{Records: recs, Current: f.Page, Pages: pages, Total: total}, nil
}

// SubjectCount is a per-subject mark tally.
type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int    `json:"count"`
}

// StatsBySubject counts marks per subject for the owner column since a time.
// ownerIsTeacher selects whose history is tallied.
func (r *Repository) StatsBySubject(ctx context.Context, ownerID string, ownerIsTeacher bool, since time.Time) ([]SubjectCount, error) {
	col := "student_id"
	if ownerIsTeacher {
		col = "teacher_id"
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT subject, COUNT(*)
		FROM attendance_records
		WHERE `+col+` = $1 AND marked_at >= $2
		GROUP BY subject
		ORDER BY subject
	`, ownerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []SubjectCount
	for rows.Next() {
		var sc SubjectCount
		if err := rows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}
