// Package qr encodes and decodes the scannable payload exchanged between
// session issuance and attendance marking. It is purely functional: the
// payload is self-describing JSON, so the decoder needs no store lookup.
package qr

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// ErrMalformedPayload is returned when a scanned string is not a payload
// produced by this codec. Scanning garbage is an expected outcome, not a bug.
var ErrMalformedPayload = errors.New("malformed qr payload")

// Descriptor is the set of session fields carried inside the payload.
type Descriptor struct {
	SessionToken string
	Subject      string
	TeacherID    string
	Coordinates  [2]float64 // [longitude, latitude]
	IssuedAt     time.Time
}

// wirePayload is the JSON layout handed to scanners.
type wirePayload struct {
	SessionID string       `json:"sessionId"`
	Subject   string       `json:"subject"`
	TeacherID string       `json:"teacherId"`
	Timestamp int64        `json:"timestamp"` // unix milliseconds
	Location  wireLocation `json:"location"`
}

type wireLocation struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// Encode serializes a descriptor into the payload string. A zero IssuedAt is
// stamped with the current time.
func Encode(d Descriptor) (string, error) {
	if d.SessionToken == "" {
		return "", errors.New("session token required")
	}
	if d.IssuedAt.IsZero() {
		d.IssuedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(wirePayload{
		SessionID: d.SessionToken,
		Subject:   d.Subject,
		TeacherID: d.TeacherID,
		Timestamp: d.IssuedAt.UnixMilli(),
		Location: wireLocation{
			Type:        "Point",
			Coordinates: []float64{d.Coordinates[0], d.Coordinates[1]},
		},
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Decode parses a payload back into its descriptor. Any payload that does not
// carry the full field set fails with ErrMalformedPayload.
func Decode(payload string) (Descriptor, error) {
	var w wirePayload
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return Descriptor{}, ErrMalformedPayload
	}
	if w.SessionID == "" || w.TeacherID == "" || w.Timestamp == 0 || len(w.Location.Coordinates) != 2 {
		return Descriptor{}, ErrMalformedPayload
	}
	return Descriptor{
		SessionToken: w.SessionID,
		Subject:      w.Subject,
		TeacherID:    w.TeacherID,
		Coordinates:  [2]float64{w.Location.Coordinates[0], w.Location.Coordinates[1]},
		IssuedAt:     time.UnixMilli(w.Timestamp).UTC(),
	}, nil
}

// IsFresh reports whether the payload's embedded issuance time is still inside
// the validity window. This is a cheap pre-check only; the session row's
// expires_at is authoritative since deactivation can shorten it.
func IsFresh(d Descriptor, now time.Time, window time.Duration) bool {
	return now.Sub(d.IssuedAt) <= window
}

// RenderDataURL renders the payload as a 300px PNG wrapped in a base64 data
// URL for direct display in a browser. Presentational only.
func RenderDataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, 300)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
