package qr

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := Descriptor{
		SessionToken: "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		Subject:      "CS101",
		TeacherID:    "5f1e9c2a-7b3d-4e88-9a61-0c2d4f6e8a1b",
		Coordinates:  [2]float64{12.34, 56.78},
		IssuedAt:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}

	payload, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != d {
		t.Errorf("Decode(Encode(d)) = %+v, want %+v", got, d)
	}
}

func TestEncodeStampsIssuedAt(t *testing.T) {
	d := Descriptor{
		SessionToken: "tok",
		TeacherID:    "teacher",
		Coordinates:  [2]float64{0, 0},
	}
	before := time.Now().UTC()

	payload, err := Encode(d)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.IssuedAt.Before(before.Truncate(time.Millisecond)) {
		t.Errorf("IssuedAt = %v, want >= %v", got.IssuedAt, before)
	}
}

func TestEncodeRequiresToken(t *testing.T) {
	_, err := Encode(Descriptor{TeacherID: "t"})
	if err == nil {
		t.Error("Encode() with empty token error = nil, want error")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"garbage", "not json at all"},
		{"empty", ""},
		{"wrong shape", `{"foo": "bar"}`},
		{"missing token", `{"subject":"CS101","teacherId":"t","timestamp":1700000000000,"location":{"type":"Point","coordinates":[1,2]}}`},
		{"missing teacher", `{"sessionId":"s","subject":"CS101","timestamp":1700000000000,"location":{"type":"Point","coordinates":[1,2]}}`},
		{"one coordinate", `{"sessionId":"s","subject":"CS101","teacherId":"t","timestamp":1700000000000,"location":{"type":"Point","coordinates":[1]}}`},
		{"zero timestamp", `{"sessionId":"s","subject":"CS101","teacherId":"t","timestamp":0,"location":{"type":"Point","coordinates":[1,2]}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.payload)
			if err != ErrMalformedPayload {
				t.Errorf("Decode(%q) error = %v, want ErrMalformedPayload", tc.payload, err)
			}
		})
	}
}

func TestIsFresh(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	window := 15 * time.Minute

	cases := []struct {
		name     string
		issuedAt time.Time
		want     bool
	}{
		{"just issued", now, true},
		{"inside window", now.Add(-14 * time.Minute), true},
		{"exactly at window", now.Add(-15 * time.Minute), true},
		{"one second past", now.Add(-15*time.Minute - time.Second), false},
		{"sixteen minutes old", now.Add(-16 * time.Minute), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Descriptor{IssuedAt: tc.issuedAt}
			if got := IsFresh(d, now, window); got != tc.want {
				t.Errorf("IsFresh(issued %v) = %v, want %v", tc.issuedAt, got, tc.want)
			}
		})
	}
}

func TestRenderDataURL(t *testing.T) {
	payload, err := Encode(Descriptor{
		SessionToken: "tok",
		Subject:      "CS101",
		TeacherID:    "t",
		Coordinates:  [2]float64{12.34, 56.78},
		IssuedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	url, err := RenderDataURL(payload)
	if err != nil {
		t.Fatalf("RenderDataURL() error = %v", err)
	}
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("RenderDataURL() = %.40q..., want data:image/png;base64 prefix", url)
	}
}
