package server

import (
	"errors"
	"testing"
	"time"

	"github.com/teatime-co/Reflective-Server/internal/backups"
)

func TestParseWireTime(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected time.Time
		wantErr  bool
	}{
		{name: "utc", input: "2025-11-09T10:30:00Z", expected: time.Date(2025, 11, 9, 10, 30, 0, 0, time.UTC)},
		{name: "offset", input: "2025-11-09T12:30:00+02:00", expected: time.Date(2025, 11, 9, 10, 30, 0, 0, time.UTC)},
		{name: "micros", input: "2025-11-09T10:30:00.000042Z", expected: time.Date(2025, 11, 9, 10, 30, 0, 42000, time.UTC)},
		{name: "offsetless", input: "2025-11-09T10:30:00", expected: time.Date(2025, 11, 9, 10, 30, 0, 0, time.UTC)},
		{name: "offsetless fraction", input: "2025-11-09T10:30:00.25", expected: time.Date(2025, 11, 9, 10, 30, 0, 250000000, time.UTC)},
		{name: "empty", input: " ", wantErr: true},
		{name: "date only", input: "2025-11-09", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			parsed, err := parseWireTime("updated_at", testCase.input)
			if testCase.wantErr {
				if !errors.Is(err, errMalformedRequest) {
					t.Fatalf("expected malformed request error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !parsed.Equal(testCase.expected) || parsed.Location() != time.UTC {
				t.Fatalf("expected %s, got %s", testCase.expected, parsed)
			}
		})
	}
}

func TestDecodeCiphertext(t *testing.T) {
	decoded, err := decodeCiphertext("encrypted_content", "aGVsbG8=")
	if err != nil || string(decoded) != "hello" {
		t.Fatalf("unexpected decode result %q, %v", decoded, err)
	}
	if decoded, err := decodeCiphertext("encrypted_embedding", ""); err != nil || decoded != nil {
		t.Fatalf("expected empty value to decode to nil, got %v, %v", decoded, err)
	}
	_, err = decodeCiphertext("encrypted_content", "aGVsbG8")
	var requestErr *requestError
	if !errors.As(err, &requestErr) || requestErr.field != "encrypted_content" {
		t.Fatalf("expected field-scoped error, got %v", err)
	}
}

func TestBackupPayloadOmitsMissingEmbedding(t *testing.T) {
	payload := newBackupPayload(backups.Backup{
		EntryID:          "entry-1",
		EncryptedContent: []byte("hello"),
		ContentIV:        "iv",
		CreatedAtMicros:  1,
		UpdatedAtMicros:  2,
		DeviceID:         "device-a",
	})
	if payload.EncryptedEmbedding != nil || payload.EmbeddingIV != nil {
		t.Fatalf("expected no embedding, got %#v", payload)
	}
	if payload.EncryptedContent != "aGVsbG8=" {
		t.Fatalf("unexpected content %q", payload.EncryptedContent)
	}
	if !payload.UpdatedAt.Equal(time.UnixMicro(2)) {
		t.Fatalf("unexpected updated at %s", payload.UpdatedAt)
	}
}

func TestResolutionPayloadValidation(t *testing.T) {
	request, err := resolutionPayload{ChosenVersion: " Merged ", FinalEncryptedContent: "aGVsbG8=", FinalIV: "iv"}.request()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if request.Choice != backups.ResolutionMerged || string(request.FinalContent) != "hello" {
		t.Fatalf("unexpected request %#v", request)
	}
	if err := request.Validate(); err != nil {
		t.Fatalf("expected valid merged request, got %v", err)
	}

	_, err = resolutionPayload{ChosenVersion: "both"}.request()
	var validation *backups.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
