package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teatime-co/Reflective-Server/internal/backups"
)

const naiveTimestampLayout = "2006-01-02T15:04:05.999999999"

var errMalformedRequest = errors.New("malformed request")

// requestError reports a field the wire codec could not decode.
type requestError struct {
	field  string
	reason string
}

func (e *requestError) Error() string {
	return fmt.Sprintf("%s: %s", e.field, e.reason)
}

func (e *requestError) Unwrap() error {
	return errMalformedRequest
}

// decodeCiphertext decodes standard base64. An empty value decodes to nil.
func decodeCiphertext(field, value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, &requestError{field: field, reason: "invalid base64"}
	}
	return decoded, nil
}

func encodeCiphertext(value []byte) string {
	if len(value) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(value)
}

// parseWireTime accepts RFC 3339 timestamps and offset-less ISO 8601 timestamps, which are read as UTC.
func parseWireTime(field, value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, &requestError{field: field, reason: "required"}
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.ParseInLocation(naiveTimestampLayout, trimmed, time.UTC)
	if err != nil {
		return time.Time{}, &requestError{field: field, reason: "invalid timestamp"}
	}
	return parsed, nil
}

func parseWireTimestamp(field, value string) (backups.Timestamp, error) {
	parsed, err := parseWireTime(field, value)
	if err != nil {
		return 0, err
	}
	timestamp, err := backups.NewTimestamp(parsed)
	if err != nil {
		return 0, &requestError{field: field, reason: err.Error()}
	}
	return timestamp, nil
}

type backupPushPayload struct {
	ID                 string `json:"id" binding:"required"`
	EncryptedContent   string `json:"encrypted_content" binding:"required"`
	ContentIV          string `json:"content_iv" binding:"required"`
	ContentTag         string `json:"content_tag"`
	EncryptedEmbedding string `json:"encrypted_embedding"`
	EmbeddingIV        string `json:"embedding_iv"`
	CreatedAt          string `json:"created_at" binding:"required"`
	UpdatedAt          string `json:"updated_at" binding:"required"`
	DeviceID           string `json:"device_id" binding:"required"`
}

func (payload backupPushPayload) candidate() (backups.BackupCandidate, error) {
	entryID, err := backups.NewEntryID(payload.ID)
	if err != nil {
		return backups.BackupCandidate{}, &requestError{field: "id", reason: err.Error()}
	}
	deviceID, err := backups.NewDeviceID(payload.DeviceID)
	if err != nil {
		return backups.BackupCandidate{}, &requestError{field: "device_id", reason: err.Error()}
	}
	content, err := decodeCiphertext("encrypted_content", payload.EncryptedContent)
	if err != nil {
		return backups.BackupCandidate{}, err
	}
	embedding, err := decodeCiphertext("encrypted_embedding", payload.EncryptedEmbedding)
	if err != nil {
		return backups.BackupCandidate{}, err
	}
	createdAt, err := parseWireTimestamp("created_at", payload.CreatedAt)
	if err != nil {
		return backups.BackupCandidate{}, err
	}
	updatedAt, err := parseWireTimestamp("updated_at", payload.UpdatedAt)
	if err != nil {
		return backups.BackupCandidate{}, err
	}
	candidate, err := backups.NewBackupCandidate(backups.BackupCandidateConfig{
		EntryID:            entryID,
		EncryptedContent:   content,
		ContentIV:          payload.ContentIV,
		ContentTag:         payload.ContentTag,
		EncryptedEmbedding: embedding,
		EmbeddingIV:        payload.EmbeddingIV,
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
		DeviceID:           deviceID,
	})
	if err != nil {
		return backups.BackupCandidate{}, &requestError{field: "backup", reason: err.Error()}
	}
	return candidate, nil
}

type backupPayload struct {
	ID                 string    `json:"id"`
	EncryptedContent   string    `json:"encrypted_content"`
	ContentIV          string    `json:"content_iv"`
	ContentTag         string    `json:"content_tag"`
	EncryptedEmbedding *string   `json:"encrypted_embedding"`
	EmbeddingIV        *string   `json:"embedding_iv"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	DeviceID           string    `json:"device_id"`
}

func newBackupPayload(backup backups.Backup) backupPayload {
	payload := backupPayload{
		ID:               backup.EntryID,
		EncryptedContent: encodeCiphertext(backup.EncryptedContent),
		ContentIV:        backup.ContentIV,
		ContentTag:       backup.ContentTag,
		CreatedAt:        backup.CreatedAt(),
		UpdatedAt:        backup.UpdatedAt(),
		DeviceID:         backup.DeviceID,
	}
	if len(backup.EncryptedEmbedding) > 0 {
		embedding := encodeCiphertext(backup.EncryptedEmbedding)
		embeddingIV := backup.EmbeddingIV
		payload.EncryptedEmbedding = &embedding
		payload.EmbeddingIV = &embeddingIV
	}
	return payload
}

type conflictVersionPayload struct {
	EncryptedContent string    `json:"encrypted_content"`
	IV               string    `json:"iv"`
	Tag              *string   `json:"tag"`
	UpdatedAt        time.Time `json:"updated_at"`
	DeviceID         string    `json:"device_id"`
}

func newConflictVersionPayload(version backups.Version) conflictVersionPayload {
	payload := conflictVersionPayload{
		EncryptedContent: encodeCiphertext(version.EncryptedContent),
		IV:               version.IV,
		UpdatedAt:        version.UpdatedAt,
		DeviceID:         version.DeviceID,
	}
	if version.AuthTag != "" {
		tag := version.AuthTag
		payload.Tag = &tag
	}
	return payload
}

type conflictPayload struct {
	ID            string                 `json:"id"`
	LogID         string                 `json:"log_id"`
	LocalVersion  conflictVersionPayload `json:"local_version"`
	RemoteVersion conflictVersionPayload `json:"remote_version"`
	DetectedAt    time.Time              `json:"detected_at"`
}

func newConflictPayload(conflict backups.Conflict) conflictPayload {
	return conflictPayload{
		ID:            conflict.ConflictID,
		LogID:         conflict.TargetID,
		LocalVersion:  newConflictVersionPayload(conflict.LocalVersion()),
		RemoteVersion: newConflictVersionPayload(conflict.RemoteVersion()),
		DetectedAt:    conflict.DetectedAt(),
	}
}

type resolutionPayload struct {
	ChosenVersion           string `json:"chosen_version"`
	FinalEncryptedContent   string `json:"final_encrypted_content"`
	FinalIV                 string `json:"final_iv"`
	FinalTag                string `json:"final_tag"`
	FinalEncryptedEmbedding string `json:"final_encrypted_embedding"`
	FinalEmbeddingIV        string `json:"final_embedding_iv"`
}

// request decodes the payload. Choice and missing merged fields are left to backups.ResolutionRequest.Validate.
func (payload resolutionPayload) request() (backups.ResolutionRequest, error) {
	choice, err := backups.ParseResolutionChoice(payload.ChosenVersion)
	if err != nil {
		return backups.ResolutionRequest{}, err
	}
	content, err := decodeCiphertext("final_encrypted_content", payload.FinalEncryptedContent)
	if err != nil {
		return backups.ResolutionRequest{}, err
	}
	embedding, err := decodeCiphertext("final_encrypted_embedding", payload.FinalEncryptedEmbedding)
	if err != nil {
		return backups.ResolutionRequest{}, err
	}
	return backups.ResolutionRequest{
		Choice:           choice,
		FinalContent:     content,
		FinalIV:          strings.TrimSpace(payload.FinalIV),
		FinalTag:         strings.TrimSpace(payload.FinalTag),
		FinalEmbedding:   embedding,
		FinalEmbeddingIV: strings.TrimSpace(payload.FinalEmbeddingIV),
	}, nil
}

type metricPayload struct {
	MetricType     string `json:"metric_type" binding:"required"`
	EncryptedValue string `json:"encrypted_value" binding:"required"`
	Timestamp      string `json:"timestamp" binding:"required"`
}

type metricBatchPayload struct {
	Metrics []metricPayload `json:"metrics" binding:"required"`
}
