package backups

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("backups: invalid owner id")
	// ErrInvalidEntryID indicates that an entry identifier is empty or exceeds storage bounds.
	ErrInvalidEntryID = errors.New("backups: invalid entry id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("backups: invalid device id")
	// ErrInvalidConflictID indicates that a conflict identifier is empty or exceeds storage bounds.
	ErrInvalidConflictID = errors.New("backups: invalid conflict id")
	// ErrInvalidTimestamp indicates that a timestamp is zero or precedes the unix epoch.
	ErrInvalidTimestamp = errors.New("backups: invalid timestamp")
	// ErrInvalidCandidate indicates that a pushed backup is missing ciphertext or parameters.
	ErrInvalidCandidate = errors.New("backups: invalid backup candidate")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// OwnerID identifies the user that exclusively owns backups and conflicts.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidOwnerID)
	return OwnerID(value), err
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// EntryID identifies a logical journal entry; it is chosen by the client and stable across devices.
type EntryID string

// NewEntryID validates raw input and returns an EntryID.
func NewEntryID(rawInput string) (EntryID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidEntryID)
	return EntryID(value), err
}

// String returns the underlying string identifier.
func (id EntryID) String() string {
	return string(id)
}

// DeviceID identifies the installation that produced a write.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidDeviceID)
	return DeviceID(value), err
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// ConflictID identifies a conflict record.
type ConflictID string

// NewConflictID validates raw input and returns a ConflictID.
func NewConflictID(rawInput string) (ConflictID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidConflictID)
	return ConflictID(value), err
}

// String returns the underlying string identifier.
func (id ConflictID) String() string {
	return string(id)
}

// Timestamp is a client wall-clock time with microsecond precision, stored as unix microseconds.
type Timestamp int64

// NewTimestamp validates the value and returns a Timestamp.
func NewTimestamp(value time.Time) (Timestamp, error) {
	if value.IsZero() {
		return 0, fmt.Errorf("%w: zero time", ErrInvalidTimestamp)
	}
	return TimestampFromMicros(value.UTC().UnixMicro())
}

// TimestampFromMicros validates unix microseconds and returns a Timestamp.
func TimestampFromMicros(micros int64) (Timestamp, error) {
	if micros <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, micros)
	}
	return Timestamp(micros), nil
}

// Micros exposes the raw unix microseconds value.
func (ts Timestamp) Micros() int64 {
	return int64(ts)
}

// Time converts the timestamp to a UTC time.Time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMicro(int64(ts)).UTC()
}

// Backup is the server-held encrypted snapshot of one entry. The server never inspects the ciphertext.
type Backup struct {
	UserID             string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_backups_user_updated,priority:1"`
	EntryID            string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	EncryptedContent   []byte `gorm:"column:encrypted_content;not null"`
	ContentIV          string `gorm:"column:content_iv;size:512;not null"`
	ContentTag         string `gorm:"column:content_tag;size:512;not null;default:''"`
	EncryptedEmbedding []byte `gorm:"column:encrypted_embedding"`
	EmbeddingIV        string `gorm:"column:embedding_iv;size:512;not null;default:''"`
	CreatedAtMicros    int64  `gorm:"column:created_at_us;not null"`
	UpdatedAtMicros    int64  `gorm:"column:updated_at_us;not null;index:idx_backups_user_updated,priority:2"`
	DeviceID           string `gorm:"column:device_id;size:190;not null;index:idx_backups_device"`
}

// TableName provides the explicit table binding for GORM.
func (Backup) TableName() string {
	return "encrypted_backups"
}

// CreatedAt returns the original creation time.
func (backup Backup) CreatedAt() time.Time {
	return time.UnixMicro(backup.CreatedAtMicros).UTC()
}

// UpdatedAt returns the time of the most recently accepted write.
func (backup Backup) UpdatedAt() time.Time {
	return time.UnixMicro(backup.UpdatedAtMicros).UTC()
}

// Version captures one side of a conflict.
type Version struct {
	EncryptedContent []byte
	IV               string
	AuthTag          string
	UpdatedAt        time.Time
	DeviceID         string
}

// Conflict stores both competing versions of an entry until the owner arbitrates.
// Local is the rejected incoming write; remote is what was stored when the conflict was detected.
type Conflict struct {
	ConflictID            string `gorm:"column:conflict_id;primaryKey;size:64;not null"`
	UserID                string `gorm:"column:user_id;size:190;not null;index:idx_conflicts_user_open,priority:1"`
	TargetID              string `gorm:"column:target_id;size:190;not null;index:idx_conflicts_target"`
	LocalContent          []byte `gorm:"column:local_encrypted_content;not null"`
	LocalIV               string `gorm:"column:local_iv;size:512;not null"`
	LocalTag              string `gorm:"column:local_tag;size:512;not null;default:''"`
	LocalEmbedding        []byte `gorm:"column:local_encrypted_embedding"`
	LocalEmbeddingIV      string `gorm:"column:local_embedding_iv;size:512;not null;default:''"`
	LocalUpdatedAtMicros  int64  `gorm:"column:local_updated_at_us;not null"`
	LocalDeviceID         string `gorm:"column:local_device_id;size:190;not null"`
	RemoteContent         []byte `gorm:"column:remote_encrypted_content;not null"`
	RemoteIV              string `gorm:"column:remote_iv;size:512;not null"`
	RemoteTag             string `gorm:"column:remote_tag;size:512;not null;default:''"`
	RemoteUpdatedAtMicros int64  `gorm:"column:remote_updated_at_us;not null"`
	RemoteDeviceID        string `gorm:"column:remote_device_id;size:190;not null"`
	DetectedAtMicros      int64  `gorm:"column:detected_at_us;not null;index:idx_conflicts_user_open,priority:3"`
	Resolved              bool   `gorm:"column:resolved;not null;default:false;index:idx_conflicts_user_open,priority:2"`
	ResolvedAtMicros      *int64 `gorm:"column:resolved_at_us"`
	Resolution            string `gorm:"column:resolution;size:32;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Conflict) TableName() string {
	return "sync_conflicts"
}

// LocalVersion returns the incoming write that triggered the conflict.
func (conflict Conflict) LocalVersion() Version {
	return Version{
		EncryptedContent: conflict.LocalContent,
		IV:               conflict.LocalIV,
		AuthTag:          conflict.LocalTag,
		UpdatedAt:        time.UnixMicro(conflict.LocalUpdatedAtMicros).UTC(),
		DeviceID:         conflict.LocalDeviceID,
	}
}

// RemoteVersion returns the stored version observed at detection time.
func (conflict Conflict) RemoteVersion() Version {
	return Version{
		EncryptedContent: conflict.RemoteContent,
		IV:               conflict.RemoteIV,
		AuthTag:          conflict.RemoteTag,
		UpdatedAt:        time.UnixMicro(conflict.RemoteUpdatedAtMicros).UTC(),
		DeviceID:         conflict.RemoteDeviceID,
	}
}

// DetectedAt returns when the conflict was last detected.
func (conflict Conflict) DetectedAt() time.Time {
	return time.UnixMicro(conflict.DetectedAtMicros).UTC()
}

// ResolvedAt returns when the conflict was resolved, if it was.
func (conflict Conflict) ResolvedAt() (time.Time, bool) {
	if conflict.ResolvedAtMicros == nil {
		return time.Time{}, false
	}
	return time.UnixMicro(*conflict.ResolvedAtMicros).UTC(), true
}

// BackupCandidate is a validated incoming write for one entry.
type BackupCandidate struct {
	entryID            EntryID
	encryptedContent   []byte
	contentIV          string
	contentTag         string
	encryptedEmbedding []byte
	embeddingIV        string
	createdAt          Timestamp
	updatedAt          Timestamp
	deviceID           DeviceID
}

// BackupCandidateConfig describes the inputs required to build a BackupCandidate.
type BackupCandidateConfig struct {
	EntryID            EntryID
	EncryptedContent   []byte
	ContentIV          string
	ContentTag         string
	EncryptedEmbedding []byte
	EmbeddingIV        string
	CreatedAt          Timestamp
	UpdatedAt          Timestamp
	DeviceID           DeviceID
}

// NewBackupCandidate validates the provided configuration and returns a BackupCandidate.
func NewBackupCandidate(cfg BackupCandidateConfig) (BackupCandidate, error) {
	if cfg.EntryID == "" {
		return BackupCandidate{}, fmt.Errorf("%w: empty entry id", ErrInvalidCandidate)
	}
	if cfg.DeviceID == "" {
		return BackupCandidate{}, fmt.Errorf("%w: empty device id", ErrInvalidCandidate)
	}
	if len(cfg.EncryptedContent) == 0 {
		return BackupCandidate{}, fmt.Errorf("%w: empty encrypted content", ErrInvalidCandidate)
	}
	if strings.TrimSpace(cfg.ContentIV) == "" {
		return BackupCandidate{}, fmt.Errorf("%w: empty content iv", ErrInvalidCandidate)
	}
	if len(cfg.EncryptedEmbedding) > 0 && strings.TrimSpace(cfg.EmbeddingIV) == "" {
		return BackupCandidate{}, fmt.Errorf("%w: embedding without iv", ErrInvalidCandidate)
	}
	if cfg.CreatedAt <= 0 || cfg.UpdatedAt <= 0 {
		return BackupCandidate{}, fmt.Errorf("%w: missing timestamps", ErrInvalidCandidate)
	}
	candidate := BackupCandidate{
		entryID:          cfg.EntryID,
		encryptedContent: append([]byte(nil), cfg.EncryptedContent...),
		contentIV:        strings.TrimSpace(cfg.ContentIV),
		contentTag:       strings.TrimSpace(cfg.ContentTag),
		createdAt:        cfg.CreatedAt,
		updatedAt:        cfg.UpdatedAt,
		deviceID:         cfg.DeviceID,
	}
	if len(cfg.EncryptedEmbedding) > 0 {
		candidate.encryptedEmbedding = append([]byte(nil), cfg.EncryptedEmbedding...)
		candidate.embeddingIV = strings.TrimSpace(cfg.EmbeddingIV)
	}
	return candidate, nil
}

// EntryID returns the logical entry identifier.
func (candidate BackupCandidate) EntryID() EntryID {
	return candidate.entryID
}

// EncryptedContent returns the content ciphertext.
func (candidate BackupCandidate) EncryptedContent() []byte {
	return candidate.encryptedContent
}

// ContentIV returns the content initialization vector.
func (candidate BackupCandidate) ContentIV() string {
	return candidate.contentIV
}

// ContentTag returns the optional AEAD authentication tag.
func (candidate BackupCandidate) ContentTag() string {
	return candidate.contentTag
}

// EncryptedEmbedding returns the optional embedding ciphertext.
func (candidate BackupCandidate) EncryptedEmbedding() []byte {
	return candidate.encryptedEmbedding
}

// EmbeddingIV returns the embedding initialization vector.
func (candidate BackupCandidate) EmbeddingIV() string {
	return candidate.embeddingIV
}

// HasEmbedding reports whether the candidate carries an embedding.
func (candidate BackupCandidate) HasEmbedding() bool {
	return len(candidate.encryptedEmbedding) > 0
}

// CreatedAt returns the client creation time.
func (candidate BackupCandidate) CreatedAt() Timestamp {
	return candidate.createdAt
}

// UpdatedAt returns the client modification time.
func (candidate BackupCandidate) UpdatedAt() Timestamp {
	return candidate.updatedAt
}

// DeviceID returns the originating device.
func (candidate BackupCandidate) DeviceID() DeviceID {
	return candidate.deviceID
}

func newBackupFromCandidate(owner OwnerID, candidate BackupCandidate) Backup {
	return Backup{
		UserID:             owner.String(),
		EntryID:            candidate.EntryID().String(),
		EncryptedContent:   candidate.EncryptedContent(),
		ContentIV:          candidate.ContentIV(),
		ContentTag:         candidate.ContentTag(),
		EncryptedEmbedding: candidate.EncryptedEmbedding(),
		EmbeddingIV:        candidate.EmbeddingIV(),
		CreatedAtMicros:    candidate.CreatedAt().Micros(),
		UpdatedAtMicros:    candidate.UpdatedAt().Micros(),
		DeviceID:           candidate.DeviceID().String(),
	}
}
