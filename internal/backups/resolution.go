package backups

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ResolutionKind names how a conflict was closed.
type ResolutionKind string

const (
	// ResolutionLocal keeps the rejected incoming write.
	ResolutionLocal ResolutionKind = "local"
	// ResolutionRemote keeps the stored version.
	ResolutionRemote ResolutionKind = "remote"
	// ResolutionMerged replaces the stored version with content merged by the client.
	ResolutionMerged ResolutionKind = "merged"
	// ResolutionTargetDeleted marks conflicts closed because their backup was deleted.
	ResolutionTargetDeleted ResolutionKind = "target_deleted"
)

const (
	fieldFinalContent = "final_encrypted_content"
	fieldFinalIV      = "final_iv"
	fieldChosen       = "chosen_version"
)

var (
	// ErrInvalidResolution indicates a malformed resolution request.
	ErrInvalidResolution = errors.New("backups: invalid resolution")
)

// Known reports whether kind is one of the resolutions a conflict can be closed with.
func (kind ResolutionKind) Known() bool {
	switch kind {
	case ResolutionLocal, ResolutionRemote, ResolutionMerged, ResolutionTargetDeleted:
		return true
	default:
		return false
	}
}

// ParseResolutionChoice accepts the choices a client may submit.
func ParseResolutionChoice(rawInput string) (ResolutionKind, error) {
	switch kind := ResolutionKind(strings.ToLower(strings.TrimSpace(rawInput))); kind {
	case ResolutionLocal, ResolutionRemote, ResolutionMerged:
		return kind, nil
	default:
		return "", &ValidationError{Fields: map[string]string{fieldChosen: fmt.Sprintf("unsupported value %q", rawInput)}}
	}
}

// ValidationError lists the request fields that are missing or malformed.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("%v: %s", ErrInvalidResolution, strings.Join(names, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidResolution
}

// ResolutionRequest carries the owner's choice and, for merged resolutions, the merged ciphertext.
type ResolutionRequest struct {
	Choice           ResolutionKind
	FinalContent     []byte
	FinalIV          string
	FinalTag         string
	FinalEmbedding   []byte
	FinalEmbeddingIV string
}

// Validate reports every missing field at once.
func (request ResolutionRequest) Validate() error {
	fields := map[string]string{}
	switch request.Choice {
	case ResolutionLocal, ResolutionRemote:
	case ResolutionMerged:
		if len(request.FinalContent) == 0 {
			fields[fieldFinalContent] = "required when chosen_version is merged"
		}
		if strings.TrimSpace(request.FinalIV) == "" {
			fields[fieldFinalIV] = "required when chosen_version is merged"
		}
		if len(request.FinalEmbedding) > 0 && strings.TrimSpace(request.FinalEmbeddingIV) == "" {
			fields["final_embedding_iv"] = "required when final_encrypted_embedding is set"
		}
	default:
		fields[fieldChosen] = fmt.Sprintf("unsupported value %q", string(request.Choice))
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Resolve applies the owner's choice to the target backup and closes the conflict in one transaction.
func (service *Service) Resolve(ctx context.Context, owner OwnerID, conflictID ConflictID, request ResolutionRequest) (Backup, error) {
	if err := request.Validate(); err != nil {
		return Backup{}, err
	}
	if service.db == nil {
		service.logError(opResolve, reasonMissingDatabase, errMissingDatabase)
		return Backup{}, newServiceError(opResolve, reasonMissingDatabase, errMissingDatabase)
	}
	if owner == "" {
		return Backup{}, fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}

	release := service.lockOwner(owner)
	defer release()

	logFields := []zap.Field{
		zap.String(fieldUserID, owner.String()),
		zap.String(fieldConflictID, conflictID.String()),
	}
	var result Backup
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := service.guard(transaction, owner); err != nil {
			return err
		}

		conflict, err := service.selectConflict(transaction, owner, conflictID, true)
		if err != nil {
			if errors.Is(err, ErrConflictNotFound) {
				return err
			}
			service.logError(opResolve, reasonSelectFailed, err, logFields...)
			return newServiceError(opResolve, reasonSelectFailed, err)
		}
		if conflict.Resolved {
			return ErrConflictResolved
		}

		target, found, err := service.selectBackup(transaction, owner, EntryID(conflict.TargetID))
		if err != nil {
			service.logError(opResolve, reasonSelectFailed, err, logFields...)
			return newServiceError(opResolve, reasonSelectFailed, err)
		}
		if !found {
			return ErrBackupNotFound
		}

		updates := service.resolutionUpdates(conflict, request)
		if len(updates) > 0 {
			applyResolutionUpdates(&target, updates)
			update := transaction.Model(&Backup{}).
				Where(queryUserEntry, owner.String(), target.EntryID).
				Updates(updates)
			if update.Error != nil {
				service.logError(opResolve, reasonUpdateFailed, update.Error, logFields...)
				return newServiceError(opResolve, reasonUpdateFailed, update.Error)
			}
		}

		if _, err := service.markResolvedWithin(transaction, conflict, request.Choice); err != nil {
			return err
		}
		result = target
		return nil
	})
	if transactionError != nil {
		return Backup{}, service.transactionResult(opResolve, transactionError, logFields...)
	}
	return result, nil
}

// resolutionUpdates returns the column changes for the target backup; remote needs none.
func (service *Service) resolutionUpdates(conflict Conflict, request ResolutionRequest) map[string]any {
	switch request.Choice {
	case ResolutionLocal:
		updates := map[string]any{
			"encrypted_content": conflict.LocalContent,
			"content_iv":        conflict.LocalIV,
			"content_tag":       conflict.LocalTag,
			"updated_at_us":     conflict.LocalUpdatedAtMicros,
			"device_id":         conflict.LocalDeviceID,
		}
		if len(conflict.LocalEmbedding) > 0 {
			updates["encrypted_embedding"] = conflict.LocalEmbedding
			updates["embedding_iv"] = conflict.LocalEmbeddingIV
		}
		return updates
	case ResolutionMerged:
		updates := map[string]any{
			"encrypted_content": request.FinalContent,
			"content_iv":        strings.TrimSpace(request.FinalIV),
			"content_tag":       strings.TrimSpace(request.FinalTag),
			"updated_at_us":     service.nowMicros(),
		}
		if len(request.FinalEmbedding) > 0 {
			updates["encrypted_embedding"] = request.FinalEmbedding
			updates["embedding_iv"] = strings.TrimSpace(request.FinalEmbeddingIV)
		}
		return updates
	default:
		return nil
	}
}

func applyResolutionUpdates(target *Backup, updates map[string]any) {
	for column, value := range updates {
		switch column {
		case "encrypted_content":
			target.EncryptedContent = value.([]byte)
		case "content_iv":
			target.ContentIV = value.(string)
		case "content_tag":
			target.ContentTag = value.(string)
		case "encrypted_embedding":
			target.EncryptedEmbedding = value.([]byte)
		case "embedding_iv":
			target.EmbeddingIV = value.(string)
		case "updated_at_us":
			target.UpdatedAtMicros = value.(int64)
		case "device_id":
			target.DeviceID = value.(string)
		}
	}
}
