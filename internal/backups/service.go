package backups

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBackupNotFound indicates that the backup is missing or owned by someone else.
	ErrBackupNotFound = errors.New("backups: backup not found")
	// ErrConflictNotFound indicates that the conflict is missing or owned by someone else.
	ErrConflictNotFound = errors.New("backups: conflict not found")
	// ErrConflictResolved indicates that the conflict was already resolved.
	ErrConflictResolved = errors.New("backups: conflict already resolved")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errUpsertContention  = errors.New("backup changed concurrently on every attempt")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code for storage failures.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "backups.service.new"
	opUpsert         = "backups.upsert"
	opFetchSince     = "backups.fetch_since"
	opDelete         = "backups.delete"
	opPurgeAll       = "backups.purge_all"
	opListUnresolved = "backups.list_unresolved"
	opGetConflict    = "backups.get_conflict"
	opMarkResolved   = "backups.mark_resolved"
	opResolve        = "backups.resolve"

	fieldUserID     = "user_id"
	fieldEntryID    = "entry_id"
	fieldConflictID = "conflict_id"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonSelectFailed      = "select_failed"
	reasonInsertFailed      = "insert_failed"
	reasonUpdateFailed      = "update_failed"
	reasonDeleteFailed      = "delete_failed"
	reasonQueryFailed       = "query_failed"
	reasonIDFailed          = "id_generation_failed"
	reasonContention        = "contention"
	reasonHookFailed        = "hook_failed"
	reasonTransactionFailed = "transaction_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// AccessGuard re-validates the owner's access inside the write transaction, after the owner lock is held.
type AccessGuard func(transaction *gorm.DB, ownerID string) error

// ServiceConfig describes the dependencies of the sync service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	AccessGuard AccessGuard
	Logger      *zap.Logger
}

// Service implements the backup store, conflict ledger and resolution engine over one database.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	accessGuard AccessGuard
	locks       *ownerLocks
	logger      *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		accessGuard: cfg.AccessGuard,
		locks:       newOwnerLocks(),
		logger:      logger,
	}, nil
}

func (service *Service) nowMicros() int64 {
	return service.clock().UTC().UnixMicro()
}

func (service *Service) lockOwner(owner OwnerID) func() {
	return service.locks.acquire(owner.String())
}

func (service *Service) guard(transaction *gorm.DB, owner OwnerID) error {
	if service.accessGuard == nil {
		return nil
	}
	if err := service.accessGuard(transaction, owner.String()); err != nil {
		return &guardError{err: err}
	}
	return nil
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("backups service error", attrs...)
}

// isDomainError reports errors that are returned to callers untouched.
func isDomainError(err error) bool {
	var validation *ValidationError
	return errors.Is(err, ErrBackupNotFound) ||
		errors.Is(err, ErrConflictNotFound) ||
		errors.Is(err, ErrConflictResolved) ||
		errors.Is(err, ErrInvalidResolution) ||
		errors.As(err, &validation)
}

// transactionResult returns err untouched when it is already classified, otherwise wraps it.
func (service *Service) transactionResult(operation string, err error, fields ...zap.Field) error {
	if err == nil {
		return nil
	}
	if isGuardError(err) {
		return unwrapGuardError(err)
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) || isDomainError(err) {
		return err
	}
	service.logError(operation, reasonTransactionFailed, err, fields...)
	return newServiceError(operation, reasonTransactionFailed, err)
}

// guardError marks AccessGuard rejections so they reach callers unwrapped.
type guardError struct {
	err error
}

func (e *guardError) Error() string {
	return e.err.Error()
}

func (e *guardError) Unwrap() error {
	return e.err
}

func isGuardError(err error) bool {
	var guarded *guardError
	return errors.As(err, &guarded)
}

// unwrapGuardError strips the guard marker so callers see the guard's own error.
func unwrapGuardError(err error) error {
	var guarded *guardError
	if errors.As(err, &guarded) {
		return guarded.err
	}
	return err
}
