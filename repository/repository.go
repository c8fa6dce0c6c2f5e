package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ahmadzakiakmal/custody/coordinator"
	"github.com/ahmadzakiakmal/custody/repository/models"
)

// PostgreSQL error codes the journal distinguishes
const (
	// Class 23: Integrity Constraint Violation
	PgErrUniqueViolation  = "23505" // unique_violation
	PgErrNotNullViolation = "23502" // not_null_violation
	PgErrCheckViolation   = "23514" // check_violation

	// Class 42: Syntax Error or Access Rule Violation
	PgErrInsufficientPrivilege = "42501" // insufficient_privilege
	PgErrUndefinedTable        = "42P01" // undefined_table

	// Class 08: Connection Exception
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure

	// Class 53: Insufficient Resources
	PgErrDiskFull = "53100" // disk_full
)

// Error codes that are not Postgres SQLSTATEs
const (
	CodeDatabaseError  = "DATABASE_ERROR"
	CodeNotConnected   = "NOT_CONNECTED"
	CodeDuplicateEntry = "DUPLICATE_ENTRY"
)

var ErrNotConnected = errors.New("journal database not connected")

// RepositoryError represent an error in the repository layer
type RepositoryError struct {
	Code    string
	Message string
	Detail  string
}

func (e *RepositoryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Detail)
}

// Repository is the submission journal.
type Repository struct {
	db *gorm.DB
}

func NewRepository() *Repository {
	return &Repository{}
}

// ConnectDB opens the journal database, retrying while Postgres starts up.
func (r *Repository) ConnectDB(dsn string) error {
	var lastErr error
	for i := range 10 {
		log.Printf("Connection attempt %d...\n", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err == nil {
			r.db = db
			log.Println("Connected to Postgres")
			return nil
		}
		lastErr = err
		log.Printf("Connection attempt %d, failed: %v\n", i+1, err)
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("connect journal: %w", lastErr)
}

func (r *Repository) Migrate() error {
	if r.db == nil {
		return ErrNotConnected
	}
	if err := r.db.AutoMigrate(&models.Submission{}); err != nil {
		return wrapError(err)
	}
	log.Println("Database migration completed successfully")
	return nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordSubmission appends a resolved record to the journal. It satisfies
// coordinator.Journal.
func (r *Repository) RecordSubmission(ctx context.Context, rec *coordinator.Record) error {
	if r.db == nil {
		return &RepositoryError{Code: CodeNotConnected, Message: "Journal not connected"}
	}
	row := toModel(rec)

	dbTx := r.db.WithContext(ctx).Begin()
	if err := dbTx.Create(&row).Error; err != nil {
		dbTx.Rollback()
		return wrapError(err)
	}
	if err := dbTx.Commit().Error; err != nil {
		return wrapError(err)
	}
	return nil
}

// ListSubmissions returns the newest journal rows first. A zero assetID
// lists every asset.
func (r *Repository) ListSubmissions(ctx context.Context, assetID uint64, limit int) ([]models.Submission, *RepositoryError) {
	if r.db == nil {
		return nil, &RepositoryError{Code: CodeNotConnected, Message: "Journal not connected"}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := r.db.WithContext(ctx).Order("submitted_at DESC").Limit(limit)
	if assetID != 0 {
		query = query.Where("asset_id = ?", assetID)
	}

	var rows []models.Submission
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapError(err)
	}
	return rows, nil
}

func toModel(rec *coordinator.Record) models.Submission {
	row := models.Submission{
		ID:            rec.ID,
		AssetID:       rec.AssetID,
		Action:        string(rec.Action),
		Actor:         rec.Actor,
		Label:         rec.Label,
		Recipient:     rec.Recipient,
		Status:        string(rec.Status),
		Failure:       string(rec.Failure),
		FailureDetail: rec.FailureDetail,
		SubmittedAt:   rec.SubmittedAt,
	}
	if rec.Receipt != nil {
		row.TxHash = rec.Receipt.TxHash
		row.BlockHeight = rec.Receipt.Height
		row.GasUsed = rec.Receipt.GasUsed
	}
	if !rec.ResolvedAt.IsZero() {
		resolved := rec.ResolvedAt
		row.ResolvedAt = &resolved
	}
	return row
}

func wrapError(err error) *RepositoryError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == PgErrUniqueViolation {
			return &RepositoryError{
				Code:    CodeDuplicateEntry,
				Message: "Submission already journaled",
				Detail:  pgErr.Detail,
			}
		}
		return &RepositoryError{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &RepositoryError{
			Code:    CodeDuplicateEntry,
			Message: "Submission already journaled",
			Detail:  err.Error(),
		}
	}
	return &RepositoryError{
		Code:    CodeDatabaseError,
		Message: "Database error occured",
		Detail:  err.Error(),
	}
}
