package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxRetries bounds how many retries a single outbound record may accrue.
const MaxRetries = 3

var (
	// ErrInvalidTransition indicates an update that would violate the
	// record status machine, including any write to a terminal record.
	ErrInvalidTransition = errors.New("audit: invalid status transition")
	// ErrRetryBudgetExceeded indicates an attempt to schedule a retry past
	// the configured maximum.
	ErrRetryBudgetExceeded = errors.New("audit: retry budget exceeded")

	errMissingDatabase = errors.New("database handle is required")
	errMissingIDs      = errors.New("id provider is required")
)

const (
	opLogNew         = "audit.log.new"
	opCreateRecord   = "audit.create_record"
	opMarkDelivered  = "audit.mark_delivered"
	opMarkRetrying   = "audit.mark_retrying"
	opMarkFailed     = "audit.mark_failed"
	opGetRecord      = "audit.get_record"
	opListForConnect = "audit.list_for_connection"
)

// IDProvider mints identifiers for new audit records.
type IDProvider interface {
	NewID() (string, error)
}

// LogConfig describes the dependencies of the audit log.
type LogConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Log is the append-mostly store of relay audit records. Status changes go
// through guarded updates so terminal records stay immutable even under
// concurrent writers.
type Log struct {
	db     *gorm.DB
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewLog validates dependencies and constructs a Log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s.missing_database: %w", opLogNew, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s.missing_id_provider: %w", opLogNew, errMissingIDs)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{db: cfg.Database, ids: cfg.IDProvider, clock: clock, logger: logger}, nil
}

// CreateOutbound opens a pending outbound record for a delivery attempt.
func (l *Log) CreateOutbound(ctx context.Context, connectionID, chatMessageID, content string) (*SignalMessage, error) {
	return l.create(ctx, SignalMessage{
		ConnectionID:  connectionID,
		Direction:     DirectionOutbound,
		ChatMessageID: chatMessageID,
		Preview:       Preview(content),
		Status:        StatusPending,
	})
}

// CreateInboundDelivered records an inbound message that reached the chat
// pipeline. Inbound records are terminal from the start.
func (l *Log) CreateInboundDelivered(ctx context.Context, connectionID, content string) (*SignalMessage, error) {
	now := l.clock().UTC()
	return l.create(ctx, SignalMessage{
		ConnectionID: connectionID,
		Direction:    DirectionInbound,
		Preview:      Preview(content),
		Status:       StatusDelivered,
		DeliveredAt:  &now,
	})
}

// CreateInboundRejected records an inbound message that was answered with an
// auto-reply instead of being forwarded. Only the rejection reason is kept;
// content from unresolved senders never enters the log.
func (l *Log) CreateInboundRejected(ctx context.Context, connectionID, reason string) (*SignalMessage, error) {
	return l.create(ctx, SignalMessage{
		ConnectionID: connectionID,
		Direction:    DirectionInbound,
		Preview:      Preview(reason),
		Status:       StatusFailed,
		LastError:    reason,
	})
}

func (l *Log) create(ctx context.Context, record SignalMessage) (*SignalMessage, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("%s.id_generation_failed: %w", opCreateRecord, err)
	}
	record.ID = id
	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		l.logger.Error("audit record insert failed",
			zap.String("operation", opCreateRecord),
			zap.Error(err))
		return nil, fmt.Errorf("%s.insert_failed: %w", opCreateRecord, err)
	}
	return &record, nil
}

// MarkDelivered finalizes a pending or retrying record as delivered.
func (l *Log) MarkDelivered(ctx context.Context, recordID string) error {
	now := l.clock().UTC()
	result := l.db.WithContext(ctx).Model(&SignalMessage{}).
		Where("id = ? AND status IN ?", recordID, []DeliveryStatus{StatusPending, StatusRetrying}).
		Updates(map[string]interface{}{
			"status":        StatusDelivered,
			"delivered_at":  now,
			"next_retry_at": nil,
		})
	return l.transitionOutcome(opMarkDelivered, recordID, result)
}

// MarkRetrying schedules the next attempt for a pending or retrying record.
func (l *Log) MarkRetrying(ctx context.Context, recordID string, retryCount int, nextRetryAt time.Time, lastError string) error {
	if retryCount < 1 || retryCount > MaxRetries {
		return fmt.Errorf("%s.retry_budget: %w", opMarkRetrying, ErrRetryBudgetExceeded)
	}
	result := l.db.WithContext(ctx).Model(&SignalMessage{}).
		Where("id = ? AND status IN ? AND retry_count < ?", recordID, []DeliveryStatus{StatusPending, StatusRetrying}, retryCount).
		Updates(map[string]interface{}{
			"status":        StatusRetrying,
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt.UTC(),
			"last_error":    lastError,
		})
	return l.transitionOutcome(opMarkRetrying, recordID, result)
}

// MarkFailed finalizes a retrying record after its retry budget is spent.
// Pending records cannot fail directly; the first attempt always schedules a
// retry or delivers.
func (l *Log) MarkFailed(ctx context.Context, recordID, lastError string) error {
	result := l.db.WithContext(ctx).Model(&SignalMessage{}).
		Where("id = ? AND status = ?", recordID, StatusRetrying).
		Updates(map[string]interface{}{
			"status":        StatusFailed,
			"next_retry_at": nil,
			"last_error":    lastError,
		})
	return l.transitionOutcome(opMarkFailed, recordID, result)
}

func (l *Log) transitionOutcome(operation, recordID string, result *gorm.DB) error {
	if result.Error != nil {
		l.logger.Error("audit transition failed",
			zap.String("operation", operation),
			zap.String("record_id", recordID),
			zap.Error(result.Error))
		return fmt.Errorf("%s.update_failed: %w", operation, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%s.invalid_transition: %w", operation, ErrInvalidTransition)
	}
	return nil
}

// Get loads a single audit record.
func (l *Log) Get(ctx context.Context, recordID string) (*SignalMessage, error) {
	var record SignalMessage
	if err := l.db.WithContext(ctx).Where("id = ?", recordID).Take(&record).Error; err != nil {
		return nil, fmt.Errorf("%s.select_failed: %w", opGetRecord, err)
	}
	return &record, nil
}

// ListForConnection returns a connection's audit records, newest first.
func (l *Log) ListForConnection(ctx context.Context, connectionID string, limit int) ([]SignalMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []SignalMessage
	err := l.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%s.query_failed: %w", opListForConnect, err)
	}
	return records, nil
}
