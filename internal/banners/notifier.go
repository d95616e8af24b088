package banners

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrBannerNotFound indicates a dismissal targeting an unknown banner.
	ErrBannerNotFound = errors.New("banners: banner not found")

	errMissingDatabase = errors.New("database handle is required")
	errMissingIDs      = errors.New("id provider is required")
	errMissingUserID   = errors.New("user identifier is required")
)

const (
	opNotifierNew  = "banners.notifier.new"
	opCreateBanner = "banners.create"
	opListActive   = "banners.list_active"
	opDismiss      = "banners.dismiss"
)

// ConflictBanner is a dismissible notice shown to a user whose Signal link
// was displaced by another account claiming the same phone number.
type ConflictBanner struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;size:190;not null;index:idx_conflict_banners_user"`
	Message   string    `gorm:"column:message;type:text;not null"`
	Dismissed bool      `gorm:"column:dismissed;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictBanner) TableName() string {
	return "conflict_banners"
}

// IDProvider mints identifiers for new banners.
type IDProvider interface {
	NewID() (string, error)
}

// NotifierConfig describes the dependencies of the banner notifier.
type NotifierConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Notifier is a small read/dismiss store for displacement notices.
type Notifier struct {
	db     *gorm.DB
	ids    IDProvider
	logger *zap.Logger
}

// NewNotifier validates dependencies and constructs a Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%s.missing_database: %w", opNotifierNew, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%s.missing_id_provider: %w", opNotifierNew, errMissingIDs)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{db: cfg.Database, ids: cfg.IDProvider, logger: logger}, nil
}

// NotifyDisplaced records a banner inside the caller's transaction. The
// connection store invokes this while displacing a link, so the banner and
// the displacement commit or roll back together.
func (n *Notifier) NotifyDisplaced(tx *gorm.DB, userID, message string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%s.missing_user_id: %w", opCreateBanner, errMissingUserID)
	}
	id, err := n.ids.NewID()
	if err != nil {
		return fmt.Errorf("%s.id_generation_failed: %w", opCreateBanner, err)
	}
	banner := ConflictBanner{ID: id, UserID: userID, Message: message}
	if err := tx.Create(&banner).Error; err != nil {
		return fmt.Errorf("%s.insert_failed: %w", opCreateBanner, err)
	}
	return nil
}

// Create records a banner outside any transaction.
func (n *Notifier) Create(ctx context.Context, userID, message string) error {
	return n.NotifyDisplaced(n.db.WithContext(ctx), userID, message)
}

// ListActive returns the user's undismissed banners, oldest first.
func (n *Notifier) ListActive(ctx context.Context, userID string) ([]ConflictBanner, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%s.missing_user_id: %w", opListActive, errMissingUserID)
	}
	var active []ConflictBanner
	err := n.db.WithContext(ctx).
		Where("user_id = ? AND dismissed = ?", userID, false).
		Order("created_at ASC").
		Find(&active).Error
	if err != nil {
		n.logger.Error("banner list failed", zap.String("operation", opListActive), zap.Error(err))
		return nil, fmt.Errorf("%s.query_failed: %w", opListActive, err)
	}
	return active, nil
}

// Dismiss marks a banner acknowledged. Dismissing an already dismissed or
// pruned banner is a no-op success.
func (n *Notifier) Dismiss(ctx context.Context, bannerID string) error {
	if strings.TrimSpace(bannerID) == "" {
		return fmt.Errorf("%s.missing_banner_id: %w", opDismiss, ErrBannerNotFound)
	}
	err := n.db.WithContext(ctx).Model(&ConflictBanner{}).
		Where("id = ?", bannerID).
		Update("dismissed", true).Error
	if err != nil {
		n.logger.Error("banner dismiss failed", zap.String("operation", opDismiss), zap.Error(err))
		return fmt.Errorf("%s.update_failed: %w", opDismiss, err)
	}
	return nil
}

// Prune deletes dismissed banners older than the cutoff.
func (n *Notifier) Prune(ctx context.Context, olderThan time.Time) error {
	err := n.db.WithContext(ctx).
		Where("dismissed = ? AND created_at < ?", true, olderThan).
		Delete(&ConflictBanner{}).Error
	if err != nil {
		n.logger.Error("banner prune failed", zap.Error(err))
		return fmt.Errorf("banners.prune.delete_failed: %w", err)
	}
	return nil
}
