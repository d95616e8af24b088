package connections

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tasklane/signal-bridge/internal/secrets"
)

var (
	// ErrAlreadyLinked indicates the user already holds a confirmed link.
	ErrAlreadyLinked = errors.New("connections: user already linked")
	// ErrNotLinked indicates no connection row exists for the user.
	ErrNotLinked = errors.New("connections: user not linked")
	// ErrLinkNotStarted indicates CompleteLink was called without a pending row.
	ErrLinkNotStarted = errors.New("connections: link not started")

	errMissingDatabase = errors.New("database handle is required")
	errMissingCipher   = errors.New("cipher is required")
	errMissingIDs      = errors.New("id provider is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingPhone    = errors.New("phone number is required")

	noOpLogger = zap.NewNop()
)

const displacedBannerText = "Your Signal link was disconnected because its phone number was linked to a different account. You can relink from Settings at any time."

const (
	opStoreNew          = "connections.store.new"
	opCreatePendingLink = "connections.create_pending_link"
	opCompleteLink      = "connections.complete_link"
	opGetByUser         = "connections.get_by_user"
	opGetByPhoneHash    = "connections.get_by_phone_hash"
	opDisconnect        = "connections.disconnect"
	opMarkError         = "connections.mark_error"
	opUpdatePreference  = "connections.update_preference"
	opUpdateLastProject = "connections.update_last_project"
)

// StoreError carries a dotted operation code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// DisplacementNotifier records a displacement notice for a user whose link
// was taken over. It runs inside the displacement transaction.
type DisplacementNotifier interface {
	NotifyDisplaced(tx *gorm.DB, userID, message string) error
}

// IDProvider mints identifiers for new connection rows.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the connection store.
type StoreConfig struct {
	Database   *gorm.DB
	Cipher     secrets.Cipher
	IDProvider IDProvider
	Notifier   DisplacementNotifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Store provides durable CRUD for Signal connections plus the atomic
// conflict-detection path.
type Store struct {
	db       *gorm.DB
	cipher   secrets.Cipher
	ids      IDProvider
	notifier DisplacementNotifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewStore validates dependencies and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Cipher == nil {
		return nil, newStoreError(opStoreNew, "missing_cipher", errMissingCipher)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDs)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:       cfg.Database,
		cipher:   cfg.Cipher,
		ids:      cfg.IDProvider,
		notifier: cfg.Notifier,
		clock:    clock,
		logger:   logger,
	}, nil
}

// CreatePendingLink inserts a fresh pending row for the user. A row already
// in pending or error state is reset to pending instead, so a failed
// handshake can be retried without an explicit disconnect. A confirmed link
// must be disconnected first.
func (s *Store) CreatePendingLink(ctx context.Context, userID string) (*Connection, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newStoreError(opCreatePendingLink, "missing_user_id", errMissingUserID)
	}

	var connection Connection
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Connection
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			id, idErr := s.ids.NewID()
			if idErr != nil {
				return newStoreError(opCreatePendingLink, "id_generation_failed", idErr)
			}
			connection = Connection{
				ID:               id,
				UserID:           userID,
				Status:           StatusPending,
				NotificationMode: ModeAll,
			}
			if createErr := tx.Create(&connection).Error; createErr != nil {
				return newStoreError(opCreatePendingLink, "insert_failed", createErr)
			}
			return nil
		case err != nil:
			return newStoreError(opCreatePendingLink, "select_failed", err)
		}

		if existing.Status == StatusConnected {
			return newStoreError(opCreatePendingLink, "already_linked", ErrAlreadyLinked)
		}

		existing.Status = StatusPending
		existing.EncryptedPhone = ""
		existing.PhoneHash = ""
		existing.LinkedAt = nil
		if saveErr := tx.Save(&existing).Error; saveErr != nil {
			return newStoreError(opCreatePendingLink, "reset_failed", saveErr)
		}
		connection = existing
		return nil
	})
	if txErr != nil {
		s.logError(opCreatePendingLink, txErr, zap.String("user_id", userID))
		return nil, txErr
	}
	return &connection, nil
}

// CompleteLink activates the user's pending link for the given phone number.
// Conflict detection and displacement run in the same transaction as the
// activation, so two users can never simultaneously hold the same hash in
// connected state.
func (s *Store) CompleteLink(ctx context.Context, userID, rawPhone string) (*Connection, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newStoreError(opCompleteLink, "missing_user_id", errMissingUserID)
	}
	phone := strings.TrimSpace(rawPhone)
	if phone == "" {
		return nil, newStoreError(opCompleteLink, "missing_phone", errMissingPhone)
	}

	encrypted, err := s.cipher.Encrypt(phone)
	if err != nil {
		s.logError(opCompleteLink, err, zap.String("user_id", userID))
		return nil, newStoreError(opCompleteLink, "encrypt_failed", err)
	}
	hash := s.cipher.Hash(phone)

	var connection Connection
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending Connection
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Take(&pending).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opCompleteLink, "link_not_started", ErrLinkNotStarted)
		}
		if err != nil {
			return newStoreError(opCompleteLink, "select_failed", err)
		}

		var holder Connection
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("phone_hash = ? AND user_id <> ? AND status <> ?", hash, userID, StatusDisconnected).
			Take(&holder).Error
		if err == nil {
			if displaceErr := s.displace(tx, &holder); displaceErr != nil {
				return displaceErr
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newStoreError(opCompleteLink, "hash_conflict_scan_failed", err)
		}

		linkedAt := s.clock().UTC()
		pending.EncryptedPhone = encrypted
		pending.PhoneHash = hash
		pending.Status = StatusConnected
		pending.LinkedAt = &linkedAt
		if saveErr := tx.Save(&pending).Error; saveErr != nil {
			return newStoreError(opCompleteLink, "activate_failed", saveErr)
		}
		connection = pending
		return nil
	})
	if txErr != nil {
		s.logError(opCompleteLink, txErr, zap.String("user_id", userID))
		return nil, txErr
	}
	return &connection, nil
}

// displace removes the current holder of a phone hash and records a banner
// for them. The encrypted phone and hash leave the database with the row.
func (s *Store) displace(tx *gorm.DB, holder *Connection) error {
	if err := tx.Delete(&Connection{}, "id = ?", holder.ID).Error; err != nil {
		return newStoreError(opCompleteLink, "displace_failed", err)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyDisplaced(tx, holder.UserID, displacedBannerText); err != nil {
			return newStoreError(opCompleteLink, "displacement_banner_failed", err)
		}
	}
	s.logger.Info("signal link displaced",
		zap.String("displaced_user_id", holder.UserID))
	return nil
}

// GetByUser loads the connection for a user. ErrNotLinked when absent.
func (s *Store) GetByUser(ctx context.Context, userID string) (*Connection, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newStoreError(opGetByUser, "missing_user_id", errMissingUserID)
	}
	var connection Connection
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newStoreError(opGetByUser, "not_linked", ErrNotLinked)
	}
	if err != nil {
		s.logError(opGetByUser, err, zap.String("user_id", userID))
		return nil, newStoreError(opGetByUser, "select_failed", err)
	}
	return &connection, nil
}

// GetByPhoneHash resolves a sender by lookup hash without decrypting any
// stored value. ErrNotLinked when no active row matches.
func (s *Store) GetByPhoneHash(ctx context.Context, hash string) (*Connection, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, newStoreError(opGetByPhoneHash, "missing_hash", errors.New("phone hash is required"))
	}
	var connection Connection
	err := s.db.WithContext(ctx).
		Where("phone_hash = ? AND status <> ?", hash, StatusDisconnected).
		Take(&connection).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newStoreError(opGetByPhoneHash, "not_linked", ErrNotLinked)
	}
	if err != nil {
		s.logError(opGetByPhoneHash, err)
		return nil, newStoreError(opGetByPhoneHash, "select_failed", err)
	}
	return &connection, nil
}

// Disconnect removes the user's connection row, and with it the encrypted
// phone and lookup hash, immediately and unconditionally. Calling it for a
// user without a connection is a no-op success.
func (s *Store) Disconnect(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newStoreError(opDisconnect, "missing_user_id", errMissingUserID)
	}
	if err := s.db.WithContext(ctx).Delete(&Connection{}, "user_id = ?", userID).Error; err != nil {
		s.logError(opDisconnect, err, zap.String("user_id", userID))
		return newStoreError(opDisconnect, "delete_failed", err)
	}
	return nil
}

// MarkError transitions a pending link into error state after a handshake
// timeout. The row survives so the user can retry.
func (s *Store) MarkError(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return newStoreError(opMarkError, "missing_user_id", errMissingUserID)
	}
	result := s.db.WithContext(ctx).Model(&Connection{}).
		Where("user_id = ? AND status = ?", userID, StatusPending).
		Update("status", StatusError)
	if result.Error != nil {
		s.logError(opMarkError, result.Error, zap.String("user_id", userID))
		return newStoreError(opMarkError, "update_failed", result.Error)
	}
	return nil
}

// UpdatePreference stores the user's notification mode.
func (s *Store) UpdatePreference(ctx context.Context, userID string, mode NotificationMode) error {
	if strings.TrimSpace(userID) == "" {
		return newStoreError(opUpdatePreference, "missing_user_id", errMissingUserID)
	}
	result := s.db.WithContext(ctx).Model(&Connection{}).
		Where("user_id = ?", userID).
		Update("notification_mode", mode)
	if result.Error != nil {
		s.logError(opUpdatePreference, result.Error, zap.String("user_id", userID))
		return newStoreError(opUpdatePreference, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opUpdatePreference, "not_linked", ErrNotLinked)
	}
	return nil
}

// UpdateLastActiveProject remembers the project inbound messages default to.
func (s *Store) UpdateLastActiveProject(ctx context.Context, userID, projectID string) error {
	if strings.TrimSpace(userID) == "" {
		return newStoreError(opUpdateLastProject, "missing_user_id", errMissingUserID)
	}
	result := s.db.WithContext(ctx).Model(&Connection{}).
		Where("user_id = ?", userID).
		Update("last_active_project", projectID)
	if result.Error != nil {
		s.logError(opUpdateLastProject, result.Error, zap.String("user_id", userID))
		return newStoreError(opUpdateLastProject, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newStoreError(opUpdateLastProject, "not_linked", ErrNotLinked)
	}
	return nil
}

// PhoneNumber decrypts the stored phone number for a connection. A row whose
// ciphertext cannot be opened is treated as corrupted state by callers.
func (s *Store) PhoneNumber(connection *Connection) (string, error) {
	if connection == nil || connection.EncryptedPhone == "" {
		return "", ErrNotLinked
	}
	return s.cipher.Decrypt(connection.EncryptedPhone)
}

// PhoneHash computes the lookup digest for a raw phone number.
func (s *Store) PhoneHash(rawPhone string) string {
	return s.cipher.Hash(strings.TrimSpace(rawPhone))
}

func (s *Store) logError(operation string, err error, fields ...zap.Field) {
	attrs := []zap.Field{zap.String("operation", operation), zap.Error(err)}
	attrs = append(attrs, fields...)
	s.logger.Error("connection store error", attrs...)
}
