package connections

import (
	"strings"
	"time"
)

// Status enumerates the lifecycle states of a Signal link.
type Status string

const (
	// StatusPending marks a link whose QR code has been issued but not scanned.
	StatusPending Status = "pending"
	// StatusConnected marks a confirmed link.
	StatusConnected Status = "connected"
	// StatusError marks a link whose handshake timed out or failed.
	StatusError Status = "error"
	// StatusDisconnected marks a link that has been torn down.
	StatusDisconnected Status = "disconnected"
)

// NotificationMode controls which chat message categories are relayed to Signal.
type NotificationMode string

const (
	// ModeAll relays every category.
	ModeAll NotificationMode = "all"
	// ModeActionsOnly relays action proposals and their confirmations.
	ModeActionsOnly NotificationMode = "actions_only"
	// ModeConfirmationsOnly relays system confirmations.
	ModeConfirmationsOnly NotificationMode = "confirmations_only"
	// ModeNone relays nothing.
	ModeNone NotificationMode = "none"
)

// ParseNotificationMode validates raw input against the known modes.
func ParseNotificationMode(value string) (NotificationMode, bool) {
	switch NotificationMode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeAll:
		return ModeAll, true
	case ModeActionsOnly:
		return ModeActionsOnly, true
	case ModeConfirmationsOnly:
		return ModeConfirmationsOnly, true
	case ModeNone:
		return ModeNone, true
	default:
		return "", false
	}
}

// Connection is the persisted Signal link for one application user. The phone
// number is stored only encrypted; PhoneHash is a keyed one-way digest used
// for equality lookups and conflict detection without decryption.
type Connection struct {
	ID                string           `gorm:"column:id;primaryKey;size:190;not null"`
	UserID            string           `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_signal_connections_user"`
	EncryptedPhone    string           `gorm:"column:encrypted_phone;type:text;not null;default:''"`
	PhoneHash         string           `gorm:"column:phone_hash;size:64;not null;default:'';index:idx_signal_connections_hash"`
	Status            Status           `gorm:"column:status;size:32;not null"`
	NotificationMode  NotificationMode `gorm:"column:notification_mode;size:32;not null;default:'all'"`
	LastActiveProject string           `gorm:"column:last_active_project;size:190;not null;default:''"`
	LinkedAt          *time.Time       `gorm:"column:linked_at"`
	CreatedAt         time.Time        `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Connection) TableName() string {
	return "signal_connections"
}

// Linked reports whether the connection is in a usable, confirmed state.
func (c Connection) Linked() bool {
	return c.Status == StatusConnected
}
