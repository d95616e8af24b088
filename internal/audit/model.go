package audit

import (
	"regexp"
	"strings"
	"time"
)

// Direction distinguishes relay directions in the audit log.
type Direction string

const (
	// DirectionInbound marks messages received from the Signal network.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound marks messages sent towards the Signal network.
	DirectionOutbound Direction = "outbound"
)

// DeliveryStatus enumerates audit record states. Allowed transitions are
// pending -> delivered|retrying and retrying -> delivered|retrying|failed;
// delivered and failed are terminal.
type DeliveryStatus string

const (
	// StatusPending marks a record awaiting its first delivery attempt.
	StatusPending DeliveryStatus = "pending"
	// StatusDelivered marks a completed relay.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusFailed marks a relay dropped after exhausting retries.
	StatusFailed DeliveryStatus = "failed"
	// StatusRetrying marks a record waiting for its next attempt.
	StatusRetrying DeliveryStatus = "retrying"
)

// SignalMessage is one audited relay through the bridge. Rows are append
// mostly, contain no raw phone numbers, and are never deleted, even after
// their parent connection is removed.
type SignalMessage struct {
	ID            string         `gorm:"column:id;primaryKey;size:190;not null"`
	ConnectionID  string         `gorm:"column:connection_id;size:190;not null;default:'';index:idx_signal_messages_connection"`
	Direction     Direction      `gorm:"column:direction;size:16;not null"`
	ChatMessageID string         `gorm:"column:chat_message_id;size:190;not null;default:''"`
	Preview       string         `gorm:"column:preview;size:200;not null;default:''"`
	Status        DeliveryStatus `gorm:"column:status;size:16;not null"`
	RetryCount    int            `gorm:"column:retry_count;not null;default:0"`
	NextRetryAt   *time.Time     `gorm:"column:next_retry_at"`
	LastError     string         `gorm:"column:last_error;size:512;not null;default:''"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	DeliveredAt   *time.Time     `gorm:"column:delivered_at"`
}

// TableName provides the explicit table binding for GORM.
func (SignalMessage) TableName() string {
	return "signal_messages"
}

// Terminal reports whether the record may no longer change.
func (m SignalMessage) Terminal() bool {
	return m.Status == StatusDelivered || m.Status == StatusFailed
}

const previewLimit = 200

var phonePattern = regexp.MustCompile(`\+?\d[\d\s().-]{6,}\d`)

// Preview reduces message content to a short, phone-redacted excerpt safe
// for the audit log.
func Preview(content string) string {
	redacted := strings.TrimSpace(phonePattern.ReplaceAllString(content, "[redacted]"))
	runes := []rune(redacted)
	if len(runes) <= previewLimit {
		return redacted
	}
	return string(runes[:previewLimit])
}
