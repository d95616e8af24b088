package delivery

import (
	"strings"

	"github.com/tasklane/signal-bridge/internal/connections"
)

// Category classifies a chat message for notification filtering.
type Category string

const (
	// CategoryReply covers general assistant replies.
	CategoryReply Category = "reply"
	// CategoryAction covers action proposals and their confirmations.
	CategoryAction Category = "action"
	// CategoryConfirmation covers system confirmations.
	CategoryConfirmation Category = "confirmation"
)

// ChatMessage is the slice of an application chat message the bridge needs.
// The chat pipeline hands one to Deliver whenever it creates an assistant or
// system message.
type ChatMessage struct {
	ID        string
	ProjectID string
	Category  Category
	Title     string
	Body      string
}

// ParseCategory validates raw input against the known categories.
func ParseCategory(value string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(value))) {
	case CategoryReply:
		return CategoryReply, true
	case CategoryAction:
		return CategoryAction, true
	case CategoryConfirmation:
		return CategoryConfirmation, true
	default:
		return "", false
	}
}

// shouldDeliver applies the user's notification mode to a message category.
func shouldDeliver(mode connections.NotificationMode, category Category) bool {
	switch mode {
	case connections.ModeAll:
		return true
	case connections.ModeActionsOnly:
		return category == CategoryAction
	case connections.ModeConfirmationsOnly:
		return category == CategoryConfirmation
	default:
		return false
	}
}
