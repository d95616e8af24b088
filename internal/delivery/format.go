package delivery

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxSignalLength is the gateway's maximum message size. Formatted output
// never exceeds it; the body is trimmed first so the header and deep link
// survive truncation.
const maxSignalLength = 2000

const truncationMark = "…"

func categoryEmoji(category Category) string {
	switch category {
	case CategoryAction:
		return "⚡"
	case CategoryConfirmation:
		return "✅"
	default:
		return "💬"
	}
}

// formatMessage renders a chat message as styled Signal text: a bold header
// with a category marker, the message body, and an italic deep link back
// into the application.
func formatMessage(message ChatMessage, appBaseURL string) string {
	header := strings.TrimSpace(message.Title)
	if header == "" {
		header = "TaskLane"
	}
	link := deepLink(appBaseURL, message.ProjectID)

	prefix := categoryEmoji(message.Category) + " **" + header + "**\n\n"
	suffix := "\n\n_" + link + "_"
	budget := maxSignalLength - len(prefix) - len(suffix)

	body := strings.TrimSpace(message.Body)
	if len(body) > budget {
		body = truncateRunes(body, budget-len(truncationMark)) + truncationMark
	}
	return prefix + body + suffix
}

func deepLink(appBaseURL, projectID string) string {
	base := strings.TrimRight(strings.TrimSpace(appBaseURL), "/")
	if projectID == "" {
		return base + "/chat?from=signal"
	}
	return fmt.Sprintf("%s/projects/%s/chat?from=signal", base, projectID)
}

func truncateRunes(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(value) <= limit {
		return value
	}
	cut := value[:limit]
	// Back off a rune split at the boundary.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
