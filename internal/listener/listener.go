package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tasklane/signal-bridge/internal/audit"
	"github.com/tasklane/signal-bridge/internal/connections"
	"github.com/tasklane/signal-bridge/internal/gateway"
)

const (
	opListenerNew = "listener.new"
	opHandle      = "listener.handle_message"

	// maxInboundLength protects downstream processing from abnormally
	// large payloads.
	maxInboundLength = 100000

	replyNotLinked   = "This number is not linked to a TaskLane account. Open Settings → Signal in TaskLane to link it."
	replyUnsupported = "Only text messages are supported right now. Attachments and media are not relayed."

	rejectedUnlinked    = "unlinked sender"
	rejectedUnsupported = "unsupported content"
)

var (
	errMissingReceiver = errors.New("receive stream source is required")
	errMissingReplier  = errors.New("auto replier is required")
	errMissingStore    = errors.New("connection store is required")
	errMissingAudit    = errors.New("audit log is required")
	errMissingChat     = errors.New("chat pipeline is required")
)

// Receiver opens the gateway's logical receive stream. The returned channel
// is expected to survive transport drops (the gateway client reconnects
// internally) and close only when the context is cancelled.
type Receiver func(ctx context.Context) <-chan gateway.InboundMessage

// AutoReplier sends a plain-text response back to a Signal sender.
type AutoReplier interface {
	SendMessage(ctx context.Context, recipient, text string, styled bool) (gateway.SendReceipt, error)
}

// ChatPipeline is the external collaborator that stores Signal-originated
// text as an in-app chat message.
type ChatPipeline interface {
	AddMessage(ctx context.Context, userID, projectID, body, authorRole string) (string, error)
}

// Config describes the dependencies of the inbound listener.
type Config struct {
	Receive Receiver
	Replier AutoReplier
	Store   *connections.Store
	Audit   *audit.Log
	Chat    ChatPipeline
	Logger  *zap.Logger
}

// Listener consumes the gateway receive stream for the lifetime of the
// process, resolving each sender to an application user and forwarding text
// into the chat pipeline. Per-message failures are contained: they are
// logged and the loop continues.
type Listener struct {
	receive Receiver
	replier AutoReplier
	store   *connections.Store
	audit   *audit.Log
	chat    ChatPipeline
	logger  *zap.Logger
}

// New validates dependencies and constructs a Listener.
func New(cfg Config) (*Listener, error) {
	if cfg.Receive == nil {
		return nil, fmt.Errorf("%s.missing_receiver: %w", opListenerNew, errMissingReceiver)
	}
	if cfg.Replier == nil {
		return nil, fmt.Errorf("%s.missing_replier: %w", opListenerNew, errMissingReplier)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s.missing_store: %w", opListenerNew, errMissingStore)
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("%s.missing_audit: %w", opListenerNew, errMissingAudit)
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("%s.missing_chat: %w", opListenerNew, errMissingChat)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		receive: cfg.Receive,
		replier: cfg.Replier,
		store:   cfg.Store,
		audit:   cfg.Audit,
		chat:    cfg.Chat,
		logger:  logger,
	}, nil
}

// Run consumes the receive stream until the context is cancelled. Messages
// are handled in emission order by this single consumer.
func (l *Listener) Run(ctx context.Context) {
	l.logger.Info("inbound listener starting")
	stream := l.receive(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("inbound listener stopped")
			return
		case message, ok := <-stream:
			if !ok {
				l.logger.Info("inbound listener stream closed")
				return
			}
			l.handle(ctx, message)
		}
	}
}

func (l *Listener) handle(ctx context.Context, message gateway.InboundMessage) {
	hash := l.store.PhoneHash(message.Source)
	connection, err := l.store.GetByPhoneHash(ctx, hash)
	if err != nil {
		if errors.Is(err, connections.ErrNotLinked) {
			l.handleUnlinked(ctx, message)
			return
		}
		l.logError("sender_resolution_failed", err)
		return
	}
	if !connection.Linked() {
		l.handleUnlinked(ctx, message)
		return
	}

	if message.HasAttachment || strings.TrimSpace(message.Text) == "" {
		l.autoReply(ctx, message.Source, replyUnsupported)
		if _, err := l.audit.CreateInboundRejected(ctx, connection.ID, rejectedUnsupported); err != nil {
			l.logError("audit_rejected_failed", err)
		}
		return
	}

	body := message.Text
	if len(body) > maxInboundLength {
		body = body[:maxInboundLength]
	}

	projectID := connection.LastActiveProject
	if marker, rest, ok := parseProjectMarker(body); ok {
		projectID = marker
		body = rest
		if err := l.store.UpdateLastActiveProject(ctx, connection.UserID, marker); err != nil {
			l.logError("project_switch_failed", err)
		}
	}

	if _, err := l.chat.AddMessage(ctx, connection.UserID, projectID, body, "user"); err != nil {
		l.logError("chat_forward_failed", err)
		return
	}
	if _, err := l.audit.CreateInboundDelivered(ctx, connection.ID, body); err != nil {
		l.logError("audit_inbound_failed", err)
	}
}

// handleUnlinked answers an unrecognized sender. No chat message is created
// and nothing beyond a redacted rejection row enters the audit log.
func (l *Listener) handleUnlinked(ctx context.Context, message gateway.InboundMessage) {
	l.autoReply(ctx, message.Source, replyNotLinked)
	if _, err := l.audit.CreateInboundRejected(ctx, "", rejectedUnlinked); err != nil {
		l.logError("audit_rejected_failed", err)
	}
}

func (l *Listener) autoReply(ctx context.Context, recipient, text string) {
	if _, err := l.replier.SendMessage(ctx, recipient, text, false); err != nil {
		l.logError("auto_reply_failed", err)
	}
}

func (l *Listener) logError(reason string, err error) {
	l.logger.Error("inbound listener error",
		zap.String("operation", opHandle),
		zap.String("reason", reason),
		zap.Error(err))
}

// parseProjectMarker recognizes a leading "#project-slug" token. It returns
// the slug, the body with the marker stripped, and whether a marker was
// present.
func parseProjectMarker(body string) (string, string, bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "#") {
		return "", body, false
	}
	marker := trimmed
	rest := ""
	if idx := strings.IndexAny(trimmed, " \t\n"); idx >= 0 {
		marker = trimmed[:idx]
		rest = strings.TrimSpace(trimmed[idx:])
	}
	slug := strings.TrimPrefix(marker, "#")
	if slug == "" {
		return "", body, false
	}
	return slug, rest, true
}
