package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tasklane/signal-bridge/internal/connections"
	"github.com/tasklane/signal-bridge/internal/gateway"
)

var (
	errMissingGateway = errors.New("gateway client is required")
	errMissingStore   = errors.New("connection store is required")
)

const (
	opManagerNew = "linking.manager.new"
	opStartLink  = "linking.start_link"
	opPollLink   = "linking.poll_link_status"
	opDisconnect = "linking.disconnect"

	defaultLinkTimeout = 5 * time.Minute
)

// GatewayLinker is the subset of the gateway client the manager depends on.
type GatewayLinker interface {
	RequestLinkQRCode(ctx context.Context) ([]byte, error)
	CheckLinkComplete(ctx context.Context) (gateway.LinkResult, error)
}

// ManagerConfig describes the dependencies of the link manager.
type ManagerConfig struct {
	Gateway     GatewayLinker
	Store       *connections.Store
	LinkTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Manager orchestrates the user-facing linking state machine:
// NotLinked -> Pending -> Connected, with Pending -> Error -> Pending on
// retry, and Connected -> removed on disconnect or displacement.
type Manager struct {
	gateway     GatewayLinker
	store       *connections.Store
	linkTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
}

// NewManager validates dependencies and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%s.missing_gateway: %w", opManagerNew, errMissingGateway)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s.missing_store: %w", opManagerNew, errMissingStore)
	}
	timeout := cfg.LinkTimeout
	if timeout <= 0 {
		timeout = defaultLinkTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gateway:     cfg.Gateway,
		store:       cfg.Store,
		linkTimeout: timeout,
		clock:       clock,
		logger:      logger,
	}, nil
}

// StartLink begins (or restarts) the QR handshake for a user and returns the
// QR code image to display. A confirmed link must be disconnected first. The
// pending row survives gateway failures so the flow can be retried.
func (m *Manager) StartLink(ctx context.Context, userID string) ([]byte, error) {
	if _, err := m.store.CreatePendingLink(ctx, userID); err != nil {
		return nil, err
	}

	image, err := m.gateway.RequestLinkQRCode(ctx)
	if err != nil {
		m.logger.Warn("link qr code request failed",
			zap.String("operation", opStartLink),
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, err
	}

	m.logger.Info("signal link started", zap.String("user_id", userID))
	return image, nil
}

// PollResult reports the current link state to the UI layer.
type PollResult struct {
	Status      connections.Status
	PhoneMasked string
}

// PollLinkStatus checks whether a pending handshake has completed. On
// confirmation it activates the connection with the number the gateway
// registered; past the timeout window it moves the row to error state so
// the UI can offer a retry.
func (m *Manager) PollLinkStatus(ctx context.Context, userID string) (PollResult, error) {
	connection, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return PollResult{}, err
	}

	switch connection.Status {
	case connections.StatusConnected:
		return m.pollResult(connection), nil
	case connections.StatusError:
		return PollResult{Status: connections.StatusError}, nil
	}

	result, err := m.gateway.CheckLinkComplete(ctx)
	if err != nil {
		// Transient gateway trouble leaves the row pending; the handshake
		// itself may still succeed.
		m.logger.Warn("link status check failed",
			zap.String("operation", opPollLink),
			zap.String("user_id", userID),
			zap.Error(err))
		return PollResult{}, err
	}

	if result.Complete && strings.TrimSpace(result.Number) != "" {
		activated, err := m.store.CompleteLink(ctx, userID, result.Number)
		if err != nil {
			return PollResult{}, err
		}
		m.logger.Info("signal link confirmed", zap.String("user_id", userID))
		return m.pollResult(activated), nil
	}

	if m.clock().UTC().Sub(connection.UpdatedAt.UTC()) > m.linkTimeout {
		if err := m.store.MarkError(ctx, userID); err != nil {
			return PollResult{}, err
		}
		m.logger.Info("signal link timed out", zap.String("user_id", userID))
		return PollResult{Status: connections.StatusError}, nil
	}

	return PollResult{Status: connections.StatusPending}, nil
}

// Disconnect tears the user's link down. Calling it for an unlinked user is
// a no-op success.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	if err := m.store.Disconnect(ctx, userID); err != nil {
		return err
	}
	m.logger.Info("signal link disconnected", zap.String("user_id", userID))
	return nil
}

func (m *Manager) pollResult(connection *connections.Connection) PollResult {
	result := PollResult{Status: connection.Status}
	phone, err := m.store.PhoneNumber(connection)
	if err != nil {
		// Corrupted ciphertext reads as an absent phone; the connection is
		// otherwise reported as-is.
		m.logger.Error("stored phone unreadable",
			zap.String("operation", opPollLink),
			zap.String("user_id", connection.UserID),
			zap.Error(err))
		return result
	}
	result.PhoneMasked = MaskPhone(phone)
	return result
}

// MaskPhone reduces a phone number to its dialing prefix and last four
// digits, e.g. "+15550001234" becomes "+1•••1234".
func MaskPhone(phone string) string {
	trimmed := strings.TrimSpace(phone)
	if len(trimmed) < 7 {
		return "•••"
	}
	return trimmed[:2] + "•••" + trimmed[len(trimmed)-4:]
}
