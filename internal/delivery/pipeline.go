package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tasklane/signal-bridge/internal/audit"
	"github.com/tasklane/signal-bridge/internal/connections"
	"github.com/tasklane/signal-bridge/internal/gateway"
)

var (
	errMissingGateway = errors.New("gateway sender is required")
	errMissingStore   = errors.New("connection store is required")
	errMissingAudit   = errors.New("audit log is required")
)

const (
	opPipelineNew = "delivery.pipeline.new"
	opDeliver     = "delivery.deliver"

	defaultRetryInitial = 30 * time.Second
	defaultRetryCeiling = 8 * time.Minute
)

// GatewaySender is the subset of the gateway client the pipeline depends on.
type GatewaySender interface {
	SendMessage(ctx context.Context, recipient, text string, styled bool) (gateway.SendReceipt, error)
}

// RetryPolicy bounds the delivery retry schedule.
type RetryPolicy struct {
	Initial     time.Duration
	Ceiling     time.Duration
	MaxAttempts int
}

// Backoff returns the wait before the given retry (1-based), doubling from
// Initial up to Ceiling.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	wait := p.Initial
	for i := 1; i < retry; i++ {
		wait *= 2
		if wait >= p.Ceiling {
			return p.Ceiling
		}
	}
	if wait > p.Ceiling {
		return p.Ceiling
	}
	return wait
}

// PipelineConfig describes the dependencies of the outbound pipeline.
type PipelineConfig struct {
	Gateway    GatewaySender
	Store      *connections.Store
	Audit      *audit.Log
	AppBaseURL string
	Retry      RetryPolicy
	Clock      func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) bool
	Logger     *zap.Logger
}

// Pipeline turns application chat messages into Signal messages and delivers
// them best effort. Each delivery runs as a detached task with a bounded
// retry schedule; failures are logged, never returned to the chat caller.
type Pipeline struct {
	gateway    GatewaySender
	store      *connections.Store
	audit      *audit.Log
	appBaseURL string
	retry      RetryPolicy
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration) bool
	logger     *zap.Logger
	tasks      sync.WaitGroup
}

// NewPipeline validates dependencies and constructs a Pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%s.missing_gateway: %w", opPipelineNew, errMissingGateway)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%s.missing_store: %w", opPipelineNew, errMissingStore)
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("%s.missing_audit: %w", opPipelineNew, errMissingAudit)
	}

	retry := cfg.Retry
	if retry.Initial <= 0 {
		retry.Initial = defaultRetryInitial
	}
	if retry.Ceiling <= 0 {
		retry.Ceiling = defaultRetryCeiling
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = audit.MaxRetries
	}
	if retry.MaxAttempts > audit.MaxRetries {
		retry.MaxAttempts = audit.MaxRetries
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		gateway:    cfg.Gateway,
		store:      cfg.Store,
		audit:      cfg.Audit,
		appBaseURL: cfg.AppBaseURL,
		retry:      retry,
		clock:      clock,
		sleep:      sleep,
		logger:     logger,
	}, nil
}

// Deliver relays one chat message to the user's linked Signal number. Users
// without a confirmed link, and messages filtered out by the notification
// mode, are skipped silently: Signal is a supplementary channel and the chat
// message already exists in-app. The actual send runs detached; Deliver
// returns once the audit record is opened.
func (p *Pipeline) Deliver(ctx context.Context, userID string, message ChatMessage) {
	connection, err := p.store.GetByUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, connections.ErrNotLinked) {
			p.logError(opDeliver, "connection_lookup_failed", err, userID, message.ID)
		}
		return
	}
	if !connection.Linked() {
		return
	}
	if !shouldDeliver(connection.NotificationMode, message.Category) {
		return
	}

	phone, err := p.store.PhoneNumber(connection)
	if err != nil {
		// Corrupted ciphertext: treat the connection as effectively absent.
		p.logError(opDeliver, "stored_phone_unreadable", err, userID, message.ID)
		return
	}

	text := formatMessage(message, p.appBaseURL)
	record, err := p.audit.CreateOutbound(ctx, connection.ID, message.ID, message.Body)
	if err != nil {
		p.logError(opDeliver, "audit_create_failed", err, userID, message.ID)
		return
	}

	p.tasks.Add(1)
	go p.runDelivery(record.ID, phone, text, userID)
}

// Wait blocks until all in-flight delivery tasks finish. Used by tests and
// at shutdown; retry tasks are not persisted across restarts.
func (p *Pipeline) Wait() {
	p.tasks.Wait()
}

// runDelivery drives one message to a terminal status. It deliberately uses
// a background context: retry tasks outlive the request that spawned them.
func (p *Pipeline) runDelivery(recordID, phone, text, userID string) {
	defer p.tasks.Done()
	ctx := context.Background()

	for attempt := 0; ; attempt++ {
		_, err := p.gateway.SendMessage(ctx, phone, text, true)
		if err == nil {
			if markErr := p.audit.MarkDelivered(ctx, recordID); markErr != nil {
				p.logError(opDeliver, "mark_delivered_failed", markErr, userID, recordID)
			}
			return
		}

		if attempt >= p.retry.MaxAttempts {
			if markErr := p.audit.MarkFailed(ctx, recordID, err.Error()); markErr != nil {
				p.logError(opDeliver, "mark_failed_failed", markErr, userID, recordID)
			}
			p.logger.Warn("signal delivery dropped after retries",
				zap.String("record_id", recordID),
				zap.String("user_id", userID),
				zap.Int("retries", p.retry.MaxAttempts),
				zap.Error(err))
			return
		}

		retry := attempt + 1
		wait := p.retry.Backoff(retry)
		nextAt := p.clock().UTC().Add(wait)
		if markErr := p.audit.MarkRetrying(ctx, recordID, retry, nextAt, err.Error()); markErr != nil {
			p.logError(opDeliver, "mark_retrying_failed", markErr, userID, recordID)
			return
		}
		if !p.sleep(ctx, wait) {
			return
		}
	}
}

func (p *Pipeline) logError(operation, reason string, err error, userID, subject string) {
	p.logger.Error("delivery pipeline error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", userID),
		zap.String("subject", subject),
		zap.Error(err))
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
