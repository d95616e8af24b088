package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tasklane/signal-bridge/internal/banners"
	"github.com/tasklane/signal-bridge/internal/connections"
	"github.com/tasklane/signal-bridge/internal/delivery"
	"github.com/tasklane/signal-bridge/internal/gateway"
	"github.com/tasklane/signal-bridge/internal/linking"
)

const userIDContextKey = "bridge_user_id"

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingLinkManager  = errors.New("link manager dependency required")
	errMissingStore        = errors.New("connection store dependency required")
	errMissingNotifier     = errors.New("banner notifier dependency required")
	errInvalidAuth         = errors.New("authorization header missing or invalid")
)

// TokenManager validates session tokens presented by the UI layer.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// GatewayProbe reports gateway reachability for the health endpoint.
type GatewayProbe interface {
	ListAccounts(ctx context.Context) ([]string, error)
}

// Deliverer relays chat messages towards Signal. Delivery is fire and
// forget; the handler acknowledges acceptance, not delivery.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, message delivery.ChatMessage)
}

// Dependencies wires the HTTP surface to the bridge services.
type Dependencies struct {
	TokenManager TokenManager
	LinkManager  *linking.Manager
	Store        *connections.Store
	Banners      *banners.Notifier
	Gateway      GatewayProbe
	Pipeline     Deliverer
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the bridge API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.LinkManager == nil {
		return nil, errMissingLinkManager
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Banners == nil {
		return nil, errMissingNotifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		links:    deps.LinkManager,
		store:    deps.Store,
		banners:  deps.Banners,
		gateway:  deps.Gateway,
		pipeline: deps.Pipeline,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/signal")
	protected.Use(handler.authorizeRequest)
	protected.POST("/link", handler.handleStartLink)
	protected.GET("/link/status", handler.handlePollLinkStatus)
	protected.GET("/connection", handler.handleGetConnection)
	protected.DELETE("/connection", handler.handleDisconnect)
	protected.GET("/preferences", handler.handleGetPreferences)
	protected.PUT("/preferences", handler.handleSetPreferences)
	protected.GET("/banners", handler.handleListBanners)
	protected.POST("/banners/:id/dismiss", handler.handleDismissBanner)

	internal := router.Group("/internal")
	internal.Use(handler.authorizeRequest)
	internal.POST("/deliver", handler.handleDeliver)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	links    *linking.Manager
	store    *connections.Store
	banners  *banners.Notifier
	gateway  GatewayProbe
	pipeline Deliverer
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	gatewayState := "unknown"
	if h.gateway != nil {
		probeCtx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if _, err := h.gateway.ListAccounts(probeCtx); err != nil {
			gatewayState = "down"
		} else {
			gatewayState = "up"
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "gateway": gatewayState})
}

func (h *httpHandler) handleStartLink(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	image, err := h.links.StartLink(c.Request.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, connections.ErrAlreadyLinked):
			c.JSON(http.StatusConflict, gin.H{"error": "already_linked"})
		case errors.Is(err, gateway.ErrGatewayUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable"})
		default:
			h.logger.Error("start link failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "link_start_failed"})
		}
		return
	}

	c.Data(http.StatusOK, "image/png", image)
}

type linkStatusPayload struct {
	Status      string `json:"status"`
	PhoneMasked string `json:"phone_masked,omitempty"`
}

func (h *httpHandler) handlePollLinkStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	result, err := h.links.PollLinkStatus(c.Request.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, connections.ErrNotLinked):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_linked"})
		case errors.Is(err, gateway.ErrGatewayUnavailable):
			c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable"})
		default:
			h.logger.Error("poll link status failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "link_poll_failed"})
		}
		return
	}

	c.JSON(http.StatusOK, linkStatusPayload{
		Status:      string(result.Status),
		PhoneMasked: result.PhoneMasked,
	})
}

type connectionPayload struct {
	Status           string `json:"status"`
	PhoneMasked      string `json:"phone_masked,omitempty"`
	NotificationMode string `json:"notification_mode"`
}

func (h *httpHandler) handleGetConnection(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	connection, err := h.store.GetByUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, connections.ErrNotLinked) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_linked"})
			return
		}
		h.logger.Error("get connection failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_lookup_failed"})
		return
	}

	payload := connectionPayload{
		Status:           string(connection.Status),
		NotificationMode: string(connection.NotificationMode),
	}
	if phone, err := h.store.PhoneNumber(connection); err == nil {
		payload.PhoneMasked = linking.MaskPhone(phone)
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	if err := h.links.Disconnect(c.Request.Context(), userID); err != nil {
		h.logger.Error("disconnect failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "disconnect_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

type preferencesPayload struct {
	NotificationMode string `json:"notification_mode"`
}

func (h *httpHandler) handleGetPreferences(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	connection, err := h.store.GetByUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, connections.ErrNotLinked) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_linked"})
			return
		}
		h.logger.Error("get preferences failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "preferences_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, preferencesPayload{NotificationMode: string(connection.NotificationMode)})
}

func (h *httpHandler) handleSetPreferences(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request preferencesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	mode, ok := connections.ParseNotificationMode(request.NotificationMode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_notification_mode"})
		return
	}

	if err := h.store.UpdatePreference(c.Request.Context(), userID, mode); err != nil {
		if errors.Is(err, connections.ErrNotLinked) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_linked"})
			return
		}
		h.logger.Error("set preferences failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "preferences_update_failed"})
		return
	}
	c.JSON(http.StatusOK, preferencesPayload{NotificationMode: string(mode)})
}

type bannerPayload struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at_s"`
}

func (h *httpHandler) handleListBanners(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	active, err := h.banners.ListActive(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list banners failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "banner_list_failed"})
		return
	}

	payload := make([]bannerPayload, 0, len(active))
	for _, banner := range active {
		payload = append(payload, bannerPayload{
			ID:        banner.ID,
			Message:   banner.Message,
			CreatedAt: banner.CreatedAt.UTC().Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"banners": payload})
}

func (h *httpHandler) handleDismissBanner(c *gin.Context) {
	bannerID := c.Param("id")

	if err := h.banners.Dismiss(c.Request.Context(), bannerID); err != nil {
		h.logger.Error("dismiss banner failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "banner_dismiss_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "dismissed"})
}

type deliverPayload struct {
	UserID  string `json:"user_id"`
	Message struct {
		ID        string `json:"id"`
		ProjectID string `json:"project_id"`
		Category  string `json:"category"`
		Title     string `json:"title"`
		Body      string `json:"body"`
	} `json:"message"`
}

// handleDeliver accepts a chat-created message for best-effort relay to the
// user's linked Signal number. Called by the chat pipeline, not the UI.
func (h *httpHandler) handleDeliver(c *gin.Context) {
	if h.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "delivery_disabled"})
		return
	}

	var request deliverPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	category, ok := delivery.ParseCategory(request.Message.Category)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category"})
		return
	}

	h.pipeline.Deliver(c.Request.Context(), request.UserID, delivery.ChatMessage{
		ID:        request.Message.ID,
		ProjectID: request.Message.ProjectID,
		Category:  category,
		Title:     request.Message.Title,
		Body:      request.Message.Body,
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
