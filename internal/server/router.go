package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/stickaround/entitysync/internal/entity"
	"github.com/stickaround/entitysync/internal/sync"
)

const operatorIDContextKey = "entitysync_operator_id"

var (
	errMissingSyncService   = errors.New("sync service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingAccountID     = errors.New("account id required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates service tokens for the operational API.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// PassTrigger kicks off a reconciliation pass for one collection.
type PassTrigger interface {
	Trigger(ctx context.Context, collectionID string) error
}

// Dependencies wires the HTTP surface to the sync engine.
type Dependencies struct {
	SyncService  *sync.Service
	TokenManager TokenManager
	Scheduler    PassTrigger
	Queue        *sync.StaleQueue
	AccountID    string
	Logger       *zap.Logger
}

// NewHTTPHandler builds the operational API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if strings.TrimSpace(deps.AccountID) == "" {
		return nil, errMissingAccountID
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		syncService: deps.SyncService,
		tokens:      deps.TokenManager,
		scheduler:   deps.Scheduler,
		queue:       deps.Queue,
		accountID:   deps.AccountID,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/partners/:remoteId", handler.handleGetPartner)
	protected.POST("/partners", handler.handleCreatePartner)
	protected.POST("/partners/:remoteId/sync", handler.handleTriggerSync)

	return router, nil
}

type httpHandler struct {
	syncService *sync.Service
	tokens      TokenManager
	scheduler   PassTrigger
	queue       *sync.StaleQueue
	accountID   string
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	depth := 0
	if h.queue != nil {
		depth = h.queue.Depth()
	}
	c.JSON(http.StatusOK, gin.H{"stale_queue_depth": depth})
}

type conditionPayload struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type collectionRequestPayload struct {
	Type       int32              `json:"type"`
	ObjectType string             `json:"object_type"`
	FieldName  string             `json:"field_name"`
	Conditions []conditionPayload `json:"conditions"`
}

type createPartnerPayload struct {
	RemotePartnerID string                     `json:"remote_partner_id"`
	OwnerID         string                     `json:"owner_id"`
	Collections     []collectionRequestPayload `json:"collections"`
}

type collectionResponsePayload struct {
	CollectionID string `json:"collection_id"`
	Type         string `json:"type"`
	ObjectType   string `json:"object_type"`
	FieldName    string `json:"field_name,omitempty"`
	LastCommitID int64  `json:"last_commit_id"`
	Revision     int64  `json:"revision"`
}

type partnerResponsePayload struct {
	PartnerID       string                      `json:"partner_id"`
	RemotePartnerID string                      `json:"remote_partner_id"`
	AccountID       string                      `json:"account_id"`
	OwnerID         string                      `json:"owner_id,omitempty"`
	Collections     []collectionResponsePayload `json:"collections"`
}

func (h *httpHandler) handleGetPartner(c *gin.Context) {
	partner, ok := h.loadPartner(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, partnerResponse(partner))
}

func (h *httpHandler) handleCreatePartner(c *gin.Context) {
	var request createPartnerPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.RemotePartnerID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	accountID, remoteID, ok := h.identifiers(c, request.RemotePartnerID)
	if !ok {
		return
	}

	existing, err := h.syncService.GetPartner(c.Request.Context(), accountID, remoteID)
	if err != nil {
		h.logger.Error("failed to look up partner", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "partner_lookup_failed"})
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "partner_exists"})
		return
	}

	partner, err := h.syncService.CreatePartner(c.Request.Context(), accountID, remoteID, request.OwnerID)
	if err != nil {
		h.logger.Error("failed to create partner", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "partner_create_failed"})
		return
	}

	for _, payload := range request.Collections {
		cfg, err := h.collectionConfig(accountID, payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection"})
			return
		}
		if _, err := partner.EnsureCollection(cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection"})
			return
		}
	}
	if len(request.Collections) > 0 {
		if err := h.syncService.SavePartner(c.Request.Context(), partner); err != nil {
			h.logger.Error("failed to save partner collections", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "partner_save_failed"})
			return
		}
	}

	c.JSON(http.StatusCreated, partnerResponse(partner))
}

func (h *httpHandler) handleTriggerSync(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler_unavailable"})
		return
	}
	partner, ok := h.loadPartner(c)
	if !ok {
		return
	}

	statuses := make(map[string]string, len(partner.Collections()))
	for _, collection := range partner.Collections() {
		err := h.scheduler.Trigger(c.Request.Context(), collection.ID())
		switch {
		case err == nil:
			statuses[collection.ID()] = "triggered"
		case errors.Is(err, sync.ErrPassInFlight):
			statuses[collection.ID()] = "in_flight"
		case errors.Is(err, sync.ErrUnknownCollection):
			statuses[collection.ID()] = "unregistered"
		default:
			h.logger.Error("failed to trigger pass", zap.Error(err), zap.String("collection_id", collection.ID()))
			statuses[collection.ID()] = "error"
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"collections": statuses})
}

func (h *httpHandler) loadPartner(c *gin.Context) (*sync.Partner, bool) {
	accountID, remoteID, ok := h.identifiers(c, c.Param("remoteId"))
	if !ok {
		return nil, false
	}
	partner, err := h.syncService.GetPartner(c.Request.Context(), accountID, remoteID)
	if err != nil {
		h.logger.Error("failed to look up partner", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "partner_lookup_failed"})
		return nil, false
	}
	if partner == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "partner_not_found"})
		return nil, false
	}
	return partner, true
}

func (h *httpHandler) identifiers(c *gin.Context, rawRemoteID string) (sync.AccountID, sync.RemotePartnerID, bool) {
	accountID, err := sync.NewAccountID(h.accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_misconfigured"})
		return "", "", false
	}
	remoteID, err := sync.NewRemotePartnerID(rawRemoteID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_remote_partner_id"})
		return "", "", false
	}
	return accountID, remoteID, true
}

func (h *httpHandler) collectionConfig(accountID sync.AccountID, payload collectionRequestPayload) (sync.CollectionConfig, error) {
	collType, err := sync.NewCollectionType(payload.Type)
	if err != nil {
		return sync.CollectionConfig{}, err
	}
	conditions := make([]entity.Condition, 0, len(payload.Conditions))
	for _, condition := range payload.Conditions {
		parsed, err := entity.NewCondition(condition.Field, entity.ConditionOperator(condition.Operator), condition.Value)
		if err != nil {
			return sync.CollectionConfig{}, err
		}
		conditions = append(conditions, parsed)
	}
	return sync.CollectionConfig{
		AccountID:  accountID,
		Type:       collType,
		ObjectType: payload.ObjectType,
		FieldName:  payload.FieldName,
		Conditions: conditions,
	}, nil
}

func partnerResponse(partner *sync.Partner) partnerResponsePayload {
	response := partnerResponsePayload{
		PartnerID:       partner.ID(),
		RemotePartnerID: partner.RemoteID().String(),
		AccountID:       partner.AccountID().String(),
		OwnerID:         partner.OwnerID(),
		Collections:     make([]collectionResponsePayload, 0, len(partner.Collections())),
	}
	for _, collection := range partner.Collections() {
		response.Collections = append(response.Collections, collectionResponsePayload{
			CollectionID: collection.ID(),
			Type:         collection.Type().String(),
			ObjectType:   collection.ObjectType(),
			FieldName:    collection.FieldName(),
			LastCommitID: collection.LastCommitID(),
			Revision:     collection.Revision(),
		})
	}
	return response
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine churn; anything else may be probing.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorIDContextKey, subject)
	c.Next()
}
