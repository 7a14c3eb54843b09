package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ovpnhub/accessd/internal/config"
	"github.com/ovpnhub/accessd/internal/lifecycle"
	"github.com/ovpnhub/accessd/internal/models"
	"github.com/ovpnhub/accessd/internal/notify"
	"github.com/ovpnhub/accessd/internal/payment"
	"github.com/ovpnhub/accessd/internal/pool"
)

// ActivationHandler serves front-end activation and cancellation requests.
type ActivationHandler struct {
	db         *gorm.DB
	manager    *lifecycle.Manager
	payments   *payment.Service
	dispatcher notify.Dispatcher
	catalog    *config.PlanCatalog
}

// NewActivationHandler constructs an ActivationHandler.
func NewActivationHandler(db *gorm.DB, manager *lifecycle.Manager, payments *payment.Service, dispatcher notify.Dispatcher, catalog *config.PlanCatalog) *ActivationHandler {
	return &ActivationHandler{db: db, manager: manager, payments: payments, dispatcher: dispatcher, catalog: catalog}
}

// activationRequest defines the request body for activation.
type activationRequest struct {
	UserID    uint64 `json:"user_id"`
	BucketID  string `json:"bucket_id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Activate handles an activation request from the front-end. Trial buckets
// activate immediately; paid buckets get a charge issued and wait for the
// provider webhook.
func (h *ActivationHandler) Activate(c *gin.Context) {
	var body activationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	bucketID := strings.TrimSpace(body.BucketID)
	if body.UserID == 0 || bucketID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and bucket_id are required"})
		return
	}

	plan, ok := h.catalog.Lookup(bucketID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown bucket"})
		return
	}

	user, errUser := h.ensureUser(c, body)
	if errUser != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register user failed"})
		return
	}
	if user.IsBanned {
		c.JSON(http.StatusForbidden, gin.H{"error": "user is banned"})
		return
	}

	if plan.Kind == models.PlanKindPaid {
		intentID, errIntent := h.payments.CreateIntent(c.Request.Context(), body.UserID, bucketID)
		if errIntent != nil {
			log.WithError(errIntent).Warnf("activation: create intent failed (user=%d bucket=%s)", body.UserID, bucketID)
			c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable, try later"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "payment_required", "intent_id": intentID})
		return
	}

	cred, errActivate := h.manager.Activate(c.Request.Context(), body.UserID, plan.Kind, bucketID, plan.Duration, "")
	if errActivate != nil {
		if errors.Is(errActivate, pool.ErrExhausted) {
			if errAlert := h.dispatcher.Alert(c.Request.Context(), notify.Alert{
				Event:    notify.EventPoolExhausted,
				BucketID: bucketID,
				UserID:   body.UserID,
			}); errAlert != nil {
				log.WithError(errAlert).Warnf("activation: operator alert failed (bucket=%s)", bucketID)
			}
			c.JSON(http.StatusConflict, gin.H{"error": "no credentials available, try later"})
			return
		}
		if errors.Is(errActivate, lifecycle.ErrTransient) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry shortly"})
			return
		}
		log.WithError(errActivate).Errorf("activation: activate failed (user=%d bucket=%s)", body.UserID, bucketID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "activation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "activated",
		"credential": cred.Value,
		"bucket_id":  bucketID,
	})
}

// cancellationRequest defines the request body for cancellation.
type cancellationRequest struct {
	UserID uint64 `json:"user_id"`
}

// Cancel voluntarily ends a user's subscription.
func (h *ActivationHandler) Cancel(c *gin.Context) {
	var body cancellationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || body.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	if errCancel := h.manager.Cancel(c.Request.Context(), body.UserID); errCancel != nil {
		if errors.Is(errCancel, lifecycle.ErrNoActiveSubscription) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription"})
			return
		}
		if errors.Is(errCancel, lifecycle.ErrTransient) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry shortly"})
			return
		}
		log.WithError(errCancel).Errorf("activation: cancel failed (user=%d)", body.UserID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancellation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// ensureUser upserts the requesting user's profile row.
func (h *ActivationHandler) ensureUser(c *gin.Context, body activationRequest) (*models.User, error) {
	firstName := strings.TrimSpace(body.FirstName)
	if firstName == "" {
		firstName = "unknown"
	}
	row := models.User{
		UserID:    body.UserID,
		Username:  strings.TrimSpace(body.Username),
		FirstName: firstName,
	}
	if errUpsert := h.db.WithContext(c.Request.Context()).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "first_name", "updated_at"}),
		}).
		Create(&row).Error; errUpsert != nil {
		return nil, errUpsert
	}

	var user models.User
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", body.UserID).
		First(&user).Error; errFind != nil {
		return nil, errFind
	}
	return &user, nil
}
