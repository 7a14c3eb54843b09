package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ovpnhub/accessd/internal/pool"
	"github.com/ovpnhub/accessd/internal/security"
)

// AdminHandler serves the operator pool-management surface.
type AdminHandler struct {
	alloc        *pool.Allocator
	passwordHash string
	jwtSecret    string
	jwtExpiry    time.Duration
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(alloc *pool.Allocator, passwordHash, jwtSecret string, jwtExpiry time.Duration) *AdminHandler {
	return &AdminHandler{
		alloc:        alloc,
		passwordHash: strings.TrimSpace(passwordHash),
		jwtSecret:    jwtSecret,
		jwtExpiry:    jwtExpiry,
	}
}

// loginRequest defines the request body for operator login.
type loginRequest struct {
	Password string `json:"password"`
}

// Login exchanges the operator password for a JWT.
func (h *AdminHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if h.passwordHash == "" || !security.CheckPassword(h.passwordHash, body.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, errToken := security.GenerateOperatorToken(h.jwtSecret, h.jwtExpiry)
	if errToken != nil {
		log.WithError(errToken).Error("admin: sign token failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// seedRequest defines the request body for pool seeding.
type seedRequest struct {
	BucketID string   `json:"bucket_id"`
	Values   []string `json:"values"`
}

// SeedPool bulk-inserts credential values into a bucket.
func (h *AdminHandler) SeedPool(c *gin.Context) {
	var body seedRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.BucketID) == "" || len(body.Values) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bucket_id and values are required"})
		return
	}

	inserted, errSeed := h.alloc.Seed(c.Request.Context(), body.BucketID, body.Values)
	if errSeed != nil {
		log.WithError(errSeed).Errorf("admin: seed failed (bucket=%s)", body.BucketID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "seed failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"inserted": inserted, "bucket_id": body.BucketID})
}

// PoolCounts returns free/claimed/banned tallies per bucket.
func (h *AdminHandler) PoolCounts(c *gin.Context) {
	counts, errCounts := h.alloc.Counts(c.Request.Context())
	if errCounts != nil {
		log.WithError(errCounts).Error("admin: counts failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query counts failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": counts})
}

// BanCredential permanently removes one credential from circulation.
func (h *AdminHandler) BanCredential(c *gin.Context) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential id"})
		return
	}
	if errBan := h.alloc.Ban(c.Request.Context(), id); errBan != nil {
		if errors.Is(errBan, pool.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
			return
		}
		log.WithError(errBan).Errorf("admin: ban failed (credential=%d)", id)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ban failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"banned": id})
}
