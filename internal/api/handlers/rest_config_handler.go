package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/api/middleware"
	"tourmarket/settlement/internal/services"
)

// RestConfigHandler serves dynamic configuration.
type RestConfigHandler struct {
	configService services.IConfigService
	logger        *zap.Logger
}

func NewRestConfigHandler(configService services.IConfigService, logger *zap.Logger) *RestConfigHandler {
	return &RestConfigHandler{configService: configService, logger: logger}
}

// GetPublicConfig returns the publicly accessible configuration parameters.
// Handles GET /v1/config
func (h *RestConfigHandler) GetPublicConfig(c *gin.Context) {
	publicConfig, err := h.configService.GetAllPublic(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve configuration"})
		return
	}
	c.JSON(http.StatusOK, publicConfig)
}

type setConfigRequest struct {
	Value    interface{} `json:"value"`
	IsPublic bool        `json:"is_public"`
}

// SetConfigValue handles PUT /v1/admin/config/:key. The change reaches
// every instance through the Redis override channel.
func (h *RestConfigHandler) SetConfigValue(c *gin.Context) {
	var req setConfigRequest
	// false and 0 are valid values, so presence is checked by hand
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value is required"})
		return
	}
	key := c.Param("key")
	if err := h.configService.SetConfigValue(c.Request.Context(), key, req.Value, req.IsPublic); err != nil {
		if errors.Is(err, services.ErrInvalidConfigValue) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to set config value", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update configuration"})
		return
	}
	h.logger.Info("config value updated", zap.String("key", key), zap.String("operator", c.GetString(middleware.ContextKeyUserID)))
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}
