package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/services"
)

const (
	limiterCleanupInterval = 10 * time.Minute
	limiterIdleTimeout     = 30 * time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterMiddleware keeps one token bucket per client IP. Bucket size
// and refill rate come from the config service with env defaults, and are
// read when a client is first seen.
type RateLimiterMiddleware struct {
	clients       map[string]*clientLimiter
	mu            sync.Mutex
	cfg           *config.Config
	configService services.IConfigService
	logger        *zap.Logger
}

// NewRateLimiterMiddleware starts a cleanup goroutine that runs until ctx
// is done.
func NewRateLimiterMiddleware(ctx context.Context, cfg *config.Config, configService services.IConfigService, logger *zap.Logger) *RateLimiterMiddleware {
	rm := &RateLimiterMiddleware{
		clients:       make(map[string]*clientLimiter),
		cfg:           cfg,
		configService: configService,
		logger:        logger,
	}
	go rm.cleanupClients(ctx)
	return rm
}

func (rm *RateLimiterMiddleware) limits(ctx context.Context) (rate.Limit, int) {
	refill, burst := rm.cfg.RateLimitRefillRate, rm.cfg.RateLimitBucketSize
	if rm.configService != nil {
		refill = rm.configService.GetInt(ctx, "RATE_LIMIT_REFILL_RATE", refill)
		burst = rm.configService.GetInt(ctx, "RATE_LIMIT_BUCKET_SIZE", burst)
	}
	return rate.Limit(refill), burst
}

func (rm *RateLimiterMiddleware) getClientLimiter(ctx context.Context, identifier string) *rate.Limiter {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cl, exists := rm.clients[identifier]
	if !exists {
		refill, burst := rm.limits(ctx)
		cl = &clientLimiter{limiter: rate.NewLimiter(refill, burst)}
		rm.clients[identifier] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}

func (rm *RateLimiterMiddleware) cleanupClients(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		rm.mu.Lock()
		removed := 0
		for id, cl := range rm.clients {
			if time.Since(cl.lastSeen) > limiterIdleTimeout {
				delete(rm.clients, id)
				removed++
			}
		}
		rm.mu.Unlock()
		if removed > 0 {
			rm.logger.Debug("rate limiter cleanup", zap.Int("removed", removed))
		}
	}
}

// Limit creates the Gin middleware handler.
func (rm *RateLimiterMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientKey := c.ClientIP()
		if !rm.getClientLimiter(c.Request.Context(), clientKey).Allow() {
			rm.logger.Info("rate limit exceeded", zap.String("client", clientKey), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}
