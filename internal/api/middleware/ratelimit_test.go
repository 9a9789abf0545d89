package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/api/middleware"
	"tourmarket/settlement/internal/auth"
	"tourmarket/settlement/internal/config"
	"tourmarket/settlement/internal/services"
)

// MockConfigService implements services.IConfigService
type MockConfigService struct {
	mock.Mock
}

func (m *MockConfigService) GetAllPublic(ctx context.Context) (map[string]interface{}, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]interface{}), args.Error(1)
}
func (m *MockConfigService) Get(ctx context.Context, key string) (interface{}, error) {
	args := m.Called(ctx, key)
	return args.Get(0), args.Error(1)
}
func (m *MockConfigService) GetInt(ctx context.Context, key string, defaultValue int) int {
	args := m.Called(ctx, key, defaultValue)
	return args.Int(0)
}
func (m *MockConfigService) GetString(ctx context.Context, key string, defaultValue string) string {
	args := m.Called(ctx, key, defaultValue)
	return args.String(0)
}
func (m *MockConfigService) GetBool(ctx context.Context, key string, defaultValue bool) bool {
	args := m.Called(ctx, key, defaultValue)
	return args.Bool(0)
}
func (m *MockConfigService) GetFloat64(ctx context.Context, key string, defaultValue float64) float64 {
	args := m.Called(ctx, key, defaultValue)
	return args.Get(0).(float64)
}
func (m *MockConfigService) GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	args := m.Called(ctx, key, defaultValue)
	return args.Get(0).(time.Duration)
}
func (m *MockConfigService) Load(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *MockConfigService) SubscribeToChanges(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *MockConfigService) SetConfigValue(ctx context.Context, key string, value interface{}, isPublic bool) error {
	return m.Called(ctx, key, value, isPublic).Error(0)
}

var _ services.IConfigService = (*MockConfigService)(nil)

func setupLimitedEngine(t *testing.T, configSvc services.IConfigService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{RateLimitBucketSize: 10, RateLimitRefillRate: 1}
	rl := middleware.NewRateLimiterMiddleware(ctx, cfg, configSvc, zap.NewNop())
	r := gin.New()
	r.Use(rl.Limit())
	r.GET("/v1/r/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(r *gin.Engine, remoteAddr string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/r/hotel-1", nil)
	req.RemoteAddr = remoteAddr
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_BucketPerClient(t *testing.T) {
	configSvc := new(MockConfigService)
	configSvc.On("GetInt", mock.Anything, "RATE_LIMIT_REFILL_RATE", 1).Return(0)
	configSvc.On("GetInt", mock.Anything, "RATE_LIMIT_BUCKET_SIZE", 10).Return(2)
	r := setupLimitedEngine(t, configSvc)

	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.1:1234"))

	// A different client has its own bucket.
	assert.Equal(t, http.StatusOK, hit(r, "10.0.0.2:1234"))
}

func TestRateLimiter_EnvDefaultsWithoutConfigService(t *testing.T) {
	r := setupLimitedEngine(t, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, hit(r, "10.0.0.3:1"), "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, hit(r, "10.0.0.3:1"))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", middleware.AuthMiddleware("secret"), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(middleware.ContextKeyUserID))
	})
	r.GET("/admin", middleware.AuthMiddleware("secret"), middleware.AdminMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	provider, _ := auth.GenerateJWT("prov-1", false, "secret", time.Hour)
	operator, _ := auth.GenerateJWT("op-1", true, "secret", time.Hour)

	do := func(path, header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		return w
	}

	w := do("/me", "Bearer "+provider)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "prov-1", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do("/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("/me", "Token "+provider).Code)
	assert.Equal(t, http.StatusUnauthorized, do("/me", "Bearer garbage").Code)
	assert.Equal(t, http.StatusForbidden, do("/admin", "Bearer "+provider).Code)
	assert.Equal(t, http.StatusOK, do("/admin", "Bearer "+operator).Code)
}
