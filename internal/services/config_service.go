package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"tourmarket/settlement/internal/config"
)

// IConfigService exposes settlement overrides (commission tiers, payment
// terms, rate limits) that admins change at runtime. A key without an
// override resolves to the caller's default, normally the env value.
type IConfigService interface {
	GetAllPublic(ctx context.Context) (map[string]interface{}, error)
	Get(ctx context.Context, key string) (interface{}, error)
	GetInt(ctx context.Context, key string, defaultValue int) int
	GetString(ctx context.Context, key string, defaultValue string) string
	GetBool(ctx context.Context, key string, defaultValue bool) bool
	GetFloat64(ctx context.Context, key string, defaultValue float64) float64
	GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration
	Load(ctx context.Context) error
	SubscribeToChanges(ctx context.Context) error
	SetConfigValue(ctx context.Context, key string, value interface{}, isPublic bool) error
}

var (
	ErrConfigKeyNotFound  = errors.New("config key not found")
	ErrInvalidConfigValue = errors.New("invalid config value")
)

const (
	configCollection    = "settlement_overrides"
	configUpdateChannel = "settlement_overrides:changed"
)

// overrideRule bounds a numeric override. Keys are matched by prefix so
// tier-suffixed keys (COMMISSION_PLATFORM_PERCENT_PREMIUM) share the rule
// of their base key.
type overrideRule struct {
	prefix   string
	min, max float64
	minOpen  bool
	integral bool
}

var overrideRules = []overrideRule{
	{prefix: "COMMISSION_PLATFORM_PERCENT", min: 0, max: 100, minOpen: true},
	{prefix: "COMMISSION_REFERRAL_SHARE", min: 0, max: 1},
	{prefix: "INVOICE_PAYMENT_WAIT_TIME_DAYS", min: 1, max: 365, integral: true},
	{prefix: "RATE_LIMIT_", min: 1, max: 1e6, integral: true},
	{prefix: "REFERRAL_COOKIE_TTL_SECONDS", min: 1, max: 365 * 24 * 3600, integral: true},
}

type configService struct {
	db     *mongo.Database
	cfg    *config.Config
	rdb    *redis.Client
	logger *zap.Logger

	mu        sync.RWMutex
	overrides map[string]interface{}
}

// NewConfigService loads the stored overrides and keeps them fresh by
// listening on Redis until ctx is done.
func NewConfigService(ctx context.Context, db *mongo.Database, initialCfg *config.Config, rdb *redis.Client, logger *zap.Logger) IConfigService {
	s := &configService{
		db:        db,
		cfg:       initialCfg,
		rdb:       rdb,
		logger:    logger.Named("overrides"),
		overrides: map[string]interface{}{},
	}
	if err := s.Load(ctx); err != nil {
		s.logger.Warn("overrides unavailable, falling back to environment", zap.Error(err))
	}
	go func() {
		if err := s.SubscribeToChanges(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("override listener stopped", zap.Error(err))
		}
	}()
	return s
}

// overrideDoc is one stored override.
type overrideDoc struct {
	Key       string      `bson:"key"`
	Value     interface{} `bson:"value"`
	Public    bool        `bson:"public"`
	UpdatedAt time.Time   `bson:"updated_at,omitempty"`
}

func (s *configService) readOverrides(ctx context.Context, filter bson.M) (map[string]interface{}, error) {
	cursor, err := s.db.Collection(configCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	var docs []overrideDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode overrides: %w", err)
	}
	out := make(map[string]interface{}, len(docs))
	for _, d := range docs {
		out[d.Key] = d.Value
	}
	return out, nil
}

// Load swaps in every stored override.
func (s *configService) Load(ctx context.Context) error {
	fresh, err := s.readOverrides(ctx, bson.M{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.overrides = fresh
	s.mu.Unlock()
	s.logger.Info("overrides loaded", zap.Int("count", len(fresh)))
	return nil
}

// GetAllPublic reads public overrides from the database, plus APP_NAME.
func (s *configService) GetAllPublic(ctx context.Context) (map[string]interface{}, error) {
	public, err := s.readOverrides(ctx, bson.M{"public": true})
	if err != nil {
		return nil, err
	}
	if _, ok := public["APP_NAME"]; !ok {
		public["APP_NAME"] = s.cfg.AppName
	}
	return public, nil
}

func (s *configService) Get(_ context.Context, key string) (interface{}, error) {
	s.mu.RLock()
	val, ok := s.overrides[key]
	s.mu.RUnlock()
	switch {
	case ok:
		return val, nil
	case key == "APP_NAME":
		return s.cfg.AppName, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrConfigKeyNotFound, key)
}

// numeric widens the number types BSON hands back (int32, int64, float64)
// and whatever a caller stored directly.
func numeric(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

// lookupNumber returns the override for key as a float64, or ok=false when
// there is none or it is not a number.
func (s *configService) lookupNumber(ctx context.Context, key string) (float64, bool) {
	val, err := s.Get(ctx, key)
	if err != nil {
		return 0, false
	}
	n, ok := numeric(val)
	if !ok {
		s.logger.Warn("override is not numeric, ignoring", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", val)))
	}
	return n, ok
}

func (s *configService) GetString(ctx context.Context, key string, defaultValue string) string {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	str, ok := val.(string)
	if !ok {
		s.logger.Warn("override is not a string, ignoring", zap.String("key", key))
		return defaultValue
	}
	return str
}

func (s *configService) GetInt(ctx context.Context, key string, defaultValue int) int {
	if n, ok := s.lookupNumber(ctx, key); ok {
		return int(n)
	}
	return defaultValue
}

func (s *configService) GetFloat64(ctx context.Context, key string, defaultValue float64) float64 {
	if n, ok := s.lookupNumber(ctx, key); ok {
		return n
	}
	return defaultValue
}

// GetDuration reads an override stored as seconds.
func (s *configService) GetDuration(ctx context.Context, key string, defaultValue time.Duration) time.Duration {
	if n, ok := s.lookupNumber(ctx, key); ok {
		return time.Duration(n * float64(time.Second))
	}
	return defaultValue
}

func (s *configService) GetBool(ctx context.Context, key string, defaultValue bool) bool {
	val, err := s.Get(ctx, key)
	if err != nil {
		return defaultValue
	}
	b, ok := val.(bool)
	if !ok {
		s.logger.Warn("override is not a boolean, ignoring", zap.String("key", key))
		return defaultValue
	}
	return b
}

// SubscribeToChanges reloads overrides whenever any instance announces a
// change. It returns when ctx is done.
func (s *configService) SubscribeToChanges(ctx context.Context) error {
	if s.rdb == nil {
		s.logger.Info("no redis client, override changes stay local")
		return nil
	}

	sub := s.rdb.Subscribe(ctx, configUpdateChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", configUpdateChannel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.logger.Debug("override changed elsewhere", zap.String("key", msg.Payload))
			if err := s.Load(ctx); err != nil {
				s.logger.Error("override reload failed", zap.Error(err))
			}
		}
	}
}

// validateOverride rejects values that would break invoicing, such as a
// referral share above 1 or a zero payment term.
func validateOverride(key string, value interface{}) error {
	for _, rule := range overrideRules {
		if !strings.HasPrefix(key, rule.prefix) {
			continue
		}
		n, ok := numeric(value)
		if !ok {
			return fmt.Errorf("%w: %s must be a number", ErrInvalidConfigValue, key)
		}
		if n < rule.min || n > rule.max || (rule.minOpen && n == rule.min) {
			return fmt.Errorf("%w: %s out of range", ErrInvalidConfigValue, key)
		}
		if rule.integral && n != float64(int64(n)) {
			return fmt.Errorf("%w: %s must be a whole number", ErrInvalidConfigValue, key)
		}
		return nil
	}
	if key == "AUTO_PAYMENT_LINKS" {
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s must be a boolean", ErrInvalidConfigValue, key)
		}
	}
	return nil
}

// SetConfigValue validates and upserts an override, then announces it so
// every instance reloads.
func (s *configService) SetConfigValue(ctx context.Context, key string, value interface{}, isPublic bool) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidConfigValue)
	}
	if err := validateOverride(key, value); err != nil {
		return err
	}

	doc := overrideDoc{Key: key, Value: value, Public: isPublic, UpdatedAt: time.Now().UTC()}
	_, err := s.db.Collection(configCollection).UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("store override %q: %w", key, err)
	}

	s.mu.Lock()
	s.overrides[key] = value
	s.mu.Unlock()

	if s.rdb != nil {
		if err := s.rdb.Publish(ctx, configUpdateChannel, key).Err(); err != nil {
			s.logger.Warn("override saved but not announced", zap.String("key", key), zap.Error(err))
		}
	}
	s.logger.Info("override set", zap.String("key", key), zap.Bool("public", isPublic))
	return nil
}
