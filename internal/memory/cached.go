package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"robustagent/internal/logging"
	"robustagent/internal/models"
	"robustagent/internal/redis"
)

const (
	windowKeyPrefix     = "chat:window:"
	generationKeyPrefix = "chat:wgen:"
	generationTTL       = 24 * time.Hour
)

// CachedStore serves LoadWindow from redis and invalidates on every write.
// Every write bumps a per-session generation; a window read from the
// underlying store is cached only if no write landed while it was read.
// Redis failures are logged and fall through to the underlying store.
type CachedStore struct {
	History
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedStore decorates next with a redis read cache.
func NewCachedStore(next History, cache *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStore{History: next, cache: cache, ttl: ttl, logger: logging.OrNop(logger)}
}

func windowKey(sessionID string) string { return windowKeyPrefix + sessionID }

func generationKey(sessionID string) string { return generationKeyPrefix + sessionID }

func (c *CachedStore) Append(ctx context.Context, sessionID string, role models.Role, content string) (*models.Message, error) {
	msg, err := c.History.Append(ctx, sessionID, role, content)
	c.invalidate(ctx, sessionID)
	return msg, err
}

func (c *CachedStore) Clear(ctx context.Context, sessionID string) error {
	err := c.History.Clear(ctx, sessionID)
	c.invalidate(ctx, sessionID)
	return err
}

func (c *CachedStore) LoadWindow(ctx context.Context, sessionID string, turns int) ([]*models.Message, error) {
	if turns <= 0 {
		turns = c.History.WindowSize()
	}
	turns = min(turns, MaxWindowTurns)
	field := strconv.Itoa(turns)

	raw, err := c.cache.HGet(ctx, windowKey(sessionID), field)
	switch {
	case err == nil:
		var cached []*models.Message
		if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
			return cached, nil
		} else {
			c.logger.Warn("drop corrupt window cache entry", zap.String("session_id", sessionID), zap.Error(jsonErr))
		}
	case !errors.Is(err, redis.ErrCacheMiss):
		c.logger.Warn("window cache read failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	gen, genErr := c.cache.Generation(ctx, generationKey(sessionID))
	messages, err := c.History.LoadWindow(ctx, sessionID, turns)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return messages, nil
	}
	if payload, err := json.Marshal(messages); err == nil {
		written, err := c.cache.HSetAtGeneration(ctx, generationKey(sessionID), gen, windowKey(sessionID), field, payload, c.ttl)
		switch {
		case err != nil:
			c.logger.Warn("window cache write failed", zap.String("session_id", sessionID), zap.Error(err))
		case !written:
			c.logger.Debug("window changed while loading, not cached", zap.String("session_id", sessionID))
		}
	}
	return messages, nil
}

func (c *CachedStore) invalidate(ctx context.Context, sessionID string) {
	if err := c.cache.BumpGeneration(ctx, generationKey(sessionID), generationTTL, windowKey(sessionID)); err != nil {
		c.logger.Warn("window cache invalidation failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
