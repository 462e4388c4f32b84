package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// CachedStore caches access-token validation in Redis in front of another
// Store. Redis failures are logged and fall through to the inner store.
type CachedStore struct {
	Store
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Logger
}

// NewCachedStore wraps inner. Entries live for at most ttl and never past the
// session's own expiry.
func NewCachedStore(inner Store, client *redis.Client, ttl time.Duration, log *logrus.Logger) *CachedStore {
	if log == nil {
		log = logrus.New()
	}
	return &CachedStore{Store: inner, client: client, ttl: ttl, log: log}
}

func tokenKey(hash string) string        { return "authbroker:token:" + hash }
func sessionKey(sessionID string) string { return "authbroker:session:" + sessionID }

// CreateOrUpdateSession implements Store. A rotated session's previous
// access token is evicted so it cannot be served from cache.
func (c *CachedStore) CreateOrUpdateSession(ctx context.Context, accountID, sessionID string) (*Issued, error) {
	issued, err := c.Store.CreateOrUpdateSession(ctx, accountID, sessionID)
	if err != nil {
		return nil, err
	}

	if issued.ID == sessionID {
		c.evict(ctx, sessionID)
	}

	c.put(ctx, HashToken(issued.Token), &issued.Session)
	return issued, nil
}

// RevokeSession implements Store. The cached access token is evicted before
// the session is deleted.
func (c *CachedStore) RevokeSession(ctx context.Context, sessionID string) error {
	c.evict(ctx, sessionID)
	if err := c.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		c.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to evict session")
	}
	return c.Store.RevokeSession(ctx, sessionID)
}

// evict drops the cached access token last recorded for sessionID
func (c *CachedStore) evict(ctx context.Context, sessionID string) {
	oldHash, err := c.client.Get(ctx, sessionKey(sessionID)).Result()
	switch {
	case err == nil:
		if err := c.client.Del(ctx, tokenKey(oldHash)).Err(); err != nil {
			c.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to evict cached token")
		}
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).WithField("session_id", sessionID).Warn("Failed to read session cache")
	}
}

// ValidateToken implements Store
func (c *CachedStore) ValidateToken(ctx context.Context, token string) (*Session, error) {
	hash := HashToken(token)

	data, err := c.client.Get(ctx, tokenKey(hash)).Bytes()
	switch {
	case err == nil:
		var sess Session
		if err := json.Unmarshal(data, &sess); err == nil {
			if time.Now().Before(sess.ExpiresAt) {
				return &sess, nil
			}
			return nil, ErrExpired
		}
		c.client.Del(ctx, tokenKey(hash))
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).Warn("Session cache unavailable")
	}

	sess, err := c.Store.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	c.put(ctx, hash, sess)
	return sess, nil
}

func (c *CachedStore) put(ctx context.Context, hash string, sess *Session) {
	ttl := time.Until(sess.ExpiresAt)
	if ttl > c.ttl {
		ttl = c.ttl
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(sess)
	if err != nil {
		c.log.WithError(err).Warn("Failed to encode session for cache")
		return
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, tokenKey(hash), data, ttl)
	pipe.Set(ctx, sessionKey(sess.ID), hash, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.WithError(err).WithField("session_id", sess.ID).Warn("Failed to cache session")
	}
}
