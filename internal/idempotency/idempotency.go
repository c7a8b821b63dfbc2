// Package idempotency replays successful mutation responses for retried requests
// carrying the same Idempotency-Key.
package idempotency

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/zeebo/blake3"
)

// ErrKeyReused is returned when a key is replayed with a different request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

type key struct {
	actorID  string
	key      string
	endpoint string
}

type record struct {
	fingerprint string
	body        []byte
}

// Cache is an in-process, size and TTL bounded response store.
type Cache struct {
	lru *expirable.LRU[key, record]
}

// New returns a cache; size <= 0 disables it.
func New(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		return &Cache{}
	}
	return &Cache{lru: expirable.NewLRU[key, record](size, nil, ttl)}
}

// Fingerprint hashes a request payload for reuse detection.
func Fingerprint(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Replay decodes a stored response into out. It reports false when nothing is stored
// or no key was supplied.
func (c *Cache) Replay(actorID, idemKey, endpoint, fingerprint string, out any) (bool, error) {
	if c == nil || c.lru == nil || idemKey == "" {
		return false, nil
	}
	rec, ok := c.lru.Get(key{actorID, idemKey, endpoint})
	if !ok {
		return false, nil
	}
	if rec.fingerprint != fingerprint {
		return false, ErrKeyReused
	}
	if err := json.Unmarshal(rec.body, out); err != nil {
		return false, err
	}
	return true, nil
}

// Save stores a successful response.
func (c *Cache) Save(actorID, idemKey, endpoint, fingerprint string, response any) error {
	if c == nil || c.lru == nil || idemKey == "" {
		return nil
	}
	b, err := json.Marshal(response)
	if err != nil {
		return err
	}
	c.lru.Add(key{actorID, idemKey, endpoint}, record{fingerprint: fingerprint, body: b})
	return nil
}
