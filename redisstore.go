package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefix for mirrored block entries. Each blocked IP gets one key with
// a TTL matching the remaining block window, so operators can inspect the
// fleet-wide block state from Redis alone.
const blockKeyPrefix = "blocked:"

const redisMirrorTimeout = 5 * time.Second

// createRedisClient builds a Redis client from a redis:// URL with the
// usual env var overrides for auth and TLS.
func createRedisClient(redisEnv string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %v", err)
	}

	// REDIS_PASSWORD environment variable overrides URL password
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		opt.Password = redisPassword
		log.Printf("Redis authentication enabled (password from REDIS_PASSWORD env var)")
	} else if opt.Password != "" {
		log.Printf("Redis authentication enabled (password from URL)")
	}

	if redisTLS := os.Getenv("REDIS_TLS"); redisTLS == "true" || redisTLS == "1" || redisTLS == "enabled" {
		opt.TLSConfig = &tls.Config{
			ServerName: opt.Addr,
		}
		if serverName := os.Getenv("REDIS_TLS_SERVER_NAME"); serverName != "" {
			opt.TLSConfig.ServerName = serverName
		}
		if skipVerify := os.Getenv("REDIS_TLS_SKIP_VERIFY"); skipVerify == "true" || skipVerify == "1" {
			opt.TLSConfig.InsecureSkipVerify = true
			log.Printf("WARNING: Redis TLS certificate verification disabled - NOT recommended for production")
		}
		log.Printf("Redis TLS enabled")
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), redisMirrorTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	log.Printf("Connected to Redis at %s", opt.Addr)
	return client, nil
}

// blockMirror writes a best-effort copy of the block table to Redis.
// Mirror failures are logged and never affect blocking itself.
type blockMirror struct {
	client     *redis.Client
	instanceID string
}

// newBlockMirror connects using the REDIS env var. Returns nil when the
// variable is unset; mirroring is optional.
func newBlockMirror(instanceID string) *blockMirror {
	redisEnv := os.Getenv("REDIS")
	if redisEnv == "" {
		return nil
	}

	client, err := createRedisClient(redisEnv)
	if err != nil {
		log.Printf("WARNING: block mirror disabled: %v", err)
		return nil
	}
	return &blockMirror{client: client, instanceID: instanceID}
}

func (m *blockMirror) set(ip, reason string, ttl time.Duration) {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisMirrorTimeout)
	defer cancel()

	value := m.instanceID + ":" + reason
	if err := m.client.Set(ctx, blockKeyPrefix+ip, value, ttl).Err(); err != nil {
		log.Printf("WARNING: failed to mirror block for %s: %v", ip, err)
	}
}

func (m *blockMirror) remove(ip string) {
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisMirrorTimeout)
	defer cancel()

	if err := m.client.Del(ctx, blockKeyPrefix+ip).Err(); err != nil {
		log.Printf("WARNING: failed to remove mirrored block for %s: %v", ip, err)
	}
}

func (m *blockMirror) close() {
	if m == nil {
		return
	}
	m.client.Close()
}
