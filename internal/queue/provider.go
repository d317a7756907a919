package queue

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/microflow/microflow/pkg/api"
)

// Environment variables controlling queue selection.
const (
	EnvProvider   = "QUEUE_PROVIDER"
	EnvRedisURL   = "REDIS_URL"
	EnvVisibility = "MICROFLOW_QUEUE_VISIBILITY_TIMEOUT_S"

	defaultRedisURL = "redis://localhost:6379/0"
)

// FromEnv builds a queue from the process environment:
//
//	QUEUE_PROVIDER  "memory" (default) or "redis"
//	REDIS_URL       connection string when redis is selected
//	MICROFLOW_QUEUE_VISIBILITY_TIMEOUT_S  visibility timeout override
//
// Each call returns a fresh queue value; callers that want publishers and
// consumers decoupled through the same in-memory queue share the returned
// instance. Redis-backed queues sharing a URL and prefix naturally see
// the same messages.
func FromEnv() (api.Queue, error) {
	visibility := api.DefaultVisibilityTimeout
	if raw := os.Getenv(EnvVisibility); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvVisibility, err)
		}
		visibility = time.Duration(secs * float64(time.Second))
	}

	provider := strings.ToLower(os.Getenv(EnvProvider))
	switch provider {
	case "", "memory":
		return NewMemoryQueue(visibility), nil
	case "redis":
		url := os.Getenv(EnvRedisURL)
		if url == "" {
			url = defaultRedisURL
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvRedisURL, err)
		}
		return NewRedisQueue(redis.NewClient(opts), "", visibility), nil
	default:
		return nil, fmt.Errorf("unknown %s %q (want memory or redis)", EnvProvider, provider)
	}
}
