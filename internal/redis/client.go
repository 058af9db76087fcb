// Package redis wraps go-redis for the two places narrator talks to Redis:
//
//   - Publishing job progress events via Pub/Sub so other processes can watch a run
//   - Persisting key quarantine/exhaustion state in a hash (see keystate.RedisStore)
//
// Reservations and quota windows are never stored here. The key pool is owned
// by a single process; Redis only carries state that must outlive it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// StreamEvent represents an event published to Redis Pub/Sub for job progress.
type StreamEvent struct {
	Version   string                 `json:"version"`
	Type      string                 `json:"type"` // "start", "progress", "end", "error"
	JobID     string                 `json:"jobId"`
	Timestamp string                 `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Client wraps the Redis operations used by narrator.
type Client struct {
	client     *redis.Client
	instanceID string
	prefix     string
}

// ClientConfig holds configuration for the Redis client.
type ClientConfig struct {
	URL      string
	Password string

	// Prefix namespaces every key and channel (default: "narrator")
	Prefix string
}

// NewClient creates a new, unconnected client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Prefix == "" {
		cfg.Prefix = "narrator"
	}
	return &Client{
		instanceID: fmt.Sprintf("narrator-%s", uuid.New().String()[:8]),
		prefix:     cfg.Prefix,
	}
}

// Connect establishes connection to Redis.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if password != "" {
		opts.Password = password
	}

	c.client = redis.NewClient(opts)

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return nil
}

// Key returns a namespaced key.
func (c *Client) Key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// StreamChannel returns the Pub/Sub channel for a job's progress events.
func (c *Client) StreamChannel(jobID string) string {
	return c.Key("stream", "v1", jobID)
}

// PublishStreamEvent publishes a progress event to the job's channel.
func (c *Client) PublishStreamEvent(ctx context.Context, jobID string, eventType string, data map[string]interface{}) error {
	event := StreamEvent{
		Version:   "1.0",
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Source:    c.instanceID,
		Data:      data,
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}

	return c.client.Publish(ctx, c.StreamChannel(jobID), eventJSON).Err()
}

// SetJobStatus stores the latest job status in a hash with a one-day TTL.
func (c *Client) SetJobStatus(ctx context.Context, jobID, status string, data map[string]interface{}) error {
	key := c.Key("job", jobID, "status")

	fields := map[string]interface{}{
		"status":      status,
		"instance_id": c.instanceID,
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range data {
		fields[k] = v
	}

	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, 24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// ReplaceHash atomically replaces the whole hash at key with fields.
// An empty map deletes the hash.
func (c *Client) ReplaceHash(ctx context.Context, key string, fields map[string]string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		values := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			values[k] = v
		}
		pipe.HSet(ctx, key, values)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace hash %s: %w", key, err)
	}
	return nil
}

// GetHash returns every field of the hash at key.
func (c *Client) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read hash %s: %w", key, err)
	}
	return fields, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// InstanceID returns the identifier stamped on published events.
func (c *Client) InstanceID() string {
	return c.instanceID
}
