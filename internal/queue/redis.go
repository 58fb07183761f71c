package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shelfsync/internal/config"
	"shelfsync/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const deadLetterMirrorSize = 1000

// NewRedisClient builds a client from the redis section.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping is the capability probe for background registration.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

type wakeMessage struct {
	ActionID int64     `json:"action_id"`
	Entity   string    `json:"entity"`
	At       time.Time `json:"at"`
}

// RedisNotifier registers pending work in Redis so a sibling or restarted process is
// woken to drain it, and mirrors dead letters for operators.
type RedisNotifier struct {
	client *redis.Client
	cfg    config.RedisConfig
	logger *zerolog.Logger
}

func NewRedisNotifier(client *redis.Client, cfg config.RedisConfig, logger *zerolog.Logger) *RedisNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RedisNotifier{client: client, cfg: cfg, logger: logger}
}

// Register tags the entity as having pending work and publishes a wake message.
func (n *RedisNotifier) Register(ctx context.Context, action *models.QueuedAction) error {
	if n.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	msg, err := json.Marshal(wakeMessage{ActionID: action.ID, Entity: action.Entity, At: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal wake message: %w", err)
	}

	pipe := n.client.TxPipeline()
	pipe.SAdd(ctx, n.cfg.TagSetKey, "sync:"+action.Entity)
	pipe.Publish(ctx, n.cfg.WakeChannel, msg)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register sync: %w", err)
	}
	return nil
}

// Clear forgets every registration tag.
func (n *RedisNotifier) Clear(ctx context.Context) error {
	if n.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := n.client.Del(ctx, n.cfg.TagSetKey).Err(); err != nil {
		return fmt.Errorf("failed to clear sync tags: %w", err)
	}
	return nil
}

// Tags lists outstanding registration tags.
func (n *RedisNotifier) Tags(ctx context.Context) ([]string, error) {
	if n.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	tags, err := n.client.SMembers(ctx, n.cfg.TagSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sync tags: %w", err)
	}
	return tags, nil
}

// DeadLettered pushes the abandoned action onto a capped list.
func (n *RedisNotifier) DeadLettered(ctx context.Context, dl *models.DeadLetter) error {
	if n.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	pipe := n.client.TxPipeline()
	pipe.LPush(ctx, n.cfg.DeadLetterKey, data)
	pipe.LTrim(ctx, n.cfg.DeadLetterKey, 0, deadLetterMirrorSize-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror dead letter: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives a signal per wake message until ctx ends.
// Bursts collapse into a single pending signal.
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	if n.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	ps := n.client.Subscribe(ctx, n.cfg.WakeChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.cfg.WakeChannel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				n.logger.Debug().Str("payload", m.Payload).Msg("Wake message received")
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake, nil
}
