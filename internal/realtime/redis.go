package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
	"go.uber.org/zap"
)

// RedisConfig holds the connection settings for the Redis-backed service.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	PoolSize int
}

// Redis implements Service on top of Redis hashes and pub/sub. Each path is a
// hash of its children; every mutation publishes the parent path so
// subscribers re-read it.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedis connects to Redis. Connection problems are not fatal here; they
// surface, classified, on the first call.
func NewRedis(cfg RedisConfig, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,

		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	})
	return &Redis{rdb: rdb, logger: logger}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return Tag(r.rdb.Ping(ctx).Err())
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) ReadOnce(ctx context.Context, path, orderBy string) (Snapshot, error) {
	children, err := r.rdb.HGetAll(ctx, path).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, Tag(err))
	}
	snap := make(Snapshot, 0, len(children))
	for k, v := range children {
		snap = append(snap, Entry{Key: k, Value: []byte(v)})
	}
	sortSnapshot(snap, orderBy)
	return snap, nil
}

func (r *Redis) Subscribe(ctx context.Context, path string) (<-chan Update, error) {
	ps := r.rdb.Subscribe(ctx, path)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, Tag(err))
	}
	initial, err := r.ReadOnce(ctx, path, OrderByKey)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Update, 1)
	out <- Update{Path: path, Snapshot: initial}
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					replaceLatest(out, Update{Path: path, Err: Tag(errors.New("subscription closed"))})
					return
				}
				snap, err := r.ReadOnce(ctx, path, OrderByKey)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					r.logger.Debug("re-read after notification failed", zap.String("path", path), zap.Error(err))
					replaceLatest(out, Update{Path: path, Err: err})
					return
				}
				replaceLatest(out, Update{Path: path, Snapshot: snap})
			}
		}
	}()
	return out, nil
}

func (r *Redis) Write(ctx context.Context, path string, value []byte) error {
	parent, key := splitPath(path)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, parent, key, value)
		pipe.Publish(ctx, parent, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", path, Tag(err))
	}
	return nil
}

func (r *Redis) Push(ctx context.Context, path string, value []byte) (string, error) {
	n, err := r.rdb.Incr(ctx, path+":seq").Result()
	if err != nil {
		return "", fmt.Errorf("allocate id under %s: %w", path, Tag(err))
	}
	key := strconv.FormatInt(n, 10)
	if err := r.Write(ctx, path+"/"+key, value); err != nil {
		return "", err
	}
	return key, nil
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	parent, key := splitPath(path)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, path)
		pipe.HDel(ctx, parent, key)
		pipe.Publish(ctx, parent, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, Tag(err))
	}
	return nil
}
