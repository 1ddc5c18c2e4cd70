package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentTreasury/internal/errors"
	"AgentTreasury/internal/observability/metrics"
)

// RedisEscrowConfig 描述 Redis 托管存储的连接参数。
type RedisEscrowConfig struct {
	Address  string
	Password string
	DB       int
	// Retention 控制终态凭据在 Redis 中的保留时长，用于事后审查。
	Retention time.Duration
}

// RedisEscrowStore 将托管凭据存放在 Redis 中，多副本部署时共享状态。
// 状态转移通过 WATCH 事务实现比较交换，超时与内存实现一样在读取
// 时惰性应用，凭据本身额外保留 Retention 时长供对账。
type RedisEscrowStore struct {
	client    *redis.Client
	retention time.Duration
	now       func() time.Time
}

var _ EscrowStore = (*RedisEscrowStore)(nil)

// NewRedisEscrowStore 创建 Redis 托管存储。
func NewRedisEscrowStore(cfg RedisEscrowConfig) (*RedisEscrowStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return &RedisEscrowStore{client: client, retention: retention, now: time.Now}, nil
}

func escrowKey(id string) string {
	return "treasury:escrow:" + id
}

// Create 写入一个新的托管凭据。
func (s *RedisEscrowStore) Create(ctx context.Context, handle *EscrowHandle) error {
	data, err := json.Marshal(handle)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化托管凭据失败")
	}
	ok, err := s.client.SetNX(ctx, escrowKey(handle.ID), data, s.retention).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入托管凭据失败")
	}
	if !ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "托管凭据已存在")
	}
	metrics.ObserveEscrowTransition(string(handle.State), 1)
	return nil
}

// Get 返回托管凭据，读取时惰性应用超时。
func (s *RedisEscrowStore) Get(ctx context.Context, id string) (*EscrowHandle, error) {
	var handle *EscrowHandle
	key := escrowKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		loaded, err := loadHandle(ctx, tx, key)
		if err != nil {
			return err
		}
		if expired := s.applyExpiry(loaded); expired {
			if err := storeHandle(ctx, tx, key, loaded, s.retention); err != nil {
				return err
			}
		}
		handle = loaded
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// 并发修改导致事务失败，重读一次即可。
			return s.Get(ctx, id)
		}
		return nil, err
	}
	return handle, nil
}

// Transition 通过 WATCH 事务执行比较交换的状态转移。
func (s *RedisEscrowStore) Transition(ctx context.Context, id string, from, to EscrowState) (*EscrowHandle, error) {
	var handle *EscrowHandle
	key := escrowKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		loaded, err := loadHandle(ctx, tx, key)
		if err != nil {
			return err
		}
		if s.applyExpiry(loaded) {
			if err := storeHandle(ctx, tx, key, loaded, s.retention); err != nil {
				return err
			}
			return ErrEscrowExpired
		}
		if loaded.State == EscrowExpired {
			return ErrEscrowExpired
		}
		if loaded.State != from || loaded.State.terminal() {
			return ErrEscrowStateConflict
		}
		metrics.ObserveEscrowTransition(string(loaded.State), -1)
		loaded.State = to
		metrics.ObserveEscrowTransition(string(to), 1)
		if err := storeHandle(ctx, tx, key, loaded, s.retention); err != nil {
			return err
		}
		handle = loaded
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return nil, ErrEscrowStateConflict
		}
		return nil, err
	}
	return handle, nil
}

// Close 关闭底层 Redis 连接。
func (s *RedisEscrowStore) Close() error {
	return s.client.Close()
}

func (s *RedisEscrowStore) applyExpiry(handle *EscrowHandle) bool {
	if handle.State.terminal() {
		return false
	}
	if s.now().Unix() >= handle.ExpiresAt {
		metrics.ObserveEscrowTransition(string(handle.State), -1)
		handle.State = EscrowExpired
		metrics.ObserveEscrowTransition(string(EscrowExpired), 1)
		return true
	}
	return false
}

func loadHandle(ctx context.Context, tx *redis.Tx, key string) (*EscrowHandle, error) {
	raw, err := tx.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEscrowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取托管凭据失败")
	}
	var handle EscrowHandle
	if err := json.Unmarshal(raw, &handle); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析托管凭据失败")
	}
	return &handle, nil
}

func storeHandle(ctx context.Context, tx *redis.Tx, key string, handle *EscrowHandle, retention time.Duration) error {
	data, err := json.Marshal(handle)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化托管凭据失败")
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, retention)
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入托管凭据失败")
	}
	return nil
}
