// internal/service/reconciliation/infrastructure/redis_store.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"reconcilia/internal/pkg/redis"
	"reconcilia/internal/service/reconciliation/domain"
)

const (
	casScriptName    = "order_cas"
	createScriptName = "order_create"

	orderKeyPrefix = "order:{%s}"
	orderIndexKey  = "orders:index"
)

// orderCasScript 原子地校验版本并写入新值。
// KEYS[1] = 记录键, KEYS[2] = 版本键
// ARGV[1] = 期望版本, ARGV[2] = 新 JSON, ARGV[3] = 新版本
// 返回 1=成功, 0=版本冲突, -1=记录不存在
const orderCasScript = `
local ver = redis.call('GET', KEYS[2])
if not ver then
  return -1
end
if ver ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[3])
return 1
`

// orderCreateScript 原子地创建记录，键已存在时返回 0。
// KEYS[1] = 记录键, KEYS[2] = 版本键, KEYS[3] = 索引集合
// ARGV[1] = JSON, ARGV[2] = 初始版本, ARGV[3] = 订单键
const orderCreateScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`

// RedisStore 是 OrderStore 的 Redis 实现。
// 每个订单一个 JSON 值加一个版本计数器，CAS 通过 Lua 脚本保证线性一致；
// hash tag 保证同一订单的两个键落在同一槽位。
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if err := client.LoadScriptFromContent(casScriptName, orderCasScript); err != nil {
		return nil, fmt.Errorf("failed to load cas script: %w", err)
	}
	if err := client.LoadScriptFromContent(createScriptName, orderCreateScript); err != nil {
		return nil, fmt.Errorf("failed to load create script: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func recordKey(orderKey string) string  { return fmt.Sprintf(orderKeyPrefix, orderKey) }
func versionKey(orderKey string) string { return recordKey(orderKey) + ":v" }

func (s *RedisStore) Get(ctx context.Context, orderKey string) (*domain.OrderRecord, error) {
	raw, err := s.client.GetClient().Get(ctx, recordKey(orderKey)).Bytes()
	if err == goredis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var record domain.OrderRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt order record %s: %w", orderKey, err)
	}
	return &record, nil
}

func (s *RedisStore) Create(ctx context.Context, orderKey string, snapshot domain.OrderSnapshot) (*domain.OrderRecord, error) {
	record := domain.NewOrderRecord(orderKey, snapshot)
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	res, err := s.client.RunScript(ctx, createScriptName,
		[]string{recordKey(orderKey), versionKey(orderKey), orderIndexKey},
		raw, record.Version, orderKey)
	if err != nil {
		return nil, fmt.Errorf("redis create failed: %w", err)
	}
	if code, _ := res.(int64); code == 0 {
		return nil, domain.ErrAlreadyExists
	}
	return record, nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, orderKey string, expectedVersion int64, mutate domain.Mutator) (*domain.OrderRecord, error) {
	current, err := s.Get(ctx, orderKey)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()

	raw, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	res, err := s.client.RunScript(ctx, casScriptName,
		[]string{recordKey(orderKey), versionKey(orderKey)},
		expectedVersion, raw, next.Version)
	if err != nil {
		return nil, fmt.Errorf("redis cas failed: %w", err)
	}
	switch code, _ := res.(int64); code {
	case 1:
		return next, nil
	case 0:
		return nil, domain.ErrVersionConflict
	default:
		return nil, domain.ErrNotFound
	}
}

// ListUnfinished 扫描索引集合并在应用侧过滤。
// 订单量级是单客户向导流量，全量扫描可以接受。
func (s *RedisStore) ListUnfinished(ctx context.Context) ([]*domain.OrderRecord, error) {
	keys, err := s.client.GetClient().SMembers(ctx, orderIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	var out []*domain.OrderRecord
	for _, orderKey := range keys {
		record, err := s.Get(ctx, orderKey)
		if err == domain.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if record.CanonicalStatus.TriggersSideEffects() && (!record.EmailSent || !record.CalendarEventCreated) {
			out = append(out, record)
		}
	}
	return out, nil
}
