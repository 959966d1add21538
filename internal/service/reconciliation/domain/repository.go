// internal/service/reconciliation/domain/repository.go
package domain

import (
	"context"

	"github.com/pkg/errors"
)

// 错误分类（§错误处理）：
//   - ErrNotFound / ErrUnknownOrder: 事件引用了尚未创建的订单，对该事件是致命的，直接上抛
//   - ErrAlreadyExists: 订单键已被占用，调用方按重复提交处理
//   - ErrVersionConflict: 乐观并发冲突，瞬时错误，协调器在有界次数内重试
var (
	ErrNotFound        = errors.New("order record not found")
	ErrAlreadyExists   = errors.New("order record already exists")
	ErrVersionConflict = errors.New("order record version conflict")
	ErrUnknownOrder    = errors.New("payment event references an unknown order")
)

// Mutator 在记录的一个副本上施加修改。返回错误时本次 CAS 被放弃。
type Mutator func(record *OrderRecord) error

// OrderStore 定义了订单记录的持久化接口。
// 它位于领域层，由基础设施层实现（内存 / Redis / MySQL）。
//
// CompareAndSet 是系统里唯一的并发控制原语：只有当前版本等于 expectedVersion
// 时才把 mutator 的结果以 version+1 原子落盘，否则返回 ErrVersionConflict 且
// 不产生任何可见的部分写入。不同订单之间永不相互竞争。
type OrderStore interface {
	// Get 按订单键读取记录，未找到时返回 ErrNotFound。
	Get(ctx context.Context, orderKey string) (*OrderRecord, error)

	// Create 创建一条初始记录，键已存在时返回 ErrAlreadyExists。
	Create(ctx context.Context, orderKey string, snapshot OrderSnapshot) (*OrderRecord, error)

	// CompareAndSet 对记录做版本校验的原子更新。
	CompareAndSet(ctx context.Context, orderKey string, expectedVersion int64, mutate Mutator) (*OrderRecord, error)

	// ListUnfinished 列出已进入触发副作用状态、但仍有副作用未完成的记录，
	// 供后台补偿扫描（sweep）使用。
	ListUnfinished(ctx context.Context) ([]*OrderRecord, error)
}
