package infrastructure

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"reconcilia/internal/service/reconciliation/domain"
)

// sqlite 内存库跑 OrderStore 契约，MySQL 特有行为不在覆盖范围内。
func newSqliteStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := newGormStore(sqlite.Open(dsn))
	require.NoError(t, err)

	sqlDB, err := store.db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return store
}

func TestGormStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newSqliteStore(t)

	created, err := store.Create(ctx, "pay-1", domain.OrderSnapshot{
		Customer: domain.CustomerSnapshot{Name: "Ana"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Version)

	_, err = store.Create(ctx, "pay-1", domain.OrderSnapshot{})
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	got, err := store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Customer.Name)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// mutator 对快照列的修改必须和状态/标志位一样落盘。
func TestGormStoreCompareAndSetPersistsSnapshotMutation(t *testing.T) {
	ctx := context.Background()
	store := newSqliteStore(t)

	_, err := store.Create(ctx, "pay-1", domain.OrderSnapshot{
		Customer: domain.CustomerSnapshot{Name: "Ana"},
	})
	require.NoError(t, err)

	_, err = store.CompareAndSet(ctx, "pay-1", 1, func(r *domain.OrderRecord) error {
		r.CanonicalStatus = domain.StatusApproved
		r.Customer.Email = "ana@example.com"
		r.Quote.Total = 121
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.CanonicalStatus)
	assert.Equal(t, "ana@example.com", got.Customer.Email)
	assert.InDelta(t, 121.0, got.Quote.Total, 0.001)
	assert.EqualValues(t, 2, got.Version)
}

func TestGormStoreCompareAndSetVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := newSqliteStore(t)

	_, err := store.Create(ctx, "pay-1", domain.OrderSnapshot{})
	require.NoError(t, err)

	_, err = store.CompareAndSet(ctx, "pay-1", 1, func(r *domain.OrderRecord) error {
		r.CanonicalStatus = domain.StatusApproved
		return nil
	})
	require.NoError(t, err)

	_, err = store.CompareAndSet(ctx, "pay-1", 1, func(r *domain.OrderRecord) error {
		r.CanonicalStatus = domain.StatusRejected
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.CanonicalStatus)
}

func TestGormStoreListUnfinished(t *testing.T) {
	ctx := context.Background()
	store := newSqliteStore(t)

	_, err := store.Create(ctx, "pay-pending", domain.OrderSnapshot{})
	require.NoError(t, err)

	_, err = store.Create(ctx, "pay-approved", domain.OrderSnapshot{})
	require.NoError(t, err)
	_, err = store.CompareAndSet(ctx, "pay-approved", 1, func(r *domain.OrderRecord) error {
		r.CanonicalStatus = domain.StatusApproved
		return nil
	})
	require.NoError(t, err)

	_, err = store.Create(ctx, "pay-done", domain.OrderSnapshot{})
	require.NoError(t, err)
	_, err = store.CompareAndSet(ctx, "pay-done", 1, func(r *domain.OrderRecord) error {
		r.CanonicalStatus = domain.StatusCashHome
		r.EmailSent = true
		r.CalendarEventCreated = true
		return nil
	})
	require.NoError(t, err)

	unfinished, err := store.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "pay-approved", unfinished[0].OrderKey)
}
