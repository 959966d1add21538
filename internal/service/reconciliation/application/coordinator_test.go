package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"reconcilia/internal/service/reconciliation/domain"
	"reconcilia/internal/service/reconciliation/domain/port"
	"reconcilia/internal/service/reconciliation/infrastructure"
)

type fakeEmail struct {
	calls    int32
	failures int32 // 前 failures 次调用返回错误
	err      error
}

func (f *fakeEmail) SendConfirmation(ctx context.Context, record *domain.OrderRecord) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return f.err
	}
	return nil
}

type fakeCalendar struct {
	calls    int32
	failures int32
	err      error
}

func (f *fakeCalendar) BookAppointment(ctx context.Context, record *domain.OrderRecord) error {
	n := atomic.AddInt32(&f.calls, 1)
	if n <= atomic.LoadInt32(&f.failures) {
		return f.err
	}
	return nil
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	entries []port.DeadLetterEntry
}

func (f *fakeDeadLetter) Park(ctx context.Context, entry port.DeadLetterEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeDeadLetter) parked() []port.DeadLetterEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]port.DeadLetterEntry(nil), f.entries...)
}

type testRig struct {
	store       *infrastructure.MemoryStore
	email       *fakeEmail
	calendar    *fakeCalendar
	deadLetter  *fakeDeadLetter
	coordinator *Coordinator
}

func newTestRig() *testRig {
	store := infrastructure.NewMemoryStore()
	email := &fakeEmail{}
	calendar := &fakeCalendar{}
	deadLetter := &fakeDeadLetter{}
	tracer := otel.Tracer("test")
	dispatcher := NewDispatcher(store, email, calendar, deadLetter, tracer, 3, time.Millisecond)
	return &testRig{
		store:       store,
		email:       email,
		calendar:    calendar,
		deadLetter:  deadLetter,
		coordinator: NewCoordinator(store, dispatcher, tracer),
	}
}

func mustCreate(t *testing.T, rig *testRig, orderKey string) {
	t.Helper()
	_, err := rig.coordinator.CreateOrder(context.Background(), orderKey, domain.OrderSnapshot{
		Customer:    domain.CustomerSnapshot{Name: "Ana", Email: "ana@example.com"},
		Quote:       domain.QuoteSnapshot{Total: 121},
		Appointment: domain.AppointmentSlot{SlotID: "slot-1", Mode: "home"},
	})
	require.NoError(t, err)
}

func TestHandleUnknownOrder(t *testing.T) {
	rig := newTestRig()
	event := domain.NewPaymentEvent("nope", domain.SourceWebhook, "approved", "nope")
	_, err := rig.coordinator.Handle(context.Background(), event)
	assert.ErrorIs(t, err, domain.ErrUnknownOrder)
}

// 场景 A：新建订单收到 "confirmada" → approved，两个副作用各触发一次。
func TestHandleConfirmadaTriggersEffectsOnce(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "pay-1")

	result, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourceWebhook, "confirmada", "pay-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, result.FinalStatus)
	assert.True(t, result.Changed)
	assert.ElementsMatch(t, []port.Effect{port.EffectEmail, port.EffectCalendar}, result.SideEffectsTriggered)

	record, err := rig.store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, record.EmailSent)
	assert.True(t, record.CalendarEventCreated)
	// create=1 + 状态迁移 + 两次标志位翻转
	assert.EqualValues(t, 4, record.Version)
	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.email.calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.calendar.calls))
}

// 幂等性：同一事件处理两次，状态不变，副作用不重复。
func TestHandleIsIdempotentOnReplay(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "pay-1")

	event := domain.NewPaymentEvent("pay-1", domain.SourceWebhook, "approved", "pay-1")
	first, err := rig.coordinator.Handle(ctx, event)
	require.NoError(t, err)
	require.True(t, first.Changed)

	second, err := rig.coordinator.Handle(ctx, event)
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, domain.StatusApproved, second.FinalStatus)
	assert.Empty(t, second.SideEffectsTriggered)

	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.email.calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.calendar.calls))

	record, err := rig.store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version+2, record.Version) // 重放之后只有标志位的两次翻转，没有新的状态写
}

// 单调性：[approved, pending] 顺序投递，最终状态仍是 approved。
func TestHandleIgnoresDowngradeAfterApproved(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "pay-1")

	_, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourceWebhook, "approved", "pay-1"))
	require.NoError(t, err)

	result, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourcePoll, "pending", "pay-1"))
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, domain.StatusApproved, result.FinalStatus)
}

// 终态保护：[rejected, approved]，先到的终态获胜。
func TestHandleFirstTerminalWins(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "pay-1")

	_, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourceWebhook, "rejected", "pay-1"))
	require.NoError(t, err)

	result, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourceRedirect, "approved", "pay-1"))
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, domain.StatusRejected, result.FinalStatus)
	assert.Zero(t, atomic.LoadInt32(&rig.email.calls))
	assert.Zero(t, atomic.LoadInt32(&rig.calendar.calls))
}

// 场景 B：home 之后再来 pendiente，保持 cashHome 不降级。
func TestHandleCashPathDoesNotDowngrade(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "ck_abc")

	first, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("ck_abc", domain.SourceRedirect, "home", ""))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCashHome, first.FinalStatus)

	second, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("ck_abc", domain.SourcePoll, "pendiente", ""))
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, domain.StatusCashHome, second.FinalStatus)
	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.email.calls))
}

// 场景 C：未知词汇归一为 unknown，不触发任何副作用。
func TestHandleUnknownVocabularyTriggersNothing(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "pay-1")

	result, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourceWebhook, "xyz_unexpected", "pay-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUnknown, result.FinalStatus)
	assert.Empty(t, result.SideEffectsTriggered)
	assert.Zero(t, atomic.LoadInt32(&rig.email.calls))
	assert.Zero(t, atomic.LoadInt32(&rig.calendar.calls))
}

// 并发场景：两个协程同时投递 approved，副作用各派发一次，状态只写一次。
func TestHandleConcurrentDuplicateApproved(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "pay-1")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourceWebhook, "approved", "pay-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record, err := rig.store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, record.CanonicalStatus)
	assert.True(t, record.EmailSent)
	assert.True(t, record.CalendarEventCreated)
	// 状态迁移恰好提交一次：create=1 + 状态 + 两个标志位
	assert.EqualValues(t, 4, record.Version)
	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.email.calls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&rig.calendar.calls))
}

// 部分失败：邮件成功、日历重试耗尽 → 只有日历保持可重试，且进入死信。
func TestHandlePartialEffectFailureIsObservable(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()
	mustCreate(t, rig, "pay-1")
	rig.calendar.failures = 1000
	rig.calendar.err = assert.AnError

	result, err := rig.coordinator.Handle(ctx, domain.NewPaymentEvent("pay-1", domain.SourceWebhook, "approved", "pay-1"))
	require.NoError(t, err, "effect failure must never fail the status transition")
	assert.Equal(t, domain.StatusApproved, result.FinalStatus)
	assert.Equal(t, []port.Effect{port.EffectEmail}, result.SideEffectsTriggered)

	record, err := rig.store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, record.EmailSent)
	assert.False(t, record.CalendarEventCreated)

	parked := rig.deadLetter.parked()
	require.Len(t, parked, 1)
	assert.Equal(t, port.EffectCalendar, parked[0].Effect)
	assert.Equal(t, "pay-1", parked[0].OrderKey)

	// 下游恢复后，后台扫描补上日历预约，且不会重发邮件
	atomic.StoreInt32(&rig.calendar.failures, 0)
	emailCallsBefore := atomic.LoadInt32(&rig.email.calls)

	sweeper := NewSweeper(rig.coordinator, rig.store, time.Minute)
	sweeper.sweep(ctx)

	record, err = rig.store.Get(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, record.CalendarEventCreated)
	assert.Equal(t, emailCallsBefore, atomic.LoadInt32(&rig.email.calls))
}
