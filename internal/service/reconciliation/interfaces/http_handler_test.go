package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"reconcilia/internal/service/reconciliation/application"
	"reconcilia/internal/service/reconciliation/domain"
	"reconcilia/internal/service/reconciliation/domain/port"
	"reconcilia/internal/service/reconciliation/infrastructure"
)

type stubGateway struct {
	status string
	err    error
	calls  int32
}

func (g *stubGateway) GetPayment(ctx context.Context, paymentID string) (*port.Payment, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.err != nil {
		return nil, g.err
	}
	return &port.Payment{ID: paymentID, Status: g.status}, nil
}

type noopEmail struct{}

func (noopEmail) SendConfirmation(ctx context.Context, record *domain.OrderRecord) error { return nil }

type noopCalendar struct{}

func (noopCalendar) BookAppointment(ctx context.Context, record *domain.OrderRecord) error {
	return nil
}

type noopDeadLetter struct{}

func (noopDeadLetter) Park(ctx context.Context, entry port.DeadLetterEntry) error { return nil }

func newHandlerRig(gateway *stubGateway) (*http.ServeMux, *application.Coordinator, *infrastructure.MemoryStore) {
	store := infrastructure.NewMemoryStore()
	tracer := otel.Tracer("test")
	dispatcher := application.NewDispatcher(store, noopEmail{}, noopCalendar{}, noopDeadLetter{}, tracer, 3, time.Millisecond)
	coordinator := application.NewCoordinator(store, dispatcher, tracer)

	mux := http.NewServeMux()
	NewPaymentHandler(coordinator, gateway, store).RegisterRoutes(mux)
	return mux, coordinator, store
}

func TestWebhookHandlerReconcilesPayment(t *testing.T) {
	gateway := &stubGateway{status: "approved"}
	mux, coordinator, store := newHandlerRig(gateway)

	_, err := coordinator.CreateOrder(context.Background(), "pay-1", domain.OrderSnapshot{})
	require.NoError(t, err)

	body := []byte(`{"type":"payment","data":{"id":"pay-1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	record, err := store.Get(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, record.CanonicalStatus)

	// 指标的 status 标签是数字状态码，不是文案
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(httpRequestsTotal.WithLabelValues("webhook", http.MethodPost, "200")), 1.0)
}

func TestWebhookHandlerAcksNonPaymentTypes(t *testing.T) {
	gateway := &stubGateway{status: "approved"}
	mux, _, _ := newHandlerRig(gateway)

	body := []byte(`{"type":"plan","data":{"id":"whatever"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, atomic.LoadInt32(&gateway.calls), "non-payment notifications must not hit the gateway")
}

func TestWebhookHandlerAsksForRedeliveryWhenOrderUnknown(t *testing.T) {
	gateway := &stubGateway{status: "approved"}
	mux, _, _ := newHandlerRig(gateway)

	body := []byte(`{"type":"payment","data":{"id":"pay-unseen"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// 订单还没创建：用非 2xx 借助网关的重投机制
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConfirmPaymentCashPath(t *testing.T) {
	gateway := &stubGateway{status: "approved"}
	mux, _, _ := newHandlerRig(gateway)

	payload := map[string]interface{}{
		"formData": map[string]interface{}{
			"name":  "Ana",
			"phone": "600111222",
			"email": "ana@example.com",
		},
		"quote": map[string]interface{}{
			"baseCost": 100.0, "travelCost": 0.0, "subtotal": 100.0, "iva": 21.0, "total": 121.0,
		},
		"appointment": map[string]interface{}{
			"slotId": "slot-1", "startsAt": time.Now().Format(time.RFC3339), "mode": "home",
		},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/confirm-payment", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Success bool `json:"success"`
		Estado  struct {
			Code  string `json:"code"`
			Label string `json:"label"`
		} `json:"estado"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, string(domain.StatusCashHome), resp.Estado.Code)
	assert.NotEmpty(t, resp.Estado.Label)
	assert.Zero(t, atomic.LoadInt32(&gateway.calls), "cash path must not query the gateway")
}

func TestConfirmPaymentGatewayPathIsIdempotent(t *testing.T) {
	gateway := &stubGateway{status: "confirmada"}
	mux, _, store := newHandlerRig(gateway)

	payload := []byte(`{"formData":{"name":"Ana","email":"ana@example.com"},"quote":{"total":121},"appointment":{"slotId":"slot-1","mode":"workshop"},"paymentId":"pay-9"}`)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/confirm-payment", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	record, err := store.Get(context.Background(), "pay-9")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, record.CanonicalStatus)
}

func TestPaymentStatusPoll(t *testing.T) {
	gateway := &stubGateway{status: "approved"}
	mux, coordinator, _ := newHandlerRig(gateway)

	_, err := coordinator.CreateOrder(context.Background(), "pay-1", domain.OrderSnapshot{
		Customer: domain.CustomerSnapshot{Name: "Ana"},
		Quote:    domain.QuoteSnapshot{Total: 121},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/payment-status/pay-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status        string                  `json:"status"`
		PaymentStatus string                  `json:"paymentStatus"`
		FormData      domain.CustomerSnapshot `json:"formData"`
		Quote         domain.QuoteSnapshot    `json:"quote"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "approved", resp.Status)
	assert.Equal(t, "confirmed", resp.PaymentStatus)
	assert.Equal(t, "Ana", resp.FormData.Name)
	assert.InDelta(t, 121.0, resp.Quote.Total, 0.001)
}

func TestPaymentStatusPollUnknownPayment(t *testing.T) {
	gateway := &stubGateway{err: assert.AnError}
	mux, _, _ := newHandlerRig(gateway)

	req := httptest.NewRequest(http.MethodGet, "/api/payment-status/nope", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	// 网关不可用也不升级为 HTTP 错误，UI 拿到安全的兜底值
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		PaymentStatus string `json:"paymentStatus"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "-", resp.PaymentStatus)
}
