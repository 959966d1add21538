// internal/service/reconciliation/interfaces/http_handler.go
package interfaces

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/service/reconciliation/application"
	"reconcilia/internal/service/reconciliation/domain"
	"reconcilia/internal/service/reconciliation/domain/port"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration)
}

// PaymentHandler 封装了三个支付渠道的 HTTP 入口。
// 每个入口是一个渠道适配器：把各自的报文形状压平成统一的 PaymentEvent，
// 协调器不感知渠道差异。
type PaymentHandler struct {
	coordinator *application.Coordinator
	gateway     port.PaymentGateway
	store       domain.OrderStore
	tracer      trace.Tracer
}

func NewPaymentHandler(coordinator *application.Coordinator, gateway port.PaymentGateway, store domain.OrderStore) *PaymentHandler {
	return &PaymentHandler{
		coordinator: coordinator,
		gateway:     gateway,
		store:       store,
		tracer:      otel.Tracer("reconciler-service"),
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由。
func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("POST /webhook", h.instrument("webhook", h.webhookHandler))
	mux.HandleFunc("POST /api/confirm-payment", h.instrument("confirm_payment", h.confirmPaymentHandler))
	mux.HandleFunc("GET /api/payment-status/{paymentId}", h.instrument("payment_status", h.paymentStatusHandler))
}

// instrument 给 handler 套上请求计数和耗时直方图。
func (h *PaymentHandler) instrument(name string, next func(http.ResponseWriter, *http.Request) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := next(w, r)
		httpRequestsTotal.WithLabelValues(name, r.Method, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(name, r.Method).Observe(time.Since(start).Seconds())
	}
}

// webhookBody 是网关服务端推送的报文。
type webhookBody struct {
	Type string `json:"type"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// webhookHandler 处理网关的服务端推送。
// 只有事件被处理完（或明确接受重投）之后才返回 200；
// 订单尚未创建或 CAS 重试耗尽时返回非 2xx，借助网关自身的重投机制稍后再试。
func (h *PaymentHandler) webhookHandler(w http.ResponseWriter, r *http.Request) int {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "channel.Webhook", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var body webhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid webhook payload", http.StatusBadRequest)
		return http.StatusBadRequest
	}
	span.SetAttributes(attribute.String("webhook.type", body.Type))

	// 非支付类通知直接确认，避免网关无意义地重投
	if body.Type != "payment" || body.Data.ID == "" {
		w.WriteHeader(http.StatusOK)
		return http.StatusOK
	}

	// webhook 只带支付单号，完整状态需要回查网关
	payment, err := h.gateway.GetPayment(ctx, body.Data.ID)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("payment_id", body.Data.ID).Msg("gateway lookup failed")
		http.Error(w, "gateway lookup failed", http.StatusBadGateway)
		return http.StatusBadGateway
	}

	event := domain.NewPaymentEvent(payment.ID, domain.SourceWebhook, payment.Status, payment.ID)
	if _, err := h.coordinator.Handle(ctx, event); err != nil {
		if errors.Is(err, domain.ErrUnknownOrder) {
			// 报价流程还没创建记录，webhook 跑到了前头；让网关稍后重投
			logger.Ctx(ctx).Warn().Str("payment_id", body.Data.ID).Msg("webhook arrived before order creation")
			http.Error(w, "order not yet created", http.StatusConflict)
			return http.StatusConflict
		}
		logger.Ctx(ctx).Error().Err(err).Str("payment_id", body.Data.ID).Msg("webhook reconciliation failed")
		http.Error(w, "reconciliation failed", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

// confirmRequest 是向导页面回跳后的确认请求。
type confirmRequest struct {
	FormData struct {
		Name     string   `json:"name"`
		Phone    string   `json:"phone"`
		Email    string   `json:"email"`
		Address  string   `json:"address"`
		Location string   `json:"location"`
		Lat      *float64 `json:"lat,omitempty"`
		Lng      *float64 `json:"lng,omitempty"`
	} `json:"formData"`
	Quote struct {
		BaseCost   float64 `json:"baseCost"`
		TravelCost float64 `json:"travelCost"`
		Subtotal   float64 `json:"subtotal"`
		IVA        float64 `json:"iva"`
		Total      float64 `json:"total"`
	} `json:"quote"`
	Appointment struct {
		SlotID   string    `json:"slotId"`
		StartsAt time.Time `json:"startsAt"`
		Mode     string    `json:"mode"` // home | workshop
	} `json:"appointment"`
	PaymentID string `json:"paymentId,omitempty"`
}

type confirmResponse struct {
	Success bool               `json:"success"`
	Estado  application.Estado `json:"estado"`
}

// confirmPaymentHandler 处理浏览器回跳确认。
// 这是订单记录诞生的地方：报价被接受、支付/预约路径选定。
// 带 paymentId 时回查网关取当前状态；现金路径用组合键兜底。
// 面向用户的接口永远返回尽力而为的 estado，归一化问题不升级成 HTTP 错误。
func (h *PaymentHandler) confirmPaymentHandler(w http.ResponseWriter, r *http.Request) int {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "channel.Redirect", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid confirm payload", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	snapshot := domain.OrderSnapshot{
		Customer: domain.CustomerSnapshot{
			Name:     req.FormData.Name,
			Phone:    req.FormData.Phone,
			Email:    req.FormData.Email,
			Address:  req.FormData.Address,
			Location: req.FormData.Location,
			Lat:      req.FormData.Lat,
			Lng:      req.FormData.Lng,
		},
		Quote: domain.QuoteSnapshot{
			BaseCost:   req.Quote.BaseCost,
			TravelCost: req.Quote.TravelCost,
			Subtotal:   req.Quote.Subtotal,
			IVA:        req.Quote.IVA,
			Total:      req.Quote.Total,
		},
		Appointment: domain.AppointmentSlot{
			SlotID:   req.Appointment.SlotID,
			StartsAt: req.Appointment.StartsAt,
			Mode:     req.Appointment.Mode,
		},
	}

	var (
		orderKey  string
		rawStatus string
	)
	if req.PaymentID != "" {
		// 网关路径：优先用网关支付单号做订单键
		orderKey = req.PaymentID
		payment, err := h.gateway.GetPayment(ctx, req.PaymentID)
		if err != nil {
			// 网关暂时不可用也不打断用户：记录 pending，轮询渠道稍后校准
			logger.Ctx(ctx).Warn().Err(err).Str("payment_id", req.PaymentID).
				Msg("gateway unavailable during confirm, falling back to pending")
			rawStatus = string(domain.StatusPending)
		} else {
			rawStatus = payment.Status
		}
	} else {
		// 现金路径：没有网关单号，从快照派生组合键
		orderKey = domain.FallbackOrderKey(snapshot)
		rawStatus = req.Appointment.Mode // home / workshop 经由别名表归一
	}

	if _, err := h.coordinator.CreateOrder(ctx, orderKey, snapshot); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		logger.Ctx(ctx).Error().Err(err).Str("order_key", orderKey).Msg("failed to create order record")
		http.Error(w, "failed to create order", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	event := domain.NewPaymentEvent(orderKey, domain.SourceRedirect, rawStatus, req.PaymentID)
	result, err := h.coordinator.Handle(ctx, event)

	resp := confirmResponse{Success: err == nil}
	if err != nil {
		// 尽力而为：给 UI 一个安全的兜底文案
		logger.Ctx(ctx).Error().Err(err).Str("order_key", orderKey).Msg("confirm reconciliation failed")
		resp.Estado = application.NewEstado(domain.StatusUnknown)
	} else {
		resp.Estado = application.NewEstado(result.FinalStatus)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
	return http.StatusOK
}

type statusResponse struct {
	Status        string                  `json:"status"`
	PaymentStatus string                  `json:"paymentStatus"`
	FormData      domain.CustomerSnapshot `json:"formData"`
	Quote         domain.QuoteSnapshot    `json:"quote"`
}

// paymentStatusHandler 处理客户端轮询。
// 轮询同样是一个对账渠道：观察到的网关状态作为 poll 事件交给协调器，
// 但响应只反映协调结果，绝不等待副作用。
func (h *PaymentHandler) paymentStatusHandler(w http.ResponseWriter, r *http.Request) int {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := h.tracer.Start(ctx, "channel.Poll", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	paymentID := r.PathValue("paymentId")
	span.SetAttributes(attribute.String("payment.id", paymentID))

	resp := statusResponse{Status: "", PaymentStatus: "-"}

	payment, err := h.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("payment_id", paymentID).Msg("gateway lookup failed during poll")
	} else {
		resp.Status = payment.Status
		event := domain.NewPaymentEvent(paymentID, domain.SourcePoll, payment.Status, paymentID)
		if _, err := h.coordinator.Handle(ctx, event); err != nil && !errors.Is(err, domain.ErrUnknownOrder) {
			logger.Ctx(ctx).Warn().Err(err).Str("payment_id", paymentID).Msg("poll reconciliation failed")
		}
	}

	if record, err := h.store.Get(ctx, paymentID); err == nil {
		resp.PaymentStatus = record.CanonicalStatus.PollCode()
		resp.FormData = record.Customer
		resp.Quote = record.Quote
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
	return http.StatusOK
}
