// internal/service/reconciliation/domain/port/gateway.go
package port

import "context"

// Payment 是网关侧一笔支付的只读视图。Status 保持网关原始词汇，归一化交给领域层。
type Payment struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Amount float64 `json:"transaction_amount"`
}

// PaymentGateway 是支付网关的出站端口。
// webhook 只携带支付单号，完整详情需要回查网关获得。
type PaymentGateway interface {
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}
