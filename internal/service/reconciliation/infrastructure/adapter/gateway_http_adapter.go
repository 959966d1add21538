// internal/service/reconciliation/infrastructure/adapter/gateway_http_adapter.go
package adapter

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"reconcilia/internal/pkg/httpclient"
	"reconcilia/internal/service/reconciliation/domain/port"
)

// GatewayHTTPAdapter 是 port.PaymentGateway 的 HTTP 实现。
// webhook 和轮询渠道都要回查网关，singleflight 保证同一支付单号的
// 并发查询只打一次上游。
type GatewayHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
	token   string

	group singleflight.Group
}

func NewGatewayHTTPAdapter(client *httpclient.Client, baseURL, token string) *GatewayHTTPAdapter {
	return &GatewayHTTPAdapter{client: client, baseURL: baseURL, token: token}
}

func (a *GatewayHTTPAdapter) GetPayment(ctx context.Context, paymentID string) (*port.Payment, error) {
	v, err, _ := a.group.Do(paymentID, func() (interface{}, error) {
		var payment port.Payment
		url := fmt.Sprintf("%s/v1/payments/%s?access_token=%s", a.baseURL, paymentID, a.token)
		if err := a.client.GetJSON(ctx, url, &payment); err != nil {
			return nil, fmt.Errorf("gateway lookup for payment %s failed: %w", paymentID, err)
		}
		return &payment, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*port.Payment), nil
}
