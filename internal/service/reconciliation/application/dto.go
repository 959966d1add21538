// internal/service/reconciliation/application/dto.go
package application

import (
	"reconcilia/internal/service/reconciliation/domain"
	"reconcilia/internal/service/reconciliation/domain/port"
)

// ReconciliationResult 是协调器处理一个支付事件的结果。
type ReconciliationResult struct {
	OrderKey             string                 `json:"orderKey"`
	FinalStatus          domain.CanonicalStatus `json:"finalStatus"`
	Version              int64                  `json:"version"`
	Changed              bool                   `json:"changed"` // false 表示幂等重放 / 被策略忽略
	SideEffectsTriggered []port.Effect          `json:"sideEffectsTriggered,omitempty"`
}

// Estado 是 confirm-payment 接口返回给向导页面的状态描述。
type Estado struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// NewEstado 从规范状态生成用户可见的 estado。
func NewEstado(s domain.CanonicalStatus) Estado {
	return Estado{Code: string(s), Label: s.Label()}
}
