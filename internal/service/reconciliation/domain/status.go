// internal/service/reconciliation/domain/status.go
package domain

import "strings"

// CanonicalStatus 定义了订单支付状态的规范值。
// 三个渠道（webhook / redirect / poll）的各种厂商词汇最终都归一到这个闭集。
type CanonicalStatus string

const (
	StatusPending      CanonicalStatus = "pending"
	StatusApproved     CanonicalStatus = "approved"
	StatusRejected     CanonicalStatus = "rejected"
	StatusCancelled    CanonicalStatus = "cancelled"
	StatusRefunded     CanonicalStatus = "refunded"
	StatusChargedBack  CanonicalStatus = "chargedBack"
	StatusCashHome     CanonicalStatus = "cashHome"     // 上门现金支付
	StatusCashWorkshop CanonicalStatus = "cashWorkshop" // 到店现金支付
	StatusUnpaid       CanonicalStatus = "unpaid"
	StatusUnknown      CanonicalStatus = "unknown"
)

// aliasTable 是状态词汇的唯一来源。
// 网关状态、人工录入、历史数据里的西语别名都在这里归一，其他模块不允许复制这张表。
var aliasTable = map[string]CanonicalStatus{
	"approved":   StatusApproved,
	"confirmada": StatusApproved,
	"confirmed":  StatusApproved,

	"pending":   StatusPending,
	"pendiente": StatusPending,

	"rejected":  StatusRejected,
	"rechazada": StatusRejected,

	"cancelled": StatusCancelled,
	"cancelada": StatusCancelled,

	"refunded": StatusRefunded,

	"charged_back": StatusChargedBack,

	"cash_home": StatusCashHome,
	"home":      StatusCashHome,
	"domicilio": StatusCashHome,
	"onsite":    StatusCashHome,

	"cash_workshop": StatusCashWorkshop,
	"workshop":      StatusCashWorkshop,
	"taller":        StatusCashWorkshop,

	"unpaid":    StatusUnpaid,
	"no_pagado": StatusUnpaid,
	"sin_pago":  StatusUnpaid,
}

// Normalize 把任意厂商/人工状态字符串映射为规范状态。
// 永不失败：空串和未知词汇一律映射为 unknown，由状态机决定如何处理。
func Normalize(raw string) CanonicalStatus {
	if s, ok := aliasTable[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusUnknown
}

// IsTerminal 报告该状态是否终态。终态只能被 refunded/chargedBack 这类后续覆盖改写。
func (s CanonicalStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// IsCash 报告该状态是否现金支付路径。对支付而言现金路径同样视作终态。
func (s CanonicalStatus) IsCash() bool {
	return s == StatusCashHome || s == StatusCashWorkshop
}

// TriggersSideEffects 报告首次进入该状态是否需要触发确认邮件和日历预约。
func (s CanonicalStatus) TriggersSideEffects() bool {
	return s == StatusApproved || s.IsCash()
}

// Label 返回面向用户的西语文案，confirm-payment 接口的 estado.label 用它渲染。
func (s CanonicalStatus) Label() string {
	switch s {
	case StatusApproved:
		return "Pago confirmado"
	case StatusPending:
		return "Pago pendiente"
	case StatusRejected:
		return "Pago rechazado"
	case StatusCancelled:
		return "Pago cancelado"
	case StatusRefunded:
		return "Pago reembolsado"
	case StatusChargedBack:
		return "Pago contracargado"
	case StatusCashHome:
		return "Pago en efectivo a domicilio"
	case StatusCashWorkshop:
		return "Pago en efectivo en el taller"
	case StatusUnpaid:
		return "Sin pago registrado"
	default:
		return "Estado desconocido"
	}
}

// PollCode 把规范状态收敛为轮询接口的受限词汇: confirmed | rejected | pending | "-"。
func (s CanonicalStatus) PollCode() string {
	switch s {
	case StatusApproved, StatusCashHome, StatusCashWorkshop:
		return "confirmed"
	case StatusRejected, StatusCancelled, StatusChargedBack:
		return "rejected"
	case StatusPending, StatusUnpaid:
		return "pending"
	default:
		return "-"
	}
}
