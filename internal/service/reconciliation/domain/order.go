// internal/service/reconciliation/domain/order.go
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// CustomerSnapshot 保存触发副作用所需的联系人信息快照。
type CustomerSnapshot struct {
	Name     string   `json:"name"`
	Phone    string   `json:"phone"`
	Email    string   `json:"email"`
	Address  string   `json:"address"`
	Location string   `json:"location"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
}

// QuoteSnapshot 保存报价明细快照。报价公式本身是外部协作方，这里只存结果。
type QuoteSnapshot struct {
	BaseCost   float64 `json:"baseCost"`
	TravelCost float64 `json:"travelCost"`
	Subtotal   float64 `json:"subtotal"`
	IVA        float64 `json:"iva"`
	Total      float64 `json:"total"`
}

// AppointmentSlot 保存预约时段快照。
type AppointmentSlot struct {
	SlotID   string    `json:"slotId"`
	StartsAt time.Time `json:"startsAt"`
	Mode     string    `json:"mode"` // home | workshop
}

// OrderRecord 是对账引擎的聚合根：每个订单/支付标识一条记录。
//
// 不变量:
//   - Version 在每次被接受的写入上严格递增
//   - EmailSent / CalendarEventCreated 只能 false→true，永不回退
//   - 终态只能被 approved 之后的 refunded/chargedBack 覆盖，
//     永远不会被 pending/unknown 改写
type OrderRecord struct {
	OrderKey             string           `json:"orderKey"`
	CanonicalStatus      CanonicalStatus  `json:"canonicalStatus"`
	Version              int64            `json:"version"`
	EmailSent            bool             `json:"emailSent"`
	CalendarEventCreated bool             `json:"calendarEventCreated"`
	Customer             CustomerSnapshot `json:"customer"`
	Quote                QuoteSnapshot    `json:"quote"`
	Appointment          AppointmentSlot  `json:"appointment"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// OrderSnapshot 是创建记录时的初始数据。记录在报价被接受的那一刻诞生，
// 而不是在原始表单输入时。
type OrderSnapshot struct {
	Customer    CustomerSnapshot
	Quote       QuoteSnapshot
	Appointment AppointmentSlot
}

// NewOrderRecord 用快照创建一条初始记录，初始状态为 pending，版本为 1。
func NewOrderRecord(orderKey string, snapshot OrderSnapshot) *OrderRecord {
	now := time.Now()
	return &OrderRecord{
		OrderKey:        orderKey,
		CanonicalStatus: StatusPending,
		Version:         1,
		Customer:        snapshot.Customer,
		Quote:           snapshot.Quote,
		Appointment:     snapshot.Appointment,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone 返回记录的一个副本，CAS 的 mutator 在副本上工作。
func (r *OrderRecord) Clone() *OrderRecord {
	cp := *r
	return &cp
}

// NextStatus 实现状态迁移策略，返回 current 在收到 candidate 之后应当处于的状态。
// 返回值等于 current 即表示该事件是无操作（重复投递、降级、迟到事件）。
func NextStatus(current, candidate CanonicalStatus) CanonicalStatus {
	// 重复投递同一候选状态永远是无操作
	if candidate == current {
		return current
	}

	switch {
	case current == StatusPending || current == StatusUnknown:
		// 初始态可以迁移到任何规范状态
		return candidate

	case current.IsTerminal():
		// 终态忽略 pending/unknown；refunded/chargedBack 只接受在 approved 之后
		if current == StatusApproved && (candidate == StatusRefunded || candidate == StatusChargedBack) {
			return candidate
		}
		return current

	case current.IsCash():
		// 现金路径对支付而言视作终态，忽略降级
		if candidate == StatusPending || candidate == StatusUnknown {
			return current
		}
		return candidate

	default:
		// refunded/chargedBack/unpaid 等中间后置状态：忽略降级，其余照单接受
		if candidate == StatusPending || candidate == StatusUnknown {
			return current
		}
		return candidate
	}
}

// FallbackOrderKey 在没有网关支付单号时（现金路径）从快照派生一个组合键。
// 已知弱点：联系人、时段、总价完全相同的两笔订单会撞键，调用方在
// Create 返回 AlreadyExists 时按重复提交处理。
func FallbackOrderKey(snapshot OrderSnapshot) string {
	material := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(snapshot.Customer.Email)),
		strings.TrimSpace(snapshot.Customer.Phone),
		snapshot.Appointment.SlotID,
		fmt.Sprintf("%.2f", snapshot.Quote.Total),
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return "ck_" + hex.EncodeToString(sum[:16])
}
