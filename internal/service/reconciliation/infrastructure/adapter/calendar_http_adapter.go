// internal/service/reconciliation/infrastructure/adapter/calendar_http_adapter.go
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reconcilia/internal/pkg/httpclient"
	"reconcilia/internal/service/reconciliation/domain"
)

// calendarNamespace 是派生确定性事件 ID 的命名空间。
var calendarNamespace = uuid.MustParse("7db5f3a2-1c64-4e0b-9c37-5a4f2b8d0e61")

type calendarEventRequest struct {
	EventID     string    `json:"eventId"`
	CalendarID  string    `json:"calendarId"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	StartsAt    time.Time `json:"startsAt"`
	Location    string    `json:"location"`
	Attendee    string    `json:"attendee"`
}

// CalendarHTTPAdapter 实现 port.CalendarBooker。
// 事件 ID 由订单键确定性派生（uuid v5），同一订单的重放对日历方是 upsert，
// 外部幂等和记录标志位双保险。
type CalendarHTTPAdapter struct {
	client     *httpclient.Client
	baseURL    string
	calendarID string
}

func NewCalendarHTTPAdapter(client *httpclient.Client, baseURL, calendarID string) *CalendarHTTPAdapter {
	return &CalendarHTTPAdapter{client: client, baseURL: baseURL, calendarID: calendarID}
}

func (a *CalendarHTTPAdapter) BookAppointment(ctx context.Context, record *domain.OrderRecord) error {
	summary := fmt.Sprintf("Servicio %s - %s", record.Appointment.Mode, record.Customer.Name)
	req := calendarEventRequest{
		EventID:     uuid.NewSHA1(calendarNamespace, []byte(record.OrderKey)).String(),
		CalendarID:  a.calendarID,
		Summary:     summary,
		Description: fmt.Sprintf("Pedido %s, total %.2f", record.OrderKey, record.Quote.Total),
		StartsAt:    record.Appointment.StartsAt,
		Location:    record.Customer.Address,
		Attendee:    record.Customer.Email,
	}
	url := fmt.Sprintf("%s/v3/events", a.baseURL)
	if err := a.client.PostJSON(ctx, url, req, nil); err != nil {
		return fmt.Errorf("calendar booking for order %s failed: %w", record.OrderKey, err)
	}
	return nil
}
