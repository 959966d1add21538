// internal/service/reconciliation/infrastructure/gorm_store.go
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"reconcilia/internal/service/reconciliation/domain"
)

// OrderRecordModel 对应数据库中的 order_record 表。
// 快照列存 JSON：副作用只需要整读整写，没有按字段查询的需求。
type OrderRecordModel struct {
	ID                   uint   `gorm:"primaryKey"`
	OrderKey             string `gorm:"uniqueIndex;size:128"`
	CanonicalStatus      string `gorm:"size:32;index"`
	Version              int64
	EmailSent            bool
	CalendarEventCreated bool
	Customer             string `gorm:"type:json"`
	Quote                string `gorm:"type:json"`
	Appointment          string `gorm:"type:json"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TableName 指定 GORM 应该使用的表名。
func (OrderRecordModel) TableName() string {
	return "order_record"
}

// GormStore 是 OrderStore 的 MySQL 实现。
// CAS 通过 `WHERE order_key = ? AND version = ?` 的条件更新实现，
// RowsAffected == 0 即版本冲突，不依赖任何显式锁。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	return newGormStore(mysql.Open(dsn))
}

func newGormStore(dialector gorm.Dialector) (*GormStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&OrderRecordModel{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, orderKey string) (*domain.OrderRecord, error) {
	var model OrderRecordModel
	err := s.db.WithContext(ctx).Where("order_key = ?", orderKey).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return toDomainRecord(&model)
}

func (s *GormStore) Create(ctx context.Context, orderKey string, snapshot domain.OrderSnapshot) (*domain.OrderRecord, error) {
	record := domain.NewOrderRecord(orderKey, snapshot)
	model, err := toModel(record)
	if err != nil {
		return nil, err
	}

	// 唯一索引兜底并发创建，冲突统一归一为 ErrAlreadyExists
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		var existing OrderRecordModel
		if s.db.WithContext(ctx).Where("order_key = ?", orderKey).First(&existing).Error == nil {
			return nil, domain.ErrAlreadyExists
		}
		return nil, err
	}
	return record, nil
}

func (s *GormStore) CompareAndSet(ctx context.Context, orderKey string, expectedVersion int64, mutate domain.Mutator) (*domain.OrderRecord, error) {
	current, err := s.Get(ctx, orderKey)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now()

	// 整行回写：mutator 对快照列的修改和其他后端一样落盘
	model, err := toModel(next)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&OrderRecordModel{}).
		Where("order_key = ? AND version = ?", orderKey, expectedVersion).
		Updates(map[string]interface{}{
			"canonical_status":       model.CanonicalStatus,
			"version":                model.Version,
			"email_sent":             model.EmailSent,
			"calendar_event_created": model.CalendarEventCreated,
			"customer":               model.Customer,
			"quote":                  model.Quote,
			"appointment":            model.Appointment,
			"updated_at":             model.UpdatedAt,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrVersionConflict
	}
	return next, nil
}

func (s *GormStore) ListUnfinished(ctx context.Context) ([]*domain.OrderRecord, error) {
	var models []OrderRecordModel
	err := s.db.WithContext(ctx).
		Where("canonical_status IN ?", []string{
			string(domain.StatusApproved),
			string(domain.StatusCashHome),
			string(domain.StatusCashWorkshop),
		}).
		Where("email_sent = ? OR calendar_event_created = ?", false, false).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.OrderRecord, 0, len(models))
	for i := range models {
		record, err := toDomainRecord(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func toModel(record *domain.OrderRecord) (*OrderRecordModel, error) {
	customer, err := json.Marshal(record.Customer)
	if err != nil {
		return nil, err
	}
	quote, err := json.Marshal(record.Quote)
	if err != nil {
		return nil, err
	}
	appointment, err := json.Marshal(record.Appointment)
	if err != nil {
		return nil, err
	}
	return &OrderRecordModel{
		OrderKey:             record.OrderKey,
		CanonicalStatus:      string(record.CanonicalStatus),
		Version:              record.Version,
		EmailSent:            record.EmailSent,
		CalendarEventCreated: record.CalendarEventCreated,
		Customer:             string(customer),
		Quote:                string(quote),
		Appointment:          string(appointment),
		CreatedAt:            record.CreatedAt,
		UpdatedAt:            record.UpdatedAt,
	}, nil
}

func toDomainRecord(model *OrderRecordModel) (*domain.OrderRecord, error) {
	record := &domain.OrderRecord{
		OrderKey:             model.OrderKey,
		CanonicalStatus:      domain.CanonicalStatus(model.CanonicalStatus),
		Version:              model.Version,
		EmailSent:            model.EmailSent,
		CalendarEventCreated: model.CalendarEventCreated,
		CreatedAt:            model.CreatedAt,
		UpdatedAt:            model.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(model.Customer), &record.Customer); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(model.Quote), &record.Quote); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(model.Appointment), &record.Appointment); err != nil {
		return nil, err
	}
	return record, nil
}
