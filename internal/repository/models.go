package repository

import (
	"time"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// DeliveryModel is the persistence model for the deliveries table.
type DeliveryModel struct {
	ID                string          `gorm:"type:uuid;primaryKey"`
	Channel           domain.Channel  `gorm:"type:varchar(10);not null"`
	Recipient         string          `gorm:"type:varchar(255);not null"`
	RenderedContent   string          `gorm:"type:text;not null"`
	Subject           string          `gorm:"type:varchar(255)"`
	TemplateID        string          `gorm:"type:varchar(100)"`
	UserID            string          `gorm:"type:varchar(100)"`
	NotificationID    string          `gorm:"type:varchar(100)"`
	Priority          domain.Priority `gorm:"type:varchar(10);not null"`
	Metadata          domain.Metadata `gorm:"type:jsonb;serializer:json"`
	Status            domain.Status   `gorm:"type:varchar(20);not null"`
	Attempts          int             `gorm:"not null;default:0"`
	MaxRetries        int             `gorm:"not null;default:3"`
	ProviderID        string          `gorm:"type:varchar(100)"`
	ProviderMessageID *string         `gorm:"type:varchar(255)"`
	Cost              decimal.Decimal `gorm:"type:numeric(14,6);not null;default:0"`
	FailureReason     string          `gorm:"type:text"`
	ErrorCode         string          `gorm:"type:varchar(50)"`
	CreatedAt         time.Time       `gorm:"not null"`
	LastAttemptAt     *time.Time
	NextRetryAt       *time.Time
	DeliveredAt       *time.Time
	FailedAt          *time.Time
	Version           int64 `gorm:"not null;default:1"`
}

func (DeliveryModel) TableName() string {
	return "deliveries"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string          `gorm:"type:uuid;primaryKey"`
	DeliveryID        string          `gorm:"type:uuid;not null"`
	AttemptNumber     int             `gorm:"not null"`
	ProviderID        string          `gorm:"type:varchar(100)"`
	ProviderMessageID *string         `gorm:"type:varchar(255)"`
	Cost              decimal.Decimal `gorm:"type:numeric(14,6);not null;default:0"`
	ErrorCode         *string         `gorm:"type:varchar(50)"`
	Error             *string         `gorm:"type:text"`
	CreatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func deliveryModelFromDomain(r *domain.DeliveryRecord) *DeliveryModel {
	if r == nil {
		return nil
	}

	return &DeliveryModel{
		ID:                r.ID,
		Channel:           r.Channel,
		Recipient:         r.Recipient,
		RenderedContent:   r.RenderedContent,
		Subject:           r.Subject,
		TemplateID:        r.TemplateID,
		UserID:            r.UserID,
		NotificationID:    r.NotificationID,
		Priority:          r.Priority,
		Metadata:          r.Metadata,
		Status:            r.Status,
		Attempts:          r.Attempts,
		MaxRetries:        r.MaxRetries,
		ProviderID:        r.ProviderID,
		ProviderMessageID: optionalString(r.ProviderMessageID),
		Cost:              r.Cost,
		FailureReason:     r.FailureReason,
		ErrorCode:         r.ErrorCode,
		CreatedAt:         r.CreatedAt,
		LastAttemptAt:     r.LastAttemptAt,
		NextRetryAt:       r.NextRetryAt,
		DeliveredAt:       r.DeliveredAt,
		FailedAt:          r.FailedAt,
		Version:           r.Version,
	}
}

func deliveryModelToDomain(m *DeliveryModel) *domain.DeliveryRecord {
	if m == nil {
		return nil
	}

	return &domain.DeliveryRecord{
		ID:                m.ID,
		Channel:           m.Channel,
		Recipient:         m.Recipient,
		RenderedContent:   m.RenderedContent,
		Subject:           m.Subject,
		TemplateID:        m.TemplateID,
		UserID:            m.UserID,
		NotificationID:    m.NotificationID,
		Priority:          m.Priority,
		Metadata:          m.Metadata,
		Status:            m.Status,
		Attempts:          m.Attempts,
		MaxRetries:        m.MaxRetries,
		ProviderID:        m.ProviderID,
		ProviderMessageID: derefString(m.ProviderMessageID),
		Cost:              m.Cost,
		FailureReason:     m.FailureReason,
		ErrorCode:         m.ErrorCode,
		CreatedAt:         m.CreatedAt.UTC(),
		LastAttemptAt:     m.LastAttemptAt,
		NextRetryAt:       m.NextRetryAt,
		DeliveredAt:       m.DeliveredAt,
		FailedAt:          m.FailedAt,
		Version:           m.Version,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		DeliveryID:        a.DeliveryID,
		AttemptNumber:     a.AttemptNumber,
		ProviderID:        a.ProviderID,
		ProviderMessageID: optionalString(a.ProviderMessageID),
		Cost:              a.Cost,
		ErrorCode:         optionalString(a.ErrorCode),
		Error:             optionalString(a.Error),
		CreatedAt:         a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		DeliveryID:        m.DeliveryID,
		AttemptNumber:     m.AttemptNumber,
		ProviderID:        m.ProviderID,
		ProviderMessageID: derefString(m.ProviderMessageID),
		Cost:              m.Cost,
		ErrorCode:         derefString(m.ErrorCode),
		Error:             derefString(m.Error),
		CreatedAt:         m.CreatedAt,
	}
}

// Empty strings are stored as NULL so partial unique indexes ignore them.
func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
